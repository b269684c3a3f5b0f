// Package protocol defines the JSON command envelope exchanged with the
// signaling server and its codec.
package protocol

import "github.com/pion/webrtc/v4"

// Command identifies the kind of signaling message.
type Command string

// Signaling commands.
const (
	CmdPublish           Command = "publish"
	CmdPlay              Command = "play"
	CmdStart             Command = "start"
	CmdTakeConfiguration Command = "takeConfiguration"
	CmdTakeCandidate     Command = "takeCandidate"
	CmdStop              Command = "stop"
	CmdError             Command = "error"
	CmdNotification      Command = "notification"
	CmdPing              Command = "ping"
	CmdPong              Command = "pong"
)

// Definitions carried by error and notification messages.
const (
	DefNoStreamIDSpecified = "noStreamIdSpecified"
	DefPublishStarted      = "publish_started"
	DefPublishFinished     = "publish_finished"
	DefPlayStarted         = "play_started"
	DefStreamInUse         = "streamIdInUse"
	DefAlreadyPlaying      = "alreadyPlaying"
)

// SDP types carried in takeConfiguration.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

// Message is the JSON structure exchanged over the WebSocket. Only the fields
// relevant to Command are set; the rest are omitted on the wire.
type Message struct {
	Command  Command `json:"command"`
	StreamID string  `json:"streamId,omitempty"`

	// publish
	Video *bool `json:"video,omitempty"`
	Audio *bool `json:"audio,omitempty"`

	// takeConfiguration
	SDP  string `json:"sdp,omitempty"`
	Type string `json:"type,omitempty"`

	// takeCandidate
	CandidateLabel *uint16 `json:"candidateSdpMLineIndex,omitempty"`
	CandidateID    string  `json:"candidateSdpMid,omitempty"`
	Candidate      string  `json:"candidateSdp,omitempty"`

	// error / notification
	Definition string `json:"definition,omitempty"`
}

// Publish announces the intent to publish streamID.
func Publish(streamID string, video, audio bool) *Message {
	return &Message{Command: CmdPublish, StreamID: streamID, Video: &video, Audio: &audio}
}

// Play announces the intent to play streamID.
func Play(streamID string) *Message {
	return &Message{Command: CmdPlay, StreamID: streamID}
}

// Start asks a publisher to create its offer.
func Start(streamID string) *Message {
	return &Message{Command: CmdStart, StreamID: streamID}
}

// Stop tells the other side that streamID is gone.
func Stop(streamID string) *Message {
	return &Message{Command: CmdStop, StreamID: streamID}
}

// TakeConfiguration carries a local SDP of the given type ("offer"/"answer").
func TakeConfiguration(streamID, sdpType, sdp string) *Message {
	return &Message{Command: CmdTakeConfiguration, StreamID: streamID, Type: sdpType, SDP: sdp}
}

// TakeCandidate carries a single trickled ICE candidate.
func TakeCandidate(streamID string, c webrtc.ICECandidateInit) *Message {
	msg := &Message{
		Command:        CmdTakeCandidate,
		StreamID:       streamID,
		Candidate:      c.Candidate,
		CandidateLabel: c.SDPMLineIndex,
	}
	if c.SDPMid != nil {
		msg.CandidateID = *c.SDPMid
	}
	return msg
}

// Error builds an error reply with the given definition.
func Error(streamID, definition string) *Message {
	return &Message{Command: CmdError, StreamID: streamID, Definition: definition}
}

// Notification builds an informational message.
func Notification(streamID, definition string) *Message {
	return &Message{Command: CmdNotification, StreamID: streamID, Definition: definition}
}

// Ping is the keep-alive message.
func Ping() *Message {
	return &Message{Command: CmdPing}
}

// Pong answers a keep-alive.
func Pong() *Message {
	return &Message{Command: CmdPong}
}

// ICECandidate converts a takeCandidate message back into the form the
// PeerConnection accepts.
func (m *Message) ICECandidate() webrtc.ICECandidateInit {
	init := webrtc.ICECandidateInit{Candidate: m.Candidate}
	if m.CandidateID != "" {
		mid := m.CandidateID
		init.SDPMid = &mid
	}
	if m.CandidateLabel != nil {
		label := *m.CandidateLabel
		init.SDPMLineIndex = &label
	}
	return init
}

// SessionDescription converts a takeConfiguration message into an SDP.
func (m *Message) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(m.Type), SDP: m.SDP}
}
