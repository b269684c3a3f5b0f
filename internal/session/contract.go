package session

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctest/internal/protocol"
)

// Transport is the signaling channel a Session talks through.
//
// Open must invoke TransportHandler.HandleOpen before any HandleMessage call.
// Send never fails from the caller's point of view: delivery problems are
// logged by the transport. Close must be idempotent.
type Transport interface {
	Open(ctx context.Context) error
	Send(msg *protocol.Message)
	Close() error
}

// TransportHandler receives signaling events. Session implements it.
type TransportHandler interface {
	HandleOpen()
	HandleMessage(msg *protocol.Message)
	HandleClose(err error)
}

// Peer is the asynchronous peer-connection facade. Every method returns
// without waiting for the media stack; results are reported through the
// PeerObserver given at construction or through the done callbacks.
type Peer interface {
	CreateOffer()
	CreateAnswer()
	SetLocalDescription(sdp webrtc.SessionDescription, done func(error))
	SetRemoteDescription(sdp webrtc.SessionDescription, done func(error))
	AddICECandidate(c webrtc.ICECandidateInit) error
	SendData(text string) error
	Dispose() error
}

// PeerObserver receives the facade's asynchronous callbacks. Session
// implements it.
type PeerObserver interface {
	OnDescriptionCreated(sdp webrtc.SessionDescription)
	OnDescriptionFailure(stage string, err error)
	OnConnectivityChange(state webrtc.ICEConnectionState)
	OnICECandidate(c webrtc.ICECandidateInit)
	OnDataChannelMessage(text string)
}

// StreamController starts and stops local capture or remote playback once
// negotiation settles.
type StreamController interface {
	Start()
	Stop() error
}

// Listener is notified about session milestones. Calls are made from the
// session's own goroutine and must not block.
type Listener interface {
	OnEstablished(streamID string)
	OnStopped(streamID string)
	OnNotification(streamID string, msg *protocol.Message)
	OnDataChannelMessage(streamID, text string)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) OnEstablished(string)                     {}
func (NopListener) OnStopped(string)                         {}
func (NopListener) OnNotification(string, *protocol.Message) {}
func (NopListener) OnDataChannelMessage(string, string)      {}
