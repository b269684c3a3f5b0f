package session

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctest/internal/protocol"
	"github.com/1ureka/rtctest/internal/util"
)

// dispatch is the single entry point of the state machine. It runs only on
// the actor goroutine.
func (s *Session) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("%s panic while handling %s: %v", s, ev.kind, r)
		}
	}()

	if s.phase == PhaseStopped {
		util.LogDebug("%s ignoring %s event: session is stopped", s, ev.kind)
		return
	}
	// Once the stop latch is set only the teardown itself may run.
	if s.stopped.Load() && ev.kind != evTeardown {
		util.LogDebug("%s ignoring %s event: session is stopping", s, ev.kind)
		return
	}

	switch ev.kind {
	case evStart:
		s.handleStart(ev.ctx)
	case evOpen:
		s.handleOpen()
	case evOpenFailed:
		util.LogError("%s cannot open signaling transport: %v", s, ev.err)
		s.shutdown("signaling transport failed")
	case evMessage:
		s.handleMessage(ev.msg)
	case evTransportClosed:
		util.LogWarning("%s signaling transport closed: %v", s, ev.err)
	case evDescriptionCreated:
		s.handleDescriptionCreated(ev.sdp)
	case evDescriptionFailure:
		util.LogError("%s %s failed: %v", s, ev.stage, ev.err)
	case evLocalDescriptionSet:
		s.handleLocalDescriptionSet(ev.sdp, ev.err)
	case evRemoteDescriptionSet:
		s.handleRemoteDescriptionSet(ev.sdp, ev.err)
	case evConnectivityChange:
		s.handleConnectivityChange(ev.state)
	case evLocalCandidate:
		s.transport.Send(protocol.TakeCandidate(s.streamID, ev.candidate))
	case evDataMessage:
		util.LogDebug("%s data channel message (%d bytes)", s, len(ev.text))
		s.listener.OnDataChannelMessage(s.streamID, ev.text)
	case evSendData:
		s.handleSendData(ev.text)
	case evTeardown:
		util.LogInfo("%s stopping: %s", s, ev.stage)
		s.teardown()
	}
}

// ---------------------------------------------------------------------------
// Startup
// ---------------------------------------------------------------------------

func (s *Session) handleStart(ctx context.Context) {
	if s.phase != PhaseIdle {
		util.LogWarning("%s start ignored in phase %s", s, s.phase)
		return
	}
	s.setPhase(PhaseConnectingSignal)

	peer, err := s.newPeer(s)
	if err != nil {
		util.LogError("%s cannot create peer connection: %v", s, err)
		s.shutdown("peer connection failed")
		return
	}
	s.peer = peer

	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := s.transport.Open(ctx); err != nil {
			s.push(event{kind: evOpenFailed, err: err})
		}
	}()
}

func (s *Session) handleOpen() {
	util.LogInfo("%s signaling connected", s)

	switch s.role {
	case RolePublisher:
		s.transport.Send(protocol.Publish(s.streamID, true, true))
	case RolePlayer:
		s.transport.Send(protocol.Play(s.streamID))
	}
}

// ---------------------------------------------------------------------------
// Inbound signaling
// ---------------------------------------------------------------------------

func (s *Session) handleMessage(msg *protocol.Message) {
	if msg.StreamID != "" && msg.StreamID != s.streamID {
		util.LogWarning("%s ignoring %s for foreign stream %q", s, msg.Command, msg.StreamID)
		return
	}

	switch msg.Command {
	case protocol.CmdStart:
		s.handleStartCommand()

	case protocol.CmdTakeConfiguration:
		s.handleTakeConfiguration(msg)

	case protocol.CmdTakeCandidate:
		s.addIceCandidate(msg.ICECandidate())

	case protocol.CmdStop:
		util.LogInfo("%s server sent stop", s)

	case protocol.CmdError:
		util.LogWarning("%s server error: %s", s, msg.Definition)
		s.listener.OnNotification(s.streamID, msg)

	case protocol.CmdNotification:
		util.LogInfo("%s notification: %s", s, msg.Definition)
		s.listener.OnNotification(s.streamID, msg)

	case protocol.CmdPong:
		util.LogTrace("%s pong", s)

	default:
		util.LogDebug("%s ignoring unknown command %q", s, msg.Command)
	}
}

// handleStartCommand creates the offer. Only publishers offer, and only
// while negotiation has not moved past SDP.
func (s *Session) handleStartCommand() {
	if s.role != RolePublisher {
		util.LogWarning("%s start command ignored: players never offer", s)
		return
	}
	if s.phase != PhaseConnectingSignal && s.phase != PhaseNegotiatingSdp {
		util.LogWarning("%s start command ignored in phase %s", s, s.phase)
		return
	}

	s.setPhase(PhaseNegotiatingSdp)
	s.peer.CreateOffer()
}

func (s *Session) handleTakeConfiguration(msg *protocol.Message) {
	sdp := msg.SessionDescription()

	switch {
	case msg.SDP == "":
		util.LogWarning("%s takeConfiguration without sdp", s)
		return
	case s.role == RolePlayer && sdp.Type != webrtc.SDPTypeOffer,
		s.role == RolePublisher && sdp.Type != webrtc.SDPTypeAnswer:
		util.LogWarning("%s unexpected remote %q description", s, msg.Type)
		return
	}

	if s.phase == PhaseConnectingSignal {
		s.setPhase(PhaseNegotiatingSdp)
	}

	s.peer.SetRemoteDescription(sdp, func(err error) {
		s.push(event{kind: evRemoteDescriptionSet, sdp: sdp, err: err})
	})
}

// ---------------------------------------------------------------------------
// SDP
// ---------------------------------------------------------------------------

func (s *Session) handleDescriptionCreated(sdp webrtc.SessionDescription) {
	util.LogDebug("%s local %s created", s, sdp.Type)

	s.peer.SetLocalDescription(sdp, func(err error) {
		s.push(event{kind: evLocalDescriptionSet, sdp: sdp, err: err})
	})
}

func (s *Session) handleLocalDescriptionSet(sdp webrtc.SessionDescription, err error) {
	if err != nil {
		util.LogError("%s cannot set local %s: %v", s, sdp.Type, err)
		return
	}
	s.setPhase(PhaseIceExchange)

	switch sdp.Type {
	case webrtc.SDPTypeAnswer:
		s.drainCandidates()
		s.transport.Send(protocol.TakeConfiguration(s.streamID, protocol.TypeAnswer, sdp.SDP))

	case webrtc.SDPTypeOffer:
		// The candidate queue is drained once the remote answer is set.
		util.LogDebug("%s local offer set", s)
		s.transport.Send(protocol.TakeConfiguration(s.streamID, protocol.TypeOffer, sdp.SDP))

	default:
		util.LogWarning("%s local description of unexpected type %s", s, sdp.Type)
	}
}

func (s *Session) handleRemoteDescriptionSet(sdp webrtc.SessionDescription, err error) {
	if err != nil {
		util.LogError("%s cannot set remote %s: %v", s, sdp.Type, err)
		return
	}

	switch s.role {
	case RolePlayer:
		s.peer.CreateAnswer()
	case RolePublisher:
		s.drainCandidates()
	}
}

// ---------------------------------------------------------------------------
// ICE
// ---------------------------------------------------------------------------

// addIceCandidate applies c right away once the description is ready;
// before that it is queued.
func (s *Session) addIceCandidate(c webrtc.ICECandidateInit) {
	if !s.descriptionReady {
		s.candidates.push(c)
		util.LogDebug("%s candidate queued until description is ready (%d pending)", s, s.candidates.pending())
		return
	}

	if err := s.peer.AddICECandidate(c); err != nil {
		util.LogError("%s cannot add ice candidate %q: %v", s, c.Candidate, err)
	}
}

// drainCandidates applies every queued candidate in arrival order and marks
// the description ready. Individual rejections are logged and skipped.
func (s *Session) drainCandidates() {
	applied, failed := s.candidates.drain(func(c webrtc.ICECandidateInit) error {
		if err := s.peer.AddICECandidate(c); err != nil {
			util.LogError("%s queued candidate %q rejected: %v", s, c.Candidate, err)
			return err
		}
		return nil
	})
	s.descriptionReady = true

	if applied+failed > 0 {
		util.LogDebug("%s drained candidates: %d applied, %d rejected", s, applied, failed)
	}
}

func (s *Session) handleConnectivityChange(state webrtc.ICEConnectionState) {
	util.LogInfo("%s ice connection state: %s", s, state)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.setPhase(PhaseConnected)

		// Players start on connected, publishers only on completed.
		trigger := webrtc.ICEConnectionStateConnected
		if s.role == RolePublisher {
			trigger = webrtc.ICEConnectionStateCompleted
		}
		if state != trigger {
			return
		}

		if s.connected {
			util.LogDebug("%s already established, not starting again", s)
			return
		}
		s.connected = true

		s.stream.Start()
		util.Stats.AddEstablished()
		util.LogSuccess("%s session established", s)
		s.listener.OnEstablished(s.streamID)

	case webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed:
		s.shutdown(fmt.Sprintf("ice connection %s", state))
	}
}

// ---------------------------------------------------------------------------
// Data channel
// ---------------------------------------------------------------------------

func (s *Session) handleSendData(text string) {
	if !s.dataChannel {
		util.LogWarning("%s data channel is not enabled", s)
		return
	}
	if s.peer == nil {
		util.LogWarning("%s cannot send data before start", s)
		return
	}
	if err := s.peer.SendData(text); err != nil {
		util.LogError("%s cannot send data channel message: %v", s, err)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// shutdown starts teardown from inside the actor unless someone else already
// claimed the stop latch.
func (s *Session) shutdown(reason string) {
	if !s.stopped.CompareAndSwap(false, true) {
		util.LogDebug("%s already stopping (%s)", s, reason)
		return
	}
	util.LogInfo("%s stopping: %s", s, reason)
	s.teardown()
}

// teardown runs exactly once, after the stop latch was claimed. Every step is
// best-effort: failures are logged and the next step still runs.
func (s *Session) teardown() {
	defer close(s.done)
	s.setPhase(PhaseStopping)

	if n := s.candidates.discard(); n > 0 {
		util.LogDebug("%s discarded %d queued candidates", s, n)
	}

	s.bestEffort("stop stream", s.stream.Stop)
	if s.peer != nil {
		s.bestEffort("dispose peer connection", s.peer.Dispose)
	}
	s.bestEffort("close signaling transport", s.transport.Close)

	s.setPhase(PhaseStopped)
	if n := s.mbox.close(); n > 0 {
		util.LogDebug("%s dropped %d events queued behind teardown", s, n)
	}

	util.Stats.AddStopped()
	util.LogInfo("%s stopped", s)
	s.listener.OnStopped(s.streamID)
}

func (s *Session) bestEffort(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("%s %s panicked: %v", s, step, r)
		}
	}()
	if err := fn(); err != nil {
		util.LogWarning("%s %s: %v", s, step, err)
	}
}
