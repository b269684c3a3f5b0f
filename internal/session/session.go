// Package session implements the signaling/negotiation state machine of one
// WebRTC stream attempt, as publisher or player.
//
// Every external trigger (signaling message, peer callback, Stop) is pushed
// onto a per-session mailbox and handled by a single actor goroutine, so the
// negotiation state is never touched concurrently. The only field shared
// with other goroutines is the stop latch, which is an atomic.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctest/internal/protocol"
	"github.com/1ureka/rtctest/internal/util"
)

// Role is the side of the stream a session drives.
type Role int

const (
	RolePublisher Role = iota + 1
	RolePlayer
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RolePlayer:
		return "player"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Phase is the coarse negotiation state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnectingSignal
	PhaseNegotiatingSdp
	PhaseIceExchange
	PhaseConnected
	PhaseStopping
	PhaseStopped
)

var phaseNames = [...]string{
	PhaseIdle:             "idle",
	PhaseConnectingSignal: "connecting-signal",
	PhaseNegotiatingSdp:   "negotiating-sdp",
	PhaseIceExchange:      "ice-exchange",
	PhaseConnected:        "connected",
	PhaseStopping:         "stopping",
	PhaseStopped:          "stopped",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

var (
	ErrNoStreamID   = errors.New("session: stream id is required")
	ErrInvalidRole  = errors.New("session: role must be publisher or player")
	ErrNoTransport  = errors.New("session: transport factory is required")
	ErrNoPeer       = errors.New("session: peer factory is required")
	ErrNoController = errors.New("session: stream controller is required")
)

// Config describes one session. Transport and Peer are factories because
// both need the session itself as their event sink.
type Config struct {
	StreamID    string
	Role        Role
	DataChannel bool

	Transport func(TransportHandler) Transport
	Peer      func(PeerObserver) (Peer, error)
	Stream    StreamController
	Listener  Listener // optional
}

// Session is one publisher or player negotiation.
type Session struct {
	id          string // short random id, only for log correlation
	streamID    string
	role        Role
	dataChannel bool

	transport Transport
	newPeer   func(PeerObserver) (Peer, error)
	stream    StreamController
	listener  Listener

	mbox *mailbox
	done chan struct{}

	// Owned by the actor goroutine.
	peer             Peer
	phase            Phase
	descriptionReady bool
	connected        bool
	candidates       candidateQueue

	stopped   atomic.Bool  // set exactly once, by whoever initiates teardown
	phaseView atomic.Int32 // mirror of phase for Phase()
}

// New creates a session in PhaseIdle and starts its actor goroutine. The
// session does nothing until Start is called.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.StreamID == "":
		return nil, ErrNoStreamID
	case cfg.Role != RolePublisher && cfg.Role != RolePlayer:
		return nil, ErrInvalidRole
	case cfg.Transport == nil:
		return nil, ErrNoTransport
	case cfg.Peer == nil:
		return nil, ErrNoPeer
	case cfg.Stream == nil:
		return nil, ErrNoController
	}

	listener := cfg.Listener
	if listener == nil {
		listener = NopListener{}
	}

	s := &Session{
		id:          uuid.NewString()[:8],
		streamID:    cfg.StreamID,
		role:        cfg.Role,
		dataChannel: cfg.DataChannel,
		newPeer:     cfg.Peer,
		stream:      cfg.Stream,
		listener:    listener,
		mbox:        newMailbox(),
		done:        make(chan struct{}),
	}
	s.transport = cfg.Transport(s)

	go s.run()

	return s, nil
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// StreamID returns the stream this session negotiates.
func (s *Session) StreamID() string { return s.streamID }

// Role returns the session role.
func (s *Session) Role() Role { return s.role }

// Phase returns the last phase the actor reached.
func (s *Session) Phase() Phase { return Phase(s.phaseView.Load()) }

// Done returns a channel that is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start creates the peer connection and opens the signaling transport. ctx
// bounds the transport dial only; use Stop to end the session.
func (s *Session) Start(ctx context.Context) {
	s.push(event{kind: evStart, ctx: ctx})
}

// Stop tears the session down: stream stop, peer dispose, transport close,
// in that order. Safe to call any number of times from any goroutine.
func (s *Session) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		util.LogDebug("%s already stopped", s)
		return
	}
	s.push(event{kind: evTeardown, stage: "stop requested"})
}

// SendData sends text over the data channel, if one was negotiated.
func (s *Session) SendData(text string) {
	s.push(event{kind: evSendData, text: text})
}

func (s *Session) String() string {
	return fmt.Sprintf("[%s %s/%s]", s.role, s.streamID, s.id)
}

// ---------------------------------------------------------------------------
// TransportHandler
// ---------------------------------------------------------------------------

func (s *Session) HandleOpen() {
	s.push(event{kind: evOpen})
}

func (s *Session) HandleMessage(msg *protocol.Message) {
	s.push(event{kind: evMessage, msg: msg})
}

func (s *Session) HandleClose(err error) {
	s.push(event{kind: evTransportClosed, err: err})
}

// ---------------------------------------------------------------------------
// PeerObserver
// ---------------------------------------------------------------------------

func (s *Session) OnDescriptionCreated(sdp webrtc.SessionDescription) {
	s.push(event{kind: evDescriptionCreated, sdp: sdp})
}

func (s *Session) OnDescriptionFailure(stage string, err error) {
	s.push(event{kind: evDescriptionFailure, stage: stage, err: err})
}

func (s *Session) OnConnectivityChange(state webrtc.ICEConnectionState) {
	s.push(event{kind: evConnectivityChange, state: state})
}

func (s *Session) OnICECandidate(c webrtc.ICECandidateInit) {
	s.push(event{kind: evLocalCandidate, candidate: c})
}

func (s *Session) OnDataChannelMessage(text string) {
	s.push(event{kind: evDataMessage, text: text})
}

// ---------------------------------------------------------------------------
// Actor
// ---------------------------------------------------------------------------

// push hands ev to the actor. Events arriving after teardown are redundant
// and only logged.
func (s *Session) push(ev event) {
	if !s.mbox.push(ev) {
		util.LogDebug("%s ignoring %s event: session is stopped", s, ev.kind)
	}
}

// run is the single actor goroutine. It exits after teardown.
func (s *Session) run() {
	for range s.mbox.signal {
		for _, ev := range s.mbox.take() {
			s.dispatch(ev)
		}
		if s.phase == PhaseStopped {
			return
		}
	}
}

func (s *Session) setPhase(p Phase) {
	if s.phase == p {
		return
	}
	util.LogDebug("%s phase %s → %s", s, s.phase, p)
	s.phase = p
	s.phaseView.Store(int32(p))
}
