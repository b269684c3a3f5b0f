package session

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctest/internal/protocol"
)

// eventKind enumerates everything that can drive the state machine.
type eventKind int

const (
	evStart eventKind = iota
	evOpen
	evOpenFailed
	evMessage
	evTransportClosed
	evDescriptionCreated
	evDescriptionFailure
	evLocalDescriptionSet
	evRemoteDescriptionSet
	evConnectivityChange
	evLocalCandidate
	evDataMessage
	evSendData
	evTeardown
)

var eventNames = [...]string{
	evStart:                "start",
	evOpen:                 "transport-open",
	evOpenFailed:           "transport-open-failed",
	evMessage:              "message",
	evTransportClosed:      "transport-closed",
	evDescriptionCreated:   "description-created",
	evDescriptionFailure:   "description-failure",
	evLocalDescriptionSet:  "local-description-set",
	evRemoteDescriptionSet: "remote-description-set",
	evConnectivityChange:   "connectivity-change",
	evLocalCandidate:       "local-candidate",
	evDataMessage:          "data-message",
	evSendData:             "send-data",
	evTeardown:             "teardown",
}

func (k eventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// event is one unit of work for the session actor. Only the fields relevant
// to kind are set.
type event struct {
	kind eventKind

	ctx       context.Context
	msg       *protocol.Message
	sdp       webrtc.SessionDescription
	state     webrtc.ICEConnectionState
	candidate webrtc.ICECandidateInit
	stage     string
	text      string
	err       error
}

// mailbox is the session's unbounded FIFO task queue. push never blocks, so
// facade callbacks and transport reads can always hand work over. signal has
// capacity 1 and coalesces wake-ups; the actor drains everything queued on
// each wake-up.
type mailbox struct {
	mu     sync.Mutex
	items  []event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push appends ev. Returns false once the mailbox is closed.
func (m *mailbox) push(ev event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, ev)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns everything queued so far.
func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// close rejects further pushes and returns how many queued events were
// dropped.
func (m *mailbox) close() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	n := len(m.items)
	m.items = nil
	return n
}
