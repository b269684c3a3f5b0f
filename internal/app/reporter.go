package app

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/rtctest/internal/protocol"
	"github.com/1ureka/rtctest/internal/session"
	"github.com/1ureka/rtctest/internal/util"
)

// greetInterval is how often an established publisher sends a data channel
// message.
const greetInterval = 5 * time.Second

// dataSession is the part of a session the reporter drives.
type dataSession interface {
	StreamID() string
	SendData(text string)
	Done() <-chan struct{}
}

// reporter is the session listener of a run. With data channels enabled,
// publishers send a numbered greeting every greetInterval and players echo
// what they receive.
type reporter struct {
	role        session.Role
	dataChannel bool

	mu       sync.Mutex
	sessions map[string]dataSession

	established atomic.Int64
	stopped     atomic.Int64
	errors      atomic.Int64
	messages    atomic.Int64
}

var _ session.Listener = (*reporter)(nil)

func newReporter(role session.Role, dataChannel bool) *reporter {
	return &reporter{
		role:        role,
		dataChannel: dataChannel,
		sessions:    make(map[string]dataSession),
	}
}

func (r *reporter) track(s dataSession) {
	r.mu.Lock()
	r.sessions[s.StreamID()] = s
	r.mu.Unlock()
}

func (r *reporter) lookup(streamID string) (dataSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamID]
	return s, ok
}

func (r *reporter) OnEstablished(streamID string) {
	r.established.Add(1)

	if !r.dataChannel || r.role != session.RolePublisher {
		return
	}
	if s, ok := r.lookup(streamID); ok {
		go r.greet(s)
	}
}

func (r *reporter) OnStopped(string) {
	r.stopped.Add(1)
}

func (r *reporter) OnNotification(_ string, msg *protocol.Message) {
	if msg.Command == protocol.CmdError {
		r.errors.Add(1)
	}
}

func (r *reporter) OnDataChannelMessage(streamID, text string) {
	r.messages.Add(1)
	util.LogInfo("[%s] data channel: %q", streamID, text)

	if r.role != session.RolePlayer {
		return
	}
	if s, ok := r.lookup(streamID); ok {
		s.SendData("echo: " + text)
	}
}

// greet sends a numbered message until the session is done.
func (r *reporter) greet(s dataSession) {
	ticker := time.NewTicker(greetInterval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ticker.C:
			s.SendData(fmt.Sprintf("hello #%d from %s", n, s.StreamID()))
		case <-s.Done():
			return
		}
	}
}

func (r *reporter) summary() {
	util.LogInfo("sessions: %d established, %d stopped, %d server errors, %d data channel messages",
		r.established.Load(), r.stopped.Load(), r.errors.Load(), r.messages.Load())
}
