package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctest/internal/protocol"
)

// recorder keeps a global ordering of calls made into the fakes, so tests can
// assert on cross-component order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// index returns the position of the first call equal to want, or -1.
func (r *recorder) index(want string) int {
	for i, c := range r.snapshot() {
		if c == want {
			return i
		}
	}
	return -1
}

// count returns how many recorded calls equal want.
func (r *recorder) count(want string) int {
	n := 0
	for _, c := range r.snapshot() {
		if c == want {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// fakeTransport
// ---------------------------------------------------------------------------

type fakeTransport struct {
	rec     *recorder
	handler TransportHandler
	openErr error

	mu   sync.Mutex
	sent []*protocol.Message
}

func (f *fakeTransport) Open(ctx context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.rec.add("transport.open")
	f.handler.HandleOpen()
	return nil
}

func (f *fakeTransport) Send(msg *protocol.Message) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.rec.add(fmt.Sprintf("transport.send:%s:%s", msg.Command, msg.Type))
}

func (f *fakeTransport) Close() error {
	f.rec.add("transport.close")
	return nil
}

// messages returns every sent message with the given command.
func (f *fakeTransport) messages(cmd protocol.Command) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.sent {
		if m.Command == cmd {
			out = append(out, m)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// fakePeer
// ---------------------------------------------------------------------------

// fakePeer answers every asynchronous call by invoking the observer or done
// callback right away, the way a fast media stack would.
type fakePeer struct {
	rec      *recorder
	obs      PeerObserver
	offer    string
	answer   string
	reject   map[string]bool
	localErr error

	mu      sync.Mutex
	applied []string
	data    []string
}

var errRejected = errors.New("candidate rejected")

func (f *fakePeer) CreateOffer() {
	f.rec.add("peer.createOffer")
	f.obs.OnDescriptionCreated(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.offer})
}

func (f *fakePeer) CreateAnswer() {
	f.rec.add("peer.createAnswer")
	f.obs.OnDescriptionCreated(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.answer})
}

func (f *fakePeer) SetLocalDescription(sdp webrtc.SessionDescription, done func(error)) {
	f.rec.add("peer.setLocal:" + sdp.Type.String())
	done(f.localErr)
}

func (f *fakePeer) SetRemoteDescription(sdp webrtc.SessionDescription, done func(error)) {
	f.rec.add("peer.setRemote:" + sdp.Type.String())
	done(nil)
}

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.rec.add("peer.addCandidate:" + c.Candidate)
	if f.reject[c.Candidate] {
		return errRejected
	}
	f.mu.Lock()
	f.applied = append(f.applied, c.Candidate)
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) SendData(text string) error {
	f.mu.Lock()
	f.data = append(f.data, text)
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) Dispose() error {
	f.rec.add("peer.dispose")
	return nil
}

func (f *fakePeer) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakePeer) sentData() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.data...)
}

// ---------------------------------------------------------------------------
// fakeStream / fakeListener
// ---------------------------------------------------------------------------

type fakeStream struct {
	rec    *recorder
	starts atomic.Int32
}

func (f *fakeStream) Start() {
	f.starts.Add(1)
	f.rec.add("stream.start")
}

func (f *fakeStream) Stop() error {
	f.rec.add("stream.stop")
	return nil
}

type fakeListener struct {
	established atomic.Int32
	stopped     atomic.Int32

	mu    sync.Mutex
	notes []string
	data  []string
}

func (f *fakeListener) OnEstablished(string) { f.established.Add(1) }
func (f *fakeListener) OnStopped(string)     { f.stopped.Add(1) }

func (f *fakeListener) OnNotification(_ string, msg *protocol.Message) {
	f.mu.Lock()
	f.notes = append(f.notes, msg.Definition)
	f.mu.Unlock()
}

func (f *fakeListener) OnDataChannelMessage(_ string, text string) {
	f.mu.Lock()
	f.data = append(f.data, text)
	f.mu.Unlock()
}

func (f *fakeListener) hasNote(def string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notes {
		if n == def {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	s         *Session
	rec       *recorder
	transport *fakeTransport
	peer      *fakePeer
	stream    *fakeStream
	listener  *fakeListener
	barriers  int
}

// harnessOption tweaks the fakes before the session is built.
type harnessOption func(h *harness, cfg *Config)

func withDataChannel() harnessOption {
	return func(_ *harness, cfg *Config) { cfg.DataChannel = true }
}

func withOpenError(err error) harnessOption {
	return func(h *harness, _ *Config) { h.transport.openErr = err }
}

func withRejected(candidates ...string) harnessOption {
	return func(h *harness, _ *Config) {
		for _, c := range candidates {
			h.peer.reject[c] = true
		}
	}
}

func newHarness(t *testing.T, role Role, streamID string, opts ...harnessOption) *harness {
	t.Helper()

	rec := &recorder{}
	h := &harness{
		rec:       rec,
		transport: &fakeTransport{rec: rec},
		peer:      &fakePeer{rec: rec, offer: "O2", answer: "A", reject: map[string]bool{}},
		stream:    &fakeStream{rec: rec},
		listener:  &fakeListener{},
	}

	cfg := Config{
		StreamID: streamID,
		Role:     role,
		Transport: func(th TransportHandler) Transport {
			h.transport.handler = th
			return h.transport
		},
		Peer: func(o PeerObserver) (Peer, error) {
			h.peer.obs = o
			return h.peer, nil
		},
		Stream:   h.stream,
		Listener: h.listener,
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.s = s

	t.Cleanup(func() {
		s.Stop()
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Error("session did not stop during cleanup")
		}
	})
	return h
}

// start starts the session and waits until the announce message went out.
func (h *harness) start(t *testing.T) {
	t.Helper()
	h.s.Start(context.Background())

	want := protocol.CmdPlay
	if h.s.Role() == RolePublisher {
		want = protocol.CmdPublish
	}
	eventually(t, "announce sent", func() bool { return len(h.transport.messages(want)) == 1 })
}

// barrier pushes a notification through the session and waits for it to
// reach the listener. Because the mailbox is FIFO, everything pushed before
// it has been handled once barrier returns.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	h.barriers++
	def := fmt.Sprintf("barrier-%d", h.barriers)
	h.s.HandleMessage(protocol.Notification(h.s.StreamID(), def))
	eventually(t, def, func() bool { return h.listener.hasNote(def) })
}

func (h *harness) candidate(c string) {
	mid := "0"
	label := uint16(0)
	h.s.HandleMessage(protocol.TakeCandidate(h.s.StreamID(), webrtc.ICECandidateInit{
		Candidate:     c,
		SDPMid:        &mid,
		SDPMLineIndex: &label,
	}))
}

func (h *harness) waitStopped(t *testing.T) {
	t.Helper()
	select {
	case <-h.s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

// teardownCalls returns the recorded teardown steps in order.
func (h *harness) teardownCalls() []string {
	var out []string
	for _, c := range h.rec.snapshot() {
		switch c {
		case "stream.stop", "peer.dispose", "transport.close":
			out = append(out, c)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
