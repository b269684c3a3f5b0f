package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctest/internal/protocol"
)

func TestNewValidatesConfig(t *testing.T) {
	transport := func(TransportHandler) Transport { return &fakeTransport{rec: &recorder{}} }
	peer := func(PeerObserver) (Peer, error) { return &fakePeer{}, nil }
	stream := &fakeStream{rec: &recorder{}}

	testCases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no stream id", Config{Role: RolePlayer, Transport: transport, Peer: peer, Stream: stream}, ErrNoStreamID},
		{"no role", Config{StreamID: "s", Transport: transport, Peer: peer, Stream: stream}, ErrInvalidRole},
		{"no transport", Config{StreamID: "s", Role: RolePlayer, Peer: peer, Stream: stream}, ErrNoTransport},
		{"no peer", Config{StreamID: "s", Role: RolePlayer, Transport: transport, Stream: stream}, ErrNoPeer},
		{"no stream", Config{StreamID: "s", Role: RolePlayer, Transport: transport, Peer: peer}, ErrNoController},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

// TestPlayerFlow walks a player through play → offer → answer → connected.
// Candidates that arrive before the local answer is set are applied in
// arrival order before the answer goes out.
func TestPlayerFlow(t *testing.T) {
	h := newHarness(t, RolePlayer, "s1")
	h.start(t)

	if got := h.transport.messages(protocol.CmdPlay)[0].StreamID; got != "s1" {
		t.Fatalf("play sent for %q", got)
	}
	if h.s.Phase() != PhaseConnectingSignal {
		t.Errorf("phase = %s, want %s", h.s.Phase(), PhaseConnectingSignal)
	}

	for _, c := range []string{"c1", "c2", "c3"} {
		h.candidate(c)
	}
	h.barrier(t)
	if got := h.peer.appliedCandidates(); len(got) != 0 {
		t.Fatalf("candidates applied before description ready: %v", got)
	}

	h.s.HandleMessage(protocol.TakeConfiguration("s1", protocol.TypeOffer, "O"))
	eventually(t, "answer sent", func() bool {
		return len(h.transport.messages(protocol.CmdTakeConfiguration)) == 1
	})

	answer := h.transport.messages(protocol.CmdTakeConfiguration)[0]
	if answer.Type != protocol.TypeAnswer || answer.SDP != "A" || answer.StreamID != "s1" {
		t.Errorf("unexpected answer message: %+v", answer)
	}

	if got, want := h.peer.appliedCandidates(), []string{"c1", "c2", "c3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("applied candidates = %v, want %v", got, want)
	}
	if h.rec.index("peer.addCandidate:c3") > h.rec.index("transport.send:takeConfiguration:answer") {
		t.Error("answer sent before the candidate queue was drained")
	}
	if h.rec.index("peer.setRemote:offer") > h.rec.index("peer.createAnswer") {
		t.Error("answer created before the remote offer was set")
	}
	if h.s.Phase() != PhaseIceExchange {
		t.Errorf("phase = %s, want %s", h.s.Phase(), PhaseIceExchange)
	}

	// Later candidates are applied immediately.
	h.candidate("c4")
	eventually(t, "c4 applied", func() bool { return len(h.peer.appliedCandidates()) == 4 })

	h.s.OnConnectivityChange(webrtc.ICEConnectionStateConnected)
	h.s.OnConnectivityChange(webrtc.ICEConnectionStateConnected)
	h.barrier(t)

	if n := h.stream.starts.Load(); n != 1 {
		t.Errorf("stream started %d times, want 1", n)
	}
	if n := h.listener.established.Load(); n != 1 {
		t.Errorf("listener notified %d times, want 1", n)
	}
	if h.s.Phase() != PhaseConnected {
		t.Errorf("phase = %s, want %s", h.s.Phase(), PhaseConnected)
	}
}

// TestPublisherFlow walks a publisher through publish → start → offer →
// answer → completed. The candidate queue is held until the remote answer
// is set.
func TestPublisherFlow(t *testing.T) {
	h := newHarness(t, RolePublisher, "s2")
	h.start(t)

	publish := h.transport.messages(protocol.CmdPublish)[0]
	if publish.StreamID != "s2" || publish.Video == nil || !*publish.Video || publish.Audio == nil || !*publish.Audio {
		t.Fatalf("unexpected publish message: %+v", publish)
	}

	h.candidate("c1")
	h.s.HandleMessage(protocol.Start("s2"))
	eventually(t, "offer sent", func() bool {
		return len(h.transport.messages(protocol.CmdTakeConfiguration)) == 1
	})

	offer := h.transport.messages(protocol.CmdTakeConfiguration)[0]
	if offer.Type != protocol.TypeOffer || offer.SDP != "O2" || offer.StreamID != "s2" {
		t.Errorf("unexpected offer message: %+v", offer)
	}
	if got := h.peer.appliedCandidates(); len(got) != 0 {
		t.Errorf("candidate queue drained on local offer: %v", got)
	}

	h.s.HandleMessage(protocol.TakeConfiguration("s2", protocol.TypeAnswer, "A2"))
	eventually(t, "queue drained", func() bool { return len(h.peer.appliedCandidates()) == 1 })

	h.candidate("c2")
	eventually(t, "c2 applied", func() bool { return len(h.peer.appliedCandidates()) == 2 })

	// Publishers wait for completed; connected alone does not start.
	h.s.OnConnectivityChange(webrtc.ICEConnectionStateConnected)
	h.barrier(t)
	if n := h.stream.starts.Load(); n != 0 {
		t.Fatalf("publisher started on connected (%d starts)", n)
	}

	h.s.OnConnectivityChange(webrtc.ICEConnectionStateCompleted)
	h.s.OnConnectivityChange(webrtc.ICEConnectionStateConnected)
	h.s.OnConnectivityChange(webrtc.ICEConnectionStateCompleted)
	h.barrier(t)

	if n := h.stream.starts.Load(); n != 1 {
		t.Errorf("stream started %d times, want 1", n)
	}
	if n := h.listener.established.Load(); n != 1 {
		t.Errorf("listener notified %d times, want 1", n)
	}
}

// TestPlayerIgnoresCompleted pins the role asymmetry from the player side:
// completed alone never starts playback.
func TestPlayerIgnoresCompleted(t *testing.T) {
	h := newHarness(t, RolePlayer, "s1")
	h.start(t)

	h.s.OnConnectivityChange(webrtc.ICEConnectionStateCompleted)
	h.barrier(t)
	if n := h.stream.starts.Load(); n != 0 {
		t.Errorf("player started on completed (%d starts)", n)
	}
}

func TestRejectedCandidatesAreSkipped(t *testing.T) {
	h := newHarness(t, RolePlayer, "s1", withRejected("c2", "c4"))
	h.start(t)

	for _, c := range []string{"c1", "c2", "c3", "c4", "c5"} {
		h.candidate(c)
	}
	h.s.HandleMessage(protocol.TakeConfiguration("s1", protocol.TypeOffer, "O"))
	eventually(t, "answer sent", func() bool {
		return len(h.transport.messages(protocol.CmdTakeConfiguration)) == 1
	})

	if got, want := h.peer.appliedCandidates(), []string{"c1", "c3", "c5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("applied = %v, want %v", got, want)
	}
	for _, c := range []string{"c1", "c2", "c3", "c4", "c5"} {
		if n := h.rec.count("peer.addCandidate:" + c); n != 1 {
			t.Errorf("%s attempted %d times, want 1", c, n)
		}
	}
	if h.s.Phase() == PhaseStopped {
		t.Error("candidate rejection stopped the session")
	}
}

func TestLocalDescriptionFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, RolePlayer, "s1")
	h.peer.localErr = errors.New("bad sdp")
	h.start(t)

	h.candidate("c1")
	h.s.HandleMessage(protocol.TakeConfiguration("s1", protocol.TypeOffer, "O"))
	h.barrier(t)

	if n := len(h.transport.messages(protocol.CmdTakeConfiguration)); n != 0 {
		t.Errorf("answer sent despite failure (%d messages)", n)
	}
	if got := h.peer.appliedCandidates(); len(got) != 0 {
		t.Errorf("candidates applied despite failure: %v", got)
	}
	if h.s.Phase() == PhaseStopped || h.s.Phase() == PhaseStopping {
		t.Error("session stopped on negotiation error")
	}
}

func TestIgnoredCommands(t *testing.T) {
	t.Run("player ignores start", func(t *testing.T) {
		h := newHarness(t, RolePlayer, "s1")
		h.start(t)
		h.s.HandleMessage(protocol.Start("s1"))
		h.barrier(t)
		if h.rec.index("peer.createOffer") != -1 {
			t.Error("player created an offer")
		}
	})

	t.Run("publisher ignores remote offer", func(t *testing.T) {
		h := newHarness(t, RolePublisher, "s2")
		h.start(t)
		h.s.HandleMessage(protocol.TakeConfiguration("s2", protocol.TypeOffer, "O"))
		h.barrier(t)
		if h.rec.index("peer.setRemote:offer") != -1 {
			t.Error("publisher applied a remote offer")
		}
	})

	t.Run("foreign stream id", func(t *testing.T) {
		h := newHarness(t, RolePublisher, "s2")
		h.start(t)
		h.s.HandleMessage(protocol.Start("other"))
		h.barrier(t)
		if h.rec.index("peer.createOffer") != -1 {
			t.Error("start for another stream created an offer")
		}
	})

	t.Run("unknown command and server stop", func(t *testing.T) {
		h := newHarness(t, RolePlayer, "s1")
		h.start(t)
		h.s.HandleMessage(&protocol.Message{Command: "streamInformation", StreamID: "s1"})
		h.s.HandleMessage(protocol.Stop("s1"))
		h.barrier(t)
		if h.s.Phase() != PhaseConnectingSignal {
			t.Errorf("phase = %s, want %s", h.s.Phase(), PhaseConnectingSignal)
		}
	})
}

func TestServerErrorReachesListener(t *testing.T) {
	h := newHarness(t, RolePlayer, "s1")
	h.start(t)

	h.s.HandleMessage(protocol.Error("s1", "no_stream_exist"))
	eventually(t, "error forwarded", func() bool { return h.listener.hasNote("no_stream_exist") })
}

func TestLocalCandidateIsSignaled(t *testing.T) {
	h := newHarness(t, RolePublisher, "s2")
	h.start(t)

	mid := "0"
	label := uint16(0)
	h.s.OnICECandidate(webrtc.ICECandidateInit{Candidate: "local", SDPMid: &mid, SDPMLineIndex: &label})
	eventually(t, "candidate sent", func() bool {
		return len(h.transport.messages(protocol.CmdTakeCandidate)) == 1
	})

	msg := h.transport.messages(protocol.CmdTakeCandidate)[0]
	if msg.Candidate != "local" || msg.CandidateID != "0" || msg.CandidateLabel == nil || *msg.CandidateLabel != 0 {
		t.Errorf("unexpected candidate message: %+v", msg)
	}
}

func TestDataChannel(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t, RolePublisher, "s2", withDataChannel())
		h.start(t)
		h.s.SendData("hello")
		h.s.OnDataChannelMessage("world")
		h.barrier(t)

		if got := h.peer.sentData(); !reflect.DeepEqual(got, []string{"hello"}) {
			t.Errorf("sent data = %v", got)
		}
		h.listener.mu.Lock()
		defer h.listener.mu.Unlock()
		if !reflect.DeepEqual(h.listener.data, []string{"world"}) {
			t.Errorf("received data = %v", h.listener.data)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, RolePublisher, "s2")
		h.start(t)
		h.s.SendData("hello")
		h.barrier(t)

		if got := h.peer.sentData(); len(got) != 0 {
			t.Errorf("sent data without a data channel: %v", got)
		}
	})
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

var teardownOrder = []string{"stream.stop", "peer.dispose", "transport.close"}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, RolePlayer, "s1")
	h.start(t)
	h.candidate("pending")
	h.barrier(t)

	h.s.Stop()
	h.s.Stop()
	h.s.OnConnectivityChange(webrtc.ICEConnectionStateFailed)
	h.waitStopped(t)
	h.s.Stop()

	if got := h.teardownCalls(); !reflect.DeepEqual(got, teardownOrder) {
		t.Errorf("teardown calls = %v, want %v", got, teardownOrder)
	}
	if n := h.listener.stopped.Load(); n != 1 {
		t.Errorf("OnStopped fired %d times, want 1", n)
	}
	if h.s.Phase() != PhaseStopped {
		t.Errorf("phase = %s, want %s", h.s.Phase(), PhaseStopped)
	}
}

func TestEventsAfterStopHaveNoEffect(t *testing.T) {
	h := newHarness(t, RolePlayer, "s1")
	h.start(t)
	h.s.Stop()
	h.waitStopped(t)

	before := len(h.rec.snapshot())

	h.s.HandleMessage(protocol.TakeConfiguration("s1", protocol.TypeOffer, "O"))
	h.candidate("late")
	h.s.OnConnectivityChange(webrtc.ICEConnectionStateConnected)
	h.s.OnDescriptionCreated(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "A"})
	h.s.OnConnectivityChange(webrtc.ICEConnectionStateClosed)
	h.s.Start(context.Background())

	if after := h.rec.snapshot(); len(after) != before {
		t.Errorf("side effects after stop: %v", after[before:])
	}
	if n := h.stream.starts.Load(); n != 0 {
		t.Errorf("stream started after stop")
	}
}

func TestConnectivityFailureTearsDown(t *testing.T) {
	for _, state := range []webrtc.ICEConnectionState{
		webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed,
	} {
		t.Run(state.String(), func(t *testing.T) {
			h := newHarness(t, RolePlayer, "s1")
			h.start(t)

			h.s.OnConnectivityChange(webrtc.ICEConnectionStateConnected)
			h.s.OnConnectivityChange(state)
			h.s.OnConnectivityChange(state)
			h.waitStopped(t)
			h.s.Stop()

			if got := h.teardownCalls(); !reflect.DeepEqual(got, teardownOrder) {
				t.Errorf("teardown calls = %v, want %v", got, teardownOrder)
			}
		})
	}
}

// TestConcurrentStop races user Stop calls against connectivity failures;
// teardown must still run exactly once.
func TestConcurrentStop(t *testing.T) {
	h := newHarness(t, RolePublisher, "s2")
	h.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.s.Stop()
		}()
		go func() {
			defer wg.Done()
			h.s.OnConnectivityChange(webrtc.ICEConnectionStateFailed)
		}()
	}
	wg.Wait()
	h.waitStopped(t)

	if got := h.teardownCalls(); !reflect.DeepEqual(got, teardownOrder) {
		t.Errorf("teardown calls = %v, want %v", got, teardownOrder)
	}
}

func TestOpenFailureStopsSession(t *testing.T) {
	h := newHarness(t, RolePlayer, "s1", withOpenError(errors.New("dial refused")))
	h.s.Start(context.Background())
	h.waitStopped(t)

	if got := h.teardownCalls(); !reflect.DeepEqual(got, teardownOrder) {
		t.Errorf("teardown calls = %v, want %v", got, teardownOrder)
	}
	if n := len(h.transport.messages(protocol.CmdPlay)); n != 0 {
		t.Errorf("play sent on a failed transport")
	}
}

func TestPeerCreationFailureStopsSession(t *testing.T) {
	rec := &recorder{}
	s, err := New(Config{
		StreamID:  "s1",
		Role:      RolePlayer,
		Transport: func(th TransportHandler) Transport { return &fakeTransport{rec: rec, handler: th} },
		Peer:      func(PeerObserver) (Peer, error) { return nil, errors.New("no codecs") },
		Stream:    &fakeStream{rec: rec},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s.Start(context.Background())
	<-s.Done()

	if got, want := rec.snapshot(), []string{"stream.stop", "transport.close"}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}
