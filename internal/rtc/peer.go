// Package rtc adapts a pion PeerConnection to the asynchronous peer contract
// the negotiation state machine drives.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctest/internal/session"
	"github.com/1ureka/rtctest/internal/util"
)

const opsBufferSize = 16

var (
	// ErrDisposed is returned by operations on a disposed peer.
	ErrDisposed = errors.New("rtc: peer is disposed")
	// ErrNoDataChannel is returned by SendData when no data channel is open.
	ErrNoDataChannel = errors.New("rtc: no open data channel")
)

// Options configures one peer.
type Options struct {
	StreamID    string
	Publisher   bool
	DataChannel bool
	STUNServers []string

	// Tracks are sent by a publisher.
	Tracks []webrtc.TrackLocal
	// OnTrack receives a player's remote tracks.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Peer wraps one PeerConnection. SDP operations run in order on a worker
// goroutine and report back through the observer; ICE state, candidates and
// data channel messages are forwarded from pion's callbacks.
//
// Pion never reports the ICE "completed" state, which is what a publisher
// waits for. Peer reports it once ICE is connected and local gathering has
// finished.
type Peer struct {
	pc       *webrtc.PeerConnection
	observer session.PeerObserver
	streamID string
	acceptDC bool

	ops    chan func()
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	dc *webrtc.DataChannel

	iceConnected  atomic.Bool
	gatheringDone atomic.Bool
	completedOnce sync.Once
	disposed      atomic.Bool
}

var _ session.Peer = (*Peer)(nil)

// New creates a PeerConnection for opts and wires its callbacks to observer.
func New(opts Options, observer session.PeerObserver) (*Peer, error) {
	api, err := newAPI(!opts.Publisher)
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(configuration(opts.STUNServers))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		pc:       pc,
		observer: observer,
		streamID: opts.StreamID,
		acceptDC: opts.DataChannel,
		ops:      make(chan func(), opsBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	var setupErr error
	if opts.Publisher {
		setupErr = p.setupPublisher(opts)
	} else {
		setupErr = p.setupPlayer(opts)
	}
	if setupErr != nil {
		cancel()
		return nil, errors.Join(setupErr, pc.Close())
	}

	pc.OnICEConnectionStateChange(p.handleICEState)
	pc.OnICECandidate(p.handleCandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s] peer connection state: %s", p.streamID, state)
	})

	go p.loop()

	return p, nil
}

func (p *Peer) setupPublisher(opts Options) error {
	for _, track := range opts.Tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}

	if opts.DataChannel {
		dc, err := p.pc.CreateDataChannel(opts.StreamID, nil)
		if err != nil {
			return fmt.Errorf("failed to create data channel: %w", err)
		}
		p.attachDataChannel(dc)
	}
	return nil
}

func (p *Peer) setupPlayer(opts Options) error {
	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := p.pc.AddTransceiverFromKind(kind, recvonly); err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	if opts.OnTrack != nil {
		p.pc.OnTrack(opts.OnTrack)
	}

	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if !p.acceptDC {
			util.LogWarning("[%s] closing unexpected data channel %q", p.streamID, dc.Label())
			dc.Close()
			return
		}
		p.attachDataChannel(dc)
	})
	return nil
}

// drainRTCP reads RTCP so that interceptors run; the packets themselves are
// not used.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) attachDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		util.LogDebug("[%s] data channel %q open", p.streamID, dc.Label())
	})
	dc.OnClose(func() {
		util.LogDebug("[%s] data channel %q closed", p.streamID, dc.Label())
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			util.LogDebug("[%s] ignoring binary data channel message (%d bytes)", p.streamID, len(msg.Data))
			return
		}
		p.observer.OnDataChannelMessage(string(msg.Data))
	})
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// loop runs queued SDP operations one at a time until Dispose.
func (p *Peer) loop() {
	for {
		select {
		case op := <-p.ops:
			if p.ctx.Err() != nil {
				return
			}
			op()
		case <-p.ctx.Done():
			return
		}
	}
}

// enqueue schedules op on the worker. Operations after Dispose are dropped.
func (p *Peer) enqueue(op func()) {
	if p.ctx.Err() != nil {
		util.LogDebug("[%s] dropping peer operation: disposed", p.streamID)
		return
	}
	select {
	case p.ops <- op:
	case <-p.ctx.Done():
		util.LogDebug("[%s] dropping peer operation: disposed", p.streamID)
	}
}

// ---------------------------------------------------------------------------
// session.Peer
// ---------------------------------------------------------------------------

// CreateOffer creates an offer and reports it via OnDescriptionCreated.
func (p *Peer) CreateOffer() {
	p.enqueue(func() {
		sdp, err := p.pc.CreateOffer(nil)
		if err != nil {
			p.observer.OnDescriptionFailure("create offer", err)
			return
		}
		p.observer.OnDescriptionCreated(sdp)
	})
}

// CreateAnswer creates an answer and reports it via OnDescriptionCreated.
func (p *Peer) CreateAnswer() {
	p.enqueue(func() {
		sdp, err := p.pc.CreateAnswer(nil)
		if err != nil {
			p.observer.OnDescriptionFailure("create answer", err)
			return
		}
		p.observer.OnDescriptionCreated(sdp)
	})
}

func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription, done func(error)) {
	p.enqueue(func() { done(p.pc.SetLocalDescription(sdp)) })
}

func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription, done func(error)) {
	p.enqueue(func() { done(p.pc.SetRemoteDescription(sdp)) })
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	return p.pc.AddICECandidate(c)
}

// SendData sends text over the data channel.
func (p *Peer) SendData(text string) error {
	if p.disposed.Load() {
		return ErrDisposed
	}

	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNoDataChannel
	}
	return dc.SendText(text)
}

// Dispose closes the data channel and the PeerConnection. Later calls are
// no-ops.
func (p *Peer) Dispose() error {
	if !p.disposed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()

	var dcErr error
	if dc != nil {
		dcErr = dc.Close()
	}
	return errors.Join(dcErr, p.pc.Close())
}

// ---------------------------------------------------------------------------
// ICE
// ---------------------------------------------------------------------------

func (p *Peer) handleICEState(state webrtc.ICEConnectionState) {
	util.LogDebug("[%s] ICE connection state: %s", p.streamID, state)

	switch state {
	case webrtc.ICEConnectionStateConnected:
		p.iceConnected.Store(true)
	case webrtc.ICEConnectionStateCompleted:
		p.completedOnce.Do(func() {})
	}
	p.observer.OnConnectivityChange(state)

	if state == webrtc.ICEConnectionStateConnected {
		p.maybeComplete()
	}
}

// handleCandidate forwards a gathered candidate. nil marks the end of
// gathering.
func (p *Peer) handleCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		p.gatheringDone.Store(true)
		p.maybeComplete()
		return
	}
	p.observer.OnICECandidate(c.ToJSON())
}

func (p *Peer) maybeComplete() {
	if !p.iceConnected.Load() || !p.gatheringDone.Load() || p.disposed.Load() {
		return
	}
	p.completedOnce.Do(func() {
		p.observer.OnConnectivityChange(webrtc.ICEConnectionStateCompleted)
	})
}
