package stream

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctest/internal/util"
)

// stopWait bounds how long Stop waits for the read loops. Loops that outlive
// it end when the peer connection closes; the sink ignores their writes.
const stopWait = 2 * time.Second

// RTPSink consumes the packets of remote tracks.
type RTPSink interface {
	WriteRTP(kind webrtc.RTPCodecType, mime string, pkt *rtp.Packet) error
	Close() error
}

// remoteTrack is the subset of *webrtc.TrackRemote the player reads from.
type remoteTrack interface {
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	SetReadDeadline(t time.Time) error
}

// Player drains the remote tracks of a player session into a sink. Tracks
// may arrive before or after Start; reading begins once both have happened.
type Player struct {
	streamID string
	sink     RTPSink

	mu      sync.Mutex
	pending []remoteTrack
	reading []remoteTrack
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewPlayer creates a player that writes into sink.
func NewPlayer(streamID string, sink RTPSink) *Player {
	return &Player{streamID: streamID, sink: sink}
}

// Attach is the peer connection's OnTrack callback.
func (p *Player) Attach(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.attach(track)
}

func (p *Player) attach(track remoteTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.stopped:
		return
	case p.started:
		p.read(track)
	default:
		p.pending = append(p.pending, track)
	}
}

// Start begins reading every attached track.
func (p *Player) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return
	}
	p.started = true
	for _, track := range p.pending {
		p.read(track)
	}
	p.pending = nil

	util.LogInfo("[%s] playback started", p.streamID)
}

// read launches the read loop of track. Callers hold mu.
func (p *Player) read(track remoteTrack) {
	p.reading = append(p.reading, track)
	p.wg.Add(1)
	go p.readLoop(track)
}

func (p *Player) readLoop(track remoteTrack) {
	defer p.wg.Done()

	kind := track.Kind()
	mime := track.Codec().MimeType
	util.LogDebug("[%s] reading %s track (%s)", p.streamID, kind, mime)

	reported := false
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			util.LogDebug("[%s] %s track ended: %v", p.streamID, kind, err)
			return
		}
		if err := p.sink.WriteRTP(kind, mime, pkt); err != nil && !reported {
			reported = true
			util.LogError("[%s] %v", p.streamID, err)
		}
	}
}

// Stop unblocks every read loop, waits for them and closes the sink.
func (p *Player) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	reading := p.reading
	p.pending = nil
	p.mu.Unlock()

	for _, track := range reading {
		track.SetReadDeadline(time.Now())
	}

	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(stopWait):
		util.LogWarning("[%s] read loops still running after %s", p.streamID, stopWait)
	}

	return p.sink.Close()
}
