// Package stream starts and stops media once a session is established:
// Publisher feeds local tracks, Player drains remote ones into a sink.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/1ureka/rtctest/internal/util"
)

const (
	opusFrameDuration    = 20 * time.Millisecond
	defaultFrameDuration = 33 * time.Millisecond
)

// opusSilence is one 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Publisher loops an IVF file into a video track and keeps an audio track
// alive with Opus silence. Without a source file only audio flows.
type Publisher struct {
	streamID string
	source   string
	video    *webrtc.TrackLocalStaticSample
	audio    *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewPublisher creates the tracks for streamID. The video codec follows the
// IVF header of source, VP8 when there is none.
func NewPublisher(streamID, source string) (*Publisher, error) {
	mime := webrtc.MimeTypeVP8
	if source != "" {
		var err error
		if mime, err = probeIVF(source); err != nil {
			return nil, err
		}
	}

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	return &Publisher{
		streamID: streamID,
		source:   source,
		video:    video,
		audio:    audio,
	}, nil
}

// Tracks returns the tracks to add to the peer connection.
func (p *Publisher) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{p.video, p.audio}
}

// Start launches the send loops. Calls after the first, or after Stop, are
// ignored.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil || p.stopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.sendAudio(ctx)

	if p.source != "" {
		p.wg.Add(1)
		go p.sendVideo(ctx)
	}

	util.LogInfo("[%s] publishing %s", p.streamID, p.describeSource())
}

// Stop ends the send loops and waits for them to exit.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Publisher) describeSource() string {
	if p.source == "" {
		return "audio silence only"
	}
	return fmt.Sprintf("%s (%s) with audio silence", p.source, p.video.Codec().MimeType)
}

func (p *Publisher) sendAudio(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				util.LogDebug("[%s] audio write stopped: %v", p.streamID, err)
				return
			}
			util.Stats.AddSent(len(opusSilence))
		case <-ctx.Done():
			return
		}
	}
}

// sendVideo writes the source file frame by frame at its own timebase,
// starting over at the end.
func (p *Publisher) sendVideo(ctx context.Context) {
	defer p.wg.Done()

	for {
		if err := p.playFile(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				util.LogError("[%s] video source stopped: %v", p.streamID, err)
			}
			return
		}
	}
}

// playFile sends the source once. It returns nil at end of file.
func (p *Publisher) playFile(ctx context.Context) error {
	file, err := os.Open(p.source)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", p.source, err)
	}
	frameDuration := frameDurationOf(header)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to parse frame: %w", err)
		}

		if err := p.video.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
		util.Stats.AddSent(len(frame))
	}
}

func frameDurationOf(header *ivfreader.IVFFileHeader) time.Duration {
	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		return defaultFrameDuration
	}
	return time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
}

// probeIVF returns the video mime type of an IVF file.
func probeIVF(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open video source: %w", err)
	}
	defer file.Close()

	_, header, err := ivfreader.NewWith(file)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return mimeForFourCC(header.FourCC)
}

func mimeForFourCC(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("unsupported IVF codec %q", fourCC)
	}
}
