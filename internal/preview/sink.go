// Package preview consumes the RTP a player receives: it counts frames and
// optionally records VP8 video to IVF and Opus audio to Ogg.
package preview

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/1ureka/rtctest/internal/util"
)

const (
	opusSampleRate   = 48000
	opusChannelCount = 2
)

// Sink is the playback side of one player session. It is safe for use by
// the video and audio read loops at the same time.
type Sink struct {
	streamID string
	prefix   string

	mu      sync.Mutex
	video   *ivfwriter.IVFWriter
	audio   *oggwriter.OggWriter
	skipped map[string]bool // mime types already reported as not recordable
	frames  uint64
	packets uint64
	closed  bool
}

// NewSink creates a sink for streamID. A non-empty prefix enables recording
// to "<prefix><streamID>.ivf" and "<prefix><streamID>.ogg".
func NewSink(streamID, prefix string) *Sink {
	return &Sink{
		streamID: streamID,
		prefix:   prefix,
		skipped:  make(map[string]bool),
	}
}

// WriteRTP consumes one packet of the given track kind and codec.
func (s *Sink) WriteRTP(kind webrtc.RTPCodecType, mime string, pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.packets++
	util.Stats.AddRecv(len(pkt.Payload))
	if kind == webrtc.RTPCodecTypeVideo && pkt.Marker {
		s.frames++
		util.Stats.AddFrame()
	}

	if s.prefix == "" {
		return nil
	}

	switch {
	case kind == webrtc.RTPCodecTypeVideo && strings.EqualFold(mime, webrtc.MimeTypeVP8):
		if s.video == nil {
			w, err := ivfwriter.New(s.path("ivf"))
			if err != nil {
				return fmt.Errorf("failed to create video recording: %w", err)
			}
			s.video = w
			util.LogInfo("[%s] recording video to %s", s.streamID, s.path("ivf"))
		}
		return s.video.WriteRTP(pkt)

	case kind == webrtc.RTPCodecTypeAudio && strings.EqualFold(mime, webrtc.MimeTypeOpus):
		if s.audio == nil {
			w, err := oggwriter.New(s.path("ogg"), opusSampleRate, opusChannelCount)
			if err != nil {
				return fmt.Errorf("failed to create audio recording: %w", err)
			}
			s.audio = w
			util.LogInfo("[%s] recording audio to %s", s.streamID, s.path("ogg"))
		}
		return s.audio.WriteRTP(pkt)

	default:
		if !s.skipped[mime] {
			s.skipped[mime] = true
			util.LogWarning("[%s] cannot record %s, skipping", s.streamID, mime)
		}
		return nil
	}
}

func (s *Sink) path(ext string) string {
	return s.prefix + s.streamID + "." + ext
}

// Frames returns the number of complete video frames seen.
func (s *Sink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Packets returns the number of packets seen, video and audio.
func (s *Sink) Packets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

// Close finalizes any recordings. Later writes are ignored.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.video != nil {
		errs = append(errs, s.video.Close())
	}
	if s.audio != nil {
		errs = append(errs, s.audio.Close())
	}
	return errors.Join(errs...)
}
