package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide media/session counter shared by all sessions.
var Stats = &stats{}

type stats struct {
	Established atomic.Int64 // cumulative count of sessions that reached the established state
	Stopped     atomic.Int64 // cumulative count of sessions torn down
	BytesSent   atomic.Int64 // cumulative media payload bytes written to local tracks
	BytesRecv   atomic.Int64 // cumulative RTP payload bytes read from remote tracks
	Frames      atomic.Int64 // cumulative video frames completed (marker bit) on remote tracks
}

func (s *stats) AddEstablished() { s.Established.Add(1) }
func (s *stats) AddStopped()     { s.Stopped.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddFrame()       { s.Frames.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs media statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFrames int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				frames := Stats.Frames.Load()

				secs := reportInterval.Seconds()
				inS := float64(recv-prevRecv) / secs
				outS := float64(sent-prevSent) / secs
				fps := float64(frames-prevFrames) / secs

				active := Stats.Established.Load() - Stats.Stopped.Load()
				if active > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, fps, active))
				}

				prevSent = sent
				prevRecv = recv
				prevFrames = frames

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS, fps float64, active int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Video: %5.1f fps | Sessions: %d",
		formatBytes(inS),
		formatBytes(outS),
		fps,
		active,
	)
}
