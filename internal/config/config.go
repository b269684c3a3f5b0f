// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Mode represents what the process does: drive publisher sessions, drive
// player sessions, or run the loopback signaling server.
type Mode string

const (
	ModePublish Mode = "publish"
	ModePlay    Mode = "play"
	ModeServe   Mode = "serve"
)

// DefaultSTUN is used when no -stun flag is given.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// Config stores all parameters gathered from flags or interactive prompts.
type Config struct {
	Mode        Mode
	URL         string   // Signaling WebSocket URL (publish/play)
	StreamID    string   // Base stream id (publish/play)
	Sessions    int      // Number of independent sessions to run
	DataChannel bool     // Negotiate a data channel alongside media
	Source      string   // Publisher: IVF file to loop as the video source
	Record      string   // Player: file prefix for IVF/OGG recordings, empty to disable
	STUN        []string // ICE servers
	ListenAddr  string   // Serve: address for the signaling server
}

// Validate checks that the fields required by the chosen mode are present.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePublish, ModePlay:
		if c.URL == "" {
			return errors.New("missing signaling URL")
		}
		if c.StreamID == "" {
			return errors.New("missing stream id")
		}
		if c.Sessions < 1 {
			return fmt.Errorf("invalid session count %d: must be at least 1", c.Sessions)
		}
	case ModeServe:
		if c.ListenAddr == "" {
			return errors.New("missing listen address")
		}
	default:
		return fmt.Errorf("invalid mode %q: must be 'publish', 'play' or 'serve'", c.Mode)
	}
	return nil
}

// StreamIDs returns the stream id of every session. A single session uses the
// base id as-is; several sessions get a numeric suffix.
func (c *Config) StreamIDs() []string {
	if c.Sessions <= 1 {
		return []string{c.StreamID}
	}
	ids := make([]string, c.Sessions)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s_%d", c.StreamID, i+1)
	}
	return ids
}

// NormalizeWSURL validates a raw WebSocket URL string. A missing scheme
// defaults to ws://, http(s) is mapped to ws(s); the path is kept.
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid WebSocket URL scheme: %s", u.Scheme)
	}
	return u.String(), nil
}
