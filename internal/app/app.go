// Package app contains the top-level orchestration for the publish, play and
// serve modes.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtctest/internal/config"
	"github.com/1ureka/rtctest/internal/preview"
	"github.com/1ureka/rtctest/internal/rtc"
	"github.com/1ureka/rtctest/internal/session"
	"github.com/1ureka/rtctest/internal/signaling"
	"github.com/1ureka/rtctest/internal/stream"
	"github.com/1ureka/rtctest/internal/util"
)

// stopTimeout bounds how long Run waits for sessions to finish teardown
// after cancellation.
const stopTimeout = 5 * time.Second

// Run executes cfg until every session has stopped or ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Mode == config.ModeServe {
		return RunServer(ctx, cfg.ListenAddr)
	}
	return RunSessions(ctx, cfg)
}

// RunServer runs the loopback signaling server until ctx is cancelled.
func RunServer(ctx context.Context, addr string) error {
	server := signaling.NewServer(addr)
	bound, err := server.Start()
	if err != nil {
		return err
	}

	pterm.DefaultBox.WithTitle("Signaling Server").Println(
		fmt.Sprintf("Listening : ws://%s/\nPublish   : -mode publish -url ws://%s/ -streamId <id>\nPlay      : -mode play -url ws://%s/ -streamId <id>",
			bound, bound, bound))

	<-ctx.Done()
	util.LogInfo("shutting down signaling server")
	return server.Close()
}

// RunSessions starts one session per stream id of cfg and waits for all of
// them to stop. Cancelling ctx stops every session.
func RunSessions(ctx context.Context, cfg *config.Config) error {
	role := session.RolePlayer
	if cfg.Mode == config.ModePublish {
		role = session.RolePublisher
	}

	r := newReporter(role, cfg.DataChannel)

	var sessions []*session.Session
	for _, id := range cfg.StreamIDs() {
		s, err := newSession(cfg, id, role, r)
		if err != nil {
			stopAll(sessions)
			return fmt.Errorf("failed to create session %q: %w", id, err)
		}
		r.track(s)
		sessions = append(sessions, s)
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("starting %d %s session(s) against %s", len(sessions), role, cfg.URL)

	for _, s := range sessions {
		s.Start(ctx)
	}

	allDone := make(chan struct{})
	go func() {
		for _, s := range sessions {
			<-s.Done()
		}
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		stopAll(sessions)
		select {
		case <-allDone:
		case <-time.After(stopTimeout):
			util.LogWarning("some sessions did not stop within %s", stopTimeout)
		}
	}

	r.summary()
	return nil
}

// newSession wires one session to a signaling client, a pion peer and the
// stream controller of its role.
func newSession(cfg *config.Config, streamID string, role session.Role, listener session.Listener) (*session.Session, error) {
	opts := rtc.Options{
		StreamID:    streamID,
		Publisher:   role == session.RolePublisher,
		DataChannel: cfg.DataChannel,
		STUNServers: cfg.STUN,
	}

	var controller session.StreamController
	if role == session.RolePublisher {
		pub, err := stream.NewPublisher(streamID, cfg.Source)
		if err != nil {
			return nil, err
		}
		opts.Tracks = pub.Tracks()
		controller = pub
	} else {
		player := stream.NewPlayer(streamID, preview.NewSink(streamID, cfg.Record))
		opts.OnTrack = player.Attach
		controller = player
	}

	return session.New(session.Config{
		StreamID:    streamID,
		Role:        role,
		DataChannel: cfg.DataChannel,
		Transport: func(h session.TransportHandler) session.Transport {
			return signaling.NewClient(cfg.URL, h)
		},
		Peer: func(o session.PeerObserver) (session.Peer, error) {
			p, err := rtc.New(opts, o)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		Stream:   controller,
		Listener: listener,
	})
}

func stopAll(sessions []*session.Session) {
	for _, s := range sessions {
		s.Stop()
	}
}
