// Command rtctest is the CLI entry point.
//
// This tool drives WebRTC publisher or player sessions against a signaling
// server that speaks the JSON command protocol over WebSocket, or runs a
// loopback signaling server so both sides can be tested locally.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -url, -streamId, -sessions, -dataChannel, -source, -record,
// -stun, -listen).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtctest/internal/app"
	"github.com/1ureka/rtctest/internal/config"
	"github.com/1ureka/rtctest/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mode := flag.String("mode", "", "Mode: publish, play or serve")
	wsURL := flag.String("url", "", "Signaling WebSocket URL (publish/play)")
	streamID := flag.String("streamId", "", "Stream id; suffixed with _1.._N when -sessions > 1")
	sessions := flag.Int("sessions", 1, "Number of concurrent sessions")
	dataChannel := flag.Bool("dataChannel", false, "Negotiate a data channel alongside media")
	source := flag.String("source", "", "IVF file to loop as the published video (publish only)")
	record := flag.String("record", "", "File prefix for IVF/OGG recordings (play only)")
	stun := flag.String("stun", config.DefaultSTUN, "Comma-separated STUN server URLs, empty for host candidates only")
	listen := flag.String("listen", "127.0.0.1:5080", "Listen address (serve only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	traceMode := flag.Bool("trace", false, "Enable trace logging, including the WebRTC stack")
	flag.Parse()

	switch {
	case *traceMode:
		util.EnableTrace()
	case *debugMode:
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("rtctest v%s", version))
	pterm.Println()

	var cfg *config.Config
	if *mode == "" {
		// No -mode flag → interactive mode.
		cfg = askConfig()
	} else {
		cfg = &config.Config{
			Mode:        config.Mode(*mode),
			StreamID:    *streamID,
			Sessions:    *sessions,
			DataChannel: *dataChannel,
			Source:      *source,
			Record:      *record,
			STUN:        splitList(*stun),
			ListenAddr:  *listen,
		}
		if *wsURL != "" {
			normalized, err := config.NormalizeWSURL(*wsURL)
			if err != nil {
				util.LogError("%v", err)
				os.Exit(1)
			}
			cfg.URL = normalized
		}
	}

	if err := app.Run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("done")
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// askConfig builds a configuration from interactive prompts.
func askConfig() *config.Config {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Publish: send a stream to a signaling server",
			"Play:    receive a stream from a signaling server",
			"Serve:   run a local signaling server",
		}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	cfg := &config.Config{Sessions: 1, STUN: []string{config.DefaultSTUN}}

	switch {
	case strings.HasPrefix(choice, "Serve"):
		cfg.Mode = config.ModeServe
		cfg.ListenAddr = askText("Listen address", "127.0.0.1:5080")
		return cfg
	case strings.HasPrefix(choice, "Publish"):
		cfg.Mode = config.ModePublish
	default:
		cfg.Mode = config.ModePlay
	}

	cfg.URL = askURL()
	cfg.StreamID = askText("Stream id", "stream1")
	cfg.Sessions = askCount("Number of sessions", 1)

	cfg.DataChannel, _ = pterm.DefaultInteractiveConfirm.
		WithDefaultText("Negotiate a data channel?").
		Show()
	pterm.Println()

	if cfg.Mode == config.ModePublish {
		cfg.Source = askText("IVF file to publish (empty for audio only)", "")
	} else {
		cfg.Record = askText("Recording prefix (empty to disable)", "")
	}
	return cfg
}

// askText prompts for free text, returning def when the answer is empty.
func askText(prompt, def string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		WithDefaultValue(def).
		Show()
	pterm.Println()

	if raw = strings.TrimSpace(raw); raw == "" {
		return def
	}
	return raw
}

// askCount prompts for a positive number until a valid one is entered.
func askCount(prompt string, def int) int {
	for {
		raw := askText(prompt, strconv.Itoa(def))

		n, err := strconv.Atoi(raw)
		if err == nil && n >= 1 {
			return n
		}

		util.LogWarning("invalid number: must be at least 1")
		pterm.Println()
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling URL (e.g. wss://example.com/WebRTCAppEE/websocket)").
			Show()

		wsURL, err := config.NormalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
