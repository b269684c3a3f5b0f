// Package signaling carries protocol messages over WebSocket: Client is the
// per-session signaling transport, Server is a loopback signaling server that
// pairs one publisher with one player per stream.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtctest/internal/protocol"
	"github.com/1ureka/rtctest/internal/util"
)

const (
	keepAliveInterval = 5 * time.Second
	writeWait         = 10 * time.Second
)

var (
	// ErrClosed is returned by Open on a client that was already closed.
	ErrClosed = errors.New("signaling client is closed")
	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("signaling client is already open")
)

// Handler receives client events. HandleOpen is called once, before the
// first HandleMessage. HandleClose is only called when the connection drops
// without Close having been called; the client is closed right after.
type Handler interface {
	HandleOpen()
	HandleMessage(msg *protocol.Message)
	HandleClose(err error)
}

// Client is one logical WebSocket connection to a signaling endpoint.
type Client struct {
	url     string
	handler Handler
	dialer  *websocket.Dialer

	mu     sync.Mutex // guards conn and serializes writes
	conn   *websocket.Conn
	opened bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client for url that reports to h. Nothing is dialed
// until Open.
func NewClient(url string, h Handler) *Client {
	return &Client{
		url:     url,
		handler: h,
		dialer:  websocket.DefaultDialer,
		done:    make(chan struct{}),
	}
}

// Open dials the endpoint, notifies the handler and starts the read and
// keep-alive loops.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.opened = true
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to signaling server %s: %w", c.url, err)
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	util.LogDebug("signaling connected: %s", c.url)

	c.handler.HandleOpen()
	go c.readLoop(conn)
	go c.keepAlive()

	return nil
}

// Send writes msg as one text frame. When the connection is not open the
// message is dropped and the error logged.
func (c *Client) Send(msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		util.LogError("%v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.isClosed() {
		util.LogError("cannot send %s for %q: signaling connection is not open", msg.Command, msg.StreamID)
		return
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		util.LogError("failed to send %s for %q: %v", msg.Command, msg.StreamID, err)
		return
	}
	util.LogTrace("signaling → %s", data)
}

// Close sends a close frame and releases the connection. Safe to call more
// than once and before Open.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		close(c.done)
		if c.conn == nil {
			return
		}

		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readLoop decodes inbound frames until the connection drops. Malformed
// messages are dropped; a message without a stream id is answered with an
// error reply and not delivered.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				util.LogWarning("signaling read failed: %v", err)
				c.handler.HandleClose(err)
				c.Close()
			}
			return
		}
		util.LogTrace("signaling ← %s", data)

		msg, err := protocol.Decode(data)
		if err != nil {
			util.LogError("dropping inbound message: %v", err)
			continue
		}

		switch err := protocol.Validate(msg); {
		case errors.Is(err, protocol.ErrNoCommand):
			util.LogError("dropping inbound message without command")
			continue
		case errors.Is(err, protocol.ErrNoStreamID):
			util.LogError("inbound %s has no stream id", msg.Command)
			c.Send(protocol.Error("", protocol.DefNoStreamIDSpecified))
			continue
		}

		c.handler.HandleMessage(msg)
	}
}

// keepAlive sends a ping command every keepAliveInterval until Close.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Send(protocol.Ping())
		case <-c.done:
			return
		}
	}
}
