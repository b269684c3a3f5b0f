package signaling

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtctest/internal/protocol"
	"github.com/1ureka/rtctest/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serverConn is one connected client on the server side. Writes are
// serialized by mu.
type serverConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *serverConn) send(msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		util.LogError("%v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		util.LogDebug("server: failed to send %s to %s: %v", msg.Command, c.conn.RemoteAddr(), err)
	}
}

// room pairs the publisher and the player of one stream id.
type room struct {
	publisher *serverConn
	player    *serverConn
}

// peerOf returns the other side of c in the room, or nil.
func (r *room) peerOf(c *serverConn) *serverConn {
	switch c {
	case r.publisher:
		return r.player
	case r.player:
		return r.publisher
	}
	return nil
}

// Server is a loopback signaling server. For each stream id it accepts one
// publisher and one player; once both are present it asks the publisher to
// start, then relays SDP and candidates between them verbatim.
type Server struct {
	addr     string
	listener net.Listener
	http     *http.Server

	mu    sync.Mutex
	rooms map[string]*room
	conns map[*serverConn]struct{}
}

// NewServer creates a server that will listen on addr (e.g. ":5080").
func NewServer(addr string) *Server {
	return &Server{
		addr:  addr,
		rooms: make(map[string]*room),
		conns: make(map[*serverConn]struct{}),
	}
}

// Start begins listening. Returns the bound address, which differs from the
// configured one when port 0 was requested.
func (s *Server) Start() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start signaling server: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling server stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// Handler returns the HTTP handler that upgrades every path to WebSocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// Close shuts down the listener and drops every connection.
func (s *Server) Close() error {
	var err error
	if s.http != nil {
		err = s.http.Close()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &serverConn{conn: conn}
	util.LogDebug("server: client connected from %s", conn.RemoteAddr())

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.leave(c)
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		conn.Close()
		util.LogDebug("server: client %s disconnected", conn.RemoteAddr())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("server: %v", err)
			continue
		}
		s.handle(c, msg)
	}
}

// handle processes one inbound message from c.
func (s *Server) handle(c *serverConn, msg *protocol.Message) {
	switch err := protocol.Validate(msg); {
	case errors.Is(err, protocol.ErrNoCommand):
		util.LogWarning("server: message without command from %s", c.conn.RemoteAddr())
		return
	case errors.Is(err, protocol.ErrNoStreamID):
		c.send(protocol.Error("", protocol.DefNoStreamIDSpecified))
		return
	}

	switch msg.Command {
	case protocol.CmdPing:
		c.send(protocol.Pong())

	case protocol.CmdPublish:
		s.join(c, msg.StreamID, true)

	case protocol.CmdPlay:
		s.join(c, msg.StreamID, false)

	case protocol.CmdTakeConfiguration, protocol.CmdTakeCandidate:
		s.relay(c, msg)

	case protocol.CmdStop:
		s.leave(c)

	default:
		util.LogDebug("server: ignoring %s for %q", msg.Command, msg.StreamID)
	}
}

// join registers c as publisher or player of streamID. Once both sides are
// present the publisher is told to start.
func (s *Server) join(c *serverConn, streamID string, publisher bool) {
	s.mu.Lock()
	r, ok := s.rooms[streamID]
	if !ok {
		r = &room{}
		s.rooms[streamID] = r
	}

	var rejected string
	switch {
	case publisher && r.publisher != nil && r.publisher != c:
		rejected = protocol.DefStreamInUse
	case !publisher && r.player != nil && r.player != c:
		rejected = protocol.DefAlreadyPlaying
	case publisher:
		r.publisher = c
	default:
		r.player = c
	}

	var starter *serverConn
	if rejected == "" && r.publisher != nil && r.player != nil {
		starter = r.publisher
	}
	s.mu.Unlock()

	if rejected != "" {
		c.send(protocol.Error(streamID, rejected))
		return
	}

	util.LogInfo("server: %s joined %q", roleName(publisher), streamID)
	if starter != nil {
		starter.send(protocol.Start(streamID))
	}
}

// relay forwards SDP and candidates to the other side of the room. When the
// player's answer passes through, both sides get a started notification.
func (s *Server) relay(c *serverConn, msg *protocol.Message) {
	s.mu.Lock()
	var peer *serverConn
	if r, ok := s.rooms[msg.StreamID]; ok {
		peer = r.peerOf(c)
	}
	s.mu.Unlock()

	if peer == nil {
		util.LogDebug("server: no peer for %s on %q, dropping", msg.Command, msg.StreamID)
		return
	}
	peer.send(msg)

	if msg.Command == protocol.CmdTakeConfiguration && msg.Type == protocol.TypeAnswer {
		peer.send(protocol.Notification(msg.StreamID, protocol.DefPublishStarted))
		c.send(protocol.Notification(msg.StreamID, protocol.DefPlayStarted))
	}
}

// leave removes c from every room it joined and tells the remaining side.
func (s *Server) leave(c *serverConn) {
	type notice struct {
		to  *serverConn
		msg *protocol.Message
	}
	var notices []notice

	s.mu.Lock()
	for id, r := range s.rooms {
		switch c {
		case r.publisher:
			r.publisher = nil
			if r.player != nil {
				notices = append(notices, notice{r.player, protocol.Notification(id, protocol.DefPublishFinished)})
			}
		case r.player:
			r.player = nil
			if r.publisher != nil {
				notices = append(notices, notice{r.publisher, protocol.Stop(id)})
			}
		default:
			continue
		}
		if r.publisher == nil && r.player == nil {
			delete(s.rooms, id)
		}
	}
	s.mu.Unlock()

	for _, n := range notices {
		n.to.send(n.msg)
	}
}

func roleName(publisher bool) string {
	if publisher {
		return "publisher"
	}
	return "player"
}
