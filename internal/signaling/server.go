package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/room"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = int64(1 << 20)
	DefaultMaxMessagesPerSecond = 120
	DefaultSendQueueLength      = 256

	Banner = "EmulatorJS Netplay Server is running"
)

// Config wires the signaling server. Zero values select defaults.
type Config struct {
	Rooms   *room.Registry
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// CheckOrigin gates WebSocket upgrades. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool
	// ClientIP resolves the caller address for logging. Defaults to the
	// socket peer.
	ClientIP func(r *http.Request) string

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueLength      int
}

// Routes is where the server mounts its handlers. httpserver.Server
// satisfies it.
type Routes interface {
	Handle(pattern string, handler http.Handler)
	HandleCORS(pattern string, handler http.Handler)
}

// Server implements the netplay surface.
//
// Endpoints:
//   - GET /        : liveness banner
//   - GET /list    : open rooms for a game_id
//   - GET /socket  : WebSocket event channel
type Server struct {
	cfg      Config
	rooms    *room.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rooms == nil {
		cfg.Rooms = room.NewRegistry(room.Config{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}
	if cfg.ClientIP == nil {
		cfg.ClientIP = func(r *http.Request) string { return httpserver.ClientIP(r, false) }
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if cfg.SendQueueLength <= 0 {
		cfg.SendQueueLength = DefaultSendQueueLength
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		cfg:     cfg,
		rooms:   cfg.Rooms,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		hub:     newHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

func (s *Server) RegisterRoutes(r Routes) {
	r.Handle("GET /{$}", http.HandlerFunc(s.handleBanner))
	r.HandleCORS("GET /list", http.HandlerFunc(s.handleList))
	r.Handle("GET /socket", http.HandlerFunc(s.handleSocket))
}

// Connections reports the number of live sockets.
func (s *Server) Connections() int {
	return s.hub.len()
}

// Close disconnects every client. Each disconnect runs the normal leave path.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for _, c := range s.hub.snapshot() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, s.rooms.ListOpen(r.URL.Query().Get("game_id")))
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(ws, s.cfg.ClientIP(r), s.cfg.SendQueueLength, s.log, s.metrics)
	s.hub.add(c)
	s.metrics.Inc(metrics.ConnectionOpened)
	c.log.Debug("client connected", "client_ip", c.clientIP)

	go c.writePump(s.cfg.PingInterval)
	s.sendEvent(c, EventConnected, map[string]string{"id": c.id})
	s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer s.disconnect(c)

	limiter := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(s.cfg.MaxMessagesPerSecond),
		int64(s.cfg.MaxMessagesPerSecond),
	)

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		// Rate limit after the read so the close frame isn't lost behind
		// unread bytes.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.MalformedMessage)
			c.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		s.dispatch(c, env)
	}
}

func (s *Server) dispatch(c *Conn, env envelope) {
	switch env.Type {
	case EventOpenRoom:
		s.handleOpenRoom(c, env)
	case EventJoinRoom:
		s.handleJoinRoom(c, env)
	case EventLeaveRoom:
		s.leaveExplicit(c)
		if env.wantsAck() {
			s.sendAck(c, env.ID, nil, nil)
		}
	case EventWebRTCSignal:
		if err := s.relaySignal(c, env.Data); err != nil {
			c.log.Warn("webrtc signal dropped", "err", err)
		}
	case EventDataMessage, EventSnapshot, EventInput:
		s.broadcast(c, env.Type, env.Data)
	default:
		s.metrics.Inc(metrics.UnknownEvent)
		c.log.Debug("dropping unknown event", "type", env.Type)
	}
}

func (s *Server) handleOpenRoom(c *Conn, env envelope) {
	req, err := parseOpenRoom(env.Data, c.id)
	if err == nil {
		s.leave(c)
		var notices []room.Notice
		notices, err = s.rooms.Open(req)
		if err == nil {
			c.bind(binding{SessionID: req.SessionID, PlayerID: req.PlayerID})
			s.deliver(notices)
			c.log.Info("opened room", "session_id", req.SessionID, "player_id", req.PlayerID, "client_ip", c.clientIP)
		}
	}
	if err != nil {
		c.log.Debug("open-room rejected", "err", err)
	}
	if env.wantsAck() {
		s.sendAck(c, env.ID, err, nil)
	}
}

func (s *Server) handleJoinRoom(c *Conn, env envelope) {
	var players room.Players
	req, err := parseJoinRoom(env.Data, c.id)
	if err == nil {
		if b, ok := c.binding(); ok && b.SessionID == req.SessionID && b.PlayerID == req.PlayerID {
			err = fmt.Errorf("join %q: %w", req.SessionID, room.ErrPlayerExists)
		} else {
			s.leave(c)
			var notices []room.Notice
			players, notices, err = s.rooms.Join(req)
			if err == nil {
				c.bind(binding{SessionID: req.SessionID, PlayerID: req.PlayerID})
				s.deliver(notices)
				c.log.Info("joined room", "session_id", req.SessionID, "player_id", req.PlayerID, "client_ip", c.clientIP)
			}
		}
	}
	if err != nil {
		c.log.Debug("join-room rejected", "err", err)
	}
	if env.wantsAck() {
		if players == nil {
			s.sendAck(c, env.ID, err, nil)
		} else {
			s.sendAck(c, env.ID, err, players)
		}
	}
}

// leave drops the connection's current membership, if any.
func (s *Server) leave(c *Conn) {
	b, ok := c.unbind()
	if !ok {
		return
	}
	s.deliver(s.rooms.Leave(b.SessionID, b.PlayerID, c.id))
}

// leaveExplicit is a client-requested leave. The leaver still receives the
// resulting membership snapshots, or an empty one when the room closed.
func (s *Server) leaveExplicit(c *Conn) {
	b, ok := c.unbind()
	if !ok {
		return
	}
	s.deliver(includeLeaver(s.rooms.Leave(b.SessionID, b.PlayerID, c.id), c.id))
}

func includeLeaver(notices []room.Notice, connID string) []room.Notice {
	out := make([]room.Notice, 0, len(notices)+1)
	updated := false
	for _, n := range notices {
		if n.Kind == room.NoticeUsersUpdated {
			n.To = append(append([]string(nil), n.To...), connID)
			updated = true
		}
		out = append(out, n)
	}
	if !updated {
		out = append(out, room.Notice{Kind: room.NoticeUsersUpdated, To: []string{connID}, Players: room.Players{}})
	}
	return out
}

func (s *Server) disconnect(c *Conn) {
	c.Close()
	s.leave(c)
	s.hub.remove(c)
	s.metrics.Inc(metrics.ConnectionClosed)
	c.log.Debug("client disconnected")
}

// deliver sends notices produced by a room mutation, in order.
func (s *Server) deliver(notices []room.Notice) {
	for _, n := range notices {
		var (
			frame []byte
			err   error
		)
		switch n.Kind {
		case room.NoticeUsersUpdated:
			frame, err = encodeEvent(EventUsersUpdated, n.Players)
		case room.NoticeRenegotiate:
			frame, err = encodeEvent(EventWebRTCSignal, signalOut{Target: n.Target, RequestRenegotiate: true})
		default:
			continue
		}
		if err != nil {
			s.log.Error("encode notice", "err", err)
			continue
		}
		for _, id := range n.To {
			if target := s.hub.get(id); target != nil {
				target.enqueue(frame)
			}
		}
	}
}

func (s *Server) sendEvent(c *Conn, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		s.log.Error("encode event", "event", event, "err", err)
		return
	}
	c.enqueue(frame)
}

func (s *Server) sendAck(c *Conn, id json.RawMessage, ackErr error, data any) {
	frame, err := encodeAck(id, ackErr, data)
	if err != nil {
		s.log.Error("encode ack", "err", err)
		return
	}
	c.enqueue(frame)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
