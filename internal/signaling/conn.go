package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/metrics"
)

const wsWriteWait = 1 * time.Second

// binding is the room membership a connection currently holds.
type binding struct {
	SessionID string
	PlayerID  string
}

// Conn is one live client. Frames queued with enqueue are written in order by
// a single writer goroutine; a full queue drops the frame.
type Conn struct {
	id       string
	clientIP string

	ws      *websocket.Conn
	log     *slog.Logger
	metrics *metrics.Metrics

	send chan []byte
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu    sync.Mutex
	bound *binding
}

func newConn(ws *websocket.Conn, clientIP string, queueLen int, log *slog.Logger, m *metrics.Metrics) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		clientIP: clientIP,
		ws:       ws,
		log:      log.With("conn_id", id),
		metrics:  m,
		send:     make(chan []byte, queueLen),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) binding() (binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound == nil {
		return binding{}, false
	}
	return *c.bound, true
}

func (c *Conn) bind(b binding) {
	c.mu.Lock()
	c.bound = &b
	c.mu.Unlock()
}

// unbind clears and returns the previous binding.
func (c *Conn) unbind() (binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound == nil {
		return binding{}, false
	}
	b := *c.bound
	c.bound = nil
	return b, true
}

// enqueue never blocks. It reports false when the frame was dropped.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.metrics.Inc(metrics.SendQueueOverflow)
		c.log.Warn("send queue full, dropping frame")
		return false
	}
}

func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.log.Debug("websocket write failed", "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(messageType, data)
}

// closeWith sends a close frame. The socket itself is released by Close.
func (c *Conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
