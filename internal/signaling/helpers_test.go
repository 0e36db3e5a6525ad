package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/room"
)

// muxRoutes mounts CORS routes as plain routes for tests that don't need the
// origin policy.
type muxRoutes struct{ *http.ServeMux }

func (m muxRoutes) HandleCORS(pattern string, h http.Handler) { m.Handle(pattern, h) }

type testEnv struct {
	srv     *Server
	rooms   *room.Registry
	metrics *metrics.Metrics
	baseURL string
	wsURL   string
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	rooms := room.NewRegistry(room.Config{Metrics: m, Logger: log})
	cfg := Config{
		Rooms:   rooms,
		Metrics: m,
		Logger:  log,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(muxRoutes{mux})
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testEnv{
		srv:     srv,
		rooms:   rooms,
		metrics: m,
		baseURL: ts.URL,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket",
	}
}

type frame struct {
	Type  string          `json:"type"`
	ID    json.RawMessage `json:"id"`
	Error *string         `json:"error"`
	Data  json.RawMessage `json:"data"`
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
	id string

	nextAck int
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	c := &testClient{t: t, ws: ws}
	f := c.waitFor(EventConnected)
	var hello struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(f.Data, &hello); err != nil || hello.ID == "" {
		t.Fatalf("bad connected frame %s: %v", f.Data, err)
	}
	c.id = hello.ID
	return c
}

func (c *testClient) send(event string, data any) {
	c.t.Helper()
	c.sendFrame(map[string]any{"type": event, "data": data})
}

// sendRequest sends an event with a fresh ack id.
func (c *testClient) sendRequest(event string, data any) {
	c.t.Helper()
	c.nextAck++
	c.sendFrame(map[string]any{"type": event, "id": c.nextAck, "data": data})
}

// request sends an event with an ack id and returns the ack, skipping any
// events queued ahead of it.
func (c *testClient) request(event string, data any) frame {
	c.t.Helper()
	c.sendRequest(event, data)
	return c.waitFor(EventAck)
}

func (c *testClient) sendFrame(v any) {
	c.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) next(timeout time.Duration) (frame, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

// waitFor skips frames until one of the given type arrives.
func (c *testClient) waitFor(event string) frame {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timeout waiting for %q", event)
		}
		f, err := c.next(remaining)
		if err != nil {
			c.t.Fatalf("waiting for %q: %v", event, err)
		}
		if f.Type == event {
			return f
		}
	}
}

// expectNext asserts the very next frame's type.
func (c *testClient) expectNext(event string) frame {
	c.t.Helper()
	f, err := c.next(3 * time.Second)
	if err != nil {
		c.t.Fatalf("waiting for %q: %v", event, err)
	}
	if f.Type != event {
		c.t.Fatalf("got %q frame (%s), want %q", f.Type, f.Data, event)
	}
	return f
}

func (c *testClient) close() {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.ws.Close()
}

func ackError(f frame) string {
	if f.Error == nil {
		return ""
	}
	return *f.Error
}

func decodePlayers(t *testing.T, raw json.RawMessage) map[string]map[string]any {
	t.Helper()
	var players map[string]map[string]any
	if err := json.Unmarshal(raw, &players); err != nil {
		t.Fatalf("decode players %s: %v", raw, err)
	}
	return players
}

func openRoomPayload(sessionID, playerID, name string, maxPlayers int, extra map[string]any) map[string]any {
	ext := map[string]any{
		"sessionid":   sessionID,
		"userid":      playerID,
		"player_name": name,
	}
	for k, v := range extra {
		ext[k] = v
	}
	data := map[string]any{"extra": ext}
	if maxPlayers > 0 {
		data["maxPlayers"] = maxPlayers
	}
	return data
}

func joinRoomPayload(sessionID, playerID, name string) map[string]any {
	return map[string]any{"extra": map[string]any{
		"sessionid":   sessionID,
		"userid":      playerID,
		"player_name": name,
	}}
}
