package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// fakeHA speaks the Home Assistant WebSocket protocol: auth handshake
// followed by id-correlated request/response. When dropFirst is set,
// the first connection is cut right after authentication, simulating
// an HA restart.
type fakeHA struct {
	dropFirst bool

	mu    sync.Mutex
	conns int
}

func (f *fakeHA) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func (f *fakeHA) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.WriteJSON(map[string]string{"type": "auth_required"})
	var auth map[string]string
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != "secret" {
		conn.WriteJSON(map[string]string{"type": "auth_invalid"})
		return
	}
	// Count before auth_ok so clients that finished Connect always
	// observe their own connection.
	f.mu.Lock()
	f.conns++
	first := f.conns == 1
	f.mu.Unlock()

	conn.WriteJSON(map[string]string{"type": "auth_ok"})

	if f.dropFirst && first {
		return // deferred Close cuts the socket mid-session
	}

	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		id, _ := req["id"].(float64)
		switch req["type"] {
		case "config/device_registry/list":
			conn.WriteJSON(map[string]any{
				"id": int64(id), "type": "result", "success": true,
				"result": []map[string]any{{
					"id":          "dev-1",
					"name":        "DESKTOP-STUDY",
					"identifiers": [][]string{{"hass_agent", "abc123"}},
				}},
			})
		default:
			conn.WriteJSON(map[string]any{
				"id": int64(id), "type": "result", "success": false,
				"error": map[string]string{"code": "unknown_command", "message": "unknown command"},
			})
		}
	}
}

// waitForDeadConn polls until the client's read loop has discarded the
// active connection.
func waitForDeadConn(t *testing.T, c *WSClient) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.connMu.Lock()
		dead := c.conn == nil
		c.connMu.Unlock()
		if dead {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("read loop never discarded the dropped connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSClientConnectAndRequest(t *testing.T) {
	ha := &fakeHA{}
	srv := httptest.NewServer(http.HandlerFunc(ha.handler))
	defer srv.Close()

	c := NewWSClient(srv.URL, "secret", nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	entries, err := c.DeviceRegistry(context.Background())
	if err != nil {
		t.Fatalf("DeviceRegistry: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "DESKTOP-STUDY" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestWSClientAuthFailure(t *testing.T) {
	ha := &fakeHA{}
	srv := httptest.NewServer(http.HandlerFunc(ha.handler))
	defer srv.Close()

	c := NewWSClient(srv.URL, "wrong", nil)
	err := c.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "authentication failed") {
		t.Fatalf("expected auth failure, got %v", err)
	}

	// A failed handshake must not leave a connection behind.
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		t.Error("failed Connect left an active connection")
	}
}

func TestWSClientRedialsAfterConnectionLoss(t *testing.T) {
	ha := &fakeHA{dropFirst: true}
	srv := httptest.NewServer(http.HandlerFunc(ha.handler))
	defer srv.Close()

	c := NewWSClient(srv.URL, "secret", nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	// The server drops the first connection immediately after auth;
	// wait for the read loop to notice.
	waitForDeadConn(t, c)

	// The next request must transparently dial a fresh connection.
	entries, err := c.DeviceRegistry(context.Background())
	if err != nil {
		t.Fatalf("DeviceRegistry after connection loss: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if got := ha.connections(); got != 2 {
		t.Errorf("expected a second connection, server saw %d", got)
	}
}

func TestWSClientClosedNeverRedials(t *testing.T) {
	ha := &fakeHA{}
	srv := httptest.NewServer(http.HandlerFunc(ha.handler))
	defer srv.Close()

	c := NewWSClient(srv.URL, "secret", nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	before := ha.connections()
	_, err := c.DeviceRegistry(context.Background())
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("expected closed-client error, got %v", err)
	}
	if got := ha.connections(); got != before {
		t.Errorf("closed client dialed the server: %d -> %d connections", before, got)
	}
}

func TestWSClientConnectIdempotent(t *testing.T) {
	ha := &fakeHA{}
	srv := httptest.NewServer(http.HandlerFunc(ha.handler))
	defer srv.Close()

	c := NewWSClient(srv.URL, "secret", nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := ha.connections(); got != 1 {
		t.Errorf("expected a single connection, server saw %d", got)
	}
}
