package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient manages a WebSocket connection to Home Assistant. It is a
// request/response client: every message gets a monotonically
// increasing ID and the matching result is delivered through a pending
// channel.
type WSClient struct {
	baseURL string
	token   string
	conn    *websocket.Conn
	closed  bool
	connMu  sync.Mutex
	msgID   atomic.Int64

	// Response channels keyed by message ID
	pending   map[int64]chan wsResponse
	pendingMu sync.Mutex

	logger *slog.Logger
}

// wsMessage is the generic WebSocket message format.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsResponse wraps the result with success/error info for the response channel.
type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// NewWSClient creates a new WebSocket client for Home Assistant.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		pending: make(map[int64]chan wsResponse),
		logger:  logger,
	}
}

// Connect establishes the WebSocket connection and authenticates.
// Calling Connect on an already connected client is a no-op, so
// concurrent redial attempts collapse into one dial.
func (c *WSClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed {
		return fmt.Errorf("websocket client closed")
	}
	if c.conn != nil {
		return nil
	}

	// Parse base URL and convert to WebSocket URL
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	c.logger.Info("connecting to Home Assistant WebSocket", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024, // device registry responses can be large
		WriteBufferSize: 64 * 1024,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}

	conn.SetReadLimit(100 * 1024 * 1024)

	// Read auth_required message
	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		conn.Close()
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	// Send auth
	authMsg := map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	// Read auth response
	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}

	if authResp.Type == "auth_invalid" {
		conn.Close()
		return fmt.Errorf("authentication failed")
	}
	if authResp.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}

	c.logger.Info("WebSocket authenticated")

	// Only an authenticated connection becomes the active one; failed
	// handshakes above leave c.conn nil so the next attempt redials.
	c.conn = conn
	go c.readLoop(conn)

	return nil
}

// Close closes the WebSocket connection and prevents any further
// redial attempts.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// ensureConn returns the live connection, dialing a fresh one when the
// previous connection was lost. This is how the client survives a Home
// Assistant restart: the read loop discards the dead connection and
// the next request redials.
func (c *WSClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.connMu.Lock()
	conn, closed := c.conn, c.closed
	c.connMu.Unlock()

	if closed {
		return nil, fmt.Errorf("websocket client closed")
	}
	if conn != nil {
		return conn, nil
	}

	c.logger.Info("reconnecting WebSocket")
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("websocket reconnect: %w", err)
	}

	c.connMu.Lock()
	conn = c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("websocket not connected")
	}
	return conn, nil
}

// dropConn discards old if it is still the active connection and fails
// all in-flight requests so their callers return immediately instead
// of waiting out the response timeout.
func (c *WSClient) dropConn(old *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == old {
		c.conn = nil
	}
	c.connMu.Unlock()
	old.Close()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- wsResponse{Error: &wsError{Code: "connection_lost", Message: "websocket connection lost"}}:
		default:
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// DeviceRegistryEntry is one device from the HA device registry.
// Identifiers are [domain, identifier] pairs; the hass_agent domain
// marks HASS.Agent satellites.
type DeviceRegistryEntry struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	NameByUser   *string    `json:"name_by_user"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model"`
	SWVersion    string     `json:"sw_version"`
	Identifiers  [][]string `json:"identifiers"`
}

// DeviceRegistry retrieves the device registry.
func (c *WSClient) DeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error) {
	id := c.msgID.Add(1)
	msg := map[string]any{
		"id":   id,
		"type": "config/device_registry/list",
	}

	resp, err := c.sendAndWait(ctx, id, msg)
	if err != nil {
		return nil, fmt.Errorf("get device registry: %w", err)
	}

	var entries []DeviceRegistryEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal devices: %w", err)
	}

	return entries, nil
}

// ResolvedMedia is the direct playback target behind a media-source
// reference. URL may be relative to the HA base URL.
type ResolvedMedia struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// ResolveMediaSource resolves a media-source content ID to a playable
// URL via the media_source integration.
func (c *WSClient) ResolveMediaSource(ctx context.Context, mediaContentID string) (ResolvedMedia, error) {
	id := c.msgID.Add(1)
	msg := map[string]any{
		"id":               id,
		"type":             "media_source/resolve_media",
		"media_content_id": mediaContentID,
	}

	resp, err := c.sendAndWait(ctx, id, msg)
	if err != nil {
		return ResolvedMedia{}, fmt.Errorf("resolve %s: %w", mediaContentID, err)
	}

	var resolved ResolvedMedia
	if err := json.Unmarshal(resp, &resolved); err != nil {
		return ResolvedMedia{}, fmt.Errorf("unmarshal resolved media: %w", err)
	}

	return resolved, nil
}

// sendAndWait sends a message and waits for the response.
func (c *WSClient) sendAndWait(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	// Create response channel
	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	// Send message, redialing first if the connection was lost.
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(msg); err != nil {
		c.dropConn(conn)
		return nil, fmt.Errorf("send message: %w", err)
	}

	// Wait for response
	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

// readLoop continuously reads messages from conn until the connection
// dies. The dead connection is then discarded so the next request
// redials through ensureConn.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer c.dropConn(conn)

	for {
		var msg wsMessage

		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed normally")
				return
			}
			c.logger.Error("WebSocket read error, connection lost", "error", err)
			return
		}

		switch msg.Type {
		case "result":
			// Response to a request
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- wsResponse{
					Success: msg.Success,
					Result:  msg.Result,
					Error:   msg.Error,
				}
			}
			c.pendingMu.Unlock()

		case "pong":
			// Ping/pong keepalive, ignore

		default:
			c.logger.Debug("unhandled WebSocket message type", "type", msg.Type)
		}
	}
}
