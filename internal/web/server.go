// Package web implements the bridge's HTTP API: health and status
// endpoints, the thumbnail artwork proxy the media entities point
// their image URLs at, and a WebSocket stream of change events.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipman/HASS.Agent-Integration/internal/buildinfo"
	"github.com/clipman/HASS.Agent-Integration/internal/events"
	"github.com/clipman/HASS.Agent-Integration/internal/mediaplayer"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the bridge's HTTP server.
type Server struct {
	address string
	port    int
	fleet   *mediaplayer.Fleet
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates the HTTP server. fleet supplies device status and
// thumbnail bytes; bus feeds the /api/events stream and may be nil.
func NewServer(address string, port int, fleet *mediaplayer.Fleet, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		fleet:   fleet,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Start begins serving HTTP requests. It blocks until the server stops;
// ListenAndServe's error is returned (http.ErrServerClosed after a
// clean Shutdown).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.Routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // /api/events streams indefinitely
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting HTTP server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Routes builds the request mux. Exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/hass_agent/{entityID}/thumbnail.png", s.handleThumbnail)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /", s.handleRoot)

	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "hampbridge",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// statusResponse is the /api/status payload.
type statusResponse struct {
	Build   map[string]string    `json:"build"`
	Devices []mediaplayer.Status `json:"devices"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Build:   buildinfo.Info(),
		Devices: []mediaplayer.Status{},
	}
	for _, m := range s.fleet.All() {
		resp.Devices = append(resp.Devices, m.Status())
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleThumbnail serves the latest artwork bytes for one device. The
// media entities embed this URL (with a cache-busting query) as their
// entity picture. 404 until the agent has published a first thumbnail.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entityID")
	m := s.fleet.ByEntityID(entityID)
	if m == nil {
		http.NotFound(w, r)
		return
	}

	thumb := m.Thumbnail()
	if len(thumb) == 0 {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	// The cache buster in the query makes each image version a distinct
	// URL, so long-lived caching is safe.
	w.Header().Set("Cache-Control", "max-age=86400")
	if _, err := w.Write(thumb); err != nil {
		s.logger.Debug("failed to write thumbnail", "entity_id", entityID, "error", err)
	}
}

// handleEvents upgrades to a WebSocket and streams change events until
// the client disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)

	// Discard inbound frames so close handshakes and pings are
	// processed; surface read errors as a disconnect signal.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
