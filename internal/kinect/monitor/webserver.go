package monitor

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/db"
	"github.com/banshee-data/kinect.receiver/internal/httputil"
	"github.com/banshee-data/kinect.receiver/internal/kinect/network"
	"github.com/banshee-data/kinect.receiver/internal/kinect/visualiser"
	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"github.com/banshee-data/kinect.receiver/internal/version"
	"github.com/google/uuid"
)

// Source is the receiver as seen by the web server.
type Source interface {
	network.FrameProvider
	LastFrameInfo() network.FrameInfo
	State() network.ConnState
	Client() network.ClientInfo
	BytesPerFrame() int
}

// SessionStore lists persisted sessions. *db.DB implements it.
type SessionStore interface {
	Sessions(limit int) ([]db.Session, error)
	Session(id uuid.UUID) (db.Session, error)
	FrameStats(sessionID uuid.UUID) ([]db.FrameStatsRow, error)
}

// PublisherStatser reports fan-out statistics.
type PublisherStatser interface {
	Stats() visualiser.PublisherStats
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address   string
	Source    Source
	History   *FrameHistory
	Stats     *network.FrameStats
	Sessions  SessionStore
	Publisher PublisherStatser
	Layout    string
}

// WebServer handles the HTTP interface for monitoring the receiver.
type WebServer struct {
	address   string
	source    Source
	history   *FrameHistory
	stats     *network.FrameStats
	sessions  SessionStore
	publisher PublisherStatser
	layout    string
	started   time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Version       string                     `json:"version"`
	UptimeSeconds float64                    `json:"uptime_seconds"`
	State         string                     `json:"state"`
	Connected     bool                       `json:"connected"`
	RemoteAddr    string                     `json:"remote_addr,omitempty"`
	ConnectedAt   *time.Time                 `json:"connected_at,omitempty"`
	BytesPerFrame int                        `json:"bytes_per_frame"`
	Layout        string                     `json:"layout,omitempty"`
	LastFrame     *network.FrameInfo         `json:"last_frame,omitempty"`
	Totals        *network.FrameTotals       `json:"totals,omitempty"`
	Publisher     *visualiser.PublisherStats `json:"publisher,omitempty"`
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		source:    config.Source,
		history:   config.History,
		stats:     config.Stats,
		sessions:  config.Sessions,
		publisher: config.Publisher,
		layout:    config.Layout,
		started:   time.Now(),
	}
	if ws.history == nil {
		ws.history = NewFrameHistory(DefaultHistorySize)
	}
	ws.mux = ws.setupRoutes()
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// ServeMux exposes the route table so callers can attach more admin routes.
func (ws *WebServer) ServeMux() *http.ServeMux {
	return ws.mux
}

// Start serves HTTP until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[Monitor] Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	monitoring.Logf("[Monitor] Shutting down HTTP server...")

	// Open tails never return on their own.
	ws.history.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[Monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[Monitor] HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("[Monitor] HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/frame", ws.handleFrame)
	mux.HandleFunc("/api/frames", ws.handleFrames)
	mux.HandleFunc("/api/sessions", ws.handleSessions)
	mux.HandleFunc("/api/sessions/stats", ws.handleSessionStats)
	ws.attachDebugRoutes(mux)

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

// Status builds the current status document.
func (ws *WebServer) Status() StatusResponse {
	resp := StatusResponse{
		Version:       version.String(),
		UptimeSeconds: time.Since(ws.started).Seconds(),
		State:         ws.source.State().String(),
		Connected:     ws.source.Connected(),
		BytesPerFrame: ws.source.BytesPerFrame(),
		Layout:        ws.layout,
	}
	if resp.Connected {
		client := ws.source.Client()
		if client.Remote != nil {
			resp.RemoteAddr = client.Remote.String()
		}
		if !client.ConnectedAt.IsZero() {
			at := client.ConnectedAt
			resp.ConnectedAt = &at
		}
	}
	if info := ws.source.LastFrameInfo(); info.Sequence > 0 {
		resp.LastFrame = &info
	}
	if ws.stats != nil {
		totals := ws.stats.Totals()
		resp.Totals = &totals
	}
	if ws.publisher != nil {
		ps := ws.publisher.Stats()
		resp.Publisher = &ps
	}
	return resp
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.Status())
}

// handleFrame returns a copy of the last complete frame. X-Frame-Sequence
// is 0 before the first frame, when the body is all zeros.
func (ws *WebServer) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	info := ws.source.LastFrameInfo()
	frame := ws.source.CopyCurrentFrame()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("X-Frame-Sequence", strconv.FormatUint(info.Sequence, 10))
	if !info.CompletedAt.IsZero() {
		w.Header().Set("X-Frame-Completed-At", info.CompletedAt.UTC().Format(time.RFC3339Nano))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}

// handleFrames returns the recent frame history, oldest first.
func (ws *WebServer) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryLimit(r, 0, math.MaxInt32)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	frames := ws.history.Snapshot()
	if limit > 0 && limit < len(frames) {
		frames = frames[len(frames)-limit:]
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"count":  len(frames),
		"frames": frames,
	})
}

// handleSessions lists persisted sessions, newest first.
// Query params:
//
//	limit (optional, default 100)
//	session_id (optional, returns that single session)
func (ws *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.sessions == nil {
		httputil.NotFound(w, "session storage not configured")
		return
	}

	if raw := r.URL.Query().Get("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httputil.BadRequest(w, "invalid 'session_id' parameter")
			return
		}
		s, err := ws.sessions.Session(id)
		if errors.Is(err, db.ErrSessionNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, s)
		return
	}

	limit, err := httputil.QueryLimit(r, 0, 1000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := ws.sessions.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// handleSessionStats returns the persisted statistics windows of a session.
func (ws *WebServer) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.sessions == nil {
		httputil.NotFound(w, "session storage not configured")
		return
	}
	id, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		httputil.BadRequest(w, "missing or invalid 'session_id' parameter")
		return
	}
	rows, err := ws.sessions.FrameStats(id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if rows == nil {
		rows = []db.FrameStatsRow{}
	}
	httputil.WriteJSONOK(w, rows)
}
