package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bryanchriswhite/FloatPeek/internal/display"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/bryanchriswhite/FloatPeek/internal/tracker"
	"github.com/bryanchriswhite/FloatPeek/internal/watchdog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// StatusSource reports the tracker state
type StatusSource interface {
	Snapshot() tracker.Snapshot
}

// HealthSource reports the watchdog view of frame delivery
type HealthSource interface {
	Status(now time.Time) watchdog.Status
}

// GeometryUpdate changes any subset of the preview geometry
type GeometryUpdate struct {
	X     *int     `json:"x,omitempty"`
	Y     *int     `json:"y,omitempty"`
	Width *int     `json:"width,omitempty"`
	Alpha *float64 `json:"alpha,omitempty"`
}

// Empty reports whether the update changes nothing
func (u GeometryUpdate) Empty() bool {
	return u.X == nil && u.Y == nil && u.Width == nil && u.Alpha == nil
}

// GeometryController reads and changes the preview window
type GeometryController interface {
	Geometry(ctx context.Context) (display.Geometry, error)
	UpdateGeometry(ctx context.Context, u GeometryUpdate) (display.Geometry, error)
}

// RestartRequester asks the supervisor for a restart
type RestartRequester interface {
	RequestRestart(reason string) error
}

// Server represents the HTTP control API
type Server struct {
	router   *mux.Router
	status   StatusSource
	health   HealthSource
	geometry GeometryController
	restart  RestartRequester
	upgrader websocket.Upgrader
	now      func() time.Time

	// StreamInterval is how often the status stream pushes a snapshot
	StreamInterval time.Duration
}

// NewServer creates a new API server. Any dependency may be nil, in which
// case its routes answer 503.
func NewServer(status StatusSource, health HealthSource, geometry GeometryController, restart RestartRequester) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		status:   status,
		health:   health,
		geometry: geometry,
		restart:  restart,
		upgrader: websocket.Upgrader{
			// The API only listens on loopback
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:            time.Now,
		StreamInterval: time.Second,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/status/stream", s.handleStatusStream)

	api.HandleFunc("/geometry", s.handleGetGeometry).Methods("GET")
	api.HandleFunc("/geometry", s.handleUpdateGeometry).Methods("PUT")

	api.HandleFunc("/restart", s.handleRestart).Methods("POST")

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on 127.0.0.1:port until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithComponent("api").Info().
		Str("addr", ln.Addr().String()).
		Msg("Control API listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errUnavailable = errors.New("not available")

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}

	st := s.health.Status(s.now())
	body := map[string]interface{}{
		"status":            "healthy",
		"last_frame_age_ms": st.LastFrameAgeMS,
		"timeout_ms":        st.TimeoutMS,
	}

	code := http.StatusOK
	switch {
	case st.Tripped:
		body["status"] = "restarting"
		code = http.StatusServiceUnavailable
	case !st.Healthy:
		body["status"] = "stale"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	// The read side only exists to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.StreamInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.status.Snapshot()); err != nil {
			log.Debug().Err(err).Msg("WebSocket write error")
			return
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleGetGeometry(w http.ResponseWriter, r *http.Request) {
	if s.geometry == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}

	g, err := s.geometry.Geometry(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleUpdateGeometry(w http.ResponseWriter, r *http.Request) {
	if s.geometry == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}

	var req GeometryUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Empty() {
		writeError(w, http.StatusBadRequest, errors.New("no geometry fields given"))
		return
	}
	if req.Width != nil && *req.Width <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("width must be positive"))
		return
	}

	g, err := s.geometry.UpdateGeometry(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.restart == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}

	logger.WithComponent("api").Info().
		Str("remote", r.RemoteAddr).
		Msg("Restart requested through API")

	if err := s.restart.RequestRestart("api"); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>FloatPeek</title>
    <style>
        body { font-family: sans-serif; max-width: 640px; margin: 40px auto; color: #333; }
        code { background: #f5f5f5; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>FloatPeek</h1>
    <ul>
        <li><a href="/api/health">/api/health</a> - frame delivery health</li>
        <li><a href="/api/status">/api/status</a> - tracker state</li>
        <li><a href="/api/geometry">/api/geometry</a> - preview position, width and opacity (<code>PUT</code> to change)</li>
        <li><code>POST /api/restart</code> - restart the process</li>
        <li><code>/api/status/stream</code> - status over WebSocket</li>
    </ul>
</body>
</html>`

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
