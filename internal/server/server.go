// Package server exposes the monitor over HTTP: MJPEG, SSE, WebSocket and
// WebRTC data channel subscribers, monitoring control, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/alert"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/broadcast"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/metrics"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

const (
	DefaultIdleFrameInterval = 5 * time.Second
	DefaultKeepalive         = 30 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
)

// Monitor is the pause/resume control surface of the alert manager
type Monitor interface {
	Pause()
	Resume()
	Status() alert.Status
}

// CameraStater reports the pipeline's camera state
type CameraStater interface {
	CameraState() types.CameraState
}

// Config configures the HTTP surface
type Config struct {
	Addr              string
	AllowOrigin       string   // CORS origin for the control API, empty disables CORS headers
	STUNServers       []string // ICE servers for WebRTC subscribers
	IdleFrameInterval time.Duration
	Keepalive         time.Duration
	ConnectTimeout    time.Duration // WebRTC peers that never open their channel are dropped
}

// Deps are the components the handlers read from
type Deps struct {
	Broadcaster *broadcast.Broadcaster
	Monitor     Monitor
	Camera      CameraStater
	Metrics     *metrics.Metrics
}

// Server serves the monitor endpoints
type Server struct {
	cfg      Config
	deps     Deps
	log      logger.ModuleLogger
	upgrader websocket.Upgrader
	webrtc   *peerHub
	http     *http.Server
}

// New returns a configured server
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Broadcaster == nil || deps.Monitor == nil || deps.Camera == nil {
		return nil, errors.New("server: broadcaster, monitor and camera are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if cfg.IdleFrameInterval <= 0 {
		cfg.IdleFrameInterval = DefaultIdleFrameInterval
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  logger.Named("HTTP"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		webrtc: newPeerHub(cfg.STUNServers, cfg.ConnectTimeout, deps.Broadcaster),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/webrtc/offer", s.cors(s.handleWebRTCOffer))
	mux.HandleFunc("/api/monitoring/pause", s.cors(s.handlePause))
	mux.HandleFunc("/api/monitoring/resume", s.cors(s.handleResume))
	mux.HandleFunc("/api/monitoring/status", s.cors(s.handleMonitoringStatus))
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.deps.Metrics.Handler())

	return mux
}

// ListenAndServe blocks until the server is shut down
func (s *Server) ListenAndServe() error {
	s.log.Info("Listening on %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown closes WebRTC peers and stops the HTTP server. Streaming handlers
// end when their subscriptions close, so stop the broadcaster first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.webrtc.Close()
	return s.http.Shutdown(ctx)
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// subscribe registers a subscriber or writes the rejection
func (s *Server) subscribe(w http.ResponseWriter) (*broadcast.Subscription, bool) {
	sub, err := s.deps.Broadcaster.Subscribe()
	if err != nil {
		s.log.Warn("Subscriber rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return nil, false
	}
	return sub, true
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.deps.Monitor.Pause()
	s.announceMonitoring(true)
	writeJSON(w, s.monitoringPayload())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.deps.Monitor.Resume()
	s.announceMonitoring(false)
	writeJSON(w, s.monitoringPayload())
}

func (s *Server) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitoringPayload())
}

func (s *Server) announceMonitoring(paused bool) {
	err := s.deps.Broadcaster.Broadcast(broadcast.MonitoringStatusEvent(paused))
	if err != nil && !errors.Is(err, broadcast.ErrStopped) {
		s.log.Warn("monitoring_status: %v", err)
	}
}

func (s *Server) monitoringPayload() map[string]any {
	status := s.deps.Monitor.Status()
	return map[string]any{
		"monitoring_active": !status.MonitoringPaused,
		"monitoring_paused": status.MonitoringPaused,
		"tracking_duration": status.TrackingDuration.Seconds(),
		"camera_state":      string(s.deps.Camera.CameraState()),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Camera.CameraState()
	status := "ok"
	if state != types.CameraConnected {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":            status,
		"camera_state":      string(state),
		"subscribers":       s.deps.Broadcaster.Count(),
		"webrtc_peers":      s.webrtc.Count(),
		"monitoring_paused": s.deps.Monitor.Status().MonitoringPaused,
		"timestamp":         float64(time.Now().Unix()),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
