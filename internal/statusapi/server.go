// Package statusapi serves the detector control and status endpoints:
// the Flask-compatible /health, /start, /stop and /status routes plus the
// streaming, overlay, recording and WebRTC signalling APIs.
package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/monitor"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/overlay"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/recorder"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/webrtc"
)

const maxOfferSize = 64 << 10

// Detector controls the detection worker.
type Detector interface {
	Start(ctx context.Context) error
	Stop() bool
	Running() bool
}

// OfferHandler answers WebRTC offers.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error)
}

// Resetter is reset together with the engine.
type Resetter interface {
	Reset()
}

// Config defines the runtime configuration for the status server.
type Config struct {
	AllowedOrigin  string
	StatusInterval time.Duration
	KeepAlive      time.Duration
	OfferTimeout   time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		AllowedOrigin:  "*",
		StatusInterval: 500 * time.Millisecond,
		KeepAlive:      30 * time.Second,
		OfferTimeout:   10 * time.Second,
	}
}

// Deps are the collaborators the server exposes over HTTP. Engine and
// Detector are required; the rest are optional.
type Deps struct {
	Engine   *engine.Engine
	Detector Detector
	Recorder *recorder.Recorder
	WebRTC   OfferHandler
	Alerts   *AlertBroadcaster
	Resetter []Resetter
	Metrics  *metrics.Metrics
	// BaseContext outlives requests; the worker started by POST /start
	// runs under it.
	BaseContext context.Context
}

// Server serves the status API.
type Server struct {
	cfg      Config
	deps     Deps
	status   *StatusBroadcaster
	upgrader *websocket.Upgrader
	log      logger.Module
}

// NewServer returns a configured server and starts its status broadcaster.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = def.AllowedOrigin
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = def.OfferTimeout
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.Alerts == nil {
		deps.Alerts = NewAlertBroadcaster()
	}

	status := NewStatusBroadcaster(deps.Engine.Status, cfg.StatusInterval)
	status.Start()

	return &Server{
		cfg:      cfg,
		deps:     deps,
		status:   status,
		upgrader: newUpgrader(cfg.AllowedOrigin),
		log:      logger.Named("StatusAPI"),
	}
}

// Close stops background broadcasters.
func (s *Server) Close() {
	s.status.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/alerts/stream", s.handleAlertStream)
	mux.HandleFunc("/ws/status", s.handleStatusWebSocket)
	mux.HandleFunc("/api/overlay.png", s.handleOverlay)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	return corsMiddleware(s.cfg.AllowedOrigin, mux)
}

func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "ok",
		"detecting":      s.deps.Detector.Running(),
		"detector_ready": s.deps.Engine != nil,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := s.deps.Detector.Start(s.deps.BaseContext)
	switch {
	case errors.Is(err, monitor.ErrAlreadyRunning):
		writeJSON(w, map[string]any{"status": "already detecting"})
	case err != nil:
		s.log.Error("Failed to start detection: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
	default:
		writeJSON(w, map[string]any{"status": "started"})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.deps.Detector.Stop()
	writeJSON(w, map[string]any{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Engine.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.deps.Engine.Reset()
	for _, rs := range s.deps.Resetter {
		rs.Reset()
	}
	s.log.Info("Engine state reset")
	writeJSON(w, map[string]any{"status": "reset"})
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	first, err := s.status.Current()
	if err != nil {
		http.Error(w, "Failed to serialize status", http.StatusInternalServerError)
		return
	}
	streamSSE(w, r, first, eventCh, s.cfg.KeepAlive)
}

func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.deps.Alerts.Subscribe()
	defer s.deps.Alerts.Unsubscribe(id)
	streamSSE(w, r, nil, eventCh, s.cfg.KeepAlive)
}

func (s *Server) handleStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug("WebSocket upgrade failed: %v", err)
		return
	}

	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	first, err := s.status.Current()
	if err != nil {
		conn.Close()
		return
	}
	streamWebSocket(conn, first, eventCh)
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	opts := overlay.Options{
		Width:  queryInt(r, "width"),
		Height: queryInt(r, "height"),
	}

	var buf bytes.Buffer
	threshold := s.deps.Engine.Config().DistanceThreshold
	if err := overlay.WritePNG(&buf, s.deps.Engine.Status(), threshold, opts); err != nil {
		http.Error(w, "Failed to render overlay", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 || v > 4096 {
		return 0
	}
	return v
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recorder is not configured"}, http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Filename string `json:"filename"`
	}
	if r.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeJSONWithStatus(w, map[string]any{"error": "invalid request body"}, http.StatusBadRequest)
				return
			}
		}
	}

	filename, err := s.deps.Recorder.Start(req.Filename)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recorder is not configured"}, http.StatusServiceUnavailable)
		return
	}

	filename, err := s.deps.Recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      s.deps.Recorder.GetStatus(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.deps.Recorder.GetStatus())
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.WebRTC == nil {
		writeJSONWithStatus(w, map[string]any{"error": "webrtc is disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferSize))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.OfferTimeout)
	defer cancel()

	answer, err := s.deps.WebRTC.HandleOffer(ctx, body)
	switch {
	case errors.Is(err, webrtc.ErrTooManyClients):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.Warn("WebRTC offer failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(answer)
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
