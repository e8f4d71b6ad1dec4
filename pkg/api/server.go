package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/gps"
	"github.com/markus-lassfolk/locfix/pkg/journal"
	"github.com/markus-lassfolk/locfix/pkg/location"
	"github.com/markus-lassfolk/locfix/pkg/logx"
)

const (
	defaultAttemptsLimit = 20
	maxAttemptsLimit     = 500
	maxBodyBytes         = 4096
)

// Service is the part of gps.AcquisitionService the API drives
type Service interface {
	Acquire(ctx context.Context) *pkg.AcquisitionResult
	SetLastKnownLocation(sample pkg.LocationSample)
	SetRegisteredReferenceLocation(sample pkg.LocationSample)
	Snapshot() gps.ReferenceSnapshot
	Stats() gps.ServiceStats
}

// ProviderStats reports per-provider outcome counters
type ProviderStats interface {
	Stats() map[pkg.Source]gps.ProviderStats
}

// AttemptLog lists recent acquisition attempts
type AttemptLog interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen  string `json:"listen"`
	AuthKey string `json:"-"` // Optional authentication key
}

// Server exposes the acquisition service over HTTP
type Server struct {
	service   Service
	providers ProviderStats
	attempts  AttemptLog
	metrics   http.Handler
	health    map[string]func() interface{}
	config    Config
	logger    *logx.Logger
	startTime time.Time
	now       func() time.Time

	httpServer *http.Server
}

// Option configures optional Server collaborators
type Option func(*Server)

// WithProviderStats adds per-provider statistics to /healthz
func WithProviderStats(p ProviderStats) Option {
	return func(s *Server) { s.providers = p }
}

// WithAttemptLog enables /api/attempts
func WithAttemptLog(l AttemptLog) Option {
	return func(s *Server) { s.attempts = l }
}

// WithMetricsHandler serves h on /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck adds a named value to the /healthz body
func WithHealthCheck(name string, fn func() interface{}) Option {
	return func(s *Server) { s.health[name] = fn }
}

// NewServer creates an API server for service
func NewServer(service Service, config Config, logger *logx.Logger, opts ...Option) *Server {
	s := &Server{
		service:   service,
		health:    make(map[string]func() interface{}),
		config:    config,
		logger:    logger,
		startTime: time.Now(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler without starting a listener
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/acquire", s.authMiddleware(s.handleAcquire))
	mux.HandleFunc("/api/reference", s.authMiddleware(s.handleReference))
	mux.HandleFunc("/api/last-known", s.authMiddleware(s.handleLastKnown))
	mux.HandleFunc("/api/attempts", s.authMiddleware(s.handleAttempts))

	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start begins serving on the configured address
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", ln.Addr().String(), "auth", s.config.AuthKey != "")
	return nil
}

// Stop gracefully shuts down the API server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.logger.Info("API server stopped")
	return err
}

// authMiddleware handles optional authentication for API endpoints
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.Header.Get("X-API-Key")
		if authKey == "" {
			authKey = r.URL.Query().Get("auth")
		}

		if authKey != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			s.sendErrorResponse(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	result := s.service.Acquire(r.Context())
	s.sendJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.sendJSONResponse(w, http.StatusOK, s.service.Snapshot())
	case http.MethodPut, http.MethodPost:
		sample, err := s.decodeSample(w, r)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid location", err)
			return
		}
		s.service.SetRegisteredReferenceLocation(sample)
		s.logger.Info("registered_reference_updated", "location", sample.String())
		s.sendJSONResponse(w, http.StatusOK, s.service.Snapshot())
	default:
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	}
}

func (s *Server) handleLastKnown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	sample, err := s.decodeSample(w, r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid location", err)
		return
	}
	s.service.SetLastKnownLocation(sample)
	s.logger.Info("last_known_updated", "location", sample.String())
	s.sendJSONResponse(w, http.StatusOK, s.service.Snapshot())
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	if s.attempts == nil {
		s.sendErrorResponse(w, http.StatusNotFound, "attempt journal is disabled", nil)
		return
	}

	limit := defaultAttemptsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = min(v, maxAttemptsLimit)
	}

	entries, err := s.attempts.Recent(r.Context(), limit)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "failed to read attempts", err)
		return
	}
	s.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"count":    len(entries),
		"attempts": entries,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(s.now().Sub(s.startTime).Seconds()),
		"service":        s.service.Stats(),
	}
	if s.providers != nil {
		health["providers"] = s.providers.Stats()
	}
	for name, fn := range s.health {
		health[name] = fn()
	}
	s.sendJSONResponse(w, http.StatusOK, health)
}

// decodeSample reads a location from the request body. A missing capture time
// is stamped with the current time and a missing source defaults to NETWORK.
func (s *Server) decodeSample(w http.ResponseWriter, r *http.Request) (pkg.LocationSample, error) {
	var sample pkg.LocationSample
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sample); err != nil {
		return sample, fmt.Errorf("failed to decode location: %w", err)
	}
	if err := location.ValidateCoordinates(sample.Latitude, sample.Longitude); err != nil {
		return sample, err
	}
	if sample.AccuracyMeters < 0 {
		return sample, fmt.Errorf("negative accuracy: %v", sample.AccuracyMeters)
	}
	if sample.CapturedAtMs == 0 {
		sample.CapturedAtMs = s.now().UnixMilli()
	}
	if sample.Source == "" {
		sample.Source = pkg.SourceNetwork
	}
	return sample, nil
}

func (s *Server) sendJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.sendJSONResponse(w, status, response)
}
