// Package api serves ridemeter telemetry to local presentation clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/datasync"
	"github.com/markus-lassfolk/ridemeter/pkg/fusion"
	"github.com/markus-lassfolk/ridemeter/pkg/geo"
	"github.com/markus-lassfolk/ridemeter/pkg/gps"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/netmon"
	"github.com/markus-lassfolk/ridemeter/pkg/trip"
	"github.com/markus-lassfolk/ridemeter/pkg/weather"
)

// Config holds API server configuration
type Config struct {
	Enabled  bool   `json:"enabled"`
	Port     int    `json:"port"`
	Host     string `json:"host"`
	AuthKey  string `json:"auth_key"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// DefaultConfig returns the loopback-only default
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Port:    8082,
		Host:    "127.0.0.1",
	}
}

// TelemetrySource is the fused telemetry feed
type TelemetrySource interface {
	Snapshot() pkg.FusedTelemetry
	Subscribe(fn func(fusion.Update)) fusion.Subscription
}

// OdometerSource exposes the lifetime distance
type OdometerSource interface {
	TotalMeters() float64
	Reset() error
}

// TripSource exposes session statistics
type TripSource interface {
	Snapshot() trip.Stats
	Reset()
}

// ProviderSource exposes positioning provider health
type ProviderSource interface {
	ListProviders() []pkg.ProviderID
	Health() map[pkg.ProviderID]gps.SourceHealth
}

// SyncSource exposes the dataset sync manager
type SyncSource interface {
	State() *datasync.SyncState
	LastSyncedAt() time.Time
	SyncCurrentCountry(ctx context.Context, country string) bool
}

// WeatherSource exposes the last weather report
type WeatherSource interface {
	Latest() (weather.Report, bool)
}

// NetworkSource exposes connectivity state
type NetworkSource interface {
	Connected() bool
	LastSyncedAt() time.Time
}

// Deps are the components the server reads from; nil members answer 503
type Deps struct {
	Telemetry TelemetrySource
	Odometer  OdometerSource
	Trip      TripSource
	Providers ProviderSource
	Sync      SyncSource
	Weather   WeatherSource
	Network   NetworkSource
	Metrics   http.Handler
	Country   func() string
}

// PlaceState is the last resolved place name
type PlaceState struct {
	Place      pkg.CityInfo `json:"place"`
	Label      string       `json:"label"`
	Source     string       `json:"source"`
	ResolvedAt time.Time    `json:"resolved_at"`
}

// NetworkState is the connectivity banner shown by presentation clients
type NetworkState struct {
	Online       bool       `json:"online"`
	Message      string     `json:"message,omitempty"`
	Since        time.Time  `json:"since"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Server is the local HTTP and WebSocket API
type Server struct {
	config *Config
	deps   Deps
	logger *logx.Logger

	mu      sync.RWMutex
	place   *PlaceState
	network *NetworkState
	clients map[*wsClient]struct{}
}

// NewServer creates an API server
func NewServer(config *Config, deps Deps, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:  config,
		deps:    deps,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// SetPlace records a resolved place and pushes it to WebSocket clients
func (s *Server) SetPlace(place pkg.CityInfo, source string) {
	state := &PlaceState{Place: place, Label: place.Label(), Source: source, ResolvedAt: time.Now()}
	s.mu.Lock()
	s.place = state
	s.mu.Unlock()
	s.broadcast(wsMessage{Type: "place", Place: state})
}

// SetNetwork records the connectivity state and pushes it to WebSocket clients
func (s *Server) SetNetwork(state NetworkState) {
	s.mu.Lock()
	s.network = &state
	s.mu.Unlock()
	s.broadcast(wsMessage{Type: "network", Network: &state})
}

// Network returns the last state given to SetNetwork
func (s *Server) Network() (NetworkState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.network == nil {
		return NetworkState{}, false
	}
	return *s.network, true
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/telemetry", s.authMiddleware(s.handleTelemetry))
	mux.HandleFunc("/api/place", s.authMiddleware(s.handlePlace))
	mux.HandleFunc("/api/odometer", s.authMiddleware(s.handleOdometer))
	mux.HandleFunc("/api/trip", s.authMiddleware(s.handleTrip))
	mux.HandleFunc("/api/providers", s.authMiddleware(s.handleProviders))
	mux.HandleFunc("/api/sync", s.authMiddleware(s.handleSync))
	mux.HandleFunc("/api/weather", s.authMiddleware(s.handleWeather))
	mux.HandleFunc("/api/network", s.authMiddleware(s.handleNetwork))
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/ws/telemetry", s.authMiddleware(s.handleWebSocket))

	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}
	return mux
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("API server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "address", addr)
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			err = srv.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// authMiddleware accepts the key as ?auth= or X-API-Key when one is configured
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.URL.Query().Get("auth")
		if authKey == "" {
			authKey = r.Header.Get("X-API-Key")
		}

		if authKey != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}

type telemetryResponse struct {
	pkg.FusedTelemetry
	Units       string  `json:"units"`
	Speed       float64 `json:"speed"`
	AltitudeOut float64 `json:"altitude_display"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "telemetry not available", nil)
		return
	}
	tel := s.deps.Telemetry.Snapshot()
	s.sendJSONResponse(w, presentTelemetry(tel, r.URL.Query().Get("units")))
}

func presentTelemetry(tel pkg.FusedTelemetry, units string) telemetryResponse {
	resp := telemetryResponse{FusedTelemetry: tel, Units: "metric", Speed: tel.SpeedKmh, AltitudeOut: tel.Altitude}
	if strings.EqualFold(units, "imperial") {
		resp.Units = "imperial"
		resp.Speed = geo.KmhToMph(tel.SpeedKmh)
		resp.AltitudeOut = geo.MetersToFeet(tel.Altitude)
	}
	return resp
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	place := s.place
	s.mu.RUnlock()
	if place == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no place resolved yet", nil)
		return
	}
	s.sendJSONResponse(w, place)
}

func (s *Server) handleOdometer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Odometer == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "odometer not available", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodDelete:
		if err := s.deps.Odometer.Reset(); err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError, "failed to reset odometer", err)
			return
		}
		s.logger.Info("Odometer reset via API", "remote_addr", r.RemoteAddr)
	default:
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	meters := s.deps.Odometer.TotalMeters()
	km := meters / 1000
	s.sendJSONResponse(w, map[string]interface{}{
		"total_meters": meters,
		"total_km":     km,
		"total_miles":  geo.KilometersToMiles(km),
	})
}

func (s *Server) handleTrip(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trip == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "trip statistics not available", nil)
		return
	}
	if r.Method == http.MethodDelete {
		s.deps.Trip.Reset()
	}
	s.sendJSONResponse(w, s.deps.Trip.Snapshot())
}

type providerStatus struct {
	ID          pkg.ProviderID `json:"id"`
	Available   bool           `json:"available"`
	Running     bool           `json:"running"`
	LastSuccess time.Time      `json:"last_success"`
	LastError   string         `json:"last_error,omitempty"`
	SuccessRate float64        `json:"success_rate"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Providers == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "providers not available", nil)
		return
	}
	health := s.deps.Providers.Health()
	out := make([]providerStatus, 0, len(health))
	for _, id := range s.deps.Providers.ListProviders() {
		h := health[id]
		out = append(out, providerStatus{
			ID:          id,
			Available:   h.Available,
			Running:     h.Running,
			LastSuccess: h.LastSuccess,
			LastError:   h.LastError,
			SuccessRate: h.SuccessRate(),
		})
	}
	s.sendJSONResponse(w, out)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "sync not available", nil)
		return
	}

	response := map[string]interface{}{}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		country := r.URL.Query().Get("country")
		if country == "" && s.deps.Country != nil {
			country = s.deps.Country()
		}
		response["started"] = s.deps.Sync.SyncCurrentCountry(context.Background(), country)
	default:
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	state := s.deps.Sync.State()
	response["state"] = state.Current()
	response["failed_this_session"] = state.HasFailedThisSession()
	if last := s.deps.Sync.LastSyncedAt(); !last.IsZero() {
		response["last_synced_at"] = last
	}
	s.sendJSONResponse(w, response)
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	if s.deps.Weather == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "weather not configured", nil)
		return
	}
	report, ok := s.deps.Weather.Latest()
	if !ok {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no weather report yet", nil)
		return
	}
	s.sendJSONResponse(w, report)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "network monitor not available", nil)
		return
	}
	online := s.deps.Network.Connected()
	last := s.deps.Network.LastSyncedAt()
	response := map[string]interface{}{"online": online}
	if !last.IsZero() {
		response["last_synced_at"] = last
	}
	if !online {
		response["message"] = netmon.OfflineMessage(last)
	}
	s.sendJSONResponse(w, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "ridemeter-api",
	})
}

func (s *Server) sendJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode error response", "error", err)
	}
}
