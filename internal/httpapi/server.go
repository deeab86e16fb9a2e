// Package httpapi exposes health, status, alert history and a manual sweep
// trigger over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"listing-sentinel/internal/model"
	"listing-sentinel/internal/ratelimit"
	"listing-sentinel/internal/service"
	"listing-sentinel/internal/storage"
)

const (
	defaultAlertLimit = 20
	maxAlertLimit     = 500
)

// Sweeper runs and reports sweeps.
type Sweeper interface {
	Sweep(ctx context.Context, at time.Time) (service.SweepReport, error)
	LastReport() (service.SweepReport, bool)
}

// UsageReporter exposes the limiter window.
type UsageReporter interface {
	Usage() ratelimit.Usage
}

// Store is what the read endpoints query.
type Store interface {
	storage.Pinger
	storage.AlertLog
	storage.SnapshotStore
}

// Server is the status API.
type Server struct {
	sweeper Sweeper
	usage   UsageReporter
	store   Store
	now     func() time.Time
	logger  zerolog.Logger
}

// New builds the API. usage may be nil when no classifier is configured.
func New(sweeper Sweeper, usage UsageReporter, store Store, logger zerolog.Logger) *Server {
	return &Server{
		sweeper: sweeper,
		usage:   usage,
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "httpapi").Logger(),
	}
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	router.HandleFunc("/status", s.status).Methods(http.MethodGet)
	router.HandleFunc("/sweep", s.sweep).Methods(http.MethodPost)
	router.HandleFunc("/alerts", s.alerts).Methods(http.MethodGet)
	router.HandleFunc("/listings", s.listings).Methods(http.MethodGet)
	router.HandleFunc("/listings/{id}", s.listing).Methods(http.MethodGet)
	return router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("status api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("status api forced to shutdown")
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "timestamp": s.now().Format(time.RFC3339)})
}

type statusResponse struct {
	Time      time.Time            `json:"time"`
	LastSweep *service.SweepReport `json:"last_sweep,omitempty"`
	RateLimit *ratelimit.Usage     `json:"rate_limit,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Time: s.now()}
	if report, ok := s.sweeper.LastReport(); ok {
		resp.LastSweep = &report
	}
	if s.usage != nil {
		usage := s.usage.Usage()
		resp.RateLimit = &usage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.Sweep(r.Context(), s.now())
	switch {
	case errors.Is(err, service.ErrSweepRunning):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		s.logger.Error().Err(err).Msg("manual sweep failed")
		writeJSON(w, http.StatusInternalServerError, report)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) alerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxAlertLimit)
	}

	alerts, err := s.store.ListRecentAlerts(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list alerts failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) listings(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListSnapshots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

type listingResponse struct {
	Current  model.ListingSnapshot  `json:"current"`
	Previous *model.ListingSnapshot `json:"previous,omitempty"`
}

func (s *Server) listing(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cur, prev, err := s.store.GetSnapshot(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse{Current: cur, Previous: prev})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
