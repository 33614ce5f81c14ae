// Package status serves a read-only HTTP view of a running coordinator.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
	"github.com/eliteGoblin/ccbench/internal/usecase"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// SnapshotProvider reports the live service state.
type SnapshotProvider interface {
	Snapshot() usecase.ServiceSnapshot
}

// Server exposes GET /status and GET /trials.
type Server struct {
	router  *mux.Router
	service SnapshotProvider
	store   domain.ServedTrialStore
	logger  *zap.Logger
	started time.Time
}

// NewServer creates the status server. store may be nil, in which case
// /trials returns 404.
func NewServer(service SnapshotProvider, store domain.ServedTrialStore, logger *zap.Logger) *Server {
	s := &Server{
		service: service,
		store:   store,
		logger:  logger,
		started: time.Now(),
	}
	s.router = mux.NewRouter()
	s.RegisterRoutes(s.router)
	return s
}

// RegisterRoutes registers the status routes on router.
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/status", s.Status).Methods(http.MethodGet)
	router.HandleFunc("/trials", s.Trials).Methods(http.MethodGet)
	router.HandleFunc("/trials/{id}", s.Trial).Methods(http.MethodGet)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	usecase.ServiceSnapshot
	Uptime string `json:"uptime"`
}

// Status handles GET /status.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		ServiceSnapshot: s.service.Snapshot(),
		Uptime:          time.Since(s.started).Round(time.Second).String(),
	})
}

// Trials handles GET /trials?limit=N, newest first.
func (s *Server) Trials(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "trial store disabled", http.StatusNotFound)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trials, err := s.store.RecentServed(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list trials", zap.String("step", "list_trials"), zap.Error(err))
		http.Error(w, "failed to list trials", http.StatusInternalServerError)
		return
	}
	if trials == nil {
		trials = []domain.ServedTrial{}
	}
	writeJSON(w, http.StatusOK, trials)
}

// Trial handles GET /trials/{id}.
func (s *Server) Trial(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "trial store disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]
	trial, err := s.store.GetServed(r.Context(), id)
	if errors.Is(err, domain.ErrTrialNotFound) {
		http.Error(w, "trial not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to get trial", zap.String("step", "get_trial"), zap.String("trial_id", id), zap.Error(err))
		http.Error(w, "failed to get trial", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, trial)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status server shutdown failed", zap.Error(err))
		}
	})
	defer stop()

	s.logger.Info("status server listening", zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
