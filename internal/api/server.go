package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/48Nauts-Operator/lineary-ingest/internal/fingerprint"
	"github.com/48Nauts-Operator/lineary-ingest/internal/source"
)

// StatsSource is satisfied by *source.Watcher.
type StatsSource interface {
	Stats() source.Stats
}

// StatusResponse is the body of GET /api/v1/ingest/status.
type StatusResponse struct {
	Agent         string        `json:"agent"`
	Status        string        `json:"status"`
	Uptime        string        `json:"uptime"`
	Watcher       *source.Stats `json:"watcher,omitempty"`
	IndexedHashes *int64        `json:"indexed_hashes,omitempty"`
}

type Server struct {
	router  *chi.Mux
	port    int
	stats   StatsSource
	counter fingerprint.Counter
	started time.Time
	logger  *slog.Logger
}

// NewServer builds the status server. stats and counter may be nil.
func NewServer(port int, stats StatsSource, counter fingerprint.Counter, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		port:    port,
		stats:   stats,
		counter: counter,
		started: time.Now(),
		logger:  logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/ingest/status", s.status)

	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve status API: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status API: %w", err)
		}
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Agent:  "lineary-ingest",
		Status: "running",
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.stats != nil {
		st := s.stats.Stats()
		resp.Watcher = &st
	}
	if s.counter != nil {
		n, err := s.counter.Count(r.Context())
		if err != nil {
			s.logger.Warn("failed to count indexed hashes", "error", err)
			resp.Status = "degraded"
		} else {
			resp.IndexedHashes = &n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
