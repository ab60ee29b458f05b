package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bit2swaz/pgprobe/internal/inserter"
)

// StatsSource reports the progress of a running insert loop.
type StatsSource interface {
	Stats() inserter.Stats
}

type Server struct {
	stats    StatsSource
	hostname string
	logger   *slog.Logger
}

func NewServer(stats StatsSource, hostname string, logger *slog.Logger) *Server {
	return &Server{
		stats:    stats,
		hostname: hostname,
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve answers status and metrics requests on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Status server shutdown failed", "error", err)
		}
	}()

	s.logger.Info("Starting status HTTP server", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(struct {
		Hostname string         `json:"hostname"`
		Inserter inserter.Stats `json:"inserter"`
	}{
		Hostname: s.hostname,
		Inserter: s.stats.Stats(),
	})
	if err != nil {
		s.logger.Error("Failed to write status", "error", err)
	}
}
