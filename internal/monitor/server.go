// Package monitor exposes live training progress over HTTP: liveness,
// a status snapshot, and Prometheus metrics.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Status is the live snapshot served at /status.
type Status struct {
	RunID      string             `json:"run_id"`
	Experiment string             `json:"experiment"`
	Epoch      int                `json:"epoch"`
	MaxEpochs  int                `json:"max_epochs"`
	Iteration  int                `json:"iteration"`
	TrainLoss  float64            `json:"train_loss"`
	Validation map[string]float64 `json:"validation,omitempty"`
}

// StatusFunc supplies the current snapshot.
type StatusFunc func() Status

// Server serves the monitoring endpoints while a run is in progress.
type Server struct {
	srv    *http.Server
	logger logrus.FieldLogger
}

// NewServer builds the monitoring server on addr.
func NewServer(addr string, status StatusFunc, logger logrus.FieldLogger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	})
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv:    &http.Server{Addr: addr, Handler: r},
		logger: logger.WithField("component", "monitor"),
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.WithField("addr", s.srv.Addr).Info("monitor listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
