package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/buddhike/shardherd/consumer"
	"github.com/buddhike/shardherd/messages"
	"github.com/buddhike/shardherd/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type consumerState interface {
	WorkerID() string
	Healthy() bool
	Status() messages.StatusResponse
	Plan() consumer.Plan
}

// statusServer exposes /health, /status, /plan and /metrics of one worker.
type statusServer struct {
	server *http.Server
	state  consumerState
	done   chan struct{}
	logger *zap.Logger
}

func newStatusServer(addr string, state consumerState, gatherer prometheus.Gatherer, logger *zap.Logger) *statusServer {
	s := &statusServer{
		state:  state,
		done:   make(chan struct{}),
		logger: logger.Named("status-server"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", middleware.RecoverRoute(s.Health, s.logger))
	mux.HandleFunc("/status", middleware.RecoverRoute(s.Status, s.logger))
	mux.HandleFunc("/plan", middleware.RecoverRoute(s.Plan, s.logger))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *statusServer) Start() {
	go func() {
		defer close(s.done)
		s.logger.Info("listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

func (s *statusServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
	<-s.done
}

func (s *statusServer) Health(w http.ResponseWriter, r *http.Request) {
	h := messages.Health{WorkerID: s.state.WorkerID(), Healthy: s.state.Healthy()}
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

func (s *statusServer) Status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state.Status())
}

func (s *statusServer) Plan(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, planResponse(s.state.Plan()))
}

func (s *statusServer) writeJSON(w http.ResponseWriter, status int, v any) {
	res, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(res)
}
