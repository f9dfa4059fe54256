// Package status serves the session state and Prometheus metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/session"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is the read-only view of a session the router reports on
type Source interface {
	ID() string
	State() session.State
	Topics() []stomp.Topic
	PendingReceipts() []string
	ServerInfo() session.ServerInfo
}

type Report struct {
	SessionID       string             `json:"session_id"`
	State           string             `json:"state"`
	Topics          []stomp.Topic      `json:"topics"`
	PendingReceipts []string           `json:"pending_receipts"`
	Server          session.ServerInfo `json:"server"`
}

func NewReport(src Source) Report {
	return Report{
		SessionID:       src.ID(),
		State:           src.State().String(),
		Topics:          src.Topics(),
		PendingReceipts: src.PendingReceipts(),
		Server:          src.ServerInfo(),
	}
}

// NewRouter serves GET /status, GET /status/topics/{id} and, when gatherer is
// not nil, GET /metrics
func NewRouter(src Source, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, NewReport(src))
	})
	r.Get("/status/topics/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		for _, topic := range src.Topics() {
			if topic.ID == id {
				writeJSON(w, http.StatusOK, topic)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnF("Fail to write status response, details: %v", err)
	}
}

// Server runs the router on its own listener. It is registered with the
// cleaner so shutdown drains in-flight requests.
type Server struct {
	server   *http.Server
	listener net.Listener
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{server: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("status listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	logger.InfoF("Status server listening on %s", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Status server stopped, details: %v", err)
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Invoke(ctx context.Context) error {
	logger.InfoF("Stopping status server")
	return s.server.Shutdown(ctx)
}
