// Package api serves the ops endpoints: health, a JSON state snapshot,
// the SSE tick stream for the dashboard, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// Server runs the ops HTTP server.
type Server struct {
	cfg       config.APIConfig
	providers Providers
	bus       *bus.Bus
	hub       *Hub
	server    *http.Server
	subs      []*bus.Subscription
	addr      string
	done      chan struct{}
	logger    *slog.Logger
}

func NewServer(cfg config.APIConfig, providers Providers, b *bus.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		providers: providers,
		bus:       b,
		hub:       NewHub(logger),
		done:      make(chan struct{}),
		logger:    logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc(cfg.SSEPath, s.hub.serveStream)
	mux.Handle("/metrics", promhttp.Handler())

	// WriteTimeout stays zero so the event stream is never cut off;
	// the hub drops slow clients instead.
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start binds the listener, launches the hub, and begins serving. A
// bind failure is returned synchronously so startup can abort.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	s.addr = ln.Addr().String()

	go s.hub.Run()
	s.subs = append(s.subs, s.bus.Subscribe(types.TopicTicks, s.onTick))

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server error", "error", err)
		}
	}()

	s.logger.Info("ops server listening", "addr", s.addr, "ssePath", s.cfg.SSEPath)
	return nil
}

// Stop disconnects SSE clients first so Shutdown is not held open by
// long-lived streams, then drains in-flight requests.
func (s *Server) Stop() error {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}

// Addr reports the bound address, useful when the port was 0.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) onTick(ctx context.Context, payload any) error {
	tick, ok := payload.(types.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", payload, types.TopicTicks)
	}
	s.hub.BroadcastTick(tick)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(s.providers)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
