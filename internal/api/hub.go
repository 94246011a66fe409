package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

const (
	clientBuffer    = 64
	broadcastBuffer = 256
	heartbeatPeriod = 30 * time.Second
)

// Hub fans tick frames out to connected SSE clients. The clients map
// is owned by the Run goroutine; handlers talk to it over channels.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	quit       chan struct{}
	done       chan struct{}
	logger     *slog.Logger
}

type client struct {
	send chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, broadcastBuffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.With("component", "sse-hub"),
	}
}

// Run is the hub's main loop, called in a goroutine by the server.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("sse client connected", "count", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.logger.Info("sse client disconnected", "count", len(h.clients))

		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Client can't keep up, drop it.
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("dropping slow sse client", "count", len(h.clients))
				}
			}

		case <-h.quit:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// Stop disconnects every client and ends the Run loop.
func (h *Hub) Stop() {
	close(h.quit)
	<-h.done
}

// BroadcastTick marshals a tick and queues it for every client.
func (h *Hub) BroadcastTick(tick types.Tick) {
	data, err := json.Marshal(tick)
	if err != nil {
		h.logger.Error("failed to marshal tick", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping tick", "symbol", tick.Symbol)
	}
}

// serveStream handles one SSE connection: one "data:" frame per tick,
// comment heartbeats to keep proxies from closing idle streams.
func (h *Hub) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := &client{send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.quit:
		return
	}
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.quit:
		}
	}()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", message); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
