// Package bridge forwards pipeline events to the dashboard's ingest
// API: ticks become price points, fills and guardrail trips become
// dashboard events.
//
// Posting is decoupled from the bus through a bounded queue drained by
// a single worker, so a slow or dead dashboard never blocks the
// pipeline. Failures are logged with exponential backoff on the log
// rate (not the posts themselves) and a recovery line reports how many
// posts were lost.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/metrics"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

const (
	userAgent     = "l2dash-bridge/0.1"
	ingestPath    = "/api/ingest"
	fillPath      = "/api/fill"
	guardrailPath = "/api/guardrail"

	queueSize  = 256
	maxBackoff = 60 * time.Second
)

type post struct {
	path    string
	payload map[string]any
}

// Bridge is the dashboard forwarding service.
type Bridge struct {
	cfg  config.BridgeConfig
	bus  *bus.Bus
	http *resty.Client

	queue chan post
	quit  chan struct{}
	done  chan struct{}
	subs  []*bus.Subscription

	// Failure tracking is only touched by the worker goroutine.
	failures   int
	nextWarnAt time.Time

	logger *slog.Logger
}

func New(cfg config.BridgeConfig, ingestKey string, b *bus.Bus, logger *slog.Logger) *Bridge {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetHeader("User-Agent", userAgent).
		SetHeader("Content-Type", "application/json")
	if ingestKey != "" {
		httpClient.SetHeader("x-ingest-key", ingestKey)
	}
	return &Bridge{
		cfg:    cfg,
		bus:    b,
		http:   httpClient,
		queue:  make(chan post, queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With("component", "bridge"),
	}
}

// Start subscribes to the forwarded topics and launches the worker. A
// disabled bridge starts nothing and Stop returns immediately.
func (br *Bridge) Start(ctx context.Context) error {
	if !br.cfg.Enabled {
		close(br.done)
		br.logger.Info("bridge disabled")
		return nil
	}
	br.subs = append(br.subs,
		br.bus.Subscribe(types.TopicTicks, br.onTick),
		br.bus.Subscribe(types.TopicFills, br.onFill),
		br.bus.Subscribe(types.TopicGuardrails, br.onGuardrail),
	)
	go br.run(ctx)
	br.logger.Info("dashboard bridge ready", "baseUrl", br.cfg.BaseURL)
	return nil
}

// Stop detaches from the bus and waits for the worker to exit.
func (br *Bridge) Stop() {
	for _, sub := range br.subs {
		sub.Cancel()
	}
	br.subs = nil
	close(br.quit)
	<-br.done
}

func (br *Bridge) run(ctx context.Context) {
	defer close(br.done)
	for {
		select {
		case <-br.quit:
			return
		case <-ctx.Done():
			return
		case p := <-br.queue:
			br.send(ctx, p)
		}
	}
}

// enqueue hands a payload to the worker without blocking the bus.
// When the queue is full the oldest pending post is dropped so the
// dashboard converges on recent state.
func (br *Bridge) enqueue(path string, payload map[string]any) {
	p := post{path: path, payload: payload}
	select {
	case br.queue <- p:
		return
	default:
	}
	select {
	case stale := <-br.queue:
		metrics.IncBridgePostFailure(stale.path)
		br.logger.Debug("bridge queue full, dropping oldest", "droppedPath", stale.path)
	default:
	}
	select {
	case br.queue <- p:
	default:
	}
}

func (br *Bridge) onTick(ctx context.Context, payload any) error {
	tick, ok := payload.(types.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", payload, types.TopicTicks)
	}
	ts := tick.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	br.enqueue(ingestPath, map[string]any{
		"symbol": tick.Symbol,
		"price":  tick.Mid,
		"ts":     ts.UnixMilli(),
	})
	return nil
}

func (br *Bridge) onFill(ctx context.Context, payload any) error {
	fill, ok := payload.(types.Fill)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", payload, types.TopicFills)
	}
	if fill.Symbol == "" {
		br.logger.Debug("ignoring fill without symbol", "orderId", fill.OrderID)
		return nil
	}
	orderID := fill.OrderID
	if orderID == "" {
		orderID = "unknown"
	}
	br.enqueue(fillPath, map[string]any{
		"orderId": orderID,
		"px":      fill.Px,
		"qty":     fill.Qty,
		"symbol":  fill.Symbol,
		"kind":    fill.Kind,
	})
	return nil
}

func (br *Bridge) onGuardrail(ctx context.Context, payload any) error {
	event, ok := payload.(types.GuardrailEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", payload, types.TopicGuardrails)
	}
	rule := event.Rule
	if rule == "" {
		rule = "UNKNOWN"
	}
	severity := event.Severity
	if severity == "" {
		severity = "warn"
	}
	br.enqueue(guardrailPath, map[string]any{
		"rule":     rule,
		"message":  event.Message,
		"symbol":   event.Symbol,
		"severity": severity,
		"ts":       event.TS,
	})
	return nil
}

func (br *Bridge) send(ctx context.Context, p post) {
	resp, err := br.http.R().
		SetContext(ctx).
		SetBody(p.payload).
		Post(p.path)
	if err != nil {
		br.noteFailure(p.path, err)
		return
	}
	if !resp.IsSuccess() {
		br.noteFailure(p.path, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
		return
	}
	br.noteSuccess(p.path)
}

func (br *Bridge) noteFailure(path string, err error) {
	metrics.IncBridgePostFailure(path)
	br.failures++
	now := time.Now()
	if now.Before(br.nextWarnAt) {
		return
	}
	br.logger.Warn("bridge POST failed", "path", path, "attempts", br.failures, "error", err)
	backoff := time.Duration(1<<min(br.failures, 5)) * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	br.nextWarnAt = now.Add(backoff)
}

func (br *Bridge) noteSuccess(path string) {
	if br.failures > 0 {
		br.logger.Info("bridge POST recovered", "path", path, "failures", br.failures)
	}
	br.failures = 0
	br.nextWarnAt = time.Time{}
}
