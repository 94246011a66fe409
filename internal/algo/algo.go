// Package algo runs the inference-driven trading loop.
//
// Ticks arriving on the bus are filtered against the active symbol set
// published by the universe controller (falling back to the configured
// list while no universe exists), debounced per symbol, and queued to
// a single consumer. The consumer asks the model service for state
// probabilities, degrading to a uniform fallback when the service is
// down, and submits whatever order the policy decides on. Guardrail
// rejections are logged and swallowed: the loop keeps trading on the
// next tick.
package algo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/broker"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/metrics"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

const queueSize = 64

// OrderPlacer is the broker surface the algo needs.
type OrderPlacer interface {
	Place(ctx context.Context, symbol string, order types.OrderRequest) (types.OrderAck, error)
}

// Algo is the trading loop service.
type Algo struct {
	cfg    config.AlgoConfig
	bus    *bus.Bus
	broker OrderPlacer
	infer  *InferenceClient
	policy *Policy

	mu       sync.Mutex
	active   map[string]bool          // symbol -> traded flag from the universe
	limiters map[string]*rate.Limiter // per-symbol debounce

	queue chan types.Tick
	quit  chan struct{}
	done  chan struct{}
	subs  []*bus.Subscription

	logger *slog.Logger
}

func New(cfg config.AlgoConfig, b *bus.Bus, placer OrderPlacer, logger *slog.Logger) *Algo {
	a := &Algo{
		cfg:      cfg,
		bus:      b,
		broker:   placer,
		infer:    NewInferenceClient(cfg.InferenceURL, cfg.InferTimeout, logger),
		policy:   NewPolicy(cfg.Policy),
		active:   make(map[string]bool, len(cfg.Symbols)),
		limiters: make(map[string]*rate.Limiter),
		queue:    make(chan types.Tick, queueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.With("component", "algo"),
	}
	for _, sym := range cfg.Symbols {
		a.active[strings.ToUpper(sym)] = true
	}
	return a
}

// Start subscribes to ticks and universe updates and launches the
// consumer goroutine.
func (a *Algo) Start(ctx context.Context) error {
	a.subs = append(a.subs,
		a.bus.Subscribe(types.TopicTicks, a.onTick),
		a.bus.Subscribe(types.TopicActiveSymbols, a.onUniverse),
	)
	go a.run(ctx)
	a.logger.Info("algo started",
		"inferenceUrl", a.cfg.InferenceURL,
		"symbols", a.cfg.Symbols,
		"debounce_ms", a.cfg.DebounceMs,
	)
	return nil
}

// Stop detaches from the bus and waits for the consumer to exit.
func (a *Algo) Stop() {
	for _, sub := range a.subs {
		sub.Cancel()
	}
	a.subs = nil
	close(a.quit)
	<-a.done
}

func (a *Algo) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case <-ctx.Done():
			return
		case tick := <-a.queue:
			a.handleTick(ctx, tick)
		}
	}
}

// onTick filters and queues ticks. The queue keeps the freshest data:
// when full, the oldest queued tick is dropped in favor of the new one.
func (a *Algo) onTick(ctx context.Context, payload any) error {
	tick, ok := payload.(types.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", payload, types.TopicTicks)
	}
	if len(tick.Features) == 0 || !a.shouldTrade(tick.Symbol) {
		return nil
	}
	if !a.allow(strings.ToUpper(tick.Symbol)) {
		return nil
	}

	select {
	case a.queue <- tick:
	default:
		select {
		case <-a.queue:
		default:
		}
		select {
		case a.queue <- tick:
		default:
		}
	}
	return nil
}

// handleTick runs one inference round trip and submits the policy's
// order, if any.
func (a *Algo) handleTick(ctx context.Context, tick types.Tick) {
	ts := float64(tick.TS.UnixNano()) / 1e9
	resp, err := a.infer.Infer(ctx, tick.Symbol, tick.Features, ts)
	if err != nil {
		a.logger.Warn("inference failed, using fallback", "symbol", tick.Symbol, "error", err)
		resp = Fallback()
		metrics.IncInferenceRequest("fallback")
	} else {
		metrics.IncInferenceRequest("ok")
	}

	order := a.policy.Decide(tick.Symbol, resp.Probs, resp.Confidence)
	if order == nil {
		return
	}
	a.logger.Info("policy generated order",
		"symbol", tick.Symbol,
		"side", order.Side,
		"qty", order.Qty,
		"type", order.Type,
	)

	if _, err := a.broker.Place(ctx, tick.Symbol, *order); err != nil {
		var blocked *broker.BlockedError
		if errors.As(err, &blocked) {
			a.logger.Warn("order rejected", "symbol", tick.Symbol, "rule", blocked.Rule)
			return
		}
		a.logger.Error("order submission failed", "symbol", tick.Symbol, "error", err)
	}
}

// shouldTrade applies the active-set filter. With no universe yet the
// configured list acts as the allowlist; with neither, everything
// trades.
func (a *Algo) shouldTrade(symbol string) bool {
	if symbol == "" {
		return false
	}
	symbol = strings.ToUpper(symbol)

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.active) == 0 {
		if len(a.cfg.Symbols) == 0 {
			return true
		}
		for _, s := range a.cfg.Symbols {
			if strings.ToUpper(s) == symbol {
				return true
			}
		}
		return false
	}
	return a.active[symbol]
}

// allow enforces the per-symbol debounce. A zero debounce disables it.
func (a *Algo) allow(symbol string) bool {
	if a.cfg.DebounceMs <= 0 {
		return true
	}
	a.mu.Lock()
	lim, ok := a.limiters[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Duration(a.cfg.DebounceMs)*time.Millisecond), 1)
		a.limiters[symbol] = lim
	}
	a.mu.Unlock()
	return lim.Allow()
}

// onUniverse replaces the active map with the published set. An empty
// set falls back to the configured list so a misbehaving universe
// cannot silently halt trading.
func (a *Algo) onUniverse(ctx context.Context, payload any) error {
	summary, ok := payload.(types.UniverseSummary)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", payload, types.TopicActiveSymbols)
	}

	next := make(map[string]bool, len(summary.ActiveSymbols))
	for _, entry := range summary.ActiveSymbols {
		sym := strings.ToUpper(entry.Symbol)
		if sym == "" {
			continue
		}
		next[sym] = entry.Traded
	}
	if len(next) == 0 && len(a.cfg.Symbols) > 0 {
		for _, sym := range a.cfg.Symbols {
			next[strings.ToUpper(sym)] = true
		}
	}

	a.mu.Lock()
	var changed bool
	for sym := range next {
		if _, ok := a.active[sym]; !ok {
			changed = true
			break
		}
	}
	if !changed {
		for sym := range a.active {
			if _, ok := next[sym]; !ok {
				changed = true
				break
			}
		}
	}
	a.active = next
	a.mu.Unlock()

	if changed {
		tradeable := make([]string, 0, len(next))
		for sym, traded := range next {
			if traded {
				tradeable = append(tradeable, sym)
			}
		}
		sort.Strings(tradeable)
		a.logger.Info("universe update", "active", len(next), "tradeable", tradeable)
	}
	return nil
}
