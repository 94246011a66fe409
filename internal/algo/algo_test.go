package algo

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/broker"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type placedOrder struct {
	symbol string
	order  types.OrderRequest
}

type fakePlacer struct {
	mu     sync.Mutex
	orders []placedOrder
	err    error
}

func (f *fakePlacer) Place(ctx context.Context, symbol string, order types.OrderRequest) (types.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, placedOrder{symbol: symbol, order: order})
	if f.err != nil {
		return types.OrderAck{}, f.err
	}
	return types.OrderAck{OrderID: "ord-1"}, nil
}

func (f *fakePlacer) placed() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.orders...)
}

func newTestAlgo(t *testing.T, cfg config.AlgoConfig, placer OrderPlacer) *Algo {
	t.Helper()
	if cfg.InferTimeout == 0 {
		cfg.InferTimeout = time.Second
	}
	logger := testLogger()
	return New(cfg, bus.New(logger), placer, logger)
}

func TestHandleTickPlacesOrderFromInference(t *testing.T) {
	t.Parallel()

	var gotReq types.InferenceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/infer" {
			t.Errorf("request path = %s, want /infer", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.InferenceResponse{
			State:      2,
			Probs:      []float64{0.05, 0.15, 0.80},
			Confidence: 0.9,
		})
	}))
	defer srv.Close()

	placer := &fakePlacer{}
	a := newTestAlgo(t, config.AlgoConfig{
		InferenceURL: srv.URL,
		Policy:       config.PolicyConfig{BaseQty: 2, MinConfidence: 0.5},
	}, placer)

	ts := time.Date(2024, 5, 6, 14, 30, 0, 0, time.UTC)
	a.handleTick(context.Background(), types.Tick{
		Symbol:   "AAPL",
		TS:       ts,
		Features: []float64{100, 2, 0.4, 100.1, 0.01},
	})

	orders := placer.placed()
	if len(orders) != 1 {
		t.Fatalf("placed %d orders, want 1", len(orders))
	}
	if orders[0].symbol != "AAPL" {
		t.Fatalf("order symbol = %s, want AAPL", orders[0].symbol)
	}
	got := orders[0].order
	if got.Side != types.BUY || got.Qty != 2 || got.Type != types.OrderTypeMKT {
		t.Fatalf("order = %+v, want BUY 2 MKT", got)
	}

	if gotReq.Symbol != "AAPL" || len(gotReq.Features) != 5 {
		t.Fatalf("inference request = %+v", gotReq)
	}
	if want := float64(ts.UnixNano()) / 1e9; gotReq.TS != want {
		t.Fatalf("inference ts = %v, want %v", gotReq.TS, want)
	}
}

func TestHandleTickFallsBackWhenInferenceFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	placer := &fakePlacer{}
	a := newTestAlgo(t, config.AlgoConfig{
		InferenceURL: srv.URL,
		Policy:       config.PolicyConfig{BaseQty: 1, MinConfidence: 0.5},
	}, placer)

	a.handleTick(context.Background(), types.Tick{
		Symbol:   "AAPL",
		TS:       time.Now(),
		Features: []float64{1, 2, 3, 4, 5},
	})

	// The uniform fallback sits below the confidence gate, so the model
	// outage must not generate orders.
	if n := len(placer.placed()); n != 0 {
		t.Fatalf("placed %d orders during model outage, want 0", n)
	}
}

func TestHandleTickSwallowsGuardrailRejection(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{err: &broker.BlockedError{Rule: "MAX_POSITION", Message: "position cap"}}
	a := newTestAlgo(t, config.AlgoConfig{
		// Unreachable model service forces the fallback path; force-trade
		// still produces an order for the broker to reject.
		InferenceURL: "http://127.0.0.1:1",
		InferTimeout: 200 * time.Millisecond,
		Policy:       config.PolicyConfig{BaseQty: 1, ForceTrade: true},
	}, placer)

	a.handleTick(context.Background(), types.Tick{
		Symbol:   "AAPL",
		TS:       time.Now(),
		Features: []float64{1, 2, 3, 4, 5},
	})

	if n := len(placer.placed()); n != 1 {
		t.Fatalf("broker saw %d orders, want 1", n)
	}
}

func TestShouldTrade(t *testing.T) {
	t.Parallel()

	open := newTestAlgo(t, config.AlgoConfig{}, &fakePlacer{})
	if !open.shouldTrade("AAPL") {
		t.Fatal("with no universe and no allowlist every symbol should trade")
	}
	if open.shouldTrade("") {
		t.Fatal("empty symbol must never trade")
	}

	listed := newTestAlgo(t, config.AlgoConfig{Symbols: []string{"aapl"}}, &fakePlacer{})
	if !listed.shouldTrade("AAPL") || !listed.shouldTrade("aapl") {
		t.Fatal("configured symbol should trade regardless of case")
	}
	if listed.shouldTrade("MSFT") {
		t.Fatal("symbol outside the allowlist should not trade")
	}
}

func TestOnUniverseReplacesActiveSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := newTestAlgo(t, config.AlgoConfig{Symbols: []string{"msft"}}, &fakePlacer{})

	summary := types.UniverseSummary{ActiveSymbols: []types.ActiveSymbol{
		{Symbol: "aapl", Traded: true, Status: "added"},
		{Symbol: "nvda", Traded: false, Reason: "OPEN_POSITION", Status: "retained"},
	}}
	if err := a.onUniverse(ctx, summary); err != nil {
		t.Fatalf("onUniverse: %v", err)
	}
	if !a.shouldTrade("AAPL") {
		t.Fatal("traded universe symbol should trade")
	}
	if a.shouldTrade("NVDA") {
		t.Fatal("retained-only symbol should not trade")
	}
	if a.shouldTrade("MSFT") {
		t.Fatal("configured symbol should stop trading once a universe exists")
	}

	// An empty universe falls back to the configured list.
	if err := a.onUniverse(ctx, types.UniverseSummary{}); err != nil {
		t.Fatalf("onUniverse: %v", err)
	}
	if !a.shouldTrade("MSFT") {
		t.Fatal("empty universe should fall back to the configured list")
	}
	if a.shouldTrade("AAPL") {
		t.Fatal("previous universe should be gone after fallback")
	}

	if err := a.onUniverse(ctx, "not a summary"); err == nil {
		t.Fatal("unexpected payload type should error")
	}
}

func TestAllowDebouncesPerSymbol(t *testing.T) {
	t.Parallel()

	a := newTestAlgo(t, config.AlgoConfig{DebounceMs: 50}, &fakePlacer{})
	if !a.allow("AAPL") {
		t.Fatal("first call should pass")
	}
	if a.allow("AAPL") {
		t.Fatal("immediate second call should be debounced")
	}
	if !a.allow("MSFT") {
		t.Fatal("symbols debounce independently")
	}
	time.Sleep(60 * time.Millisecond)
	if !a.allow("AAPL") {
		t.Fatal("call after the debounce window should pass")
	}

	off := newTestAlgo(t, config.AlgoConfig{}, &fakePlacer{})
	for i := 0; i < 3; i++ {
		if !off.allow("AAPL") {
			t.Fatal("zero debounce must always pass")
		}
	}
}

func TestOnTickQueueKeepsNewest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := newTestAlgo(t, config.AlgoConfig{}, &fakePlacer{})
	a.queue = make(chan types.Tick, 1)

	first := types.Tick{Symbol: "AAPL", TS: time.Now(), Mid: 100, Features: []float64{1}}
	second := first
	second.Mid = 101

	if err := a.onTick(ctx, first); err != nil {
		t.Fatalf("onTick: %v", err)
	}
	if err := a.onTick(ctx, second); err != nil {
		t.Fatalf("onTick: %v", err)
	}

	select {
	case got := <-a.queue:
		if got.Mid != second.Mid {
			t.Fatalf("queued tick mid = %v, want the newest %v", got.Mid, second.Mid)
		}
	default:
		t.Fatal("queue is empty")
	}
	select {
	case <-a.queue:
		t.Fatal("queue should hold a single tick")
	default:
	}
}

func TestOnTickFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := newTestAlgo(t, config.AlgoConfig{Symbols: []string{"msft"}}, &fakePlacer{})

	// Featureless ticks and symbols outside the active set are dropped
	// before they reach the queue.
	if err := a.onTick(ctx, types.Tick{Symbol: "MSFT", TS: time.Now()}); err != nil {
		t.Fatalf("onTick: %v", err)
	}
	if err := a.onTick(ctx, types.Tick{Symbol: "AAPL", TS: time.Now(), Features: []float64{1}}); err != nil {
		t.Fatalf("onTick: %v", err)
	}
	select {
	case tick := <-a.queue:
		t.Fatalf("unexpected queued tick %+v", tick)
	default:
	}

	if err := a.onTick(ctx, 42); err == nil {
		t.Fatal("unexpected payload type should error")
	}
}
