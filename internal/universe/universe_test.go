package universe

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/store"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeModel(t *testing.T, dir, symbol string) {
	t.Helper()
	data, err := json.Marshal(map[string]string{"symbol": symbol})
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	path := filepath.Join(dir, symbol+"_metadata.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
}

type testHarness struct {
	u         *Universe
	st        *store.StateFile
	modelsDir string
	published *[]types.UniverseSummary
}

func newTestUniverse(t *testing.T, maxSymbols, churnMinutes int) testHarness {
	t.Helper()
	logger := testLogger()
	b := bus.New(logger)

	root := t.TempDir()
	modelsDir := filepath.Join(root, "models")
	st, err := store.Open(filepath.Join(root, "universe-state.json"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}

	u := New(config.UniverseConfig{
		MaxSymbols:   maxSymbols,
		ChurnMinutes: churnMinutes,
		ModelsDir:    modelsDir,
		StateFile:    st.Path(),
	}, b, st, logger)

	published := &[]types.UniverseSummary{}
	b.Subscribe(types.TopicActiveSymbols, func(ctx context.Context, payload any) error {
		*published = append(*published, payload.(types.UniverseSummary))
		return nil
	})
	return testHarness{u: u, st: st, modelsDir: modelsDir, published: published}
}

func screenerTop(ts time.Time, symbols ...string) types.ScreenerSummary {
	entries := make([]types.ScreenerEntry, 0, len(symbols))
	for i, sym := range symbols {
		entries = append(entries, types.ScreenerEntry{
			Symbol:       sym,
			DollarVolume: float64(1000 - i),
			TotalTrades:  10,
			AvgSpreadBp:  2,
			LastSeen:     ts,
		})
	}
	return types.ScreenerSummary{TS: ts, NextRefreshTS: ts.Add(5 * time.Minute), TodayTop: entries}
}

func activeNames(s types.UniverseSummary) []string {
	out := make([]string, 0, len(s.ActiveSymbols))
	for _, a := range s.ActiveSymbols {
		out = append(out, a.Symbol)
	}
	return out
}

func TestFirstScreenerSeedsActiveSet(t *testing.T) {
	t.Parallel()

	h := newTestUniverse(t, 10, 15)
	ctx := context.Background()
	if err := os.MkdirAll(h.modelsDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}
	writeModel(t, h.modelsDir, "AAPL")
	writeModel(t, h.modelsDir, "MSFT")

	now := time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)
	h.u.rebalance(ctx, screenerTop(now, "AAPL", "NVDA", "MSFT"), now)

	if len(*h.published) != 1 {
		t.Fatalf("published %d summaries, want 1", len(*h.published))
	}
	summary := (*h.published)[0]

	if got := activeNames(summary); len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Fatalf("active = %v, want [AAPL MSFT] in rank order", got)
	}
	for _, a := range summary.ActiveSymbols {
		if a.Status != statusAdded || !a.Traded {
			t.Fatalf("seeded entry = %+v, want traded with status added", a)
		}
	}
	if len(summary.MissingModels) != 1 || summary.MissingModels[0] != "NVDA" {
		t.Fatalf("missing models = %v, want [NVDA]", summary.MissingModels)
	}
	if summary.ReadyCount != 2 || summary.ModelsRequired != 3 {
		t.Fatalf("readyCount=%d modelsRequired=%d, want 2 and 3", summary.ReadyCount, summary.ModelsRequired)
	}
	if want := now.Add(15 * time.Minute); !summary.NextChurnTS.Equal(want) {
		t.Fatalf("nextChurnTs = %s, want %s", summary.NextChurnTS, want)
	}
	if !summary.LastScreenerTS.Equal(now) {
		t.Fatalf("lastScreenerTs = %s, want %s", summary.LastScreenerTS, now)
	}

	var nvda *types.IntersectionEntry
	for i := range summary.Intersection {
		if summary.Intersection[i].Symbol == "NVDA" {
			nvda = &summary.Intersection[i]
		}
	}
	if nvda == nil || nvda.Ready || nvda.Reason != reasonNoReadyModel {
		t.Fatalf("NVDA intersection = %+v, want not ready with NO_READY_MODEL", nvda)
	}

	state, err := h.st.Read()
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	for _, key := range []string{"activeSymbols", "readyModels", "nextChurnTs"} {
		if _, ok := state[key]; !ok {
			t.Fatalf("state file missing %q", key)
		}
	}
}

func TestChurnGuardFreezesComposition(t *testing.T) {
	t.Parallel()

	h := newTestUniverse(t, 10, 15)
	ctx := context.Background()
	if err := os.MkdirAll(h.modelsDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}
	for _, sym := range []string{"AAPL", "MSFT", "TSLA"} {
		writeModel(t, h.modelsDir, sym)
	}

	now := time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)
	h.u.rebalance(ctx, screenerTop(now, "AAPL", "MSFT"), now)

	// One minute later TSLA outranks everyone, but the churn window has
	// not elapsed.
	later := now.Add(time.Minute)
	h.u.rebalance(ctx, screenerTop(later, "TSLA", "AAPL"), later)

	summary := (*h.published)[1]
	if got := activeNames(summary); len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Fatalf("active = %v, want composition frozen at [AAPL MSFT]", got)
	}
	for _, a := range summary.ActiveSymbols {
		if a.Status != statusKept {
			t.Fatalf("entry = %+v, want status kept", a)
		}
	}

	var tsla *types.IntersectionEntry
	for i := range summary.Intersection {
		if summary.Intersection[i].Symbol == "TSLA" {
			tsla = &summary.Intersection[i]
		}
	}
	if tsla == nil || !tsla.Ready || tsla.Reason != reasonChurnGuard {
		t.Fatalf("TSLA intersection = %+v, want ready with CHURN_GUARD", tsla)
	}
}

func TestChurnSwapsAfterWindow(t *testing.T) {
	t.Parallel()

	h := newTestUniverse(t, 10, 15)
	ctx := context.Background()
	if err := os.MkdirAll(h.modelsDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}
	for _, sym := range []string{"AAPL", "MSFT", "TSLA"} {
		writeModel(t, h.modelsDir, sym)
	}

	now := time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)
	h.u.rebalance(ctx, screenerTop(now, "AAPL", "MSFT"), now)

	after := now.Add(16 * time.Minute)
	h.u.rebalance(ctx, screenerTop(after, "TSLA", "AAPL"), after)

	summary := (*h.published)[1]
	if got := activeNames(summary); len(got) != 2 || got[0] != "AAPL" || got[1] != "TSLA" {
		t.Fatalf("active = %v, want [AAPL TSLA]", got)
	}
	statuses := map[string]string{}
	for _, a := range summary.ActiveSymbols {
		statuses[a.Symbol] = a.Status
	}
	if statuses["AAPL"] != statusKept || statuses["TSLA"] != statusAdded {
		t.Fatalf("statuses = %v, want AAPL kept, TSLA added", statuses)
	}
	if len(summary.RetiredSymbols) != 1 || summary.RetiredSymbols[0].Symbol != "MSFT" ||
		summary.RetiredSymbols[0].Status != statusRetired {
		t.Fatalf("retired = %+v, want MSFT retired", summary.RetiredSymbols)
	}
	// The swap restarts the churn window.
	if want := after.Add(15 * time.Minute); !summary.NextChurnTS.Equal(want) {
		t.Fatalf("nextChurnTs = %s, want %s", summary.NextChurnTS, want)
	}
}

func TestOpenPositionRetention(t *testing.T) {
	t.Parallel()

	h := newTestUniverse(t, 10, 15)
	ctx := context.Background()
	if err := os.MkdirAll(h.modelsDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}
	writeModel(t, h.modelsDir, "CCC")
	writeModel(t, h.modelsDir, "DDD")

	now := time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)
	h.u.rebalance(ctx, screenerTop(now, "CCC"), now)

	if err := h.u.onPosition(ctx, types.Position{Symbol: "CCC", Qty: 10, AvgPx: 50}); err != nil {
		t.Fatalf("onPosition: %v", err)
	}

	// CCC falls out of the ranking but still has exposure.
	second := now.Add(16 * time.Minute)
	h.u.rebalance(ctx, screenerTop(second, "DDD"), second)

	summary := (*h.published)[1]
	if got := activeNames(summary); len(got) != 2 || got[0] != "CCC" || got[1] != "DDD" {
		t.Fatalf("active = %v, want [CCC DDD]", got)
	}
	var ccc types.ActiveSymbol
	for _, a := range summary.ActiveSymbols {
		if a.Symbol == "CCC" {
			ccc = a
		}
	}
	if ccc.Traded || ccc.Reason != reasonOpenPosition || ccc.Status != statusRetained {
		t.Fatalf("CCC entry = %+v, want retained OPEN_POSITION traded=false", ccc)
	}
	if len(summary.RetiredSymbols) != 0 {
		t.Fatalf("retired = %+v, want none while the position is open", summary.RetiredSymbols)
	}

	// Once flat, the next window drops it and reports the retirement.
	if err := h.u.onPosition(ctx, types.Position{Symbol: "CCC", Qty: 0}); err != nil {
		t.Fatalf("onPosition: %v", err)
	}
	third := second.Add(16 * time.Minute)
	h.u.rebalance(ctx, screenerTop(third, "DDD"), third)

	summary = (*h.published)[2]
	if got := activeNames(summary); len(got) != 1 || got[0] != "DDD" {
		t.Fatalf("active = %v, want [DDD]", got)
	}
	if len(summary.RetiredSymbols) != 1 || summary.RetiredSymbols[0].Symbol != "CCC" {
		t.Fatalf("retired = %+v, want [CCC]", summary.RetiredSymbols)
	}
}

func TestMaxSymbolsCapsActiveSet(t *testing.T) {
	t.Parallel()

	h := newTestUniverse(t, 2, 15)
	ctx := context.Background()
	if err := os.MkdirAll(h.modelsDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}
	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		writeModel(t, h.modelsDir, sym)
	}

	now := time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)
	h.u.rebalance(ctx, screenerTop(now, "AAA", "BBB", "CCC"), now)

	if got := h.u.Active(); len(got) != 2 || got[0] != "AAA" || got[1] != "BBB" {
		t.Fatalf("active = %v, want the top two by rank", got)
	}
}

func TestDiscoverReadyModels(t *testing.T) {
	t.Parallel()

	h := newTestUniverse(t, 10, 15)
	if err := os.MkdirAll(h.modelsDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}

	// Lowercase symbols are normalized, junk files are skipped.
	data, _ := json.Marshal(map[string]string{"symbol": "aapl"})
	if err := os.WriteFile(filepath.Join(h.modelsDir, "aapl_metadata.json"), data, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.modelsDir, "bad_metadata.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.modelsDir, "empty_metadata.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.modelsDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	ready := h.u.discoverReadyModels()
	if len(ready) != 1 || !ready["AAPL"] {
		t.Fatalf("ready = %v, want only AAPL", ready)
	}
}

func TestSummaryAccessor(t *testing.T) {
	t.Parallel()

	h := newTestUniverse(t, 10, 15)
	if _, ok := h.u.Summary(); ok {
		t.Fatal("summary should be absent before the first refresh")
	}

	now := time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)
	h.u.rebalance(context.Background(), screenerTop(now), now)

	if _, ok := h.u.Summary(); !ok {
		t.Fatal("summary should be available after a refresh")
	}
}
