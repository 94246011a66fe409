// Package screener ranks symbols by intraday dollar volume.
//
// Every tick feeds a per-symbol session accumulator (dollar volume,
// trade count, average spread). On an adaptive cadence tied to the US
// equity session the screener publishes the top N symbols, which the
// universe selector intersects with the set of trained models. Session
// accumulators reset when the Eastern trading date changes.
package screener

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/store"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// marketTZ drives the session boundary and the refresh cadence. US
// equities trade on Eastern time regardless of where the process runs.
const marketTZ = "America/New_York"

// symbolStats accumulates one symbol's session totals.
type symbolStats struct {
	dollarVolume  decimal.Decimal
	trades        int
	spreadSum     float64
	spreadSamples int
	lastSeen      time.Time
}

func (s *symbolStats) entry(symbol string) types.ScreenerEntry {
	var avg float64
	if s.spreadSamples > 0 {
		avg = s.spreadSum / float64(s.spreadSamples)
	}
	return types.ScreenerEntry{
		Symbol:       symbol,
		DollarVolume: s.dollarVolume.Round(2).InexactFloat64(),
		TotalTrades:  s.trades,
		AvgSpreadBp:  math.Round(avg*1000) / 1000,
		LastSeen:     s.lastSeen,
	}
}

// Screener is the liquidity ranking service.
type Screener struct {
	cfg   config.ScreenerConfig
	bus   *bus.Bus
	state *store.StateFile
	loc   *time.Location

	mu           sync.Mutex
	stats        map[string]*symbolStats
	sessionStart time.Time
	nextRefresh  time.Time

	quit chan struct{}
	done chan struct{}
	subs []*bus.Subscription

	logger *slog.Logger
}

func New(cfg config.ScreenerConfig, b *bus.Bus, state *store.StateFile, logger *slog.Logger) (*Screener, error) {
	loc, err := time.LoadLocation(marketTZ)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", marketTZ, err)
	}
	return &Screener{
		cfg:    cfg,
		bus:    b,
		state:  state,
		loc:    loc,
		stats:  make(map[string]*symbolStats),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With("component", "screener"),
	}, nil
}

// Start subscribes to ticks and launches the refresh loop.
func (s *Screener) Start(ctx context.Context) error {
	s.subs = append(s.subs, s.bus.Subscribe(types.TopicTicks, s.onTick))
	go s.run(ctx)
	s.logger.Info("screener started", "topN", s.cfg.TopN)
	return nil
}

// Stop detaches from the bus and waits for the refresh loop to exit.
func (s *Screener) Stop() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
	close(s.quit)
	<-s.done
}

func (s *Screener) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshDue(ctx, time.Now().UTC())
		}
	}
}

// onTick folds one tick into the session accumulator for its symbol.
func (s *Screener) onTick(ctx context.Context, payload any) error {
	tick, ok := payload.(types.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", payload, types.TopicTicks)
	}
	symbol := strings.ToUpper(tick.Symbol)
	if symbol == "" {
		return nil
	}
	ts := tick.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionStart.IsZero() || !sameSessionDate(s.sessionStart, ts, s.loc) {
		s.resetSessionLocked(ts)
	}

	st, ok := s.stats[symbol]
	if !ok {
		st = &symbolStats{dollarVolume: decimal.Zero}
		s.stats[symbol] = st
	}

	dv := decimal.Zero
	var tradeCount int
	for _, tr := range tick.Trades {
		qty := math.Abs(tr.Size)
		if tr.Px <= 0 || qty <= 0 {
			continue
		}
		dv = dv.Add(decimal.NewFromFloat(tr.Px).Mul(decimal.NewFromFloat(qty)))
		tradeCount++
	}
	// Ticks without prints fall back to mid times reported volume so
	// trade-sparse symbols still rank.
	if dv.IsZero() {
		vol := math.Abs(tick.Volume)
		if tick.Mid > 0 && vol > 0 {
			dv = decimal.NewFromFloat(tick.Mid).Mul(decimal.NewFromFloat(vol))
		}
	}
	st.dollarVolume = st.dollarVolume.Add(dv)
	st.trades += tradeCount
	if tick.SpreadBp > 0 {
		st.spreadSum += tick.SpreadBp
		st.spreadSamples++
	}
	st.lastSeen = ts
	return nil
}

func (s *Screener) resetSessionLocked(ts time.Time) {
	s.logger.Info("resetting screener session", "date", ts.In(s.loc).Format("2006-01-02"))
	s.stats = make(map[string]*symbolStats)
	s.sessionStart = ts
	s.scheduleLocked(ts)
}

// scheduleLocked picks the next refresh time: every 5 minutes until
// 10:30 Eastern, every 15 until noon, hourly after that. Times before
// the open are clamped to 09:30.
func (s *Screener) scheduleLocked(now time.Time) {
	eastern := now.In(s.loc)
	open := time.Date(eastern.Year(), eastern.Month(), eastern.Day(), 9, 30, 0, 0, s.loc)
	if eastern.Before(open) {
		eastern = open
	}
	var interval time.Duration
	switch {
	case beforeClock(eastern, 10, 30):
		interval = 5 * time.Minute
	case beforeClock(eastern, 12, 0):
		interval = 15 * time.Minute
	default:
		interval = time.Hour
	}
	s.nextRefresh = eastern.Add(interval).UTC()
	s.logger.Debug("next screener refresh scheduled", "at", s.nextRefresh)
}

// refreshDue publishes the ranking when the scheduled time has passed.
// Nothing is scheduled until the first tick opens a session.
func (s *Screener) refreshDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if s.nextRefresh.IsZero() || now.Before(s.nextRefresh) {
		s.mu.Unlock()
		return
	}
	summary := s.buildSummaryLocked(now)
	s.mu.Unlock()

	s.bus.Publish(ctx, types.TopicScreenerTop, summary)
	if err := s.state.Merge(map[string]any{
		"lastScreenerTs": summary.TS,
		"nextRefreshTs":  summary.NextRefreshTS,
		"todayTop10":     summary.TodayTop,
	}); err != nil {
		s.logger.Error("failed writing screener state", "error", err)
	}
	s.logger.Info("screener emitted top symbols", "count", len(summary.TodayTop))
}

// buildSummaryLocked schedules the following refresh first so the
// published payload carries the time of the next one.
func (s *Screener) buildSummaryLocked(now time.Time) types.ScreenerSummary {
	s.scheduleLocked(now)
	return types.ScreenerSummary{
		TS:            now,
		NextRefreshTS: s.nextRefresh,
		TodayTop:      s.rankLocked(),
	}
}

// rankLocked returns all session entries ordered by dollar volume,
// truncated to TopN. Entries are pre-sorted by symbol so ties rank
// deterministically.
func (s *Screener) rankLocked() []types.ScreenerEntry {
	symbols := make([]string, 0, len(s.stats))
	for sym := range s.stats {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	entries := make([]types.ScreenerEntry, 0, len(symbols))
	for _, sym := range symbols {
		entries = append(entries, s.stats[sym].entry(sym))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DollarVolume > entries[j].DollarVolume
	})
	if s.cfg.TopN > 0 && len(entries) > s.cfg.TopN {
		entries = entries[:s.cfg.TopN]
	}
	return entries
}

// Top returns the current ranking without waiting for the refresh.
func (s *Screener) Top() []types.ScreenerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rankLocked()
}

func sameSessionDate(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func beforeClock(t time.Time, hour, minute int) bool {
	return t.Hour() < hour || (t.Hour() == hour && t.Minute() < minute)
}
