// Package blotter turns raw gateway book updates into the normalized
// bus events every downstream consumer runs on.
//
// Per update with a valid top of book it computes the microstructure
// feature vector, standardizes it per symbol, and publishes three
// events back to back: "ticks" (summary plus features), "ticks.book"
// (top-5 depth), and "ticks.trades" when a last print is attached.
// It also owns the subscription set: a JSON symbols file is polled for
// changes and diffed into gateway subscribe/unsubscribe calls, and an
// optional CSV recorder captures every tick for offline training.
package blotter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/features"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/feed"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/metrics"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// Blotter owns the feed connection, the feature pipeline, and the
// symbol subscription set.
type Blotter struct {
	cfg     config.BlotterConfig
	feedCfg config.FeedConfig
	bus     *bus.Bus
	std     *features.Standardizer
	rec     *recorder

	mu        sync.Mutex
	symbols   []feed.SymbolSpec
	lastMtime time.Time

	logger *slog.Logger
}

// New builds a blotter. The symbols file, when configured, is read once
// here so the initial subscription reflects it; later changes are
// picked up by the poll loop in Run.
func New(cfg config.BlotterConfig, feedCfg config.FeedConfig, b *bus.Bus, logger *slog.Logger) (*Blotter, error) {
	bl := &Blotter{
		cfg:     cfg,
		feedCfg: feedCfg,
		bus:     b,
		std:     features.NewStandardizer(cfg.FeatureWindow),
		logger:  logger.With("component", "blotter"),
	}

	for _, sym := range cfg.Symbols {
		spec := feed.SymbolSpec{Symbol: sym}.WithDefaults()
		if spec.Symbol != "" {
			bl.symbols = append(bl.symbols, spec)
		}
	}

	if cfg.RecordPath != "" {
		rec, err := newRecorder(cfg.RecordPath, bl.logger)
		if err != nil {
			return nil, err
		}
		bl.rec = rec
	}

	if cfg.SymbolsFile != "" {
		if specs := bl.loadSymbolFile(); specs != nil {
			bl.symbols = specs
		}
		if info, err := os.Stat(cfg.SymbolsFile); err == nil {
			bl.lastMtime = info.ModTime()
		}
	}

	return bl, nil
}

// Run connects to the gateway and processes updates until ctx is
// cancelled or the feed dies. A dead feed is fatal: the returned error
// is the signal for the process to exit.
func (bl *Blotter) Run(ctx context.Context) error {
	client, err := feed.Dial(ctx, bl.feedCfg, bl.logger)
	if err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	defer client.Close()

	client.UpdateSymbols(ctx, bl.currentSymbols())

	if bl.rec != nil {
		go bl.rec.run(ctx)
	}
	if bl.cfg.SymbolsFile != "" {
		go bl.watchSymbols(ctx, client)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-client.Err():
			return fmt.Errorf("feed: %w", err)
		case upd := <-client.Updates():
			bl.processUpdate(ctx, upd)
		}
	}
}

func (bl *Blotter) currentSymbols() []feed.SymbolSpec {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	out := make([]feed.SymbolSpec, len(bl.symbols))
	copy(out, bl.symbols)
	return out
}

// processUpdate computes features and publishes the tick, book, and
// trade events for one gateway update. Updates without a two-sided
// top of book are dropped.
func (bl *Blotter) processUpdate(ctx context.Context, upd feed.BookUpdate) {
	if upd.Bid <= 0 || upd.Ask <= 0 {
		return
	}

	mid := features.Mid(upd.Bid, upd.Ask)
	spread := features.SpreadBp(upd.Bid, upd.Ask)

	bids := cleanLevels(upd.Bids)
	asks := cleanLevels(upd.Asks)
	// Without depth, the top of book stands in as a single level.
	if len(bids) == 0 {
		bids = []types.PriceLevel{{Px: upd.Bid, Sz: upd.BidSize}}
	}
	if len(asks) == 0 {
		asks = []types.PriceLevel{{Px: upd.Ask, Sz: upd.AskSize}}
	}

	imb := features.OrderFlowImbalance(bids, asks)
	micro := features.Microprice(bids, asks)
	vol := features.RollingVolatility([]float64{mid, micro})
	raw := []float64{mid, spread, imb, micro, vol}
	feats := bl.std.Transform(upd.Symbol, raw)
	bl.logger.Debug("features computed",
		"symbol", upd.Symbol,
		"raw", raw,
		"standardized", feats,
	)

	now := time.Now().UTC()
	tick := types.Tick{
		Symbol:   upd.Symbol,
		TS:       now,
		Mid:      mid,
		SpreadBp: spread,
		Imb:      imb,
		Depth:    append(topLevels(bids, 3), topLevels(asks, 3)...),
		Trades:   tradeList(upd, mid),
		Features: feats,
		Volume:   upd.Volume,
	}
	bl.bus.Publish(ctx, types.TopicTicks, tick)
	metrics.IncTick(upd.Symbol)
	if bl.rec != nil {
		bl.rec.enqueue(tick)
	}

	bl.bus.Publish(ctx, types.TopicBook, types.BookSnapshot{
		Symbol: upd.Symbol,
		TS:     now,
		Bids:   topLevels(upd.Bids, 5),
		Asks:   topLevels(upd.Asks, 5),
	})

	if tp, ok := tradePrint(upd, mid, now); ok {
		bl.bus.Publish(ctx, types.TopicTrades, tp)
	}
}

// cleanLevels drops levels with a zero price or size.
func cleanLevels(levels []types.PriceLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Px != 0 && l.Sz != 0 {
			out = append(out, l)
		}
	}
	return out
}

func topLevels(levels []types.PriceLevel, n int) []types.PriceLevel {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

func tradeList(upd feed.BookUpdate, mid float64) []types.Trade {
	if upd.Last == nil || upd.LastSize == nil {
		return nil
	}
	side := types.SELL
	if *upd.Last >= mid {
		side = types.BUY
	}
	return []types.Trade{{Px: *upd.Last, Size: *upd.LastSize, Side: side}}
}

func tradePrint(upd feed.BookUpdate, mid float64, ts time.Time) (types.TradePrint, bool) {
	if upd.Last == nil || upd.LastSize == nil {
		return types.TradePrint{}, false
	}
	aggressor := types.SELL
	if *upd.Last >= mid {
		aggressor = types.BUY
	}
	return types.TradePrint{
		Symbol:    upd.Symbol,
		TS:        ts,
		Price:     *upd.Last,
		Size:      *upd.LastSize,
		Aggressor: aggressor,
	}, true
}

func symbolNames(specs []feed.SymbolSpec) string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Symbol
	}
	return strings.Join(names, ",")
}
