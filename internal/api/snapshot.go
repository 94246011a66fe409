package api

import (
	"sort"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/broker"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// BrokerSource exposes the paper broker state the snapshot reads.
type BrokerSource interface {
	Ledger() *broker.Ledger
	Enabled() bool
}

// ShadowSource reports the shadow simulator's resting order count.
type ShadowSource interface {
	OpenOrders() int
}

// ScreenerSource exposes the current liquidity ranking.
type ScreenerSource interface {
	Top() []types.ScreenerEntry
}

// UniverseSource exposes the tradeable set and the last rebalance.
type UniverseSource interface {
	Active() []string
	Summary() (types.UniverseSummary, bool)
}

// Providers aggregates the components the ops endpoints read from.
// Nil members are skipped so the server works with a partial pipeline.
type Providers struct {
	Broker   BrokerSource
	Shadow   ShadowSource
	Screener ScreenerSource
	Universe UniverseSource
}

// Snapshot is the /api/snapshot payload.
type Snapshot struct {
	TS               time.Time              `json:"ts"`
	TradingEnabled   bool                   `json:"tradingEnabled"`
	Positions        []PositionStatus       `json:"positions"`
	TotalRealizedPnL float64                `json:"totalRealizedPnl"`
	OpenShadowOrders int                    `json:"openShadowOrders"`
	ActiveSymbols    []string               `json:"activeSymbols"`
	ScreenerTop      []types.ScreenerEntry  `json:"screenerTop"`
	Universe         *types.UniverseSummary `json:"universe,omitempty"`
}

// PositionStatus is one row of the positions table.
type PositionStatus struct {
	Symbol      string  `json:"symbol"`
	Qty         float64 `json:"qty"`
	AvgPx       float64 `json:"avgPx"`
	RealizedPnL float64 `json:"realizedPnl"`
}

// BuildSnapshot aggregates component state into one dashboard payload.
func BuildSnapshot(p Providers) Snapshot {
	snap := Snapshot{
		TS:            time.Now().UTC(),
		Positions:     []PositionStatus{},
		ActiveSymbols: []string{},
		ScreenerTop:   []types.ScreenerEntry{},
	}

	if p.Broker != nil {
		snap.TradingEnabled = p.Broker.Enabled()
		ledger := p.Broker.Ledger()
		pnl := ledger.PnLBySymbol()
		seen := make(map[string]bool)
		for _, pos := range ledger.Positions() {
			seen[pos.Symbol] = true
			snap.Positions = append(snap.Positions, PositionStatus{
				Symbol:      pos.Symbol,
				Qty:         pos.Qty,
				AvgPx:       pos.AvgPx,
				RealizedPnL: pnl[pos.Symbol],
			})
		}
		// Flattened symbols keep their realized PnL even after the
		// position row is gone.
		for symbol, realized := range pnl {
			snap.TotalRealizedPnL += realized
			if !seen[symbol] {
				snap.Positions = append(snap.Positions, PositionStatus{Symbol: symbol, RealizedPnL: realized})
			}
		}
		sort.Slice(snap.Positions, func(i, j int) bool {
			return snap.Positions[i].Symbol < snap.Positions[j].Symbol
		})
	}

	if p.Shadow != nil {
		snap.OpenShadowOrders = p.Shadow.OpenOrders()
	}
	if p.Screener != nil {
		snap.ScreenerTop = p.Screener.Top()
	}
	if p.Universe != nil {
		snap.ActiveSymbols = p.Universe.Active()
		if summary, ok := p.Universe.Summary(); ok {
			snap.Universe = &summary
		}
	}
	return snap
}
