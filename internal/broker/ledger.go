package broker

import (
	"sort"
	"sync"

	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// Ledger tracks per-symbol positions and realized PnL. Thread-safe via
// RWMutex: the broker consumer writes fills while the ops snapshot
// endpoint reads.
//
// Average price follows the standard inventory rules: same-direction
// fills blend the average, reducing fills realize PnL against it and
// leave it unchanged, a reversal re-bases the average at the fill
// price, and a flat position always has average price zero.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]types.Position
	pnl       map[string]float64
}

func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[string]types.Position),
		pnl:       make(map[string]float64),
	}
}

// ApplyFill folds a fill into the symbol's position and returns the
// realized PnL of this fill plus the updated position.
func (l *Ledger) ApplyFill(fill types.Fill) (float64, types.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.positions[fill.Symbol]
	pos.Symbol = fill.Symbol

	qtyBefore := pos.Qty
	qtyAfter := qtyBefore + fill.Qty
	realized := 0.0

	switch {
	case qtyBefore == 0:
		// Opening from flat.
		if qtyAfter != 0 {
			pos.AvgPx = fill.Px
		}

	case qtyBefore > 0 && fill.Qty < 0:
		// Selling into a long: realize on the closed portion.
		closing := min(qtyBefore, -fill.Qty)
		realized = (fill.Px - pos.AvgPx) * closing
		if qtyAfter < 0 {
			pos.AvgPx = fill.Px // flipped short, new basis
		} else if qtyAfter == 0 {
			pos.AvgPx = 0
		}

	case qtyBefore < 0 && fill.Qty > 0:
		// Buying into a short: mirror of the long case.
		closing := min(-qtyBefore, fill.Qty)
		realized = (pos.AvgPx - fill.Px) * closing
		if qtyAfter > 0 {
			pos.AvgPx = fill.Px
		} else if qtyAfter == 0 {
			pos.AvgPx = 0
		}

	default:
		// Adding in the same direction: blend the average.
		total := abs(qtyBefore) + abs(fill.Qty)
		if total > 0 {
			pos.AvgPx = (pos.AvgPx*abs(qtyBefore) + fill.Px*abs(fill.Qty)) / total
		} else {
			pos.AvgPx = 0
		}
	}

	pos.Qty = qtyAfter
	if pos.Qty == 0 {
		pos.AvgPx = 0
	}

	l.positions[fill.Symbol] = pos
	l.pnl[fill.Symbol] += realized
	return realized, pos
}

// Position returns the current position for a symbol. Unknown symbols
// are flat.
func (l *Ledger) Position(symbol string) types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return types.Position{Symbol: symbol}
	}
	return pos
}

// Positions returns all tracked positions, sorted by symbol.
func (l *Ledger) Positions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// RealizedPnL returns the cumulative realized PnL for a symbol.
func (l *Ledger) RealizedPnL(symbol string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pnl[symbol]
}

// PnLBySymbol returns a copy of the realized PnL map.
func (l *Ledger) PnLBySymbol() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.pnl))
	for sym, v := range l.pnl {
		out[sym] = v
	}
	return out
}
