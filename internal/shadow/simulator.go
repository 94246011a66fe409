// Package shadow simulates queue-aware limit-order fills alongside the
// paper broker. Every accepted limit order is mirrored here with the
// displayed size at its price counted as queue ahead; trade prints then
// work that queue off, and an order only fills once enough opposite-side
// volume has printed at its price to chew through the queue, after a
// configurable latency. Shadow fills are published on their own topic
// and never touch positions: they exist to compare idealized paper fills
// against what a real resting order would have gotten.
package shadow

import (
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// priceTolerance forgives float drift when matching book levels to
// order prices.
const priceTolerance = 1e-9

// Order is a resting shadow order.
type Order struct {
	OrderID  string
	Side     types.Side
	Price    float64
	Qty      float64
	PlacedAt time.Time
}

// SimFill is an unsigned fill produced by the simulator. The service
// layer signs the quantity and attaches symbol and timestamp.
type SimFill struct {
	OrderID string
	Side    types.Side
	Price   float64
	Qty     float64
}

// Simulator holds the book mirror and per-price queue accounting. It is
// not safe for concurrent use; the service serializes access.
type Simulator struct {
	latency    time.Duration
	orders     []*Order // insertion order, so simultaneous fills are deterministic
	queueAhead map[types.Side]map[float64]float64
	execSince  map[types.Side]map[float64]float64
	bids       []types.PriceLevel
	asks       []types.PriceLevel
}

func NewSimulator(latency time.Duration) *Simulator {
	return &Simulator{
		latency: latency,
		queueAhead: map[types.Side]map[float64]float64{
			types.BUY:  {},
			types.SELL: {},
		},
		execSince: map[types.Side]map[float64]float64{
			types.BUY:  {},
			types.SELL: {},
		},
	}
}

// OnBook replaces the book mirror with the latest snapshot.
func (s *Simulator) OnBook(bids, asks []types.PriceLevel) {
	s.bids = bids
	s.asks = asks
}

// OnTrade credits the printed size to resting orders on the side the
// aggressor hit: a SELL aggressor consumes bids, so BUY orders at that
// price see the volume.
func (s *Simulator) OnTrade(px, size float64, aggressor types.Side) {
	s.execSince[aggressor.Opposite()][px] += size
}

// PlaceLimit starts tracking an order. The size currently displayed at
// its price is assumed to be queued ahead of it.
func (s *Simulator) PlaceLimit(o Order) {
	s.queueAhead[o.Side][o.Price] += s.displayedSize(o.Side, o.Price)
	s.orders = append(s.orders, &o)
}

// Cancel drops a resting order. Reports whether it was found.
func (s *Simulator) Cancel(orderID string) bool {
	for i, o := range s.orders {
		if o.OrderID == orderID {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
			return true
		}
	}
	return false
}

// TryFills scans resting orders and fills any whose queue has been
// worked off. Orders younger than the simulated latency are skipped;
// filled orders are removed even when the available volume covered only
// part of their quantity.
func (s *Simulator) TryFills(now time.Time) []SimFill {
	var fills []SimFill
	remaining := s.orders[:0]

	for _, o := range s.orders {
		if now.Sub(o.PlacedAt) < s.latency {
			remaining = append(remaining, o)
			continue
		}

		executed := s.execSince[o.Side][o.Price]
		ahead := s.queueAhead[o.Side][o.Price]
		available := executed - ahead
		if available <= 0 {
			remaining = append(remaining, o)
			continue
		}

		qty := min(available, o.Qty)
		if qty <= 0 {
			remaining = append(remaining, o)
			continue
		}

		fills = append(fills, SimFill{
			OrderID: o.OrderID,
			Side:    o.Side,
			Price:   o.Price,
			Qty:     qty,
		})
	}

	s.orders = remaining
	return fills
}

// OpenOrders reports how many shadow orders are resting.
func (s *Simulator) OpenOrders() int {
	return len(s.orders)
}

// displayedSize returns the size shown at price on the order's own side
// of the book (bids for BUY, asks for SELL).
func (s *Simulator) displayedSize(side types.Side, price float64) float64 {
	levels := s.bids
	if side == types.SELL {
		levels = s.asks
	}
	for _, l := range levels {
		diff := l.Px - price
		if diff < 0 {
			diff = -diff
		}
		if diff < priceTolerance {
			return l.Sz
		}
	}
	return 0
}
