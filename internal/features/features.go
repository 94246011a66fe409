// Package features computes the per-tick microstructure features the
// pipeline feeds to the model: mid, spread in basis points, order-flow
// imbalance, microprice, and rolling volatility, plus the rolling
// z-score standardizer applied before publication.
package features

import (
	"math"

	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// Mid is the midpoint of the best bid and ask.
func Mid(bid, ask float64) float64 {
	return (bid + ask) / 2
}

// SpreadBp is the bid-ask spread expressed in basis points of the mid.
// Returns 0 when the mid is zero.
func SpreadBp(bid, ask float64) float64 {
	mid := Mid(bid, ask)
	if mid == 0 {
		return 0
	}
	return (ask - bid) / mid * 10000
}

// OrderFlowImbalance is the normalized size imbalance across the given
// depth levels: (Σ bid sizes − Σ ask sizes) / total. Returns 0 when the
// book is empty.
func OrderFlowImbalance(bids, asks []types.PriceLevel) float64 {
	var bidSz, askSz float64
	for _, l := range bids {
		bidSz += l.Sz
	}
	for _, l := range asks {
		askSz += l.Sz
	}
	total := bidSz + askSz
	if total == 0 {
		return 0
	}
	return (bidSz - askSz) / total
}

// Microprice is the size-weighted midpoint of the best level: ask size
// pulls the price toward the bid and vice versa. Falls back to the plain
// mid when both sizes are zero, and to 0 when either side is absent.
func Microprice(bids, asks []types.PriceLevel) float64 {
	if len(bids) == 0 || len(asks) == 0 {
		return 0
	}
	bid, ask := bids[0], asks[0]
	total := bid.Sz + ask.Sz
	if total == 0 {
		return Mid(bid.Px, ask.Px)
	}
	return (ask.Px*bid.Sz + bid.Px*ask.Sz) / total
}

// RollingVolatility is the sample standard deviation of the price
// series. Returns 0 for fewer than two samples.
func RollingVolatility(prices []float64) float64 {
	n := len(prices)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(n)
	var ss float64
	for _, p := range prices {
		d := p - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}
