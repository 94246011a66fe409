package algo

import (
	"sync"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// probMargin is how far apart the up and down probabilities must be
// before the policy takes a direction.
const probMargin = 0.05

// Policy maps model probabilities to an optional order. Probs are
// ordered [down, flat, up].
//
// In force-trade mode the model is ignored entirely and market orders
// of BaseQty are emitted, alternating sides when configured, so the
// whole pipeline can be smoke-tested without a trained model.
type Policy struct {
	cfg config.PolicyConfig

	mu       sync.Mutex
	lastSide types.Side
}

func NewPolicy(cfg config.PolicyConfig) *Policy {
	// Seeding with SELL makes the first alternating order a BUY.
	return &Policy{cfg: cfg, lastSide: types.SELL}
}

// Decide returns the order to submit, or nil when no action is
// warranted.
func (p *Policy) Decide(symbol string, probs []float64, confidence float64) *types.OrderRequest {
	if p.cfg.ForceTrade {
		p.mu.Lock()
		side := types.SELL
		if p.cfg.Alternate && p.lastSide == types.SELL {
			side = types.BUY
		}
		p.lastSide = side
		p.mu.Unlock()
		return &types.OrderRequest{Side: side, Qty: p.cfg.BaseQty, Type: types.OrderTypeMKT}
	}

	if confidence < p.cfg.MinConfidence {
		return nil
	}

	var up, down float64
	if len(probs) > 2 {
		up = probs[2]
	}
	if len(probs) > 0 {
		down = probs[0]
	}
	switch {
	case up-down > probMargin:
		return &types.OrderRequest{Side: types.BUY, Qty: p.cfg.BaseQty, Type: types.OrderTypeMKT}
	case down-up > probMargin:
		return &types.OrderRequest{Side: types.SELL, Qty: p.cfg.BaseQty, Type: types.OrderTypeMKT}
	}
	return nil
}
