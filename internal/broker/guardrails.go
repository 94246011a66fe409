// Package broker implements the paper broker: a single-consumer order
// queue that evaluates guardrails, synthesizes immediate fills, tracks
// positions and realized PnL, and publishes every transition on the bus.
//
// Guardrails are evaluated in a fixed order so a multiply-offending
// order is always attributed to the same rule:
//
//	SPREAD   last seen spread above the per-symbol limit
//	POS      |position after this fill| would exceed the cap
//	COOLDOWN too soon after the symbol's last position flip
//	LATENCY  last fill round-trip exceeded the limit
//	DD       intraday realized PnL below the drawdown floor
//
// The KILL rule is separate: it fires before evaluation whenever trading
// is disabled in settings.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// Guardrail rule identifiers, used as block reasons on the bus and as
// metric labels.
const (
	RuleSpread   = "SPREAD"
	RulePos      = "POS"
	RuleCooldown = "COOLDOWN"
	RuleLatency  = "LATENCY"
	RuleDD       = "DD"
	RuleKill     = "KILL"
)

// GuardrailState is the per-symbol risk state the rules evaluate against.
// It is updated by the broker after every fill and on every tick.
type GuardrailState struct {
	Pos          float64   // current signed position
	LastFlip     time.Time // zero until the first flip
	IntradayPnL  float64   // cumulative realized PnL for the session
	LastSpreadBp float64   // most recent observed spread
	HasSpread    bool      // false until the first tick arrives
	LatencyMs    float64   // last fill round-trip in milliseconds
}

// Guardrails evaluates orders against per-symbol risk state. Safe for
// concurrent use: the tick handler updates spreads while the order
// consumer evaluates and updates fills.
type Guardrails struct {
	cfg config.GuardrailConfig

	mu     sync.Mutex
	states map[string]*GuardrailState
}

func NewGuardrails(cfg config.GuardrailConfig) *Guardrails {
	return &Guardrails{
		cfg:    cfg,
		states: make(map[string]*GuardrailState),
	}
}

// Evaluate returns the first rule the order violates, or "" when the
// order passes.
func (g *Guardrails) Evaluate(symbol string, order types.OrderRequest) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(symbol)

	if st.HasSpread && st.LastSpreadBp > g.cfg.MaxSpreadBp {
		return RuleSpread
	}

	after := st.Pos + order.SignedQty()
	if abs(after) > g.cfg.MaxPosPerSymbol {
		return RulePos
	}

	if !st.LastFlip.IsZero() && time.Since(st.LastFlip) < g.cfg.Cooldown() {
		return RuleCooldown
	}

	if st.LatencyMs > g.cfg.MaxLatencyMs {
		return RuleLatency
	}

	if st.IntradayPnL < -g.cfg.MaxDrawdownUSD {
		return RuleDD
	}

	return ""
}

// Reason renders the operator-facing message for a blocked rule using
// the symbol's current state.
func (g *Guardrails) Reason(rule, symbol string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(symbol)

	switch rule {
	case RuleSpread:
		if st.HasSpread {
			return fmt.Sprintf("Spread %.2fbp exceeds limit", st.LastSpreadBp)
		}
		return "Spread exceeds limit"
	case RulePos:
		return fmt.Sprintf("Position limit hit (current %g)", st.Pos)
	case RuleCooldown:
		return "Cooldown in effect"
	case RuleLatency:
		return "Latency above limit"
	case RuleDD:
		return "Drawdown limit breached"
	case RuleKill:
		return "Trading disabled"
	default:
		return "Blocked by " + rule
	}
}

// UpdateSpread records the latest observed spread for a symbol.
func (g *Guardrails) UpdateSpread(symbol string, spreadBp float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(symbol)
	st.LastSpreadBp = spreadBp
	st.HasSpread = true
}

// UpdatePosition records the post-fill position. Entering, exiting, or
// reversing a position counts as a flip and restarts the cooldown.
func (g *Guardrails) UpdatePosition(symbol string, qty float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(symbol)

	prev := st.Pos
	st.Pos = qty
	if prev == 0 || qty == 0 || (prev > 0) != (qty > 0) {
		st.LastFlip = time.Now()
	}
}

// UpdateLatency records the last fill round-trip.
func (g *Guardrails) UpdateLatency(symbol string, latencyMs float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stateLocked(symbol).LatencyMs = latencyMs
}

// UpdatePnL records the symbol's cumulative realized PnL.
func (g *Guardrails) UpdatePnL(symbol string, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stateLocked(symbol).IntradayPnL = pnl
}

// StateFor returns a copy of the symbol's risk state.
func (g *Guardrails) StateFor(symbol string) GuardrailState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.stateLocked(symbol)
}

// Config returns the configured limits.
func (g *Guardrails) Config() config.GuardrailConfig {
	return g.cfg
}

func (g *Guardrails) stateLocked(symbol string) *GuardrailState {
	st, ok := g.states[symbol]
	if !ok {
		st = &GuardrailState{}
		g.states[symbol] = st
	}
	return st
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
