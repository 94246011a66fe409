package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/metrics"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// Venue tags every paper fill.
const Venue = "SIM"

// Severity carried on guardrail events emitted for blocked orders.
const severityBlock = "block"

// BlockedError is returned by Place when a guardrail rejects the order.
type BlockedError struct {
	Rule    string
	Message string
}

func (e *BlockedError) Error() string {
	if e.Rule == RuleKill {
		return "trading disabled"
	}
	return "order blocked by " + e.Rule
}

var errStopping = errors.New("broker stopping")

type submitResult struct {
	ack types.OrderAck
	err error
}

type submitTask struct {
	symbol      string
	order       types.OrderRequest
	submittedAt time.Time
	resp        chan submitResult
}

// midCache holds the last mid per symbol, written by the tick handler
// and read by the fill path for market-order pricing.
type midCache struct {
	mu   sync.RWMutex
	mids map[string]float64
}

func (c *midCache) set(symbol string, mid float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mids[symbol] = mid
}

// get returns the last mid, or 0 when the symbol has never ticked.
func (c *midCache) get(symbol string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mids[symbol]
}

// Broker is the paper execution venue. Orders flow through a single
// consumer goroutine, so guardrail evaluation, fill synthesis, and the
// resulting bus events are strictly serialized per submission: one
// accepted order always produces exactly one orders, fills, and
// positions event, in that order, before the next order is examined.
type Broker struct {
	cfg        config.BrokerConfig
	logger     *slog.Logger
	bus        *bus.Bus
	guardrails *Guardrails
	ledger     *Ledger
	journal    *Journal
	enabled    bool
	mids       midCache

	tasks chan submitTask
	quit  chan struct{}
	done  chan struct{}

	tickSub *bus.Subscription
}

// New creates a broker. enabled mirrors the tradingEnabled setting; a
// disabled broker rejects every order with the KILL rule.
func New(cfg config.BrokerConfig, grCfg config.GuardrailConfig, enabled bool, b *bus.Bus, logger *slog.Logger) *Broker {
	bk := &Broker{
		cfg:        cfg,
		logger:     logger.With("component", "broker"),
		bus:        b,
		guardrails: NewGuardrails(grCfg),
		ledger:     NewLedger(),
		enabled:    enabled,
		mids:       midCache{mids: make(map[string]float64)},
		tasks:      make(chan submitTask, cfg.QueueSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if cfg.JournalPath != "" {
		bk.journal = NewJournal(cfg.JournalPath)
	}
	return bk
}

// Start subscribes to ticks and launches the order consumer.
func (bk *Broker) Start(ctx context.Context) error {
	bk.tickSub = bk.bus.Subscribe(types.TopicTicks, bk.onTick)
	go bk.consume(ctx)
	bk.logger.Info("broker started", "enabled", bk.enabled, "queue_size", bk.cfg.QueueSize)
	return nil
}

// Stop shuts the consumer down and fails queued submissions.
func (bk *Broker) Stop() {
	if bk.tickSub != nil {
		bk.tickSub.Cancel()
	}
	close(bk.quit)
	<-bk.done
}

// Place submits an order and waits for the accept/reject decision. The
// fill is synthesized by the consumer after the ack, so the caller sees
// the resulting fills and positions events on the bus, not here.
func (bk *Broker) Place(ctx context.Context, symbol string, order types.OrderRequest) (types.OrderAck, error) {
	if err := order.Validate(); err != nil {
		return types.OrderAck{}, err
	}

	t := submitTask{
		symbol:      symbol,
		order:       order,
		submittedAt: time.Now(),
		resp:        make(chan submitResult, 1),
	}

	select {
	case bk.tasks <- t:
	case <-bk.quit:
		return types.OrderAck{}, errStopping
	case <-ctx.Done():
		return types.OrderAck{}, ctx.Err()
	}

	select {
	case res := <-t.resp:
		return res.ack, res.err
	case <-ctx.Done():
		return types.OrderAck{}, ctx.Err()
	case <-bk.done:
		// Consumer exited while this task was in flight; it may have
		// answered just before draining.
		select {
		case res := <-t.resp:
			return res.ack, res.err
		default:
			return types.OrderAck{}, errStopping
		}
	}
}

// Cancel acknowledges a cancel request. Paper fills are immediate so
// there is nothing to unwind here, but the notice is forwarded on the
// bus for the shadow simulator to drop its resting copy.
func (bk *Broker) Cancel(ctx context.Context, orderID string) error {
	bk.logger.Info("cancel requested", "orderId", orderID)
	bk.bus.Publish(ctx, types.TopicCancels, types.CancelNotice{OrderID: orderID})
	return nil
}

// Flatten submits a market order that closes the symbol's position.
// Flattening a flat symbol is a no-op.
func (bk *Broker) Flatten(ctx context.Context, symbol string) error {
	pos := bk.ledger.Position(symbol)
	if pos.Flat() {
		bk.logger.Debug("flatten skipped, already flat", "symbol", symbol)
		return nil
	}

	side := types.SELL
	if pos.Qty < 0 {
		side = types.BUY
	}
	_, err := bk.Place(ctx, symbol, types.OrderRequest{
		Side: side,
		Qty:  abs(pos.Qty),
		Type: types.OrderTypeMKT,
	})
	return err
}

// FlattenAll flattens every non-flat symbol, collecting errors.
func (bk *Broker) FlattenAll(ctx context.Context) error {
	var errs []error
	for _, pos := range bk.ledger.Positions() {
		if pos.Flat() {
			continue
		}
		if err := bk.Flatten(ctx, pos.Symbol); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ledger exposes position state for the ops snapshot.
func (bk *Broker) Ledger() *Ledger {
	return bk.ledger
}

// Guardrails exposes risk state for the ops snapshot.
func (bk *Broker) Guardrails() *Guardrails {
	return bk.guardrails
}

// Enabled reports whether trading is enabled.
func (bk *Broker) Enabled() bool {
	return bk.enabled
}

// onTick caches the mid and feeds the spread guardrail. Runs inline on
// the publisher's goroutine so a tick published before an order is
// always visible to that order's evaluation.
func (bk *Broker) onTick(ctx context.Context, payload any) error {
	tick, ok := payload.(types.Tick)
	if !ok {
		return nil
	}
	bk.guardrails.UpdateSpread(tick.Symbol, tick.SpreadBp)
	bk.mids.set(tick.Symbol, tick.Mid)
	return nil
}

func (bk *Broker) consume(ctx context.Context) {
	defer close(bk.done)

	for {
		select {
		case <-ctx.Done():
			bk.drain()
			return
		case <-bk.quit:
			bk.drain()
			return
		case t := <-bk.tasks:
			bk.handleSubmit(ctx, t)
		}
	}
}

// drain fails any submissions still queued at shutdown.
func (bk *Broker) drain() {
	for {
		select {
		case t := <-bk.tasks:
			t.resp <- submitResult{err: errStopping}
		default:
			return
		}
	}
}

func (bk *Broker) handleSubmit(ctx context.Context, t submitTask) {
	symbol, order := t.symbol, t.order

	if !bk.enabled {
		bk.emitGuardrail(ctx, RuleKill, "Trading disabled", symbol, order)
		metrics.IncOrder("blocked")
		t.resp <- submitResult{err: &BlockedError{Rule: RuleKill, Message: "Trading disabled"}}
		return
	}

	if rule := bk.guardrails.Evaluate(symbol, order); rule != "" {
		message := bk.guardrails.Reason(rule, symbol)
		bk.logger.Warn("order blocked",
			"rule", rule, "symbol", symbol,
			"side", order.Side, "qty", order.Qty)
		bk.emitGuardrail(ctx, rule, message, symbol, order)
		bk.bus.Publish(ctx, types.TopicOrders, types.OrderUpdate{
			Status: types.OrderBlocked,
			Reason: rule,
			Order:  order,
			Symbol: symbol,
		})
		metrics.IncOrder("blocked")
		t.resp <- submitResult{err: &BlockedError{Rule: rule, Message: message}}
		return
	}

	orderID := uuid.NewString()
	bk.bus.Publish(ctx, types.TopicOrders, types.OrderUpdate{
		Status:  types.OrderAccepted,
		OrderID: orderID,
		Order:   order,
		Symbol:  symbol,
	})
	bk.logger.Info("order accepted", "orderId", orderID, "symbol", symbol, "side", order.Side, "qty", order.Qty)
	metrics.IncOrder("accepted")
	t.resp <- submitResult{ack: types.OrderAck{OrderID: orderID}}

	bk.fill(ctx, orderID, symbol, order, t.submittedAt)
}

// fill synthesizes the immediate paper fill and rolls it through the
// ledger and guardrail state.
func (bk *Broker) fill(ctx context.Context, orderID, symbol string, order types.OrderRequest, submittedAt time.Time) {
	now := time.Now()

	px := order.Price
	if !order.HasPrice() {
		px = bk.mids.get(symbol)
	}

	f := types.Fill{
		OrderID: orderID,
		Symbol:  symbol,
		TS:      now,
		Px:      px,
		Qty:     order.SignedQty(),
		Kind:    types.FillPaper,
		Venue:   Venue,
	}

	if bk.journal != nil {
		if err := bk.journal.Append(f); err != nil {
			bk.logger.Error("journal append failed", "error", err)
		}
	}

	bk.bus.Publish(ctx, types.TopicFills, f)
	metrics.IncFill(string(types.FillPaper))

	latency := now.Sub(submittedAt)
	if latency < 0 {
		latency = 0
	}

	realized, pos := bk.ledger.ApplyFill(f)
	bk.guardrails.UpdateLatency(symbol, float64(latency)/float64(time.Millisecond))
	bk.guardrails.UpdatePnL(symbol, bk.ledger.RealizedPnL(symbol))

	bk.bus.Publish(ctx, types.TopicPositions, pos)
	bk.guardrails.UpdatePosition(symbol, pos.Qty)

	if realized != 0 {
		bk.logger.Info("realized pnl", "symbol", symbol, "amount", realized)
	}
}

func (bk *Broker) emitGuardrail(ctx context.Context, rule, message, symbol string, order types.OrderRequest) {
	metrics.IncGuardrailBlock(rule)
	bk.bus.Publish(ctx, types.TopicGuardrails, types.GuardrailEvent{
		Rule:     rule,
		Message:  message,
		Symbol:   symbol,
		Order:    order,
		Severity: severityBlock,
		TS:       time.Now(),
	})
}
