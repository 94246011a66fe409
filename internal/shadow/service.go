package shadow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/metrics"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// Venue tags every shadow fill.
const Venue = "SIM"

// Service feeds the simulator from the bus: accepted limit orders are
// mirrored, book snapshots refresh the displayed sizes, trade prints
// drive fills, and broker cancels drop resting copies. Handlers run
// inline on the publisher's goroutine, so an order accepted before a
// trade is always resting before that trade is applied.
type Service struct {
	cfg    config.ShadowConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu  sync.Mutex
	sim *Simulator

	subs []*bus.Subscription
}

func New(cfg config.ShadowConfig, b *bus.Bus, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		bus:    b,
		logger: logger.With("component", "shadow"),
		sim:    NewSimulator(cfg.Latency()),
	}
}

// Start subscribes to the order, book, trade, and cancel topics.
func (s *Service) Start(ctx context.Context) error {
	s.subs = append(s.subs,
		s.bus.Subscribe(types.TopicOrders, s.onOrder),
		s.bus.Subscribe(types.TopicBook, s.onBook),
		s.bus.Subscribe(types.TopicTrades, s.onTrade),
		s.bus.Subscribe(types.TopicCancels, s.onCancel),
	)
	s.logger.Info("shadow simulator started", "latency_ms", s.cfg.LatencyMs)
	return nil
}

// Stop detaches from the bus.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}

// OpenOrders reports resting shadow orders for the ops snapshot.
func (s *Service) OpenOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.OpenOrders()
}

// onOrder mirrors accepted limit orders with an explicit price. Market
// orders have no queue to model and are ignored.
func (s *Service) onOrder(ctx context.Context, payload any) error {
	u, ok := payload.(types.OrderUpdate)
	if !ok || u.Status != types.OrderAccepted {
		return nil
	}
	if u.Order.Type != types.OrderTypeLMT || !u.Order.HasPrice() {
		return nil
	}

	s.mu.Lock()
	s.sim.PlaceLimit(Order{
		OrderID:  u.OrderID,
		Side:     u.Order.Side,
		Price:    u.Order.Price,
		Qty:      u.Order.Qty,
		PlacedAt: time.Now(),
	})
	open := s.sim.OpenOrders()
	s.mu.Unlock()

	metrics.SetShadowOrdersOpen(open)
	s.logger.Debug("shadow order resting",
		"orderId", u.OrderID, "side", u.Order.Side, "price", u.Order.Price, "qty", u.Order.Qty)
	return nil
}

func (s *Service) onBook(ctx context.Context, payload any) error {
	book, ok := payload.(types.BookSnapshot)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.sim.OnBook(book.Bids, book.Asks)
	s.mu.Unlock()
	return nil
}

// onTrade applies the print and publishes any fills it unlocked. Fills
// are collected under the lock but published outside it, so a fill
// subscriber publishing back onto the bus cannot deadlock the service.
func (s *Service) onTrade(ctx context.Context, payload any) error {
	trade, ok := payload.(types.TradePrint)
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.sim.OnTrade(trade.Price, trade.Size, trade.Aggressor)
	fills := s.sim.TryFills(time.Now())
	open := s.sim.OpenOrders()
	s.mu.Unlock()

	metrics.SetShadowOrdersOpen(open)

	symbol := trade.Symbol
	if symbol == "" {
		symbol = "UNKNOWN"
	}
	for _, f := range fills {
		fill := types.Fill{
			OrderID: f.OrderID,
			Symbol:  symbol,
			TS:      trade.TS,
			Px:      f.Price,
			Qty:     f.Side.Sign() * f.Qty,
			Kind:    types.FillShadow,
			Venue:   Venue,
		}
		s.bus.Publish(ctx, types.TopicShadowFills, fill)
		metrics.IncFill(string(types.FillShadow))
		s.logger.Info("shadow fill",
			"orderId", f.OrderID, "symbol", symbol, "px", f.Price, "qty", fill.Qty)
	}
	return nil
}

func (s *Service) onCancel(ctx context.Context, payload any) error {
	notice, ok := payload.(types.CancelNotice)
	if !ok {
		return nil
	}

	s.mu.Lock()
	removed := s.sim.Cancel(notice.OrderID)
	open := s.sim.OpenOrders()
	s.mu.Unlock()

	if removed {
		metrics.SetShadowOrdersOpen(open)
		s.logger.Info("shadow order cancelled", "orderId", notice.OrderID)
	}
	return nil
}
