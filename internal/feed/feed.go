// Package feed implements the WebSocket client for the market-data
// gateway.
//
// The gateway speaks a small JSON protocol: the client sends
// {"op":"hello","clientId":N} on connect, then subscribe/unsubscribe
// operations carrying an instrument spec. The server streams
// {"type":"book"} updates (top of book, depth, optional last print)
// and {"type":"error"} notices for instruments it cannot serve.
//
// The connection is one-shot: a dial failure is returned from Dial and
// a read failure surfaces on Err(). There is no auto-reconnect; the
// blotter treats a dead feed as fatal and the process exits.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

const (
	pingInterval  = 50 * time.Second // keep NAT/proxy paths alive
	writeTimeout  = 10 * time.Second // deadline for outgoing messages
	updateBufSize = 256              // buffer for book updates
)

// SymbolSpec identifies an instrument on the gateway.
type SymbolSpec struct {
	Symbol          string `json:"symbol"`
	Exchange        string `json:"exchange,omitempty"`
	Currency        string `json:"currency,omitempty"`
	SecType         string `json:"secType,omitempty"`
	PrimaryExchange string `json:"primaryExchange,omitempty"`
}

// WithDefaults uppercases the symbol and fills the routing defaults
// (SMART/USD/STK) for fields the caller left empty.
func (s SymbolSpec) WithDefaults() SymbolSpec {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.Exchange == "" {
		s.Exchange = "SMART"
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	if s.SecType == "" {
		s.SecType = "STK"
	}
	return s
}

// BookUpdate is one market-data message from the gateway. Bid/Ask carry
// the top of book; Bids/Asks carry depth when the gateway has it and
// may be empty. Last and LastSize are present only when a trade printed
// since the previous update.
type BookUpdate struct {
	Symbol   string             `json:"symbol"`
	TS       float64            `json:"ts"`
	Bid      float64            `json:"bid"`
	Ask      float64            `json:"ask"`
	BidSize  float64            `json:"bidSize"`
	AskSize  float64            `json:"askSize"`
	Bids     []types.PriceLevel `json:"bids"`
	Asks     []types.PriceLevel `json:"asks"`
	Last     *float64           `json:"last,omitempty"`
	LastSize *float64           `json:"lastSize,omitempty"`
	Volume   float64            `json:"volume,omitempty"`
}

type helloMsg struct {
	Op       string `json:"op"`
	ClientID int    `json:"clientId"`
}

type symbolOp struct {
	Op string `json:"op"`
	SymbolSpec
}

type errorNotice struct {
	Symbol  string `json:"symbol"`
	Message string `json:"message"`
}

// Client is a connected gateway session. It tracks the subscribed
// instrument set so symbol-file reloads can be diffed into the minimal
// set of subscribe/unsubscribe operations.
type Client struct {
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and Close

	subMu      sync.RWMutex
	subscribed map[string]SymbolSpec

	updates chan BookUpdate
	errs    chan error

	cancelPing context.CancelFunc
	logger     *slog.Logger
}

// Dial connects to the gateway, sends the hello handshake, and starts
// the read loop.
func Dial(ctx context.Context, cfg config.FeedConfig, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL(), err)
	}

	c := &Client{
		conn:       conn,
		subscribed: make(map[string]SymbolSpec),
		updates:    make(chan BookUpdate, updateBufSize),
		errs:       make(chan error, 1),
		logger:     logger.With("component", "feed"),
	}

	if err := c.writeJSON(helloMsg{Op: "hello", ClientID: cfg.ClientID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	pingCtx, cancel := context.WithCancel(context.Background())
	c.cancelPing = cancel
	go c.pingLoop(pingCtx)
	go c.readLoop(conn)

	c.logger.Info("connected to gateway", "url", cfg.URL(), "clientId", cfg.ClientID)
	return c, nil
}

// Updates returns the stream of book updates.
func (c *Client) Updates() <-chan BookUpdate { return c.updates }

// Err delivers the first fatal connection error. It never fires after
// a clean Close.
func (c *Client) Err() <-chan error { return c.errs }

// Subscribe registers one instrument with the gateway.
func (c *Client) Subscribe(ctx context.Context, spec SymbolSpec) error {
	spec = spec.WithDefaults()
	if spec.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if err := c.writeJSON(symbolOp{Op: "subscribe", SymbolSpec: spec}); err != nil {
		return err
	}
	c.subMu.Lock()
	c.subscribed[spec.Symbol] = spec
	c.subMu.Unlock()
	c.logger.Info("subscribed", "symbol", spec.Symbol)
	return nil
}

// Unsubscribe removes one instrument.
func (c *Client) Unsubscribe(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	c.subMu.Lock()
	spec, ok := c.subscribed[symbol]
	delete(c.subscribed, symbol)
	c.subMu.Unlock()
	if !ok {
		spec = SymbolSpec{Symbol: symbol}
	}
	if err := c.writeJSON(symbolOp{Op: "unsubscribe", SymbolSpec: spec}); err != nil {
		return err
	}
	c.logger.Info("unsubscribed", "symbol", symbol)
	return nil
}

// UpdateSymbols reconciles the subscription set against the desired
// list: stale symbols are unsubscribed, new or changed specs are
// (re)subscribed. Per-symbol failures are logged and the symbol is
// skipped so one bad instrument cannot stall a reload.
func (c *Client) UpdateSymbols(ctx context.Context, specs []SymbolSpec) {
	desired := make(map[string]SymbolSpec, len(specs))
	for _, spec := range specs {
		spec = spec.WithDefaults()
		if spec.Symbol == "" {
			continue
		}
		desired[spec.Symbol] = spec
	}

	c.subMu.RLock()
	current := make(map[string]SymbolSpec, len(c.subscribed))
	for sym, spec := range c.subscribed {
		current[sym] = spec
	}
	c.subMu.RUnlock()

	for sym := range current {
		if _, keep := desired[sym]; keep {
			continue
		}
		if err := c.Unsubscribe(ctx, sym); err != nil {
			c.logger.Error("failed unsubscribing", "symbol", sym, "error", err)
		}
	}

	for _, spec := range specs {
		spec = spec.WithDefaults()
		existing, ok := current[spec.Symbol]
		if ok && existing == spec {
			continue
		}
		if ok {
			if err := c.Unsubscribe(ctx, spec.Symbol); err != nil {
				c.logger.Error("failed unsubscribing", "symbol", spec.Symbol, "error", err)
				continue
			}
		}
		if err := c.Subscribe(ctx, spec); err != nil {
			c.logger.Error("failed subscribing", "symbol", spec.Symbol, "error", err)
		}
	}
}

// Symbols returns the currently subscribed symbols.
func (c *Client) Symbols() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subscribed))
	for sym := range c.subscribed {
		out = append(out, sym)
	}
	return out
}

// Close shuts the connection down. The read loop exits without
// reporting an error.
func (c *Client) Close() error {
	if c.cancelPing != nil {
		c.cancelPing()
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			closed := c.conn == nil
			c.connMu.Unlock()
			if !closed {
				select {
				case c.errs <- fmt.Errorf("read: %w", err):
				default:
				}
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json gateway message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "book":
		var upd BookUpdate
		if err := json.Unmarshal(data, &upd); err != nil {
			c.logger.Error("unmarshal book update", "error", err)
			return
		}
		select {
		case c.updates <- upd:
		default:
			c.logger.Warn("update channel full, dropping", "symbol", upd.Symbol)
		}

	case "error":
		var notice errorNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			c.logger.Error("unmarshal error notice", "error", err)
			return
		}
		c.logger.Warn("gateway error", "symbol", notice.Symbol, "message", notice.Message)

	default:
		c.logger.Debug("unknown gateway message", "type", envelope.Type)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.logger.Warn("ping failed", "error", err)
				}
			}
			c.connMu.Unlock()
		}
	}
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}
