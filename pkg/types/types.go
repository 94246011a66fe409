// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline: ticks, order
// requests, fills, positions, and the payloads published on the event bus.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bus topic names. The publisher of a topic owns its payload shape;
// subscribers treat payloads as read-only.
const (
	TopicTicks         = "ticks"                   // Tick
	TopicBook          = "ticks.book"              // BookSnapshot
	TopicTrades        = "ticks.trades"            // TradePrint
	TopicOrders        = "broker.orders"           // OrderUpdate
	TopicFills         = "broker.fills"            // Fill
	TopicPositions     = "broker.positions"        // Position
	TopicGuardrails    = "broker.guardrails"       // GuardrailEvent
	TopicCancels       = "broker.cancels"          // CancelNotice
	TopicShadowFills   = "shadow.fills"            // Fill with Kind == FillShadow
	TopicScreenerTop   = "screener.today_top10"    // ScreenerSummary
	TopicActiveSymbols = "universe.active_symbols" // UniverseSummary
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign maps BUY to +1 and SELL to -1, the signed-quantity convention
// used throughout the pipeline.
func (s Side) Sign() float64 {
	if s == BUY {
		return 1
	}
	return -1
}

// Opposite returns the flattening direction.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

func (s Side) Valid() bool {
	return s == BUY || s == SELL
}

// OrderType enumerates the supported execution styles.
type OrderType string

const (
	OrderTypeMKT OrderType = "MKT" // market: fills at last mid
	OrderTypeLMT OrderType = "LMT" // limit: fills at the limit price
)

func (t OrderType) Valid() bool {
	return t == OrderTypeMKT || t == OrderTypeLMT
}

// TIF is the time-in-force of an order. The paper broker fills
// synchronously, so TIF is carried on the wire but not enforced.
type TIF string

const (
	TIFDay TIF = "DAY"
	TIFIOC TIF = "IOC"
	TIFFOK TIF = "FOK"
)

// PriceLevel is one book level. It marshals as a two-element
// [price, size] array, the wire format shared with the feed gateway
// and the dashboard.
type PriceLevel struct {
	Px float64
	Sz float64
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Px, l.Sz})
}

func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	l.Px, l.Sz = pair[0], pair[1]
	return nil
}

// Trade is a single trade print attached to a Tick.
type Trade struct {
	Px   float64 `json:"px"`
	Size float64 `json:"size"`
	Side Side    `json:"side"`
}

// Tick is the enriched market-data event published on "ticks": best
// book summary plus the standardized feature vector for the symbol.
// Depth carries up to three levels per side, bids first.
type Tick struct {
	Symbol   string       `json:"symbol"`
	TS       time.Time    `json:"ts"`
	Mid      float64      `json:"mid"`
	SpreadBp float64      `json:"spreadBp"`
	Imb      float64      `json:"imb"`
	Depth    []PriceLevel `json:"depth,omitempty"`
	Trades   []Trade      `json:"trades,omitempty"`
	Features []float64    `json:"features"`
	Volume   float64      `json:"volume,omitempty"`
}

// BookSnapshot is the depth event on "ticks.book", up to five levels
// per side.
type BookSnapshot struct {
	Symbol string       `json:"symbol"`
	TS     time.Time    `json:"ts"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// TradePrint is a classified trade on "ticks.trades". Aggressor is BUY
// when the print is at or above the midpoint.
type TradePrint struct {
	Symbol    string    `json:"symbol"`
	TS        time.Time `json:"ts"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Aggressor Side      `json:"aggressor"`
}

// OrderRequest is a submission to the broker. Price is optional: market
// orders ignore it, and a limit order without a price fills at last mid.
type OrderRequest struct {
	Side  Side      `json:"side"`
	Qty   float64   `json:"qty"`
	Type  OrderType `json:"type"`
	Price float64   `json:"price,omitempty"`
	TIF   TIF       `json:"tif,omitempty"`
}

// SignedQty returns Qty with the side's sign applied.
func (o OrderRequest) SignedQty() float64 {
	return o.Side.Sign() * o.Qty
}

// HasPrice reports whether the order carries an explicit limit price.
func (o OrderRequest) HasPrice() bool {
	return o.Price > 0
}

func (o OrderRequest) Validate() error {
	if !o.Side.Valid() {
		return fmt.Errorf("invalid side %q", o.Side)
	}
	if !o.Type.Valid() {
		return fmt.Errorf("invalid order type %q", o.Type)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("qty must be > 0, got %v", o.Qty)
	}
	return nil
}

// OrderAck acknowledges an accepted order.
type OrderAck struct {
	OrderID string `json:"orderId"`
}

// OrderStatus is the lifecycle state carried on "broker.orders".
type OrderStatus string

const (
	OrderAccepted OrderStatus = "accepted"
	OrderBlocked  OrderStatus = "blocked"
)

// OrderUpdate is the payload on "broker.orders". Blocked updates carry
// the guardrail reason; accepted updates carry the assigned order ID.
type OrderUpdate struct {
	Status  OrderStatus  `json:"status"`
	OrderID string       `json:"orderId,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Order   OrderRequest `json:"order"`
	Symbol  string       `json:"symbol"`
}

// CancelNotice is the payload on "broker.cancels". The shadow simulator
// consumes it to drop queue tracking for the order.
type CancelNotice struct {
	OrderID string `json:"orderId"`
}

// FillKind distinguishes paper broker fills from shadow simulator fills.
type FillKind string

const (
	FillPaper  FillKind = "paper"
	FillLive   FillKind = "live"
	FillShadow FillKind = "shadow"
)

// Fill is an execution event on "broker.fills" or "shadow.fills".
// Qty is signed: positive for buys, negative for sells.
type Fill struct {
	OrderID string    `json:"orderId"`
	Symbol  string    `json:"symbol"`
	TS      time.Time `json:"ts"`
	Px      float64   `json:"px"`
	Qty     float64   `json:"qty"`
	Kind    FillKind  `json:"kind"`
	Venue   string    `json:"venue"`
}

// Notional is |Qty| * Px.
func (f Fill) Notional() float64 {
	qty := f.Qty
	if qty < 0 {
		qty = -qty
	}
	return qty * f.Px
}

// Position is the per-symbol inventory on "broker.positions".
// AvgPx is zero exactly when Qty is zero.
type Position struct {
	Symbol string  `json:"symbol"`
	Qty    float64 `json:"qty"`
	AvgPx  float64 `json:"avgPx"`
}

// Flat reports whether the position has no exposure.
func (p Position) Flat() bool {
	return p.Qty == 0
}

// GuardrailEvent is published on "broker.guardrails" when a rule blocks
// an order.
type GuardrailEvent struct {
	Rule     string       `json:"rule"`
	Message  string       `json:"message"`
	Symbol   string       `json:"symbol"`
	Order    OrderRequest `json:"order"`
	Severity string       `json:"severity"`
	TS       time.Time    `json:"ts"`
}

// ScreenerEntry is one ranked symbol in the intraday liquidity table.
type ScreenerEntry struct {
	Symbol       string    `json:"symbol"`
	DollarVolume float64   `json:"dollarVolume"`
	TotalTrades  int       `json:"totalTrades"`
	AvgSpreadBp  float64   `json:"avgSpreadBp"`
	LastSeen     time.Time `json:"lastSeen"`
}

// ScreenerSummary is the payload on "screener.today_top10".
type ScreenerSummary struct {
	TS            time.Time       `json:"ts"`
	NextRefreshTS time.Time       `json:"nextRefreshTs"`
	TodayTop      []ScreenerEntry `json:"todayTop"`
}

// ActiveSymbol is one member of the tradeable set. Traded is false for
// symbols retained only because a position is still open.
type ActiveSymbol struct {
	Symbol string `json:"symbol"`
	Traded bool   `json:"traded"`
	Reason string `json:"reason,omitempty"`
	Status string `json:"status"`
}

// RetiredSymbol records a symbol dropped from the active set.
type RetiredSymbol struct {
	Symbol string `json:"symbol"`
	Status string `json:"status"`
}

// IntersectionEntry explains, per screener candidate, whether a trained
// model exists and why the symbol was or was not admitted.
type IntersectionEntry struct {
	Symbol       string  `json:"symbol"`
	Ready        bool    `json:"ready"`
	Reason       string  `json:"reason,omitempty"`
	DollarVolume float64 `json:"dollarVolume"`
}

// UniverseSummary is the payload on "universe.active_symbols": the
// active set, churn schedule, and model readiness.
type UniverseSummary struct {
	TS             time.Time           `json:"ts"`
	NextRefreshTS  time.Time           `json:"nextRefreshTs"`
	NextChurnTS    time.Time           `json:"nextChurnTs"`
	ActiveSymbols  []ActiveSymbol      `json:"activeSymbols"`
	RetiredSymbols []RetiredSymbol     `json:"retiredSymbols"`
	TodayTop       []ScreenerEntry     `json:"todayTop10"`
	Intersection   []IntersectionEntry `json:"intersection"`
	ReadyModels    []string            `json:"readyModels"`
	ReadyCount     int                 `json:"readyCount"`
	MissingModels  []string            `json:"missingModels"`
	ModelsRequired int                 `json:"modelsRequired"`
	LastScreenerTS time.Time           `json:"lastScreenerTs"`
}

// InferenceRequest is the POST /infer body sent to the model service.
type InferenceRequest struct {
	Symbol   string    `json:"symbol"`
	Features []float64 `json:"features"`
	TS       float64   `json:"ts"`
}

// InferenceResponse is the model service reply. Probs is ordered
// [down, flat, up].
type InferenceResponse struct {
	State      int       `json:"state"`
	Probs      []float64 `json:"probs"`
	Action     string    `json:"action,omitempty"`
	Confidence float64   `json:"confidence"`
}
