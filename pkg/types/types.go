// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides and types,
// price and orderbook snapshots, and the wire payloads exchanged with the
// StandX REST and WebSocket APIs. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "buy"
	SELL Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce enumerates order lifetimes.
type TimeInForce string

const (
	TIFGoodTilCancel     TimeInForce = "gtc"
	TIFImmediateOrCancel TimeInForce = "ioc"
	TIFFillOrKill        TimeInForce = "fok"
	TIFPostOnly          TimeInForce = "post_only"
)

// MarginMode enumerates position margin modes.
type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// PriceInfo is the per-symbol price snapshot from the price topic or REST.
// MarkPrice is the exchange's fair-value reference used for point bands and
// PnL; MidPrice is derived from top-of-book.
type PriceInfo struct {
	Symbol     string
	IndexPrice float64
	MarkPrice  float64
	LastPrice  float64
	MidPrice   float64
	BestBid    float64
	BestAsk    float64
	SpreadBps  float64
	ReceivedAt time.Time // local receive time, used for staleness
}

// Age returns how long ago this snapshot was received.
func (p PriceInfo) Age() time.Duration {
	return time.Since(p.ReceivedAt)
}

// ReferencePrice is the band/PnL reference: mark when available, else mid.
func (p PriceInfo) ReferencePrice() float64 {
	if p.MarkPrice > 0 {
		return p.MarkPrice
	}
	return p.MidPrice
}

// MarkMidDivergenceBps is the gap between mark and mid in basis points.
// On a DEX the two can drift apart; a wide gap degrades band placement.
func (p PriceInfo) MarkMidDivergenceBps() float64 {
	if p.MidPrice <= 0 || p.MarkPrice <= 0 {
		return 0
	}
	d := p.MarkPrice - p.MidPrice
	if d < 0 {
		d = -d
	}
	return d / p.MidPrice * 10000
}

// BookLevel is a single bid or ask level: price and base-currency quantity.
type BookLevel struct {
	Price    float64
	Quantity float64
}

// OrderbookSnapshot is a point-in-time view of one symbol's book.
// Bids are sorted descending by price, asks ascending.
type OrderbookSnapshot struct {
	Symbol     string
	Bids       []BookLevel
	Asks       []BookLevel
	ReceivedAt time.Time
}

// BestBid returns the top bid price, or 0 for an empty side.
func (ob OrderbookSnapshot) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 for an empty side.
func (ob OrderbookSnapshot) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// MidPrice returns (bestBid+bestAsk)/2, or 0 when either side is empty.
func (ob OrderbookSnapshot) MidPrice() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

// ————————————————————————————————————————————————————————————————————————
// Account data
// ————————————————————————————————————————————————————————————————————————

// ExchangeOrder is an order as reported by the exchange
// (query_open_orders / query_order).
type ExchangeOrder struct {
	OrderID   string
	ClOrdID   string
	Symbol    string
	Side      Side
	OrderType OrderType
	Price     float64
	Quantity  float64
	FilledQty float64
	Status    string // "open", "filled", "cancelled", "rejected", ...
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether the exchange-side status is final.
func (o ExchangeOrder) IsTerminal() bool {
	switch o.Status {
	case "filled", "cancelled", "canceled", "rejected":
		return true
	}
	return false
}

// Position is an open perpetual position.
// Size is always positive; Side carries the direction.
type Position struct {
	Symbol        string
	Side          Side // BUY = long, SELL = short
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	MarginMode    MarginMode
	Leverage      int
}

// Notional returns the position's USD exposure at mark.
func (p Position) Notional() float64 {
	return p.Size * p.MarkPrice
}

// Balance is the account margin summary.
type Balance struct {
	Available     float64
	Equity        float64
	Margin        float64
	UnrealizedPnL float64
}

// SymbolInfo describes per-symbol trading constraints.
type SymbolInfo struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// ————————————————————————————————————————————————————————————————————————
// REST wire payloads
// ————————————————————————————————————————————————————————————————————————
// StandX returns numbers as strings and has drifted between snake_case and
// camelCase field names across endpoints; the wire structs accept the
// variants in one place so nothing above the gateway ever sees them.

// WirePrice is the /api/query_symbol_price response.
type WirePrice struct {
	Symbol     string `json:"symbol"`
	IndexPrice string `json:"indexPrice"`
	MarkPrice  string `json:"markPrice"`
	LastPrice  string `json:"lastPrice"`
	MidPrice   string `json:"midPrice"`
	BestBid    string `json:"bestBid"`
	BestAsk    string `json:"bestAsk"`
	SpreadBps  string `json:"spreadBps"`
}

// WireDepth is the /api/query_depth_book response. Levels arrive as
// [price, qty] string pairs.
type WireDepth struct {
	Symbol string      `json:"symbol"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

// WireOrder is one order object in REST and WS order payloads.
type WireOrder struct {
	OrderID   string `json:"orderId"`
	ClOrdID   string `json:"clOrdId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Price     string `json:"price"`
	Qty       string `json:"qty"`
	FilledQty string `json:"filledQty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// WireOpenOrders is the /api/query_open_orders response.
type WireOpenOrders struct {
	Orders []WireOrder `json:"orders"`
}

// WirePosition is one position object. Qty is signed: negative = short.
// Field-name variants are tolerated here, not in callers.
type WirePosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	EntryPriceAlt string `json:"entry_price"`
	MarkPrice     string `json:"markPrice"`
	MarkPriceAlt  string `json:"mark_price"`
	UnrealizedPnL string `json:"unrealizedPnl"`
	UPnL          string `json:"upnl"`
	MarginMode    string `json:"marginMode"`
	MarginModeAlt string `json:"margin_mode"`
	Leverage      string `json:"leverage"`
}

// WireBalance is the /api/query_balance response.
type WireBalance struct {
	Available        string `json:"available"`
	AvailableBalance string `json:"availableBalance"`
	Free             string `json:"free"`
	Equity           string `json:"equity"`
	Margin           string `json:"margin"`
	UsedMargin       string `json:"usedMargin"`
	UnrealizedPnL    string `json:"unrealizedPnl"`
	UnrealisedPnL    string `json:"unrealisedPnl"`
}

// WireSymbolInfo is the /api/query_symbol_info response.
type WireSymbolInfo struct {
	Symbol      string `json:"symbol"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

// WireNewOrderResponse is the /api/new_order response.
type WireNewOrderResponse struct {
	OrderID string `json:"orderId"`
	ClOrdID string `json:"clOrdId"`
	Status  string `json:"status"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket frames (StandX)
// ————————————————————————————————————————————————————————————————————————

// WSSubscribe is the public-channel subscribe frame.
type WSSubscribe struct {
	Subscribe WSStream `json:"subscribe"`
}

// WSUnsubscribe is the unsubscribe frame.
type WSUnsubscribe struct {
	Unsubscribe WSStream `json:"unsubscribe"`
}

// WSStream names one channel+symbol pair.
type WSStream struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// WSAuth is the private-channel auth-and-subscribe frame.
type WSAuth struct {
	Auth WSAuthBody `json:"auth"`
}

// WSAuthBody carries the bearer token and the private streams to open.
type WSAuthBody struct {
	Token   string     `json:"token"`
	Streams []WSStream `json:"streams"`
}

// WSEnvelope is the common shape of inbound StandX stream messages.
type WSEnvelope struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// WSPriceEvent is a price-channel message.
type WSPriceEvent struct {
	Channel    string `json:"channel"`
	Symbol     string `json:"symbol"`
	IndexPrice string `json:"indexPrice"`
	MarkPrice  string `json:"markPrice"`
	LastPrice  string `json:"lastPrice"`
	MidPrice   string `json:"midPrice"`
	BestBid    string `json:"bestBid"`
	BestAsk    string `json:"bestAsk"`
	SpreadBps  string `json:"spreadBps"`
}

// WSDepthEvent is a depth_book-channel message.
type WSDepthEvent struct {
	Channel string      `json:"channel"`
	Symbol  string      `json:"symbol"`
	Bids    [][2]string `json:"bids"`
	Asks    [][2]string `json:"asks"`
}

// WSOrderEvent is a private order-channel message.
type WSOrderEvent struct {
	Channel string    `json:"channel"`
	Symbol  string    `json:"symbol"`
	Order   WireOrder `json:"order"`
}
