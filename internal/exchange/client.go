// Package exchange implements the StandX REST gateway, the wallet sign-in
// handshake, and the StandX WebSocket feed.
//
// The REST client (Client) covers the full trading surface:
//   - SymbolPrice:  GET  /api/query_symbol_price
//   - Orderbook:    GET  /api/query_depth_book
//   - SymbolInfo:   GET  /api/query_symbol_info
//   - SubmitOrder:  POST /api/new_order          (signed)
//   - CancelOrder:  POST /api/cancel_order       (signed)
//   - CancelOrders: POST /api/cancel_orders      (signed)
//   - OpenOrders:   GET  /api/query_open_orders
//   - QueryOrder:   GET  /api/query_order
//   - Positions:    GET  /api/query_positions
//   - Balance:      GET  /api/query_balance
//
// Order-submitting requests are signed: the body is canonical JSON
// (sorted keys, no extra whitespace) and the exact signed bytes are what
// goes on the wire. The gateway never retries — retry policy belongs to
// callers, which know whether a cancel is urgent or a query can wait.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/londonpotato1/standx-maker-bot/internal/config"
	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

// OrderRequest is the input to SubmitOrder. Price and Quantity are decimals
// so the wire strings carry exactly the precision the strategy rounded to.
type OrderRequest struct {
	Symbol      string
	Side        types.Side
	Type        types.OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal // ignored for market orders
	TimeInForce types.TimeInForce
	ReduceOnly  bool
	ClOrdID     string
	MarginMode  types.MarginMode
	Leverage    int
}

// Client is the StandX REST API client. It wraps a resty HTTP client with
// per-category rate limiting and request signing.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client for the trading API.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.StandX.BaseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "gateway"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

// SymbolPrice fetches the current price snapshot for a symbol.
func (c *Client) SymbolPrice(ctx context.Context, symbol string) (types.PriceInfo, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.PriceInfo{}, err
	}

	var wire types.WirePrice
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&wire).
		Get("/api/query_symbol_price")
	if err != nil {
		return types.PriceInfo{}, fmt.Errorf("query symbol price: %w", err)
	}
	if resp.IsError() {
		return types.PriceInfo{}, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	return types.PriceInfo{
		Symbol:     symbol,
		IndexPrice: parseF(wire.IndexPrice),
		MarkPrice:  parseF(wire.MarkPrice),
		LastPrice:  parseF(wire.LastPrice),
		MidPrice:   parseF(wire.MidPrice),
		BestBid:    parseF(wire.BestBid),
		BestAsk:    parseF(wire.BestAsk),
		SpreadBps:  parseF(wire.SpreadBps),
		ReceivedAt: time.Now(),
	}, nil
}

// Orderbook fetches the depth book for a symbol.
func (c *Client) Orderbook(ctx context.Context, symbol string) (types.OrderbookSnapshot, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.OrderbookSnapshot{}, err
	}

	var wire types.WireDepth
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&wire).
		Get("/api/query_depth_book")
	if err != nil {
		return types.OrderbookSnapshot{}, fmt.Errorf("query depth book: %w", err)
	}
	if resp.IsError() {
		return types.OrderbookSnapshot{}, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	return types.OrderbookSnapshot{
		Symbol:     symbol,
		Bids:       parseLevels(wire.Bids),
		Asks:       parseLevels(wire.Asks),
		ReceivedAt: time.Now(),
	}, nil
}

// SymbolInfo fetches trading constraints for a symbol.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.SymbolInfo{}, err
	}

	var wire types.WireSymbolInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&wire).
		Get("/api/query_symbol_info")
	if err != nil {
		return types.SymbolInfo{}, fmt.Errorf("query symbol info: %w", err)
	}
	if resp.IsError() {
		return types.SymbolInfo{}, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	return types.SymbolInfo{
		Symbol:      symbol,
		TickSize:    parseF(wire.TickSize),
		StepSize:    parseF(wire.StepSize),
		MinQty:      parseF(wire.MinQty),
		MinNotional: parseF(wire.MinNotional),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trade endpoints (signed)
// ————————————————————————————————————————————————————————————————————————

// SubmitOrder places a new order.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (types.WireNewOrderResponse, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.WireNewOrderResponse{}, err
	}

	payload := map[string]any{
		"symbol":        req.Symbol,
		"side":          string(req.Side),
		"order_type":    string(req.Type),
		"qty":           req.Quantity.String(),
		"time_in_force": string(req.TimeInForce),
		"reduce_only":   req.ReduceOnly,
		"margin_mode":   string(req.MarginMode),
		"leverage":      req.Leverage,
	}
	if req.Type == types.OrderTypeLimit {
		payload["price"] = req.Price.String()
	}
	if req.ClOrdID != "" {
		payload["cl_ord_id"] = req.ClOrdID
	}

	var result types.WireNewOrderResponse
	if err := c.postSigned(ctx, "/api/new_order", payload, &result); err != nil {
		return types.WireNewOrderResponse{}, err
	}
	return result, nil
}

// CancelOrder cancels a single order by exchange id or client id.
// At least one id must be set.
func (c *Client) CancelOrder(ctx context.Context, orderID, clOrdID string) error {
	if orderID == "" && clOrdID == "" {
		return fmt.Errorf("cancel order: order id or client order id required")
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	payload := map[string]any{}
	if orderID != "" {
		payload["order_id"] = orderID
	}
	if clOrdID != "" {
		payload["cl_ord_id"] = clOrdID
	}

	return c.postSigned(ctx, "/api/cancel_order", payload, nil)
}

// CancelOrders cancels a batch of orders by exchange id.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	payload := map[string]any{"order_id_list": orderIDs}
	return c.postSigned(ctx, "/api/cancel_orders", payload, nil)
}

// postSigned canonicalizes payload, signs the bytes, and sends those exact
// bytes. encoding/json sorts map keys and emits no extra whitespace, which
// is the canonical form the signature scheme requires.
func (c *Client) postSigned(ctx context.Context, path string, payload map[string]any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	authHeaders, err := c.auth.AuthHeaders()
	if err != nil {
		return err
	}
	signHeaders, err := c.auth.SignRequest(body)
	if err != nil {
		return err
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(authHeaders).
		SetHeaders(signHeaders).
		SetBody(body)
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if resp.IsError() {
		return &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// User endpoints (bearer auth)
// ————————————————————————————————————————————————————————————————————————

// OpenOrders lists resting orders, optionally filtered by symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]types.ExchangeOrder, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.AuthHeaders()
	if err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("limit", "100")
	if symbol != "" {
		req.SetQueryParam("symbol", symbol)
	}

	var wire types.WireOpenOrders
	resp, err := req.SetResult(&wire).Get("/api/query_open_orders")
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	if resp.IsError() {
		return nil, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	orders := make([]types.ExchangeOrder, 0, len(wire.Orders))
	for _, o := range wire.Orders {
		orders = append(orders, fromWireOrder(o))
	}
	return orders, nil
}

// QueryOrder fetches one order by exchange id or client id.
// A 404 surfaces as ErrNotFound.
func (c *Client) QueryOrder(ctx context.Context, orderID, clOrdID string) (types.ExchangeOrder, error) {
	if orderID == "" && clOrdID == "" {
		return types.ExchangeOrder{}, fmt.Errorf("query order: order id or client order id required")
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.ExchangeOrder{}, err
	}

	headers, err := c.auth.AuthHeaders()
	if err != nil {
		return types.ExchangeOrder{}, err
	}

	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	if orderID != "" {
		req.SetQueryParam("order_id", orderID)
	}
	if clOrdID != "" {
		req.SetQueryParam("cl_ord_id", clOrdID)
	}

	var wire types.WireOrder
	resp, err := req.SetResult(&wire).Get("/api/query_order")
	if err != nil {
		return types.ExchangeOrder{}, fmt.Errorf("query order: %w", err)
	}
	if resp.IsError() {
		return types.ExchangeOrder{}, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
	return fromWireOrder(wire), nil
}

// Positions lists open positions, optionally filtered by symbol.
// Flat (zero-qty) entries are dropped.
func (c *Client) Positions(ctx context.Context, symbol string) ([]types.Position, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.AuthHeaders()
	if err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	if symbol != "" {
		req.SetQueryParam("symbol", symbol)
	}

	resp, err := req.Get("/api/query_positions")
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	if resp.IsError() {
		return nil, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	// The endpoint has returned both a bare array and a {"positions": [...]}
	// wrapper; accept either.
	var list []types.WirePosition
	if err := json.Unmarshal(resp.Body(), &list); err != nil {
		var wrapped struct {
			Positions []types.WirePosition `json:"positions"`
		}
		if err := json.Unmarshal(resp.Body(), &wrapped); err != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
		list = wrapped.Positions
	}

	positions := make([]types.Position, 0, len(list))
	for _, p := range list {
		qty := parseF(firstNonEmpty(p.Qty, p.Size))
		if qty == 0 {
			continue
		}
		side := types.BUY
		if qty < 0 {
			side = types.SELL
			qty = -qty
		}
		positions = append(positions, types.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          qty,
			EntryPrice:    parseF(firstNonEmpty(p.EntryPrice, p.EntryPriceAlt)),
			MarkPrice:     parseF(firstNonEmpty(p.MarkPrice, p.MarkPriceAlt)),
			UnrealizedPnL: parseF(firstNonEmpty(p.UnrealizedPnL, p.UPnL)),
			MarginMode:    types.MarginMode(firstNonEmpty(p.MarginMode, p.MarginModeAlt, string(types.MarginCross))),
			Leverage:      int(parseF(firstNonEmpty(p.Leverage, "1"))),
		})
	}
	return positions, nil
}

// Balance fetches the account margin summary.
func (c *Client) Balance(ctx context.Context) (types.Balance, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.Balance{}, err
	}

	headers, err := c.auth.AuthHeaders()
	if err != nil {
		return types.Balance{}, err
	}

	var wire types.WireBalance
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&wire).
		Get("/api/query_balance")
	if err != nil {
		return types.Balance{}, fmt.Errorf("query balance: %w", err)
	}
	if resp.IsError() {
		return types.Balance{}, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	return types.Balance{
		Available:     parseF(firstNonEmpty(wire.Available, wire.AvailableBalance, wire.Free, wire.Equity)),
		Equity:        parseF(wire.Equity),
		Margin:        parseF(firstNonEmpty(wire.Margin, wire.UsedMargin)),
		UnrealizedPnL: parseF(firstNonEmpty(wire.UnrealizedPnL, wire.UnrealisedPnL)),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func fromWireOrder(o types.WireOrder) types.ExchangeOrder {
	return types.ExchangeOrder{
		OrderID:   o.OrderID,
		ClOrdID:   o.ClOrdID,
		Symbol:    o.Symbol,
		Side:      types.Side(o.Side),
		OrderType: types.OrderType(o.OrderType),
		Price:     parseF(o.Price),
		Quantity:  parseF(o.Qty),
		FilledQty: parseF(o.FilledQty),
		Status:    o.Status,
		CreatedAt: time.UnixMilli(o.CreatedAt),
		UpdatedAt: time.UnixMilli(o.UpdatedAt),
	}
}

func parseLevels(raw [][2]string) []types.BookLevel {
	levels := make([]types.BookLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, types.BookLevel{
			Price:    parseF(l[0]),
			Quantity: parseF(l[1]),
		})
	}
	return levels
}

func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
