// Package orders owns the lifecycle of every order the bot places.
//
// ManagedOrder is owned exclusively by the Manager; every other component
// refers to an order by its client order id and asks the Manager to act.
// State moves PENDING → SUBMITTED → OPEN → {FILLED, CANCELLED, REJECTED,
// ERROR}; terminal states are absorbing and every transition notifies
// subscribers at least once, so handlers must be idempotent.
//
// The exchange's order registry is eventually consistent: an order can be
// acked and still invisible to query_open_orders for a couple of seconds.
// Sync therefore uses a staged tolerance (skip under 3s, query_order
// between 3s and 10s honouring only terminal statuses, declare CANCELLED
// after 10s of 404) — shorter windows produced false cancellations.
package orders

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

// State is a managed order's lifecycle position.
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StateOpen      State = "open"
	StateFilled    State = "filled"
	StateCancelled State = "cancelled"
	StateRejected  State = "rejected"
	StateError     State = "error"
)

// IsTerminal reports whether the state is absorbing.
func (s State) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateError:
		return true
	}
	return false
}

// allowedTransitions lists the only permitted state moves.
var allowedTransitions = map[State][]State{
	StatePending:   {StateSubmitted, StateError, StateRejected},
	StateSubmitted: {StateOpen, StateFilled, StateCancelled, StateRejected, StateError},
	StateOpen:      {StateFilled, StateCancelled, StateRejected, StateError},
}

func transitionAllowed(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ManagedOrder is the local record of one order.
type ManagedOrder struct {
	ClOrdID     string
	OrderID     string // exchange id, set on ack
	Symbol      string
	Side        types.Side
	Price       float64
	Quantity    float64
	LadderIndex int // rung position, 0 = innermost
	State       State
	FilledQty   float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// IsActive reports whether the order may still rest on the book.
func (o ManagedOrder) IsActive() bool {
	return o.State == StateSubmitted || o.State == StateOpen
}

// Notional returns price × quantity in USD.
func (o ManagedOrder) Notional() float64 {
	return o.Price * o.Quantity
}

// IsLiquidation reports whether this is a market reduce-only order; their
// fills must not re-trigger the fill pipeline.
func (o ManagedOrder) IsLiquidation() bool {
	return containsMarketTag(o.ClOrdID)
}

func containsMarketTag(clOrdID string) bool {
	for i := 0; i+5 <= len(clOrdID); i++ {
		if clOrdID[i:i+5] == "_mkt_" {
			return true
		}
	}
	return false
}

// Gateway is the slice of the exchange client the manager needs.
type Gateway interface {
	SubmitOrder(ctx context.Context, req exchange.OrderRequest) (types.WireNewOrderResponse, error)
	CancelOrder(ctx context.Context, orderID, clOrdID string) error
	OpenOrders(ctx context.Context, symbol string) ([]types.ExchangeOrder, error)
	QueryOrder(ctx context.Context, orderID, clOrdID string) (types.ExchangeOrder, error)
}

// UpdateCallback observes order transitions. Called with a value copy.
type UpdateCallback func(ManagedOrder)

// Manager tracks every order the bot has placed this session.
type Manager struct {
	gw         Gateway
	leverage   int
	marginMode types.MarginMode
	logger     *slog.Logger

	mu     sync.RWMutex
	orders map[string]*ManagedOrder // clOrdID -> order

	cbMu sync.RWMutex
	cbs  []UpdateCallback
}

// NewManager creates an order manager.
func NewManager(gw Gateway, leverage int, marginMode types.MarginMode, logger *slog.Logger) *Manager {
	if marginMode == "" {
		marginMode = types.MarginCross
	}
	return &Manager{
		gw:         gw,
		leverage:   leverage,
		marginMode: marginMode,
		logger:     logger.With("component", "order_manager"),
		orders:     make(map[string]*ManagedOrder),
	}
}

// OnUpdate registers a transition callback.
func (m *Manager) OnUpdate(cb UpdateCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.cbs = append(m.cbs, cb)
}

// SetLeverage updates the leverage sent with new orders.
func (m *Manager) SetLeverage(lev int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage = lev
}

func (m *Manager) notify(o ManagedOrder) {
	m.cbMu.RLock()
	cbs := m.cbs
	m.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(o)
	}
}

// newClOrdID builds "maker_{symbol}_{sideTag}_{8 hex}".
func newClOrdID(symbol, sideTag string) string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("maker_%s_%s_%s", symbol, sideTag, hex.EncodeToString(buf))
}

// transitionLocked applies a permitted state change under m.mu and returns
// the snapshot to notify with. Illegal transitions (e.g. a late cancel ack
// on a filled order) are dropped. Notification happens after the lock is
// released so subscribers may call back into the manager.
func (m *Manager) transitionLocked(o *ManagedOrder, to State, errMsg string) (ManagedOrder, bool) {
	if o.State == to {
		return ManagedOrder{}, false
	}
	if !transitionAllowed(o.State, to) {
		m.logger.Debug("transition rejected",
			"cl_ord_id", o.ClOrdID, "from", string(o.State), "to", string(to))
		return ManagedOrder{}, false
	}
	o.State = to
	o.UpdatedAt = time.Now()
	if errMsg != "" {
		o.LastError = errMsg
	}
	return *o, true
}

// PlaceLimit places a GTC limit order and tracks it. The call blocks on the
// REST round-trip.
func (m *Manager) PlaceLimit(ctx context.Context, symbol string, side types.Side, price, qty decimal.Decimal, ladderIndex int) (ManagedOrder, error) {
	clOrdID := newClOrdID(symbol, string(side))

	order := &ManagedOrder{
		ClOrdID:     clOrdID,
		Symbol:      symbol,
		Side:        side,
		Price:       price.InexactFloat64(),
		Quantity:    qty.InexactFloat64(),
		LadderIndex: ladderIndex,
		State:       StatePending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	m.mu.Lock()
	m.orders[clOrdID] = order
	lev := m.leverage
	m.mu.Unlock()

	resp, err := m.gw.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        types.OrderTypeLimit,
		Quantity:    qty,
		Price:       price,
		TimeInForce: types.TIFGoodTilCancel,
		ClOrdID:     clOrdID,
		MarginMode:  m.marginMode,
		Leverage:    lev,
	})

	m.mu.Lock()
	if err != nil {
		snap, changed := m.transitionLocked(order, StateError, err.Error())
		m.mu.Unlock()
		if changed {
			m.notify(snap)
		}
		return ManagedOrder{}, fmt.Errorf("place limit %s %s: %w", symbol, side, err)
	}

	order.OrderID = resp.OrderID
	snap, changed := m.transitionLocked(order, StateSubmitted, "")
	m.mu.Unlock()
	if changed {
		m.notify(snap)
	}
	m.logger.Debug("order submitted",
		"cl_ord_id", clOrdID, "symbol", symbol, "side", string(side),
		"price", price.String(), "qty", qty.String(), "rung", ladderIndex)

	m.mu.RLock()
	snapOut := *order
	m.mu.RUnlock()
	return snapOut, nil
}

// PlaceMarketReduce sends an IOC reduce-only market order, used only for
// liquidations. The client id carries the "_mkt_" tag so fill observers can
// ignore the resulting event.
func (m *Manager) PlaceMarketReduce(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal) (ManagedOrder, error) {
	clOrdID := newClOrdID(symbol, "mkt_"+string(side))

	order := &ManagedOrder{
		ClOrdID:   clOrdID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty.InexactFloat64(),
		State:     StatePending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	m.mu.Lock()
	m.orders[clOrdID] = order
	lev := m.leverage
	m.mu.Unlock()

	m.logger.Info("liquidating", "symbol", symbol, "side", string(side), "qty", qty.String())

	resp, err := m.gw.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        types.OrderTypeMarket,
		Quantity:    qty,
		TimeInForce: types.TIFImmediateOrCancel,
		ReduceOnly:  true,
		ClOrdID:     clOrdID,
		MarginMode:  m.marginMode,
		Leverage:    lev,
	})

	m.mu.Lock()
	if err != nil {
		snap, changed := m.transitionLocked(order, StateError, err.Error())
		m.mu.Unlock()
		if changed {
			m.notify(snap)
		}
		return ManagedOrder{}, fmt.Errorf("market reduce %s %s: %w", symbol, side, err)
	}

	order.OrderID = resp.OrderID
	order.FilledQty = order.Quantity
	var snaps []ManagedOrder
	if snap, changed := m.transitionLocked(order, StateSubmitted, ""); changed {
		snaps = append(snaps, snap)
	}
	if snap, changed := m.transitionLocked(order, StateFilled, ""); changed {
		snaps = append(snaps, snap)
	}
	m.mu.Unlock()
	for _, s := range snaps {
		m.notify(s)
	}

	m.mu.RLock()
	snapOut := *order
	m.mu.RUnlock()
	return snapOut, nil
}

// Cancel cancels an order by client id. Idempotent: cancelling an unknown,
// terminal, or exchange-side-missing (404) order reports success.
func (m *Manager) Cancel(ctx context.Context, clOrdID string) error {
	m.mu.Lock()
	order, ok := m.orders[clOrdID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("cancel for unknown order", "cl_ord_id", clOrdID)
		return nil
	}
	if !order.IsActive() {
		m.mu.Unlock()
		return nil
	}
	orderID := order.OrderID
	m.mu.Unlock()

	var err error
	if orderID != "" {
		err = m.gw.CancelOrder(ctx, orderID, "")
	} else {
		err = m.gw.CancelOrder(ctx, "", clOrdID)
	}

	m.mu.Lock()
	if err != nil && !exchange.IsNotFound(err) {
		m.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", clOrdID, err)
	}
	// Success, or already gone on the exchange (404): locally cancelled.
	snap, changed := m.transitionLocked(order, StateCancelled, "")
	m.mu.Unlock()
	if changed {
		m.notify(snap)
	}
	return nil
}

// CancelAll cancels every active order, optionally for one symbol.
// Returns how many cancels succeeded.
func (m *Manager) CancelAll(ctx context.Context, symbol string) int {
	var ids []string
	m.mu.RLock()
	for id, o := range m.orders {
		if !o.IsActive() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	count := 0
	for _, id := range ids {
		if err := m.Cancel(ctx, id); err != nil {
			m.logger.Error("cancel failed", "cl_ord_id", id, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		m.logger.Info("orders cancelled", "count", count, "symbol", symbol)
	}
	return count
}

// Replace cancels an order and places a fresh one at the new price
// (and quantity, when non-zero).
func (m *Manager) Replace(ctx context.Context, clOrdID string, newPrice, newQty decimal.Decimal) (ManagedOrder, error) {
	m.mu.RLock()
	old, ok := m.orders[clOrdID]
	if !ok {
		m.mu.RUnlock()
		return ManagedOrder{}, fmt.Errorf("replace: unknown order %s", clOrdID)
	}
	symbol, side, rung := old.Symbol, old.Side, old.LadderIndex
	qty := decimal.NewFromFloat(old.Quantity)
	m.mu.RUnlock()

	if err := m.Cancel(ctx, clOrdID); err != nil {
		return ManagedOrder{}, err
	}
	if !newQty.IsZero() {
		qty = newQty
	}
	return m.PlaceLimit(ctx, symbol, side, newPrice, qty, rung)
}

// Get returns a copy of one order.
func (m *Manager) Get(clOrdID string) (ManagedOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[clOrdID]
	if !ok {
		return ManagedOrder{}, false
	}
	return *o, true
}

// ActiveOrders returns copies of active orders, optionally for one symbol.
func (m *Manager) ActiveOrders(symbol string) []ManagedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ManagedOrder
	for _, o := range m.orders {
		if !o.IsActive() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// ActiveOrdersBySide filters active orders to one side.
func (m *Manager) ActiveOrdersBySide(symbol string, side types.Side) []ManagedOrder {
	var out []ManagedOrder
	for _, o := range m.ActiveOrders(symbol) {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// TotalNotional sums active-order notional, optionally for one symbol.
func (m *Manager) TotalNotional(symbol string) float64 {
	total := 0.0
	for _, o := range m.ActiveOrders(symbol) {
		total += o.Notional()
	}
	return total
}

// ApplyExchangeEvent folds a private order-channel event into local state.
func (m *Manager) ApplyExchangeEvent(evt types.ExchangeOrder) {
	if evt.ClOrdID == "" {
		return
	}

	m.mu.Lock()
	order, ok := m.orders[evt.ClOrdID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if evt.OrderID != "" {
		order.OrderID = evt.OrderID
	}
	if evt.FilledQty > order.FilledQty {
		order.FilledQty = evt.FilledQty
	}

	var to State
	switch evt.Status {
	case "open", "new", "partially_filled":
		to = StateOpen
	case "filled":
		order.FilledQty = order.Quantity
		to = StateFilled
	case "cancelled", "canceled":
		to = StateCancelled
	case "rejected":
		to = StateRejected
	default:
		m.mu.Unlock()
		return
	}
	snap, changed := m.transitionLocked(order, to, "")
	m.mu.Unlock()
	if changed {
		m.notify(snap)
	}
}

// Sync reconciles local state against query_open_orders. An active local
// order missing from the exchange is handled by age:
//
//	< 3s          the exchange may not have indexed it yet; skip
//	3s – 10s      query_order; honour terminal statuses only
//	> 10s + 404   declare CANCELLED
func (m *Manager) Sync(ctx context.Context, symbol string) error {
	open, err := m.gw.OpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("sync %s: %w", symbol, err)
	}

	onExchange := make(map[string]types.ExchangeOrder, len(open))
	for _, o := range open {
		if o.ClOrdID != "" {
			onExchange[o.ClOrdID] = o
		}
	}

	// Snapshot the active set, then reconcile order by order so the lock
	// is never held across a REST call.
	m.mu.RLock()
	var actives []string
	for id, o := range m.orders {
		if !o.IsActive() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		actives = append(actives, id)
	}
	m.mu.RUnlock()

	for _, clOrdID := range actives {
		if ex, ok := onExchange[clOrdID]; ok {
			m.mu.Lock()
			var snap ManagedOrder
			var changed bool
			if order, ok := m.orders[clOrdID]; ok && order.IsActive() {
				if ex.OrderID != "" {
					order.OrderID = ex.OrderID
				}
				if ex.FilledQty > order.FilledQty {
					order.FilledQty = ex.FilledQty
				}
				snap, changed = m.transitionLocked(order, StateOpen, "")
			}
			m.mu.Unlock()
			if changed {
				m.notify(snap)
			}
			continue
		}

		m.mu.RLock()
		order, ok := m.orders[clOrdID]
		var age time.Duration
		if ok {
			age = time.Since(order.CreatedAt)
		}
		m.mu.RUnlock()
		if !ok {
			continue
		}

		if age < 3*time.Second {
			continue
		}

		detail, err := m.gw.QueryOrder(ctx, "", clOrdID)
		if err != nil {
			if exchange.IsNotFound(err) && age > 10*time.Second {
				m.mu.Lock()
				var snap ManagedOrder
				var changed bool
				if order, ok := m.orders[clOrdID]; ok {
					snap, changed = m.transitionLocked(order, StateCancelled, "")
				}
				m.mu.Unlock()
				if changed {
					m.notify(snap)
				}
				m.logger.Debug("order missing past tolerance, cancelled locally", "cl_ord_id", clOrdID)
			}
			continue
		}

		if !detail.IsTerminal() {
			continue
		}

		m.mu.Lock()
		var snap ManagedOrder
		var changed bool
		if order, ok := m.orders[clOrdID]; ok {
			switch detail.Status {
			case "filled":
				order.FilledQty = detail.FilledQty
				snap, changed = m.transitionLocked(order, StateFilled, "")
			case "cancelled", "canceled":
				snap, changed = m.transitionLocked(order, StateCancelled, "")
			case "rejected":
				snap, changed = m.transitionLocked(order, StateRejected, "")
			}
		}
		m.mu.Unlock()
		if changed {
			m.notify(snap)
		}
	}

	return nil
}

// Prune drops terminal orders older than maxAge to bound the map.
func (m *Manager) Prune(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	cutoff := time.Now().Add(-maxAge)
	for id, o := range m.orders {
		if o.State.IsTerminal() && o.UpdatedAt.Before(cutoff) {
			delete(m.orders, id)
			n++
		}
	}
	return n
}
