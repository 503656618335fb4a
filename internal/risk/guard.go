// Package risk implements the safety tiers that keep resting quotes from
// turning into positions.
//
// Guard owns the order Lock table and evaluates three tiers each tick,
// in this order:
//
//  1. Hard Kill — catastrophic signals (spread collapse, 1 s volatility
//     spike). Bypasses Locks: every order for the symbol is cancelled and
//     its Locks are force-cleared. Stale data is deliberately NOT a hard
//     kill: it gets a warning and the REST fallback, nothing else.
//  2. Pre-Kill — elevated risk (volatility, mark/mid divergence). New
//     placements pause for a few seconds; existing orders keep accruing.
//  3. Dangerous proximity — an order within cancel_if_within_bps of the
//     opposite top-of-book is cancelled unless it is Locked.
//
// A separate, slower loop polls positions over REST and raises
// EMERGENCY_STOP when notional stays over the cap past a grace period.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/config"
	"github.com/londonpotato1/standx-maker-bot/internal/orders"
	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

// SafetyAction classifies guard decisions for subscribers.
type SafetyAction string

const (
	ActionCancelOrder   SafetyAction = "cancel_order"
	ActionHardKill      SafetyAction = "hard_kill"
	ActionPreKillPause  SafetyAction = "pre_kill_pause"
	ActionEmergencyStop SafetyAction = "emergency_stop"
)

// SafetyEvent is emitted on every guard decision.
type SafetyEvent struct {
	Action SafetyAction
	Symbol string
	Reason string
	At     time.Time
}

// SafetyCallback observes guard events. Must not block.
type SafetyCallback func(SafetyEvent)

// priceView is the slice of the price tracker the guard reads.
type priceView interface {
	Price(symbol string) (types.PriceInfo, bool)
	VolatilityBps(symbol string, window time.Duration) float64
}

// orderView is the slice of the order manager the guard drives.
type orderView interface {
	ActiveOrders(symbol string) []orders.ManagedOrder
	Cancel(ctx context.Context, clOrdID string) error
}

// positionSource fetches live positions; this hits REST and therefore runs
// only in the dedicated position loop.
type positionSource interface {
	Positions(ctx context.Context, symbol string) ([]types.Position, error)
}

type lockWindow struct {
	start time.Time
	until time.Time
}

// Guard is the safety subsystem. One instance serves all symbols.
type Guard struct {
	cfg       config.SafetyConfig
	prices    priceView
	orders    orderView
	positions positionSource
	logger    *slog.Logger

	mu            sync.Mutex
	locks         map[string]lockWindow // clOrdID -> window
	preKillUntil  map[string]time.Time  // symbol -> pause end
	preKillReason map[string]string
	excessSince   map[string]time.Time // symbol -> first over-cap sighting

	emergencyStop atomic.Bool

	cbMu sync.RWMutex
	cbs  []SafetyCallback
}

// positionGrace is how long an over-cap position may persist before the
// guard escalates to EMERGENCY_STOP.
const positionGrace = 5 * time.Second

// NewGuard creates the safety guard.
func NewGuard(cfg config.SafetyConfig, prices priceView, ov orderView, ps positionSource, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:           cfg,
		prices:        prices,
		orders:        ov,
		positions:     ps,
		logger:        logger.With("component", "safety_guard"),
		locks:         make(map[string]lockWindow),
		preKillUntil:  make(map[string]time.Time),
		preKillReason: make(map[string]string),
		excessSince:   make(map[string]time.Time),
	}
}

// OnEvent registers a safety-event callback.
func (g *Guard) OnEvent(cb SafetyCallback) {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	g.cbs = append(g.cbs, cb)
}

func (g *Guard) emit(action SafetyAction, symbol, reason string) {
	evt := SafetyEvent{Action: action, Symbol: symbol, Reason: reason, At: time.Now()}
	g.cbMu.RLock()
	cbs := g.cbs
	g.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(evt)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Lock table
// ————————————————————————————————————————————————————————————————————————

// SetLock protects an order from ordinary cancels for the given duration.
func (g *Guard) SetLock(clOrdID string, d time.Duration) {
	now := time.Now()
	g.mu.Lock()
	g.locks[clOrdID] = lockWindow{start: now, until: now.Add(d)}
	g.mu.Unlock()
}

// ClearLock removes an order's lock.
func (g *Guard) ClearLock(clOrdID string) {
	g.mu.Lock()
	delete(g.locks, clOrdID)
	g.mu.Unlock()
}

// IsLocked reports whether an order is currently lock-protected.
// Expired entries are swept lazily here.
func (g *Guard) IsLocked(clOrdID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	lw, ok := g.locks[clOrdID]
	if !ok {
		return false
	}
	if time.Now().After(lw.until) {
		delete(g.locks, clOrdID)
		return false
	}
	return true
}

// LockElapsed returns how long the order has been locked, or false when no
// live lock exists. Expired entries are swept.
func (g *Guard) LockElapsed(clOrdID string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	lw, ok := g.locks[clOrdID]
	if !ok {
		return 0, false
	}
	now := time.Now()
	if now.After(lw.until) {
		delete(g.locks, clOrdID)
		return 0, false
	}
	return now.Sub(lw.start), true
}

// clearSymbolLocks drops every lock belonging to the symbol's orders.
func (g *Guard) clearSymbolLocks(active []orders.ManagedOrder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range active {
		delete(g.locks, o.ClOrdID)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Pre-Kill
// ————————————————————————————————————————————————————————————————————————

// IsPaused reports whether new placements are suspended for the symbol.
func (g *Guard) IsPaused(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.preKillUntil[symbol]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(g.preKillUntil, symbol)
		delete(g.preKillReason, symbol)
		g.logger.Info("pre-kill released", "symbol", symbol)
		return false
	}
	return true
}

// PauseRemaining returns how much pre-kill pause is left for the symbol.
func (g *Guard) PauseRemaining(symbol string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.preKillUntil[symbol]
	if !ok {
		return 0
	}
	r := time.Until(until)
	if r < 0 {
		return 0
	}
	return r
}

func (g *Guard) activatePreKill(symbol, reason string) {
	pause := time.Duration(g.cfg.PreKill.PauseDurationSeconds * float64(time.Second))

	g.mu.Lock()
	g.preKillUntil[symbol] = time.Now().Add(pause)
	g.preKillReason[symbol] = reason
	g.mu.Unlock()

	g.logger.Warn("pre-kill activated", "symbol", symbol, "reason", reason, "pause", pause)
	g.emit(ActionPreKillPause, symbol, reason)
}

// checkPreKill returns a non-empty reason when placements should pause.
func (g *Guard) checkPreKill(symbol string) string {
	price, ok := g.prices.Price(symbol)
	if !ok {
		return ""
	}

	if vol := g.prices.VolatilityBps(symbol, time.Second); vol > g.cfg.PreKill.VolThresholdBps {
		return fmt.Sprintf("volatility warning (%.1f bps/1s)", vol)
	}
	if div := price.MarkMidDivergenceBps(); div > g.cfg.PreKill.MarkMidDivergenceBps {
		return fmt.Sprintf("mark/mid divergence (%.1f bps)", div)
	}
	return ""
}

// ————————————————————————————————————————————————————————————————————————
// Hard Kill
// ————————————————————————————————————————————————————————————————————————

// checkHardKill returns a non-empty reason when the symbol must be flattened
// immediately, locks notwithstanding.
func (g *Guard) checkHardKill(symbol string) string {
	price, ok := g.prices.Price(symbol)
	if !ok {
		return ""
	}

	// Stale data never hard-kills: warn and let the REST fallback repair it.
	stale := time.Duration(g.cfg.HardKill.StaleThresholdSeconds * float64(time.Second))
	if price.Age() > stale {
		g.logger.Warn("price data stale", "symbol", symbol, "age", price.Age())
		return ""
	}

	if g.cfg.HardKill.MinSpreadBps > 0 && price.SpreadBps > 0 && price.SpreadBps < g.cfg.HardKill.MinSpreadBps {
		return fmt.Sprintf("spread collapse (%.2f bps)", price.SpreadBps)
	}
	if vol := g.prices.VolatilityBps(symbol, time.Second); vol > g.cfg.HardKill.MaxVolatilityBps {
		return fmt.Sprintf("volatility spike (%.1f bps/1s)", vol)
	}
	return ""
}

// executeHardKill force-clears the symbol's locks and cancels every active
// order for it.
func (g *Guard) executeHardKill(ctx context.Context, symbol, reason string) int {
	active := g.orders.ActiveOrders(symbol)
	g.clearSymbolLocks(active)

	count := 0
	for _, o := range active {
		if err := g.orders.Cancel(ctx, o.ClOrdID); err != nil {
			g.logger.Error("hard-kill cancel failed", "cl_ord_id", o.ClOrdID, "error", err)
			continue
		}
		count++
	}

	g.logger.Warn("HARD KILL", "symbol", symbol, "reason", reason, "cancelled", count)
	g.emit(ActionHardKill, symbol, reason)
	return count
}

// ————————————————————————————————————————————————————————————————————————
// Dangerous proximity
// ————————————————————————————————————————————————————————————————————————

// tooClose reports whether an order is within the configured distance of
// the opposite top-of-book (a BUY measured against the ask, a SELL against
// the bid).
func tooClose(o orders.ManagedOrder, price types.PriceInfo, thresholdBps float64) bool {
	if price.MidPrice <= 0 {
		return false
	}
	threshold := price.MidPrice * thresholdBps / 10000

	switch o.Side {
	case types.BUY:
		return price.BestAsk > 0 && price.BestAsk-o.Price <= threshold
	case types.SELL:
		return price.BestBid > 0 && o.Price-price.BestBid <= threshold
	}
	return false
}

// cancelDangerous cancels orders near execution, honouring locks.
func (g *Guard) cancelDangerous(ctx context.Context, symbol string) int {
	// Threshold 0 disables the rule entirely.
	if g.cfg.CancelIfWithinBps <= 0 {
		return 0
	}

	price, ok := g.prices.Price(symbol)
	if !ok {
		return 0
	}
	stale := time.Duration(g.cfg.HardKill.StaleThresholdSeconds * float64(time.Second))
	if price.Age() > stale {
		return 0
	}

	cancelled := 0
	for _, o := range g.orders.ActiveOrders(symbol) {
		if !tooClose(o, price, g.cfg.CancelIfWithinBps) {
			continue
		}
		if g.IsLocked(o.ClOrdID) {
			g.logger.Debug("proximity cancel deferred, order locked", "cl_ord_id", o.ClOrdID)
			continue
		}
		if err := g.orders.Cancel(ctx, o.ClOrdID); err != nil {
			g.logger.Error("proximity cancel failed", "cl_ord_id", o.ClOrdID, "error", err)
			continue
		}
		cancelled++
		g.logger.Warn("order cancelled near touch",
			"cl_ord_id", o.ClOrdID, "price", o.Price,
			"bid", price.BestBid, "ask", price.BestAsk)
		g.emit(ActionCancelOrder, symbol, "execution proximity")
	}
	return cancelled
}

// ————————————————————————————————————————————————————————————————————————
// Loops
// ————————————————————————————————————————————————————————————————————————

// Run evaluates the three tiers for each symbol on a fast tick.
// Blocks until ctx is cancelled.
func (g *Guard) Run(ctx context.Context, symbols []string) {
	interval := time.Duration(g.cfg.CheckIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.logger.Info("safety guard started", "symbols", symbols, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				if reason := g.checkHardKill(symbol); reason != "" {
					g.executeHardKill(ctx, symbol, reason)
					continue
				}
				if !g.IsPaused(symbol) {
					if reason := g.checkPreKill(symbol); reason != "" {
						g.activatePreKill(symbol, reason)
					}
				}
				g.cancelDangerous(ctx, symbol)
			}
		}
	}
}

// RunPositionCheck polls positions against the cap. Separate from Run
// because it blocks on REST and must not eat the fast tick.
func (g *Guard) RunPositionCheck(ctx context.Context, symbols []string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				g.checkPosition(ctx, symbol)
			}
		}
	}
}

// checkPosition raises EMERGENCY_STOP when a symbol's notional stays over
// max_position_usd for the full grace period. A position that shrinks back
// under the cap clears the first-seen timestamp.
func (g *Guard) checkPosition(ctx context.Context, symbol string) {
	positions, err := g.positions.Positions(ctx, symbol)
	if err != nil {
		g.logger.Error("position check failed", "symbol", symbol, "error", err)
		return
	}

	now := time.Now()
	over := false
	var notional float64

	for _, p := range positions {
		if n := p.Notional(); n > g.cfg.MaxPositionUSD {
			over = true
			notional = n
			break
		}
	}

	g.mu.Lock()
	since, seen := g.excessSince[symbol]
	if over && !seen {
		g.excessSince[symbol] = now
		g.mu.Unlock()
		g.logger.Warn("position over cap, grace running",
			"symbol", symbol, "notional", notional, "cap", g.cfg.MaxPositionUSD)
		return
	}
	if !over {
		if seen {
			delete(g.excessSince, symbol)
			g.mu.Unlock()
			g.logger.Info("position back under cap", "symbol", symbol)
			return
		}
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	if now.Sub(since) < positionGrace {
		g.logger.Warn("position still over cap",
			"symbol", symbol, "notional", notional, "elapsed", now.Sub(since))
		return
	}

	g.emergencyStop.Store(true)
	g.logger.Error("EMERGENCY STOP: position cap exceeded past grace",
		"symbol", symbol, "notional", notional, "cap", g.cfg.MaxPositionUSD)
	g.emit(ActionEmergencyStop, symbol, fmt.Sprintf("position $%.2f over cap for %s", notional, positionGrace))
}

// EmergencyStopped reports whether the guard has demanded a full stop.
func (g *Guard) EmergencyStopped() bool {
	return g.emergencyStop.Load()
}

// TriggerEmergencyStop forces the same terminal path the position cap
// uses. The strategy calls it when a fatal invariant breaks — a
// liquidation that keeps failing means inventory the agent cannot shed,
// and quoting must not continue over it.
func (g *Guard) TriggerEmergencyStop(reason string) {
	g.emergencyStop.Store(true)
	g.logger.Error("EMERGENCY STOP", "reason", reason)
	g.emit(ActionEmergencyStop, "", reason)
}
