// fillprotect.go pre-emptively cancels orders that are about to be filled.
//
// Two independent triggers feed one per-tick cancel set:
//
//   - Reference trigger: the secondary exchange's mark price leads the
//     primary by 100–500 ms. A ≥3 bps move over a 0.5 s window means the
//     StandX mark is about to follow — cancel the side the move threatens
//     (rise → BUYs, fall → SELLs).
//
//   - Queue trigger: per order, sum the notional resting ahead of it in the
//     book. If the queue thins below a floor, or drops sharply versus the
//     snapshot half a window ago, the order is next in line — cancel it.
//
// Smart Protection arbitrates against the Lock table: an order locked for
// less than the smart threshold is left alone (the dwell is worth more than
// the fill risk); past the threshold the lock is cleared and the cancel
// proceeds.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/config"
	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
	"github.com/londonpotato1/standx-maker-bot/internal/orders"
	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

const queueRingSize = 50 // orderbook snapshots kept per symbol

// referenceFeed is the slice of the secondary feed the protection reads.
type referenceFeed interface {
	ChangeBps(symbol string, window time.Duration) float64
}

// bookSource delivers orderbook snapshots (the StandX feed).
type bookSource interface {
	OnOrderbook(exchange.OrderbookCallback)
}

// FillStats counts protection activity.
type FillStats struct {
	ReferenceTriggers int
	QueueTriggers     int
	OrdersCancelled   int
	OrdersSkipped     int // spared by smart protection
}

// cancelIntent is one entry of the per-tick merged cancel set.
type cancelIntent struct {
	order  orders.ManagedOrder
	reason string
	queue  bool // true when the queue trigger raised it
}

// FillProtection watches for impending adverse fills and cancels ahead of
// them.
type FillProtection struct {
	cfg     config.FillProtectionConfig
	ref     referenceFeed
	guard   *Guard
	manager orderView
	logger  *slog.Logger

	enabled atomic.Bool // remote-control master switch

	mu       sync.Mutex
	rings    map[string][]types.OrderbookSnapshot // symbol -> ring, newest last
	cooldown map[string]time.Time                 // symbol -> reference-trigger cooldown end
	stats    FillStats
}

// SetEnabled toggles the whole subsystem at runtime.
func (fp *FillProtection) SetEnabled(on bool) {
	fp.enabled.Store(on)
	fp.logger.Warn("fill protection toggled", "enabled", on)
}

// Enabled reports the master switch.
func (fp *FillProtection) Enabled() bool {
	return fp.enabled.Load()
}

// NewFillProtection creates the protection and subscribes it to the book.
func NewFillProtection(
	cfg config.FillProtectionConfig,
	ref referenceFeed,
	books bookSource,
	guard *Guard,
	manager orderView,
	logger *slog.Logger,
) *FillProtection {
	fp := &FillProtection{
		cfg:      cfg,
		ref:      ref,
		guard:    guard,
		manager:  manager,
		logger:   logger.With("component", "fill_protection"),
		rings:    make(map[string][]types.OrderbookSnapshot),
		cooldown: make(map[string]time.Time),
	}
	fp.enabled.Store(true)
	if books != nil {
		books.OnOrderbook(fp.onOrderbook)
	}
	return fp
}

// Stats returns a copy of the counters.
func (fp *FillProtection) Stats() FillStats {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.stats
}

// onOrderbook appends a snapshot to the symbol's bounded ring.
func (fp *FillProtection) onOrderbook(ob types.OrderbookSnapshot) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	ring := append(fp.rings[ob.Symbol], ob)
	if len(ring) > queueRingSize {
		ring = ring[len(ring)-queueRingSize:]
	}
	fp.rings[ob.Symbol] = ring
}

// Run evaluates both triggers per symbol on a fast tick.
// Blocks until ctx is cancelled.
func (fp *FillProtection) Run(ctx context.Context, symbols []string) {
	interval := time.Duration(fp.cfg.CheckIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fp.logger.Info("fill protection started",
		"symbols", symbols,
		"reference_trigger_bps", fp.cfg.Binance.TriggerBps,
		"queue_drop_pct", fp.cfg.Queue.DropThresholdPercent,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				fp.tick(ctx, symbol)
			}
		}
	}
}

// tick gathers both triggers' victims into one set, then executes it.
// Merging first means an order wanted by both triggers is cancelled once
// and counted once.
func (fp *FillProtection) tick(ctx context.Context, symbol string) {
	if !fp.enabled.Load() {
		return
	}

	intents := make(map[string]cancelIntent)

	if side, change, ok := fp.referenceTrigger(symbol); ok {
		for _, o := range fp.manager.ActiveOrders(symbol) {
			if o.Side != side {
				continue
			}
			intents[o.ClOrdID] = cancelIntent{
				order:  o,
				reason: fmt.Sprintf("reference feed moved %+.1f bps", change),
			}
		}
	}

	if fp.cfg.Queue.Enabled {
		for _, o := range fp.queueVictims(symbol) {
			if _, dup := intents[o.ClOrdID]; dup {
				continue
			}
			intents[o.ClOrdID] = cancelIntent{order: o, reason: "queue ahead collapsed", queue: true}
		}
	}

	if len(intents) == 0 {
		return
	}
	fp.execute(ctx, symbol, intents)
}

// referenceTrigger checks the leading feed. Returns the side to cancel.
func (fp *FillProtection) referenceTrigger(symbol string) (types.Side, float64, bool) {
	if !fp.cfg.Binance.Enabled {
		return "", 0, false
	}

	fp.mu.Lock()
	until, cooling := fp.cooldown[symbol]
	fp.mu.Unlock()
	if cooling && time.Now().Before(until) {
		return "", 0, false
	}

	window := time.Duration(fp.cfg.Binance.WindowSeconds * float64(time.Second))
	change := fp.ref.ChangeBps(symbol, window)

	abs := change
	if abs < 0 {
		abs = -abs
	}
	if abs < fp.cfg.Binance.TriggerBps {
		return "", 0, false
	}

	fp.mu.Lock()
	fp.cooldown[symbol] = time.Now().Add(time.Duration(fp.cfg.Binance.CooldownSeconds * float64(time.Second)))
	fp.stats.ReferenceTriggers++
	fp.mu.Unlock()

	// A rise threatens resting BUYs, a fall threatens SELLs.
	if change > 0 {
		return types.BUY, change, true
	}
	return types.SELL, change, true
}

// queueAheadUSD sums the notional resting at-or-better than the order's
// price: for a BUY, bids priced ≥ ours; for a SELL, asks priced ≤ ours.
func queueAheadUSD(o orders.ManagedOrder, ob types.OrderbookSnapshot) float64 {
	total := 0.0
	switch o.Side {
	case types.BUY:
		for _, l := range ob.Bids {
			if l.Price >= o.Price {
				total += l.Price * l.Quantity
			}
		}
	case types.SELL:
		for _, l := range ob.Asks {
			if l.Price <= o.Price {
				total += l.Price * l.Quantity
			}
		}
	}
	return total
}

// queueVictims returns active orders whose queue ahead has thinned or
// collapsed.
func (fp *FillProtection) queueVictims(symbol string) []orders.ManagedOrder {
	fp.mu.Lock()
	ring := fp.rings[symbol]
	fp.mu.Unlock()

	if len(ring) < 2 {
		return nil
	}

	now := time.Now()
	half := time.Duration(fp.cfg.Queue.WindowSeconds * float64(time.Second) / 2)

	// Newest snapshot, and the newest one older than half a window.
	newest := ring[len(ring)-1]
	var older *types.OrderbookSnapshot
	for i := len(ring) - 1; i >= 0; i-- {
		if now.Sub(ring[i].ReceivedAt) > half {
			older = &ring[i]
			break
		}
	}
	if older == nil {
		return nil
	}

	var victims []orders.ManagedOrder
	triggered := false

	for _, o := range fp.manager.ActiveOrders(symbol) {
		newQueue := queueAheadUSD(o, newest)
		oldQueue := queueAheadUSD(o, *older)

		if newQueue < fp.cfg.Queue.MinQueueAheadUSD {
			fp.logger.Debug("queue ahead under floor",
				"cl_ord_id", o.ClOrdID, "queue_usd", newQueue)
			victims = append(victims, o)
			triggered = true
			continue
		}
		if oldQueue > 0 {
			dropPct := (oldQueue - newQueue) / oldQueue * 100
			if dropPct > fp.cfg.Queue.DropThresholdPercent {
				fp.logger.Debug("queue ahead dropped",
					"cl_ord_id", o.ClOrdID, "old_usd", oldQueue, "new_usd", newQueue, "drop_pct", dropPct)
				victims = append(victims, o)
				triggered = true
			}
		}
	}

	if triggered {
		fp.mu.Lock()
		fp.stats.QueueTriggers++
		fp.mu.Unlock()
	}
	return victims
}

// execute applies Smart Protection and cancels the surviving intents.
func (fp *FillProtection) execute(ctx context.Context, symbol string, intents map[string]cancelIntent) {
	threshold := time.Duration(fp.cfg.SmartProtectionThresholdSeconds * float64(time.Second))
	cancelled, skipped := 0, 0

	for _, intent := range intents {
		o := intent.order

		if elapsed, locked := fp.guard.LockElapsed(o.ClOrdID); locked && elapsed < threshold {
			// Dwell first: the lock has not earned its keep yet.
			fp.logger.Debug("smart protection spared order",
				"cl_ord_id", o.ClOrdID, "lock_elapsed", elapsed, "threshold", threshold)
			skipped++
			continue
		}

		fp.guard.ClearLock(o.ClOrdID)
		if err := fp.manager.Cancel(ctx, o.ClOrdID); err != nil {
			fp.logger.Error("protection cancel failed", "cl_ord_id", o.ClOrdID, "error", err)
			continue
		}
		cancelled++
		fp.logger.Warn("order cancelled pre-emptively",
			"cl_ord_id", o.ClOrdID, "side", string(o.Side), "reason", intent.reason)
	}

	fp.mu.Lock()
	fp.stats.OrdersCancelled += cancelled
	fp.stats.OrdersSkipped += skipped
	fp.mu.Unlock()
}
