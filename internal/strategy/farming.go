// Package strategy implements the maker points-farming loop for StandX
// perpetuals.
//
// StandX pays points to liquidity resting near the mark price: full weight
// inside ±10 bps (Band A), decaying outside. Points scale with order
// notional × dwell time, so the strategy's whole job is to keep a tight
// two-sided ladder alive as continuously as possible — while never actually
// trading. A fill is a failure mode: it creates inventory that has to be
// liquidated at market.
//
// Per tick (~1s) the loop:
//  1. bails on emergency stop,
//  2. drains queued liquidations,
//  3. idles while a held position is being monitored,
//  4. idles through a consecutive-fill pause,
//  5. services a force-rebalance request,
//  6. per symbol: refills missing rungs, rebalances rungs that left
//     Band A, or rebalances on reference drift,
//  7. integrates the points estimate,
//  8. reconciles local orders with the exchange every couple of seconds.
//
// Fast-path protection (fill protection, safety guard) runs on its own
// 100 ms loops; this loop only places.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/londonpotato1/standx-maker-bot/internal/config"
	"github.com/londonpotato1/standx-maker-bot/internal/market"
	"github.com/londonpotato1/standx-maker-bot/internal/orders"
	"github.com/londonpotato1/standx-maker-bot/internal/risk"
	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

// ErrEmergencyStop terminates the control loop; main translates it into a
// non-zero exit after best-effort cleanup.
var ErrEmergencyStop = errors.New("strategy: emergency stop")

// priceSource is the slice of the price tracker the strategy reads.
type priceSource interface {
	Price(symbol string) (types.PriceInfo, bool)
	ReferencePrice(ctx context.Context, symbol string) float64
	VolatilityBps(symbol string, window time.Duration) float64
	IsStale(symbol string) bool
}

// accountSource fetches balance and positions over REST.
type accountSource interface {
	Balance(ctx context.Context) (types.Balance, error)
	Positions(ctx context.Context, symbol string) ([]types.Position, error)
}

// SymbolState tracks one symbol's ladder. Rung slots hold client order ids;
// the orders themselves live in the order manager.
type SymbolState struct {
	buyRungs  []string // index = ladder position, "" = empty
	sellRungs []string

	lastReferencePrice     float64
	rebalanceCooldownUntil time.Time
	lastSyncTime           time.Time
}

// liquidation is one queued market-close request. attempts counts failed
// sends; the queue retries until maxLiquidationAttempts, then escalates.
type liquidation struct {
	symbol   string
	side     types.Side
	qty      float64
	attempts int
}

// maxLiquidationAttempts bounds liquidation retries. Being unable to
// flatten is a fatal invariant: past this the guard stops everything.
const maxLiquidationAttempts = 3

// Strategy is the farming orchestrator.
type Strategy struct {
	cfg     config.Config
	prices  priceSource
	account accountSource
	bands   market.BandCalculator
	manager *orders.Manager
	guard   *risk.Guard
	protect *risk.FillProtection
	logger  *slog.Logger

	stats *statsBox

	mu            sync.Mutex
	states        map[string]*SymbolState
	effectiveSize float64
	ordersEnabled bool
	forceRebal    bool

	held       *HeldPosition
	heldCancel context.CancelFunc

	pendingLiqs []liquidation

	// consecutive-fill breaker
	fillTimes       []time.Time
	pauseUntil      time.Time
	escalationLevel int
	lastPauseEnd    time.Time
	closeAllPending bool
	pauseLogged     time.Time

	// remote-control mutations queued for the loop goroutine
	pendingOps []func(ctx context.Context)

	runCtx context.Context // set by Run; used by callbacks spawning monitors
}

// New wires the strategy to its collaborators and subscribes to order
// updates.
func New(
	cfg config.Config,
	prices priceSource,
	account accountSource,
	manager *orders.Manager,
	guard *risk.Guard,
	protect *risk.FillProtection,
	logger *slog.Logger,
) *Strategy {
	s := &Strategy{
		cfg:           cfg,
		prices:        prices,
		account:       account,
		bands:         market.NewBandCalculator(market.DefaultBandConfig(), 9.2),
		manager:       manager,
		guard:         guard,
		protect:       protect,
		logger:        logger.With("component", "farming"),
		stats:         newStatsBox(),
		states:        make(map[string]*SymbolState),
		effectiveSize: cfg.Strategy.OrderSizeUSD,
		ordersEnabled: cfg.Strategy.StartEnabled,
	}

	for _, sym := range cfg.Strategy.Symbols {
		s.states[sym] = &SymbolState{
			buyRungs:  make([]string, cfg.Strategy.NumOrdersPerSide),
			sellRungs: make([]string, cfg.Strategy.NumOrdersPerSide),
		}
	}

	manager.OnUpdate(s.onOrderUpdate)
	return s
}

// Stats returns a copy of the counters with points brought current.
func (s *Strategy) Stats() FarmingStats {
	s.stats.accruePoints(s.manager.TotalNotional(""))
	return s.stats.snapshot()
}

// Run starts the guard and protection loops and drives the control loop
// until ctx is cancelled or an emergency stop fires.
func (s *Strategy) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	symbols := s.cfg.Strategy.Symbols

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.guard.Run(ctx, symbols)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.guard.RunPositionCheck(ctx, symbols)
	}()
	if s.protect != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.protect.Run(ctx, symbols)
		}()
	}
	defer wg.Wait()

	// Size against the live wallet before the first placement.
	size := s.effectiveOrderSize(ctx)
	s.mu.Lock()
	s.effectiveSize = size
	enabled := s.ordersEnabled
	s.mu.Unlock()

	s.logger.Info("farming started",
		"symbols", symbols,
		"orders_per_side", s.cfg.Strategy.NumOrdersPerSide,
		"distances_bps", s.cfg.Strategy.OrderDistancesBps,
		"order_size_usd", s.cfg.Strategy.OrderSizeUSD,
		"orders_enabled", enabled,
	)

	ticker := time.NewTicker(s.cfg.Strategy.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				if errors.Is(err, ErrEmergencyStop) {
					s.shutdown()
					return err
				}
				// The loop never dies to an unexpected error: log, breathe,
				// continue.
				s.logger.Error("tick failed", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

// tick is one pass of the control loop.
func (s *Strategy) tick(ctx context.Context) error {
	if s.guard.EmergencyStopped() {
		return ErrEmergencyStop
	}

	s.applyPendingOps(ctx)

	s.processPendingLiquidations(ctx)

	s.mu.Lock()
	holding := s.held != nil
	s.mu.Unlock()
	if holding {
		// The monitor goroutine owns this phase.
		return nil
	}

	if s.handleConsecutiveFillPause(ctx) {
		return nil
	}
	s.checkEscalationReset()

	s.mu.Lock()
	enabled := s.ordersEnabled
	force := s.forceRebal
	s.forceRebal = false
	s.mu.Unlock()

	if !enabled {
		return nil
	}

	if force {
		s.logger.Info("force rebalance requested")
		size := s.effectiveOrderSize(ctx)
		s.mu.Lock()
		s.effectiveSize = size
		s.mu.Unlock()

		s.manager.CancelAll(ctx, "")
		for _, sym := range s.cfg.Strategy.Symbols {
			s.placeOrders(ctx, sym)
		}
		return nil
	}

	for _, sym := range s.cfg.Strategy.Symbols {
		needed, reason, replenish := s.checkRebalance(ctx, sym)
		if !needed {
			continue
		}
		if replenish {
			s.logger.Info("replenishing ladder", "symbol", sym, "reason", reason)
			s.placeOrders(ctx, sym)
		} else {
			s.rebalance(ctx, sym, reason, false)
		}
	}

	s.stats.accruePoints(s.manager.TotalNotional(""))

	now := time.Now()
	for _, sym := range s.cfg.Strategy.Symbols {
		st := s.states[sym]
		if now.Sub(st.lastSyncTime) >= 2*time.Second {
			if err := s.manager.Sync(ctx, sym); err != nil {
				s.logger.Error("sync failed", "symbol", sym, "error", err)
			}
			st.lastSyncTime = now
		}
	}

	return nil
}

// shutdown pulls every order and flattens any held position.
func (s *Strategy) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	heldCancel := s.heldCancel
	s.mu.Unlock()
	if heldCancel != nil {
		// The monitor performs the final market close itself.
		heldCancel()
	}

	s.manager.CancelAll(ctx, "")

	st := s.Stats()
	fields := []any{
		"fills", st.Fills,
		"take_profits", st.TakeProfits,
		"stop_losses", st.StopLosses,
		"timeouts", st.Timeouts,
		"estimated_points", st.EstimatedPoints,
	}
	if s.protect != nil {
		fp := s.protect.Stats()
		fields = append(fields,
			"protection_ref_triggers", fp.ReferenceTriggers,
			"protection_queue_triggers", fp.QueueTriggers,
			"protection_cancels", fp.OrdersCancelled,
		)
	}
	s.logger.Info("farming stopped", fields...)
}

// ————————————————————————————————————————————————————————————————————————
// Placement
// ————————————————————————————————————————————————————————————————————————

// rungDistance picks the quote distance for a rung. The 1+1 strategy uses
// the dynamic spread/volatility distance; ladders use the configured
// per-rung distances.
func (s *Strategy) rungDistance(symbol string, rung int) float64 {
	strat := s.cfg.Strategy
	if strat.NumOrdersPerSide == 1 && strat.DynamicDistance.Enabled {
		price, ok := s.prices.Price(symbol)
		if ok {
			vol := s.prices.VolatilityBps(symbol, 10*time.Second)
			return market.DynamicDistance(
				price.SpreadBps, vol, 0,
				strat.DynamicDistance.MinBps,
				strat.DynamicDistance.MaxBps,
				strat.DynamicDistance.SpreadFactor,
				strat.DynamicDistance.VolatilityFactor,
			)
		}
	}
	distances := strat.OrderDistancesBps
	if rung < len(distances) {
		return distances[rung]
	}
	return distances[len(distances)-1]
}

// placeRung places one order and locks it. Returns the client id, or "".
func (s *Strategy) placeRung(ctx context.Context, symbol string, side types.Side, rung int) string {
	ref := s.prices.ReferencePrice(ctx, symbol)
	if ref <= 0 {
		s.logger.Warn("no reference price, rung skipped", "symbol", symbol)
		return ""
	}

	d := s.rungDistance(symbol, rung)
	raw := ref * (1 - d/10000)
	if side == types.SELL {
		raw = ref * (1 + d/10000)
	}

	price := RoundPrice(symbol, raw)
	qty := s.orderQuantity(symbol, price.InexactFloat64(), rung)
	if qty.IsZero() {
		s.logger.Warn("zero quantity, rung skipped", "symbol", symbol, "rung", rung)
		return ""
	}

	order, err := s.manager.PlaceLimit(ctx, symbol, side, price, qty, rung)
	if err != nil {
		s.logger.Error("placement failed",
			"symbol", symbol, "side", string(side), "rung", rung, "error", err)
		return ""
	}

	lock := time.Duration(s.cfg.Strategy.OrderLockSeconds * float64(time.Second))
	s.guard.SetLock(order.ClOrdID, lock)
	s.stats.update(func(st *FarmingStats) { st.OrdersPlaced++ })

	s.logger.Info("rung placed",
		"symbol", symbol, "side", string(side), "rung", rung,
		"price", price.String(), "qty", qty.String(), "distance_bps", d)
	return order.ClOrdID
}

// placeOrders fills every empty rung, interleaving sides so the book is
// never one-sided longer than a single placement.
func (s *Strategy) placeOrders(ctx context.Context, symbol string) {
	if s.guard.IsPaused(symbol) {
		s.logger.Warn("placement deferred, pre-kill active",
			"symbol", symbol, "remaining", s.guard.PauseRemaining(symbol))
		return
	}

	st := s.states[symbol]

	for rung := 0; rung < s.cfg.Strategy.NumOrdersPerSide; rung++ {
		if !s.rungActive(st.buyRungs[rung]) {
			st.buyRungs[rung] = s.placeRung(ctx, symbol, types.BUY, rung)
		}
		if !s.rungActive(st.sellRungs[rung]) {
			st.sellRungs[rung] = s.placeRung(ctx, symbol, types.SELL, rung)
		}
	}

	if ref := s.prices.ReferencePrice(ctx, symbol); ref > 0 {
		st.lastReferencePrice = ref
	}
}

func (s *Strategy) rungActive(clOrdID string) bool {
	if clOrdID == "" {
		return false
	}
	o, ok := s.manager.Get(clOrdID)
	return ok && o.IsActive()
}

func (s *Strategy) activeCounts(st *SymbolState) (buys, sells int) {
	for _, id := range st.buyRungs {
		if s.rungActive(id) {
			buys++
		}
	}
	for _, id := range st.sellRungs {
		if s.rungActive(id) {
			sells++
		}
	}
	return
}

// ————————————————————————————————————————————————————————————————————————
// Rebalance
// ————————————————————————————————————————————————————————————————————————

// checkRebalance decides whether a symbol needs work. replenish=true means
// rungs are missing (fills or cancels knocked them out) and cooldown does
// not apply; otherwise the reason is a band exit or reference drift.
func (s *Strategy) checkRebalance(ctx context.Context, symbol string) (needed bool, reason string, replenish bool) {
	st := s.states[symbol]
	want := s.cfg.Strategy.NumOrdersPerSide

	buys, sells := s.activeCounts(st)
	if buys < want || sells < want {
		return true, "missing rungs", true
	}

	if time.Now().Before(st.rebalanceCooldownUntil) {
		return false, "", false
	}

	ref := s.prices.ReferencePrice(ctx, symbol)
	if ref <= 0 {
		return false, "", false
	}

	for _, id := range st.buyRungs {
		if o, ok := s.manager.Get(id); ok && o.IsActive() && s.bands.NeedsRebalance(ref, o.Price) {
			return true, "buy rung left band A", false
		}
	}
	for _, id := range st.sellRungs {
		if o, ok := s.manager.Get(id); ok && o.IsActive() && s.bands.NeedsRebalance(ref, o.Price) {
			return true, "sell rung left band A", false
		}
	}

	if st.lastReferencePrice > 0 {
		drift := market.DistanceBps(st.lastReferencePrice, ref)
		if drift > s.cfg.Strategy.DriftThresholdBps {
			return true, "reference drift", false
		}
	}

	return false, "", false
}

// rebalanceTarget is one rung scheduled for cancel-and-replace.
type rebalanceTarget struct {
	side types.Side
	rung int
	id   string
}

// rebalance cancels and replaces the rungs that need it, interleaving
// BUY₁,SELL₁,BUY₂,SELL₂ so that at every intermediate step at least one
// order rests on each side. Rungs younger than the lock window are left
// alone unless force is set. Remote-control size/leverage changes do not
// come through here; they use tick's force-rebalance path.
func (s *Strategy) rebalance(ctx context.Context, symbol, reason string, force bool) {
	if s.guard.IsPaused(symbol) {
		s.logger.Warn("rebalance deferred, pre-kill active",
			"symbol", symbol, "remaining", s.guard.PauseRemaining(symbol))
		return
	}

	st := s.states[symbol]
	ref := s.prices.ReferencePrice(ctx, symbol)
	if ref <= 0 {
		s.logger.Warn("no reference price, rebalance skipped", "symbol", symbol)
		return
	}

	drift := reason == "reference drift"
	minAge := time.Duration(s.cfg.Strategy.OrderLockSeconds * float64(time.Second))

	collect := func(side types.Side, rungs []string) []rebalanceTarget {
		var out []rebalanceTarget
		for rung, id := range rungs {
			o, ok := s.manager.Get(id)
			if !ok || !o.IsActive() {
				continue
			}
			if !force {
				if age := time.Since(o.CreatedAt); age < minAge {
					continue
				}
				if !drift && !s.bands.NeedsRebalance(ref, o.Price) {
					continue
				}
			}
			out = append(out, rebalanceTarget{side: side, rung: rung, id: id})
		}
		return out
	}

	buyTargets := collect(types.BUY, st.buyRungs)
	sellTargets := collect(types.SELL, st.sellRungs)

	// Interleave to preserve two-sidedness.
	var sequence []rebalanceTarget
	for i := 0; i < len(buyTargets) || i < len(sellTargets); i++ {
		if i < len(buyTargets) {
			sequence = append(sequence, buyTargets[i])
		}
		if i < len(sellTargets) {
			sequence = append(sequence, sellTargets[i])
		}
	}

	s.logger.Info("rebalancing", "symbol", symbol, "reason", reason, "rungs", len(sequence))

	for _, t := range sequence {
		s.guard.ClearLock(t.id)
		if err := s.manager.Cancel(ctx, t.id); err != nil {
			s.logger.Error("rebalance cancel failed", "cl_ord_id", t.id, "error", err)
		}

		newID := s.placeRung(ctx, symbol, t.side, t.rung)
		if t.side == types.BUY {
			st.buyRungs[t.rung] = newID
		} else {
			st.sellRungs[t.rung] = newID
		}
	}

	st.lastReferencePrice = ref
	st.rebalanceCooldownUntil = time.Now().Add(
		time.Duration(s.cfg.Strategy.RebalanceCooldownSeconds * float64(time.Second)))
	s.stats.update(func(fs *FarmingStats) { fs.Rebalances++ })
}

// ————————————————————————————————————————————————————————————————————————
// Fills and liquidation
// ————————————————————————————————————————————————————————————————————————

// onOrderUpdate is the manager's transition callback. At-least-once
// delivery: everything here is idempotent or counter-based.
func (s *Strategy) onOrderUpdate(o orders.ManagedOrder) {
	switch o.State {
	case orders.StateCancelled:
		s.stats.update(func(st *FarmingStats) { st.OrdersCancelled++ })

	case orders.StateFilled:
		if o.IsLiquidation() {
			// Our own market close coming back around.
			s.logger.Debug("liquidation fill observed", "cl_ord_id", o.ClOrdID)
			return
		}
		s.handleMakerFill(o)
	}
}

// startHeldLocked installs pos as the live held position and spawns its
// monitor. Caller holds s.mu.
func (s *Strategy) startHeldLocked(pos HeldPosition) {
	p := pos
	s.held = &p

	parent := s.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s.heldCancel = cancel
	go s.monitorHeldPosition(ctx, p)
}

// handleMakerFill runs the whole fill pipeline: count it, arm the breaker,
// and resolve the inventory the fill created. The first fill enters the
// held-position state; because the monitor cancels the symbol's other
// rungs over sequential REST calls, another rung can still fill before
// those cancels land, and that fill must not be dropped:
//
//   - same symbol, same side: folded into the live position
//     (size plus weighted-average entry), so the close covers it;
//   - same symbol, opposite side: offsets the position, clearing or
//     flipping it;
//   - different symbol: queued for independent liquidation.
func (s *Strategy) handleMakerFill(o orders.ManagedOrder) {
	s.logger.Warn("maker order filled",
		"symbol", o.Symbol, "side", string(o.Side), "qty", o.Quantity, "price", o.Price)

	s.stats.update(func(st *FarmingStats) { st.Fills++ })
	s.recordFill()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.held == nil:
		s.startHeldLocked(HeldPosition{
			Symbol:     o.Symbol,
			Side:       o.Side,
			Quantity:   o.Quantity,
			EntryPrice: o.Price,
			EntryTime:  time.Now(),
			TPPct:      heldTakeProfitPct,
			SLPct:      heldStopLossPct,
			Timeout:    heldTimeout,
		})

	case s.held.Symbol == o.Symbol && s.held.Side == o.Side:
		total := s.held.Quantity + o.Quantity
		s.held.EntryPrice = (s.held.EntryPrice*s.held.Quantity + o.Price*o.Quantity) / total
		s.held.Quantity = total
		s.logger.Warn("fill folded into held position",
			"symbol", o.Symbol, "qty", total, "entry", s.held.EntryPrice)

	case s.held.Symbol == o.Symbol:
		// Opposite side landed: the fill itself reduced the exchange
		// position.
		s.held.Quantity -= o.Quantity
		if s.held.Quantity > 1e-9 {
			s.logger.Warn("held position reduced by opposite fill",
				"symbol", o.Symbol, "qty", s.held.Quantity)
			return
		}
		flipped := -s.held.Quantity
		cancel := s.heldCancel
		s.held = nil
		s.heldCancel = nil
		if cancel != nil {
			cancel()
		}
		if flipped > 1e-9 {
			s.logger.Warn("held position flipped by opposite fill",
				"symbol", o.Symbol, "side", string(o.Side), "qty", flipped)
			s.startHeldLocked(HeldPosition{
				Symbol:     o.Symbol,
				Side:       o.Side,
				Quantity:   flipped,
				EntryPrice: o.Price,
				EntryTime:  time.Now(),
				TPPct:      heldTakeProfitPct,
				SLPct:      heldStopLossPct,
				Timeout:    heldTimeout,
			})
		} else {
			s.logger.Info("held position offset flat", "symbol", o.Symbol)
		}

	default:
		// Holding another symbol: this fill gets no monitor of its own,
		// so it must be flattened independently.
		s.pendingLiqs = append(s.pendingLiqs, liquidation{
			symbol: o.Symbol,
			side:   o.Side.Opposite(),
			qty:    o.Quantity,
		})
	}
}

// processPendingLiquidations drains the close queue. Every entry here is
// inventory nothing else is watching, so a failed send is retried on the
// next tick; a liquidation that keeps failing trips the emergency stop —
// running on with unhedged inventory is the one state the agent must
// never be in.
func (s *Strategy) processPendingLiquidations(ctx context.Context) {
	s.mu.Lock()
	pending := s.pendingLiqs
	s.pendingLiqs = nil
	s.mu.Unlock()

	for _, liq := range pending {
		if _, err := s.manager.PlaceMarketReduce(ctx, liq.symbol, liq.side, RoundQuantity(liq.symbol, liq.qty)); err != nil {
			liq.attempts++
			if liq.attempts >= maxLiquidationAttempts {
				s.guard.TriggerEmergencyStop(fmt.Sprintf(
					"liquidation failed %d times: %s %s %.6f",
					liq.attempts, liq.symbol, liq.side, liq.qty))
				continue
			}
			s.logger.Error("queued liquidation failed, will retry",
				"symbol", liq.symbol, "attempt", liq.attempts, "error", err)
			s.mu.Lock()
			s.pendingLiqs = append(s.pendingLiqs, liq)
			s.mu.Unlock()
			continue
		}
		s.stats.update(func(st *FarmingStats) { st.Liquidations++ })
	}
}

// closeAllPositions pulls every order and queues a close for every open
// position.
func (s *Strategy) closeAllPositions(ctx context.Context) {
	s.manager.CancelAll(ctx, "")

	positions, err := s.account.Positions(ctx, "")
	if err != nil {
		s.logger.Error("position fetch for close-all failed", "error", err)
		return
	}

	s.mu.Lock()
	for _, p := range positions {
		if p.Size <= 0 {
			continue
		}
		s.pendingLiqs = append(s.pendingLiqs, liquidation{
			symbol: p.Symbol,
			side:   p.Side.Opposite(),
			qty:    p.Size,
		})
	}
	n := len(s.pendingLiqs)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Warn("close-all queued", "positions", n)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Consecutive-fill breaker
// ————————————————————————————————————————————————————————————————————————

// recordFill arms the breaker: enough fills inside the window mean the
// market keeps coming through our band, and resting any quote is just
// feeding it.
func (s *Strategy) recordFill() {
	cfp := s.cfg.ConsecutiveFill
	if !cfp.Enabled {
		return
	}

	now := time.Now()
	window := time.Duration(cfp.WindowSeconds * float64(time.Second))

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.fillTimes[:0]
	for _, t := range s.fillTimes {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	s.fillTimes = append(kept, now)

	if len(s.fillTimes) < cfp.MaxFills {
		return
	}

	pause := time.Duration(cfp.PauseDurationSeconds * float64(time.Second))
	if s.escalationLevel >= 1 {
		pause = time.Duration(cfp.EscalatedPauseDurationSeconds * float64(time.Second))
	}

	s.pauseUntil = now.Add(pause)
	s.escalationLevel++
	s.closeAllPending = true
	s.fillTimes = nil
	s.stats.update(func(st *FarmingStats) { st.ConsecutiveFillPauses++ })

	s.logger.Warn("consecutive-fill pause engaged",
		"level", s.escalationLevel, "pause", pause, "max_fills", cfp.MaxFills)
}

// handleConsecutiveFillPause returns true while the breaker holds the loop.
// On the first paused tick it closes out all positions.
func (s *Strategy) handleConsecutiveFillPause(ctx context.Context) bool {
	s.mu.Lock()
	now := time.Now()
	paused := now.Before(s.pauseUntil)
	if !paused {
		if !s.pauseUntil.IsZero() && s.lastPauseEnd.Before(s.pauseUntil) {
			s.lastPauseEnd = now
			s.logger.Info("consecutive-fill pause ended", "level", s.escalationLevel)
		}
		s.mu.Unlock()
		return false
	}
	closeAll := s.closeAllPending
	s.closeAllPending = false
	remaining := time.Until(s.pauseUntil)
	level := s.escalationLevel
	logDue := now.Sub(s.pauseLogged) >= 10*time.Second
	if logDue {
		s.pauseLogged = now
	}
	s.mu.Unlock()

	if closeAll {
		s.logger.Warn("consecutive-fill pause: closing all positions")
		s.closeAllPositions(ctx)
		s.processPendingLiquidations(ctx)
	}
	if logDue {
		s.logger.Warn("consecutive-fill pause active", "level", level, "remaining", remaining.Round(time.Second))
	}
	return true
}

// checkEscalationReset drops the escalation level after a quiet spell.
func (s *Strategy) checkEscalationReset() {
	cfp := s.cfg.ConsecutiveFill
	if !cfp.Enabled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.escalationLevel == 0 || s.lastPauseEnd.IsZero() {
		return
	}
	resetAfter := time.Duration(cfp.EscalationResetSeconds * float64(time.Second))
	if time.Since(s.lastPauseEnd) >= resetAfter {
		s.logger.Info("consecutive-fill escalation reset", "from_level", s.escalationLevel)
		s.escalationLevel = 0
		s.lastPauseEnd = time.Time{}
	}
}
