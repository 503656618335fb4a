package strategy

import (
	"context"
	"time"

	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

// Held-position exit thresholds. Symmetric take-profit / stop-loss plus a
// hard timeout so a sideways market cannot pin capital.
const (
	heldTakeProfitPct = 1.0
	heldStopLossPct   = 1.0
	heldTimeout       = 300 * time.Second
	heldMonitorTick   = 500 * time.Millisecond
)

// HeldPosition is the single position the agent tolerates after a maker
// fill, watched until it exits. The live record lives on the strategy and
// can grow while the monitor runs: a second rung may fill before the
// monitor's cancels land, and that fill is folded in here rather than
// tracked separately.
type HeldPosition struct {
	Symbol     string
	Side       types.Side // BUY = long
	Quantity   float64
	EntryPrice float64
	EntryTime  time.Time
	TPPct      float64
	SLPct      float64
	Timeout    time.Duration
}

// pnlPct returns the signed percent move from entry for the position's
// direction.
func (h HeldPosition) pnlPct(current float64) float64 {
	if h.EntryPrice <= 0 || current <= 0 {
		return 0
	}
	raw := (current - h.EntryPrice) / h.EntryPrice * 100
	if h.Side == types.SELL {
		return -raw
	}
	return raw
}

// monitorHeldPosition watches the live held position and closes it at
// market on take-profit, stop-loss, timeout, or monitor cancellation.
// Every check re-reads the strategy's record, so fills folded in after the
// monitor started are covered by the close. Cancellation still closes the
// position: exiting with inventory is never acceptable.
func (s *Strategy) monitorHeldPosition(ctx context.Context, initial HeldPosition) {
	s.logger.Info("position monitor started",
		"symbol", initial.Symbol, "side", string(initial.Side),
		"qty", initial.Quantity, "entry", initial.EntryPrice,
		"tp_pct", initial.TPPct, "sl_pct", initial.SLPct, "timeout", initial.Timeout)

	// No quoting while holding: pull every maker order for the symbol.
	s.manager.CancelAll(ctx, initial.Symbol)

	ticker := time.NewTicker(heldMonitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown or explicit cancel: flatten regardless.
			s.closeHeldPosition(context.Background(), initial, "monitor cancelled")
			return

		case <-ticker.C:
			s.mu.Lock()
			if s.held == nil || !s.held.EntryTime.Equal(initial.EntryTime) {
				// Resolved elsewhere: an opposite-side fill offset it flat,
				// or a flip replaced it and owns its own monitor.
				s.mu.Unlock()
				return
			}
			pos := *s.held
			s.mu.Unlock()

			price, ok := s.prices.Price(pos.Symbol)
			if !ok || price.MarkPrice <= 0 {
				continue
			}

			pnl := pos.pnlPct(price.MarkPrice)
			elapsed := time.Since(pos.EntryTime)

			switch {
			case pnl >= pos.TPPct:
				s.stats.update(func(st *FarmingStats) { st.TakeProfits++ })
				s.closeHeldPosition(ctx, initial, "take profit")
				return
			case pnl <= -pos.SLPct:
				s.stats.update(func(st *FarmingStats) { st.StopLosses++ })
				s.closeHeldPosition(ctx, initial, "stop loss")
				return
			case elapsed >= pos.Timeout:
				s.stats.update(func(st *FarmingStats) { st.Timeouts++ })
				s.closeHeldPosition(ctx, initial, "timeout")
				return
			}

			s.logger.Debug("holding position",
				"symbol", pos.Symbol, "qty", pos.Quantity, "pnl_pct", pnl, "elapsed", elapsed)
		}
	}
}

// closeHeldPosition closes whatever quantity the live record holds at the
// moment of close, then clears it so quoting resumes. The entry time of
// `opened` identifies which position the caller is closing: a monitor
// whose position was already offset flat or flipped (and replaced by a
// newer record with its own monitor) must not touch the replacement. The
// record is taken off the strategy before the order goes out, so a fill
// racing in after that point starts a fresh position instead of vanishing
// into one that is already being closed. A failed close is queued as an
// ordinary liquidation so the control loop retries it (and escalates to
// emergency stop if it keeps failing).
func (s *Strategy) closeHeldPosition(ctx context.Context, opened HeldPosition, reason string) {
	s.mu.Lock()
	held := s.held
	if held == nil || !held.EntryTime.Equal(opened.EntryTime) {
		s.mu.Unlock()
		return
	}
	pos := *held
	s.held = nil
	s.heldCancel = nil
	s.mu.Unlock()

	side := pos.Side.Opposite()
	s.logger.Warn("closing held position",
		"symbol", pos.Symbol, "side", string(side), "qty", pos.Quantity, "reason", reason)

	if _, err := s.manager.PlaceMarketReduce(ctx, pos.Symbol, side, RoundQuantity(pos.Symbol, pos.Quantity)); err != nil {
		s.logger.Error("held-position close failed, queued for retry", "symbol", pos.Symbol, "error", err)
		s.mu.Lock()
		s.pendingLiqs = append(s.pendingLiqs, liquidation{symbol: pos.Symbol, side: side, qty: pos.Quantity})
		s.mu.Unlock()
		return
	}
	s.stats.update(func(st *FarmingStats) { st.Liquidations++ })
}
