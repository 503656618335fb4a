package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

// Remote control surface. These methods are safe to call from any
// goroutine: mutations are queued and applied by the control loop at the
// top of its next tick, so the loop's reads of strategy knobs never race.
// Each mutator returns a reply describing what was scheduled.

// schedule queues an op for the control loop.
func (s *Strategy) schedule(op func(ctx context.Context)) {
	s.mu.Lock()
	s.pendingOps = append(s.pendingOps, op)
	s.mu.Unlock()
}

// applyPendingOps runs queued remote-control mutations on the loop
// goroutine.
func (s *Strategy) applyPendingOps(ctx context.Context) {
	s.mu.Lock()
	ops := s.pendingOps
	s.pendingOps = nil
	s.mu.Unlock()

	for _, op := range ops {
		op(ctx)
	}
}

// EnableOrders resumes quoting and schedules a fresh ladder.
func (s *Strategy) EnableOrders() string {
	s.mu.Lock()
	s.ordersEnabled = true
	s.forceRebal = true
	s.mu.Unlock()
	s.logger.Info("orders enabled via remote control")
	return "orders enabled, ladder will be placed on the next tick"
}

// DisableOrders halts quoting and pulls every working order.
func (s *Strategy) DisableOrders() string {
	s.mu.Lock()
	s.ordersEnabled = false
	s.mu.Unlock()
	s.schedule(func(ctx context.Context) {
		s.manager.CancelAll(ctx, "")
	})
	s.logger.Info("orders disabled via remote control")
	return "orders disabled, all working orders cancelled"
}

// OrdersEnabled reports the quoting gate.
func (s *Strategy) OrdersEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ordersEnabled
}

// SetOrderSize changes the per-order notional. With forceRebalance the
// ladder is torn down and re-placed at the new size.
func (s *Strategy) SetOrderSize(usd float64, forceRebalance bool) string {
	if usd <= 0 {
		return "order size must be positive"
	}
	s.schedule(func(ctx context.Context) {
		s.cfg.Strategy.OrderSizeUSD = usd
		if forceRebalance {
			s.mu.Lock()
			s.forceRebal = true
			s.mu.Unlock()
		}
	})
	if forceRebalance {
		return fmt.Sprintf("order size set to $%.2f, force rebalance scheduled", usd)
	}
	return fmt.Sprintf("order size set to $%.2f, applies to new placements", usd)
}

// SetLeverage changes the leverage on future orders and re-places the ladder.
func (s *Strategy) SetLeverage(leverage int) string {
	if leverage < 1 || leverage > 50 {
		return "leverage must be between 1 and 50"
	}
	s.schedule(func(ctx context.Context) {
		s.cfg.Strategy.Leverage = leverage
		s.manager.SetLeverage(leverage)
		s.mu.Lock()
		s.forceRebal = true
		s.mu.Unlock()
	})
	return fmt.Sprintf("leverage set to %dx, force rebalance scheduled", leverage)
}

// SetNumOrdersPerSide switches between the 1+1 and 2+2 ladders.
func (s *Strategy) SetNumOrdersPerSide(n int) string {
	if n < 1 || n > len(s.cfg.Strategy.OrderDistancesBps) {
		return fmt.Sprintf("orders per side must be in [1, %d]", len(s.cfg.Strategy.OrderDistancesBps))
	}
	s.schedule(func(ctx context.Context) {
		s.cfg.Strategy.NumOrdersPerSide = n
		for _, st := range s.states {
			st.buyRungs = resizeRungs(st.buyRungs, n)
			st.sellRungs = resizeRungs(st.sellRungs, n)
		}
		s.mu.Lock()
		s.forceRebal = true
		s.mu.Unlock()
	})
	return fmt.Sprintf("ladder set to %d+%d, force rebalance scheduled", n, n)
}

func resizeRungs(rungs []string, n int) []string {
	out := make([]string, n)
	copy(out, rungs)
	return out
}

// SetDistances replaces the per-rung distance preset.
func (s *Strategy) SetDistances(distancesBps []float64) string {
	if len(distancesBps) == 0 {
		return "at least one distance required"
	}
	for _, d := range distancesBps {
		if d <= 0 || d > s.cfg.Strategy.MaxDistanceBps {
			return fmt.Sprintf("distances must be in (0, %.1f] bps", s.cfg.Strategy.MaxDistanceBps)
		}
	}
	ds := append([]float64(nil), distancesBps...)
	s.schedule(func(ctx context.Context) {
		s.cfg.Strategy.OrderDistancesBps = ds
		if s.cfg.Strategy.NumOrdersPerSide > len(ds) {
			s.cfg.Strategy.NumOrdersPerSide = len(ds)
		}
		s.mu.Lock()
		s.forceRebal = true
		s.mu.Unlock()
	})
	return fmt.Sprintf("distances set to %v bps, force rebalance scheduled", ds)
}

// SetProtection toggles fill protection.
func (s *Strategy) SetProtection(enabled bool) string {
	if s.protect == nil {
		return "fill protection not configured"
	}
	s.protect.SetEnabled(enabled)
	if enabled {
		return "fill protection enabled"
	}
	return "fill protection disabled"
}

// RequestForceRebalance tears down and re-places every ladder next tick.
func (s *Strategy) RequestForceRebalance() string {
	s.mu.Lock()
	s.forceRebal = true
	s.mu.Unlock()
	return "force rebalance scheduled"
}

// CloseAllPositions cancels all orders and queues a close for every open
// position.
func (s *Strategy) CloseAllPositions() string {
	s.schedule(func(ctx context.Context) {
		s.closeAllPositions(ctx)
		s.processPendingLiquidations(ctx)
	})
	return "close-all scheduled"
}

// ResetConsecutiveFillPause clears the breaker so quoting resumes now.
func (s *Strategy) ResetConsecutiveFillPause() string {
	s.mu.Lock()
	remaining := time.Until(s.pauseUntil)
	level := s.escalationLevel
	s.pauseUntil = time.Time{}
	s.escalationLevel = 0
	s.lastPauseEnd = time.Time{}
	s.fillTimes = nil
	s.mu.Unlock()

	if remaining > 0 {
		s.logger.Warn("consecutive-fill pause reset via remote control",
			"was_level", level, "remaining", remaining.Round(time.Second))
		return fmt.Sprintf("pause cleared (level %d, %s remaining)", level, remaining.Round(time.Second))
	}
	return "no pause was active"
}

// Positions returns live positions from the exchange.
func (s *Strategy) Positions(ctx context.Context) ([]types.Position, error) {
	return s.account.Positions(ctx, "")
}

// SymbolStatus is the per-symbol slice of a status report.
type SymbolStatus struct {
	Symbol         string
	ActiveBuys     int
	ActiveSells    int
	ReferencePrice float64
	Paused         bool
}

// StatusReport is the remote-control status snapshot.
type StatusReport struct {
	OrdersEnabled   bool
	EmergencyStop   bool
	Held            *HeldPosition
	PauseRemaining  time.Duration
	EscalationLevel int
	EffectiveSize   float64
	Stats           FarmingStats
	Symbols         []SymbolStatus
}

// Status assembles a point-in-time report. Reads only locked state and the
// manager's snapshots, so it is safe from any goroutine.
func (s *Strategy) Status() StatusReport {
	s.mu.Lock()
	report := StatusReport{
		OrdersEnabled:   s.ordersEnabled,
		EscalationLevel: s.escalationLevel,
		EffectiveSize:   s.effectiveSize,
	}
	if s.held != nil {
		held := *s.held
		report.Held = &held
	}
	if r := time.Until(s.pauseUntil); r > 0 {
		report.PauseRemaining = r
	}
	s.mu.Unlock()

	report.EmergencyStop = s.guard.EmergencyStopped()
	report.Stats = s.Stats()

	for _, sym := range s.cfg.Strategy.Symbols {
		buys := len(s.manager.ActiveOrdersBySide(sym, types.BUY))
		sells := len(s.manager.ActiveOrdersBySide(sym, types.SELL))
		var ref float64
		if p, ok := s.prices.Price(sym); ok {
			ref = p.ReferencePrice()
		}
		report.Symbols = append(report.Symbols, SymbolStatus{
			Symbol:         sym,
			ActiveBuys:     buys,
			ActiveSells:    sells,
			ReferencePrice: ref,
			Paused:         s.guard.IsPaused(sym),
		})
	}
	return report
}
