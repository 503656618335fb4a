package strategy

import (
	"sync"
	"time"
)

// FarmingStats counts everything the farming loop does. Points are an
// estimate integrated from live notional; the exchange's ledger is
// authoritative.
type FarmingStats struct {
	StartTime time.Time

	OrdersPlaced    int
	OrdersCancelled int
	Rebalances      int
	Fills           int

	TakeProfits  int
	StopLosses   int
	Timeouts     int
	Liquidations int

	ConsecutiveFillPauses int

	EstimatedPoints float64
	UptimeSeconds   float64 // seconds with at least one active order
}

// statsBox guards the stats and the points integrator clock.
type statsBox struct {
	mu               sync.Mutex
	s                FarmingStats
	lastPointsUpdate time.Time
}

func newStatsBox() *statsBox {
	now := time.Now()
	return &statsBox{
		s:                FarmingStats{StartTime: now},
		lastPointsUpdate: now,
	}
}

// snapshot returns a copy.
func (b *statsBox) snapshot() FarmingStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

func (b *statsBox) update(fn func(*FarmingStats)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.s)
}

// accruePoints integrates notional-time into the points estimate:
//
//	points += notional × elapsed/86400
//
// An interval with zero active notional contributes nothing, but the clock
// still advances — otherwise the next interval would be credited for dead
// time.
func (b *statsBox) accruePoints(totalNotionalUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastPointsUpdate).Seconds()
	if elapsed < 0.1 {
		return
	}
	b.lastPointsUpdate = now

	if totalNotionalUSD <= 0 {
		return
	}
	b.s.EstimatedPoints += totalNotionalUSD * (elapsed / 86400)
	b.s.UptimeSeconds += elapsed
}
