// Package market provides price tracking and the maker-points band math.
//
// StandX awards maker points by distance from the mark price:
//
//	Band A (0–10 bps):   100% weight
//	Band B (10–30 bps):   50% weight
//	Band C (30–100 bps):  10% weight
//	beyond 100 bps:        0
//
// Band boundaries are inclusive on the upper edge, so an order resting at
// exactly 10 bps still earns full weight. Everything in this file is pure:
// the strategy feeds it prices, it returns numbers.
package market

// Band identifies a points bucket by distance from the reference price.
type Band string

const (
	BandA   Band = "A"
	BandB   Band = "B"
	BandC   Band = "C"
	BandOut Band = "OUT"
)

// BandConfig sets band boundaries and point weights.
type BandConfig struct {
	AMaxBps float64
	BMaxBps float64
	CMaxBps float64

	AWeight float64
	BWeight float64
	CWeight float64
}

// DefaultBandConfig is the published StandX band schedule.
func DefaultBandConfig() BandConfig {
	return BandConfig{
		AMaxBps: 10,
		BMaxBps: 30,
		CMaxBps: 100,
		AWeight: 1.0,
		BWeight: 0.5,
		CWeight: 0.1,
	}
}

// BandInfo describes where an order price sits relative to the reference.
type BandInfo struct {
	Band        Band
	DistanceBps float64
	Weight      float64
}

// BandCalculator answers band and rebalance questions. Zero-cost to copy.
type BandCalculator struct {
	cfg BandConfig

	// warnBps is the distance at which an order is "near" the Band A edge.
	// Informational only: the rebalance predicate deliberately ignores it,
	// because cancelling at the warning line churned orders that would have
	// stayed inside the band.
	warnBps float64
}

// NewBandCalculator creates a calculator with the given band schedule.
func NewBandCalculator(cfg BandConfig, warnBps float64) BandCalculator {
	if warnBps <= 0 {
		warnBps = 9.2
	}
	return BandCalculator{cfg: cfg, warnBps: warnBps}
}

// DistanceBps is |p − ref| / ref × 10000. A non-positive reference maps to
// an out-of-band distance.
func DistanceBps(referencePrice, orderPrice float64) float64 {
	if referencePrice <= 0 {
		return 1e9
	}
	d := orderPrice - referencePrice
	if d < 0 {
		d = -d
	}
	return d / referencePrice * 10000
}

// BandFor selects the first band whose upper bound is ≥ distance.
func (bc BandCalculator) BandFor(distanceBps float64) Band {
	switch {
	case distanceBps <= bc.cfg.AMaxBps:
		return BandA
	case distanceBps <= bc.cfg.BMaxBps:
		return BandB
	case distanceBps <= bc.cfg.CMaxBps:
		return BandC
	default:
		return BandOut
	}
}

// Weight returns the points multiplier for a band.
func (bc BandCalculator) Weight(b Band) float64 {
	switch b {
	case BandA:
		return bc.cfg.AWeight
	case BandB:
		return bc.cfg.BWeight
	case BandC:
		return bc.cfg.CWeight
	default:
		return 0
	}
}

// Info computes band placement for an order price.
func (bc BandCalculator) Info(referencePrice, orderPrice float64) BandInfo {
	d := DistanceBps(referencePrice, orderPrice)
	b := bc.BandFor(d)
	return BandInfo{Band: b, DistanceBps: d, Weight: bc.Weight(b)}
}

// IsNearBoundary reports whether an order sits inside Band A but close to
// its edge. Callers may log it; it must not drive cancels.
func (bc BandCalculator) IsNearBoundary(referencePrice, orderPrice float64) bool {
	d := DistanceBps(referencePrice, orderPrice)
	return bc.BandFor(d) == BandA && d >= bc.warnBps
}

// NeedsRebalance reports whether a single order has left Band A.
// That is the only rebalance condition at the order level — drift and
// missing-rung checks live in the strategy.
func (bc BandCalculator) NeedsRebalance(referencePrice, orderPrice float64) bool {
	return bc.BandFor(DistanceBps(referencePrice, orderPrice)) != BandA
}

// DynamicDistance computes the target quote distance from live spread and
// volatility:
//
//	d = clamp(max(tickBps·2, spread·spreadFactor, vol·volFactor), min, max)
//
// Wider spreads and higher volatility push quotes out (fill avoidance);
// the max keeps them inside Band A.
func DynamicDistance(spreadBps, volatilityBps, tickBps, minBps, maxBps, spreadFactor, volFactor float64) float64 {
	d := minBps
	if v := tickBps * 2; v > d {
		d = v
	}
	if v := spreadBps * spreadFactor; v > d {
		d = v
	}
	if v := volatilityBps * volFactor; v > d {
		d = v
	}
	if d < minBps {
		d = minBps
	}
	if d > maxBps {
		d = maxBps
	}
	return d
}

// EstimateDailyPoints returns the points a notional would earn per day
// resting in the given band.
func (bc BandCalculator) EstimateDailyPoints(notionalUSD float64, b Band) float64 {
	return notionalUSD * bc.Weight(b)
}
