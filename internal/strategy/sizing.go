package strategy

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Margin reserved for the liquidation market order and the exchange's
// minimum order notional.
const (
	liquidationFeeReserveUSD = 0.50
	minOrderSizeUSD          = 1.0
)

// RoundQuantity rounds a base-currency quantity to the symbol's step:
// BTC 4 dp, ETH 3 dp, everything else 2 dp. Placeholder until
// query_symbol_info drives this per symbol.
func RoundQuantity(symbol string, qty float64) decimal.Decimal {
	dp := int32(2)
	switch {
	case strings.HasPrefix(symbol, "BTC"):
		dp = 4
	case strings.HasPrefix(symbol, "ETH"):
		dp = 3
	}
	return decimal.NewFromFloat(qty).Round(dp)
}

// RoundPrice rounds a price to the symbol's tick: BTC 1 dp, others 2 dp.
func RoundPrice(symbol string, price float64) decimal.Decimal {
	dp := int32(2)
	if strings.HasPrefix(symbol, "BTC") {
		dp = 1
	}
	return decimal.NewFromFloat(price).Round(dp)
}

// effectiveOrderSize clamps the configured per-order notional to what the
// wallet can actually carry:
//
//	maxNotional  = (available × (1−reserve) − feeReserve) × leverage
//	maxPerOrder  = maxNotional / (symbols × ordersPerSide × 2)
//
// The margin reserve keeps headroom for the liquidation market order; the
// fee reserve covers its cost. A balance-fetch failure falls back to the
// configured size so the loop keeps quoting.
func (s *Strategy) effectiveOrderSize(ctx context.Context) float64 {
	configured := s.cfg.Strategy.OrderSizeUSD

	bal, err := s.account.Balance(ctx)
	if err != nil {
		s.logger.Error("balance fetch failed, using configured order size", "error", err)
		return configured
	}

	reserve := s.cfg.Strategy.MarginReservePercent / 100
	usable := bal.Available*(1-reserve) - liquidationFeeReserveUSD

	maxNotional := 0.0
	if usable > 0 {
		maxNotional = usable * float64(s.cfg.Strategy.Leverage)
	}

	slots := float64(len(s.cfg.Strategy.Symbols) * s.cfg.Strategy.NumOrdersPerSide * 2)
	maxPerOrder := 0.0
	if maxNotional > 0 && slots > 0 {
		maxPerOrder = maxNotional / slots
	}

	if configured > maxPerOrder {
		size := maxPerOrder
		if size < minOrderSizeUSD {
			size = minOrderSizeUSD
		}
		s.logger.Warn("order size clamped by margin",
			"configured_usd", configured,
			"effective_usd", size,
			"available_usd", bal.Available,
			"leverage", s.cfg.Strategy.Leverage,
			"max_notional_usd", maxNotional,
		)
		return size
	}

	s.logger.Info("order size",
		"usd", configured,
		"available_usd", bal.Available,
		"leverage", s.cfg.Strategy.Leverage,
		"max_notional_usd", maxNotional,
	)
	return configured
}

// orderQuantity converts the effective order notional (reduced for outer
// rungs) into a rounded base quantity at the given price.
func (s *Strategy) orderQuantity(symbol string, price float64, rung int) decimal.Decimal {
	if price <= 0 {
		return decimal.Zero
	}

	s.mu.Lock()
	notional := s.effectiveSize
	s.mu.Unlock()

	// Outer rungs carry 30% of the base size: the inner rung does the
	// points work, the outer one is backfill.
	if rung >= 1 {
		notional *= 0.3
	}

	return RoundQuantity(symbol, notional/price)
}
