package types

import (
	"testing"
	"time"
)

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite mismatch")
	}
}

func TestReferencePriceFallback(t *testing.T) {
	t.Parallel()

	p := PriceInfo{MarkPrice: 50000, MidPrice: 49990}
	if p.ReferencePrice() != 50000 {
		t.Errorf("reference = %v, want mark", p.ReferencePrice())
	}
	p.MarkPrice = 0
	if p.ReferencePrice() != 49990 {
		t.Errorf("reference = %v, want mid fallback", p.ReferencePrice())
	}
}

func TestMarkMidDivergenceBps(t *testing.T) {
	t.Parallel()

	p := PriceInfo{MarkPrice: 50025, MidPrice: 50000}
	if got := p.MarkMidDivergenceBps(); got != 5 {
		t.Errorf("divergence = %v, want 5", got)
	}
	// Sign-insensitive.
	p = PriceInfo{MarkPrice: 49975, MidPrice: 50000}
	if got := p.MarkMidDivergenceBps(); got != 5 {
		t.Errorf("divergence = %v, want 5", got)
	}
	// Missing inputs: zero, not NaN.
	p = PriceInfo{MarkPrice: 50000}
	if got := p.MarkMidDivergenceBps(); got != 0 {
		t.Errorf("divergence without mid = %v, want 0", got)
	}
}

func TestOrderbookTopHelpers(t *testing.T) {
	t.Parallel()

	ob := OrderbookSnapshot{
		Bids: []BookLevel{{Price: 49990, Quantity: 1}},
		Asks: []BookLevel{{Price: 50010, Quantity: 1}},
	}
	if ob.BestBid() != 49990 || ob.BestAsk() != 50010 || ob.MidPrice() != 50000 {
		t.Errorf("top = %v/%v mid %v", ob.BestBid(), ob.BestAsk(), ob.MidPrice())
	}

	empty := OrderbookSnapshot{}
	if empty.BestBid() != 0 || empty.MidPrice() != 0 {
		t.Error("empty book should report zeros")
	}
}

func TestExchangeOrderTerminal(t *testing.T) {
	t.Parallel()

	for _, status := range []string{"filled", "cancelled", "canceled", "rejected"} {
		if !(ExchangeOrder{Status: status}).IsTerminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []string{"open", "new", "partially_filled", ""} {
		if (ExchangeOrder{Status: status}).IsTerminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestPositionNotional(t *testing.T) {
	t.Parallel()

	p := Position{Size: 0.0012, MarkPrice: 50000}
	if got := p.Notional(); got < 60-1e-9 || got > 60+1e-9 {
		t.Errorf("notional = %v, want 60", got)
	}
}

func TestPriceAge(t *testing.T) {
	t.Parallel()

	p := PriceInfo{ReceivedAt: time.Now().Add(-2 * time.Second)}
	if age := p.Age(); age < 2*time.Second || age > 3*time.Second {
		t.Errorf("age = %v", age)
	}
}
