package risk

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/config"
	"github.com/londonpotato1/standx-maker-bot/internal/orders"
	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSafetyConfig() config.SafetyConfig {
	return config.SafetyConfig{
		MaxPositionUSD:    50,
		CancelIfWithinBps: 2,
		PreKill: config.PreKillConfig{
			VolThresholdBps:      15,
			MarkMidDivergenceBps: 3,
			PauseDurationSeconds: 5,
		},
		HardKill: config.HardKillConfig{
			MinSpreadBps:          1.5,
			MaxVolatilityBps:      30,
			StaleThresholdSeconds: 0.5,
		},
		CheckIntervalSeconds: 0.1,
	}
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]types.PriceInfo
	vol    map[string]float64
}

func (f *fakePrices) Price(symbol string) (types.PriceInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	return p, ok
}

func (f *fakePrices) VolatilityBps(symbol string, window time.Duration) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vol[symbol]
}

func (f *fakePrices) set(symbol string, p types.PriceInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = p
}

type fakeOrders struct {
	mu        sync.Mutex
	active    map[string]orders.ManagedOrder
	cancelled []string
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{active: make(map[string]orders.ManagedOrder)}
}

func (f *fakeOrders) add(o orders.ManagedOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[o.ClOrdID] = o
}

func (f *fakeOrders) ActiveOrders(symbol string) []orders.ManagedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orders.ManagedOrder
	for _, o := range f.active {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

func (f *fakeOrders) Cancel(ctx context.Context, clOrdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, clOrdID)
	f.cancelled = append(f.cancelled, clOrdID)
	return nil
}

type fakePositions struct {
	mu        sync.Mutex
	positions []types.Position
}

func (f *fakePositions) Positions(ctx context.Context, symbol string) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func freshPrice(symbol string, mark, bid, ask, spreadBps float64) types.PriceInfo {
	return types.PriceInfo{
		Symbol:     symbol,
		MarkPrice:  mark,
		MidPrice:   (bid + ask) / 2,
		BestBid:    bid,
		BestAsk:    ask,
		SpreadBps:  spreadBps,
		ReceivedAt: time.Now(),
	}
}

func newTestGuard(fp *fakePrices, fo *fakeOrders, fpos *fakePositions) *Guard {
	if fp == nil {
		fp = &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{}}
	}
	if fo == nil {
		fo = newFakeOrders()
	}
	if fpos == nil {
		fpos = &fakePositions{}
	}
	return NewGuard(testSafetyConfig(), fp, fo, fpos, testLogger())
}

func activeOrder(id, symbol string, side types.Side, price float64) orders.ManagedOrder {
	return orders.ManagedOrder{
		ClOrdID:   id,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  0.002,
		State:     orders.StateOpen,
		CreatedAt: time.Now(),
	}
}

func TestLockLifecycle(t *testing.T) {
	t.Parallel()
	g := newTestGuard(nil, nil, nil)

	g.SetLock("o1", 100*time.Millisecond)
	if !g.IsLocked("o1") {
		t.Error("order should be locked")
	}
	if elapsed, ok := g.LockElapsed("o1"); !ok || elapsed < 0 {
		t.Errorf("LockElapsed = %v, %v", elapsed, ok)
	}

	time.Sleep(150 * time.Millisecond)
	if g.IsLocked("o1") {
		t.Error("lock should have expired")
	}
	if _, ok := g.LockElapsed("o1"); ok {
		t.Error("expired lock should report no elapsed")
	}

	g.SetLock("o2", time.Minute)
	g.ClearLock("o2")
	if g.IsLocked("o2") {
		t.Error("cleared lock should be gone")
	}
}

func TestHardKillOnSpreadCollapse(t *testing.T) {
	t.Parallel()
	fp := &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{}}
	fp.set("BTC-USD", freshPrice("BTC-USD", 50000, 49999.5, 50000.5, 1.0))
	g := newTestGuard(fp, nil, nil)

	if reason := g.checkHardKill("BTC-USD"); reason == "" {
		t.Error("spread 1.0 < 1.5 bps should hard-kill")
	}
}

func TestHardKillOnVolatilitySpike(t *testing.T) {
	t.Parallel()
	fp := &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{"BTC-USD": 35}}
	fp.set("BTC-USD", freshPrice("BTC-USD", 50000, 49990, 50010, 4))
	g := newTestGuard(fp, nil, nil)

	if reason := g.checkHardKill("BTC-USD"); reason == "" {
		t.Error("35 bps/1s volatility should hard-kill")
	}
}

func TestStaleDataIsNotHardKill(t *testing.T) {
	t.Parallel()
	fp := &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{"BTC-USD": 100}}
	stale := freshPrice("BTC-USD", 50000, 49999.5, 50000.5, 0.5) // would trip both rules
	stale.ReceivedAt = time.Now().Add(-5 * time.Second)
	fp.set("BTC-USD", stale)
	g := newTestGuard(fp, nil, nil)

	if reason := g.checkHardKill("BTC-USD"); reason != "" {
		t.Errorf("stale data hard-killed (%q); it must only warn", reason)
	}
}

func TestHardKillClearsLocksAndCancelsAll(t *testing.T) {
	t.Parallel()
	fp := &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{}}
	fp.set("BTC-USD", freshPrice("BTC-USD", 50000, 49990, 50010, 4))
	fo := newFakeOrders()
	fo.add(activeOrder("b1", "BTC-USD", types.BUY, 49962.5))
	fo.add(activeOrder("s1", "BTC-USD", types.SELL, 50037.5))
	g := newTestGuard(fp, fo, nil)

	g.SetLock("b1", time.Minute)
	g.SetLock("s1", time.Minute)

	n := g.executeHardKill(context.Background(), "BTC-USD", "test")
	if n != 2 {
		t.Errorf("cancelled = %d, want 2", n)
	}
	if g.IsLocked("b1") || g.IsLocked("s1") {
		t.Error("hard kill must purge locks")
	}
	if got := len(fo.ActiveOrders("BTC-USD")); got != 0 {
		t.Errorf("active after hard kill = %d, want 0", got)
	}
}

func TestPreKillPausesPlacements(t *testing.T) {
	t.Parallel()
	fp := &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{"BTC-USD": 20}}
	fp.set("BTC-USD", freshPrice("BTC-USD", 50000, 49990, 50010, 4))
	g := newTestGuard(fp, nil, nil)

	reason := g.checkPreKill("BTC-USD")
	if reason == "" {
		t.Fatal("20 bps/1s should pre-kill")
	}
	g.activatePreKill("BTC-USD", reason)

	if !g.IsPaused("BTC-USD") {
		t.Error("symbol should be paused")
	}
	if g.PauseRemaining("BTC-USD") <= 0 {
		t.Error("pause remaining should be positive")
	}
}

func TestPreKillOnDivergence(t *testing.T) {
	t.Parallel()
	fp := &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{}}
	p := freshPrice("BTC-USD", 50025, 49999, 50001, 0.4) // mark 5 bps off mid
	fp.set("BTC-USD", p)
	g := newTestGuard(fp, nil, nil)

	if reason := g.checkPreKill("BTC-USD"); reason == "" {
		t.Error("5 bps mark/mid divergence should pre-kill")
	}
}

func TestProximityCancelRespectsLock(t *testing.T) {
	t.Parallel()
	fp := &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{}}
	// BUY at 49999, ask at 50000: $1 (0.2 bps) away, inside the 2 bp proximity rule.
	fp.set("BTC-USD", freshPrice("BTC-USD", 50000, 49998, 50000, 4))
	fo := newFakeOrders()
	fo.add(activeOrder("b1", "BTC-USD", types.BUY, 49999))
	g := newTestGuard(fp, fo, nil)

	g.SetLock("b1", time.Minute)
	if n := g.cancelDangerous(context.Background(), "BTC-USD"); n != 0 {
		t.Errorf("locked order cancelled (%d)", n)
	}

	g.ClearLock("b1")
	if n := g.cancelDangerous(context.Background(), "BTC-USD"); n != 1 {
		t.Errorf("unlocked dangerous order not cancelled (%d)", n)
	}
}

func TestProximityZeroDisables(t *testing.T) {
	t.Parallel()
	fp := &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{}}
	fp.set("BTC-USD", freshPrice("BTC-USD", 50000, 49998, 50000, 4))
	fo := newFakeOrders()
	fo.add(activeOrder("b1", "BTC-USD", types.BUY, 49999.9))

	cfg := testSafetyConfig()
	cfg.CancelIfWithinBps = 0
	g := NewGuard(cfg, fp, fo, &fakePositions{}, testLogger())

	if n := g.cancelDangerous(context.Background(), "BTC-USD"); n != 0 {
		t.Errorf("proximity rule ran with threshold 0 (%d cancels)", n)
	}
}

func TestPositionCapGrace(t *testing.T) {
	t.Parallel()
	fpos := &fakePositions{positions: []types.Position{
		{Symbol: "BTC-USD", Side: types.BUY, Size: 0.0012, MarkPrice: 50000}, // $60 > $50 cap
	}}
	g := newTestGuard(nil, nil, fpos)

	// First sighting starts the grace clock; no stop yet.
	g.checkPosition(context.Background(), "BTC-USD")
	if g.EmergencyStopped() {
		t.Fatal("emergency stop before grace expired")
	}

	// Backdate the first sighting past the grace period.
	g.mu.Lock()
	g.excessSince["BTC-USD"] = time.Now().Add(-6 * time.Second)
	g.mu.Unlock()

	g.checkPosition(context.Background(), "BTC-USD")
	if !g.EmergencyStopped() {
		t.Error("emergency stop expected after grace")
	}
}

func TestPositionCapClearsOnRecovery(t *testing.T) {
	t.Parallel()
	fpos := &fakePositions{positions: []types.Position{
		{Symbol: "BTC-USD", Side: types.BUY, Size: 0.0012, MarkPrice: 50000},
	}}
	g := newTestGuard(nil, nil, fpos)

	g.checkPosition(context.Background(), "BTC-USD")

	// Position disappears before grace expires.
	fpos.mu.Lock()
	fpos.positions = nil
	fpos.mu.Unlock()
	g.checkPosition(context.Background(), "BTC-USD")

	g.mu.Lock()
	_, tracked := g.excessSince["BTC-USD"]
	g.mu.Unlock()
	if tracked {
		t.Error("excess timestamp should clear when position recovers")
	}
	if g.EmergencyStopped() {
		t.Error("no emergency stop after recovery")
	}
}

func TestGuardEmitsEvents(t *testing.T) {
	t.Parallel()
	fp := &fakePrices{prices: map[string]types.PriceInfo{}, vol: map[string]float64{}}
	fp.set("BTC-USD", freshPrice("BTC-USD", 50000, 49990, 50010, 4))
	g := newTestGuard(fp, nil, nil)

	var mu sync.Mutex
	var events []SafetyEvent
	g.OnEvent(func(e SafetyEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	g.activatePreKill("BTC-USD", "test")
	g.executeHardKill(context.Background(), "BTC-USD", "test")

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Action != ActionPreKillPause || events[1].Action != ActionHardKill {
		t.Errorf("event actions = %v, %v", events[0].Action, events[1].Action)
	}
}
