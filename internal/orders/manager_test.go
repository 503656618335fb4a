package orders

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGateway scripts exchange behavior for manager tests.
type fakeGateway struct {
	mu          sync.Mutex
	submitted   []exchange.OrderRequest
	cancelled   []string
	submitErr   error
	cancelErr   error
	openOrders  []types.ExchangeOrder
	queryErr    error
	queryResult types.ExchangeOrder
	nextID      int
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (types.WireNewOrderResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return types.WireNewOrderResponse{}, g.submitErr
	}
	g.submitted = append(g.submitted, req)
	g.nextID++
	return types.WireNewOrderResponse{OrderID: "ex-" + req.ClOrdID, Status: "open"}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, orderID, clOrdID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, orderID+clOrdID)
	return nil
}

func (g *fakeGateway) OpenOrders(ctx context.Context, symbol string) ([]types.ExchangeOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openOrders, nil
}

func (g *fakeGateway) QueryOrder(ctx context.Context, orderID, clOrdID string) (types.ExchangeOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return types.ExchangeOrder{}, g.queryErr
	}
	return g.queryResult, nil
}

func newTestManager(gw *fakeGateway) *Manager {
	return NewManager(gw, 10, types.MarginCross, testLogger())
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestPlaceLimitIDFormat(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	order, err := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}

	if !strings.HasPrefix(order.ClOrdID, "maker_BTC-USD_buy_") {
		t.Errorf("cl_ord_id = %q, want maker_BTC-USD_buy_ prefix", order.ClOrdID)
	}
	if len(order.ClOrdID) != len("maker_BTC-USD_buy_")+8 {
		t.Errorf("cl_ord_id = %q, want 8 hex suffix", order.ClOrdID)
	}
	if strings.Contains(order.ClOrdID, "_mkt_") {
		t.Error("limit order id must not carry the market tag")
	}
	if order.State != StateSubmitted {
		t.Errorf("state = %v, want submitted", order.State)
	}
	if order.OrderID == "" {
		t.Error("exchange id not recorded on ack")
	}
}

func TestPlaceLimitIDsUnique(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		o, err := m.PlaceLimit(context.Background(), "BTC-USD", types.SELL, d(50037.5), d(0.002), 0)
		if err != nil {
			t.Fatalf("PlaceLimit: %v", err)
		}
		if seen[o.ClOrdID] {
			t.Fatalf("duplicate cl_ord_id %q", o.ClOrdID)
		}
		seen[o.ClOrdID] = true
	}
}

func TestPlaceMarketReduceCarriesTag(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	order, err := m.PlaceMarketReduce(context.Background(), "BTC-USD", types.SELL, d(0.002))
	if err != nil {
		t.Fatalf("PlaceMarketReduce: %v", err)
	}

	if !order.IsLiquidation() {
		t.Errorf("cl_ord_id = %q, want _mkt_ tag", order.ClOrdID)
	}
	if order.State != StateFilled {
		t.Errorf("state = %v, want filled (IOC)", order.State)
	}

	gw.mu.Lock()
	req := gw.submitted[0]
	gw.mu.Unlock()
	if !req.ReduceOnly {
		t.Error("market close must be reduce-only")
	}
	if req.TimeInForce != types.TIFImmediateOrCancel {
		t.Errorf("tif = %v, want ioc", req.TimeInForce)
	}
}

func TestPlaceLimitErrorState(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{submitErr: &exchange.StatusError{Code: 500, Body: "boom"}}
	m := newTestManager(gw)

	_, err := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)
	if err == nil {
		t.Fatal("expected error")
	}

	// The entry exists in ERROR state and is not active.
	if got := len(m.ActiveOrders("BTC-USD")); got != 0 {
		t.Errorf("active orders after error = %d, want 0", got)
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	order, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)

	if err := m.Cancel(context.Background(), order.ClOrdID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	// Second cancel of a terminal order is a no-op success.
	if err := m.Cancel(context.Background(), order.ClOrdID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	// Cancel of an unknown order is a no-op success.
	if err := m.Cancel(context.Background(), "maker_BTC-USD_buy_deadbeef"); err != nil {
		t.Fatalf("unknown cancel: %v", err)
	}
}

func TestCancel404TreatedAsSuccess(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	order, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)

	gw.mu.Lock()
	gw.cancelErr = &exchange.StatusError{Code: 404, Body: "order not found"}
	gw.mu.Unlock()

	if err := m.Cancel(context.Background(), order.ClOrdID); err != nil {
		t.Fatalf("cancel with 404: %v", err)
	}
	got, _ := m.Get(order.ClOrdID)
	if got.State != StateCancelled {
		t.Errorf("state after 404 cancel = %v, want cancelled", got.State)
	}
}

func TestTerminalStatesAbsorbing(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	order, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)

	m.ApplyExchangeEvent(types.ExchangeOrder{ClOrdID: order.ClOrdID, Status: "filled"})
	// A late cancel event must not resurrect or re-terminal-ize the order.
	m.ApplyExchangeEvent(types.ExchangeOrder{ClOrdID: order.ClOrdID, Status: "cancelled"})

	got, _ := m.Get(order.ClOrdID)
	if got.State != StateFilled {
		t.Errorf("state = %v, want filled to absorb", got.State)
	}
}

func TestCallbacksObserveTransitions(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	var mu sync.Mutex
	var states []State
	m.OnUpdate(func(o ManagedOrder) {
		mu.Lock()
		states = append(states, o.State)
		mu.Unlock()
	})

	order, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)
	m.ApplyExchangeEvent(types.ExchangeOrder{ClOrdID: order.ClOrdID, Status: "open"})
	m.ApplyExchangeEvent(types.ExchangeOrder{ClOrdID: order.ClOrdID, Status: "filled"})

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateSubmitted, StateOpen, StateFilled}
	if len(states) != len(want) {
		t.Fatalf("observed %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestSyncStagedTolerance(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{queryErr: &exchange.StatusError{Code: 404, Body: "not found"}}
	m := newTestManager(gw)

	fresh, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)
	mid, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49957.5), d(0.001), 1)
	old, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.SELL, d(50037.5), d(0.002), 0)

	// Backdate: mid is 5s old (404 tolerated), old is 11s old (declared gone).
	m.mu.Lock()
	m.orders[mid.ClOrdID].CreatedAt = time.Now().Add(-5 * time.Second)
	m.orders[old.ClOrdID].CreatedAt = time.Now().Add(-11 * time.Second)
	m.mu.Unlock()

	// Exchange reports none of them.
	if err := m.Sync(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if got, _ := m.Get(fresh.ClOrdID); got.State != StateSubmitted {
		t.Errorf("fresh order state = %v, want submitted (indexing grace)", got.State)
	}
	if got, _ := m.Get(mid.ClOrdID); got.State != StateSubmitted {
		t.Errorf("mid-age order state = %v, want submitted (404 tolerated)", got.State)
	}
	if got, _ := m.Get(old.ClOrdID); got.State != StateCancelled {
		t.Errorf("old order state = %v, want cancelled past tolerance", got.State)
	}
}

func TestSyncHonoursTerminalQueryStatus(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	order, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)

	m.mu.Lock()
	m.orders[order.ClOrdID].CreatedAt = time.Now().Add(-5 * time.Second)
	m.mu.Unlock()

	gw.mu.Lock()
	gw.queryResult = types.ExchangeOrder{ClOrdID: order.ClOrdID, Status: "filled", FilledQty: 0.002}
	gw.mu.Unlock()

	if err := m.Sync(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got, _ := m.Get(order.ClOrdID)
	if got.State != StateFilled {
		t.Errorf("state = %v, want filled from query_order", got.State)
	}
	if got.FilledQty != 0.002 {
		t.Errorf("filled qty = %v, want 0.002", got.FilledQty)
	}
}

func TestSyncMarksPresentOrdersOpen(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	order, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)

	gw.mu.Lock()
	gw.openOrders = []types.ExchangeOrder{{ClOrdID: order.ClOrdID, OrderID: "ex-1", Status: "open"}}
	gw.mu.Unlock()

	if err := m.Sync(context.Background(), "BTC-USD"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got, _ := m.Get(order.ClOrdID)
	if got.State != StateOpen {
		t.Errorf("state = %v, want open", got.State)
	}
}

func TestTotalNotional(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(50000), d(0.002), 0)
	m.PlaceLimit(context.Background(), "ETH-USD", types.SELL, d(2500), d(0.04), 0)

	if got := m.TotalNotional("BTC-USD"); got != 100 {
		t.Errorf("BTC notional = %v, want 100", got)
	}
	if got := m.TotalNotional(""); got != 200 {
		t.Errorf("total notional = %v, want 200", got)
	}
}

func TestPruneDropsOldTerminals(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	m := newTestManager(gw)

	order, _ := m.PlaceLimit(context.Background(), "BTC-USD", types.BUY, d(49962.5), d(0.002), 0)
	m.Cancel(context.Background(), order.ClOrdID)

	m.mu.Lock()
	m.orders[order.ClOrdID].UpdatedAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	if n := m.Prune(30 * time.Minute); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, ok := m.Get(order.ClOrdID); ok {
		t.Error("pruned order still present")
	}
}
