package exchange

import (
	"encoding/json"
	"testing"

	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

func newTestFeed() *Feed {
	return NewFeed("wss://example.invalid/ws", nil, testLogger())
}

func TestDispatchPriceUpdatesCacheAndCallbacks(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	var got []types.PriceInfo
	f.OnPrice(func(p types.PriceInfo) { got = append(got, p) })

	f.dispatch([]byte(`{"channel":"price","symbol":"BTC-USD","markPrice":"50000","midPrice":"50000.5","bestBid":"49998","bestAsk":"50003","spreadBps":"1.0","indexPrice":"50001","lastPrice":"49999"}`))

	p, ok := f.Price("BTC-USD")
	if !ok {
		t.Fatal("price cache empty after dispatch")
	}
	if p.MarkPrice != 50000 || p.BestAsk != 50003 {
		t.Errorf("cached price = %+v", p)
	}
	if len(got) != 1 {
		t.Errorf("callbacks = %d, want 1", len(got))
	}
}

func TestDispatchDepthTruncatesLevels(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	levels := make([][2]string, 30)
	for i := range levels {
		levels[i] = [2]string{"50000", "1"}
	}
	evt := types.WSDepthEvent{Channel: "depth_book", Symbol: "BTC-USD", Bids: levels, Asks: levels}
	raw, _ := json.Marshal(evt)

	f.dispatch(raw)

	ob, ok := f.Orderbook("BTC-USD")
	if !ok {
		t.Fatal("orderbook cache empty")
	}
	if len(ob.Bids) != depthLevelsKept || len(ob.Asks) != depthLevelsKept {
		t.Errorf("levels = %d/%d, want %d", len(ob.Bids), len(ob.Asks), depthLevelsKept)
	}
}

func TestDispatchOrderEvent(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	var got []types.ExchangeOrder
	f.OnOrderUpdate(func(o types.ExchangeOrder) { got = append(got, o) })

	f.dispatch([]byte(`{"channel":"order","symbol":"BTC-USD","order":{"orderId":"1","clOrdId":"maker_BTC-USD_buy_00000000","side":"buy","price":"49962.5","qty":"0.002","filledQty":"0.002","status":"filled"}}`))

	if len(got) != 1 {
		t.Fatalf("order callbacks = %d, want 1", len(got))
	}
	o := got[0]
	if o.ClOrdID != "maker_BTC-USD_buy_00000000" || o.Status != "filled" || o.FilledQty != 0.002 {
		t.Errorf("order event = %+v", o)
	}
	if o.Symbol != "BTC-USD" {
		t.Errorf("symbol = %q, want fallback from envelope", o.Symbol)
	}
}

func TestDispatchIgnoresUnknownAndGarbage(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatch([]byte(`{"channel":"funding","symbol":"BTC-USD"}`))
	f.dispatch([]byte(`not json at all`))

	if _, ok := f.Price("BTC-USD"); ok {
		t.Error("unknown channels must not populate caches")
	}
}

func TestSubscriptionSetSurvivesRegistration(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	a := types.WSStream{Channel: ChannelPrice, Symbol: "BTC-USD"}
	b := types.WSStream{Channel: ChannelDepthBook, Symbol: "BTC-USD"}

	// Not connected: registration still succeeds, frames go out on connect.
	if err := f.Subscribe(a, b); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := f.Subscribe(a); err != nil { // duplicate is a no-op
		t.Fatalf("re-Subscribe: %v", err)
	}

	f.subMu.Lock()
	n := len(f.subs)
	f.subMu.Unlock()
	if n != 2 {
		t.Errorf("subscription set = %d entries, want 2", n)
	}

	if err := f.Unsubscribe(b); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	f.subMu.Lock()
	n = len(f.subs)
	f.subMu.Unlock()
	if n != 1 {
		t.Errorf("after unsubscribe = %d entries, want 1", n)
	}
}

func TestIsPrivateChannel(t *testing.T) {
	t.Parallel()

	for _, ch := range []string{"order", "position", "balance", "trade"} {
		if !isPrivateChannel(ch) {
			t.Errorf("%s should be private", ch)
		}
	}
	for _, ch := range []string{"price", "depth_book"} {
		if isPrivateChannel(ch) {
			t.Errorf("%s should be public", ch)
		}
	}
}
