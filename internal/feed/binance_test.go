package feed

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFeed() *BinanceFeed {
	return NewBinanceFeed("wss://example.invalid/ws", true,
		map[string]string{"BTC-USD": "BTCUSDT", "ETH-USD": "ETHUSDT"}, testLogger())
}

func sampleAt(f *BinanceFeed, symbol string, price float64, at time.Time) {
	f.record(MarkPrice{
		Symbol:     symbol,
		Mark:       decimal.NewFromFloat(price),
		ReceivedAt: at,
	})
}

func TestStreamName(t *testing.T) {
	t.Parallel()

	f := newTestFeed()
	if got := f.streamName("BTCUSDT"); got != "btcusdt@markPrice@1s" {
		t.Errorf("stream = %q, want btcusdt@markPrice@1s", got)
	}

	f3 := NewBinanceFeed("wss://example.invalid/ws", false, nil, testLogger())
	if got := f3.streamName("BTCUSDT"); got != "btcusdt@markPrice" {
		t.Errorf("3s stream = %q, want btcusdt@markPrice", got)
	}
}

func TestSymbolMapping(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	sampleAt(f, "BTCUSDT", 50000, time.Now())

	mp, ok := f.MarkFor("BTC-USD")
	if !ok {
		t.Fatal("MarkFor miss via primary symbol")
	}
	if !mp.Mark.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("mark = %s, want 50000", mp.Mark)
	}
	if got := f.PrimaryFor("BTCUSDT"); got != "BTC-USD" {
		t.Errorf("PrimaryFor = %q, want BTC-USD", got)
	}
	// Unknown symbols pass through.
	if got := f.PrimaryFor("XRPUSDT"); got != "XRPUSDT" {
		t.Errorf("unknown PrimaryFor = %q", got)
	}
}

func TestChangeBpsSignedWindow(t *testing.T) {
	t.Parallel()
	f := newTestFeed()
	now := time.Now()

	// Outside the window: ignored.
	sampleAt(f, "BTCUSDT", 49000, now.Add(-2*time.Second))
	// In-window rise 50000 → 50020 = +4 bps.
	sampleAt(f, "BTCUSDT", 50000, now.Add(-400*time.Millisecond))
	sampleAt(f, "BTCUSDT", 50020, now)

	got := f.ChangeBps("BTC-USD", 500*time.Millisecond)
	want := 20.0 / 50000 * 10000
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("change = %v, want %v", got, want)
	}

	// Falling market: negative sign.
	f2 := newTestFeed()
	sampleAt(f2, "BTCUSDT", 50000, now.Add(-400*time.Millisecond))
	sampleAt(f2, "BTCUSDT", 49980, now)
	if got := f2.ChangeBps("BTC-USD", 500*time.Millisecond); got >= 0 {
		t.Errorf("falling change = %v, want negative", got)
	}
}

func TestChangeBpsNeedsTwoSamples(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	if got := f.ChangeBps("BTC-USD", time.Second); got != 0 {
		t.Errorf("empty history change = %v, want 0", got)
	}

	sampleAt(f, "BTCUSDT", 50000, time.Now())
	if got := f.ChangeBps("BTC-USD", time.Second); got != 0 {
		t.Errorf("single-sample change = %v, want 0", got)
	}

	// Two samples, both stale: nothing in window.
	f2 := newTestFeed()
	old := time.Now().Add(-time.Minute)
	sampleAt(f2, "BTCUSDT", 50000, old)
	sampleAt(f2, "BTCUSDT", 50100, old.Add(time.Millisecond))
	if got := f2.ChangeBps("BTC-USD", time.Second); got != 0 {
		t.Errorf("stale-history change = %v, want 0", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	for i := 0; i < historyMaxLen+50; i++ {
		sampleAt(f, "BTCUSDT", 50000+float64(i), time.Now())
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if got := len(f.history["BTCUSDT"]); got != historyMaxLen {
		t.Errorf("history length = %d, want %d", got, historyMaxLen)
	}
}

func TestHandleMessageIgnoresControlFrames(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	// Subscription ack and junk must not panic or pollute the cache.
	f.handleMessage([]byte(`{"result":null,"id":1}`))
	f.handleMessage([]byte(`not json`))

	if _, ok := f.MarkFor("BTC-USD"); ok {
		t.Error("control frames produced a price")
	}
}

func TestHandleMessageParsesMarkPrice(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	var got []MarkPrice
	f.OnMarkPrice(func(mp MarkPrice) { got = append(got, mp) })

	f.handleMessage([]byte(`{"e":"markPriceUpdate","s":"BTCUSDT","p":"50000.10","i":"50001.20"}`))

	if len(got) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(got))
	}
	if !got[0].Mark.Equal(decimal.RequireFromString("50000.10")) {
		t.Errorf("mark = %s", got[0].Mark)
	}
	if _, ok := f.MarkFor("BTC-USD"); !ok {
		t.Error("cache not populated")
	}
}
