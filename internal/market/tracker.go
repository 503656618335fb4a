package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

const (
	// historyWindow bounds the rolling price history kept per symbol.
	historyWindow = 30 * time.Second
	// changeNotifyBps is the mid move that fires change callbacks.
	changeNotifyBps = 1.0
)

// PriceChangeCallback is fired when a symbol's mid moves by more than 1 bp.
type PriceChangeCallback func(symbol string, oldMid, newMid float64)

// priceSource is the streaming side of the tracker's input (the StandX feed).
type priceSource interface {
	OnPrice(exchange.PriceCallback)
	OnOrderbook(exchange.OrderbookCallback)
}

// restSource is the REST fallback used only when the stream cache is
// absent or stale.
type restSource interface {
	SymbolPrice(ctx context.Context, symbol string) (types.PriceInfo, error)
}

type trackedPrice struct {
	info   types.PriceInfo
	source string // "ws", "book", "rest"
}

// Tracker fuses the price and orderbook streams into one per-symbol view,
// keeps a rolling history for volatility queries, and falls back to REST
// when the stream goes quiet.
//
// Best bid/ask, mid and spread come from whichever stream updated the
// symbol last: a price-topic update replaces the orderbook's top-of-book
// even while the book is fresh, and an orderbook update replaces the price
// topic's values. Mark, index and last price come from the price topic; an
// orderbook update carries the previous ones forward.
type Tracker struct {
	rest           restSource
	staleThreshold time.Duration
	logger         *slog.Logger

	mu      sync.RWMutex
	prices  map[string]trackedPrice
	history map[string][]pricePoint

	cbMu sync.RWMutex
	cbs  []PriceChangeCallback
}

type pricePoint struct {
	at    time.Time
	price float64
}

// NewTracker creates a tracker and wires it to the stream source.
// rest may be nil (no fallback, used in tests).
func NewTracker(stream priceSource, rest restSource, staleThreshold time.Duration, logger *slog.Logger) *Tracker {
	if staleThreshold <= 0 {
		staleThreshold = 10 * time.Second
	}
	t := &Tracker{
		rest:           rest,
		staleThreshold: staleThreshold,
		logger:         logger.With("component", "price_tracker"),
		prices:         make(map[string]trackedPrice),
		history:        make(map[string][]pricePoint),
	}
	if stream != nil {
		stream.OnPrice(t.onPrice)
		stream.OnOrderbook(t.onOrderbook)
	}
	return t
}

// OnPriceChange registers a mid-move callback.
func (t *Tracker) OnPriceChange(cb PriceChangeCallback) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.cbs = append(t.cbs, cb)
}

// onPrice ingests a price-topic update. This is the authoritative path:
// it carries the mark price the band math depends on.
func (t *Tracker) onPrice(info types.PriceInfo) {
	if info.MarkPrice <= 0 && info.MidPrice <= 0 {
		return
	}

	t.mu.Lock()
	prev, had := t.prices[info.Symbol]
	t.prices[info.Symbol] = trackedPrice{info: info, source: "ws"}
	t.appendHistoryLocked(info.Symbol, info.ReferencePrice())
	t.mu.Unlock()

	if had {
		t.notifyIfMoved(info.Symbol, prev.info.MidPrice, info.MidPrice)
	}
}

// onOrderbook refreshes top-of-book. An orderbook update overrides the price
// topic's bid/ask/mid; the mark price from the last price update is kept.
func (t *Tracker) onOrderbook(ob types.OrderbookSnapshot) {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid <= 0 || ask <= 0 {
		return
	}
	mid := (bid + ask) / 2
	spreadBps := (ask - bid) / mid * 10000

	t.mu.Lock()
	prev, had := t.prices[ob.Symbol]

	info := types.PriceInfo{
		Symbol:     ob.Symbol,
		BestBid:    bid,
		BestAsk:    ask,
		MidPrice:   mid,
		SpreadBps:  spreadBps,
		ReceivedAt: ob.ReceivedAt,
	}
	if had {
		info.MarkPrice = prev.info.MarkPrice
		info.IndexPrice = prev.info.IndexPrice
		info.LastPrice = prev.info.LastPrice
	}
	t.prices[ob.Symbol] = trackedPrice{info: info, source: "book"}
	t.appendHistoryLocked(ob.Symbol, info.ReferencePrice())
	t.mu.Unlock()

	if had {
		t.notifyIfMoved(ob.Symbol, prev.info.MidPrice, mid)
	}
}

func (t *Tracker) notifyIfMoved(symbol string, oldMid, newMid float64) {
	if oldMid <= 0 || newMid <= 0 {
		return
	}
	move := (newMid - oldMid) / oldMid * 10000
	if move < 0 {
		move = -move
	}
	if move <= changeNotifyBps {
		return
	}

	t.cbMu.RLock()
	cbs := t.cbs
	t.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(symbol, oldMid, newMid)
	}
}

func (t *Tracker) appendHistoryLocked(symbol string, price float64) {
	if price <= 0 {
		return
	}
	now := time.Now()
	hist := append(t.history[symbol], pricePoint{at: now, price: price})

	cutoff := now.Add(-historyWindow)
	start := 0
	for start < len(hist) && hist[start].at.Before(cutoff) {
		start++
	}
	t.history[symbol] = hist[start:]
}

// Price returns the cached snapshot for a symbol.
func (t *Tracker) Price(symbol string) (types.PriceInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[symbol]
	return p.info, ok
}

// IsStale reports whether the cached snapshot is too old to trade on.
func (t *Tracker) IsStale(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[symbol]
	if !ok {
		return true
	}
	return time.Since(p.info.ReceivedAt) > t.staleThreshold
}

// ReferencePrice returns the band reference for a symbol: the cached mark
// (mid as fallback) when fresh. Only when the stream cache is absent or
// stale does it fetch over REST — the fallback repopulates the cache so
// subsequent calls stay on the fast path.
func (t *Tracker) ReferencePrice(ctx context.Context, symbol string) float64 {
	t.mu.RLock()
	p, ok := t.prices[symbol]
	fresh := ok && time.Since(p.info.ReceivedAt) <= t.staleThreshold
	t.mu.RUnlock()

	if fresh {
		return p.info.ReferencePrice()
	}
	if t.rest == nil {
		if ok {
			return p.info.ReferencePrice()
		}
		return 0
	}

	info, err := t.rest.SymbolPrice(ctx, symbol)
	if err != nil {
		t.logger.Warn("rest price fallback failed", "symbol", symbol, "error", err)
		if ok {
			return p.info.ReferencePrice()
		}
		return 0
	}

	t.mu.Lock()
	t.prices[symbol] = trackedPrice{info: info, source: "rest"}
	t.appendHistoryLocked(symbol, info.ReferencePrice())
	t.mu.Unlock()

	t.logger.Warn("stream cache stale, served price via rest", "symbol", symbol)
	return info.ReferencePrice()
}

// VolatilityBps returns (max − min) / midpoint × 10000 over the samples in
// the window, where midpoint = (max+min)/2. Returns 0 with fewer than two
// samples.
func (t *Tracker) VolatilityBps(symbol string, window time.Duration) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hist := t.history[symbol]
	cutoff := time.Now().Add(-window)

	var lo, hi float64
	n := 0
	for _, pt := range hist {
		if pt.at.Before(cutoff) {
			continue
		}
		if n == 0 {
			lo, hi = pt.price, pt.price
		} else {
			if pt.price < lo {
				lo = pt.price
			}
			if pt.price > hi {
				hi = pt.price
			}
		}
		n++
	}
	if n < 2 {
		return 0
	}
	mid := (hi + lo) / 2
	if mid <= 0 {
		return 0
	}
	return (hi - lo) / mid * 10000
}
