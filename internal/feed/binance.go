// Package feed implements the reference-exchange feed: Binance futures
// mark-price streams consumed as a leading indicator.
//
// Binance publishes mark prices 100–500 ms ahead of where StandX lands, so
// a sharp move here is an early warning that resting StandX quotes are about
// to be run over. The feed keeps a short per-symbol price history and
// answers ChangeBps queries over sub-second windows.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	readTimeout      = 30 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 10 * time.Second
	historyMaxLen    = 100 // samples kept per symbol (~100s on the 1s stream)
)

// MarkPrice is one sample from the markPrice stream.
type MarkPrice struct {
	Symbol     string // Binance symbol, e.g. BTCUSDT
	Mark       decimal.Decimal
	Index      decimal.Decimal
	ReceivedAt time.Time
}

// MarkPriceCallback receives each mark-price sample.
type MarkPriceCallback func(MarkPrice)

type sample struct {
	at    time.Time
	price float64
}

// markPriceEvent is the Binance wire format for markPrice stream messages.
type markPriceEvent struct {
	EventType string `json:"e"` // "markPriceUpdate"
	Symbol    string `json:"s"`
	Mark      string `json:"p"`
	Index     string `json:"i"`
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// BinanceFeed subscribes to <symbol>@markPrice streams over one connection.
// Symbol translation between the primary exchange's names and Binance's is
// an injected table; all public methods take primary-exchange symbols.
type BinanceFeed struct {
	url       string
	use1s     bool
	symbolMap map[string]string // primary -> binance
	reverse   map[string]string // binance -> primary
	logger    *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	nextID int

	subMu sync.Mutex
	subs  map[string]bool // binance symbols

	mu      sync.RWMutex
	latest  map[string]MarkPrice // binance symbol -> latest sample
	history map[string][]sample  // binance symbol -> time-ordered samples

	cbMu sync.RWMutex
	cbs  []MarkPriceCallback
}

// NewBinanceFeed creates a reference feed.
func NewBinanceFeed(wsURL string, use1s bool, symbolMap map[string]string, logger *slog.Logger) *BinanceFeed {
	reverse := make(map[string]string, len(symbolMap))
	for k, v := range symbolMap {
		reverse[v] = k
	}
	return &BinanceFeed{
		url:       wsURL,
		use1s:     use1s,
		symbolMap: symbolMap,
		reverse:   reverse,
		logger:    logger.With("component", "binance_ws"),
		subs:      make(map[string]bool),
		latest:    make(map[string]MarkPrice),
		history:   make(map[string][]sample),
	}
}

// OnMarkPrice registers a sample callback.
func (f *BinanceFeed) OnMarkPrice(cb MarkPriceCallback) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.cbs = append(f.cbs, cb)
}

// Subscribe registers primary-exchange symbols. Unknown symbols are passed
// through unchanged so direct Binance names also work.
func (f *BinanceFeed) Subscribe(symbols ...string) error {
	f.subMu.Lock()
	fresh := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		b := f.toBinance(sym)
		if !f.subs[b] {
			f.subs[b] = true
			fresh = append(fresh, b)
		}
	}
	f.subMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return f.sendSubscribe(fresh)
}

// MarkFor returns the latest mark price for a primary-exchange symbol.
func (f *BinanceFeed) MarkFor(symbol string) (MarkPrice, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	mp, ok := f.latest[f.toBinance(symbol)]
	return mp, ok
}

// ChangeBps returns the signed basis-point change between the newest sample
// and the oldest sample within the window. Returns 0 with fewer than two
// samples in the window.
func (f *BinanceFeed) ChangeBps(symbol string, window time.Duration) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	hist := f.history[f.toBinance(symbol)]
	if len(hist) < 2 {
		return 0
	}

	cutoff := time.Now().Add(-window)
	var oldest, newest *sample
	for i := range hist {
		if hist[i].at.Before(cutoff) {
			continue
		}
		if oldest == nil {
			oldest = &hist[i]
		}
		newest = &hist[i]
	}
	if oldest == nil || newest == nil || oldest == newest || oldest.price <= 0 {
		return 0
	}
	return (newest.price - oldest.price) / oldest.price * 10000
}

// Run connects and maintains the stream. Blocks until ctx is cancelled.
func (f *BinanceFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("reference feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close closes the current connection, if any.
func (f *BinanceFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *BinanceFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Binance sends pings. This handler replaces gorilla's default one: it
	// refreshes the read deadline and writes the pong itself under connMu.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		f.connMu.Lock()
		defer f.connMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	f.subMu.Lock()
	symbols := make([]string, 0, len(f.subs))
	for s := range f.subs {
		symbols = append(symbols, s)
	}
	f.subMu.Unlock()

	if err := f.sendSubscribe(symbols); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("reference feed connected", "streams", len(symbols), "interval_1s", f.use1s)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.handleMessage(msg)
	}
}

func (f *BinanceFeed) sendSubscribe(binanceSymbols []string) error {
	if len(binanceSymbols) == 0 {
		return nil
	}

	params := make([]string, 0, len(binanceSymbols))
	for _, s := range binanceSymbols {
		params = append(params, f.streamName(s))
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; Run() replays the set on connect.
		return nil
	}
	f.nextID++
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(subscribeFrame{
		Method: "SUBSCRIBE",
		Params: params,
		ID:     f.nextID,
	})
}

// streamName builds "<lower(symbol)>@markPrice@1s" (or the 3s variant).
func (f *BinanceFeed) streamName(binanceSymbol string) string {
	name := strings.ToLower(binanceSymbol) + "@markPrice"
	if f.use1s {
		name += "@1s"
	}
	return name
}

func (f *BinanceFeed) handleMessage(data []byte) {
	var evt markPriceEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.EventType != "markPriceUpdate" {
		// Subscription acks and other control frames land here.
		return
	}

	mark, err := decimal.NewFromString(evt.Mark)
	if err != nil {
		f.logger.Error("bad mark price", "symbol", evt.Symbol, "value", evt.Mark)
		return
	}
	index, _ := decimal.NewFromString(evt.Index)

	mp := MarkPrice{
		Symbol:     evt.Symbol,
		Mark:       mark,
		Index:      index,
		ReceivedAt: time.Now(),
	}

	f.record(mp)

	f.cbMu.RLock()
	cbs := f.cbs
	f.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(mp)
	}
}

func (f *BinanceFeed) record(mp MarkPrice) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.latest[mp.Symbol] = mp

	hist := append(f.history[mp.Symbol], sample{at: mp.ReceivedAt, price: mp.Mark.InexactFloat64()})
	if len(hist) > historyMaxLen {
		hist = hist[len(hist)-historyMaxLen:]
	}
	f.history[mp.Symbol] = hist
}

func (f *BinanceFeed) toBinance(symbol string) string {
	if b, ok := f.symbolMap[symbol]; ok {
		return b
	}
	return symbol
}

// PrimaryFor translates a Binance symbol back to the primary exchange's name.
func (f *BinanceFeed) PrimaryFor(binanceSymbol string) string {
	if p, ok := f.reverse[binanceSymbol]; ok {
		return p
	}
	return binanceSymbol
}
