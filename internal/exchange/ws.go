// ws.go implements the StandX streaming feed.
//
// One connection carries every subscribed channel:
//
//   - price (public):      per-symbol mark/mid/top-of-book snapshots
//   - depth_book (public): full L2 snapshots, top levels
//   - order (private):     the account's order lifecycle events
//
// Public channels subscribe with {"subscribe":{channel,symbol}}; private
// channels send an auth frame carrying the bearer token and the streams to
// open. The feed tracks its subscription set so a reconnect replays it,
// auto-reconnects with exponential backoff (1s → 10s cap), and treats 30s
// of receive silence as a dead connection.
//
// Consumers get two things: last-value caches (single writer — the read
// loop) with observable age, and callback registration. Callbacks receive
// value copies and must not block; anything slow belongs on the consumer's
// own goroutine.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

const (
	wsReadTimeout      = 30 * time.Second // silence beyond this forces reconnect
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 10 * time.Second
	depthLevelsKept    = 20 // top-of-book depth retained per side
)

// Channel names on the StandX stream.
const (
	ChannelPrice     = "price"
	ChannelDepthBook = "depth_book"
	ChannelOrder     = "order"
)

// PriceCallback receives a price snapshot copy.
type PriceCallback func(types.PriceInfo)

// OrderbookCallback receives an orderbook snapshot copy.
type OrderbookCallback func(types.OrderbookSnapshot)

// OrderUpdateCallback receives a private order event.
type OrderUpdateCallback func(types.ExchangeOrder)

// Feed manages the StandX WebSocket connection.
type Feed struct {
	url    string
	auth   *Auth // needed only when private channels are subscribed
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	// subscription set, keyed by channel+symbol stream, replayed on reconnect
	subMu sync.Mutex
	subs  map[types.WSStream]bool

	// last-value caches; written only by the read loop
	cacheMu    sync.RWMutex
	prices     map[string]types.PriceInfo
	orderbooks map[string]types.OrderbookSnapshot

	cbMu         sync.RWMutex
	onPrice      []PriceCallback
	onOrderbook  []OrderbookCallback
	onOrderEvent []OrderUpdateCallback
}

// NewFeed creates a StandX feed. auth may be nil if no private channel is used.
func NewFeed(wsURL string, auth *Auth, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		auth:       auth,
		logger:     logger.With("component", "standx_ws"),
		subs:       make(map[types.WSStream]bool),
		prices:     make(map[string]types.PriceInfo),
		orderbooks: make(map[string]types.OrderbookSnapshot),
	}
}

// OnPrice registers a price callback.
func (f *Feed) OnPrice(cb PriceCallback) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.onPrice = append(f.onPrice, cb)
}

// OnOrderbook registers an orderbook callback.
func (f *Feed) OnOrderbook(cb OrderbookCallback) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.onOrderbook = append(f.onOrderbook, cb)
}

// OnOrderUpdate registers a private order-event callback.
func (f *Feed) OnOrderUpdate(cb OrderUpdateCallback) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.onOrderEvent = append(f.onOrderEvent, cb)
}

// Price returns the cached price snapshot for a symbol.
func (f *Feed) Price(symbol string) (types.PriceInfo, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	p, ok := f.prices[symbol]
	return p, ok
}

// Orderbook returns the cached orderbook snapshot for a symbol.
func (f *Feed) Orderbook(symbol string) (types.OrderbookSnapshot, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	ob, ok := f.orderbooks[symbol]
	return ob, ok
}

// Subscribe registers the streams and, when connected, sends the frames.
// Registration survives reconnects.
func (f *Feed) Subscribe(streams ...types.WSStream) error {
	f.subMu.Lock()
	fresh := make([]types.WSStream, 0, len(streams))
	for _, s := range streams {
		if !f.subs[s] {
			f.subs[s] = true
			fresh = append(fresh, s)
		}
	}
	f.subMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return f.sendSubscriptions(fresh)
}

// Unsubscribe removes streams and sends unsubscribe frames when connected.
func (f *Feed) Unsubscribe(streams ...types.WSStream) error {
	f.subMu.Lock()
	for _, s := range streams {
		delete(f.subs, s)
	}
	f.subMu.Unlock()

	for _, s := range streams {
		if err := f.writeJSON(types.WSUnsubscribe{Unsubscribe: s}); err != nil {
			return err
		}
	}
	return nil
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Close closes the current connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
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

	// Replay the full subscription set
	f.subMu.Lock()
	streams := make([]types.WSStream, 0, len(f.subs))
	for s := range f.subs {
		streams = append(streams, s)
	}
	f.subMu.Unlock()

	if err := f.sendSubscriptions(streams); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("websocket connected", "streams", len(streams))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatch(msg)
	}
}

// sendSubscriptions emits subscribe frames for public streams and a single
// auth frame bundling all private streams.
func (f *Feed) sendSubscriptions(streams []types.WSStream) error {
	var private []types.WSStream

	for _, s := range streams {
		if isPrivateChannel(s.Channel) {
			private = append(private, s)
			continue
		}
		if err := f.writeJSON(types.WSSubscribe{Subscribe: s}); err != nil {
			return err
		}
	}

	if len(private) > 0 {
		if f.auth == nil {
			return fmt.Errorf("private channels require auth")
		}
		token, err := f.auth.Token()
		if err != nil {
			return err
		}
		return f.writeJSON(types.WSAuth{Auth: types.WSAuthBody{
			Token:   token,
			Streams: private,
		}})
	}
	return nil
}

func isPrivateChannel(channel string) bool {
	switch channel {
	case ChannelOrder, "position", "balance", "trade":
		return true
	}
	return false
}

func (f *Feed) dispatch(data []byte) {
	var env types.WSEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch env.Channel {
	case ChannelPrice:
		var evt types.WSPriceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price event", "error", err)
			return
		}
		f.handlePrice(evt)

	case ChannelDepthBook:
		var evt types.WSDepthEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal depth event", "error", err)
			return
		}
		f.handleDepth(evt)

	case ChannelOrder:
		var evt types.WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		f.handleOrder(evt)

	default:
		f.logger.Debug("unknown ws channel", "channel", env.Channel)
	}
}

func (f *Feed) handlePrice(evt types.WSPriceEvent) {
	info := types.PriceInfo{
		Symbol:     evt.Symbol,
		IndexPrice: parseF(evt.IndexPrice),
		MarkPrice:  parseF(evt.MarkPrice),
		LastPrice:  parseF(evt.LastPrice),
		MidPrice:   parseF(evt.MidPrice),
		BestBid:    parseF(evt.BestBid),
		BestAsk:    parseF(evt.BestAsk),
		SpreadBps:  parseF(evt.SpreadBps),
		ReceivedAt: time.Now(),
	}

	f.cacheMu.Lock()
	f.prices[evt.Symbol] = info
	f.cacheMu.Unlock()

	f.cbMu.RLock()
	cbs := f.onPrice
	f.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(info)
	}
}

func (f *Feed) handleDepth(evt types.WSDepthEvent) {
	snap := types.OrderbookSnapshot{
		Symbol:     evt.Symbol,
		Bids:       parseLevels(truncLevels(evt.Bids)),
		Asks:       parseLevels(truncLevels(evt.Asks)),
		ReceivedAt: time.Now(),
	}

	f.cacheMu.Lock()
	f.orderbooks[evt.Symbol] = snap
	f.cacheMu.Unlock()

	f.cbMu.RLock()
	cbs := f.onOrderbook
	f.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(snap)
	}
}

func (f *Feed) handleOrder(evt types.WSOrderEvent) {
	order := fromWireOrder(evt.Order)
	if order.Symbol == "" {
		order.Symbol = evt.Symbol
	}

	f.cbMu.RLock()
	cbs := f.onOrderEvent
	f.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(order)
	}
}

func truncLevels(raw [][2]string) [][2]string {
	if len(raw) > depthLevelsKept {
		return raw[:depthLevelsKept]
	}
	return raw
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; Run() will replay the subscription set.
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}
