package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
)

// bitfinexAdapter speaks Bitfinex's v2 stream. Like Kraken the data frames
// are positional arrays keyed by a channel id learned from "subscribed"
// events. Book entries are [price, count, amount]: count zero deletes the
// level and the sign of amount picks the side. The subscription's first book
// frame is an array of such entries (the snapshot); later frames carry one.
type bitfinexAdapter struct {
	baseAdapter
	cfg config.VenueConfig

	mu       sync.Mutex
	channels map[int64]bitfinexChannel
	seeded   map[int64]bool // book channels that have received their snapshot
}

type bitfinexChannel struct {
	name   string // "book" or "ticker"
	symbol string // wire symbol, e.g. "tBTCUSD"
}

func newBitfinexAdapter(cfg config.VenueConfig) *bitfinexAdapter {
	return &bitfinexAdapter{
		cfg:      cfg,
		channels: make(map[int64]bitfinexChannel),
		seeded:   make(map[int64]bool),
	}
}

func (a *bitfinexAdapter) Name() string { return "bitfinex" }

func (a *bitfinexAdapter) Endpoint(_ context.Context) (string, error) { return a.cfg.URL, nil }

func (a *bitfinexAdapter) SubscribeFrames(syms []string) ([][]byte, error) {
	frames := make([][]byte, 0, len(syms)*2)
	for _, sym := range syms {
		v := symbols.ToVenue("bitfinex", sym)
		bookSub, err := json.Marshal(map[string]any{
			"event":   "subscribe",
			"channel": "book",
			"symbol":  v,
			"prec":    "P0",
			"freq":    "F0",
			"len":     "25",
		})
		if err != nil {
			return nil, err
		}
		tickerSub, err := json.Marshal(map[string]any{
			"event":   "subscribe",
			"channel": "ticker",
			"symbol":  v,
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, bookSub, tickerSub)
	}
	return frames, nil
}

func (a *bitfinexAdapter) Classify(raw []byte) Frame {
	if len(raw) > 0 && raw[0] == '{' {
		return FrameControl
	}
	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) != nil || len(parts) < 2 {
		return FrameUnknown
	}
	var hb string
	if json.Unmarshal(parts[1], &hb) == nil && hb == "hb" {
		return FrameHeartbeat
	}
	var chanID int64
	if json.Unmarshal(parts[0], &chanID) != nil {
		return FrameUnknown
	}
	a.mu.Lock()
	ch, known := a.channels[chanID]
	seeded := a.seeded[chanID]
	a.mu.Unlock()
	if !known {
		return FrameUnknown
	}
	if ch.name == "ticker" {
		return FrameTicker
	}
	if !seeded {
		return FrameSnapshot
	}
	return FrameDelta
}

func (a *bitfinexAdapter) Control(raw []byte) error {
	var evt struct {
		Event   string `json:"event"`
		Channel string `json:"channel"`
		ChanID  int64  `json:"chanId"`
		Symbol  string `json:"symbol"`
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return fmt.Errorf("bitfinex control frame: %w", err)
	}
	switch evt.Event {
	case "subscribed":
		a.mu.Lock()
		a.channels[evt.ChanID] = bitfinexChannel{name: evt.Channel, symbol: evt.Symbol}
		delete(a.seeded, evt.ChanID)
		a.mu.Unlock()
	case "error":
		return fmt.Errorf("bitfinex error %d: %s", evt.Code, evt.Msg)
	case "info", "conf", "pong":
	}
	return nil
}

func (a *bitfinexAdapter) Handle(raw []byte, sink Sink) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return fmt.Errorf("bitfinex data frame: %w", err)
	}
	if len(parts) < 2 {
		return fmt.Errorf("bitfinex data frame: %d elements", len(parts))
	}
	var chanID int64
	if err := json.Unmarshal(parts[0], &chanID); err != nil {
		return fmt.Errorf("bitfinex channel id: %w", err)
	}
	a.mu.Lock()
	ch, known := a.channels[chanID]
	seeded := a.seeded[chanID]
	a.mu.Unlock()
	if !known {
		return fmt.Errorf("bitfinex frame for unknown channel %d", chanID)
	}

	if ch.name == "ticker" {
		return a.handleTicker(ch.symbol, parts[1], sink)
	}

	ts := time.Now()
	if !seeded {
		// Snapshot: array of [price, count, amount] entries.
		var entries [][3]json.Number
		if err := json.Unmarshal(parts[1], &entries); err != nil {
			return fmt.Errorf("bitfinex book snapshot: %w", err)
		}
		var bids, asks []book.Level
		for _, e := range entries {
			lvl, bid, err := bitfinexLevel(e, ts)
			if err != nil {
				return err
			}
			if lvl.Quantity.IsZero() {
				continue
			}
			if bid {
				bids = append(bids, lvl)
			} else {
				asks = append(asks, lvl)
			}
		}
		a.mu.Lock()
		a.seeded[chanID] = true
		a.mu.Unlock()
		sink.ApplySnapshot(ch.symbol, bids, asks, ts)
		return nil
	}

	// Delta: a single [price, count, amount] entry.
	var entry [3]json.Number
	if err := json.Unmarshal(parts[1], &entry); err != nil {
		return fmt.Errorf("bitfinex book delta: %w", err)
	}
	lvl, bid, err := bitfinexLevel(entry, ts)
	if err != nil {
		return err
	}
	if bid {
		sink.ApplyDeltas(ch.symbol, []book.Level{lvl}, nil, ts)
	} else {
		sink.ApplyDeltas(ch.symbol, nil, []book.Level{lvl}, ts)
	}
	return nil
}

// bitfinexLevel decodes a [price, count, amount] entry. count == 0 means the
// level is gone, encoded here as quantity zero; amount > 0 is a bid.
func bitfinexLevel(e [3]json.Number, ts time.Time) (lvl book.Level, bid bool, err error) {
	price, err := decimal.NewFromString(e[0].String())
	if err != nil {
		return lvl, false, fmt.Errorf("bitfinex price %q: %w", e[0], err)
	}
	count, err := e[1].Int64()
	if err != nil {
		return lvl, false, fmt.Errorf("bitfinex count %q: %w", e[1], err)
	}
	amount, err := decimal.NewFromString(e[2].String())
	if err != nil {
		return lvl, false, fmt.Errorf("bitfinex amount %q: %w", e[2], err)
	}
	bid = amount.Sign() > 0
	qty := amount.Abs()
	if count == 0 {
		qty = decimal.Zero
	}
	return book.Level{Price: price, Quantity: qty, Timestamp: ts.UnixMilli()}, bid, nil
}

// Bitfinex tickers are 10-float arrays:
// [bid, bidSize, ask, askSize, dailyChange, dailyChangePct, last, volume, high, low]
func (a *bitfinexAdapter) handleTicker(symbol string, raw json.RawMessage, sink Sink) error {
	var t []json.Number
	if err := json.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("bitfinex ticker payload: %w", err)
	}
	if len(t) < 8 {
		return fmt.Errorf("bitfinex ticker payload: %d fields", len(t))
	}
	return decodeTicker(sink, symbol, t[0].String(), t[2].String(), t[6].String(), t[7].String(), time.Now())
}

// Reset drops channel bindings and snapshot markers for the next connection.
func (a *bitfinexAdapter) Reset() {
	a.mu.Lock()
	a.channels = make(map[int64]bitfinexChannel)
	a.seeded = make(map[int64]bool)
	a.mu.Unlock()
}
