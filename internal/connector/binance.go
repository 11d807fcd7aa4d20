package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
)

// binanceAdapter speaks Binance's combined stream protocol: subscriptions are
// encoded in the URL, depth arrives as deltas only, and the initial book must
// be seeded from the REST depth endpoint. Deltas carry first/last update ids
// that must chain onto the seeded snapshot; a gap forces a REST resync.
type binanceAdapter struct {
	baseAdapter
	cfg    config.VenueConfig
	client *gobinance.Client

	restLimiter *rate.Limiter

	mu       sync.Mutex
	lastSeen map[string]int64 // venue symbol -> last applied update id
}

func newBinanceAdapter(cfg config.VenueConfig) *binanceAdapter {
	client := gobinance.NewClient("", "")
	if cfg.Testnet {
		gobinance.UseTestnet = true
	}
	return &binanceAdapter{
		cfg:         cfg,
		client:      client,
		restLimiter: rate.NewLimiter(rate.Limit(2), 1),
		lastSeen:    make(map[string]int64),
	}
}

func (a *binanceAdapter) Name() string { return "binance" }

// Endpoint builds the combined-stream URL; Binance takes subscriptions as
// URL path segments rather than subscribe frames.
func (a *binanceAdapter) Endpoint(ctx context.Context) (string, error) {
	streams := make([]string, 0, len(a.cfg.Symbols)*2)
	for _, sym := range a.cfg.Symbols {
		v := strings.ToLower(symbols.ToVenue("binance", sym))
		streams = append(streams, v+"@depth@100ms", v+"@ticker")
	}
	return fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(a.cfg.URL, "/"), strings.Join(streams, "/")), nil
}

func (a *binanceAdapter) SubscribeFrames(_ []string) ([][]byte, error) {
	return nil, nil
}

type binanceStreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceDepthEvent struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	LastUpdateID  int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type binanceTickerEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	Volume    string `json:"v"`
}

func (a *binanceAdapter) Classify(raw []byte) Frame {
	var frame binanceStreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Stream == "" {
		return FrameControl
	}
	switch {
	case strings.Contains(frame.Stream, "@depth"):
		return FrameDelta
	case strings.Contains(frame.Stream, "@ticker"):
		return FrameTicker
	}
	return FrameUnknown
}

func (a *binanceAdapter) Handle(raw []byte, sink Sink) error {
	var frame binanceStreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("binance frame: %w", err)
	}

	switch {
	case strings.Contains(frame.Stream, "@depth"):
		var ev binanceDepthEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return fmt.Errorf("binance depth event: %w", err)
		}
		return a.applyDepth(ev, sink)
	case strings.Contains(frame.Stream, "@ticker"):
		var ev binanceTickerEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return fmt.Errorf("binance ticker event: %w", err)
		}
		return decodeTicker(sink, ev.Symbol, ev.Bid, ev.Ask, ev.Last, ev.Volume, time.UnixMilli(ev.EventTime))
	}
	return nil
}

func (a *binanceAdapter) applyDepth(ev binanceDepthEvent, sink Sink) error {
	a.mu.Lock()
	last, seeded := a.lastSeen[ev.Symbol]
	if seeded {
		if ev.LastUpdateID <= last {
			// stale delta from before the snapshot seed
			a.mu.Unlock()
			return nil
		}
		if ev.FirstUpdateID > last+1 {
			delete(a.lastSeen, ev.Symbol)
			a.mu.Unlock()
			sink.Desync(ev.Symbol, fmt.Sprintf("update id gap: have %d, got %d", last, ev.FirstUpdateID))
			return nil
		}
	}
	a.lastSeen[ev.Symbol] = ev.LastUpdateID
	a.mu.Unlock()

	ts := time.UnixMilli(ev.EventTime)
	bids, skippedB := book.ParseDeltas(ev.Bids, ts)
	asks, skippedA := book.ParseDeltas(ev.Asks, ts)
	if skippedB+skippedA > 0 {
		sink.DecodeError(fmt.Errorf("binance depth %s: %d malformed levels", ev.Symbol, skippedB+skippedA))
	}
	sink.ApplyDeltas(ev.Symbol, bids, asks, ts)
	return nil
}

// Resync seeds the book from the REST depth endpoint. The last update id of
// the snapshot anchors the delta chain.
func (a *binanceAdapter) Resync(ctx context.Context, venueSymbol string, sink Sink) error {
	if err := a.restLimiter.Wait(ctx); err != nil {
		return err
	}
	depth := a.cfg.Depth
	if depth <= 0 {
		depth = 50
	}
	res, err := a.client.NewDepthService().Symbol(venueSymbol).Limit(depth).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance depth snapshot %s: %w", venueSymbol, err)
	}

	ts := time.Now()
	rawBids := make([][]string, len(res.Bids))
	for i, b := range res.Bids {
		rawBids[i] = []string{b.Price, b.Quantity}
	}
	rawAsks := make([][]string, len(res.Asks))
	for i, s := range res.Asks {
		rawAsks[i] = []string{s.Price, s.Quantity}
	}
	bids, _ := book.ParseLevels(rawBids, ts)
	asks, _ := book.ParseLevels(rawAsks, ts)

	a.mu.Lock()
	a.lastSeen[venueSymbol] = res.LastUpdateID
	a.mu.Unlock()

	sink.ApplySnapshot(venueSymbol, bids, asks, ts)
	return nil
}

func (a *binanceAdapter) Reset() {
	a.mu.Lock()
	a.lastSeen = make(map[string]int64)
	a.mu.Unlock()
}
