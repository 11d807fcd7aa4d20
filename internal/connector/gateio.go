package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
)

// gateioAdapter speaks Gate.io's v4 spot stream. The spot.order_book channel
// pushes full depth replacements on each update, so every data frame is a
// snapshot and the sequence-chaining machinery is unnecessary.
type gateioAdapter struct {
	baseAdapter
	cfg config.VenueConfig
}

func newGateioAdapter(cfg config.VenueConfig) *gateioAdapter {
	return &gateioAdapter{cfg: cfg}
}

func (a *gateioAdapter) Name() string { return "gateio" }

func (a *gateioAdapter) Endpoint(_ context.Context) (string, error) { return a.cfg.URL, nil }

func (a *gateioAdapter) SubscribeFrames(syms []string) ([][]byte, error) {
	frames := make([][]byte, 0, len(syms)*2)
	now := time.Now().Unix()
	for _, sym := range syms {
		v := symbols.ToVenue("gateio", sym)
		bookSub, err := json.Marshal(map[string]any{
			"time":    now,
			"channel": "spot.order_book",
			"event":   "subscribe",
			"payload": []string{v, "20", "100ms"},
		})
		if err != nil {
			return nil, err
		}
		tickerSub, err := json.Marshal(map[string]any{
			"time":    now,
			"channel": "spot.tickers",
			"event":   "subscribe",
			"payload": []string{v},
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, bookSub, tickerSub)
	}
	return frames, nil
}

type gateioFrame struct {
	Time    int64           `json:"time"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *gateioError    `json:"error"`
	Result  json.RawMessage `json:"result"`
}

type gateioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type gateioBookResult struct {
	T            int64      `json:"t"`
	CurrencyPair string     `json:"s"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type gateioTickerResult struct {
	CurrencyPair string `json:"currency_pair"`
	Last         string `json:"last"`
	HighestBid   string `json:"highest_bid"`
	LowestAsk    string `json:"lowest_ask"`
	BaseVolume   string `json:"base_volume"`
}

func (a *gateioAdapter) Classify(raw []byte) Frame {
	var frame gateioFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return FrameUnknown
	}
	switch frame.Channel {
	case "spot.pong":
		return FrameHeartbeat
	case "spot.order_book":
		if frame.Event == "update" {
			return FrameSnapshot
		}
		return FrameControl
	case "spot.tickers":
		if frame.Event == "update" {
			return FrameTicker
		}
		return FrameControl
	}
	if frame.Event == "subscribe" || frame.Event == "unsubscribe" {
		return FrameControl
	}
	return FrameUnknown
}

func (a *gateioAdapter) Handle(raw []byte, sink Sink) error {
	var frame gateioFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("gateio frame: %w", err)
	}

	switch frame.Channel {
	case "spot.order_book":
		var result gateioBookResult
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			return fmt.Errorf("gateio order book result: %w", err)
		}
		ts := time.UnixMilli(result.T)
		if result.T == 0 {
			ts = time.Now()
		}
		bids, skippedB := book.ParseLevels(result.Bids, ts)
		asks, skippedA := book.ParseLevels(result.Asks, ts)
		if skippedB+skippedA > 0 {
			sink.DecodeError(fmt.Errorf("gateio order book %s: %d malformed levels", result.CurrencyPair, skippedB+skippedA))
		}
		sink.ApplySnapshot(result.CurrencyPair, bids, asks, ts)

	case "spot.tickers":
		var result gateioTickerResult
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			return fmt.Errorf("gateio ticker result: %w", err)
		}
		ts := time.Unix(frame.Time, 0)
		if frame.Time == 0 {
			ts = time.Now()
		}
		return decodeTicker(sink, result.CurrencyPair, result.HighestBid, result.LowestAsk, result.Last, result.BaseVolume, ts)
	}
	return nil
}

func (a *gateioAdapter) Control(raw []byte) error {
	var frame gateioFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("gateio control frame: %w", err)
	}
	if frame.Error != nil {
		return fmt.Errorf("gateio error %d on %s: %s", frame.Error.Code, frame.Channel, frame.Error.Message)
	}
	return nil
}

func (a *gateioAdapter) AppPing() ([]byte, time.Duration, bool) {
	payload, _ := json.Marshal(map[string]any{
		"time":    time.Now().Unix(),
		"channel": "spot.ping",
	})
	return payload, 20 * time.Second, true
}
