package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
)

// bybitAdapter speaks Bybit's v5 public spot stream. One orderbook topic
// carries both the initial snapshot and subsequent deltas, distinguished by
// an explicit type field, so no REST seed is needed.
type bybitAdapter struct {
	baseAdapter
	cfg config.VenueConfig
}

func newBybitAdapter(cfg config.VenueConfig) *bybitAdapter {
	return &bybitAdapter{cfg: cfg}
}

func (a *bybitAdapter) Name() string { return "bybit" }

func (a *bybitAdapter) Endpoint(_ context.Context) (string, error) {
	return a.cfg.URL, nil
}

func (a *bybitAdapter) SubscribeFrames(syms []string) ([][]byte, error) {
	args := make([]string, 0, len(syms)*2)
	for _, sym := range syms {
		v := symbols.ToVenue("bybit", sym)
		args = append(args, "orderbook.50."+v, "tickers."+v)
	}
	req := struct {
		Op    string   `json:"op"`
		Args  []string `json:"args"`
		ReqID string   `json:"req_id"`
	}{
		Op:    "subscribe",
		Args:  args,
		ReqID: fmt.Sprintf("%d", time.Now().UnixNano()),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

type bybitFrame struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bybitBookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

type bybitTickerData struct {
	Symbol    string `json:"symbol"`
	Bid       string `json:"bid1Price"`
	Ask       string `json:"ask1Price"`
	Last      string `json:"lastPrice"`
	Volume24h string `json:"volume24h"`
}

func (a *bybitAdapter) Classify(raw []byte) Frame {
	var frame bybitFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return FrameUnknown
	}
	switch {
	case frame.Op == "pong" || frame.Op == "ping":
		return FrameHeartbeat
	case frame.Op != "" || frame.Success != nil:
		return FrameControl
	case strings.HasPrefix(frame.Topic, "orderbook."):
		if frame.Type == "snapshot" {
			return FrameSnapshot
		}
		return FrameDelta
	case strings.HasPrefix(frame.Topic, "tickers."):
		return FrameTicker
	}
	return FrameUnknown
}

func (a *bybitAdapter) Handle(raw []byte, sink Sink) error {
	var frame bybitFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("bybit frame: %w", err)
	}
	ts := time.UnixMilli(frame.Ts)

	switch {
	case strings.HasPrefix(frame.Topic, "orderbook."):
		var data bybitBookData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("bybit book data: %w", err)
		}
		if frame.Type == "snapshot" {
			bids, skippedB := book.ParseLevels(data.Bids, ts)
			asks, skippedA := book.ParseLevels(data.Asks, ts)
			if skippedB+skippedA > 0 {
				sink.DecodeError(fmt.Errorf("bybit snapshot %s: %d malformed levels", data.Symbol, skippedB+skippedA))
			}
			sink.ApplySnapshot(data.Symbol, bids, asks, ts)
			return nil
		}
		bids, skippedB := book.ParseDeltas(data.Bids, ts)
		asks, skippedA := book.ParseDeltas(data.Asks, ts)
		if skippedB+skippedA > 0 {
			sink.DecodeError(fmt.Errorf("bybit delta %s: %d malformed levels", data.Symbol, skippedB+skippedA))
		}
		sink.ApplyDeltas(data.Symbol, bids, asks, ts)
		return nil

	case strings.HasPrefix(frame.Topic, "tickers."):
		var data bybitTickerData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("bybit ticker data: %w", err)
		}
		return decodeTicker(sink, data.Symbol, data.Bid, data.Ask, data.Last, data.Volume24h, ts)
	}
	return nil
}

// Control validates subscription acks; a failed ack is a protocol error the
// operator should see.
func (a *bybitAdapter) Control(raw []byte) error {
	var frame bybitFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("bybit control frame: %w", err)
	}
	if frame.Success != nil && !*frame.Success {
		return fmt.Errorf("bybit %s failed: %s", frame.Op, frame.RetMsg)
	}
	return nil
}

// AppPing keeps the v5 stream alive; Bybit drops connections without an
// application ping inside its 20 second window.
func (a *bybitAdapter) AppPing() ([]byte, time.Duration, bool) {
	return []byte(`{"op":"ping"}`), 20 * time.Second, true
}
