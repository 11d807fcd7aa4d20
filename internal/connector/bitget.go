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

// bitgetAdapter speaks Bitget's v2 spot stream. Frames carry an arg block
// naming the channel plus an action field splitting snapshots from updates,
// and the server expects a bare text ping.
type bitgetAdapter struct {
	baseAdapter
	cfg config.VenueConfig
}

func newBitgetAdapter(cfg config.VenueConfig) *bitgetAdapter {
	return &bitgetAdapter{cfg: cfg}
}

func (a *bitgetAdapter) Name() string { return "bitget" }

func (a *bitgetAdapter) Endpoint(_ context.Context) (string, error) { return a.cfg.URL, nil }

func (a *bitgetAdapter) SubscribeFrames(syms []string) ([][]byte, error) {
	args := make([]map[string]string, 0, len(syms)*2)
	for _, sym := range syms {
		v := symbols.ToVenue("bitget", sym)
		args = append(args,
			map[string]string{"instType": "SPOT", "channel": "books", "instId": v},
			map[string]string{"instType": "SPOT", "channel": "ticker", "instId": v},
		)
	}
	payload, err := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

type bitgetFrame struct {
	Event  string `json:"event"`
	Action string `json:"action"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Arg    struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
	Ts   string          `json:"ts"`
}

type bitgetBookData struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
}

type bitgetTickerData struct {
	InstID    string `json:"instId"`
	LastPr    string `json:"lastPr"`
	BidPr     string `json:"bidPr"`
	AskPr     string `json:"askPr"`
	BaseVol   string `json:"baseVolume"`
	Timestamp string `json:"ts"`
}

func (a *bitgetAdapter) Classify(raw []byte) Frame {
	s := string(raw)
	if s == "pong" || s == "ping" {
		return FrameHeartbeat
	}
	var frame bitgetFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return FrameUnknown
	}
	if frame.Event != "" {
		return FrameControl
	}
	switch frame.Arg.Channel {
	case "books":
		if frame.Action == "snapshot" {
			return FrameSnapshot
		}
		return FrameDelta
	case "ticker":
		return FrameTicker
	}
	return FrameUnknown
}

func (a *bitgetAdapter) Handle(raw []byte, sink Sink) error {
	var frame bitgetFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("bitget frame: %w", err)
	}

	switch frame.Arg.Channel {
	case "books":
		var data []bitgetBookData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("bitget book data: %w", err)
		}
		for _, d := range data {
			ts := parseMillis(d.Ts)
			if frame.Action == "snapshot" {
				bids, skippedB := book.ParseLevels(d.Bids, ts)
				asks, skippedA := book.ParseLevels(d.Asks, ts)
				if skippedB+skippedA > 0 {
					sink.DecodeError(fmt.Errorf("bitget book %s: %d malformed levels", frame.Arg.InstID, skippedB+skippedA))
				}
				sink.ApplySnapshot(frame.Arg.InstID, bids, asks, ts)
				continue
			}
			bids, skippedB := book.ParseDeltas(d.Bids, ts)
			asks, skippedA := book.ParseDeltas(d.Asks, ts)
			if skippedB+skippedA > 0 {
				sink.DecodeError(fmt.Errorf("bitget book %s: %d malformed levels", frame.Arg.InstID, skippedB+skippedA))
			}
			sink.ApplyDeltas(frame.Arg.InstID, bids, asks, ts)
		}

	case "ticker":
		var data []bitgetTickerData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("bitget ticker data: %w", err)
		}
		for _, d := range data {
			if err := decodeTicker(sink, d.InstID, d.BidPr, d.AskPr, d.LastPr, d.BaseVol, parseMillis(d.Timestamp)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *bitgetAdapter) Control(raw []byte) error {
	var frame bitgetFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("bitget control frame: %w", err)
	}
	if frame.Event == "error" {
		return fmt.Errorf("bitget error %d: %s", frame.Code, frame.Msg)
	}
	return nil
}

func (a *bitgetAdapter) AppPing() ([]byte, time.Duration, bool) {
	return []byte("ping"), 25 * time.Second, true
}
