package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
)

// okxAdapter speaks OKX's v5 public stream: arg-keyed frames with an explicit
// snapshot/update action on the books channel. Heartbeats are plain "ping"/
// "pong" text frames outside the JSON protocol.
type okxAdapter struct {
	baseAdapter
	cfg config.VenueConfig
}

func newOkxAdapter(cfg config.VenueConfig) *okxAdapter {
	return &okxAdapter{cfg: cfg}
}

func (a *okxAdapter) Name() string { return "okx" }

func (a *okxAdapter) Endpoint(_ context.Context) (string, error) {
	return a.cfg.URL, nil
}

type okxSubArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (a *okxAdapter) SubscribeFrames(syms []string) ([][]byte, error) {
	args := make([]okxSubArg, 0, len(syms)*2)
	for _, sym := range syms {
		v := symbols.ToVenue("okx", sym)
		args = append(args, okxSubArg{Channel: "books", InstID: v}, okxSubArg{Channel: "tickers", InstID: v})
	}
	req := struct {
		Op   string      `json:"op"`
		Args []okxSubArg `json:"args"`
	}{Op: "subscribe", Args: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

type okxFrame struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    *okxSubArg      `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type okxBookData struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
}

type okxTickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	Bid    string `json:"bidPx"`
	Ask    string `json:"askPx"`
	Vol    string `json:"vol24h"`
	Ts     string `json:"ts"`
}

func (a *okxAdapter) Classify(raw []byte) Frame {
	if bytes.Equal(raw, []byte("pong")) || bytes.Equal(raw, []byte("ping")) {
		return FrameHeartbeat
	}
	var frame okxFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return FrameUnknown
	}
	switch {
	case frame.Event != "":
		return FrameControl
	case frame.Arg == nil:
		return FrameUnknown
	case frame.Arg.Channel == "books" && frame.Action == "snapshot":
		return FrameSnapshot
	case frame.Arg.Channel == "books":
		return FrameDelta
	case frame.Arg.Channel == "tickers":
		return FrameTicker
	}
	return FrameUnknown
}

func (a *okxAdapter) Handle(raw []byte, sink Sink) error {
	var frame okxFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("okx frame: %w", err)
	}
	if frame.Arg == nil {
		return fmt.Errorf("okx data frame without arg")
	}

	switch frame.Arg.Channel {
	case "books":
		var data []okxBookData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("okx book data: %w", err)
		}
		for _, d := range data {
			ts := parseMillis(d.Ts)
			if frame.Action == "snapshot" {
				bids, skippedB := book.ParseLevels(d.Bids, ts)
				asks, skippedA := book.ParseLevels(d.Asks, ts)
				if skippedB+skippedA > 0 {
					sink.DecodeError(fmt.Errorf("okx snapshot %s: %d malformed levels", frame.Arg.InstID, skippedB+skippedA))
				}
				sink.ApplySnapshot(frame.Arg.InstID, bids, asks, ts)
				continue
			}
			bids, skippedB := book.ParseDeltas(d.Bids, ts)
			asks, skippedA := book.ParseDeltas(d.Asks, ts)
			if skippedB+skippedA > 0 {
				sink.DecodeError(fmt.Errorf("okx update %s: %d malformed levels", frame.Arg.InstID, skippedB+skippedA))
			}
			sink.ApplyDeltas(frame.Arg.InstID, bids, asks, ts)
		}
		return nil

	case "tickers":
		var data []okxTickerData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("okx ticker data: %w", err)
		}
		for _, d := range data {
			if err := decodeTicker(sink, d.InstID, d.Bid, d.Ask, d.Last, d.Vol, parseMillis(d.Ts)); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (a *okxAdapter) Control(raw []byte) error {
	var frame okxFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("okx control frame: %w", err)
	}
	if frame.Event == "error" {
		return fmt.Errorf("okx error event code=%s msg=%s", frame.Code, frame.Msg)
	}
	return nil
}

// AppPing keeps the connection alive; OKX closes sockets idle for 30s.
func (a *okxAdapter) AppPing() ([]byte, time.Duration, bool) {
	return []byte("ping"), 25 * time.Second, true
}
