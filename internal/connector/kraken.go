package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
)

// krakenAdapter speaks Kraken's v1 stream. Data frames are positional JSON
// arrays [channelID, payload..., channelName, pair]; the channelID to
// pair/channel binding is learned from subscriptionStatus control frames and
// kept in a registry. Kraken spells BTC as XBT on the wire.
type krakenAdapter struct {
	baseAdapter
	cfg config.VenueConfig

	mu       sync.Mutex
	channels map[int64]krakenChannel // channelID -> binding
}

type krakenChannel struct {
	name string // "book-25" or "ticker"
	pair string // wire pair, e.g. "XBT/USD"
}

func newKrakenAdapter(cfg config.VenueConfig) *krakenAdapter {
	return &krakenAdapter{cfg: cfg, channels: make(map[int64]krakenChannel)}
}

func (a *krakenAdapter) Name() string { return "kraken" }

func (a *krakenAdapter) Endpoint(_ context.Context) (string, error) { return a.cfg.URL, nil }

func (a *krakenAdapter) SubscribeFrames(syms []string) ([][]byte, error) {
	pairs := make([]string, 0, len(syms))
	for _, sym := range syms {
		pairs = append(pairs, symbols.ToVenue("kraken", sym))
	}
	frames := make([][]byte, 0, 2)
	for _, sub := range []map[string]any{
		{"name": "book", "depth": 25},
		{"name": "ticker"},
	} {
		payload, err := json.Marshal(map[string]any{
			"event":        "subscribe",
			"pair":         pairs,
			"subscription": sub,
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, payload)
	}
	return frames, nil
}

func (a *krakenAdapter) Classify(raw []byte) Frame {
	if len(raw) > 0 && raw[0] == '{' {
		var evt struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(raw, &evt) != nil {
			return FrameUnknown
		}
		if evt.Event == "heartbeat" {
			return FrameHeartbeat
		}
		return FrameControl
	}

	// Positional array frame: resolve the channel to pick the frame kind.
	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) != nil || len(parts) < 4 {
		return FrameUnknown
	}
	var chanID int64
	if json.Unmarshal(parts[0], &chanID) != nil {
		return FrameUnknown
	}
	a.mu.Lock()
	ch, ok := a.channels[chanID]
	a.mu.Unlock()
	if !ok {
		return FrameUnknown
	}
	if ch.name == "ticker" {
		return FrameTicker
	}
	// A book payload with "as"/"bs" keys is the subscription snapshot;
	// everything after carries "a"/"b" deltas.
	var body map[string]json.RawMessage
	if json.Unmarshal(parts[1], &body) == nil {
		if _, snap := body["as"]; snap {
			return FrameSnapshot
		}
		if _, snap := body["bs"]; snap {
			return FrameSnapshot
		}
	}
	return FrameDelta
}

// Control tracks subscriptionStatus frames to build the channelID registry.
func (a *krakenAdapter) Control(raw []byte) error {
	var evt struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		ChannelID    int64  `json:"channelID"`
		ChannelName  string `json:"channelName"`
		Pair         string `json:"pair"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return fmt.Errorf("kraken control frame: %w", err)
	}
	switch evt.Event {
	case "subscriptionStatus":
		if evt.Status == "error" {
			return fmt.Errorf("kraken subscription rejected: %s", evt.ErrorMessage)
		}
		if evt.Status == "subscribed" {
			a.mu.Lock()
			a.channels[evt.ChannelID] = krakenChannel{name: evt.ChannelName, pair: evt.Pair}
			a.mu.Unlock()
		}
	case "systemStatus", "pong":
	}
	return nil
}

type krakenBookPayload struct {
	AS [][]string `json:"as"`
	BS [][]string `json:"bs"`
	A  [][]string `json:"a"`
	B  [][]string `json:"b"`
}

type krakenTickerPayload struct {
	B []json.Number `json:"b"` // best bid [price, wholeLotVolume, lotVolume]
	A []json.Number `json:"a"` // best ask
	C []json.Number `json:"c"` // last trade closed [price, lotVolume]
	V []json.Number `json:"v"` // volume [today, 24h]
}

func (a *krakenAdapter) Handle(raw []byte, sink Sink) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return fmt.Errorf("kraken data frame: %w", err)
	}
	if len(parts) < 4 {
		return fmt.Errorf("kraken data frame: %d elements", len(parts))
	}
	var chanID int64
	if err := json.Unmarshal(parts[0], &chanID); err != nil {
		return fmt.Errorf("kraken channel id: %w", err)
	}
	a.mu.Lock()
	ch, ok := a.channels[chanID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("kraken frame for unknown channel %d", chanID)
	}

	if ch.name == "ticker" {
		return a.handleTicker(ch.pair, parts[1], sink)
	}

	// Book frames may split a single update across two payload objects
	// (bid side and ask side); merge them before applying.
	ts := time.Now()
	var snapBids, snapAsks, deltaBids, deltaAsks []book.Level
	isSnapshot := false
	for _, part := range parts[1 : len(parts)-2] {
		var payload krakenBookPayload
		if err := json.Unmarshal(part, &payload); err != nil {
			return fmt.Errorf("kraken book payload: %w", err)
		}
		if len(payload.AS) > 0 || len(payload.BS) > 0 {
			isSnapshot = true
			b, _ := book.ParseLevels(payload.BS, ts)
			ask, _ := book.ParseLevels(payload.AS, ts)
			snapBids = append(snapBids, b...)
			snapAsks = append(snapAsks, ask...)
		}
		if len(payload.A) > 0 || len(payload.B) > 0 {
			b, skippedB := book.ParseDeltas(payload.B, ts)
			ask, skippedA := book.ParseDeltas(payload.A, ts)
			if skippedB+skippedA > 0 {
				sink.DecodeError(fmt.Errorf("kraken book %s: %d malformed levels", ch.pair, skippedB+skippedA))
			}
			deltaBids = append(deltaBids, b...)
			deltaAsks = append(deltaAsks, ask...)
		}
	}
	if isSnapshot {
		sink.ApplySnapshot(ch.pair, snapBids, snapAsks, ts)
		return nil
	}
	sink.ApplyDeltas(ch.pair, deltaBids, deltaAsks, ts)
	return nil
}

func (a *krakenAdapter) handleTicker(pair string, raw json.RawMessage, sink Sink) error {
	var t krakenTickerPayload
	if err := json.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("kraken ticker payload: %w", err)
	}
	first := func(arr []json.Number) string {
		if len(arr) == 0 {
			return ""
		}
		return arr[0].String()
	}
	vol := ""
	if len(t.V) > 1 {
		vol = t.V[1].String()
	}
	return decodeTicker(sink, pair, first(t.B), first(t.A), first(t.C), vol, time.Now())
}

// Reset drops the channel registry; ids are reassigned per connection.
func (a *krakenAdapter) Reset() {
	a.mu.Lock()
	a.channels = make(map[int64]krakenChannel)
	a.mu.Unlock()
}
