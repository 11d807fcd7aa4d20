package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
)

// coinbaseAdapter speaks Coinbase Exchange's feed. Frames are type-keyed
// objects; level2 deltas use [side, price, size] change triples where a zero
// size removes the level.
type coinbaseAdapter struct {
	baseAdapter
	cfg config.VenueConfig
}

func newCoinbaseAdapter(cfg config.VenueConfig) *coinbaseAdapter {
	return &coinbaseAdapter{cfg: cfg}
}

func (a *coinbaseAdapter) Name() string { return "coinbase" }

func (a *coinbaseAdapter) Endpoint(_ context.Context) (string, error) { return a.cfg.URL, nil }

func (a *coinbaseAdapter) SubscribeFrames(syms []string) ([][]byte, error) {
	products := make([]string, 0, len(syms))
	for _, sym := range syms {
		products = append(products, symbols.ToVenue("coinbase", sym))
	}
	payload, err := json.Marshal(map[string]any{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    []string{"level2_batch", "ticker", "heartbeat"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

type coinbaseFrame struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Time      time.Time  `json:"time"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Changes   [][]string `json:"changes"`
	BestBid   string     `json:"best_bid"`
	BestAsk   string     `json:"best_ask"`
	Price     string     `json:"price"`
	Volume24h string     `json:"volume_24h"`
	Message   string     `json:"message"`
	Reason    string     `json:"reason"`
}

func (a *coinbaseAdapter) Classify(raw []byte) Frame {
	var frame struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(raw, &frame) != nil {
		return FrameUnknown
	}
	switch frame.Type {
	case "snapshot":
		return FrameSnapshot
	case "l2update":
		return FrameDelta
	case "ticker":
		return FrameTicker
	case "heartbeat":
		return FrameHeartbeat
	case "subscriptions", "error":
		return FrameControl
	}
	return FrameUnknown
}

func (a *coinbaseAdapter) Handle(raw []byte, sink Sink) error {
	var frame coinbaseFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("coinbase frame: %w", err)
	}
	ts := frame.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	switch frame.Type {
	case "snapshot":
		bids, skippedB := book.ParseLevels(frame.Bids, ts)
		asks, skippedA := book.ParseLevels(frame.Asks, ts)
		if skippedB+skippedA > 0 {
			sink.DecodeError(fmt.Errorf("coinbase snapshot %s: %d malformed levels", frame.ProductID, skippedB+skippedA))
		}
		sink.ApplySnapshot(frame.ProductID, bids, asks, ts)

	case "l2update":
		var bids, asks []book.Level
		for _, change := range frame.Changes {
			if len(change) < 3 {
				sink.DecodeError(fmt.Errorf("coinbase l2update %s: change with %d fields", frame.ProductID, len(change)))
				continue
			}
			price, err := decimal.NewFromString(change[1])
			if err != nil {
				return fmt.Errorf("coinbase price %q: %w", change[1], err)
			}
			qty, err := decimal.NewFromString(change[2])
			if err != nil {
				return fmt.Errorf("coinbase size %q: %w", change[2], err)
			}
			lvl := book.Level{Price: price, Quantity: qty, Timestamp: ts.UnixMilli()}
			switch change[0] {
			case "buy":
				bids = append(bids, lvl)
			case "sell":
				asks = append(asks, lvl)
			default:
				sink.DecodeError(fmt.Errorf("coinbase l2update %s: side %q", frame.ProductID, change[0]))
			}
		}
		sink.ApplyDeltas(frame.ProductID, bids, asks, ts)

	case "ticker":
		return decodeTicker(sink, frame.ProductID, frame.BestBid, frame.BestAsk, frame.Price, frame.Volume24h, ts)
	}
	return nil
}

func (a *coinbaseAdapter) Control(raw []byte) error {
	var frame coinbaseFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("coinbase control frame: %w", err)
	}
	if frame.Type == "error" {
		return fmt.Errorf("coinbase error: %s (%s)", frame.Message, frame.Reason)
	}
	return nil
}
