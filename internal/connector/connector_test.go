package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arbflow/config"
	"arbflow/internal/book"
)

// fakeAdapter speaks a trivial type-keyed protocol for transport tests.
type fakeAdapter struct {
	baseAdapter
	url string
}

func (a *fakeAdapter) Name() string { return "binance" }

func (a *fakeAdapter) Endpoint(_ context.Context) (string, error) { return a.url, nil }

func (a *fakeAdapter) SubscribeFrames(syms []string) ([][]byte, error) {
	payload, err := json.Marshal(map[string]any{"op": "subscribe", "symbols": syms})
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

type fakeFrame struct {
	Type   string     `json:"type"`
	Symbol string     `json:"symbol"`
	Bids   [][]string `json:"bids"`
	Asks   [][]string `json:"asks"`
	Bid    string     `json:"bid"`
	Ask    string     `json:"ask"`
	Last   string     `json:"last"`
}

func (a *fakeAdapter) Classify(raw []byte) Frame {
	var f fakeFrame
	if json.Unmarshal(raw, &f) != nil {
		return FrameUnknown
	}
	switch f.Type {
	case "snap":
		return FrameSnapshot
	case "delta":
		return FrameDelta
	case "tick":
		return FrameTicker
	}
	return FrameUnknown
}

func (a *fakeAdapter) Handle(raw []byte, sink Sink) error {
	var f fakeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	ts := time.Now()
	switch f.Type {
	case "snap":
		bids, _ := book.ParseLevels(f.Bids, ts)
		asks, _ := book.ParseLevels(f.Asks, ts)
		sink.ApplySnapshot(f.Symbol, bids, asks, ts)
	case "delta":
		bids, _ := book.ParseDeltas(f.Bids, ts)
		asks, _ := book.ParseDeltas(f.Asks, ts)
		sink.ApplyDeltas(f.Symbol, bids, asks, ts)
	case "tick":
		return decodeTicker(sink, f.Symbol, f.Bid, f.Ask, f.Last, "", ts)
	}
	return nil
}

var upgrader = websocket.Upgrader{}

// wsTestServer upgrades one connection and pushes the given frames after the
// subscribe frame arrives.
func wsTestServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectorTestConfig() config.VenueConfig {
	return config.VenueConfig{
		Enabled:        true,
		Symbols:        []string{"BTC-USDT"},
		Reconnect:      false,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func TestConnectorStreamsFromServer(t *testing.T) {
	srv := wsTestServer(t, []string{
		`{"type":"snap","symbol":"BTCUSDT","bids":[["50000","1"]],"asks":[["50010","2"]]}`,
		`{"type":"delta","symbol":"BTCUSDT","bids":[["50005","0.5"]],"asks":[]}`,
		`{"type":"tick","symbol":"BTCUSDT","bid":"50005","ask":"50010","last":"50007"}`,
	})
	defer srv.Close()

	events := NewEvents(64)
	c := New(connectorTestConfig(), &fakeAdapter{url: wsURL(srv)}, events)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("second Connect should fail while running")
	}

	var gotBook, gotTicker bool
	deadline := time.After(5 * time.Second)
	for !(gotBook && gotTicker) {
		select {
		case ev := <-events.C:
			switch ev.Type {
			case EventOrderBook:
				gotBook = true
				if ev.Book.Symbol != "BTC-USDT" {
					t.Errorf("book symbol = %s, want canonical BTC-USDT", ev.Book.Symbol)
				}
			case EventTicker:
				gotTicker = true
			case EventError:
				t.Fatalf("unexpected error event: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out: book=%v ticker=%v", gotBook, gotTicker)
		}
	}

	ob, ok := c.GetOrderBook("BTC-USDT")
	if !ok {
		t.Fatal("book missing after stream")
	}
	if len(ob.Bids) != 2 {
		t.Errorf("expected seeded bid plus delta, got %d bids", len(ob.Bids))
	}
	tick, ok := c.GetTicker("BTC-USDT")
	if !ok || tick.Last != "50007" {
		t.Errorf("ticker = %+v", tick)
	}
	if c.State() != StateStreaming {
		t.Errorf("state = %s, want streaming", c.State())
	}
	if stats := c.GetStats(); stats.TotalUpdates < 3 {
		t.Errorf("total updates = %d, want >= 3", stats.TotalUpdates)
	}
}

func TestConnectorReconnectBudget(t *testing.T) {
	// Server that drops every connection right after the subscribe frame.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	cfg := connectorTestConfig()
	cfg.Reconnect = true
	cfg.MaxReconnectAttempts = 2

	events := NewEvents(64)
	c := New(cfg, &fakeAdapter{url: wsURL(srv)}, events)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events.C:
			if ev.Type == EventError && strings.Contains(ev.Err.Error(), "exhausted") {
				// attempts beyond the budget are refused, not counted
				if got := c.GetStats().Reconnections; got != 2 {
					t.Errorf("reconnections = %d, want exactly 2", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("reconnect budget never exhausted")
		}
	}
}

func TestConnectorDisconnectIdempotent(t *testing.T) {
	events := NewEvents(8)
	c := New(connectorTestConfig(), &fakeAdapter{url: "ws://127.0.0.1:1"}, events)
	c.Disconnect() // never connected
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}
}

func TestConnectorCrossedBookResets(t *testing.T) {
	events := NewEvents(8)
	c := New(connectorTestConfig(), &fakeAdapter{}, events)
	c.ctx = context.Background()

	ts := time.Now()
	c.ApplySnapshot("BTCUSDT",
		[]book.Level{{Price: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(1), Timestamp: ts.UnixMilli()}},
		[]book.Level{{Price: decimal.NewFromInt(50010), Quantity: decimal.NewFromInt(1), Timestamp: ts.UnixMilli()}},
		ts)

	// A bid crossing the best ask corrupts the book; the connector must
	// throw it away rather than publish a crossed view.
	c.ApplyDeltas("BTCUSDT",
		[]book.Level{{Price: decimal.NewFromInt(50020), Quantity: decimal.NewFromInt(1), Timestamp: ts.UnixMilli()}},
		nil, ts)

	ob, ok := c.GetOrderBook("BTC-USDT")
	if !ok {
		t.Fatal("book missing")
	}
	if len(ob.Bids) != 0 || len(ob.Asks) != 0 {
		t.Errorf("crossed book should be reset, got %d bids / %d asks", len(ob.Bids), len(ob.Asks))
	}
	if c.GetStats().Errors == 0 {
		t.Error("crossed book should count as an error")
	}
}

// slowSeedAdapter stalls its snapshot seed until the connector shuts down,
// then publishes one last book the way a lagging REST fetch would.
type slowSeedAdapter struct {
	fakeAdapter
	seeding  chan struct{}
	finished atomic.Bool
}

func (a *slowSeedAdapter) Resync(ctx context.Context, venueSymbol string, sink Sink) error {
	close(a.seeding)
	<-ctx.Done()
	ts := time.Now()
	sink.ApplySnapshot(venueSymbol,
		[]book.Level{{Price: decimal.NewFromInt(50000), Quantity: decimal.NewFromInt(1), Timestamp: ts.UnixMilli()}},
		[]book.Level{{Price: decimal.NewFromInt(50010), Quantity: decimal.NewFromInt(1), Timestamp: ts.UnixMilli()}},
		ts)
	a.finished.Store(true)
	return nil
}

func TestConnectorDisconnectWaitsForSeed(t *testing.T) {
	srv := wsTestServer(t, nil)
	defer srv.Close()

	events := NewEvents(8)
	adapter := &slowSeedAdapter{
		fakeAdapter: fakeAdapter{url: wsURL(srv)},
		seeding:     make(chan struct{}),
	}
	c := New(connectorTestConfig(), adapter, events)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-adapter.seeding:
	case <-time.After(5 * time.Second):
		t.Fatal("seed never started")
	}

	c.Disconnect()
	if !adapter.finished.Load() {
		t.Fatal("Disconnect returned while the snapshot seed was still running")
	}

	// With the seed goroutine drained, closing the channel cannot race a
	// late publish.
	events.Close()
}

func TestConnectorDisconnectUnblocksQuietRead(t *testing.T) {
	srv := wsTestServer(t, nil)
	defer srv.Close()

	events := NewEvents(8)
	c := New(connectorTestConfig(), &fakeAdapter{url: wsURL(srv)}, events)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.State() != StateSubscribed {
		if time.Now().After(deadline) {
			t.Fatal("connector never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	c.Disconnect()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Disconnect took %v on a quiet connection", elapsed)
	}
}

func TestEventsDropWhenFull(t *testing.T) {
	events := NewEvents(1)
	ctx := context.Background()

	if !events.Send(ctx, Event{Type: EventTicker}) {
		t.Fatal("first send should fit the buffer")
	}
	if events.Send(ctx, Event{Type: EventTicker}) {
		t.Fatal("second send should drop, not block")
	}
	stats := events.Stats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Errorf("stats = %+v, want 1 sent / 1 dropped", stats)
	}
}
