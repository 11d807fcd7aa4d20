package connector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/config"
	"arbflow/internal/book"
)

type bookCall struct {
	symbol     string
	bids, asks []book.Level
}

type tickerCall struct {
	symbol         string
	bid, ask, last decimal.Decimal
}

// fakeSink records everything an adapter pushes so tests can assert on the
// decoded output of raw wire fixtures.
type fakeSink struct {
	snapshots  []bookCall
	deltas     []bookCall
	tickers    []tickerCall
	desyncs    []string
	decodeErrs []error
}

func (s *fakeSink) ApplySnapshot(sym string, bids, asks []book.Level, _ time.Time) {
	s.snapshots = append(s.snapshots, bookCall{symbol: sym, bids: bids, asks: asks})
}

func (s *fakeSink) ApplyDeltas(sym string, bids, asks []book.Level, _ time.Time) {
	s.deltas = append(s.deltas, bookCall{symbol: sym, bids: bids, asks: asks})
}

func (s *fakeSink) Ticker(sym string, bid, ask, last, _ decimal.Decimal, _ time.Time) {
	s.tickers = append(s.tickers, tickerCall{symbol: sym, bid: bid, ask: ask, last: last})
}

func (s *fakeSink) Desync(sym, _ string) { s.desyncs = append(s.desyncs, sym) }

func (s *fakeSink) DecodeError(err error) { s.decodeErrs = append(s.decodeErrs, err) }

func testVenueConfig() config.VenueConfig {
	return config.VenueConfig{
		Enabled: true,
		URL:     "wss://example.test/ws",
		RestURL: "https://example.test",
		Symbols: []string{"BTC-USDT"},
	}
}

func TestBinanceDepthSequenceChain(t *testing.T) {
	a := newBinanceAdapter(binanceTestConfig())
	sink := &fakeSink{}

	// Anchor the chain as a REST seed would.
	a.lastSeen["BTCUSDT"] = 100

	// Stale delta from before the snapshot is dropped.
	stale := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":95,"u":99,"b":[["50000","1"]],"a":[]}}`)
	if err := a.Handle(stale, sink); err != nil {
		t.Fatalf("stale delta: %v", err)
	}
	if len(sink.deltas) != 0 {
		t.Fatalf("stale delta applied: %+v", sink.deltas)
	}

	// Chained delta applies.
	next := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000100,"s":"BTCUSDT","U":101,"u":105,"b":[["50000","1.5"]],"a":[["50010","2"]]}}`)
	if err := a.Handle(next, sink); err != nil {
		t.Fatalf("chained delta: %v", err)
	}
	if len(sink.deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(sink.deltas))
	}
	if got := sink.deltas[0].bids[0].Price.String(); got != "50000" {
		t.Errorf("bid price = %s, want 50000", got)
	}

	// A gap forces a desync and drops the anchor.
	gapped := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000200,"s":"BTCUSDT","U":200,"u":210,"b":[],"a":[["50020","1"]]}}`)
	if err := a.Handle(gapped, sink); err != nil {
		t.Fatalf("gapped delta: %v", err)
	}
	if len(sink.desyncs) != 1 || sink.desyncs[0] != "BTCUSDT" {
		t.Fatalf("expected desync for BTCUSDT, got %v", sink.desyncs)
	}
	if _, ok := a.lastSeen["BTCUSDT"]; ok {
		t.Error("sequence anchor should be dropped after a gap")
	}
}

func binanceTestConfig() config.VenueConfig {
	cfg := testVenueConfig()
	cfg.URL = "wss://stream.binance.com:9443"
	return cfg
}

func TestBinanceEndpointEncodesStreams(t *testing.T) {
	a := newBinanceAdapter(binanceTestConfig())
	url, err := a.Endpoint(context.Background())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	want := "wss://stream.binance.com:9443/stream?streams=btcusdt@depth@100ms/btcusdt@ticker"
	if url != want {
		t.Errorf("endpoint = %s, want %s", url, want)
	}
}

func TestBybitClassifyAndHandle(t *testing.T) {
	a := newBybitAdapter(testVenueConfig())
	sink := &fakeSink{}

	cases := []struct {
		name string
		raw  string
		want Frame
	}{
		{"pong", `{"op":"pong","success":true}`, FrameHeartbeat},
		{"subscribe ack", `{"op":"subscribe","success":true,"ret_msg":""}`, FrameControl},
		{"snapshot", `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"s":"BTCUSDT","b":[["50000","1"]],"a":[["50010","2"]],"u":1,"seq":1}}`, FrameSnapshot},
		{"delta", `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000100,"data":{"s":"BTCUSDT","b":[["50000","0"]],"a":[],"u":2,"seq":2}}`, FrameDelta},
		{"ticker", `{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000200,"data":{"symbol":"BTCUSDT","bid1Price":"50000","ask1Price":"50010","lastPrice":"50005","volume24h":"1000"}}`, FrameTicker},
	}
	for _, tc := range cases {
		if got := a.Classify([]byte(tc.raw)); got != tc.want {
			t.Errorf("%s: Classify = %s, want %s", tc.name, got, tc.want)
		}
	}

	if err := a.Handle([]byte(cases[2].raw), sink); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(sink.snapshots) != 1 || sink.snapshots[0].symbol != "BTCUSDT" {
		t.Fatalf("snapshot not applied: %+v", sink.snapshots)
	}
	if err := a.Handle([]byte(cases[4].raw), sink); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if len(sink.tickers) != 1 || sink.tickers[0].bid.String() != "50000" {
		t.Fatalf("ticker not decoded: %+v", sink.tickers)
	}
}

func TestBybitControlRejectsFailedAck(t *testing.T) {
	a := newBybitAdapter(testVenueConfig())
	raw := []byte(`{"op":"subscribe","success":false,"ret_msg":"invalid topic"}`)
	if err := a.Control(raw); err == nil {
		t.Fatal("expected error for failed subscribe ack")
	}
}

func TestOkxClassifyAndHandle(t *testing.T) {
	a := newOkxAdapter(testVenueConfig())
	sink := &fakeSink{}

	if got := a.Classify([]byte("pong")); got != FrameHeartbeat {
		t.Errorf("pong: Classify = %s, want heartbeat", got)
	}
	if got := a.Classify([]byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"}}`)); got != FrameControl {
		t.Errorf("ack: Classify = %s, want control", got)
	}

	snap := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"bids":[["50000","1","0","1"]],"asks":[["50010","2","0","1"]],"ts":"1700000000000"}]}`)
	if got := a.Classify(snap); got != FrameSnapshot {
		t.Fatalf("snapshot: Classify = %s", got)
	}
	if err := a.Handle(snap, sink); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(sink.snapshots) != 1 || sink.snapshots[0].symbol != "BTC-USDT" {
		t.Fatalf("snapshot not applied: %+v", sink.snapshots)
	}

	update := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"bids":[["50000","0","0","0"]],"asks":[],"ts":"1700000000100"}]}`)
	if got := a.Classify(update); got != FrameDelta {
		t.Fatalf("update: Classify = %s", got)
	}
	if err := a.Handle(update, sink); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(sink.deltas) != 1 || !sink.deltas[0].bids[0].Quantity.IsZero() {
		t.Fatalf("removal delta not applied: %+v", sink.deltas)
	}
}

func TestCoinbaseHandle(t *testing.T) {
	a := newCoinbaseAdapter(testVenueConfig())
	sink := &fakeSink{}

	snap := []byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["50000","1.2"]],"asks":[["50010","0.8"]]}`)
	if got := a.Classify(snap); got != FrameSnapshot {
		t.Fatalf("snapshot: Classify = %s", got)
	}
	if err := a.Handle(snap, sink); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	update := []byte(`{"type":"l2update","product_id":"BTC-USD","time":"2023-11-14T22:13:20.000Z","changes":[["buy","50000","0"],["sell","50020","1.5"]]}`)
	if got := a.Classify(update); got != FrameDelta {
		t.Fatalf("l2update: Classify = %s", got)
	}
	if err := a.Handle(update, sink); err != nil {
		t.Fatalf("l2update: %v", err)
	}
	if len(sink.deltas) != 1 {
		t.Fatalf("expected 1 delta batch, got %d", len(sink.deltas))
	}
	d := sink.deltas[0]
	if len(d.bids) != 1 || !d.bids[0].Quantity.IsZero() {
		t.Errorf("buy change should remove the bid level: %+v", d.bids)
	}
	if len(d.asks) != 1 || d.asks[0].Price.String() != "50020" {
		t.Errorf("sell change misdecoded: %+v", d.asks)
	}

	tick := []byte(`{"type":"ticker","product_id":"BTC-USD","best_bid":"50000","best_ask":"50010","price":"50005","volume_24h":"1234.5"}`)
	if err := a.Handle(tick, sink); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if len(sink.tickers) != 1 || sink.tickers[0].last.String() != "50005" {
		t.Fatalf("ticker misdecoded: %+v", sink.tickers)
	}
}

func TestGateioFullReplaceBooks(t *testing.T) {
	a := newGateioAdapter(testVenueConfig())
	sink := &fakeSink{}

	raw := []byte(`{"time":1700000000,"channel":"spot.order_book","event":"update","result":{"t":1700000000123,"s":"BTC_USDT","bids":[["50000","1"],["49990","2"]],"asks":[["50010","1.5"]]}}`)
	// Every book frame is a full replacement, never a delta.
	if got := a.Classify(raw); got != FrameSnapshot {
		t.Fatalf("Classify = %s, want snapshot", got)
	}
	if err := a.Handle(raw, sink); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sink.snapshots) != 1 || sink.snapshots[0].symbol != "BTC_USDT" {
		t.Fatalf("snapshot not applied: %+v", sink.snapshots)
	}
	if len(sink.snapshots[0].bids) != 2 {
		t.Errorf("expected 2 bids, got %d", len(sink.snapshots[0].bids))
	}

	errFrame := []byte(`{"time":1700000000,"channel":"spot.order_book","event":"subscribe","error":{"code":2,"message":"unknown currency pair"}}`)
	if err := a.Control(errFrame); err == nil {
		t.Fatal("expected error for rejected subscription")
	}
}

func TestBitgetClassifyAndHandle(t *testing.T) {
	a := newBitgetAdapter(testVenueConfig())
	sink := &fakeSink{}

	if got := a.Classify([]byte("pong")); got != FrameHeartbeat {
		t.Errorf("pong: Classify = %s", got)
	}

	snap := []byte(`{"action":"snapshot","arg":{"instType":"SPOT","channel":"books","instId":"BTCUSDT"},"data":[{"bids":[["50000","1"]],"asks":[["50010","2"]],"ts":"1700000000000"}],"ts":"1700000000000"}`)
	if got := a.Classify(snap); got != FrameSnapshot {
		t.Fatalf("snapshot: Classify = %s", got)
	}
	if err := a.Handle(snap, sink); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	update := []byte(`{"action":"update","arg":{"instType":"SPOT","channel":"books","instId":"BTCUSDT"},"data":[{"bids":[["50000","0"]],"asks":[],"ts":"1700000000100"}]}`)
	if got := a.Classify(update); got != FrameDelta {
		t.Fatalf("update: Classify = %s", got)
	}
	if err := a.Handle(update, sink); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(sink.deltas) != 1 || !sink.deltas[0].bids[0].Quantity.IsZero() {
		t.Fatalf("removal delta misdecoded: %+v", sink.deltas)
	}

	tick := []byte(`{"action":"snapshot","arg":{"instType":"SPOT","channel":"ticker","instId":"BTCUSDT"},"data":[{"instId":"BTCUSDT","lastPr":"50005","bidPr":"50000","askPr":"50010","baseVolume":"999","ts":"1700000000200"}]}`)
	if got := a.Classify(tick); got != FrameTicker {
		t.Fatalf("ticker: Classify = %s", got)
	}
	if err := a.Handle(tick, sink); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if len(sink.tickers) != 1 || sink.tickers[0].ask.String() != "50010" {
		t.Fatalf("ticker misdecoded: %+v", sink.tickers)
	}
}

func TestNewAdapterCoversAllVenues(t *testing.T) {
	for _, name := range []string{"binance", "bybit", "okx", "kucoin", "kraken", "bitfinex", "coinbase", "gateio", "bitget"} {
		a, err := NewAdapter(name, testVenueConfig())
		if err != nil {
			t.Fatalf("NewAdapter(%s): %v", name, err)
		}
		if a.Name() != name {
			t.Errorf("NewAdapter(%s).Name() = %s", name, a.Name())
		}
	}
	if _, err := NewAdapter("ftx", testVenueConfig()); err == nil {
		t.Fatal("expected error for unknown venue")
	}
}
