package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestKucoinBulletHandshake(t *testing.T) {
	var mints atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/bullet-public" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		mints.Add(1)
		w.Write([]byte(`{"code":"200000","data":{"token":"tok-abc","instanceServers":[{"endpoint":"wss://push.example.test/endpoint","pingInterval":18000}]}}`))
	}))
	defer srv.Close()

	cfg := testVenueConfig()
	cfg.RestURL = srv.URL
	a := newKucoinAdapter(cfg)

	url, err := a.Endpoint(context.Background())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if !strings.HasPrefix(url, "wss://push.example.test/endpoint?token=tok-abc&connectId=") {
		t.Errorf("endpoint = %s", url)
	}
	if a.pingInterval != 18*time.Second {
		t.Errorf("pingInterval = %s, want 18s", a.pingInterval)
	}

	// A fresh token is reused across reconnects instead of re-minted.
	if _, err := a.Endpoint(context.Background()); err != nil {
		t.Fatalf("Endpoint (cached): %v", err)
	}
	if got := mints.Load(); got != 1 {
		t.Errorf("mint calls = %d, want 1", got)
	}

	// Past the trust window the token is refreshed.
	a.mu.Lock()
	a.tokenMinted = time.Now().Add(-kucoinTokenTTL - time.Minute)
	a.mu.Unlock()
	if _, err := a.Endpoint(context.Background()); err != nil {
		t.Fatalf("Endpoint (expired): %v", err)
	}
	if got := mints.Load(); got != 2 {
		t.Errorf("mint calls = %d, want 2", got)
	}
}

func TestKucoinHandshakeRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"code":"200000","data":{"token":"tok-retry","instanceServers":[{"endpoint":"wss://push.example.test/endpoint","pingInterval":18000}]}}`))
	}))
	defer srv.Close()

	cfg := testVenueConfig()
	cfg.RestURL = srv.URL
	a := newKucoinAdapter(cfg)

	url, err := a.Endpoint(context.Background())
	if err != nil {
		t.Fatalf("Endpoint should succeed on the third mint attempt: %v", err)
	}
	if !strings.Contains(url, "token=tok-retry") {
		t.Errorf("endpoint = %s", url)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("mint attempts = %d, want 3", got)
	}
}

func TestKucoinLevel2SequenceGap(t *testing.T) {
	a := newKucoinAdapter(testVenueConfig())
	sink := &fakeSink{}
	a.lastSeq["BTC-USDT"] = 100

	chained := []byte(`{"type":"message","topic":"/market/level2:BTC-USDT","subject":"trade.l2update","data":{"sequenceStart":101,"sequenceEnd":103,"changes":{"bids":[["50000","1.5","101"]],"asks":[["50010","0","102"]]},"time":1700000000000}}`)
	if got := a.Classify(chained); got != FrameDelta {
		t.Fatalf("Classify = %s, want delta", got)
	}
	if err := a.Handle(chained, sink); err != nil {
		t.Fatalf("chained: %v", err)
	}
	if len(sink.deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(sink.deltas))
	}
	if a.lastSeq["BTC-USDT"] != 103 {
		t.Errorf("lastSeq = %d, want 103", a.lastSeq["BTC-USDT"])
	}

	gapped := []byte(`{"type":"message","topic":"/market/level2:BTC-USDT","data":{"sequenceStart":200,"sequenceEnd":205,"changes":{"bids":[],"asks":[]},"time":1700000000100}}`)
	if err := a.Handle(gapped, sink); err != nil {
		t.Fatalf("gapped: %v", err)
	}
	if len(sink.desyncs) != 1 || sink.desyncs[0] != "BTC-USDT" {
		t.Fatalf("expected desync, got %v", sink.desyncs)
	}
	if _, ok := a.lastSeq["BTC-USDT"]; ok {
		t.Error("sequence anchor should drop on gap")
	}
}

func TestKucoinClassifyControlFrames(t *testing.T) {
	a := newKucoinAdapter(testVenueConfig())
	cases := []struct {
		raw  string
		want Frame
	}{
		{`{"id":"1","type":"welcome"}`, FrameControl},
		{`{"id":"2","type":"ack"}`, FrameControl},
		{`{"id":"3","type":"pong"}`, FrameHeartbeat},
		{`{"type":"message","topic":"/market/ticker:BTC-USDT","data":{"bestBid":"50000","bestAsk":"50010","price":"50005","time":1700000000000}}`, FrameTicker},
	}
	for _, tc := range cases {
		if got := a.Classify([]byte(tc.raw)); got != tc.want {
			t.Errorf("Classify(%s) = %s, want %s", tc.raw, got, tc.want)
		}
	}

	if err := a.Control([]byte(`{"id":"4","type":"error","data":"token expired"}`)); err == nil {
		t.Fatal("expected error frame to surface")
	}
}

func TestKucoinTickerHandle(t *testing.T) {
	a := newKucoinAdapter(testVenueConfig())
	sink := &fakeSink{}
	raw := []byte(`{"type":"message","topic":"/market/ticker:BTC-USDT","subject":"trade.ticker","data":{"bestBid":"50000","bestAsk":"50010","price":"50005","time":1700000000000}}`)
	if err := a.Handle(raw, sink); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sink.tickers) != 1 || sink.tickers[0].symbol != "BTC-USDT" {
		t.Fatalf("ticker misdecoded: %+v", sink.tickers)
	}
}
