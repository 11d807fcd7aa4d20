package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
	"arbflow/logger"
)

// kucoinTokenTTL is how long a bullet token is trusted before a fresh one is
// minted. KuCoin vends 24h tokens; staying well inside that window avoids a
// mid-session expiry kill.
const kucoinTokenTTL = 12 * time.Hour

// kucoinAdapter speaks KuCoin's spot stream. Opening the socket requires an
// out-of-band REST call minting a short-lived bullet token plus the endpoint
// URL; the handshake retries on its own schedule, independent of the
// websocket reconnect state machine. Level2 updates arrive as deltas keyed by
// sequence, with the initial book seeded from the REST level2 endpoint.
type kucoinAdapter struct {
	baseAdapter
	cfg    config.VenueConfig
	client *http.Client
	log    *logger.Log

	restLimiter *rate.Limiter

	mu           sync.Mutex
	token        string
	endpoint     string
	pingInterval time.Duration
	tokenMinted  time.Time
	lastSeq      map[string]int64 // venue symbol -> last applied sequence
}

func newKucoinAdapter(cfg config.VenueConfig) *kucoinAdapter {
	return &kucoinAdapter{
		cfg:          cfg,
		client:       &http.Client{Timeout: 10 * time.Second},
		log:          logger.GetLogger(),
		restLimiter:  rate.NewLimiter(rate.Limit(2), 1),
		pingInterval: 18 * time.Second,
		lastSeq:      make(map[string]int64),
	}
}

func (a *kucoinAdapter) Name() string { return "kucoin" }

type kucoinBulletResp struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int64  `json:"pingInterval"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// Endpoint mints a bullet token when none is cached or the cached one is
// past its trust window, then builds the connect URL. The mint call retries
// a few times on its own before the websocket reconnect logic ever sees the
// failure.
func (a *kucoinAdapter) Endpoint(ctx context.Context) (string, error) {
	a.mu.Lock()
	fresh := a.token != "" && time.Since(a.tokenMinted) < kucoinTokenTTL
	token, endpoint := a.token, a.endpoint
	a.mu.Unlock()

	if !fresh {
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			if token, endpoint, err = a.mintToken(ctx); err == nil {
				break
			}
			a.log.WithComponent("kucoin_connector").WithError(err).Warn("bullet token mint failed")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if err != nil {
			return "", fmt.Errorf("kucoin bullet handshake: %w", err)
		}
	}

	connectID := uuid.NewString()
	return fmt.Sprintf("%s?token=%s&connectId=%s", endpoint, url.QueryEscape(token), connectID), nil
}

func (a *kucoinAdapter) mintToken(ctx context.Context) (string, string, error) {
	restURL := strings.TrimRight(a.cfg.RestURL, "/") + "/api/v1/bullet-public"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, restURL, nil)
	if err != nil {
		return "", "", err
	}
	res, err := a.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer res.Body.Close()

	var resp kucoinBulletResp
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", "", fmt.Errorf("decode bullet response: %w", err)
	}
	if resp.Code != "200000" || resp.Data.Token == "" || len(resp.Data.InstanceServers) == 0 {
		return "", "", fmt.Errorf("bullet response code %s", resp.Code)
	}

	srv := resp.Data.InstanceServers[0]
	a.mu.Lock()
	a.token = resp.Data.Token
	a.endpoint = srv.Endpoint
	a.tokenMinted = time.Now()
	if srv.PingInterval > 0 {
		a.pingInterval = time.Duration(srv.PingInterval) * time.Millisecond
	}
	token, endpoint := a.token, a.endpoint
	a.mu.Unlock()

	return token, endpoint, nil
}

func (a *kucoinAdapter) SubscribeFrames(syms []string) ([][]byte, error) {
	frames := make([][]byte, 0, len(syms)*2)
	for _, sym := range syms {
		v := symbols.ToVenue("kucoin", sym)
		for _, topic := range []string{"/market/level2:" + v, "/market/ticker:" + v} {
			req := struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Topic    string `json:"topic"`
				Response bool   `json:"response"`
			}{ID: uuid.NewString(), Type: "subscribe", Topic: topic, Response: true}
			payload, err := json.Marshal(req)
			if err != nil {
				return nil, err
			}
			frames = append(frames, payload)
		}
	}
	return frames, nil
}

type kucoinFrame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type kucoinL2Data struct {
	SequenceStart int64 `json:"sequenceStart"`
	SequenceEnd   int64 `json:"sequenceEnd"`
	Changes       struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"changes"`
	Time int64 `json:"time"`
}

type kucoinTickerData struct {
	BestBid string `json:"bestBid"`
	BestAsk string `json:"bestAsk"`
	Price   string `json:"price"`
	Time    int64  `json:"time"`
}

func (a *kucoinAdapter) Classify(raw []byte) Frame {
	var frame kucoinFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return FrameUnknown
	}
	switch frame.Type {
	case "welcome", "ack", "error":
		return FrameControl
	case "pong":
		return FrameHeartbeat
	case "message":
		switch {
		case strings.HasPrefix(frame.Topic, "/market/level2:"):
			return FrameDelta
		case strings.HasPrefix(frame.Topic, "/market/ticker:"):
			return FrameTicker
		}
	}
	return FrameUnknown
}

func (a *kucoinAdapter) Handle(raw []byte, sink Sink) error {
	var frame kucoinFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("kucoin frame: %w", err)
	}

	switch {
	case strings.HasPrefix(frame.Topic, "/market/level2:"):
		venueSym := strings.TrimPrefix(frame.Topic, "/market/level2:")
		var data kucoinL2Data
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("kucoin level2 data: %w", err)
		}
		return a.applyL2(venueSym, data, sink)

	case strings.HasPrefix(frame.Topic, "/market/ticker:"):
		venueSym := strings.TrimPrefix(frame.Topic, "/market/ticker:")
		var data kucoinTickerData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("kucoin ticker data: %w", err)
		}
		ts := time.UnixMilli(data.Time)
		if data.Time == 0 {
			ts = time.Now()
		}
		return decodeTicker(sink, venueSym, data.BestBid, data.BestAsk, data.Price, "", ts)
	}
	return nil
}

func (a *kucoinAdapter) applyL2(venueSym string, data kucoinL2Data, sink Sink) error {
	a.mu.Lock()
	last, seeded := a.lastSeq[venueSym]
	if seeded {
		if data.SequenceEnd <= last {
			a.mu.Unlock()
			return nil
		}
		if data.SequenceStart > last+1 {
			delete(a.lastSeq, venueSym)
			a.mu.Unlock()
			sink.Desync(venueSym, fmt.Sprintf("sequence gap: have %d, got %d", last, data.SequenceStart))
			return nil
		}
	}
	a.lastSeq[venueSym] = data.SequenceEnd
	a.mu.Unlock()

	ts := time.UnixMilli(data.Time)
	if data.Time == 0 {
		ts = time.Now()
	}
	// KuCoin level2 changes are [price, size, sequence] triples.
	bids, skippedB := parseKucoinLevels(data.Changes.Bids, ts)
	asks, skippedA := parseKucoinLevels(data.Changes.Asks, ts)
	if skippedB+skippedA > 0 {
		sink.DecodeError(fmt.Errorf("kucoin level2 %s: %d malformed levels", venueSym, skippedB+skippedA))
	}
	sink.ApplyDeltas(venueSym, bids, asks, ts)
	return nil
}

func parseKucoinLevels(raw [][]string, ts time.Time) ([]book.Level, int) {
	levels := make([]book.Level, 0, len(raw))
	skipped := 0
	for _, entry := range raw {
		if len(entry) < 2 {
			skipped++
			continue
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil || price.IsZero() {
			// price zero marks levels outside the visible range
			if err != nil {
				skipped++
			}
			continue
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			skipped++
			continue
		}
		levels = append(levels, book.Level{Price: price, Quantity: qty, Timestamp: ts.UnixMilli()})
	}
	return levels, skipped
}

// Resync seeds the book from the public level2 depth endpoint and anchors the
// delta sequence chain.
func (a *kucoinAdapter) Resync(ctx context.Context, venueSymbol string, sink Sink) error {
	if err := a.restLimiter.Wait(ctx); err != nil {
		return err
	}
	restURL := fmt.Sprintf("%s/api/v1/market/orderbook/level2_100?symbol=%s",
		strings.TrimRight(a.cfg.RestURL, "/"), url.QueryEscape(venueSymbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restURL, nil)
	if err != nil {
		return err
	}
	res, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("kucoin level2 snapshot %s: %w", venueSymbol, err)
	}
	defer res.Body.Close()

	var resp struct {
		Code string `json:"code"`
		Data struct {
			Sequence string     `json:"sequence"`
			Bids     [][]string `json:"bids"`
			Asks     [][]string `json:"asks"`
			Time     int64      `json:"time"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decode level2 snapshot: %w", err)
	}
	if resp.Code != "200000" {
		return fmt.Errorf("kucoin level2 snapshot code %s", resp.Code)
	}

	ts := time.UnixMilli(resp.Data.Time)
	if resp.Data.Time == 0 {
		ts = time.Now()
	}
	bids, _ := book.ParseLevels(resp.Data.Bids, ts)
	asks, _ := book.ParseLevels(resp.Data.Asks, ts)

	var seq int64
	fmt.Sscanf(resp.Data.Sequence, "%d", &seq)
	a.mu.Lock()
	a.lastSeq[venueSymbol] = seq
	a.mu.Unlock()

	sink.ApplySnapshot(venueSymbol, bids, asks, ts)
	return nil
}

// AppPing uses the interval the bullet handshake negotiated.
func (a *kucoinAdapter) AppPing() ([]byte, time.Duration, bool) {
	a.mu.Lock()
	interval := a.pingInterval
	a.mu.Unlock()
	payload, _ := json.Marshal(struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}{ID: uuid.NewString(), Type: "ping"})
	return payload, interval, true
}

func (a *kucoinAdapter) Control(raw []byte) error {
	var frame kucoinFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("kucoin control frame: %w", err)
	}
	if frame.Type == "error" {
		return fmt.Errorf("kucoin error frame: %s", string(frame.Data))
	}
	return nil
}

// Reset clears sequence anchors; the token survives reconnects until its
// trust window lapses.
func (a *kucoinAdapter) Reset() {
	a.mu.Lock()
	a.lastSeq = make(map[string]int64)
	a.mu.Unlock()
}
