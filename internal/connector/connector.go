package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

// State is the connector lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connector drives one venue's streaming connection. The protocol specifics
// live in the injected Adapter; the connector owns the transport loop, the
// reconnect state machine, the cached books and the statistics.
type Connector struct {
	cfg     config.VenueConfig
	adapter Adapter
	events  *Events

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	// books and tickers are keyed by canonical symbol. Written only from the
	// connector's own goroutine (via the Sink) under mu; read by anyone.
	books   map[string]*book.Book
	tickers map[string]models.PriceTicker

	state        atomic.Int32
	connectedAt  atomic.Int64
	totalUpdates atomic.Int64
	errorCount   atomic.Int64
	reconnects   atomic.Int64
}

// New builds a connector for the adapter's venue. Nothing is dialed until
// Connect is called.
func New(cfg config.VenueConfig, adapter Adapter, events *Events) *Connector {
	c := &Connector{
		cfg:     cfg,
		adapter: adapter,
		events:  events,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		books:   make(map[string]*book.Book),
		tickers: make(map[string]models.PriceTicker),
	}
	for _, sym := range cfg.Symbols {
		c.books[sym] = book.New(adapter.Name(), sym)
	}
	return c
}

// Exchange returns the lowercase venue name.
func (c *Connector) Exchange() string { return c.adapter.Name() }

// Connect starts the connection loop. It returns an error only when the
// connector is already running; transport failures are handled by the
// reconnect state machine and surfaced as error events.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("connector %s already running", c.adapter.Name())
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	log := c.log.WithComponent(c.adapter.Name() + "_connector")
	log.WithFields(logger.Fields{"symbols": c.cfg.Symbols}).Info("starting connector")

	c.wg.Add(1)
	go c.run()

	return nil
}

// Disconnect stops the connection loop, cancels any pending reconnect timer
// and closes the transport. Idempotent. The last cached books stay queryable.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.setState(StateDisconnected)
	c.log.WithComponent(c.adapter.Name() + "_connector").Info("connector stopped")
}

// IsConnected reports whether the connector is currently streaming or
// subscribed.
func (c *Connector) IsConnected() bool {
	s := c.State()
	return s == StateSubscribed || s == StateStreaming
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
}

// GetOrderBook returns a copy of the cached book for the canonical symbol.
func (c *Connector) GetOrderBook(symbol string) (models.OrderBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.books[symbol]
	if !ok {
		return models.OrderBook{}, false
	}
	return b.Snapshot(), true
}

// GetAllOrderBooks returns copies of every cached book.
func (c *Connector) GetAllOrderBooks() []models.OrderBook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.OrderBook, 0, len(c.books))
	for _, b := range c.books {
		out = append(out, b.Snapshot())
	}
	return out
}

// GetTicker returns the last cached ticker for the canonical symbol.
func (c *Connector) GetTicker(symbol string) (models.PriceTicker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[symbol]
	return t, ok
}

// GetStats returns a point-in-time copy of the connector counters.
func (c *Connector) GetStats() models.ConnectorStats {
	stats := models.ConnectorStats{
		Exchange:          c.adapter.Name(),
		Connected:         c.IsConnected(),
		TotalUpdates:      c.totalUpdates.Load(),
		Errors:            c.errorCount.Load(),
		Reconnections:     c.reconnects.Load(),
		SubscribedSymbols: append([]string(nil), c.cfg.Symbols...),
	}
	if since := c.connectedAt.Load(); since > 0 && stats.Connected {
		stats.Uptime = time.Since(time.UnixMilli(since))
		if secs := stats.Uptime.Seconds(); secs > 0 {
			stats.UpdatesPerSecond = float64(stats.TotalUpdates) / secs
		}
	}
	return stats
}

// Sink implementation. All mutations run under mu so snapshot reads from the
// aggregator never observe a half-applied book.

// ApplySnapshot implements Sink.
func (c *Connector) ApplySnapshot(venueSymbol string, bids, asks []book.Level, ts time.Time) {
	canonical := symbols.ToCanonical(c.adapter.Name(), venueSymbol)

	c.mu.Lock()
	b, ok := c.books[canonical]
	if !ok {
		b = book.New(c.adapter.Name(), canonical)
		c.books[canonical] = b
	}
	b.ApplySnapshot(bids, asks, ts)
	crossed := b.Crossed()
	if crossed {
		b.Reset()
	}
	var snap models.OrderBook
	if !crossed {
		snap = b.Snapshot()
	}
	c.mu.Unlock()

	if crossed {
		c.reportDesync(canonical, "crossed snapshot")
		return
	}
	c.publishBook(snap)
}

// ApplyDeltas implements Sink.
func (c *Connector) ApplyDeltas(venueSymbol string, bids, asks []book.Level, ts time.Time) {
	canonical := symbols.ToCanonical(c.adapter.Name(), venueSymbol)

	c.mu.Lock()
	b, ok := c.books[canonical]
	if !ok || !b.Synced() {
		c.mu.Unlock()
		return
	}
	for _, l := range bids {
		b.ApplyDelta(book.Bid, l.Price, l.Quantity, ts)
	}
	for _, l := range asks {
		b.ApplyDelta(book.Ask, l.Price, l.Quantity, ts)
	}
	crossed := b.Crossed()
	if crossed {
		b.Reset()
	}
	var snap models.OrderBook
	if !crossed {
		snap = b.Snapshot()
	}
	c.mu.Unlock()

	if crossed {
		c.reportDesync(canonical, "crossed book after delta")
		return
	}
	c.publishBook(snap)
}

// Ticker implements Sink.
func (c *Connector) Ticker(venueSymbol string, bid, ask, last, volume decimal.Decimal, ts time.Time) {
	canonical := symbols.ToCanonical(c.adapter.Name(), venueSymbol)
	t := models.PriceTicker{
		Exchange:  c.adapter.Name(),
		Symbol:    canonical,
		Bid:       bid.String(),
		Ask:       ask.String(),
		Last:      last.String(),
		Volume24h: volume.String(),
		Timestamp: ts,
	}

	c.mu.Lock()
	c.tickers[canonical] = t
	c.mu.Unlock()

	c.totalUpdates.Add(1)
	logger.IncrementTickerUpdate()
	c.events.Send(c.ctx, Event{Type: EventTicker, Exchange: c.adapter.Name(), Ticker: &t})
}

// Desync implements Sink.
func (c *Connector) Desync(venueSymbol, reason string) {
	canonical := symbols.ToCanonical(c.adapter.Name(), venueSymbol)
	c.mu.Lock()
	if b, ok := c.books[canonical]; ok {
		b.Reset()
	}
	c.mu.Unlock()
	c.reportDesync(canonical, reason)
}

// DecodeError implements Sink.
func (c *Connector) DecodeError(err error) {
	c.errorCount.Add(1)
	c.log.WithComponent(c.adapter.Name() + "_connector").WithError(err).Warn("dropping malformed frame")
}

func (c *Connector) reportDesync(canonical, reason string) {
	c.errorCount.Add(1)
	c.log.WithComponent(c.adapter.Name()+"_connector").WithFields(logger.Fields{
		"symbol": canonical,
		"reason": reason,
	}).Warn("book desync, awaiting fresh snapshot")

	if r, ok := c.adapter.(resyncer); ok {
		venueSym := c.venueSymbol(canonical)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := r.Resync(c.ctx, venueSym, c); err != nil && c.ctx.Err() == nil {
				c.log.WithComponent(c.adapter.Name() + "_connector").WithError(err).Warn("resync failed")
			}
		}()
	}
}

func (c *Connector) publishBook(snap models.OrderBook) {
	c.totalUpdates.Add(1)
	logger.IncrementBookUpdate()
	c.events.Send(c.ctx, Event{Type: EventOrderBook, Exchange: c.adapter.Name(), Book: &snap})
}

func (c *Connector) emitError(err error) {
	c.errorCount.Add(1)
	c.events.Send(c.ctx, Event{Type: EventError, Exchange: c.adapter.Name(), Err: err})
}

// venueSymbol translates a canonical symbol back to this venue's spelling.
func (c *Connector) venueSymbol(canonical string) string {
	return symbols.ToVenue(c.adapter.Name(), canonical)
}

// markUnsynced flags every book as waiting for a snapshot. Called after a
// reconnect; the cached levels stay readable in the meantime.
func (c *Connector) markUnsynced() {
	c.mu.Lock()
	for _, b := range c.books {
		b.MarkUnsynced()
	}
	c.mu.Unlock()
}
