package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/config"
	"arbflow/internal/connector"
	"arbflow/logger"
	"arbflow/models"
)

var bpsFactor = decimal.NewFromInt(10000)

// Aggregator owns the latest order book and ticker per (symbol, venue) pair,
// fed by the shared connector event channel, and derives cross-venue
// liquidity snapshots. One drain goroutine serializes all map writes;
// snapshot reads take a short read lock and copy.
type Aggregator struct {
	cfg    config.AggregatorConfig
	events *connector.Events

	connectors map[string]*connector.Connector

	mu      sync.RWMutex
	books   map[string]map[string]models.OrderBook  // symbol -> exchange -> book
	tickers map[string]map[string]models.PriceTicker

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log

	bookUpdates   atomic.Int64
	tickerUpdates atomic.Int64
	errorEvents   atomic.Int64
	snapshotRuns  atomic.Int64
}

// Stats is a point-in-time copy of the aggregator counters.
type Stats struct {
	Symbols       int
	BookUpdates   int64
	TickerUpdates int64
	ErrorEvents   int64
	SnapshotRuns  int64
	Channel       connector.EventStats
}

// New builds the aggregator and a connector for every enabled venue. Nothing
// connects until Start.
func New(cfg *config.Config, events *connector.Events) (*Aggregator, error) {
	a := &Aggregator{
		cfg:        cfg.Aggregator,
		events:     events,
		connectors: make(map[string]*connector.Connector),
		books:      make(map[string]map[string]models.OrderBook),
		tickers:    make(map[string]map[string]models.PriceTicker),
		log:        logger.GetLogger(),
	}
	for _, name := range cfg.Exchanges.Names() {
		venue, _ := cfg.Exchanges.Venue(name)
		if !venue.Enabled {
			continue
		}
		c, err := connector.NewForVenue(name, venue, events)
		if err != nil {
			return nil, fmt.Errorf("build %s connector: %w", name, err)
		}
		a.connectors[name] = c
	}
	return a, nil
}

// Start connects every venue and launches the drain and periodic snapshot
// loops. A venue that fails to start is logged and skipped; the rest keep
// going.
func (a *Aggregator) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.runMu.Unlock()

	log := a.log.WithComponent("aggregator")
	for name, c := range a.connectors {
		if err := c.Connect(a.ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": name}).Error("connector failed to start")
		}
	}

	a.wg.Add(1)
	go a.drain()

	if a.cfg.UpdateInterval > 0 {
		a.wg.Add(1)
		go a.periodicSnapshots()
	}

	log.WithFields(logger.Fields{
		"connectors":      len(a.connectors),
		"update_interval": a.cfg.UpdateInterval.String(),
		"min_spread_bps":  a.cfg.MinSpreadBps,
	}).Info("aggregator started")
	return nil
}

// Stop cancels the loops, disconnects every connector and clears the cached
// state. Idempotent.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.runMu.Unlock()

	cancel()
	for _, c := range a.connectors {
		c.Disconnect()
	}
	a.wg.Wait()

	a.mu.Lock()
	a.books = make(map[string]map[string]models.OrderBook)
	a.tickers = make(map[string]map[string]models.PriceTicker)
	a.mu.Unlock()

	a.log.WithComponent("aggregator").Info("aggregator stopped")
}

// drain is the single writer of the book and ticker maps.
func (a *Aggregator) drain() {
	defer a.wg.Done()
	log := a.log.WithComponent("aggregator")

	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-a.events.C:
			if !ok {
				return
			}
			switch ev.Type {
			case connector.EventOrderBook:
				a.storeBook(*ev.Book)
			case connector.EventTicker:
				a.storeTicker(*ev.Ticker)
			case connector.EventError:
				a.errorEvents.Add(1)
				log.WithError(ev.Err).WithFields(logger.Fields{"exchange": ev.Exchange}).Warn("connector error event")
			}
		}
	}
}

func (a *Aggregator) storeBook(b models.OrderBook) {
	a.mu.Lock()
	byVenue, ok := a.books[b.Symbol]
	if !ok {
		byVenue = make(map[string]models.OrderBook)
		a.books[b.Symbol] = byVenue
	}
	byVenue[b.Exchange] = b
	a.mu.Unlock()
	a.bookUpdates.Add(1)
}

func (a *Aggregator) storeTicker(t models.PriceTicker) {
	a.mu.Lock()
	byVenue, ok := a.tickers[t.Symbol]
	if !ok {
		byVenue = make(map[string]models.PriceTicker)
		a.tickers[t.Symbol] = byVenue
	}
	byVenue[t.Exchange] = t
	a.mu.Unlock()
	a.tickerUpdates.Add(1)
}

func (a *Aggregator) periodicSnapshots() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.UpdateInterval)
	defer ticker.Stop()

	log := a.log.WithComponent("aggregator")
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			snaps := a.GetAllSnapshots()
			a.snapshotRuns.Add(1)
			log.WithFields(logger.Fields{"symbols": len(snaps)}).Debug("periodic snapshot pass")
		}
	}
}

// GetSnapshot derives the cross-venue liquidity view for one canonical
// symbol from the current cached books. A venue contributes only when both
// book sides are populated and its spread clears MinSpreadBps.
func (a *Aggregator) GetSnapshot(symbol string) (models.LiquiditySnapshot, bool) {
	a.mu.RLock()
	byVenue, ok := a.books[symbol]
	if !ok {
		a.mu.RUnlock()
		return models.LiquiditySnapshot{}, false
	}
	books := make(map[string]models.OrderBook, len(byVenue))
	for venue, b := range byVenue {
		books[venue] = b
	}
	a.mu.RUnlock()

	venues := make(map[string]models.VenueQuote)
	for venue, b := range books {
		quote, ok := a.quoteFromBook(b)
		if !ok {
			continue
		}
		venues[venue] = quote
	}
	if len(venues) == 0 {
		return models.LiquiditySnapshot{}, false
	}
	return models.LiquiditySnapshot{
		Symbol:    symbol,
		Venues:    venues,
		Timestamp: time.Now(),
	}, true
}

// GetAllSnapshots derives snapshots for every symbol with at least one
// qualifying venue.
func (a *Aggregator) GetAllSnapshots() []models.LiquiditySnapshot {
	a.mu.RLock()
	symbols := make([]string, 0, len(a.books))
	for sym := range a.books {
		symbols = append(symbols, sym)
	}
	a.mu.RUnlock()

	out := make([]models.LiquiditySnapshot, 0, len(symbols))
	for _, sym := range symbols {
		if snap, ok := a.GetSnapshot(sym); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (a *Aggregator) quoteFromBook(b models.OrderBook) (models.VenueQuote, bool) {
	bestBid, okBid := b.BestBid()
	bestAsk, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return models.VenueQuote{}, false
	}
	bid, err := decimal.NewFromString(bestBid.Price)
	if err != nil || bid.Sign() <= 0 {
		return models.VenueQuote{}, false
	}
	ask, err := decimal.NewFromString(bestAsk.Price)
	if err != nil {
		return models.VenueQuote{}, false
	}

	spread := ask.Sub(bid)
	spreadBps := spread.Div(bid).Mul(bpsFactor).InexactFloat64()
	if spreadBps < a.cfg.MinSpreadBps {
		return models.VenueQuote{}, false
	}
	return models.VenueQuote{
		Bid:       bestBid.Price,
		Ask:       bestAsk.Price,
		Spread:    spread.String(),
		SpreadBps: spreadBps,
		BidVolume: bestBid.Quantity,
		AskVolume: bestAsk.Quantity,
		Timestamp: b.Timestamp,
	}, true
}

// GetTicker returns the last cached ticker for a (symbol, exchange) pair.
func (a *Aggregator) GetTicker(symbol, exchange string) (models.PriceTicker, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byVenue, ok := a.tickers[symbol]
	if !ok {
		return models.PriceTicker{}, false
	}
	t, ok := byVenue[exchange]
	return t, ok
}

// ConnectorStats returns a stats copy per venue for the periodic report.
func (a *Aggregator) ConnectorStats() []models.ConnectorStats {
	out := make([]models.ConnectorStats, 0, len(a.connectors))
	for _, c := range a.connectors {
		out = append(out, c.GetStats())
	}
	return out
}

// GetStats returns a point-in-time copy of the aggregator counters.
func (a *Aggregator) GetStats() Stats {
	a.mu.RLock()
	symbols := len(a.books)
	a.mu.RUnlock()
	return Stats{
		Symbols:       symbols,
		BookUpdates:   a.bookUpdates.Load(),
		TickerUpdates: a.tickerUpdates.Load(),
		ErrorEvents:   a.errorEvents.Load(),
		SnapshotRuns:  a.snapshotRuns.Load(),
		Channel:       a.events.Stats(),
	}
}
