package detector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbflow/config"
	"arbflow/internal/aggregator"
	"arbflow/internal/oracle"
	"arbflow/logger"
	"arbflow/models"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// Fees is the per-venue fee model. Taker fees apply to both legs of an
// arbitrage since each leg crosses the spread.
type Fees struct {
	MakerPercent float64
	TakerPercent float64
}

// Stats is a point-in-time copy of the detector counters.
type Stats struct {
	Scans            int64
	Comparisons      int64
	Emitted          int64
	RejectedInvalid  int64
	TrackedDexPrices int
}

// Detector compares validated CEX quotes against validated DEX prices per
// canonical symbol and emits fee-adjusted opportunities above the configured
// thresholds. It never trusts a price that has not passed the oracle.
type Detector struct {
	cfg       config.DetectorConfig
	venueFees map[string]Fees

	agg       *aggregator.Aggregator
	validator *oracle.Validator
	out       chan<- models.ArbitrageOpportunity

	mu        sync.RWMutex
	dexPrices map[string]map[string]models.PriceUpdate // symbol -> dex venue -> price

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log

	scans           atomic.Int64
	comparisons     atomic.Int64
	emitted         atomic.Int64
	rejectedInvalid atomic.Int64
}

// New builds a detector. The fee model is read from the per-venue exchange
// config plus the flat DEX fee.
func New(cfg *config.Config, agg *aggregator.Aggregator, validator *oracle.Validator, out chan<- models.ArbitrageOpportunity) *Detector {
	fees := make(map[string]Fees)
	for _, name := range cfg.Exchanges.Names() {
		venue, _ := cfg.Exchanges.Venue(name)
		fees[name] = Fees{MakerPercent: venue.MakerFeePercent, TakerPercent: venue.TakerFeePercent}
	}
	return &Detector{
		cfg:       cfg.Detector,
		venueFees: fees,
		agg:       agg,
		validator: validator,
		out:       out,
		dexPrices: make(map[string]map[string]models.PriceUpdate),
		log:       logger.GetLogger(),
	}
}

// Start launches the periodic scan loop.
func (d *Detector) Start(ctx context.Context) error {
	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return fmt.Errorf("detector already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.runMu.Unlock()

	interval := d.cfg.ScanInterval
	if interval <= 0 {
		interval = time.Second
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.scan()
			}
		}
	}()

	d.log.WithComponent("detector").WithFields(logger.Fields{
		"scan_interval":          interval.String(),
		"min_price_diff_percent": d.cfg.MinPriceDiffPercent,
		"min_net_profit_usd":     d.cfg.MinNetProfitUSD,
		"max_trade_size_usd":     d.cfg.MaxTradeSizeUSD,
	}).Info("detector started")
	return nil
}

// Stop cancels the scan loop. Idempotent.
func (d *Detector) Stop() {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.runMu.Unlock()

	cancel()
	d.wg.Wait()
	d.log.WithComponent("detector").Info("detector stopped")
}

// UpdateDexPrice feeds one on-chain price observation. The update goes
// through the oracle first; rejected prices never reach the comparison set.
func (d *Detector) UpdateDexPrice(venue string, update models.PriceUpdate) error {
	res := d.validator.ValidatePriceUpdate(update)
	if !res.Valid {
		d.rejectedInvalid.Add(1)
		return fmt.Errorf("dex price rejected: %v", res.Errors)
	}

	d.mu.Lock()
	byVenue, ok := d.dexPrices[update.Symbol]
	if !ok {
		byVenue = make(map[string]models.PriceUpdate)
		d.dexPrices[update.Symbol] = byVenue
	}
	byVenue[venue] = update
	d.mu.Unlock()
	return nil
}

// scan compares every (CEX venue, DEX venue) pair sharing a symbol.
func (d *Detector) scan() {
	d.scans.Add(1)

	// A tripped breaker means no price can currently be trusted.
	if d.validator.IsCircuitBreakerActive() {
		return
	}

	d.mu.RLock()
	dex := make(map[string]map[string]models.PriceUpdate, len(d.dexPrices))
	for sym, byVenue := range d.dexPrices {
		cp := make(map[string]models.PriceUpdate, len(byVenue))
		for v, u := range byVenue {
			cp[v] = u
		}
		dex[sym] = cp
	}
	d.mu.RUnlock()

	for sym, dexByVenue := range dex {
		snap, ok := d.agg.GetSnapshot(sym)
		if !ok {
			continue
		}
		for cexVenue, quote := range snap.Venues {
			cexPrice, ok := d.validatedCexPrice(cexVenue, sym, quote)
			if !ok {
				continue
			}
			for dexVenue, dexUpdate := range dexByVenue {
				dexPrice, err := decimal.NewFromString(dexUpdate.Price)
				if err != nil || dexPrice.Sign() <= 0 {
					continue
				}
				d.comparisons.Add(1)
				if opp, ok := d.evaluate(sym, cexVenue, dexVenue, cexPrice, dexPrice, quote); ok {
					d.emit(opp)
				}
			}
		}
	}
}

// validatedCexPrice derives the venue mid price from the liquidity quote and
// runs it through the oracle under a per-venue source tag.
func (d *Detector) validatedCexPrice(venue, symbol string, quote models.VenueQuote) (decimal.Decimal, bool) {
	bid, err := decimal.NewFromString(quote.Bid)
	if err != nil {
		return decimal.Decimal{}, false
	}
	ask, err := decimal.NewFromString(quote.Ask)
	if err != nil {
		return decimal.Decimal{}, false
	}
	mid := bid.Add(ask).Div(two)

	res := d.validator.ValidatePriceUpdate(models.PriceUpdate{
		Symbol:    symbol,
		Price:     mid.String(),
		Source:    "cex:" + venue,
		Timestamp: quote.Timestamp,
	})
	if !res.Valid {
		d.rejectedInvalid.Add(1)
		return decimal.Decimal{}, false
	}
	return mid, true
}

// evaluate computes direction, gross spread and fee-adjusted net profit for
// one venue pair and applies the emission thresholds.
func (d *Detector) evaluate(symbol, cexVenue, dexVenue string, cexPrice, dexPrice decimal.Decimal, quote models.VenueQuote) (models.ArbitrageOpportunity, bool) {
	priceDiff := cexPrice.Sub(dexPrice).Abs()
	lower := decimal.Min(cexPrice, dexPrice)
	if lower.Sign() <= 0 {
		return models.ArbitrageOpportunity{}, false
	}
	profitPercent := priceDiff.Div(lower).Mul(hundred)
	if profitPercent.InexactFloat64() < d.cfg.MinPriceDiffPercent {
		return models.ArbitrageOpportunity{}, false
	}

	direction := models.BuyCexSellDex
	if cexPrice.GreaterThan(dexPrice) {
		direction = models.BuyDexSellCex
	}

	tradeSize, ok := d.tradeSize(direction, cexPrice, quote)
	if !ok {
		return models.ArbitrageOpportunity{}, false
	}

	// Taker fee on the CEX leg, flat fee on the DEX leg.
	totalFeePercent := decimal.NewFromFloat(d.venueFees[cexVenue].TakerPercent).
		Add(decimal.NewFromFloat(d.cfg.DexFeePercent))
	netProfit := tradeSize.Mul(profitPercent.Sub(totalFeePercent)).Div(hundred)
	if netProfit.InexactFloat64() < d.cfg.MinNetProfitUSD {
		return models.ArbitrageOpportunity{}, false
	}

	return models.ArbitrageOpportunity{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		CexVenue:      cexVenue,
		DexVenue:      dexVenue,
		CexPrice:      cexPrice.String(),
		DexPrice:      dexPrice.String(),
		Direction:     direction,
		GrossSpread:   priceDiff.String(),
		ProfitPercent: profitPercent.InexactFloat64(),
		NetProfitUSD:  netProfit.Round(2).String(),
		TradeSizeUSD:  tradeSize.Round(2).String(),
		Timestamp:     time.Now(),
	}, true
}

// tradeSize estimates the executable USD size from the top-of-book depth on
// the CEX leg, capped by max_trade_size_usd. A direction that sells on the
// CEX consumes bid depth; buying consumes ask depth.
func (d *Detector) tradeSize(direction models.Direction, cexPrice decimal.Decimal, quote models.VenueQuote) (decimal.Decimal, bool) {
	volStr := quote.AskVolume
	if direction == models.BuyDexSellCex {
		volStr = quote.BidVolume
	}
	vol, err := decimal.NewFromString(volStr)
	if err != nil || vol.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	depthUSD := vol.Mul(cexPrice)
	maxSize := decimal.NewFromFloat(d.cfg.MaxTradeSizeUSD)
	if maxSize.Sign() > 0 && depthUSD.GreaterThan(maxSize) {
		depthUSD = maxSize
	}
	return depthUSD, true
}

func (d *Detector) emit(opp models.ArbitrageOpportunity) {
	d.emitted.Add(1)
	logger.IncrementOpportunity()
	d.log.WithComponent("detector").WithFields(logger.Fields{
		"symbol":         opp.Symbol,
		"cex_venue":      opp.CexVenue,
		"dex_venue":      opp.DexVenue,
		"direction":      string(opp.Direction),
		"profit_percent": opp.ProfitPercent,
		"net_profit_usd": opp.NetProfitUSD,
	}).Info("arbitrage opportunity")
	d.log.WithComponent("detector").LogMetric("detector", "opportunity_profit_percent", opp.ProfitPercent, "gauge", logger.Fields{
		"symbol":    opp.Symbol,
		"cex_venue": opp.CexVenue,
	})

	select {
	case d.out <- opp:
	default:
		d.log.WithComponent("detector").Warn("opportunity channel full, dropping")
	}
}

// GetStats returns a point-in-time copy of the detector counters.
func (d *Detector) GetStats() Stats {
	d.mu.RLock()
	tracked := 0
	for _, byVenue := range d.dexPrices {
		tracked += len(byVenue)
	}
	d.mu.RUnlock()
	return Stats{
		Scans:            d.scans.Load(),
		Comparisons:      d.comparisons.Load(),
		Emitted:          d.emitted.Load(),
		RejectedInvalid:  d.rejectedInvalid.Load(),
		TrackedDexPrices: tracked,
	}
}
