package oracle

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

const historyLimit = 100

// Result is the structured outcome of one validation pass. Warnings do not
// invalidate the update on their own.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Metadata map[string]string
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (r *Result) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Stats is a point-in-time copy of the validator counters.
type Stats struct {
	Validated            int64
	Rejected             int64
	StalePrices          int64
	PendingUpdates       int
	CircuitBreakerActive bool
	CircuitBreakerReason string
}

// Validator gates every external price before the detector may trust it:
// bounds, rate of change against the last accepted price, staleness, and a
// process-wide circuit breaker. Optionally prices go through a two-phase
// timelocked flow instead of taking effect immediately.
type Validator struct {
	cfg config.OracleConfig
	log *logger.Log

	minPrice decimal.Decimal
	maxPrice decimal.Decimal
	// maxChangePct and breaker thresholds are percentages.
	maxChangePct decimal.Decimal
	breakerPct   decimal.Decimal

	mu            sync.RWMutex
	current       map[string]models.PriceUpdate // symbol -> last accepted
	pending       map[string]models.PendingPriceUpdate
	history       []models.PriceUpdate
	breakerActive bool
	breakerReason string

	validated   int64
	rejected    int64
	stalePrices int64
}

// New builds a validator from the oracle configuration. Malformed bound
// strings are a configuration error.
func New(cfg config.OracleConfig) (*Validator, error) {
	minPrice, err := decimal.NewFromString(cfg.MinPrice)
	if err != nil {
		return nil, fmt.Errorf("oracle min_price %q: %w", cfg.MinPrice, err)
	}
	maxPrice, err := decimal.NewFromString(cfg.MaxPrice)
	if err != nil {
		return nil, fmt.Errorf("oracle max_price %q: %w", cfg.MaxPrice, err)
	}
	if maxPrice.LessThan(minPrice) {
		return nil, fmt.Errorf("oracle max_price %s below min_price %s", cfg.MaxPrice, cfg.MinPrice)
	}
	return &Validator{
		cfg:          cfg,
		log:          logger.GetLogger(),
		minPrice:     minPrice,
		maxPrice:     maxPrice,
		maxChangePct: decimal.NewFromFloat(cfg.MaxRateChangeBps).Div(decimal.NewFromInt(100)),
		breakerPct:   decimal.NewFromFloat(cfg.CircuitBreakerThreshold),
		current:      make(map[string]models.PriceUpdate),
		pending:      make(map[string]models.PendingPriceUpdate),
	}, nil
}

// ValidatePriceUpdate runs the full gate. On success the update becomes the
// symbol's current accepted price and joins the bounded history.
func (v *Validator) ValidatePriceUpdate(update models.PriceUpdate) Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	res := v.validateLocked(update)
	if res.Valid {
		v.acceptLocked(update)
	} else {
		v.rejected++
	}
	return res
}

// validateLocked runs every check without recording the price.
func (v *Validator) validateLocked(update models.PriceUpdate) Result {
	res := Result{Valid: true, Metadata: map[string]string{
		"symbol": update.Symbol,
		"source": update.Source,
	}}

	// An active breaker short-circuits everything.
	if v.breakerActive {
		res.addError("circuit breaker active: %s", v.breakerReason)
		return res
	}

	price, err := decimal.NewFromString(update.Price)
	if err != nil {
		res.addError("unparseable price %q", update.Price)
		return res
	}

	// Bounds are inclusive at both ends.
	if price.LessThan(v.minPrice) {
		res.addError("price %s below minimum %s", price, v.minPrice)
	}
	if price.GreaterThan(v.maxPrice) {
		res.addError("price %s above maximum %s", price, v.maxPrice)
	}

	// Rate of change against the last accepted price for the symbol. The
	// first price of a symbol has nothing to compare against.
	if prev, ok := v.current[update.Symbol]; ok {
		prevPrice, err := decimal.NewFromString(prev.Price)
		if err == nil && prevPrice.Sign() > 0 {
			changePct := price.Sub(prevPrice).Div(prevPrice).Mul(decimal.NewFromInt(100)).Abs()
			res.Metadata["change_percent"] = changePct.String()

			if changePct.GreaterThan(v.maxChangePct) {
				res.addError("rate of change %s%% exceeds limit %s%%", changePct, v.maxChangePct)
			}
			if v.cfg.CircuitBreakerEnabled && v.breakerPct.Sign() > 0 {
				switch {
				case changePct.GreaterThan(v.breakerPct.Mul(decimal.NewFromInt(2))):
					v.tripLocked(fmt.Sprintf("price change %s%% on %s exceeds 2x breaker threshold", changePct, update.Symbol))
					res.addError("circuit breaker tripped: change %s%% exceeds 2x threshold %s%%", changePct, v.breakerPct)
				case changePct.GreaterThan(v.breakerPct):
					res.addWarning("price change %s%% exceeds breaker threshold %s%%", changePct, v.breakerPct)
				}
			}
		}
	}

	// Staleness only warns; the consumer decides what stale means to it.
	if v.cfg.MaxPriceAge > 0 && time.Since(update.Timestamp) > v.cfg.MaxPriceAge {
		v.stalePrices++
		res.addWarning("price is %s old, max age %s", time.Since(update.Timestamp).Truncate(time.Millisecond), v.cfg.MaxPriceAge)
	}

	return res
}

func (v *Validator) acceptLocked(update models.PriceUpdate) {
	v.current[update.Symbol] = update
	v.history = append(v.history, update)
	if len(v.history) > historyLimit {
		v.history = v.history[len(v.history)-historyLimit:]
	}
	v.validated++
}

// ProposePriceUpdate starts the two-phase flow: validation now, effect after
// the timelock delay. Returns the execution time on success.
func (v *Validator) ProposePriceUpdate(update models.PriceUpdate, proposer string) (time.Time, Result) {
	v.mu.Lock()
	defer v.mu.Unlock()

	res := v.validateLocked(update)
	if !res.Valid {
		v.rejected++
		return time.Time{}, res
	}

	now := time.Now()
	pending := models.PendingPriceUpdate{
		PriceUpdate:   update,
		ProposedAt:    now,
		ExecutionTime: now.Add(v.cfg.TimelockDelay),
		Proposer:      proposer,
	}
	v.pending[update.Symbol] = pending

	v.log.WithComponent("oracle").WithFields(logger.Fields{
		"symbol":         update.Symbol,
		"proposer":       proposer,
		"execution_time": pending.ExecutionTime.Format(time.RFC3339),
	}).Info("price update proposed")
	return pending.ExecutionTime, res
}

// ExecutePendingUpdate promotes a proposed update once its timelock expires.
// Market conditions may have moved since the proposal, so the update is
// validated again; a now-invalid pending update is discarded.
func (v *Validator) ExecutePendingUpdate(symbol string) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	pending, ok := v.pending[symbol]
	if !ok {
		res := Result{Metadata: map[string]string{"symbol": symbol}}
		res.addError("no pending update for %s", symbol)
		return res
	}
	if time.Now().Before(pending.ExecutionTime) {
		res := Result{Metadata: map[string]string{"symbol": symbol}}
		res.addError("timelock active until %s", pending.ExecutionTime.Format(time.RFC3339))
		return res
	}

	res := v.validateLocked(pending.PriceUpdate)
	delete(v.pending, symbol)
	if !res.Valid {
		v.rejected++
		v.log.WithComponent("oracle").WithFields(logger.Fields{
			"symbol": symbol,
			"errors": res.Errors,
		}).Warn("pending update no longer valid, discarded")
		return res
	}

	v.acceptLocked(pending.PriceUpdate)
	return res
}

// CurrentPrice returns the last accepted price for a symbol.
func (v *Validator) CurrentPrice(symbol string) (models.PriceUpdate, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	u, ok := v.current[symbol]
	return u, ok
}

// History returns a copy of the accepted-price history, newest last.
func (v *Validator) History() []models.PriceUpdate {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]models.PriceUpdate(nil), v.history...)
}

// TriggerCircuitBreaker latches the breaker. Every subsequent update for any
// symbol is rejected until ResetCircuitBreaker.
func (v *Validator) TriggerCircuitBreaker(reason string) {
	v.mu.Lock()
	v.tripLocked(reason)
	v.mu.Unlock()
}

func (v *Validator) tripLocked(reason string) {
	if v.breakerActive {
		return
	}
	v.breakerActive = true
	v.breakerReason = reason
	v.log.WithComponent("oracle").WithFields(logger.Fields{"reason": reason}).Error("circuit breaker tripped")
}

// ResetCircuitBreaker clears the latch. This is an operator action; the
// breaker never resets itself.
func (v *Validator) ResetCircuitBreaker() {
	v.mu.Lock()
	v.breakerActive = false
	v.breakerReason = ""
	v.mu.Unlock()
	v.log.WithComponent("oracle").Info("circuit breaker reset")
}

// IsCircuitBreakerActive reports the latch state.
func (v *Validator) IsCircuitBreakerActive() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.breakerActive
}

// GetStats returns a point-in-time copy of the validator counters.
func (v *Validator) GetStats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Stats{
		Validated:            v.validated,
		Rejected:             v.rejected,
		StalePrices:          v.stalePrices,
		PendingUpdates:       len(v.pending),
		CircuitBreakerActive: v.breakerActive,
		CircuitBreakerReason: v.breakerReason,
	}
}
