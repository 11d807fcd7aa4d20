package sink

import (
	"context"
	"fmt"
	"sync"

	"arbflow/logger"
	"arbflow/models"
)

// Sink persists or forwards emitted opportunities. Implementations must be
// safe for calls from the single fanout goroutine and tolerate Close being
// called once after the last Write.
type Sink interface {
	Name() string
	Write(opp models.ArbitrageOpportunity) error
	Close() error
}

// Fanout drains the opportunity channel and hands every opportunity to each
// configured sink. A failing sink is logged and skipped for that
// opportunity; it does not block the others.
type Fanout struct {
	sinks []Sink
	in    <-chan models.ArbitrageOpportunity

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log
}

// NewFanout wires the sinks to the opportunity channel.
func NewFanout(in <-chan models.ArbitrageOpportunity, sinks ...Sink) *Fanout {
	return &Fanout{
		sinks: sinks,
		in:    in,
		log:   logger.GetLogger(),
	}
}

// Start launches the drain goroutine.
func (f *Fanout) Start(ctx context.Context) error {
	f.runMu.Lock()
	if f.running {
		f.runMu.Unlock()
		return fmt.Errorf("sink fanout already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.runMu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-f.ctx.Done():
				return
			case opp, ok := <-f.in:
				if !ok {
					return
				}
				f.write(opp)
			}
		}
	}()

	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	f.log.WithComponent("sink_fanout").WithFields(logger.Fields{"sinks": names}).Info("sink fanout started")
	return nil
}

func (f *Fanout) write(opp models.ArbitrageOpportunity) {
	for _, s := range f.sinks {
		if err := s.Write(opp); err != nil {
			f.log.WithComponent("sink_fanout").WithError(err).WithFields(logger.Fields{
				"sink":           s.Name(),
				"opportunity_id": opp.ID,
			}).Error("sink write failed")
			continue
		}
		logger.IncrementSinkWrite(s.Name(), 1)
	}
}

// Stop drains stop: cancels the loop and closes every sink. Idempotent.
func (f *Fanout) Stop() {
	f.runMu.Lock()
	if !f.running {
		f.runMu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	f.runMu.Unlock()

	cancel()
	f.wg.Wait()

	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			f.log.WithComponent("sink_fanout").WithError(err).WithFields(logger.Fields{
				"sink": s.Name(),
			}).Warn("sink close failed")
		}
	}
	f.log.WithComponent("sink_fanout").Info("sink fanout stopped")
}
