package connector

import (
	"context"
	"sync"

	"arbflow/logger"
	"arbflow/models"
)

// EventType discriminates connector events on the shared channel.
type EventType int

const (
	EventOrderBook EventType = iota
	EventTicker
	EventError
)

// Event is the hand-off unit between a connector and the aggregator. Exactly
// one of Book, Ticker or Err is set, per Type.
type Event struct {
	Type     EventType
	Exchange string
	Book     *models.OrderBook
	Ticker   *models.PriceTicker
	Err      error
}

// EventStats tracks channel throughput for the periodic report.
type EventStats struct {
	Sent    int64
	Dropped int64
}

// Events wraps the buffered connector-to-aggregator channel with send/drop
// accounting. Sends never block: when the aggregator falls behind, events are
// dropped and counted rather than stalling the read loops.
type Events struct {
	C chan Event

	stats      EventStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

// NewEvents creates the shared event channel with the given buffer size.
func NewEvents(buffer int) *Events {
	log := logger.GetLogger()
	e := &Events{
		C:   make(chan Event, buffer),
		log: log,
	}

	log.WithComponent("connector_events").WithFields(logger.Fields{
		"buffer_size": buffer,
	}).Info("event channel initialized")

	return e
}

// Send delivers an event without blocking. It returns false when the event
// was dropped or the context was cancelled.
func (e *Events) Send(ctx context.Context, ev Event) bool {
	select {
	case e.C <- ev:
		e.statsMutex.Lock()
		e.stats.Sent++
		e.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		e.statsMutex.Lock()
		e.stats.Dropped++
		e.statsMutex.Unlock()
		return false
	}
}

// Stats returns a copy of the channel counters.
func (e *Events) Stats() EventStats {
	e.statsMutex.RLock()
	defer e.statsMutex.RUnlock()
	return e.stats
}

// Close closes the underlying channel. Only the owner of all senders may
// call this.
func (e *Events) Close() {
	close(e.C)
	e.log.WithComponent("connector_events").Info("event channel closed")
}
