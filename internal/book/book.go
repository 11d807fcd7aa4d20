package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"arbflow/models"
)

// Side identifies the half of the book a level belongs to.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Level is one price level held in memory. Prices and quantities are decimals
// so comparisons never round; the wire string form is recreated on snapshot.
type Level struct {
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp int64
}

// Book maintains a single venue's order book for one canonical symbol. It is
// owned by exactly one connector goroutine; callers take copies via Snapshot.
type Book struct {
	exchange  string
	symbol    string
	bids      []Level
	asks      []Level
	updatedAt time.Time
	synced    bool
}

// New creates an empty, unsynced book. A book becomes synced once the first
// full snapshot is applied; deltas arriving before that are dropped.
func New(exchange, symbol string) *Book {
	return &Book{exchange: exchange, symbol: symbol}
}

// Synced reports whether the book has received its initial snapshot.
func (b *Book) Synced() bool { return b.synced }

// ApplySnapshot replaces all levels wholesale. Input slices may be unsorted;
// the book keeps bids descending and asks ascending.
func (b *Book) ApplySnapshot(bids, asks []Level, ts time.Time) {
	b.bids = append(b.bids[:0], bids...)
	b.asks = append(b.asks[:0], asks...)
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price.GreaterThan(b.bids[j].Price) })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price.LessThan(b.asks[j].Price) })
	b.updatedAt = ts
	b.synced = true
}

// ApplyDelta upserts or removes one price level. Quantity zero removes the
// level; a positive quantity replaces an existing level or inserts a new one
// at its sorted position. Deltas before the first snapshot are ignored.
func (b *Book) ApplyDelta(side Side, price, qty decimal.Decimal, ts time.Time) {
	if !b.synced {
		return
	}
	levels := &b.bids
	if side == Ask {
		levels = &b.asks
	}

	idx := b.search(side, price)
	found := idx < len(*levels) && (*levels)[idx].Price.Equal(price)

	switch {
	case qty.IsZero():
		if found {
			*levels = append((*levels)[:idx], (*levels)[idx+1:]...)
		}
	case found:
		(*levels)[idx].Quantity = qty
		(*levels)[idx].Timestamp = ts.UnixMilli()
	default:
		lvl := Level{Price: price, Quantity: qty, Timestamp: ts.UnixMilli()}
		*levels = append(*levels, Level{})
		copy((*levels)[idx+1:], (*levels)[idx:])
		(*levels)[idx] = lvl
	}
	b.updatedAt = ts
}

// search returns the insertion index for price on the given side, keeping
// bids descending and asks ascending.
func (b *Book) search(side Side, price decimal.Decimal) int {
	if side == Bid {
		return sort.Search(len(b.bids), func(i int) bool {
			return !b.bids[i].Price.GreaterThan(price)
		})
	}
	return sort.Search(len(b.asks), func(i int) bool {
		return !b.asks[i].Price.LessThan(price)
	})
}

// Crossed reports whether the best bid has reached or passed the best ask,
// which signals a protocol desync rather than a valid market state.
func (b *Book) Crossed() bool {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	return b.bids[0].Price.GreaterThanOrEqual(b.asks[0].Price)
}

// Reset drops all levels and marks the book unsynced so a fresh snapshot is
// awaited. Used after a crossed book or sequence gap.
func (b *Book) Reset() {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	b.synced = false
}

// MarkUnsynced keeps the last known levels queryable but stops delta
// application until the next snapshot arrives. Used across reconnects, where
// the cached book stays readable while the feed resyncs.
func (b *Book) MarkUnsynced() {
	b.synced = false
}

// Depth returns the number of bid and ask levels.
func (b *Book) Depth() (int, int) {
	return len(b.bids), len(b.asks)
}

// Snapshot renders an immutable copy in the common model.
func (b *Book) Snapshot() models.OrderBook {
	ob := models.OrderBook{
		Exchange:  b.exchange,
		Symbol:    b.symbol,
		Bids:      make([]models.BookLevel, len(b.bids)),
		Asks:      make([]models.BookLevel, len(b.asks)),
		Timestamp: b.updatedAt,
	}
	for i, l := range b.bids {
		ob.Bids[i] = models.BookLevel{Price: l.Price.String(), Quantity: l.Quantity.String(), Timestamp: l.Timestamp}
	}
	for i, l := range b.asks {
		ob.Asks[i] = models.BookLevel{Price: l.Price.String(), Quantity: l.Quantity.String(), Timestamp: l.Timestamp}
	}
	return ob
}

// ParseLevels converts raw [price, quantity] string tuples into levels,
// skipping malformed entries. The count of skipped entries is returned so the
// caller can feed its error counter.
func ParseLevels(raw [][]string, ts time.Time) ([]Level, int) {
	levels := make([]Level, 0, len(raw))
	skipped := 0
	for _, entry := range raw {
		if len(entry) < 2 {
			skipped++
			continue
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			skipped++
			continue
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			skipped++
			continue
		}
		if qty.IsZero() {
			continue
		}
		levels = append(levels, Level{Price: price, Quantity: qty, Timestamp: ts.UnixMilli()})
	}
	return levels, skipped
}

// ParseDeltas converts raw [price, quantity] string tuples into delta levels.
// Unlike ParseLevels it keeps zero quantities, which mean "remove this level"
// when applied.
func ParseDeltas(raw [][]string, ts time.Time) ([]Level, int) {
	levels := make([]Level, 0, len(raw))
	skipped := 0
	for _, entry := range raw {
		if len(entry) < 2 {
			skipped++
			continue
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			skipped++
			continue
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			skipped++
			continue
		}
		levels = append(levels, Level{Price: price, Quantity: qty, Timestamp: ts.UnixMilli()})
	}
	return levels, skipped
}
