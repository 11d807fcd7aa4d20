package models

import (
	"time"
)

// BookLevel represents a single price level in an order book. Prices and
// quantities are kept as decimal strings so no precision is lost between the
// wire format and financial comparisons downstream.
type BookLevel struct {
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Timestamp int64  `json:"timestamp"`
}

// OrderBook is the normalized order book for one symbol on one venue.
// Bids are sorted descending by price, asks ascending. A book whose best bid
// reaches or exceeds its best ask is crossed and must be discarded.
type OrderBook struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the highest bid level.
func (b *OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask level.
func (b *OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// PriceTicker is a lightweight top-of-book update for symbols where the full
// depth is not needed.
type PriceTicker struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Bid       string    `json:"bid"`
	Ask       string    `json:"ask"`
	Last      string    `json:"last"`
	Volume24h string    `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// VenueQuote is one venue's contribution to a liquidity snapshot.
type VenueQuote struct {
	Bid       string    `json:"bid"`
	Ask       string    `json:"ask"`
	Spread    string    `json:"spread"`
	SpreadBps float64   `json:"spread_bps"`
	BidVolume string    `json:"bid_volume"`
	AskVolume string    `json:"ask_volume"`
	Timestamp time.Time `json:"timestamp"`
}

// LiquiditySnapshot is the cross-venue view for one canonical symbol. Only
// venues whose spread passes the configured minimum are included.
type LiquiditySnapshot struct {
	Symbol    string                `json:"symbol"`
	Venues    map[string]VenueQuote `json:"venues"`
	Timestamp time.Time             `json:"timestamp"`
}
