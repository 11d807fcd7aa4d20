package models

import "time"

// PriceUpdate is a single price observation from any source (CEX aggregate or
// on-chain feed). Price stays a decimal string until the validator parses it.
type PriceUpdate struct {
	Symbol    string    `json:"symbol"`
	Price     string    `json:"price"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingPriceUpdate is a proposed update waiting out its timelock delay.
type PendingPriceUpdate struct {
	PriceUpdate
	ProposedAt    time.Time `json:"proposed_at"`
	ExecutionTime time.Time `json:"execution_time"`
	Proposer      string    `json:"proposer"`
}

// Direction describes which side of the CEX/DEX pair is bought.
type Direction string

const (
	BuyDexSellCex Direction = "BUY_DEX_SELL_CEX"
	BuyCexSellDex Direction = "BUY_CEX_SELL_DEX"
)

// ArbitrageOpportunity is emitted when the fee-adjusted profit between a CEX
// and a DEX price clears the configured thresholds. Immutable once emitted.
type ArbitrageOpportunity struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	CexVenue      string    `json:"cex_venue"`
	DexVenue      string    `json:"dex_venue"`
	CexPrice      string    `json:"cex_price"`
	DexPrice      string    `json:"dex_price"`
	Direction     Direction `json:"direction"`
	GrossSpread   string    `json:"gross_spread"`
	ProfitPercent float64   `json:"profit_percent"`
	NetProfitUSD  string    `json:"net_profit_usd"`
	TradeSizeUSD  string    `json:"trade_size_usd"`
	Timestamp     time.Time `json:"timestamp"`
}

// ConnectorStats is a point-in-time copy of one connector's counters. The
// connector owns the live values; readers only ever see this copy.
type ConnectorStats struct {
	Exchange          string        `json:"exchange"`
	Connected         bool          `json:"connected"`
	Uptime            time.Duration `json:"uptime"`
	TotalUpdates      int64         `json:"total_updates"`
	UpdatesPerSecond  float64       `json:"updates_per_second"`
	Errors            int64         `json:"errors"`
	Reconnections     int64         `json:"reconnections"`
	SubscribedSymbols []string      `json:"subscribed_symbols"`
}
