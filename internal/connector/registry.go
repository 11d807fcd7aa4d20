package connector

import (
	"fmt"

	"arbflow/config"
)

// NewAdapter builds the protocol adapter for a venue name.
func NewAdapter(name string, cfg config.VenueConfig) (Adapter, error) {
	switch name {
	case "binance":
		return newBinanceAdapter(cfg), nil
	case "bybit":
		return newBybitAdapter(cfg), nil
	case "okx":
		return newOkxAdapter(cfg), nil
	case "kucoin":
		return newKucoinAdapter(cfg), nil
	case "kraken":
		return newKrakenAdapter(cfg), nil
	case "bitfinex":
		return newBitfinexAdapter(cfg), nil
	case "coinbase":
		return newCoinbaseAdapter(cfg), nil
	case "gateio":
		return newGateioAdapter(cfg), nil
	case "bitget":
		return newBitgetAdapter(cfg), nil
	}
	return nil, fmt.Errorf("unknown venue %q", name)
}

// NewForVenue wires a Connector around the venue's adapter.
func NewForVenue(name string, cfg config.VenueConfig, events *Events) (*Connector, error) {
	adapter, err := NewAdapter(name, cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg, adapter, events), nil
}
