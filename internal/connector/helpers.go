package connector

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// parseMillis decodes an epoch-milliseconds string; a missing or malformed
// value falls back to the receive time.
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// decodeTicker parses decimal-string top-of-book fields and forwards them to
// the sink. Empty fields decode as zero; malformed fields fail the frame.
func decodeTicker(sink Sink, venueSymbol, bid, ask, last, volume string, ts time.Time) error {
	parse := func(field, s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("ticker %s %s: %w", venueSymbol, field, err)
		}
		return d, nil
	}

	b, err := parse("bid", bid)
	if err != nil {
		return err
	}
	a, err := parse("ask", ask)
	if err != nil {
		return err
	}
	l, err := parse("last", last)
	if err != nil {
		return err
	}
	v, err := parse("volume", volume)
	if err != nil {
		return err
	}
	sink.Ticker(venueSymbol, b, a, l, v, ts)
	return nil
}
