// Package exchange defines the Exchange Adapter contract: translate a
// normalized kline request into HTTP GETs against a venue and return
// normalized Candle rows, with no persistence of its own.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
)

// ErrUnknownSymbol is returned by ValidateSymbol when the venue does not
// recognize, has delisted, or has not yet listed the given symbol.
var ErrUnknownSymbol = errors.New("exchange: unknown symbol")

// Instrument describes one tradable instrument as reported by the venue's
// instruments-info endpoint.
type Instrument struct {
	Symbol     string
	MarketType candle.MarketType
	Status     string
}

// Adapter is the contract every venue integration must satisfy. It is
// stateless with respect to persistence: callers own what happens to the
// rows it returns.
type Adapter interface {
	// GetKlines returns an oldest-first list of up to limit candles
	// ending at "now". limit is capped at 1000 by the venue.
	GetKlines(ctx context.Context, symbol string, interval candle.Interval, limit int, market candle.MarketType) ([]candle.Candle, error)

	// GetKlinesBefore returns up to limit candles with open_time <
	// endTimeMS, oldest-first.
	GetKlinesBefore(ctx context.Context, symbol string, interval candle.Interval, endTimeMS int64, limit int, market candle.MarketType) ([]candle.Candle, error)

	// GetSymbolsList returns the tradable instruments for a category,
	// optionally restricted to currently-trading ones. Implementations
	// should cache this with a TTL.
	GetSymbolsList(ctx context.Context, market candle.MarketType, tradingOnly bool) ([]Instrument, error)

	// ValidateSymbol returns the canonical symbol string, or
	// ErrUnknownSymbol when the venue doesn't recognize it.
	ValidateSymbol(ctx context.Context, symbol string, market candle.MarketType) (string, error)

	// Name identifies the adapter for logs/metrics.
	Name() string
}

// Config holds the tunables common to every venue adapter.
type Config struct {
	BaseURL            string
	KlineTimeout       time.Duration
	InstrumentTimeout  time.Duration
	InstrumentCacheTTL time.Duration
	MinRequestInterval time.Duration
	MaxRetries         int
}

// DefaultConfig: 2s kline timeout, 100ms min inter-request delay,
// 5 minute instrument cache.
func DefaultConfig() Config {
	return Config{
		KlineTimeout:       2 * time.Second,
		InstrumentTimeout:  5 * time.Second,
		InstrumentCacheTTL: 5 * time.Minute,
		MinRequestInterval: 100 * time.Millisecond,
		MaxRetries:         3,
	}
}
