// Package fetch implements the Historical Fetcher: an explicit
// backwards-pagination pull iterator that assembles a gap-free (up to
// venue availability) oldest-first sequence of candles.
package fetch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/exchange"
)

const (
	pageSize                = 1000
	shortPageThreshold      = 50
	consecutiveShortPageMax = 3
)

// Config parameterizes the fetcher's pacing.
type Config struct {
	RateLimitDelay time.Duration
}

func DefaultConfig() Config {
	return Config{RateLimitDelay: 100 * time.Millisecond}
}

// Fetcher walks an Adapter backwards in pages. It never persists; it
// returns rows and lets the caller decide what to do with them.
type Fetcher struct {
	adapter exchange.Adapter
	cfg     Config
	log     zerolog.Logger
}

func New(adapter exchange.Adapter, cfg Config) *Fetcher {
	return &Fetcher{adapter: adapter, cfg: cfg, log: log.With().Str("component", "historical_fetcher").Logger()}
}

// Result carries the accumulated rows plus whether the venue was judged
// exhausted. Exhausted is true only when the loop stopped on empty or
// short pages; a fetch that reached totalCandles and one cut short by an
// adapter error or cancellation both report false.
type Result struct {
	Candles   []candle.Candle
	Exhausted bool
}

// FetchHistorical produces up to totalCandles oldest-first rows for
// (symbol, interval, market), optionally ending at endTimeMS (0 means
// "now"). An adapter failure on an intermediate page yields a truncated
// result; it never fabricates rows or silently skips intervals.
func (f *Fetcher) FetchHistorical(ctx context.Context, symbol string, interval candle.Interval, market candle.MarketType, totalCandles int, endTimeMS int64) Result {
	if _, err := interval.SpanMS(); err != nil {
		f.log.Warn().Err(err).Str("interval", string(interval)).Msg("unknown interval span")
		return Result{}
	}

	currentEnd := endTimeMS
	if currentEnd <= 0 {
		currentEnd = time.Now().UnixMilli()
	}

	var acc []candle.Candle
	shortStreak := 0

	for len(acc) < totalCandles {
		select {
		case <-ctx.Done():
			return Result{Candles: finish(acc)}
		default:
		}

		remaining := totalCandles - len(acc)
		limit := pageSize
		if remaining < limit {
			limit = remaining
		}

		page, err := f.adapter.GetKlinesBefore(ctx, symbol, interval, currentEnd, limit, market)
		if err != nil {
			f.log.Warn().Err(err).Str("symbol", symbol).Msg("adapter page fetch failed; truncating")
			return Result{Candles: finish(acc)}
		}

		if len(page) == 0 {
			shortStreak++
			if shortStreak >= consecutiveShortPageMax {
				return Result{Candles: finish(acc), Exhausted: true}
			}
			select {
			case <-time.After(f.cfg.RateLimitDelay):
				continue
			case <-ctx.Done():
				return Result{Candles: finish(acc)}
			}
		}
		if len(page) < shortPageThreshold {
			shortStreak++
		} else {
			shortStreak = 0
		}

		minOpen := page[0].OpenTimeMS
		for _, c := range page {
			if c.OpenTimeMS < minOpen {
				minOpen = c.OpenTimeMS
			}
			if c.OpenTimeMS >= currentEnd {
				continue
			}
			acc = append(acc, c)
		}

		currentEnd = minOpen - 1
		if shortStreak >= consecutiveShortPageMax {
			return Result{Candles: finish(acc), Exhausted: true}
		}

		select {
		case <-time.After(f.cfg.RateLimitDelay):
		case <-ctx.Done():
			return Result{Candles: finish(acc)}
		}
	}

	return Result{Candles: finish(acc)}
}

// finish sorts ascending and drops adjacent duplicates by open_time.
func finish(acc []candle.Candle) []candle.Candle {
	candle.SortByOpenTime(acc)
	return candle.DedupeAdjacent(acc)
}
