// Package repository is a thin query facade over the Kline Store for
// the handful of shapes higher layers need: last N, last N before T,
// and coverage.
package repository

import (
	"context"
	"fmt"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/store"
)

// Repository narrows the Store's surface to what read paths need,
// matching the "Repository Layer" responsibility in the component
// table: it owns no state of its own.
type Repository struct {
	store *store.Store
}

func New(s *store.Store) *Repository {
	return &Repository{store: s}
}

// LastN returns up to limit newest candles, oldest-first.
func (r *Repository) LastN(ctx context.Context, symbol string, interval candle.Interval, market candle.MarketType, limit int) ([]candle.Candle, error) {
	candles, err := r.store.GetRange(ctx, symbol, interval, market, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("repository.LastN: %w", err)
	}
	return candles, nil
}

// LastNBefore returns up to limit candles with open_time < endTimeMS,
// oldest-first.
func (r *Repository) LastNBefore(ctx context.Context, symbol string, interval candle.Interval, market candle.MarketType, limit int, endTimeMS int64) ([]candle.Candle, error) {
	candles, err := r.store.GetRange(ctx, symbol, interval, market, limit, endTimeMS)
	if err != nil {
		return nil, fmt.Errorf("repository.LastNBefore: %w", err)
	}
	return candles, nil
}

// Coverage returns (oldest, newest, count) for a key.
func (r *Repository) Coverage(ctx context.Context, symbol string, interval candle.Interval, market candle.MarketType) (store.Coverage, error) {
	cov, err := r.store.GetCoverage(ctx, symbol, interval, market)
	if err != nil {
		return store.Coverage{}, fmt.Errorf("repository.Coverage: %w", err)
	}
	return cov, nil
}

// Summary returns aggregate counts per key for diagnostics.
func (r *Repository) Summary(ctx context.Context) ([]store.SummaryRow, error) {
	rows, err := r.store.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("repository.Summary: %w", err)
	}
	return rows, nil
}
