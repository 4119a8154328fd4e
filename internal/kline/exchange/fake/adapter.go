// Package fake provides a deterministic in-memory Exchange Adapter used
// by higher-layer tests, paralleling the reference code's fake exchange
// fixtures.
package fake

import (
	"context"
	"sync"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/exchange"
)

// Adapter is an in-memory Exchange Adapter seeded entirely by the test.
// Rows are stored per (symbol, interval, market) and returned oldest
// first, sliced the way the real adapter would.
type Adapter struct {
	mu      sync.Mutex
	rows    map[key][]candle.Candle
	symbols map[candle.MarketType][]exchange.Instrument
	Calls   int
}

type key struct {
	symbol   string
	interval candle.Interval
	market   candle.MarketType
}

func New() *Adapter {
	return &Adapter{
		rows:    make(map[key][]candle.Candle),
		symbols: make(map[candle.MarketType][]exchange.Instrument),
	}
}

func (a *Adapter) Name() string { return "fake" }

// Seed replaces the full candle set for a key. Candles need not be
// pre-sorted; Seed sorts them.
func (a *Adapter) Seed(symbol string, interval candle.Interval, market candle.MarketType, candles []candle.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := append([]candle.Candle(nil), candles...)
	candle.SortByOpenTime(cp)
	a.rows[key{symbol, interval, market}] = cp
}

func (a *Adapter) SeedSymbols(market candle.MarketType, instruments []exchange.Instrument) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.symbols[market] = instruments
}

func (a *Adapter) GetKlines(ctx context.Context, symbol string, interval candle.Interval, limit int, market candle.MarketType) ([]candle.Candle, error) {
	return a.GetKlinesBefore(ctx, symbol, interval, 0, limit, market)
}

func (a *Adapter) GetKlinesBefore(ctx context.Context, symbol string, interval candle.Interval, endTimeMS int64, limit int, market candle.MarketType) ([]candle.Candle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls++

	all := a.rows[key{symbol, interval, market}]
	var filtered []candle.Candle
	for _, c := range all {
		if endTimeMS > 0 && c.OpenTimeMS >= endTimeMS {
			continue
		}
		filtered = append(filtered, c)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

func (a *Adapter) GetSymbolsList(ctx context.Context, market candle.MarketType, tradingOnly bool) ([]exchange.Instrument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.symbols[market]
	if !tradingOnly {
		return list, nil
	}
	out := make([]exchange.Instrument, 0, len(list))
	for _, ins := range list {
		if ins.Status == "Trading" {
			out = append(out, ins)
		}
	}
	return out, nil
}

func (a *Adapter) ValidateSymbol(ctx context.Context, symbol string, market candle.MarketType) (string, error) {
	list, _ := a.GetSymbolsList(ctx, market, false)
	for _, ins := range list {
		if ins.Symbol == symbol {
			return ins.Symbol, nil
		}
	}
	return "", exchange.ErrUnknownSymbol
}
