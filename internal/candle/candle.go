// Package candle defines the atomic OHLCV record and the symbolic
// interval/market-type vocabulary shared by the store, fetcher, gap
// repair engine and smart kline service.
package candle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MarketType distinguishes the cash order book from the USDT-margined
// perpetual venue.
type MarketType string

const (
	MarketSpot   MarketType = "spot"
	MarketLinear MarketType = "linear"
)

func (m MarketType) Valid() bool {
	return m == MarketSpot || m == MarketLinear
}

// Interval is a symbolic timeframe, normalized to its Bybit v5 canonical
// form ("1", "3", "5", ..., "D", "W", "M").
type Interval string

const (
	Interval1m   Interval = "1"
	Interval3m   Interval = "3"
	Interval5m   Interval = "5"
	Interval15m  Interval = "15"
	Interval30m  Interval = "30"
	Interval60m  Interval = "60"
	Interval120m Interval = "120"
	Interval240m Interval = "240"
	Interval360m Interval = "360"
	Interval720m Interval = "720"
	IntervalDay  Interval = "D"
	IntervalWeek Interval = "W"
	IntervalMon  Interval = "M"
)

// aliases maps commonly-typed shorthand to the canonical venue form.
var aliases = map[string]Interval{
	"1m": Interval1m, "1min": Interval1m,
	"3m": Interval3m, "3min": Interval3m,
	"5m": Interval5m, "5min": Interval5m,
	"15m": Interval15m, "15min": Interval15m,
	"30m": Interval30m, "30min": Interval30m,
	"1h": Interval60m, "60m": Interval60m, "60min": Interval60m,
	"2h": Interval120m, "120m": Interval120m,
	"4h": Interval240m, "240m": Interval240m,
	"6h": Interval360m, "360m": Interval360m,
	"12h": Interval720m, "720m": Interval720m,
	"1d": IntervalDay, "d": IntervalDay, "day": IntervalDay,
	"1w": IntervalWeek, "w": IntervalWeek, "week": IntervalWeek,
	"1mo": IntervalMon, "mon": IntervalMon,
}

// spanMS holds the known millisecond span of every canonical interval.
// "M" is a 30-day approximation: used only for bucket-sizing
// heuristics, never for alignment.
var spanMS = map[Interval]int64{
	IntervalDay:  86_400_000,
	IntervalWeek: 604_800_000,
	IntervalMon:  30 * 86_400_000,
}

// NormalizeInterval accepts both venue-canonical and alias forms and
// returns the canonical Interval, or an error if unrecognized.
func NormalizeInterval(raw string) (Interval, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("interval: empty")
	}
	switch Interval(trimmed) {
	case Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
		Interval60m, Interval120m, Interval240m, Interval360m, Interval720m,
		IntervalDay, IntervalWeek, IntervalMon:
		return Interval(trimmed), nil
	}
	if canon, ok := aliases[strings.ToLower(trimmed)]; ok {
		return canon, nil
	}
	return "", fmt.Errorf("interval: unrecognized %q", raw)
}

// SpanMS returns the millisecond span for sub-daily intervals via
// int(minutes) * 60_000, and the fixed table value for D/W/M.
func (i Interval) SpanMS() (int64, error) {
	if ms, ok := spanMS[i]; ok {
		return ms, nil
	}
	minutes, err := parseMinutes(i)
	if err != nil {
		return 0, err
	}
	return minutes * 60_000, nil
}

func parseMinutes(i Interval) (int64, error) {
	var minutes int64
	_, err := fmt.Sscanf(string(i), "%d", &minutes)
	if err != nil || minutes <= 0 {
		return 0, fmt.Errorf("interval: cannot derive span for %q", i)
	}
	return minutes, nil
}

// Candle is the atomic OHLCV record keyed by (symbol, interval,
// market_type, open_time).
type Candle struct {
	Symbol     string          `json:"symbol" db:"symbol"`
	Interval   Interval        `json:"interval" db:"interval"`
	MarketType MarketType      `json:"market_type" db:"market_type"`
	OpenTimeMS int64           `json:"open_time" db:"open_time"`
	OpenTimeDT *time.Time      `json:"open_time_dt,omitempty" db:"open_time_dt"`
	Open       float64         `json:"open" db:"open"`
	High       float64         `json:"high" db:"high"`
	Low        float64         `json:"low" db:"low"`
	Close      float64         `json:"close" db:"close"`
	Volume     float64         `json:"volume" db:"volume"`
	Turnover   *float64        `json:"turnover,omitempty" db:"turnover"`
	Raw        json.RawMessage `json:"raw,omitempty" db:"raw_json"`
	InsertedAt time.Time       `json:"inserted_at,omitempty" db:"inserted_at"`
}

// Key identifies the unique row this candle occupies.
type Key struct {
	Symbol     string
	Interval   Interval
	MarketType MarketType
	OpenTimeMS int64
}

func (c Candle) Key() Key {
	return Key{Symbol: c.Symbol, Interval: c.Interval, MarketType: c.MarketType, OpenTimeMS: c.OpenTimeMS}
}

// SortByOpenTime sorts candles ascending by open time in place.
func SortByOpenTime(candles []Candle) {
	// insertion sort is fine: batches are small (<=1000) and usually
	// already close to sorted coming off the wire.
	for i := 1; i < len(candles); i++ {
		j := i
		for j > 0 && candles[j-1].OpenTimeMS > candles[j].OpenTimeMS {
			candles[j-1], candles[j] = candles[j], candles[j-1]
			j--
		}
	}
}

// DedupeAdjacent drops any candle whose open_time matches its
// predecessor. Input must already be sorted ascending.
func DedupeAdjacent(candles []Candle) []Candle {
	if len(candles) < 2 {
		return candles
	}
	out := candles[:1]
	for _, c := range candles[1:] {
		if c.OpenTimeMS == out[len(out)-1].OpenTimeMS {
			continue
		}
		out = append(out, c)
	}
	return out
}
