// Package gaprepair detects and repairs two classes of defect in the
// persisted series: timestamp gaps and price-level discontinuities,
// grounded on the same MAD-based statistics the reference anomaly
// checker uses for price windows.
package gaprepair

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/fetch"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/store"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/telemetry"
)

// Severity classifies a defect for reporting and dispatch priority.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Gap is a derived timestamp defect, never persisted.
type Gap struct {
	Symbol       string
	Interval     candle.Interval
	MarketType   candle.MarketType
	GapStartMS   int64
	GapEndMS     int64
	MissingCount int64
	IsWeekend    bool
	Severity     Severity
}

// PriceGap is a derived price-discontinuity defect.
type PriceGap struct {
	Symbol     string
	Interval   candle.Interval
	MarketType candle.MarketType
	AtMS       int64
	GapPct     float64
	ZScore     float64
	Severity   Severity
}

// Config parameterizes detection thresholds and repair throughput.
type Config struct {
	SuppressWeekendGaps bool
	CriticalGapPct      float64
	ZThreshold          float64
	ContextIntervals    int64
	MaxGapsPerPass      int
	RateLimitDelay      time.Duration
}

func DefaultConfig() Config {
	return Config{
		SuppressWeekendGaps: true,
		CriticalGapPct:      1.5,
		ZThreshold:          3.0,
		ContextIntervals:    3,
		MaxGapsPerPass:      50,
		RateLimitDelay:      200 * time.Millisecond,
	}
}

// Engine implements the Gap Repair Engine.
type Engine struct {
	store   *store.Store
	fetcher *fetch.Fetcher
	cfg     Config
	log     zerolog.Logger
	metrics *telemetry.Registry
}

func New(s *store.Store, f *fetch.Fetcher, cfg Config) *Engine {
	return &Engine{store: s, fetcher: f, cfg: cfg, log: log.With().Str("component", "gap_repair").Logger()}
}

// SetMetrics attaches a metrics registry. Optional; gap counters become
// no-ops until this is called.
func (e *Engine) SetMetrics(r *telemetry.Registry) {
	e.metrics = r
}

// DetectTimestampGaps scans the persisted open_time sequence for a key
// and returns every gap exceeding 1.5x interval_span.
func (e *Engine) DetectTimestampGaps(ctx context.Context, symbol string, interval candle.Interval, market candle.MarketType) ([]Gap, error) {
	span, err := interval.SpanMS()
	if err != nil {
		return nil, err
	}
	rows, err := e.store.GetRange(ctx, symbol, interval, market, 1_000_000, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, nil
	}

	var gaps []Gap
	threshold := float64(span) * 1.5
	for i := 1; i < len(rows); i++ {
		delta := rows[i].OpenTimeMS - rows[i-1].OpenTimeMS
		if float64(delta) <= threshold {
			continue
		}
		missing := delta/span - 1
		if missing <= 0 {
			continue
		}
		g := Gap{
			Symbol:       symbol,
			Interval:     interval,
			MarketType:   market,
			GapStartMS:   rows[i-1].OpenTimeMS,
			GapEndMS:     rows[i].OpenTimeMS,
			MissingCount: missing,
			IsWeekend:    isWeekendGap(rows[i-1].OpenTimeMS, rows[i].OpenTimeMS),
			Severity:     timestampSeverity(missing),
		}
		gaps = append(gaps, g)
	}
	if e.metrics != nil {
		for _, g := range gaps {
			e.metrics.GapsDetected.WithLabelValues(string(g.Severity), "timestamp").Inc()
		}
	}
	return gaps, nil
}

func timestampSeverity(missing int64) Severity {
	switch {
	case missing > 50:
		return SeverityCritical
	case missing > 10:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// isWeekendGap classifies a gap as market-closed when it starts on or
// after Friday 00:00 UTC and ends on or before the following Monday
// 00:00 UTC.
func isWeekendGap(startMS, endMS int64) bool {
	start := time.UnixMilli(startMS).UTC()
	end := time.UnixMilli(endMS).UTC()

	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	daysSinceMonday := (int(startDay.Weekday()) + 6) % 7
	if daysSinceMonday < 4 { // not Friday, Saturday, or Sunday
		return false
	}

	fridayStart := startDay.AddDate(0, 0, -(daysSinceMonday - 4))
	mondayStart := fridayStart.AddDate(0, 0, 3)
	return !end.After(mondayStart)
}

// DetectPriceGaps applies the price-discontinuity test to the persisted
// series (or a provided window). gap_pct = |open_i - close_{i-1}| /
// close_{i-1} * 100; flagged when absolute or MAD z-score exceeds
// configured thresholds, absolute dominating for severity.
func (e *Engine) DetectPriceGaps(ctx context.Context, symbol string, interval candle.Interval, market candle.MarketType, window int) ([]PriceGap, error) {
	if window <= 0 {
		window = 500
	}
	rows, err := e.store.GetRange(ctx, symbol, interval, market, window, 0)
	if err != nil {
		return nil, err
	}
	gaps := detectPriceGapsIn(rows, e.cfg)
	if e.metrics != nil {
		for _, g := range gaps {
			e.metrics.GapsDetected.WithLabelValues(string(g.Severity), "price").Inc()
		}
	}
	return gaps, nil
}

func detectPriceGapsIn(rows []candle.Candle, cfg Config) []PriceGap {
	if len(rows) < 2 {
		return nil
	}
	pcts := make([]float64, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		prevClose := rows[i-1].Close
		if prevClose == 0 {
			pcts = append(pcts, 0)
			continue
		}
		pcts = append(pcts, math.Abs(rows[i].Open-prevClose)/prevClose*100)
	}

	var out []PriceGap
	for i, pct := range pcts {
		z := madZScore(pcts, pct)
		absFlag := pct >= cfg.CriticalGapPct
		zFlag := math.Abs(z) > cfg.ZThreshold
		if !absFlag && !zFlag {
			continue
		}
		sev := SeverityMedium
		switch {
		case pct >= cfg.CriticalGapPct:
			sev = SeverityCritical
		case math.Abs(z) > cfg.ZThreshold:
			sev = SeverityHigh
		}
		out = append(out, PriceGap{
			Symbol:     rows[i+1].Symbol,
			Interval:   rows[i+1].Interval,
			MarketType: rows[i+1].MarketType,
			AtMS:       rows[i+1].OpenTimeMS,
			GapPct:     pct,
			ZScore:     z,
			Severity:   sev,
		})
	}
	return out
}

// madZScore computes the MAD-based z-score of value against window,
// the same formula the reference anomaly checker uses for price
// windows: (value - median) / MAD.
func madZScore(window []float64, value float64) float64 {
	if len(window) == 0 {
		return 0
	}
	med := median(window)
	mad := medianAbsoluteDeviation(window, med)
	if mad == 0 {
		return 0
	}
	return (value - med) / mad
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

func medianAbsoluteDeviation(values []float64, med float64) float64 {
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	return median(deviations)
}

// RepairResult reports the outcome of one repair pass.
type RepairResult struct {
	GapsHandled   int
	GapsRemaining int
	RowsRepaired  int
	Skipped       int
}

// RepairTimestampGaps re-fetches and persists the candles covering each
// gap's range, bounded at cfg.MaxGapsPerPass per invocation.
func (e *Engine) RepairTimestampGaps(ctx context.Context, gaps []Gap) RepairResult {
	var result RepairResult
	for i, g := range gaps {
		if i >= e.cfg.MaxGapsPerPass {
			result.GapsRemaining = len(gaps) - i
			break
		}
		if g.IsWeekend && e.cfg.SuppressWeekendGaps {
			result.Skipped++
			continue
		}

		span, err := g.Interval.SpanMS()
		if err != nil {
			result.Skipped++
			continue
		}
		contextSpan := span * e.cfg.ContextIntervals
		fromMS := g.GapStartMS - contextSpan
		toMS := g.GapEndMS + contextSpan

		res := e.fetcher.FetchHistorical(ctx, g.Symbol, g.Interval, g.MarketType, 1000, toMS+1)
		var inRange []candle.Candle
		for _, c := range res.Candles {
			if c.OpenTimeMS >= fromMS && c.OpenTimeMS <= toMS {
				inRange = append(inRange, c)
			}
		}
		if len(inRange) > 0 {
			if _, err := e.store.Queue(inRange); err != nil {
				e.log.Warn().Err(err).Str("symbol", g.Symbol).Msg("repair queue failed")
				continue
			}
			result.RowsRepaired += len(inRange)
			result.GapsHandled++
			if e.metrics != nil {
				e.metrics.GapsRepaired.WithLabelValues(string(g.Severity), "timestamp").Inc()
			}
			e.log.Info().Str("symbol", g.Symbol).Str("severity", string(g.Severity)).Int("rows", len(inRange)).Msg("gap repaired")
		}

		select {
		case <-time.After(e.cfg.RateLimitDelay):
		case <-ctx.Done():
			return result
		}
	}
	return result
}

// RepairPriceGaps re-fetches the candle at each defect timestamp plus a
// few neighbors and upserts through the Store.
func (e *Engine) RepairPriceGaps(ctx context.Context, gaps []PriceGap) RepairResult {
	var result RepairResult
	for i, g := range gaps {
		if i >= e.cfg.MaxGapsPerPass {
			result.GapsRemaining = len(gaps) - i
			break
		}
		span, err := g.Interval.SpanMS()
		if err != nil {
			continue
		}
		contextSpan := span * e.cfg.ContextIntervals
		res := e.fetcher.FetchHistorical(ctx, g.Symbol, g.Interval, g.MarketType, 1000, g.AtMS+contextSpan+1)
		var inRange []candle.Candle
		for _, c := range res.Candles {
			if c.OpenTimeMS >= g.AtMS-contextSpan && c.OpenTimeMS <= g.AtMS+contextSpan {
				inRange = append(inRange, c)
			}
		}
		if len(inRange) > 0 {
			if _, err := e.store.Queue(inRange); err != nil {
				e.log.Warn().Err(err).Msg("price gap repair queue failed")
				continue
			}
			result.RowsRepaired += len(inRange)
			result.GapsHandled++
			if e.metrics != nil {
				e.metrics.GapsRepaired.WithLabelValues(string(g.Severity), "price").Inc()
			}
		}
		select {
		case <-time.After(e.cfg.RateLimitDelay):
		case <-ctx.Done():
			return result
		}
	}
	return result
}
