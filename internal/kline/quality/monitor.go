// Package quality implements the Data-Quality Monitor: continuous
// completeness/freshness/continuity/outlier checks over the active
// (symbol, interval) set, with repair dispatch.
package quality

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/gaprepair"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/store"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/telemetry"
)

// AnomalyKind enumerates the actionable defect classes.
type AnomalyKind string

const (
	KindMissingData AnomalyKind = "missing_data"
	KindStaleData   AnomalyKind = "stale_data"
	KindPriceGap    AnomalyKind = "price_gap"
	KindOutlier     AnomalyKind = "outlier"
)

type Severity = gaprepair.Severity

// AnomalyReport is a derived entity describing one detected defect.
type AnomalyReport struct {
	Kind         AnomalyKind
	Severity     Severity
	Description  string
	AtMS         int64
	Details      map[string]interface{}
	AutoRepaired bool
}

// Config parameterizes thresholds and cadence.
type Config struct {
	Period                time.Duration
	CompletenessThreshold float64
	ContinuityWindow      int
	OutlierMinCandles     int
	OutlierContamination  float64
	WorkerPoolSize        int
}

func DefaultConfig() Config {
	return Config{
		Period:                60 * time.Second,
		CompletenessThreshold: 95.0,
		ContinuityWindow:      500,
		OutlierMinCandles:     50,
		OutlierContamination:  0.02,
		WorkerPoolSize:        2,
	}
}

// PairKey is one actively-monitored (symbol, interval, market) tuple.
type PairKey struct {
	Symbol     string
	Interval   candle.Interval
	MarketType candle.MarketType
}

// Remediator is implemented by the caller (typically the Smart Kline
// Service) to receive dispatched repairs; the monitor never repairs
// directly, it only detects and routes.
type Remediator interface {
	RepairMissingData(ctx context.Context, key PairKey, gap gaprepair.Gap)
	ForceFreshRead(ctx context.Context, key PairKey)
	RepairPriceOrOutlier(ctx context.Context, key PairKey, atMS int64)
}

// Health summarizes one pair's current quality state.
type Health struct {
	CompletenessPct float64
	Fresh           bool
	ContinuityOK    bool
	OutlierCount    int
	Healthy         bool
}

// Monitor runs the 4-layer check over the active set on one background
// scheduler. Outlier scoring runs on the calling goroutine; a semaphore
// sized WorkerPoolSize caps how many scoring calls run at once, and no
// separate worker goroutines are started.
type Monitor struct {
	store      *store.Store
	gapEngine  *gaprepair.Engine
	remediator Remediator
	cfg        Config
	log        zerolog.Logger

	mu     sync.Mutex
	active map[PairKey]struct{}
	health map[PairKey]Health

	sem chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	metrics *telemetry.Registry
}

// SetMetrics attaches a metrics registry. Optional; anomaly/freshness
// observations become no-ops until this is called.
func (m *Monitor) SetMetrics(r *telemetry.Registry) {
	m.metrics = r
}

func New(s *store.Store, gapEngine *gaprepair.Engine, remediator Remediator, cfg Config) *Monitor {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 2
	}
	return &Monitor{
		store:      s,
		gapEngine:  gapEngine,
		remediator: remediator,
		cfg:        cfg,
		log:        log.With().Str("component", "quality_monitor").Logger(),
		active:     make(map[PairKey]struct{}),
		health:     make(map[PairKey]Health),
		sem:        make(chan struct{}, cfg.WorkerPoolSize),
	}
}

// StartMonitoring adds a pair to the active set.
func (m *Monitor) StartMonitoring(symbol string, interval candle.Interval, market candle.MarketType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[PairKey{symbol, interval, market}] = struct{}{}
}

// StopMonitoring removes a pair from the active set.
func (m *Monitor) StopMonitoring(symbol string, interval candle.Interval, market candle.MarketType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := PairKey{symbol, interval, market}
	delete(m.active, key)
	delete(m.health, key)
}

// HealthOf returns the last-computed health for a pair.
func (m *Monitor) HealthOf(key PairKey) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[key]
	return h, ok
}

// Run is the single background scheduler; it iterates the active set
// serially every cfg.Period until ctx is cancelled, draining gracefully.
func (m *Monitor) Run(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// Stop signals the scheduler to drain and stop.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) runOnce(ctx context.Context) {
	m.mu.Lock()
	keys := make([]PairKey, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, key := range keys {
		anomalies, health := m.evaluate(ctx, key)
		m.mu.Lock()
		m.health[key] = health
		m.mu.Unlock()
		m.dispatch(ctx, key, anomalies)
	}
}

// evaluate runs all 4 layers for one pair. Layer 4 (outlier) takes a
// worker-pool semaphore slot since feature scoring is the CPU-bound
// part of this loop.
func (m *Monitor) evaluate(ctx context.Context, key PairKey) ([]AnomalyReport, Health) {
	var anomalies []AnomalyReport
	health := Health{Healthy: true}

	cov, err := m.store.GetCoverage(ctx, key.Symbol, key.Interval, key.MarketType)
	if err != nil || cov.Empty {
		return anomalies, Health{}
	}

	span, err := key.Interval.SpanMS()
	if err != nil {
		return anomalies, Health{}
	}

	// Layer 1: completeness.
	expected := (cov.NewestMS-cov.OldestMS)/span + 1
	completeness := 100.0
	if expected > 0 {
		completeness = float64(cov.Count) / float64(expected) * 100
	}
	health.CompletenessPct = completeness
	if completeness < m.cfg.CompletenessThreshold {
		health.Healthy = false
		gaps, _ := m.gapEngine.DetectTimestampGaps(ctx, key.Symbol, key.Interval, key.MarketType)
		sort.Slice(gaps, func(i, j int) bool { return gaps[i].MissingCount > gaps[j].MissingCount })
		if len(gaps) > 10 {
			gaps = gaps[:10]
		}
		for _, g := range gaps {
			anomalies = append(anomalies, AnomalyReport{
				Kind:        KindMissingData,
				Severity:    g.Severity,
				Description: "missing candles detected",
				AtMS:        g.GapStartMS,
				Details:     map[string]interface{}{"missing_count": g.MissingCount},
			})
		}
	}

	// Layer 2: freshness.
	nowMS := time.Now().UnixMilli()
	if m.metrics != nil {
		m.metrics.FreshnessAgeMS.WithLabelValues(key.Symbol, string(key.Interval)).Set(float64(nowMS - cov.NewestMS))
	}
	health.Fresh = nowMS-cov.NewestMS <= 2*span
	if !health.Fresh {
		health.Healthy = false
		anomalies = append(anomalies, AnomalyReport{
			Kind:        KindStaleData,
			Severity:    gaprepair.SeverityMedium,
			Description: "series stale beyond 2x interval span",
			AtMS:        cov.NewestMS,
		})
	}

	// Layer 3: continuity.
	priceGaps, _ := m.gapEngine.DetectPriceGaps(ctx, key.Symbol, key.Interval, key.MarketType, m.cfg.ContinuityWindow)
	health.ContinuityOK = len(priceGaps) == 0
	if !health.ContinuityOK {
		health.Healthy = false
		for _, pg := range priceGaps {
			anomalies = append(anomalies, AnomalyReport{
				Kind:        KindPriceGap,
				Severity:    pg.Severity,
				Description: "price discontinuity detected",
				AtMS:        pg.AtMS,
				Details:     map[string]interface{}{"gap_pct": pg.GapPct, "z_score": pg.ZScore},
			})
		}
	}

	// Layer 4: outlier, gated by the worker-pool semaphore.
	rows, err := m.store.GetRange(ctx, key.Symbol, key.Interval, key.MarketType, m.cfg.ContinuityWindow, 0)
	if err == nil && len(rows) >= m.cfg.OutlierMinCandles {
		outliers := m.scoreOutliers(ctx, rows)
		health.OutlierCount = len(outliers)
		if len(outliers) >= 5 {
			health.Healthy = false
		}
		for _, o := range outliers {
			anomalies = append(anomalies, AnomalyReport{
				Kind:        KindOutlier,
				Severity:    gaprepair.SeverityLow,
				Description: "outlier candle by feature score",
				AtMS:        o.OpenTimeMS,
			})
		}
	}

	if m.metrics != nil {
		for _, a := range anomalies {
			m.metrics.AnomaliesFound.WithLabelValues(string(a.Kind)).Inc()
		}
	}

	return anomalies, health
}

// scoreOutliers extracts per-candle features and flags the lowest-
// scoring ~contamination fraction. It runs on the caller's goroutine
// while holding a worker-pool semaphore slot, since feature extraction
// is the CPU-bound step.
func (m *Monitor) scoreOutliers(ctx context.Context, rows []candle.Candle) []candle.Candle {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil
	}
	defer func() { <-m.sem }()

	type feature struct {
		candle      candle.Candle
		rangePct    float64
		bodyPct     float64
		bodyToRange float64
		logVol      float64
	}
	features := make([]feature, 0, len(rows))
	for _, c := range rows {
		if c.Close == 0 {
			continue
		}
		rangePct := (c.High - c.Low) / c.Close * 100
		bodyPct := math.Abs(c.Close-c.Open) / c.Close * 100
		bodyToRange := 0.0
		if rangePct > 0 {
			bodyToRange = bodyPct / rangePct
		}
		features = append(features, feature{
			candle:      c,
			rangePct:    rangePct,
			bodyPct:     bodyPct,
			bodyToRange: bodyToRange,
			logVol:      math.Log1p(c.Volume),
		})
	}

	rangeVals := make([]float64, len(features))
	bodyPctVals := make([]float64, len(features))
	bodyVals := make([]float64, len(features))
	volVals := make([]float64, len(features))
	for i, f := range features {
		rangeVals[i] = f.rangePct
		bodyPctVals[i] = f.bodyPct
		bodyVals[i] = f.bodyToRange
		volVals[i] = f.logVol
	}
	rangeMed := median(rangeVals)
	bodyPctMed := median(bodyPctVals)
	bodyMed := median(bodyVals)
	volMed := median(volVals)

	type scored struct {
		candle candle.Candle
		score  float64
	}
	scores := make([]scored, 0, len(features))
	for _, f := range features {
		// A simple isolation-style score: candles far from the typical
		// range/body/volume profile score low (anomalous).
		score := -(math.Abs(f.rangePct-rangeMed) + math.Abs(f.bodyPct-bodyPctMed) + math.Abs(f.bodyToRange-bodyMed) + math.Abs(f.logVol-volMed))
		scores = append(scores, scored{candle: f.candle, score: score})
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].score < scores[j].score })
	n := int(float64(len(scores)) * m.cfg.OutlierContamination)
	if n < 1 {
		n = 0
	}
	out := make([]candle.Candle, 0, n)
	for i := 0; i < n && i < len(scores); i++ {
		out = append(out, scores[i].candle)
	}
	return out
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// dispatch routes actionable anomalies to the remediator.
func (m *Monitor) dispatch(ctx context.Context, key PairKey, anomalies []AnomalyReport) {
	if m.remediator == nil {
		return
	}
	for _, a := range anomalies {
		switch a.Kind {
		case KindMissingData:
			gaps, _ := m.gapEngine.DetectTimestampGaps(ctx, key.Symbol, key.Interval, key.MarketType)
			for _, g := range gaps {
				if g.GapStartMS == a.AtMS {
					m.remediator.RepairMissingData(ctx, key, g)
					break
				}
			}
		case KindStaleData:
			m.remediator.ForceFreshRead(ctx, key)
		case KindPriceGap, KindOutlier:
			m.remediator.RepairPriceOrOutlier(ctx, key, a.AtMS)
		}
	}
}
