// Package service implements the Smart Kline Service: the public read
// face of the mirror. A three-tier cache (RAM working set, local
// Store, remote Adapter) with freshness gating, adjacent-timeframe
// pre-warm, a background updater, and retention enforcement.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/config"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/exchange"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/fetch"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/gaprepair"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/quality"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/repository"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/store"
)

// LoadStatus enumerates a LoadingProgress' lifecycle.
type LoadStatus string

const (
	LoadPending   LoadStatus = "pending"
	LoadLoading   LoadStatus = "loading"
	LoadCompleted LoadStatus = "completed"
	LoadFailed    LoadStatus = "failed"
)

// LoadingProgress tracks one (symbol, interval) ingestion task.
type LoadingProgress struct {
	Status      LoadStatus
	TargetCount int
	LoadedCount int
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// SymbolState is the per-symbol service-side state.
type SymbolState struct {
	Symbol      string
	Intervals   map[candle.Interval]struct{}
	LastRefresh time.Time
	Primary     bool
}

// InitStatus is the return value of InitializeSymbol: coverage per
// interval prepared for the symbol.
type InitStatus struct {
	Symbol    string
	Intervals map[candle.Interval]store.Coverage
}

type ramKey struct {
	symbol     string
	interval   candle.Interval
	marketType candle.MarketType
}

// Service is the Smart Kline Service.
type Service struct {
	repo      *repository.Repository
	st        *store.Store
	adapter   exchange.Adapter
	fetcher   *fetch.Fetcher
	gapEngine *gaprepair.Engine
	monitor   *quality.Monitor
	cfg       config.Config
	market    candle.MarketType
	log       zerolog.Logger

	ramMu sync.RWMutex
	ram   map[ramKey][]candle.Candle

	stateMu sync.RWMutex
	states  map[string]*SymbolState

	progressMu sync.RWMutex
	progress   map[ramKey]*LoadingProgress

	repairMu      sync.Mutex
	lastRepairAt  map[ramKey]time.Time
	lastRetention time.Time

	updaterCancel context.CancelFunc
	updaterDone   chan struct{}
}

// New wires the Service from its already-constructed dependencies. The
// quality Monitor is attached afterward via SetMonitor, since the
// Monitor's Remediator is this same Service: the two must be
// constructed in two steps.
func New(repo *repository.Repository, st *store.Store, adapter exchange.Adapter, fetcher *fetch.Fetcher, gapEngine *gaprepair.Engine, cfg config.Config, market candle.MarketType) *Service {
	return &Service{
		repo:         repo,
		st:           st,
		adapter:      adapter,
		fetcher:      fetcher,
		gapEngine:    gapEngine,
		cfg:          cfg,
		market:       market,
		log:          log.With().Str("component", "kline_service").Logger(),
		ram:          make(map[ramKey][]candle.Candle),
		states:       make(map[string]*SymbolState),
		progress:     make(map[ramKey]*LoadingProgress),
		lastRepairAt: make(map[ramKey]time.Time),
	}
}

// SetMonitor attaches the quality Monitor once both it and the Service
// have been constructed. Must be called before InitializeSymbol.
func (s *Service) SetMonitor(monitor *quality.Monitor) {
	s.monitor = monitor
}

// isFresh holds when now - newest_open_time <= 1 x interval_span.
func isFresh(newestMS int64, span int64) bool {
	return time.Now().UnixMilli()-newestMS <= span
}

// GetCandles returns up to limit newest candles, oldest-first.
func (s *Service) GetCandles(ctx context.Context, symbol string, interval candle.Interval, limit int, forceFresh bool) []candle.Candle {
	interval, err := candle.NormalizeInterval(string(interval))
	if err != nil {
		s.log.Warn().Err(err).Msg("unknown interval in GetCandles")
		return nil
	}
	span, err := interval.SpanMS()
	if err != nil {
		return nil
	}
	key := ramKey{symbol, interval, s.market}

	if forceFresh {
		return s.fetchPersistAndCache(ctx, key, limit)
	}

	if ramRows := s.ramSnapshot(key); len(ramRows) >= limit && len(ramRows) > 0 && isFresh(ramRows[len(ramRows)-1].OpenTimeMS, span) {
		return tail(ramRows, limit)
	}

	cov, err := s.st.GetCoverage(ctx, symbol, interval, s.market)
	if err == nil && !cov.Empty && cov.Count >= int64(limit) && isFresh(cov.NewestMS, span) {
		rows, err := s.repo.LastN(ctx, symbol, interval, s.market, s.cfg.RAMLimit)
		if err == nil {
			s.hydrateRAM(key, rows)
			return tail(rows, limit)
		}
	}

	return s.fetchPersistAndCache(ctx, key, limit)
}

func (s *Service) fetchPersistAndCache(ctx context.Context, key ramKey, limit int) []candle.Candle {
	rows, err := s.adapter.GetKlines(ctx, key.symbol, key.interval, limit, key.marketType)
	if err != nil || len(rows) == 0 {
		if err != nil {
			s.log.Info().Err(err).Str("symbol", key.symbol).Msg("adapter fetch failed; returning empty")
		}
		return nil
	}
	if _, err := s.st.Queue(rows); err != nil {
		s.log.Warn().Err(err).Msg("queue after adapter fetch failed")
	}
	s.mergeRAM(key, rows)
	return tail(rows, limit)
}

// GetHistoricalCandles returns up to limit candles with open_time <
// endTimeMS. A 10-candle overlap is requested so client-side merges
// stay gap-free. Store is consulted first; adapter is the fallback.
func (s *Service) GetHistoricalCandles(ctx context.Context, symbol string, interval candle.Interval, endTimeMS int64, limit int) []candle.Candle {
	interval, err := candle.NormalizeInterval(string(interval))
	if err != nil {
		return nil
	}
	const overlap = 10
	want := limit + overlap

	rows, err := s.repo.LastNBefore(ctx, symbol, interval, s.market, want, endTimeMS)
	if err == nil && len(rows) >= limit {
		return tail(rows, limit)
	}

	rows, err = s.adapter.GetKlinesBefore(ctx, symbol, interval, endTimeMS, want, s.market)
	if err != nil || len(rows) == 0 {
		return nil
	}
	if _, err := s.st.Queue(rows); err != nil {
		s.log.Warn().Err(err).Msg("queue historical candles failed")
	}
	return tail(rows, limit)
}

// InitializeSymbol idempotently registers a symbol as primary, schedules
// background historical fetches for any under-covered interval, and
// starts quality monitoring on the primary interval. Adjacent interval
// loads never block the caller.
func (s *Service) InitializeSymbol(ctx context.Context, symbol string, primaryInterval candle.Interval, loadHistory, loadAdjacent bool) (InitStatus, error) {
	primaryInterval, err := candle.NormalizeInterval(string(primaryInterval))
	if err != nil {
		return InitStatus{}, fmt.Errorf("initialize_symbol: %w", err)
	}

	intervals := map[candle.Interval]struct{}{primaryInterval: {}}
	if loadAdjacent {
		for _, iv := range s.cfg.AdjacentIntervals(primaryInterval) {
			intervals[iv] = struct{}{}
		}
	}
	for _, iv := range s.cfg.RequiredIntervalSet() {
		intervals[iv] = struct{}{}
	}
	intervals[candle.IntervalDay] = struct{}{}

	s.stateMu.Lock()
	state, ok := s.states[symbol]
	if !ok {
		state = &SymbolState{Symbol: symbol, Intervals: make(map[candle.Interval]struct{})}
		s.states[symbol] = state
	}
	state.Primary = true
	for iv := range intervals {
		state.Intervals[iv] = struct{}{}
	}
	s.stateMu.Unlock()

	status := InitStatus{Symbol: symbol, Intervals: make(map[candle.Interval]store.Coverage)}

	for iv := range intervals {
		cov, _ := s.st.GetCoverage(ctx, symbol, iv, s.market)
		status.Intervals[iv] = cov

		target := s.cfg.MaxCandlesFor(iv)
		needsLoad := loadHistory && (cov.Empty || float64(cov.Count) < 0.9*float64(target))
		if needsLoad {
			s.scheduleHistoricalLoad(symbol, iv, target)
		}
	}

	if s.monitor != nil {
		s.monitor.StartMonitoring(symbol, primaryInterval, s.market)
	}

	return status, nil
}

// scheduleHistoricalLoad spawns one background task per interval that
// needs a historical fetch, never blocking the caller.
func (s *Service) scheduleHistoricalLoad(symbol string, interval candle.Interval, target int) {
	key := ramKey{symbol, interval, s.market}
	s.progressMu.Lock()
	s.progress[key] = &LoadingProgress{Status: LoadPending, TargetCount: target, StartedAt: time.Now()}
	s.progressMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		s.progressMu.Lock()
		s.progress[key].Status = LoadLoading
		s.progressMu.Unlock()

		result := s.fetcher.FetchHistorical(ctx, symbol, interval, s.market, target, 0)

		if len(result.Candles) > 0 {
			if _, err := s.st.Queue(result.Candles); err != nil {
				s.progressMu.Lock()
				s.progress[key].Status = LoadFailed
				s.progress[key].Error = err.Error()
				s.progress[key].FinishedAt = time.Now()
				s.progressMu.Unlock()
				return
			}
		}

		s.progressMu.Lock()
		s.progress[key].Status = LoadCompleted
		s.progress[key].LoadedCount = len(result.Candles)
		s.progress[key].FinishedAt = time.Now()
		s.progressMu.Unlock()
	}()
}

// GetLoadingStatus returns the current LoadingProgress map.
func (s *Service) GetLoadingStatus() map[string]LoadingProgress {
	s.progressMu.RLock()
	defer s.progressMu.RUnlock()
	out := make(map[string]LoadingProgress, len(s.progress))
	for k, v := range s.progress {
		out[fmt.Sprintf("%s:%s", k.symbol, k.interval)] = *v
	}
	return out
}

// GetStatus reports the tracked-symbol count, the current RAM keys and
// the store's writer stats. It does not report a last-update time per
// pair.
func (s *Service) GetStatus() map[string]interface{} {
	s.stateMu.RLock()
	symbolCount := len(s.states)
	s.stateMu.RUnlock()

	s.ramMu.RLock()
	ramKeys := make([]string, 0, len(s.ram))
	for k := range s.ram {
		ramKeys = append(ramKeys, fmt.Sprintf("%s:%s", k.symbol, k.interval))
	}
	s.ramMu.RUnlock()
	sort.Strings(ramKeys)

	return map[string]interface{}{
		"symbols_tracked": symbolCount,
		"ram_keys":        ramKeys,
		"store_stats":     s.st.Stats(),
	}
}

// --- RAM working set -------------------------------------------------

func (s *Service) ramSnapshot(key ramKey) []candle.Candle {
	s.ramMu.RLock()
	defer s.ramMu.RUnlock()
	rows := s.ram[key]
	cp := make([]candle.Candle, len(rows))
	copy(cp, rows)
	return cp
}

func (s *Service) hydrateRAM(key ramKey, rows []candle.Candle) {
	s.ramMu.Lock()
	defer s.ramMu.Unlock()
	s.ram[key] = boundedTail(rows, s.cfg.RAMLimit)
}

// mergeRAM merges new rows into the existing working set: dedup by
// open_time, sort, keep last W.
func (s *Service) mergeRAM(key ramKey, rows []candle.Candle) {
	s.ramMu.Lock()
	defer s.ramMu.Unlock()
	merged := append(append([]candle.Candle(nil), s.ram[key]...), rows...)
	candle.SortByOpenTime(merged)
	merged = candle.DedupeAdjacent(merged)
	s.ram[key] = boundedTail(merged, s.cfg.RAMLimit)
}

func boundedTail(rows []candle.Candle, limit int) []candle.Candle {
	if limit <= 0 || len(rows) <= limit {
		return rows
	}
	return append([]candle.Candle(nil), rows[len(rows)-limit:]...)
}

func tail(rows []candle.Candle, limit int) []candle.Candle {
	if limit <= 0 || len(rows) <= limit {
		return rows
	}
	return rows[len(rows)-limit:]
}

// --- Background updater ----------------------------------------------

// StartUpdateService starts the background updater task.
func (s *Service) StartUpdateService(periodS int) {
	if periodS <= 0 {
		periodS = s.cfg.MonitorPeriodS
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.updaterCancel = cancel
	s.updaterDone = make(chan struct{})

	go func() {
		defer close(s.updaterDone)
		ticker := time.NewTicker(time.Duration(periodS) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.updateOnce(ctx)
			}
		}
	}()
}

// StopUpdateService stops the background updater and waits for drain.
func (s *Service) StopUpdateService() {
	if s.updaterCancel == nil {
		return
	}
	s.updaterCancel()
	<-s.updaterDone
}

func (s *Service) updateOnce(ctx context.Context) {
	s.stateMu.RLock()
	var pairs []symbolIntervalPair
	for symbol, state := range s.states {
		if !state.Primary {
			continue
		}
		for iv := range state.Intervals {
			pairs = append(pairs, symbolIntervalPair{symbol, iv})
		}
	}
	s.stateMu.RUnlock()

	for _, p := range pairs {
		s.ensureFreshness(ctx, p.symbol, p.interval)
		s.refreshLatest(ctx, p.symbol, p.interval)
	}

	s.maybeRunPeriodicRepair(ctx, pairs)
	s.maybeRunRetention(ctx, pairs)
}

// ensureFreshness fetches any candles newer than the store's max.
func (s *Service) ensureFreshness(ctx context.Context, symbol string, interval candle.Interval) {
	cov, err := s.st.GetCoverage(ctx, symbol, interval, s.market)
	if err != nil {
		return
	}
	span, err := interval.SpanMS()
	if err != nil {
		return
	}
	if !cov.Empty && isFresh(cov.NewestMS, span) {
		return
	}
	rows, err := s.adapter.GetKlines(ctx, symbol, interval, 10, s.market)
	if err != nil || len(rows) == 0 {
		return
	}
	if _, err := s.st.Queue(rows); err != nil {
		s.log.Warn().Err(err).Msg("ensure_freshness queue failed")
		return
	}
	s.mergeRAM(ramKey{symbol, interval, s.market}, rows)

	s.stateMu.Lock()
	if state, ok := s.states[symbol]; ok {
		state.LastRefresh = time.Now()
	}
	s.stateMu.Unlock()
}

// refreshLatest fetches the latest ~10 candles and upserts, merging RAM.
func (s *Service) refreshLatest(ctx context.Context, symbol string, interval candle.Interval) {
	rows, err := s.adapter.GetKlines(ctx, symbol, interval, 10, s.market)
	if err != nil || len(rows) == 0 {
		return
	}
	if _, err := s.st.Queue(rows); err != nil {
		s.log.Warn().Err(err).Msg("refresh_latest queue failed")
		return
	}
	s.mergeRAM(ramKey{symbol, interval, s.market}, rows)
}

type symbolIntervalPair struct {
	symbol   string
	interval candle.Interval
}

func (s *Service) maybeRunPeriodicRepair(ctx context.Context, pairs []symbolIntervalPair) {
	interval := time.Duration(s.cfg.RepairIntervalHours) * time.Hour
	for _, p := range pairs {
		key := ramKey{p.symbol, p.interval, s.market}
		s.repairMu.Lock()
		last := s.lastRepairAt[key]
		due := time.Since(last) >= interval
		if due {
			s.lastRepairAt[key] = time.Now()
		}
		s.repairMu.Unlock()
		if !due {
			continue
		}
		go func(symbol string, iv candle.Interval) {
			gaps, err := s.gapEngine.DetectTimestampGaps(ctx, symbol, iv, s.market)
			if err != nil || len(gaps) == 0 {
				return
			}
			s.gapEngine.RepairTimestampGaps(ctx, gaps)
		}(p.symbol, p.interval)
	}
}

func (s *Service) maybeRunRetention(ctx context.Context, pairs []symbolIntervalPair) {
	s.repairMu.Lock()
	due := time.Since(s.lastRetention) >= time.Duration(s.cfg.RetentionCheckDays)*24*time.Hour
	if due {
		s.lastRetention = time.Now()
	}
	s.repairMu.Unlock()
	if !due {
		return
	}

	globalMinMS, err := s.cfg.GlobalMinTS()
	if err != nil {
		return
	}
	if _, err := s.st.DeleteGlobalBefore(ctx, globalMinMS); err != nil {
		s.log.Warn().Err(err).Msg("global retention sweep failed")
	}

	maxSpanMS := int64(s.cfg.MaxRetentionDays) * 86_400_000

	for _, p := range pairs {
		cov, err := s.st.GetCoverage(ctx, p.symbol, p.interval, s.market)
		if err != nil || cov.Empty {
			continue
		}
		if cov.NewestMS-cov.OldestMS <= maxSpanMS {
			continue
		}
		cutoff := monthBoundaryCutoff(cov.OldestMS)
		if _, err := s.st.DeleteBefore(ctx, p.symbol, p.interval, s.market, cutoff); err != nil {
			s.log.Warn().Err(err).Str("symbol", p.symbol).Msg("retention trim failed")
		}
	}
}

// monthBoundaryCutoff returns oldestMS advanced by one calendar month
// (time.AddDate), so the cut-off follows calendar month lengths rather
// than a fixed 30-day window. It falls on a month boundary only when
// oldestMS does.
func monthBoundaryCutoff(oldestMS int64) int64 {
	t := time.UnixMilli(oldestMS).UTC()
	return t.AddDate(0, 1, 0).UnixMilli()
}

// --- quality.Remediator implementation --------------------------------

// RepairMissingData satisfies quality.Remediator.
func (s *Service) RepairMissingData(ctx context.Context, key quality.PairKey, gap gaprepair.Gap) {
	s.gapEngine.RepairTimestampGaps(ctx, []gaprepair.Gap{gap})
}

// ForceFreshRead satisfies quality.Remediator.
func (s *Service) ForceFreshRead(ctx context.Context, key quality.PairKey) {
	s.GetCandles(ctx, key.Symbol, key.Interval, 10, true)
}

// RepairPriceOrOutlier satisfies quality.Remediator.
func (s *Service) RepairPriceOrOutlier(ctx context.Context, key quality.PairKey, atMS int64) {
	span, err := key.Interval.SpanMS()
	if err != nil {
		return
	}
	rows, err := s.adapter.GetKlinesBefore(ctx, key.Symbol, key.Interval, atMS+2*span, 5, key.MarketType)
	if err != nil || len(rows) == 0 {
		return
	}
	if _, err := s.st.Queue(rows); err != nil {
		s.log.Warn().Err(err).Msg("price/outlier repair queue failed")
	}
}
