package service

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/config"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/exchange/fake"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/fetch"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/gaprepair"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/repository"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/store"
)

// newTestService wires a Service over a fake adapter and a sqlmock-backed
// store. Tests that never touch the Store's read path leave the mock
// without expectations; an unexpected query then errors, which is exactly
// the fall-through behavior the read chain is specified to survive.
func newTestService(t *testing.T) (*Service, *fake.Adapter, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	sqlxDB := sqlx.NewDb(db, "postgres")
	stCfg := store.DefaultConfig()
	stCfg.FlushInterval = time.Hour // never flush mid-test
	stCfg.BatchSize = 1_000_000
	stCfg.ShutdownGrace = time.Second
	st := store.New(sqlxDB, stCfg)
	t.Cleanup(st.Stop)

	adapter := fake.New()
	fetcher := fetch.New(adapter, fetch.Config{RateLimitDelay: time.Millisecond})
	gapEng := gaprepair.New(st, fetcher, gaprepair.DefaultConfig())

	svc := New(repository.New(st), st, adapter, fetcher, gapEng, config.Default(), candle.MarketSpot)
	return svc, adapter, mock
}

// freshCandles returns n candles ending at the current interval boundary,
// so the newest one always satisfies the freshness predicate.
func freshCandles(symbol string, interval candle.Interval, n int) []candle.Candle {
	span, _ := interval.SpanMS()
	newest := time.Now().UnixMilli() / span * span
	out := make([]candle.Candle, 0, n)
	for i := n - 1; i >= 0; i-- {
		ts := newest - int64(i)*span
		out = append(out, candle.Candle{
			Symbol: symbol, Interval: interval, MarketType: candle.MarketSpot,
			OpenTimeMS: ts, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10,
		})
	}
	return out
}

func TestGetCandles_ForceFreshFetchesAndCaches(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	adapter.Seed("BTCUSDT", candle.Interval60m, candle.MarketSpot, freshCandles("BTCUSDT", candle.Interval60m, 5))

	rows := svc.GetCandles(context.Background(), "BTCUSDT", candle.Interval60m, 3, true)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].OpenTimeMS < rows[1].OpenTimeMS)
	assert.Equal(t, 1, adapter.Calls)

	// The fetch populated the RAM working set; a follow-up read of the
	// same window is served without another adapter call.
	rows = svc.GetCandles(context.Background(), "BTCUSDT", candle.Interval60m, 3, false)
	require.Len(t, rows, 3)
	assert.Equal(t, 1, adapter.Calls)
}

func TestGetCandles_StaleRAMFallsThroughToAdapter(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	span, _ := candle.Interval60m.SpanMS()

	// RAM pre-seeded with a series whose newest candle is 10 hours old.
	stale := freshCandles("ETHUSDT", candle.Interval60m, 5)
	for i := range stale {
		stale[i].OpenTimeMS -= 10 * span
	}
	svc.hydrateRAM(ramKey{"ETHUSDT", candle.Interval60m, candle.MarketSpot}, stale)

	adapter.Seed("ETHUSDT", candle.Interval60m, candle.MarketSpot, freshCandles("ETHUSDT", candle.Interval60m, 5))

	rows := svc.GetCandles(context.Background(), "ETHUSDT", candle.Interval60m, 3, false)
	require.Len(t, rows, 3)
	assert.Equal(t, 1, adapter.Calls)
	newest := rows[len(rows)-1].OpenTimeMS
	assert.True(t, isFresh(newest, span))
}

func TestGetCandles_UnknownIntervalReturnsEmpty(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	rows := svc.GetCandles(context.Background(), "BTCUSDT", candle.Interval("bogus"), 10, false)
	assert.Empty(t, rows)
	assert.Zero(t, adapter.Calls)
}

func TestGetCandles_AdapterEmptyReturnsEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)
	rows := svc.GetCandles(context.Background(), "NOSUCH", candle.Interval60m, 10, true)
	assert.Empty(t, rows)
}

func TestGetHistoricalCandles_AdapterFallback(t *testing.T) {
	svc, adapter, _ := newTestService(t)
	span, _ := candle.Interval60m.SpanMS()
	all := freshCandles("BTCUSDT", candle.Interval60m, 40)
	adapter.Seed("BTCUSDT", candle.Interval60m, candle.MarketSpot, all)

	end := all[30].OpenTimeMS
	rows := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", candle.Interval60m, end, 10)
	require.Len(t, rows, 10)
	for _, c := range rows {
		assert.Less(t, c.OpenTimeMS, end)
	}
	assert.Equal(t, end-span, rows[len(rows)-1].OpenTimeMS)
}

func TestInitializeSymbol_RegistersIntervalSet(t *testing.T) {
	svc, _, mock := newTestService(t)

	// One coverage query per prepared interval: primary 15 plus required
	// {1, 60} plus D.
	for i := 0; i < 4; i++ {
		mock.ExpectQuery("SELECT MIN").WillReturnRows(
			sqlmock.NewRows([]string{"min", "max", "count"}).AddRow(nil, nil, 0))
	}

	status, err := svc.InitializeSymbol(context.Background(), "BTCUSDT", candle.Interval15m, false, false)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", status.Symbol)

	want := []candle.Interval{candle.Interval15m, candle.Interval1m, candle.Interval60m, candle.IntervalDay}
	require.Len(t, status.Intervals, len(want))
	for _, iv := range want {
		cov, ok := status.Intervals[iv]
		require.True(t, ok, "interval %s missing from status", iv)
		assert.True(t, cov.Empty)
	}

	got := svc.GetStatus()
	assert.Equal(t, 1, got["symbols_tracked"])
}

func TestInitializeSymbol_AdjacentPreWarm(t *testing.T) {
	svc, _, mock := newTestService(t)

	// primary 15 + adjacency {5, 30, 60} + required {1, 60} + D = 6 keys.
	for i := 0; i < 6; i++ {
		mock.ExpectQuery("SELECT MIN").WillReturnRows(
			sqlmock.NewRows([]string{"min", "max", "count"}).AddRow(nil, nil, 0))
	}

	status, err := svc.InitializeSymbol(context.Background(), "BTCUSDT", candle.Interval15m, false, true)
	require.NoError(t, err)
	assert.Len(t, status.Intervals, 6)
	assert.Contains(t, status.Intervals, candle.Interval5m)
	assert.Contains(t, status.Intervals, candle.Interval30m)
}

func TestInitializeSymbol_InvalidInterval(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.InitializeSymbol(context.Background(), "BTCUSDT", candle.Interval("bogus"), false, false)
	assert.Error(t, err)
}

func TestInitializeSymbol_BackgroundLoadCompletes(t *testing.T) {
	svc, adapter, mock := newTestService(t)
	svc.cfg.RequiredIntervals = nil
	svc.cfg.MaxCandlesToLoad = map[string]int{"15": 20, "D": 20}

	adapter.Seed("SOLUSDT", candle.Interval15m, candle.MarketSpot, freshCandles("SOLUSDT", candle.Interval15m, 50))

	// Coverage queries for {15, D}, both empty, so both schedule loads.
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT MIN").WillReturnRows(
			sqlmock.NewRows([]string{"min", "max", "count"}).AddRow(nil, nil, 0))
	}

	_, err := svc.InitializeSymbol(context.Background(), "SOLUSDT", candle.Interval15m, true, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, p := range svc.GetLoadingStatus() {
			if p.Status != LoadCompleted && p.Status != LoadFailed {
				return false
			}
		}
		return len(svc.GetLoadingStatus()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	loading := svc.GetLoadingStatus()
	p15 := loading["SOLUSDT:15"]
	assert.Equal(t, LoadCompleted, p15.Status)
	assert.Equal(t, 20, p15.LoadedCount)

	// Daily history doesn't exist on the fake venue: the load still
	// completes, just with nothing loaded.
	pD := loading["SOLUSDT:D"]
	assert.Equal(t, LoadCompleted, pD.Status)
	assert.Zero(t, pD.LoadedCount)
}

func TestMergeRAM_BoundedSortedDeduped(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.cfg.RAMLimit = 5
	key := ramKey{"BTCUSDT", candle.Interval60m, candle.MarketSpot}

	rows := freshCandles("BTCUSDT", candle.Interval60m, 8)
	svc.mergeRAM(key, rows)
	svc.mergeRAM(key, rows) // idempotent: same rows again

	got := svc.ramSnapshot(key)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].OpenTimeMS, got[i-1].OpenTimeMS)
	}
	// The bound keeps the newest tail.
	assert.Equal(t, rows[len(rows)-1].OpenTimeMS, got[len(got)-1].OpenTimeMS)
}

func TestRAMSnapshot_IsACopy(t *testing.T) {
	svc, _, _ := newTestService(t)
	key := ramKey{"BTCUSDT", candle.Interval60m, candle.MarketSpot}
	svc.hydrateRAM(key, freshCandles("BTCUSDT", candle.Interval60m, 3))

	snap := svc.ramSnapshot(key)
	snap[0].Close = -1

	again := svc.ramSnapshot(key)
	assert.NotEqual(t, -1.0, again[0].Close)
}

func TestTailHelpers(t *testing.T) {
	rows := freshCandles("BTCUSDT", candle.Interval60m, 4)

	assert.Len(t, tail(rows, 2), 2)
	assert.Equal(t, rows[3].OpenTimeMS, tail(rows, 2)[1].OpenTimeMS)
	assert.Len(t, tail(rows, 10), 4)
	assert.Len(t, tail(rows, 0), 4)

	bounded := boundedTail(rows, 2)
	require.Len(t, bounded, 2)
	bounded[0].Close = -1
	assert.NotEqual(t, -1.0, rows[2].Close)
}

func TestIsFresh(t *testing.T) {
	span := int64(3_600_000)
	now := time.Now().UnixMilli()
	assert.True(t, isFresh(now, span))
	assert.True(t, isFresh(now-span, span))
	assert.False(t, isFresh(now-2*span, span))
}

func TestMonthBoundaryCutoff(t *testing.T) {
	jan15 := time.Date(2026, 1, 15, 6, 30, 0, 0, time.UTC)
	cutoff := monthBoundaryCutoff(jan15.UnixMilli())
	assert.Equal(t, time.Date(2026, 2, 15, 6, 30, 0, 0, time.UTC).UnixMilli(), cutoff)

	// Month-end arithmetic follows the calendar, not a 30-day window.
	jan31 := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	cutoff = monthBoundaryCutoff(jan31.UnixMilli())
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC).UnixMilli(), cutoff)
}

func TestGetLoadingStatus_EmptyByDefault(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.Empty(t, svc.GetLoadingStatus())
}

func TestStartStopUpdateService(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.StartUpdateService(3600)
	svc.StopUpdateService()
	// Stopping twice must not panic or block.
	svc.StopUpdateService()
}
