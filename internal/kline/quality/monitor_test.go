package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/gaprepair"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 50, cfg.OutlierMinCandles)
	assert.InDelta(t, 0.02, cfg.OutlierContamination, 1e-9)
	assert.Equal(t, 2, cfg.WorkerPoolSize)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, median(nil))
	assert.Equal(t, 2.0, median([]float64{1, 2, 3}))
	assert.Equal(t, 2.5, median([]float64{1, 2, 3, 4}))
}

type recordingRemediator struct {
	missing  int
	stale    int
	priceOut int
}

func (r *recordingRemediator) RepairMissingData(ctx context.Context, key PairKey, gap gaprepair.Gap) {
	r.missing++
}
func (r *recordingRemediator) ForceFreshRead(ctx context.Context, key PairKey) { r.stale++ }
func (r *recordingRemediator) RepairPriceOrOutlier(ctx context.Context, key PairKey, atMS int64) {
	r.priceOut++
}

func TestMonitor_StartStopMonitoring(t *testing.T) {
	m := New(nil, nil, &recordingRemediator{}, DefaultConfig())
	key := PairKey{Symbol: "BTCUSDT", Interval: candle.Interval60m, MarketType: candle.MarketSpot}

	m.StartMonitoring(key.Symbol, key.Interval, key.MarketType)
	_, ok := m.HealthOf(key)
	assert.False(t, ok) // no evaluation has run yet

	m.StopMonitoring(key.Symbol, key.Interval, key.MarketType)
	_, ok = m.HealthOf(key)
	assert.False(t, ok)
}

func TestMonitor_DispatchRoutesByKind(t *testing.T) {
	rem := &recordingRemediator{}
	m := New(nil, nil, rem, DefaultConfig())
	key := PairKey{Symbol: "BTCUSDT", Interval: candle.Interval60m, MarketType: candle.MarketSpot}

	m.dispatch(context.Background(), key, []AnomalyReport{
		{Kind: KindStaleData},
		{Kind: KindPriceGap},
		{Kind: KindOutlier},
	})

	assert.Equal(t, 1, rem.stale)
	assert.Equal(t, 2, rem.priceOut)
	assert.Equal(t, 0, rem.missing) // no KindMissingData anomaly was dispatched
}

func TestScoreOutliers_FlagsExtremeCandle(t *testing.T) {
	m := New(nil, nil, &recordingRemediator{}, DefaultConfig())
	rows := make([]candle.Candle, 0, 60)
	for i := 0; i < 59; i++ {
		rows = append(rows, candle.Candle{OpenTimeMS: int64(i), Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000})
	}
	// One wildly different candle: huge range, huge body, tiny volume.
	rows = append(rows, candle.Candle{OpenTimeMS: 59, Open: 100, High: 500, Low: 10, Close: 480, Volume: 1})

	out := m.scoreOutliers(context.Background(), rows)
	require.NotEmpty(t, out)
	assert.Equal(t, int64(59), out[0].OpenTimeMS)
}
