package candle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeInterval_Canonical(t *testing.T) {
	iv, err := NormalizeInterval("60")
	require.NoError(t, err)
	assert.Equal(t, Interval60m, iv)
}

func TestNormalizeInterval_Alias(t *testing.T) {
	cases := map[string]Interval{
		"1h": Interval60m,
		"4h": Interval240m,
		"1d": IntervalDay,
		"D":  IntervalDay,
		"1w": IntervalWeek,
	}
	for alias, want := range cases {
		iv, err := NormalizeInterval(alias)
		require.NoError(t, err, alias)
		assert.Equal(t, want, iv, alias)
	}
}

func TestNormalizeInterval_Unknown(t *testing.T) {
	_, err := NormalizeInterval("bogus")
	assert.Error(t, err)
}

func TestNormalizeInterval_Empty(t *testing.T) {
	_, err := NormalizeInterval("  ")
	assert.Error(t, err)
}

func TestSpanMS_SubDaily(t *testing.T) {
	span, err := Interval15m.SpanMS()
	require.NoError(t, err)
	assert.Equal(t, int64(15*60_000), span)
}

func TestSpanMS_Day(t *testing.T) {
	span, err := IntervalDay.SpanMS()
	require.NoError(t, err)
	assert.Equal(t, int64(86_400_000), span)
}

func TestSpanMS_Week(t *testing.T) {
	span, err := IntervalWeek.SpanMS()
	require.NoError(t, err)
	assert.Equal(t, int64(604_800_000), span)
}

func TestSortByOpenTime(t *testing.T) {
	in := []Candle{
		{OpenTimeMS: 300},
		{OpenTimeMS: 100},
		{OpenTimeMS: 200},
	}
	SortByOpenTime(in)
	assert.Equal(t, []int64{100, 200, 300}, openTimes(in))
}

func TestDedupeAdjacent(t *testing.T) {
	in := []Candle{
		{OpenTimeMS: 100},
		{OpenTimeMS: 100},
		{OpenTimeMS: 200},
		{OpenTimeMS: 200},
		{OpenTimeMS: 300},
	}
	out := DedupeAdjacent(in)
	assert.Equal(t, []int64{100, 200, 300}, openTimes(out))
}

func TestDedupeAdjacent_ShortInput(t *testing.T) {
	assert.Empty(t, DedupeAdjacent(nil))
	assert.Len(t, DedupeAdjacent([]Candle{{OpenTimeMS: 1}}), 1)
}

func TestCandleKey(t *testing.T) {
	c := Candle{Symbol: "BTCUSDT", Interval: Interval60m, MarketType: MarketSpot, OpenTimeMS: 123}
	assert.Equal(t, Key{Symbol: "BTCUSDT", Interval: Interval60m, MarketType: MarketSpot, OpenTimeMS: 123}, c.Key())
}

func TestMarketTypeValid(t *testing.T) {
	assert.True(t, MarketSpot.Valid())
	assert.True(t, MarketLinear.Valid())
	assert.False(t, MarketType("futures").Valid())
}

func openTimes(candles []Candle) []int64 {
	out := make([]int64, len(candles))
	for i, c := range candles {
		out[i] = c.OpenTimeMS
	}
	return out
}
