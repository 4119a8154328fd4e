package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/exchange"
)

func testConfig(baseURL string) exchange.Config {
	cfg := exchange.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.MinRequestInterval = time.Millisecond
	cfg.MaxRetries = 0
	return cfg
}

func v5Envelope(rows [][]interface{}) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"result": map[string]interface{}{"list": rows},
	})
	return body
}

func TestGetKlines_V5Decode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/kline" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		// v5 returns newest-first; the adapter must sort ascending.
		w.Write(v5Envelope([][]interface{}{
			{"120000", "101", "102", "100", "101.5", "11", "1100"},
			{"60000", "100", "101", "99", "101", "10", "1000"},
		}))
	}))
	defer srv.Close()

	a := NewAdapter(testConfig(srv.URL))
	rows, err := a.GetKlines(context.Background(), "BTCUSDT", candle.Interval1m, 2, candle.MarketSpot)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(60_000), rows[0].OpenTimeMS)
	assert.Equal(t, int64(120_000), rows[1].OpenTimeMS)
	assert.Equal(t, 100.0, rows[0].Open)
	assert.Equal(t, 101.0, rows[0].Close)
	require.NotNil(t, rows[0].Turnover)
	assert.Equal(t, 1000.0, *rows[0].Turnover)
	assert.NotEmpty(t, rows[0].Raw)
	require.NotNil(t, rows[0].OpenTimeDT)
	assert.Equal(t, time.UnixMilli(60_000).UTC(), *rows[0].OpenTimeDT)
}

func TestGetKlinesBefore_AllCandidatesEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/kline" {
			w.Write(v5Envelope(nil))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	a := NewAdapter(testConfig(srv.URL))
	rows, err := a.GetKlinesBefore(context.Background(), "BTCUSDT", candle.Interval1m, 0, 10, candle.MarketSpot)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestGetKlinesBefore_FallsBackToLegacyLinear(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/kline":
			w.Write(v5Envelope(nil))
		case "/spot/quote/v1/kline":
			http.NotFound(w, r)
		case "/public/linear/kline":
			body, _ := json.Marshal([][]interface{}{
				{float64(60_000), "100", "101", "99", "100.5", "10"},
			})
			w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewAdapter(testConfig(srv.URL))
	rows, err := a.GetKlinesBefore(context.Background(), "BTCUSDT", candle.Interval1m, 0, 10, candle.MarketLinear)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 100.5, rows[0].Close)
}

func TestSymbolCandidates(t *testing.T) {
	a := NewAdapter(testConfig("http://unused"))

	assert.Equal(t, []string{"BTCUSDT"}, a.symbolCandidates("BTCUSDT"))
	assert.Equal(t, []string{"btc", "BTC", "BTCUSDT"}, a.symbolCandidates("btc"))
	assert.Equal(t, []string{"ETHUSD"}, a.symbolCandidates("ETHUSD"))
	assert.Equal(t, []string{"solusdc", "SOLUSDC"}, a.symbolCandidates("solusdc"))
}

func TestDecodeOne_MapShape(t *testing.T) {
	row := rawRow{m: map[string]interface{}{
		"startTime": "60000",
		"openPrice": "100", "highPrice": "101", "lowPrice": "99", "closePrice": "100.5",
		"volume": "12", "quoteVolume": "1200",
	}}
	c, ok := decodeOne(row, "BTCUSDT", candle.Interval1m, candle.MarketSpot)
	require.True(t, ok)
	assert.Equal(t, int64(60_000), c.OpenTimeMS)
	assert.Equal(t, 100.5, c.Close)
	require.NotNil(t, c.Turnover)
	assert.Equal(t, 1200.0, *c.Turnover)
}

func TestDecodeOne_MissingOpenTimeRejected(t *testing.T) {
	_, ok := decodeOne(rawRow{m: map[string]interface{}{"open": "1"}}, "X", candle.Interval1m, candle.MarketSpot)
	assert.False(t, ok)

	_, ok = decodeOne(rawRow{list: []interface{}{"60000", "1"}}, "X", candle.Interval1m, candle.MarketSpot)
	assert.False(t, ok)
}

func TestToInt64(t *testing.T) {
	v, ok := toInt64("60000")
	assert.True(t, ok)
	assert.Equal(t, int64(60_000), v)

	v, ok = toInt64(float64(42))
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	_, ok = toInt64(nil)
	assert.False(t, ok)
	_, ok = toInt64("not a number")
	assert.False(t, ok)
}

func TestToFloat(t *testing.T) {
	assert.Equal(t, 1.5, toFloat("1.5"))
	assert.Equal(t, 2.0, toFloat(float64(2)))
	assert.Zero(t, toFloat(nil))
	assert.Zero(t, toFloat("garbage"))
}

func TestParseLegacySpotBody_BothShapes(t *testing.T) {
	rows, err := parseLegacySpotBody([]byte(`[{"t": 60000, "o": "1"}]`))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = parseLegacySpotBody([]byte(`{"result": [{"t": 60000, "o": "1"}]}`))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = parseLegacySpotBody([]byte(`not json`))
	assert.Error(t, err)
}

func TestValidateSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/instruments-info" {
			http.NotFound(w, r)
			return
		}
		body, _ := json.Marshal(map[string]interface{}{
			"result": map[string]interface{}{
				"list": []map[string]string{
					{"symbol": "BTCUSDT", "status": "Trading"},
					{"symbol": "OLDUSDT", "status": "Delisted"},
				},
			},
		})
		w.Write(body)
	}))
	defer srv.Close()

	a := NewAdapter(testConfig(srv.URL))
	ctx := context.Background()

	canonical, err := a.ValidateSymbol(ctx, "btc", candle.MarketSpot)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", canonical)

	_, err = a.ValidateSymbol(ctx, "OLDUSDT", candle.MarketSpot)
	assert.ErrorIs(t, err, exchange.ErrUnknownSymbol)

	_, err = a.ValidateSymbol(ctx, "NOPEUSDT", candle.MarketSpot)
	assert.ErrorIs(t, err, exchange.ErrUnknownSymbol)
}

func TestGetSymbolsList_CachesWithinTTL(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		body, _ := json.Marshal(map[string]interface{}{
			"result": map[string]interface{}{
				"list": []map[string]string{{"symbol": "BTCUSDT", "status": "Trading"}},
			},
		})
		w.Write(body)
	}))
	defer srv.Close()

	a := NewAdapter(testConfig(srv.URL))
	ctx := context.Background()

	first, err := a.GetSymbolsList(ctx, candle.MarketSpot, true)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := a.GetSymbolsList(ctx, candle.MarketSpot, true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, hits)
}
