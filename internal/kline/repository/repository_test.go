package repository

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/store"
)

var candleColumns = []string{
	"symbol", "interval", "market_type", "open_time", "open_time_dt",
	"open", "high", "low", "close", "volume", "turnover", "raw_json", "inserted_at",
}

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	cfg := store.DefaultConfig()
	cfg.FlushInterval = time.Hour
	cfg.ShutdownGrace = time.Second
	st := store.New(sqlx.NewDb(db, "postgres"), cfg)
	t.Cleanup(st.Stop)

	return New(st), mock
}

func candleRow(openTimeMS int64, close float64) []driver.Value {
	return []driver.Value{
		"BTCUSDT", "60", "spot", openTimeMS, nil,
		close, close + 1, close - 1, close, 10.0, nil, nil, time.Now(),
	}
}

func TestLastN_SortedAscending(t *testing.T) {
	repo, mock := newMockRepo(t)

	// The store reads newest-first; the facade must hand back ascending.
	rows := sqlmock.NewRows(candleColumns)
	rows.AddRow(candleRow(180_000, 102)...)
	rows.AddRow(candleRow(120_000, 101)...)
	rows.AddRow(candleRow(60_000, 100)...)
	mock.ExpectQuery("SELECT symbol").WillReturnRows(rows)

	got, err := repo.LastN(context.Background(), "BTCUSDT", candle.Interval60m, candle.MarketSpot, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(60_000), got[0].OpenTimeMS)
	assert.Equal(t, int64(180_000), got[2].OpenTimeMS)
	assert.Equal(t, candle.Interval60m, got[0].Interval)
	assert.Equal(t, candle.MarketSpot, got[0].MarketType)
}

func TestLastNBefore_WrapsQueryError(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT symbol").WillReturnError(assert.AnError)

	_, err := repo.LastNBefore(context.Background(), "BTCUSDT", candle.Interval60m, candle.MarketSpot, 10, 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository.LastNBefore")
}

func TestCoverage(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT MIN").WillReturnRows(
		sqlmock.NewRows([]string{"min", "max", "count"}).AddRow(60_000, 180_000, 3))

	cov, err := repo.Coverage(context.Background(), "BTCUSDT", candle.Interval60m, candle.MarketSpot)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), cov.OldestMS)
	assert.Equal(t, int64(180_000), cov.NewestMS)
	assert.Equal(t, int64(3), cov.Count)
	assert.False(t, cov.Empty)
}

func TestSummary(t *testing.T) {
	repo, mock := newMockRepo(t)
	rows := sqlmock.NewRows([]string{"symbol", "interval", "market_type", "count"}).
		AddRow("BTCUSDT", "60", "spot", 100).
		AddRow("ETHUSDT", "15", "linear", 50)
	mock.ExpectQuery("SELECT symbol").WillReturnRows(rows)

	got, err := repo.Summary(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, int64(100), got[0].Count)
	assert.Equal(t, candle.MarketLinear, got[1].MarketType)
}
