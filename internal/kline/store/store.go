// Package store implements the Kline Store: idempotent batched
// persistence of Candle rows keyed by (symbol, interval, market_type,
// open_time), with a single writer goroutine owning the DB handle and
// arbitrary concurrent readers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/telemetry"
)

// ErrQueueFull is returned by Queue when the ingest channel is at
// capacity: QueueCapacity (default 10,000) batches, one per Queue call,
// whatever their row counts. Rows the writer has already taken into its
// buffer do not count against it.
var ErrQueueFull = errors.New("store: queue full")

// ErrQueueClosed is returned by Queue after Stop has been called.
var ErrQueueClosed = errors.New("store: queue closed")

// Config parameterizes the writer.
type Config struct {
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
	ShutdownGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity: 10_000,
		BatchSize:     100,
		FlushInterval: time.Second,
		ShutdownGrace: 10 * time.Second,
	}
}

// Coverage is the (oldest, newest, count) tuple for a (symbol, interval,
// market) series.
type Coverage struct {
	OldestMS int64
	NewestMS int64
	Count    int64
	Empty    bool
}

type batchItem struct {
	candles []candle.Candle
}

// Store owns the persistent table and the single writer goroutine.
type Store struct {
	db  *sqlx.DB
	cfg Config
	log zerolog.Logger

	queue chan batchItem

	mu       sync.Mutex
	closed   bool
	closeErr error

	wg sync.WaitGroup

	// Mutated only by the writer goroutine in flush(); read from any
	// goroutine via Stats(), hence atomic rather than plain int64.
	errCount    atomic.Int64
	rowsWritten atomic.Int64
	flushCount  atomic.Int64

	lastFlushErr error
	lastFlushMu  sync.RWMutex

	metrics *telemetry.Registry
}

// SetMetrics attaches a metrics registry. Optional; flush and queue depth
// observations become no-ops until this is called.
func (s *Store) SetMetrics(r *telemetry.Registry) {
	s.metrics = r
}

// New creates a Store and starts its writer goroutine.
func New(db *sqlx.DB, cfg Config) *Store {
	s := &Store{
		db:    db,
		cfg:   cfg,
		log:   log.With().Str("component", "kline_store").Logger(),
		queue: make(chan batchItem, cfg.QueueCapacity),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Queue enqueues candles for write; non-blocking. Returns the count
// accepted, or an error on overflow or after Stop.
func (s *Store) Queue(candles []candle.Candle) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrQueueClosed
	}
	if len(candles) == 0 {
		return 0, nil
	}
	select {
	case s.queue <- batchItem{candles: candles}:
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(len(s.queue)))
		}
		return len(candles), nil
	default:
		return 0, ErrQueueFull
	}
}

// run is the single writer goroutine: drains the queue into a local
// buffer and flushes on size-or-timer, the way a dedicated storage
// owner always does in this codebase family.
func (s *Store) run() {
	defer s.wg.Done()

	var buf []candle.Candle
	timer := time.NewTimer(s.cfg.FlushInterval)
	defer timer.Stop()
	timerArmed := false

	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := s.flush(buf); err != nil {
			s.setLastFlushErr(err)
			s.log.Error().Err(err).Int("rows", len(buf)).Msg("flush failed")
		}
		buf = buf[:0]
		if timerArmed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerArmed = false
		}
	}

	for {
		select {
		case item, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			if len(buf) == 0 {
				timer.Reset(s.cfg.FlushInterval)
				timerArmed = true
			}
			buf = append(buf, item.candles...)
			if len(buf) >= s.cfg.BatchSize {
				flush()
			}
		case <-timer.C:
			timerArmed = false
			flush()
		}
	}
}

func (s *Store) setLastFlushErr(err error) {
	s.lastFlushMu.Lock()
	s.lastFlushErr = err
	s.lastFlushMu.Unlock()
}

// flush performs an insert-or-update on key for every buffered row in a
// single transaction. Per-row errors are logged and counted but never
// abort the batch; successful rows still commit.
func (s *Store) flush(candles []candle.Candle) error {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.FlushLatency.Observe(time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		if s.metrics != nil {
			s.metrics.FlushErrors.Inc()
		}
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO kline_audit
			(symbol, interval, market_type, open_time, open_time_dt, open, high, low, close, volume, turnover, raw_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol, interval, market_type, open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			turnover = EXCLUDED.turnover,
			raw_json = EXCLUDED.raw_json,
			inserted_at = now()`)
	if err != nil {
		if s.metrics != nil {
			s.metrics.FlushErrors.Inc()
		}
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	rowsOK := 0
	for _, c := range candles {
		var rawJSON interface{}
		if len(c.Raw) > 0 {
			rawJSON = []byte(c.Raw)
		}
		_, err := stmt.ExecContext(ctx, c.Symbol, string(c.Interval), string(c.MarketType),
			c.OpenTimeMS, c.OpenTimeDT, c.Open, c.High, c.Low, c.Close, c.Volume, c.Turnover, rawJSON)
		if err != nil {
			s.errCount.Add(1)
			s.log.Warn().Err(err).Str("symbol", c.Symbol).Int64("open_time", c.OpenTimeMS).Msg("row insert failed")
			continue
		}
		rowsOK++
	}

	if err := tx.Commit(); err != nil {
		if s.metrics != nil {
			s.metrics.FlushErrors.Inc()
		}
		return fmt.Errorf("commit: %w", err)
	}
	s.rowsWritten.Add(int64(rowsOK))
	s.flushCount.Add(1)
	if s.metrics != nil {
		s.metrics.RowsWritten.Add(float64(rowsOK))
		s.metrics.QueueDepth.Set(float64(len(s.queue)))
	}
	return nil
}

// GetRange is a synchronous read, oldest-first, up to limit rows whose
// open_time < endTimeMS (or "now" when 0).
func (s *Store) GetRange(ctx context.Context, symbol string, interval candle.Interval, market candle.MarketType, limit int, endTimeMS int64) ([]candle.Candle, error) {
	if endTimeMS <= 0 {
		endTimeMS = time.Now().UnixMilli()
	}
	query := `
		SELECT symbol, interval, market_type, open_time, open_time_dt, open, high, low, close, volume, turnover, raw_json, inserted_at
		FROM kline_audit
		WHERE symbol = $1 AND interval = $2 AND market_type = $3 AND open_time < $4
		ORDER BY open_time DESC
		LIMIT $5`
	rows, err := s.db.QueryxContext(ctx, query, symbol, string(interval), string(market), endTimeMS, limit)
	if err != nil {
		return nil, fmt.Errorf("get_range query: %w", err)
	}
	defer rows.Close()

	out, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	candle.SortByOpenTime(out)
	return out, nil
}

func scanCandles(rows *sqlx.Rows) ([]candle.Candle, error) {
	var out []candle.Candle
	for rows.Next() {
		var c candle.Candle
		var intervalStr, marketStr string
		var rawJSON []byte
		if err := rows.Scan(&c.Symbol, &intervalStr, &marketStr, &c.OpenTimeMS, &c.OpenTimeDT,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Turnover, &rawJSON, &c.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		c.Interval = candle.Interval(intervalStr)
		c.MarketType = candle.MarketType(marketStr)
		c.Raw = rawJSON
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// GetCoverage returns the (oldest, newest, count) tuple for a key.
func (s *Store) GetCoverage(ctx context.Context, symbol string, interval candle.Interval, market candle.MarketType) (Coverage, error) {
	query := `
		SELECT MIN(open_time), MAX(open_time), COUNT(*)
		FROM kline_audit
		WHERE symbol = $1 AND interval = $2 AND market_type = $3`
	var oldest, newest sql.NullInt64
	var count int64
	if err := s.db.QueryRowxContext(ctx, query, symbol, string(interval), string(market)).Scan(&oldest, &newest, &count); err != nil {
		return Coverage{}, fmt.Errorf("get_coverage: %w", err)
	}
	if count == 0 {
		return Coverage{Empty: true}, nil
	}
	return Coverage{OldestMS: oldest.Int64, NewestMS: newest.Int64, Count: count}, nil
}

// SummaryRow is one line of Summary's diagnostic output.
type SummaryRow struct {
	Symbol     string
	Interval   candle.Interval
	MarketType candle.MarketType
	Count      int64
}

// Summary returns aggregate row counts per (symbol, interval, market)
// for diagnostics.
func (s *Store) Summary(ctx context.Context) ([]SummaryRow, error) {
	query := `
		SELECT symbol, interval, market_type, COUNT(*)
		FROM kline_audit
		GROUP BY symbol, interval, market_type
		ORDER BY symbol, interval, market_type`
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		var intervalStr, marketStr string
		if err := rows.Scan(&r.Symbol, &intervalStr, &marketStr, &r.Count); err != nil {
			return nil, fmt.Errorf("summary scan: %w", err)
		}
		r.Interval = candle.Interval(intervalStr)
		r.MarketType = candle.MarketType(marketStr)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Interval < out[j].Interval
	})
	return out, nil
}

// DeleteBefore deletes all rows for (symbol, interval, market) with
// open_time strictly less than cutoffMS. Used by retention enforcement.
func (s *Store) DeleteBefore(ctx context.Context, symbol string, interval candle.Interval, market candle.MarketType, cutoffMS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kline_audit WHERE symbol = $1 AND interval = $2 AND market_type = $3 AND open_time < $4`,
		symbol, string(interval), string(market), cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("delete_before: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteGlobalBefore deletes every row across all keys older than
// cutoffMS, used for the pre-GLOBAL_MIN_DATE wholesale sweep.
func (s *Store) DeleteGlobalBefore(ctx context.Context, cutoffMS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kline_audit WHERE open_time < $1`, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("delete_global_before: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats exposes writer counters for telemetry/ops.
type Stats struct {
	RowsWritten int64
	ErrorCount  int64
	FlushCount  int64
	LastError   string
}

func (s *Store) Stats() Stats {
	s.lastFlushMu.RLock()
	lastErr := s.lastFlushErr
	s.lastFlushMu.RUnlock()
	st := Stats{
		RowsWritten: s.rowsWritten.Load(),
		ErrorCount:  s.errCount.Load(),
		FlushCount:  s.flushCount.Load(),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}

// Stop closes the ingest channel and waits bounded-time for the writer
// to drain; any rows still buffered are flushed before return. Further
// Queue calls after Stop fail deterministically with ErrQueueClosed.
func (s *Store) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn().Msg("writer did not drain within shutdown grace; unflushed rows may be dropped")
	}
}
