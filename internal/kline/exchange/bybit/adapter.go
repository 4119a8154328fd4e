// Package bybit implements the Exchange Adapter contract against the
// Bybit v5 market-data REST surface, with cascading fallback to legacy
// endpoint shapes when v5 yields nothing.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/exchange"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/ratelimit"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/telemetry"
)

const v5Base = "https://api.bybit.com"

// candidate is one endpoint variant the adapter tries in order for a
// kline request. Each carries its own circuit breaker so a permanently
// dead legacy path doesn't throttle the primary one.
type candidate struct {
	name    string
	build   func(a *Adapter, symbol string, interval candle.Interval, market candle.MarketType, limit int, endMS int64) (string, error)
	parse   func(body []byte) ([]rawRow, error)
	breaker *gobreaker.CircuitBreaker
}

// rawRow is a normalized view over either list- or map-shaped source
// rows, prior to Candle decoding.
type rawRow struct {
	list []interface{}
	m    map[string]interface{}
}

// Adapter is the Bybit v5 Exchange Adapter.
type Adapter struct {
	cfg        exchange.Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	backoff    ratelimit.BackoffConfig
	candidates []candidate
	log        zerolog.Logger

	mu          sync.RWMutex
	instruments map[candle.MarketType]instrumentCacheEntry

	metrics *telemetry.Registry
}

// SetMetrics attaches a metrics registry. Optional; request/error
// counters become no-ops until this is called.
func (a *Adapter) SetMetrics(r *telemetry.Registry) {
	a.metrics = r
}

type instrumentCacheEntry struct {
	fetchedAt time.Time
	list      []exchange.Instrument
	inFlight  bool
}

// NewAdapter builds a Bybit adapter with one circuit breaker per
// endpoint candidate.
func NewAdapter(cfg exchange.Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = v5Base
	}
	a := &Adapter{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.InstrumentTimeout},
		limiter:     ratelimit.NewLimiter(cfg.MinRequestInterval),
		backoff:     ratelimit.DefaultBackoffConfig(),
		log:         log.With().Str("component", "bybit_adapter").Logger(),
		instruments: make(map[candle.MarketType]instrumentCacheEntry),
	}
	a.candidates = []candidate{
		{name: "v5_market_kline", build: buildV5KlineURL, parse: parseV5Body, breaker: newBreaker("v5_market_kline")},
		{name: "legacy_spot_quote", build: buildLegacySpotURL, parse: parseLegacySpotBody, breaker: newBreaker("legacy_spot_quote")},
		{name: "legacy_linear_kline", build: buildLegacyLinearURL, parse: parseLegacyLinearBody, breaker: newBreaker("legacy_linear_kline")},
	}
	return a
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5)
		},
	})
}

func (a *Adapter) Name() string { return "bybit" }

// GetKlines returns up to limit candles ending at "now".
func (a *Adapter) GetKlines(ctx context.Context, symbol string, interval candle.Interval, limit int, market candle.MarketType) ([]candle.Candle, error) {
	return a.GetKlinesBefore(ctx, symbol, interval, 0, limit, market)
}

// GetKlinesBefore returns up to limit candles with open_time <
// endTimeMS (0 meaning "now"), trying each endpoint candidate in order
// until one yields non-empty data.
func (a *Adapter) GetKlinesBefore(ctx context.Context, symbol string, interval candle.Interval, endTimeMS int64, limit int, market candle.MarketType) ([]candle.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	symbols := a.symbolCandidates(symbol)

	for _, cand := range a.candidates {
		for _, sym := range symbols {
			rows, status, err := a.tryCandidate(ctx, cand, sym, interval, market, limit, endTimeMS)
			if err != nil {
				if a.metrics != nil {
					a.metrics.AdapterRequests.WithLabelValues(cand.name, "error").Inc()
					a.metrics.AdapterErrors.WithLabelValues(cand.name).Inc()
				}
				a.log.Debug().Str("candidate", cand.name).Str("symbol", sym).Int("status", status).Err(err).Msg("candidate failed")
				continue
			}
			if a.metrics != nil {
				a.metrics.AdapterRequests.WithLabelValues(cand.name, "ok").Inc()
			}
			if len(rows) == 0 {
				continue
			}
			candles, decErr := decodeRows(rows, sym, interval, market)
			if decErr != nil {
				a.log.Warn().Err(decErr).Msg("row decode error")
			}
			if len(candles) > 0 {
				candle.SortByOpenTime(candles)
				return candles, nil
			}
		}
	}
	return nil, nil
}

func (a *Adapter) tryCandidate(ctx context.Context, cand candidate, symbol string, interval candle.Interval, market candle.MarketType, limit int, endMS int64) ([]rawRow, int, error) {
	url, err := cand.build(a, symbol, interval, market, limit, endMS)
	if err != nil {
		return nil, 0, err
	}

	var lastStatus int
	var lastErr error

	for attempt := 1; attempt <= a.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			time.Sleep(ratelimit.Backoff(a.backoff, attempt-1))
		}
		if err := a.limiter.Wait(ctx, a.cfg.BaseURL); err != nil {
			return nil, lastStatus, err
		}

		result, err := cand.breaker.Execute(func() (interface{}, error) {
			return a.fetch(ctx, url)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState {
				return nil, lastStatus, fmt.Errorf("circuit open for %s: %w", cand.name, err)
			}
			lastErr = err
			continue
		}
		resp := result.(fetchResult)
		lastStatus = resp.status
		if resp.status >= 400 && resp.status < 500 {
			return nil, resp.status, fmt.Errorf("non-retryable status %d", resp.status)
		}
		if resp.status >= 500 {
			lastErr = fmt.Errorf("retryable status %d", resp.status)
			continue
		}
		rows, err := cand.parse(resp.body)
		if err != nil {
			return nil, resp.status, err
		}
		return rows, resp.status, nil
	}
	return nil, lastStatus, lastErr
}

type fetchResult struct {
	status int
	body   []byte
}

func (a *Adapter) fetch(ctx context.Context, url string) (fetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.KlineTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetchResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fetchResult{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchResult{}, err
	}
	return fetchResult{status: resp.StatusCode, body: body}, nil
}

// symbolCandidates expands a caller-supplied symbol into the forms the
// venue might recognize: as-is, uppercased, and uppercased+USDT when no
// quote suffix is present.
func (a *Adapter) symbolCandidates(symbol string) []string {
	upper := strings.ToUpper(symbol)
	out := []string{symbol}
	if upper != symbol {
		out = append(out, upper)
	}
	if !strings.HasSuffix(upper, "USDT") && !strings.HasSuffix(upper, "USD") && !strings.HasSuffix(upper, "USDC") {
		out = append(out, upper+"USDT")
	}
	return out
}

func categoryOf(m candle.MarketType) string {
	if m == candle.MarketLinear {
		return "linear"
	}
	return "spot"
}

func buildV5KlineURL(a *Adapter, symbol string, interval candle.Interval, market candle.MarketType, limit int, endMS int64) (string, error) {
	u := fmt.Sprintf("%s/v5/market/kline?category=%s&symbol=%s&interval=%s&limit=%d",
		a.cfg.BaseURL, categoryOf(market), symbol, interval, limit)
	if endMS > 0 {
		u += fmt.Sprintf("&end=%d", endMS)
	}
	return u, nil
}

func buildLegacySpotURL(a *Adapter, symbol string, interval candle.Interval, market candle.MarketType, limit int, endMS int64) (string, error) {
	u := fmt.Sprintf("%s/spot/quote/v1/kline?symbol=%s&interval=%s&limit=%d", a.cfg.BaseURL, symbol, interval, limit)
	if endMS > 0 {
		u += fmt.Sprintf("&endTime=%d", endMS)
	}
	return u, nil
}

func buildLegacyLinearURL(a *Adapter, symbol string, interval candle.Interval, market candle.MarketType, limit int, endMS int64) (string, error) {
	u := fmt.Sprintf("%s/public/linear/kline?symbol=%s&interval=%s&limit=%d", a.cfg.BaseURL, symbol, interval, limit)
	if endMS > 0 {
		u += fmt.Sprintf("&from=%d", endMS/1000)
	}
	return u, nil
}

// parseV5Body accepts the v5 envelope: {"result":{"list":[[...],...]}}.
func parseV5Body(body []byte) ([]rawRow, error) {
	var envelope struct {
		Result struct {
			List [][]interface{} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("v5 envelope decode: %w", err)
	}
	rows := make([]rawRow, 0, len(envelope.Result.List))
	for _, r := range envelope.Result.List {
		rows = append(rows, rawRow{list: r})
	}
	return rows, nil
}

// parseLegacySpotBody accepts a bare top-level list of map-shaped rows.
func parseLegacySpotBody(body []byte) ([]rawRow, error) {
	var list []map[string]interface{}
	if err := json.Unmarshal(body, &list); err == nil {
		rows := make([]rawRow, 0, len(list))
		for _, m := range list {
			rows = append(rows, rawRow{m: m})
		}
		return rows, nil
	}
	// fall back to a {"result": [...]} envelope holding the row list
	var envelope struct {
		Result []map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("legacy spot decode: %w", err)
	}
	rows := make([]rawRow, 0, len(envelope.Result))
	for _, m := range envelope.Result {
		rows = append(rows, rawRow{m: m})
	}
	return rows, nil
}

// parseLegacyLinearBody accepts a bare top-level list of list-shaped rows.
func parseLegacyLinearBody(body []byte) ([]rawRow, error) {
	var list [][]interface{}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("legacy linear decode: %w", err)
	}
	rows := make([]rawRow, 0, len(list))
	for _, r := range list {
		rows = append(rows, rawRow{list: r})
	}
	return rows, nil
}

// decodeRows normalizes both list- and map-shaped rows into Candle,
// preserving the entire source row verbatim in Raw. Unparseable price,
// volume and turnover fields decode as 0; a row whose open time is
// missing or unparseable, or a list row with fewer than 6 fields, is
// skipped.
func decodeRows(rows []rawRow, symbol string, interval candle.Interval, market candle.MarketType) ([]candle.Candle, error) {
	out := make([]candle.Candle, 0, len(rows))
	for _, r := range rows {
		c, ok := decodeOne(r, symbol, interval, market)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeOne(r rawRow, symbol string, interval candle.Interval, market candle.MarketType) (candle.Candle, bool) {
	var raw interface{}
	var openTime int64
	var open, high, low, close, volume float64
	var turnover *float64
	var ok bool

	if r.list != nil {
		raw = r.list
		if len(r.list) < 6 {
			return candle.Candle{}, false
		}
		openTime, ok = toInt64(r.list[0])
		if !ok {
			return candle.Candle{}, false
		}
		open = toFloat(r.list[1])
		high = toFloat(r.list[2])
		low = toFloat(r.list[3])
		close = toFloat(r.list[4])
		volume = toFloat(r.list[5])
		if len(r.list) > 6 {
			t := toFloat(r.list[6])
			turnover = &t
		}
	} else {
		raw = r.m
		openTime, ok = toInt64(firstOf(r.m, "start", "startTime", "t"))
		if !ok {
			return candle.Candle{}, false
		}
		open = toFloat(firstOf(r.m, "open", "openPrice", "o"))
		high = toFloat(firstOf(r.m, "high", "highPrice", "h"))
		low = toFloat(firstOf(r.m, "low", "lowPrice", "l"))
		close = toFloat(firstOf(r.m, "close", "closePrice", "c"))
		volume = toFloat(firstOf(r.m, "volume", "vol", "v"))
		if tv := firstOf(r.m, "turnover", "quoteVolume"); tv != nil {
			t := toFloat(tv)
			turnover = &t
		}
	}

	rawJSON, err := json.Marshal(raw)
	if err != nil {
		rawJSON = nil
	}
	openDT := time.UnixMilli(openTime).UTC()

	return candle.Candle{
		Symbol:     symbol,
		Interval:   interval,
		MarketType: market,
		OpenTimeMS: openTime,
		OpenTimeDT: &openDT,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      close,
		Volume:     volume,
		Turnover:   turnover,
		Raw:        rawJSON,
	}, true
}

func firstOf(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// GetSymbolsList returns the tradable instruments for a category, using
// a single-flight TTL cache so concurrent callers don't stampede the
// venue.
func (a *Adapter) GetSymbolsList(ctx context.Context, market candle.MarketType, tradingOnly bool) ([]exchange.Instrument, error) {
	a.mu.RLock()
	entry, ok := a.instruments[market]
	a.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < a.cfg.InstrumentCacheTTL {
		return filterTrading(entry.list, tradingOnly), nil
	}

	a.mu.Lock()
	if entry, ok := a.instruments[market]; ok && entry.inFlight {
		a.mu.Unlock()
		return filterTrading(entry.list, tradingOnly), nil
	}
	a.instruments[market] = instrumentCacheEntry{fetchedAt: entry.fetchedAt, list: entry.list, inFlight: true}
	a.mu.Unlock()

	list, err := a.fetchInstruments(ctx, market)

	a.mu.Lock()
	if err != nil {
		// refresh failure: retain any prior entries, just clear in-flight
		prev := a.instruments[market]
		a.instruments[market] = instrumentCacheEntry{fetchedAt: prev.fetchedAt, list: prev.list}
		a.mu.Unlock()
		a.log.Warn().Err(err).Str("market", string(market)).Msg("instrument cache refresh failed")
		return filterTrading(entry.list, tradingOnly), nil
	}
	a.instruments[market] = instrumentCacheEntry{fetchedAt: time.Now(), list: list}
	a.mu.Unlock()

	return filterTrading(list, tradingOnly), nil
}

func filterTrading(list []exchange.Instrument, tradingOnly bool) []exchange.Instrument {
	if !tradingOnly {
		return list
	}
	out := make([]exchange.Instrument, 0, len(list))
	for _, ins := range list {
		if ins.Status == "Trading" {
			out = append(out, ins)
		}
	}
	return out
}

func (a *Adapter) fetchInstruments(ctx context.Context, market candle.MarketType) ([]exchange.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.InstrumentTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/v5/market/instruments-info?category=%s", a.cfg.BaseURL, categoryOf(market))
	resp, err := a.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("instruments-info status %d", resp.status)
	}
	var envelope struct {
		Result struct {
			List []struct {
				Symbol string `json:"symbol"`
				Status string `json:"status"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.body, &envelope); err != nil {
		return nil, fmt.Errorf("instruments-info decode: %w", err)
	}
	out := make([]exchange.Instrument, 0, len(envelope.Result.List))
	for _, item := range envelope.Result.List {
		out = append(out, exchange.Instrument{Symbol: item.Symbol, MarketType: market, Status: item.Status})
	}
	return out, nil
}

// ValidateSymbol returns the canonical venue symbol or ErrUnknownSymbol.
func (a *Adapter) ValidateSymbol(ctx context.Context, symbol string, market candle.MarketType) (string, error) {
	instruments, err := a.GetSymbolsList(ctx, market, false)
	if err != nil {
		return "", err
	}
	for _, cand := range a.symbolCandidates(symbol) {
		for _, ins := range instruments {
			if ins.Symbol == cand {
				if ins.Status != "Trading" {
					return "", fmt.Errorf("%w: %s is %s", exchange.ErrUnknownSymbol, cand, ins.Status)
				}
				return ins.Symbol, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
}
