package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/config"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/dbx"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/exchange"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/exchange/bybit"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/fetch"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/gaprepair"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/quality"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/repository"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/service"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/kline/store"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/opsapi"
	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/telemetry"
)

const (
	appName = "klinemirrord"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string
	var marketFlag string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Bybit v5 OHLCV kline mirror",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&marketFlag, "market", "spot", "market type (spot|linear)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mirror's ingestion, repair, monitoring, and ops API services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, marketFlag)
		},
	}

	var initSymbolName string
	var loadHistory bool
	var loadAdjacent bool
	var primaryInterval string
	initSymbolCmd := &cobra.Command{
		Use:   "init-symbol",
		Short: "Register a symbol for tracking and kick off historical backfill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitSymbol(configPath, marketFlag, initSymbolName, primaryInterval, loadHistory, loadAdjacent)
		},
	}
	initSymbolCmd.Flags().StringVar(&initSymbolName, "symbol", "", "symbol to initialize (required)")
	initSymbolCmd.Flags().StringVar(&primaryInterval, "interval", "60", "primary interval")
	initSymbolCmd.Flags().BoolVar(&loadHistory, "load-history", true, "fetch historical backfill")
	initSymbolCmd.Flags().BoolVar(&loadAdjacent, "load-adjacent", true, "pre-warm adjacent intervals")
	initSymbolCmd.MarkFlagRequired("symbol")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print per-pair row counts from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(configPath, marketFlag)
		},
	}

	rootCmd.AddCommand(serveCmd, initSymbolCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

type runtime struct {
	cfg     config.Config
	dbm     *dbx.Manager
	st      *store.Store
	repo    *repository.Repository
	adapter exchange.Adapter
	fetcher *fetch.Fetcher
	gapEng  *gaprepair.Engine
	monitor *quality.Monitor
	svc     *service.Service
	metrics *telemetry.Registry
}

func bootstrap(ctx context.Context, configPath, marketFlag string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	market := candle.MarketType(marketFlag)
	if !market.Valid() {
		return nil, fmt.Errorf("invalid market type %q", marketFlag)
	}

	dbCfg := dbx.DefaultConfig()
	dbCfg.DSN = cfg.PostgresDSN
	dbm, err := dbx.NewManager(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	metrics := telemetry.NewRegistry()

	storeCfg := store.DefaultConfig()
	storeCfg.BatchSize = cfg.BatchSize
	storeCfg.FlushInterval = time.Duration(cfg.BatchFlushMS) * time.Millisecond
	st := store.New(dbm.DB(), storeCfg)
	st.SetMetrics(metrics)
	repo := repository.New(st)

	adapterCfg := exchange.DefaultConfig()
	adapterCfg.MinRequestInterval = time.Duration(cfg.RateLimitMS) * time.Millisecond
	adapterCfg.KlineTimeout = time.Duration(cfg.HTTPTimeoutS) * time.Second
	adapter := bybit.NewAdapter(adapterCfg)
	adapter.SetMetrics(metrics)

	fetcher := fetch.New(adapter, fetch.DefaultConfig())

	gapCfg := gaprepair.DefaultConfig()
	gapCfg.CriticalGapPct = cfg.CriticalGapPct
	gapCfg.ZThreshold = cfg.ZThreshold
	gapEng := gaprepair.New(st, fetcher, gapCfg)
	gapEng.SetMetrics(metrics)

	svc := service.New(repo, st, adapter, fetcher, gapEng, cfg, market)

	qualityCfg := quality.DefaultConfig()
	qualityCfg.Period = time.Duration(cfg.MonitorPeriodS) * time.Second
	qualityCfg.CompletenessThreshold = cfg.CompletenessThresh
	monitor := quality.New(st, gapEng, svc, qualityCfg)
	monitor.SetMetrics(metrics)
	svc.SetMonitor(monitor)

	return &runtime{
		cfg: cfg, dbm: dbm, st: st, repo: repo, adapter: adapter,
		fetcher: fetcher, gapEng: gapEng, monitor: monitor, svc: svc, metrics: metrics,
	}, nil
}

func runServe(configPath, marketFlag string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap(ctx, configPath, marketFlag)
	if err != nil {
		return err
	}
	defer rt.dbm.Close()
	defer rt.st.Stop()

	monitorCtx, monitorCancel := context.WithCancel(ctx)
	defer monitorCancel()
	go rt.monitor.Run(monitorCtx)

	rt.svc.StartUpdateService(rt.cfg.MonitorPeriodS)
	defer rt.svc.StopUpdateService()

	opsCfg := opsapi.DefaultConfig()
	opsCfg.Host = rt.cfg.OpsAPI.Host
	opsCfg.Port = rt.cfg.OpsAPI.Port
	opsSrv, err := opsapi.New(opsCfg, rt.svc, rt.metrics)
	if err != nil {
		return fmt.Errorf("start ops api: %w", err)
	}

	go func() {
		if err := opsSrv.Start(); err != nil {
			log.Error().Err(err).Msg("ops api server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return opsSrv.Shutdown(shutdownCtx)
}

func runInitSymbol(configPath, marketFlag, symbol, primaryInterval string, loadHistory, loadAdjacent bool) error {
	ctx := context.Background()
	rt, err := bootstrap(ctx, configPath, marketFlag)
	if err != nil {
		return err
	}
	defer rt.dbm.Close()
	defer rt.st.Stop()

	iv, err := candle.NormalizeInterval(primaryInterval)
	if err != nil {
		return err
	}
	status, err := rt.svc.InitializeSymbol(ctx, symbol, iv, loadHistory, loadAdjacent)
	if err != nil {
		return err
	}
	for interval, cov := range status.Intervals {
		log.Info().Str("symbol", symbol).Str("interval", string(interval)).
			Int64("count", cov.Count).Bool("empty", cov.Empty).Msg("interval prepared")
	}
	return nil
}

func runStatus(configPath, marketFlag string) error {
	ctx := context.Background()
	rt, err := bootstrap(ctx, configPath, marketFlag)
	if err != nil {
		return err
	}
	defer rt.dbm.Close()
	defer rt.st.Stop()

	summary, err := rt.repo.Summary(ctx)
	if err != nil {
		return err
	}
	for _, row := range summary {
		fmt.Printf("%s %s %s count=%d\n", row.Symbol, row.Interval, row.MarketType, row.Count)
	}
	return nil
}
