package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"

	"github.com/oficcejo/stock-ma30/internal/analyzer"
	"github.com/oficcejo/stock-ma30/internal/collector"
	"github.com/oficcejo/stock-ma30/internal/config"
	"github.com/oficcejo/stock-ma30/internal/history"
	"github.com/oficcejo/stock-ma30/internal/notifier"
	"github.com/oficcejo/stock-ma30/internal/portfolio"
	"github.com/oficcejo/stock-ma30/internal/scanner"
	"github.com/oficcejo/stock-ma30/internal/scheduler"
)

func setupLogger(level string, forceJSON bool) {
	log.DefaultLogger = log.Logger{
		Level:      log.ParseLevel(level),
		Caller:     1,
		TimeFormat: "2006-01-02 15:04:05",
		Writer:     &log.IOWriter{Writer: os.Stderr},
	}
	if !forceJSON && log.IsTerminal(os.Stderr.Fd()) {
		log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true}
	}
}

func main() {
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config validation")
	}
	setupLogger(cfg.Log.Level, cfg.Log.JSON)
	log.Info().Str("config", cfgPath).Msg("stock-ma30 starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// data source
	var fetcher collector.Fetcher
	switch cfg.DataSource.Provider {
	case "mock":
		fetcher = &collector.MockFetcher{Price: 10}
	default:
		fetcher = collector.NewTDXFetcher(cfg.DataSource.BaseURL, cfg.Proxy, cfg.DataSource.RequestsPerSec, cfg.DataSource.Timeout)
	}
	log.Info().Str("source", fetcher.Name()).Msg("data source ready")
	col := collector.NewCollector(fetcher, cfg.StageParams().MAPeriod)

	// scan history and continuity
	var store interface {
		history.Store
		history.ContinuityStore
	}
	if cfg.Database.Driver == "memory" {
		store = history.NewMemoryStore()
	} else {
		sqlStore, err := history.OpenSQL(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("open history store")
		}
		store = sqlStore
	}
	defer store.Close()

	book, err := portfolio.NewBook(cfg.Portfolio.StateFile, cfg.RiskParameters())
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Portfolio.StateFile).Msg("load portfolio")
	}

	an := analyzer.New(col, store, book, cfg.AnalyzerConfig())
	sc := scanner.New(col, an, store, store, cfg.ScannerOptions())

	var (
		sink notifier.Notifier = notifier.LogNotifier{}
		tn   *notifier.TelegramNotifier
	)
	if cfg.Telegram.Enabled {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy)
		sink = tn
	}

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("load timezone")
	}
	sched := scheduler.NewScheduler(ctx, sc, an, store, book, sink, scheduler.Options{
		Request:            cfg.ScanRequest(),
		Watchlist:          cfg.Watchlist,
		PersistentMinDays:  cfg.Scan.PersistentMinDays,
		PersistentLookback: cfg.Scan.PersistentLookback,
		SendRetries:        3,
		Location:           loc,
	})
	if err := sched.RegisterAll(cfg.Schedule.ScanCron, cfg.Schedule.WatchlistCron); err != nil {
		log.Fatal().Err(err).Msg("register cron tasks")
	}
	sched.Start()
	defer sched.Stop()

	if tn != nil {
		go tn.StartPolling(ctx, sched.HandleCommand)
		log.Info().Msg("telegram polling started")
	}

	if cfg.RunOnStart {
		log.Info().Msg("RUN_ON_START enabled, scanning now")
		go sched.RunScanNow()
	}

	log.Info().Str("scan", cfg.Schedule.ScanCron).Str("watchlist", cfg.Schedule.WatchlistCron).
		Msg("stock-ma30 is running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, stopping")
}
