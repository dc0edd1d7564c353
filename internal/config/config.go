package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oficcejo/stock-ma30/internal/analyzer"
	"github.com/oficcejo/stock-ma30/internal/model"
	"github.com/oficcejo/stock-ma30/internal/scanner"
	"github.com/oficcejo/stock-ma30/internal/stage"
	"github.com/oficcejo/stock-ma30/internal/strategy"
)

// Config holds all application configuration.
type Config struct {
	Telegram struct {
		Enabled  bool   `yaml:"enabled"`
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	DataSource struct {
		Provider       string        `yaml:"provider"` // tdx | mock
		BaseURL        string        `yaml:"base_url"`
		RequestsPerSec float64       `yaml:"requests_per_sec"`
		Timeout        time.Duration `yaml:"timeout"`
		Weeks          int           `yaml:"weeks"`
		DailyVolume    bool          `yaml:"daily_volume"`
		VolumePeriod   int           `yaml:"volume_period"`
	} `yaml:"data_source"`
	Schedule struct {
		ScanCron      string `yaml:"scan_cron"`
		WatchlistCron string `yaml:"watchlist_cron"`
		Timezone      string `yaml:"timezone"`
	} `yaml:"schedule"`
	Database struct {
		Driver string `yaml:"driver"` // sqlite | postgres | memory
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Classifier stage.Params    `yaml:"classifier"`
	Strategy   strategy.Params `yaml:"strategy"`
	Scan       struct {
		Filter             model.ScanFilter `yaml:"filter"`
		MaxStocks          int              `yaml:"max_stocks"`
		GenerateSignals    bool             `yaml:"generate_signals"`
		Workers            int              `yaml:"workers"`
		InstrumentTimeout  time.Duration    `yaml:"instrument_timeout"`
		MarketIndex        string           `yaml:"market_index"`
		PersistentMinDays  int              `yaml:"persistent_min_days"`
		PersistentLookback int              `yaml:"persistent_lookback"`
	} `yaml:"scan"`
	Risk struct {
		MaxLossPercentOfCapital  float64 `yaml:"max_loss_percent_of_capital"`
		StopLossPercent          float64 `yaml:"stop_loss_percent"`
		MaxPositions             int     `yaml:"max_positions"`
		SinglePositionMaxPercent float64 `yaml:"single_position_max_percent"`
		AccountCapital           float64 `yaml:"account_capital"`
		LotSize                  int64   `yaml:"lot_size"`
	} `yaml:"risk"`
	Watchlist []string `yaml:"watchlist"`
	Portfolio struct {
		StateFile string `yaml:"state_file"`
	} `yaml:"portfolio"`
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
	Proxy      string `yaml:"proxy"`
	RunOnStart bool   `yaml:"run_on_start"`
}

// Load reads config from a YAML file, then a .env file next to the working
// directory, then applies environment variable overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Scan.Filter = model.DefaultScanFilter()
	cfg.Scan.GenerateSignals = true
	cfg.DataSource.DailyVolume = true

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env values never override variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"TELEGRAM_BOT_TOKEN": &c.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":   &c.Telegram.ChatID,
		"TDX_BASE_URL":       &c.DataSource.BaseURL,
		"DATA_PROVIDER":      &c.DataSource.Provider,
		"HTTPS_PROXY":        &c.Proxy,
		"CRON_SCAN":          &c.Schedule.ScanCron,
		"CRON_WATCHLIST":     &c.Schedule.WatchlistCron,
		"DB_DRIVER":          &c.Database.Driver,
		"DB_DSN":             &c.Database.DSN,
		"MARKET_INDEX":       &c.Scan.MarketIndex,
		"PORTFOLIO_FILE":     &c.Portfolio.StateFile,
		"LOG_LEVEL":          &c.Log.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Enabled = true
	}

	var errs []error
	parseFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	parseInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	parseBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	parseFloat("ACCOUNT_CAPITAL", &c.Risk.AccountCapital)
	parseInt("SCAN_MAX_STOCKS", &c.Scan.MaxStocks)
	parseInt("SCAN_WORKERS", &c.Scan.Workers)
	parseBool("RUN_ON_START", &c.RunOnStart)
	if v := os.Getenv("WATCHLIST"); v != "" {
		c.Watchlist = nil
		for _, code := range strings.Split(v, ",") {
			if code = strings.TrimSpace(code); code != "" {
				c.Watchlist = append(c.Watchlist, code)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.DataSource.Provider == "" {
		c.DataSource.Provider = "tdx"
	}
	if c.DataSource.BaseURL == "" {
		c.DataSource.BaseURL = "http://localhost:8080"
	}
	if c.DataSource.RequestsPerSec == 0 {
		c.DataSource.RequestsPerSec = 20
	}
	if c.DataSource.Timeout == 0 {
		c.DataSource.Timeout = 30 * time.Second
	}
	if c.DataSource.Weeks == 0 {
		c.DataSource.Weeks = 150
	}
	if c.DataSource.VolumePeriod == 0 {
		c.DataSource.VolumePeriod = 10
	}
	if c.Schedule.ScanCron == "" {
		c.Schedule.ScanCron = "0 30 15 * * 1-5"
	}
	if c.Schedule.WatchlistCron == "" {
		c.Schedule.WatchlistCron = "0 0 16 * * 5"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "Asia/Shanghai"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "data/stock_ma30.db"
	}
	if c.Scan.Workers == 0 {
		c.Scan.Workers = 8
	}
	if c.Scan.InstrumentTimeout == 0 {
		c.Scan.InstrumentTimeout = 30 * time.Second
	}
	if c.Scan.MarketIndex == "" {
		c.Scan.MarketIndex = "sh000001"
	}
	if c.Scan.PersistentMinDays == 0 {
		c.Scan.PersistentMinDays = 3
	}
	if c.Scan.PersistentLookback == 0 {
		c.Scan.PersistentLookback = 5
	}
	if c.Risk.MaxLossPercentOfCapital == 0 {
		c.Risk.MaxLossPercentOfCapital = 0.02
	}
	if c.Risk.StopLossPercent == 0 {
		c.Risk.StopLossPercent = 0.08
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 10
	}
	if c.Risk.SinglePositionMaxPercent == 0 {
		c.Risk.SinglePositionMaxPercent = 0.2
	}
	if c.Risk.AccountCapital == 0 {
		c.Risk.AccountCapital = 1000000
	}
	if c.Risk.LotSize == 0 {
		c.Risk.LotSize = 100
	}
	if c.Portfolio.StateFile == "" {
		c.Portfolio.StateFile = "data/portfolio.json"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks that all required fields are set and in range.
func (c *Config) Validate() error {
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	switch c.DataSource.Provider {
	case "tdx":
		if c.DataSource.BaseURL == "" {
			return fmt.Errorf("data_source.base_url is required")
		}
	case "mock":
	default:
		return fmt.Errorf("data_source.provider %q is not supported", c.DataSource.Provider)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Risk.AccountCapital <= 0 {
		return fmt.Errorf("risk.account_capital must be positive")
	}
	for name, v := range map[string]float64{
		"risk.max_loss_percent_of_capital": c.Risk.MaxLossPercentOfCapital,
		"risk.stop_loss_percent":           c.Risk.StopLossPercent,
		"risk.single_position_max_percent": c.Risk.SinglePositionMaxPercent,
	} {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %g", name, v)
		}
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be positive")
	}
	if c.Scan.MaxStocks < 0 {
		return fmt.Errorf("scan.max_stocks must not be negative")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	return nil
}

// StageParams returns the classifier parameters.
func (c *Config) StageParams() stage.Params { return c.Classifier }

// RiskParameters returns the risk sizer parameters.
func (c *Config) RiskParameters() model.RiskParameters {
	return model.RiskParameters{
		MaxLossPercentOfCapital:  c.Risk.MaxLossPercentOfCapital,
		StopLossPercent:          c.Risk.StopLossPercent,
		MaxPositions:             c.Risk.MaxPositions,
		SinglePositionMaxPercent: c.Risk.SinglePositionMaxPercent,
		AccountCapital:           c.Risk.AccountCapital,
		LotSize:                  c.Risk.LotSize,
	}
}

// ScanFilter returns the scan filter.
func (c *Config) ScanFilter() model.ScanFilter { return c.Scan.Filter }

// AnalyzerConfig assembles the per-instrument pipeline configuration.
func (c *Config) AnalyzerConfig() analyzer.Config {
	return analyzer.Config{
		Weeks:        c.DataSource.Weeks,
		VolumePeriod: c.DataSource.VolumePeriod,
		DailyVolume:  c.DataSource.DailyVolume,
		MarketIndex:  c.Scan.MarketIndex,
		Stage:        c.StageParams(),
		Strategy:     c.Strategy,
		Risk:         c.RiskParameters(),
	}
}

// ScannerOptions returns the scan execution options.
func (c *Config) ScannerOptions() scanner.Options {
	return scanner.Options{Workers: c.Scan.Workers, InstrumentTimeout: c.Scan.InstrumentTimeout}
}

// ScanRequest builds the scheduled scan request.
func (c *Config) ScanRequest() scanner.Request {
	return scanner.Request{
		Filter:          c.ScanFilter(),
		MaxStocks:       c.Scan.MaxStocks,
		GenerateSignals: c.Scan.GenerateSignals,
	}
}
