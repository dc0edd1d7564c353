package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oficcejo/stock-ma30/internal/model"
)

// chdir moves into an empty directory so no stray .env file is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := chdir(t)
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tdx", cfg.DataSource.Provider)
	assert.Equal(t, 150, cfg.DataSource.Weeks)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "sh000001", cfg.Scan.MarketIndex)
	assert.Equal(t, model.DefaultScanFilter(), cfg.ScanFilter())
	assert.True(t, cfg.Scan.GenerateSignals)
	assert.Equal(t, 30*time.Second, cfg.Scan.InstrumentTimeout)

	rp := cfg.RiskParameters()
	assert.Equal(t, 0.02, rp.MaxLossPercentOfCapital)
	assert.Equal(t, int64(100), rp.LotSize)
	assert.Equal(t, 10, rp.MaxPositions)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := chdir(t)
	path := writeConfig(t, dir, `
data_source:
  provider: mock
  weeks: 120
  timeout: 10s
classifier:
  ma_period: 26
  slope_epsilon: 0.003
strategy:
  buy_volume_ratio: 1.5
scan:
  filter:
    exclude_st: true
    exclude_gem: false
  max_stocks: 20
  instrument_timeout: 5s
risk:
  account_capital: 500000
watchlist: ["600000"]
`)
	t.Setenv("SCAN_MAX_STOCKS", "50")
	t.Setenv("WATCHLIST", "600036, 000001,")
	t.Setenv("DB_DRIVER", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mock", cfg.DataSource.Provider)
	assert.Equal(t, 10*time.Second, cfg.DataSource.Timeout)
	assert.Equal(t, 26, cfg.StageParams().MAPeriod)
	assert.Equal(t, 0.003, cfg.StageParams().SlopeEpsilon)
	assert.Equal(t, 50, cfg.Scan.MaxStocks)
	assert.Equal(t, []string{"600036", "000001"}, cfg.Watchlist)
	assert.Equal(t, "memory", cfg.Database.Driver)
	// unspecified filter keys keep their defaults
	assert.Equal(t, model.ScanFilter{ExcludeST: true, ExcludeSTAR: true, ExcludeBSE: true}, cfg.ScanFilter())

	ac := cfg.AnalyzerConfig()
	assert.Equal(t, 120, ac.Weeks)
	assert.Equal(t, 1.5, ac.Strategy.BuyVolumeRatio)
	assert.Equal(t, 500000.0, ac.Risk.AccountCapital)

	opts := cfg.ScannerOptions()
	assert.Equal(t, 5*time.Second, opts.InstrumentTimeout)
	assert.Equal(t, 50, cfg.ScanRequest().MaxStocks)
}

func TestDotEnvFile(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TELEGRAM_BOT_TOKEN=abc\nTELEGRAM_CHAT_ID=42\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("TELEGRAM_BOT_TOKEN")
		os.Unsetenv("TELEGRAM_CHAT_ID")
	})

	cfg, err := Load(filepath.Join(dir, "none.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Telegram.Enabled)
	assert.Equal(t, "abc", cfg.Telegram.BotToken)
	assert.Equal(t, "42", cfg.Telegram.ChatID)
}

func TestLoadErrors(t *testing.T) {
	dir := chdir(t)
	_, err := Load(writeConfig(t, dir, "risk: [1, 2"))
	require.Error(t, err)

	t.Setenv("ACCOUNT_CAPITAL", "lots")
	_, err = Load(filepath.Join(dir, "none.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACCOUNT_CAPITAL")
}

func TestValidate(t *testing.T) {
	chdir(t)
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"telegram without chat", func(c *Config) { c.Telegram.Enabled, c.Telegram.BotToken = true, "x" }, "chat_id"},
		{"unknown provider", func(c *Config) { c.DataSource.Provider = "yahoo" }, "provider"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres needs dsn", func(c *Config) { c.Database.Driver, c.Database.DSN = "postgres", "" }, "dsn"},
		{"stop out of range", func(c *Config) { c.Risk.StopLossPercent = 1.5 }, "stop_loss_percent"},
		{"negative cap", func(c *Config) { c.Scan.MaxStocks = -1 }, "max_stocks"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("none.yaml")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
