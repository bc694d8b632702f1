package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krxquant/krx-harvester/internal/models"
)

func validConfig() *Config {
	return &Config{
		LogLevel: "info",
		Harvest: HarvestConfig{
			StartDate:    "20200101",
			EndDate:      "20241231",
			Markets:      []string{"KOSPI", "KOSDAQ"},
			Adjusted:     true,
			RequestDelay: "5s",
			MaxWorkers:   4,
			BatchSize:    100,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			InitialDelay:  "1s",
			BackoffFactor: 2.0,
		},
		Storage: StorageConfig{BaseDir: "data"},
	}
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	// Derived storage paths default under base_dir.
	assert.Equal(t, filepath.Join("data", "parquet", "daily"), cfg.Storage.ParquetDir)
	assert.Equal(t, filepath.Join("data", "sqlite", "stock_data.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, filepath.Join("data", "progress", "progress.json"), cfg.Storage.ProgressPath)
}

func TestValidateKeepsExplicitPaths(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.ParquetDir = "/mnt/cold/parquet"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/mnt/cold/parquet", cfg.Storage.ParquetDir)
	assert.Equal(t, filepath.Join("data", "sqlite", "stock_data.db"), cfg.Storage.SQLitePath)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad start date",
			mutate:  func(c *Config) { c.Harvest.StartDate = "2020-13-01" },
			wantErr: "harvest.start_date",
		},
		{
			name:    "bad end date",
			mutate:  func(c *Config) { c.Harvest.EndDate = "soon" },
			wantErr: "harvest.end_date",
		},
		{
			name: "inverted window",
			mutate: func(c *Config) {
				c.Harvest.StartDate = "20241231"
				c.Harvest.EndDate = "20200101"
			},
			wantErr: "inverted",
		},
		{
			name:    "no markets",
			mutate:  func(c *Config) { c.Harvest.Markets = nil },
			wantErr: "harvest.markets",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Harvest.MaxWorkers = 0 },
			wantErr: "max_workers",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Harvest.BatchSize = 0 },
			wantErr: "batch_size",
		},
		{
			name:    "zero retries",
			mutate:  func(c *Config) { c.Retry.MaxRetries = 0 },
			wantErr: "max_retries",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWindow(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	start, end := cfg.Window()
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), end)
}

func TestMarketList(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, []models.Market{models.MarketKOSPI, models.MarketKOSDAQ}, cfg.MarketList())

	cfg.Harvest.Markets = []string{"KOSPI", "NASDAQ"}
	assert.Equal(t, []models.Market{models.MarketKOSPI}, cfg.MarketList(),
		"unknown market names are dropped")
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 5*time.Second, cfg.RequestDelay())
	assert.Equal(t, time.Second, cfg.RetryPolicyDelay())

	cfg.Harvest.RequestDelay = "250ms"
	cfg.Retry.InitialDelay = "2s"
	assert.Equal(t, 250*time.Millisecond, cfg.RequestDelay())
	assert.Equal(t, 2*time.Second, cfg.RetryPolicyDelay())

	// Unparseable values fall back instead of stalling the run.
	cfg.Harvest.RequestDelay = "fast"
	cfg.Retry.InitialDelay = ""
	assert.Equal(t, 5*time.Second, cfg.RequestDelay())
	assert.Equal(t, time.Second, cfg.RetryPolicyDelay())
}
