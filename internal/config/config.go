package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/krxquant/krx-harvester/internal/dateutil"
	"github.com/krxquant/krx-harvester/internal/models"
)

type Config struct {
	Environment string        `mapstructure:"environment"`
	LogLevel    string        `mapstructure:"log_level"`
	Harvest     HarvestConfig `mapstructure:"harvest"`
	Retry       RetryConfig   `mapstructure:"retry"`
	Storage     StorageConfig `mapstructure:"storage"`
	Server      ServerConfig  `mapstructure:"server"`
}

// HarvestConfig controls the collection window and scheduling of the harvest.
type HarvestConfig struct {
	StartDate    string   `mapstructure:"start_date"`
	EndDate      string   `mapstructure:"end_date"`
	Markets      []string `mapstructure:"markets"`
	Adjusted     bool     `mapstructure:"adjusted"`
	RequestDelay string   `mapstructure:"request_delay"`
	MaxWorkers   int      `mapstructure:"max_workers"`
	BatchSize    int      `mapstructure:"batch_size"`
}

type RetryConfig struct {
	MaxRetries    int     `mapstructure:"max_retries"`
	InitialDelay  string  `mapstructure:"initial_delay"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

type StorageConfig struct {
	BaseDir      string `mapstructure:"base_dir"`
	ParquetDir   string `mapstructure:"parquet_dir"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	ProgressPath string `mapstructure:"progress_path"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("KRX")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("harvest.start_date", "20200101")
	viper.SetDefault("harvest.end_date", time.Now().UTC().Format("20060102"))
	viper.SetDefault("harvest.markets", []string{"KOSPI", "KOSDAQ"})
	viper.SetDefault("harvest.adjusted", true)
	viper.SetDefault("harvest.request_delay", "5s")
	viper.SetDefault("harvest.max_workers", 4)
	viper.SetDefault("harvest.batch_size", 100)

	viper.SetDefault("retry.max_retries", 3)
	viper.SetDefault("retry.initial_delay", "1s")
	viper.SetDefault("retry.backoff_factor", 2.0)

	viper.SetDefault("storage.base_dir", "data")
	viper.SetDefault("storage.parquet_dir", "")
	viper.SetDefault("storage.sqlite_path", "")
	viper.SetDefault("storage.progress_path", "")

	viper.SetDefault("server.port", 8080)
}

// Validate checks the collection window and fills the storage paths that
// default relative to base_dir.
func (c *Config) Validate() error {
	start, err := dateutil.Parse(c.Harvest.StartDate)
	if err != nil {
		return fmt.Errorf("harvest.start_date: %w", err)
	}
	end, err := dateutil.Parse(c.Harvest.EndDate)
	if err != nil {
		return fmt.Errorf("harvest.end_date: %w", err)
	}
	if end.Before(start) {
		return fmt.Errorf("harvest window is inverted: %s > %s", c.Harvest.StartDate, c.Harvest.EndDate)
	}
	if len(c.Harvest.Markets) == 0 {
		return fmt.Errorf("harvest.markets must name at least one market")
	}
	if c.Harvest.MaxWorkers < 1 {
		return fmt.Errorf("harvest.max_workers must be >= 1")
	}
	if c.Harvest.BatchSize < 1 {
		return fmt.Errorf("harvest.batch_size must be >= 1")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be >= 1")
	}

	if c.Storage.ParquetDir == "" {
		c.Storage.ParquetDir = filepath.Join(c.Storage.BaseDir, "parquet", "daily")
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.BaseDir, "sqlite", "stock_data.db")
	}
	if c.Storage.ProgressPath == "" {
		c.Storage.ProgressPath = filepath.Join(c.Storage.BaseDir, "progress", "progress.json")
	}
	return nil
}

// Window returns the configured collection window as parsed dates.
// Call only after Validate.
func (c *Config) Window() (start, end time.Time) {
	start, _ = dateutil.Parse(c.Harvest.StartDate)
	end, _ = dateutil.Parse(c.Harvest.EndDate)
	return start, end
}

// MarketList returns the configured markets as typed values, dropping any
// name that does not resolve to a known market.
func (c *Config) MarketList() []models.Market {
	markets := make([]models.Market, 0, len(c.Harvest.Markets))
	for _, name := range c.Harvest.Markets {
		if m := models.ParseMarket(name); m != models.MarketUnknown {
			markets = append(markets, m)
		}
	}
	return markets
}

// RequestDelay parses harvest.request_delay, falling back to 5s.
func (c *Config) RequestDelay() time.Duration {
	d, err := time.ParseDuration(c.Harvest.RequestDelay)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// RetryPolicyDelay parses retry.initial_delay, falling back to 1s.
func (c *Config) RetryPolicyDelay() time.Duration {
	d, err := time.ParseDuration(c.Retry.InitialDelay)
	if err != nil {
		return time.Second
	}
	return d
}
