package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/krxquant/krx-harvester/internal/config"
	"github.com/krxquant/krx-harvester/internal/dateutil"
	"github.com/krxquant/krx-harvester/internal/models"
	"github.com/krxquant/krx-harvester/internal/storage"
	"github.com/shopspring/decimal"
)

// MockProvider is a mock implementation of Provider for testing.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) TradingCalendar(ctx context.Context, year int, month time.Month) ([]time.Time, error) {
	args := m.Called(ctx, year, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]time.Time), args.Error(1)
}

func (m *MockProvider) InstrumentsForDate(ctx context.Context, date time.Time, market models.Market) ([]string, error) {
	args := m.Called(ctx, date, market)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockProvider) InstrumentReference(ctx context.Context, ticker string) (*models.Reference, error) {
	args := m.Called(ctx, ticker)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reference), args.Error(1)
}

func (m *MockProvider) BarsForRange(ctx context.Context, ticker string, from, to time.Time) ([]models.Bar, error) {
	args := m.Called(ctx, ticker, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Bar), args.Error(1)
}

func testConfig(t *testing.T, start, end string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		LogLevel: "error",
		Harvest: config.HarvestConfig{
			StartDate:    start,
			EndDate:      end,
			Markets:      []string{"KOSPI"},
			Adjusted:     true,
			RequestDelay: "0s",
			MaxWorkers:   2,
			BatchSize:    10,
		},
		Retry: config.RetryConfig{
			MaxRetries:    3,
			InitialDelay:  "1ms",
			BackoffFactor: 2.0,
		},
		Storage: config.StorageConfig{BaseDir: t.TempDir()},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func storageFactory(cfg *config.Config) StorageFactory {
	return func() (*storage.Manager, error) {
		return storage.NewManager(cfg.Storage)
	}
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := dateutil.Parse(s)
	require.NoError(t, err)
	return d
}

func dayPtr(t *testing.T, s string) *time.Time {
	t.Helper()
	d := day(t, s)
	return &d
}

func testBar(t *testing.T, date, ticker string, close int64) models.Bar {
	t.Helper()
	c := decimal.NewFromInt(close)
	return models.Bar{
		Date:   day(t, date),
		Ticker: ticker,
		Open:   c,
		High:   c,
		Low:    c,
		Close:  c,
		Volume: 1000,
	}
}
