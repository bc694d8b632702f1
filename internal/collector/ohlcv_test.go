package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/krxquant/krx-harvester/internal/models"
	"github.com/krxquant/krx-harvester/internal/progress"
	"github.com/krxquant/krx-harvester/internal/storage"
)

func newOHLCVFixture(t *testing.T, start, end string) (*OHLCVCollector, *MockProvider, *progress.Store) {
	t.Helper()
	cfg := testConfig(t, start, end)
	provider := new(MockProvider)
	store := progress.NewStore(cfg.Storage.ProgressPath)
	c := NewOHLCVCollector(cfg, provider, store, storageFactory(cfg))
	return c, provider, store
}

func TestCollectOneScenario(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20100101", "20100103")
	ctx := context.Background()

	require.NoError(t, store.AddInstrument("005930", models.MarketKOSPI, dayPtr(t, "20100101"), nil))

	bars := []models.Bar{
		testBar(t, "20100102", "005930", 16000),
		testBar(t, "20100103", "005930", 16100),
	}
	provider.On("BarsForRange", mock.Anything, "005930", day(t, "20100101"), day(t, "20100103")).
		Return(bars, nil).Once()

	require.NoError(t, c.CollectAll(ctx, false))

	inst, ok := store.Instrument("005930")
	require.True(t, ok)
	assert.True(t, inst.Collected)
	require.NotNil(t, inst.LastCollectedDate)
	assert.Equal(t, "20100103", *inst.LastCollectedDate)
	assert.Nil(t, inst.Error)

	st, err := storageFactory(c.cfg)()
	require.NoError(t, err)
	defer st.Close()
	saved, err := st.Parquet.Read(models.MarketKOSPI, day(t, "20100101"))
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "20100102", saved[0].Date.Format("20060102"))
	assert.Equal(t, "20100103", saved[1].Date.Format("20060102"))

	provider.AssertExpectations(t)
}

func TestCollectOneResumesWithoutProviderCalls(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20200101", "20240630")
	ctx := context.Background()

	require.NoError(t, store.AddInstrument("005930", models.MarketKOSPI, nil, nil))
	require.NoError(t, store.MarkCompleted("005930", dayPtr(t, "20240630")))

	st, err := storageFactory(c.cfg)()
	require.NoError(t, err)
	defer st.Close()

	res := c.collectOne(ctx, "005930", st)

	assert.True(t, res.Skipped)
	assert.False(t, res.Completed)
	provider.AssertNotCalled(t, "BarsForRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCollectOneToleratesFailedYear(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20200101", "20221231")
	ctx := context.Background()

	require.NoError(t, store.AddInstrument("005930", models.MarketKOSPI, nil, nil))

	provider.On("BarsForRange", mock.Anything, "005930", day(t, "20200101"), day(t, "20201231")).
		Return([]models.Bar{testBar(t, "20200102", "005930", 55000)}, nil)
	provider.On("BarsForRange", mock.Anything, "005930", day(t, "20210101"), day(t, "20211231")).
		Return(nil, errors.New("gateway timeout"))
	provider.On("BarsForRange", mock.Anything, "005930", day(t, "20220101"), day(t, "20221231")).
		Return([]models.Bar{testBar(t, "20220103", "005930", 61000)}, nil)

	require.NoError(t, c.CollectAll(ctx, false))

	inst, ok := store.Instrument("005930")
	require.True(t, ok)
	assert.True(t, inst.Collected, "one bad year must not fail the ticker")
	assert.Nil(t, inst.Error)
	require.NotNil(t, inst.IncompleteNote)
	assert.Contains(t, *inst.IncompleteNote, "2021")
	require.NotNil(t, inst.LastCollectedDate)
	assert.Equal(t, "20220103", *inst.LastCollectedDate)

	// The failing year is retried to exhaustion.
	provider.AssertNumberOfCalls(t, "BarsForRange", 1+3+1)
}

func TestCollectOneAllYearsFailed(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20200101", "20201231")
	ctx := context.Background()

	require.NoError(t, store.AddInstrument("005930", models.MarketKOSPI, nil, nil))
	provider.On("BarsForRange", mock.Anything, "005930", mock.Anything, mock.Anything).
		Return(nil, errors.New("boom"))

	require.NoError(t, c.CollectAll(ctx, false))

	inst, ok := store.Instrument("005930")
	require.True(t, ok)
	assert.False(t, inst.Collected)
	require.NotNil(t, inst.Error)
	assert.Contains(t, *inst.Error, "2020")
	assert.Empty(t, store.Pending(), "failed tickers leave the pending set")
}

func TestCollectOneDeduplicatesYearBoundaryOverlap(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20200101", "20211231")
	ctx := context.Background()

	require.NoError(t, store.AddInstrument("005930", models.MarketKOSPI, nil, nil))

	// Both year slices return the same New Year's Eve row; the later
	// occurrence must win.
	dup := testBar(t, "20201231", "005930", 81000)
	dupNewer := testBar(t, "20201231", "005930", 81100)
	provider.On("BarsForRange", mock.Anything, "005930", day(t, "20200101"), day(t, "20201231")).
		Return([]models.Bar{dup}, nil)
	provider.On("BarsForRange", mock.Anything, "005930", day(t, "20210101"), day(t, "20211231")).
		Return([]models.Bar{dupNewer, testBar(t, "20210104", "005930", 83000)}, nil)

	require.NoError(t, c.CollectAll(ctx, false))

	st, err := storageFactory(c.cfg)()
	require.NoError(t, err)
	defer st.Close()
	dec, err := st.Parquet.Read(models.MarketKOSPI, day(t, "20201201"))
	require.NoError(t, err)
	require.Len(t, dec, 1)
	assert.Equal(t, 81100.0, dec[0].Close.InexactFloat64())
}

func TestCollectAllIsIdempotent(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20100101", "20100103")
	ctx := context.Background()

	require.NoError(t, store.AddInstrument("005930", models.MarketKOSPI, dayPtr(t, "20100101"), nil))
	provider.On("BarsForRange", mock.Anything, "005930", day(t, "20100101"), day(t, "20100103")).
		Return([]models.Bar{testBar(t, "20100103", "005930", 16100)}, nil)

	require.NoError(t, c.CollectAll(ctx, false))
	require.NoError(t, c.CollectAll(ctx, false))

	// The second run finds nothing pending and never hits the provider.
	provider.AssertNumberOfCalls(t, "BarsForRange", 1)
}

func TestCollectAllUnknownTickerIsSkipped(t *testing.T) {
	cfg := testConfig(t, "20200101", "20201231")
	provider := new(MockProvider)
	store := progress.NewStore(cfg.Storage.ProgressPath)
	c := NewOHLCVCollector(cfg, provider, store, storageFactory(cfg))

	st, err := storageFactory(cfg)()
	require.NoError(t, err)
	defer st.Close()

	res := c.collectOne(context.Background(), "ghost", st)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.FailReason)
}

func TestCollectAllParallelBatches(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20200101", "20201231")
	ctx := context.Background()

	tickers := []string{"000100", "000200", "000300", "000400", "000500"}
	for _, ticker := range tickers {
		require.NoError(t, store.AddInstrument(ticker, models.MarketKOSPI, nil, nil))
	}
	for _, ticker := range tickers {
		provider.On("BarsForRange", mock.Anything, ticker, day(t, "20200101"), day(t, "20201231")).
			Return([]models.Bar{testBar(t, "20200106", ticker, 10000)}, nil).Once()
	}

	require.NoError(t, c.CollectAll(ctx, true))

	stats := store.Stats()
	assert.Equal(t, 5, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
	assert.Empty(t, store.Pending())
	provider.AssertExpectations(t)
}

func TestCollectAllParallelInterruptReturns(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20200101", "20201231")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tickers := []string{"000100", "000200", "000300", "000400", "000500"}
	for _, ticker := range tickers {
		require.NoError(t, store.AddInstrument(ticker, models.MarketKOSPI, nil, nil))
	}

	// Workers park in the provider call until the run is canceled.
	var once sync.Once
	provider.On("BarsForRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			once.Do(cancel)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	done := make(chan error, 1)
	go func() { done <- c.CollectAll(ctx, true) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("CollectAll did not return after cancellation")
	}

	// Interrupted tickers are not failures; the next run picks them up.
	assert.Equal(t, 0, store.Stats().Failed)
	assert.NotEmpty(t, store.Pending())
}

func TestCollectAllParallelStorageOpenFailureLeavesPending(t *testing.T) {
	cfg := testConfig(t, "20200101", "20201231")
	provider := new(MockProvider)
	store := progress.NewStore(cfg.Storage.ProgressPath)
	c := NewOHLCVCollector(cfg, provider, store, func() (*storage.Manager, error) {
		return nil, errors.New("database is locked")
	})

	require.NoError(t, store.AddInstrument("000100", models.MarketKOSPI, nil, nil))
	require.NoError(t, store.AddInstrument("000200", models.MarketKOSPI, nil, nil))

	err := c.CollectAll(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open storage")

	// Nothing was marked failed and nothing left the pending set.
	assert.Equal(t, 0, store.Stats().Failed)
	assert.Len(t, store.Pending(), 2)
	provider.AssertNotCalled(t, "BarsForRange",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWorkerStorageOpenFailureSkipsItsJobs(t *testing.T) {
	cfg := testConfig(t, "20200101", "20201231")
	provider := new(MockProvider)
	store := progress.NewStore(cfg.Storage.ProgressPath)
	c := NewOHLCVCollector(cfg, provider, store, func() (*storage.Manager, error) {
		return nil, errors.New("database is locked")
	})

	require.NoError(t, store.AddInstrument("000100", models.MarketKOSPI, nil, nil))
	require.NoError(t, store.AddInstrument("000200", models.MarketKOSPI, nil, nil))

	completed, skipped, failed := c.runBatch(context.Background(), []string{"000100", "000200"}, 2)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 2, skipped)
	assert.Equal(t, 0, failed)
	assert.Len(t, store.Pending(), 2)
}

func TestRunBatchCountsSkipsSeparately(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20200101", "20201231")

	require.NoError(t, store.AddInstrument("000100", models.MarketKOSPI, nil, nil))
	require.NoError(t, store.AddInstrument("000200", models.MarketKOSPI, nil, nil))
	require.NoError(t, store.MarkCompleted("000200", dayPtr(t, "20201231")))

	provider.On("BarsForRange", mock.Anything, "000100", mock.Anything, mock.Anything).
		Return([]models.Bar{testBar(t, "20200106", "000100", 10000)}, nil)

	completed, skipped, failed := c.runBatch(context.Background(), []string{"000100", "000200"}, 2)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, skipped, "an already collected ticker is a skip, not a completion")
	assert.Equal(t, 0, failed)
}

func TestCollectAllParallelMixedOutcomes(t *testing.T) {
	c, provider, store := newOHLCVFixture(t, "20200101", "20201231")
	ctx := context.Background()

	require.NoError(t, store.AddInstrument("000100", models.MarketKOSPI, nil, nil))
	require.NoError(t, store.AddInstrument("000200", models.MarketKOSPI, nil, nil))

	provider.On("BarsForRange", mock.Anything, "000100", mock.Anything, mock.Anything).
		Return([]models.Bar{testBar(t, "20200106", "000100", 10000)}, nil)
	provider.On("BarsForRange", mock.Anything, "000200", mock.Anything, mock.Anything).
		Return(nil, errors.New("boom"))

	require.NoError(t, c.CollectAll(ctx, true))

	stats := store.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
}
