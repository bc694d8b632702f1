package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krxquant/krx-harvester/internal/config"
	"github.com/krxquant/krx-harvester/internal/dateutil"
	"github.com/krxquant/krx-harvester/internal/models"
	"github.com/krxquant/krx-harvester/internal/progress"
	"github.com/krxquant/krx-harvester/internal/retry"
	"github.com/krxquant/krx-harvester/internal/storage"
)

// StorageFactory opens a fresh storage handle. Each batch worker calls it
// once so no storage handle is ever shared across workers.
type StorageFactory func() (*storage.Manager, error)

// OHLCVCollector runs Phase 2: for every pending ticker in the ledger it
// backfills the full historical bar series, one calendar year per provider
// request, and persists the result through both storage sinks.
type OHLCVCollector struct {
	cfg        *config.Config
	provider   Provider
	progress   *progress.Store
	newStorage StorageFactory
	policy     retry.Policy
	delay      time.Duration
	logger     *logrus.Entry
}

// NewOHLCVCollector wires the collector from its collaborators.
func NewOHLCVCollector(cfg *config.Config, p Provider, store *progress.Store, factory StorageFactory) *OHLCVCollector {
	return &OHLCVCollector{
		cfg:        cfg,
		provider:   p,
		progress:   store,
		newStorage: factory,
		policy: retry.Policy{
			MaxRetries:    cfg.Retry.MaxRetries,
			InitialDelay:  cfg.RetryPolicyDelay(),
			BackoffFactor: cfg.Retry.BackoffFactor,
		},
		delay:  cfg.RequestDelay(),
		logger: logrus.WithField("component", "ohlcv_collector"),
	}
}

// tickerResult is the outcome of one ticker's collection. Workers send it
// back to the coordinator instead of touching the ledger themselves; the
// coordinator is the only ledger writer in batch mode.
type tickerResult struct {
	Ticker         string
	Skipped        bool
	Completed      bool
	LastDate       *time.Time
	IncompleteNote string
	FailReason     string
}

// CollectAll processes every pending ticker, sequentially or in bounded
// parallel batches.
func (o *OHLCVCollector) CollectAll(ctx context.Context, parallel bool) error {
	pending := o.progress.Pending()
	if len(pending) == 0 {
		o.logger.Info("phase 2: no pending tickers, nothing to collect")
		return nil
	}

	o.logger.WithFields(logrus.Fields{
		"pending":  len(pending),
		"parallel": parallel,
	}).Info("phase 2: collecting OHLCV history")

	var err error
	if parallel && o.cfg.Harvest.MaxWorkers > 1 {
		err = o.collectBatches(ctx, pending)
	} else {
		err = o.collectSequential(ctx, pending)
	}
	if err != nil {
		return err
	}

	stats := o.progress.Stats()
	o.logger.WithFields(logrus.Fields{
		"total":     stats.Total,
		"completed": stats.Completed,
		"failed":    stats.Failed,
	}).Info("phase 2 finished")
	return nil
}

// collectSequential processes tickers one at a time with a fixed
// inter-request delay, sharing a single storage handle.
func (o *OHLCVCollector) collectSequential(ctx context.Context, tickers []string) error {
	st, err := o.newStorage()
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	for i, ticker := range tickers {
		if ctx.Err() != nil {
			o.logger.Info("interrupted, stopping before next ticker")
			return nil
		}
		o.logger.WithFields(logrus.Fields{
			"ticker":   ticker,
			"progress": fmt.Sprintf("%d/%d", i+1, len(tickers)),
		}).Info("collecting ticker")

		res := o.collectOne(ctx, ticker, st)
		o.record(res)
		sleep(ctx, o.delay)
	}
	return nil
}

// collectBatches splits the pending set into fixed-size batches and runs
// each batch on a bounded worker pool. Only plain ticker strings cross into
// the workers; outcomes come back over a channel and this goroutine applies
// them to the ledger.
func (o *OHLCVCollector) collectBatches(ctx context.Context, tickers []string) error {
	batchSize := o.cfg.Harvest.BatchSize
	workers := o.cfg.Harvest.MaxWorkers

	// Open storage once up front so the schema and journal mode are
	// established before workers open their own handles concurrently.
	st, err := o.newStorage()
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	st.Close()

	numBatches := (len(tickers) + batchSize - 1) / batchSize
	for b := 0; b < numBatches; b++ {
		if ctx.Err() != nil {
			o.logger.Info("interrupted, stopping before next batch")
			return nil
		}
		lo, hi := b*batchSize, (b+1)*batchSize
		if hi > len(tickers) {
			hi = len(tickers)
		}
		batch := tickers[lo:hi]

		o.logger.WithFields(logrus.Fields{
			"batch":   fmt.Sprintf("%d/%d", b+1, numBatches),
			"tickers": len(batch),
			"workers": workers,
		}).Info("starting batch")

		completed, skipped, failed := o.runBatch(ctx, batch, workers)
		o.logger.WithFields(logrus.Fields{
			"batch":     b + 1,
			"completed": completed,
			"skipped":   skipped,
			"failed":    failed,
		}).Info("batch finished")

		sleep(ctx, o.delay*2)
	}
	return nil
}

// runBatch fans the batch out to the worker pool and aggregates results.
// The results channel is closed once every worker returns, so cancellation
// mid-batch drains whatever was actually dispatched instead of waiting for
// a full batch of results.
func (o *OHLCVCollector) runBatch(ctx context.Context, batch []string, workers int) (completed, skipped, failed int) {
	if workers > len(batch) {
		workers = len(batch)
	}
	jobs := make(chan string)
	results := make(chan tickerResult)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx, jobs, results)
		}()
	}
	go func() {
		defer close(jobs)
		for _, ticker := range batch {
			select {
			case jobs <- ticker:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		o.record(res)
		switch {
		case res.Completed:
			completed++
		case res.Skipped:
			skipped++
		default:
			failed++
		}
	}
	return completed, skipped, failed
}

// worker owns its storage handle for the lifetime of the batch. A worker
// that cannot open storage leaves its tickers pending for the next run
// rather than marking them failed.
func (o *OHLCVCollector) worker(ctx context.Context, jobs <-chan string, results chan<- tickerResult) {
	st, err := o.newStorage()
	if err != nil {
		o.logger.WithError(err).Error("worker could not open storage, its tickers stay pending")
		for ticker := range jobs {
			results <- tickerResult{Ticker: ticker, Skipped: true}
		}
		return
	}
	defer st.Close()

	for ticker := range jobs {
		results <- o.collectOne(ctx, ticker, st)
	}
}

// record applies a worker outcome to the ledger.
func (o *OHLCVCollector) record(res tickerResult) {
	log := o.logger.WithField("ticker", res.Ticker)
	switch {
	case res.FailReason != "":
		log.WithField("reason", res.FailReason).Warn("ticker failed")
		if err := o.progress.MarkFailed(res.Ticker, res.FailReason); err != nil {
			log.WithError(err).Error("failed to persist failure mark")
		}
	case res.Completed:
		if err := o.progress.SetIncompleteNote(res.Ticker, res.IncompleteNote); err != nil {
			log.WithError(err).Error("failed to persist incomplete note")
		}
		if err := o.progress.MarkCompleted(res.Ticker, res.LastDate); err != nil {
			log.WithError(err).Error("failed to persist completion mark")
		}
	}
}

// collectOne backfills the full bar history of a single ticker. Any failure
// is converted into the result's FailReason; one ticker can never abort the
// batch or the run.
func (o *OHLCVCollector) collectOne(ctx context.Context, ticker string, st *storage.Manager) (res tickerResult) {
	res.Ticker = ticker
	defer func() {
		if r := recover(); r != nil {
			res = tickerResult{Ticker: ticker, FailReason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	log := o.logger.WithField("ticker", ticker)

	inst, ok := o.progress.Instrument(ticker)
	if !ok {
		log.Warn("ticker not in ledger, skipping")
		res.Skipped = true
		return res
	}

	cfgStart, cfgEnd := o.cfg.Window()
	start := cfgStart
	if inst.ListingDate != nil {
		if d, err := dateutil.Parse(*inst.ListingDate); err == nil {
			start = d
		}
	}
	end := cfgEnd
	if inst.DelistingDate != nil {
		if d, err := dateutil.Parse(*inst.DelistingDate); err == nil {
			end = d
		}
	}

	// Resume check: nothing to do when the last collected date already
	// covers the window end.
	if inst.Collected && inst.LastCollectedDate != nil && *inst.LastCollectedDate >= dateutil.Format(end) {
		log.WithField("last_collected", *inst.LastCollectedDate).Info("already collected, skipping")
		res.Skipped = true
		return res
	}

	ranges := dateutil.SplitByYear(start, end)
	if len(ranges) == 0 {
		log.Warn("no valid collection window")
		res.Skipped = true
		return res
	}

	log.WithFields(logrus.Fields{
		"from":  dateutil.Format(start),
		"to":    dateutil.Format(end),
		"years": len(ranges),
	}).Info("collecting by year")

	var bars []models.Bar
	var failedYears []string
	for _, r := range ranges {
		if ctx.Err() != nil {
			break
		}
		year := fmt.Sprintf("%d", r.From.Year())

		var yearBars []models.Bar
		err := o.policy.Do(ctx, "bars_for_range", func() error {
			var qerr error
			yearBars, qerr = o.provider.BarsForRange(ctx, ticker, r.From, r.To)
			return qerr
		})
		switch {
		case err != nil:
			log.WithError(err).WithField("year", year).Warn("year fetch failed")
			failedYears = append(failedYears, year)
		case len(yearBars) == 0:
			log.WithField("year", year).Debug("year has no data")
			failedYears = append(failedYears, year)
		default:
			bars = append(bars, yearBars...)
		}
		sleep(ctx, o.delay)
	}

	// An interrupt mid-ticker is not a failure; the next run resumes it.
	if ctx.Err() != nil && len(bars) == 0 {
		res.Skipped = true
		return res
	}

	if len(bars) == 0 {
		reason := "no data"
		if len(failedYears) > 0 {
			reason = fmt.Sprintf("all years failed or empty (%s)", strings.Join(failedYears, ", "))
		}
		res.FailReason = reason
		return res
	}

	bars = dedupByDate(bars)

	if err := o.saveByMonth(ctx, st, bars, inst.Market); err != nil {
		res.FailReason = fmt.Sprintf("storage: %v", err)
		return res
	}

	last := bars[len(bars)-1].Date
	res.Completed = true
	res.LastDate = &last
	if len(failedYears) > 0 {
		res.IncompleteNote = fmt.Sprintf("missing years: %s", strings.Join(failedYears, ", "))
	}

	log.WithFields(logrus.Fields{
		"days": len(bars),
		"from": dateutil.Format(bars[0].Date),
		"to":   dateutil.Format(last),
	}).Info("ticker collected")
	if len(failedYears) > 0 {
		log.WithField("years", failedYears).Warn("some years are incomplete")
	}
	return res
}

// dedupByDate sorts bars by date and keeps the last occurrence of each
// date; year sub-ranges can overlap at their boundaries.
func dedupByDate(bars []models.Bar) []models.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	out := bars[:0]
	for i, bar := range bars {
		if i+1 < len(bars) && bars[i+1].Date.Equal(bar.Date) {
			continue
		}
		out = append(out, bar)
	}
	return out
}

// saveByMonth groups bars by calendar month and writes each group through
// the dual-sink storage manager.
func (o *OHLCVCollector) saveByMonth(ctx context.Context, st *storage.Manager, bars []models.Bar, market models.Market) error {
	groups := make(map[time.Time][]models.Bar)
	for _, bar := range bars {
		anchor := dateutil.MonthStart(bar.Date)
		groups[anchor] = append(groups[anchor], bar)
	}

	anchors := make([]time.Time, 0, len(groups))
	for anchor := range groups {
		anchors = append(anchors, anchor)
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].Before(anchors[j]) })

	for _, anchor := range anchors {
		if err := st.SaveOHLCV(ctx, groups[anchor], market, anchor); err != nil {
			return err
		}
	}
	return nil
}
