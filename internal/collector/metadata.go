package collector

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krxquant/krx-harvester/internal/config"
	"github.com/krxquant/krx-harvester/internal/dateutil"
	"github.com/krxquant/krx-harvester/internal/models"
	"github.com/krxquant/krx-harvester/internal/progress"
	"github.com/krxquant/krx-harvester/internal/retry"
	"github.com/krxquant/krx-harvester/internal/storage"
)

// MetadataCollector runs Phase 1: it sweeps every trading day in the
// configured window to discover the full instrument universe (delisted
// issues included), resolves listing information per ticker, and seeds the
// progress ledger that gates Phase 2.
type MetadataCollector struct {
	cfg      *config.Config
	provider Provider
	progress *progress.Store
	storage  *storage.Manager
	policy   retry.Policy
	delay    time.Duration
	logger   *logrus.Entry
}

// NewMetadataCollector wires the collector from its collaborators.
func NewMetadataCollector(cfg *config.Config, p Provider, store *progress.Store, st *storage.Manager) *MetadataCollector {
	return &MetadataCollector{
		cfg:      cfg,
		provider: p,
		progress: store,
		storage:  st,
		policy: retry.Policy{
			MaxRetries:    cfg.Retry.MaxRetries,
			InitialDelay:  cfg.RetryPolicyDelay(),
			BackoffFactor: cfg.Retry.BackoffFactor,
		},
		delay:  cfg.RequestDelay(),
		logger: logrus.WithField("component", "metadata_collector"),
	}
}

// seen tracks the first and last trading day a ticker appeared on during
// the sweep; the fallback listing window for issues with no reference row.
type seen struct {
	market    models.Market
	firstSeen time.Time
	lastSeen  time.Time
}

// CollectAll discovers the instrument universe and writes it to the ledger
// and the metadata sink. An empty result means nothing was resolvable; the
// orchestrator treats that as fatal.
func (m *MetadataCollector) CollectAll(ctx context.Context) ([]models.InstrumentMeta, error) {
	start, end := m.cfg.Window()
	markets := m.cfg.MarketList()

	m.logger.WithFields(logrus.Fields{
		"start":   m.cfg.Harvest.StartDate,
		"end":     m.cfg.Harvest.EndDate,
		"markets": m.cfg.Harvest.Markets,
	}).Info("phase 1: collecting instrument metadata")

	days := m.tradingDays(ctx, start, end)
	m.logger.WithField("trading_days", len(days)).Info("trading calendar swept")

	sightings := m.sweepInstruments(ctx, days, markets)
	m.logger.WithField("tickers", len(sightings)).Info("instrument universe discovered")

	tickers := make([]string, 0, len(sightings))
	for ticker := range sightings {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	metas := make([]models.InstrumentMeta, 0, len(tickers))
	for _, ticker := range tickers {
		if ctx.Err() != nil {
			break
		}
		meta := m.resolveTicker(ctx, ticker, sightings[ticker])
		if err := m.progress.AddInstrument(ticker, meta.Market, meta.ListingDate, meta.DelistingDate); err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}

	// An interrupt mid-resolution leaves the latch unset; a partial
	// universe must not suppress rediscovery on the next run.
	if ctx.Err() != nil {
		return metas, nil
	}
	if len(metas) == 0 {
		return nil, nil
	}

	if err := m.progress.MarkMetadataCollected(); err != nil {
		return nil, err
	}
	if err := m.storage.SaveMetadata(ctx, metas); err != nil {
		m.logger.WithError(err).Error("failed to persist metadata rows")
	}
	m.logger.WithField("tickers", len(metas)).Info("metadata collection complete")
	return metas, nil
}

// tradingDays enumerates every trading day in [start, end] by querying the
// calendar month by month. A failing month is logged and skipped; the sweep
// never aborts on a single slice.
func (m *MetadataCollector) tradingDays(ctx context.Context, start, end time.Time) []time.Time {
	var days []time.Time
	unique := make(map[time.Time]struct{})

	for cursor := dateutil.MonthStart(start); !cursor.After(end); cursor = cursor.AddDate(0, 1, 0) {
		if ctx.Err() != nil {
			break
		}
		monthDays, err := m.provider.TradingCalendar(ctx, cursor.Year(), cursor.Month())
		if err != nil {
			m.logger.WithError(err).WithField("month", cursor.Format("2006-01")).
				Warn("trading calendar query failed, skipping month")
			continue
		}
		for _, day := range monthDays {
			day = dateutil.Day(day)
			if day.Before(start) || day.After(end) {
				continue
			}
			if _, ok := unique[day]; ok {
				continue
			}
			unique[day] = struct{}{}
			days = append(days, day)
		}
		sleep(ctx, m.delay/2)
	}

	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// sweepInstruments unions the ticker lists of every trading day and market,
// tracking the first and last day each ticker was seen.
func (m *MetadataCollector) sweepInstruments(ctx context.Context, days []time.Time, markets []models.Market) map[string]seen {
	sightings := make(map[string]seen)

	for i, day := range days {
		if ctx.Err() != nil {
			break
		}
		if (i+1)%50 == 0 {
			m.logger.WithFields(logrus.Fields{
				"progress": i + 1,
				"total":    len(days),
			}).Info("sweeping ticker lists")
		}

		for _, market := range markets {
			var tickers []string
			err := m.policy.Do(ctx, "instruments_for_date", func() error {
				var qerr error
				tickers, qerr = m.provider.InstrumentsForDate(ctx, day, market)
				return qerr
			})
			if err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"date":   dateutil.Format(day),
					"market": market,
				}).Warn("ticker list query failed, treating as empty")
				continue
			}

			for _, ticker := range tickers {
				s, ok := sightings[ticker]
				if !ok {
					s = seen{market: market, firstSeen: day, lastSeen: day}
				} else if day.After(s.lastSeen) {
					s.lastSeen = day
				}
				sightings[ticker] = s
			}
		}
		sleep(ctx, m.delay)
	}
	return sightings
}

// resolveTicker builds the metadata row for one ticker. When the provider
// has no reference record (delisted issue), the sweep's first/last-seen
// window stands in for the listing and delisting dates.
func (m *MetadataCollector) resolveTicker(ctx context.Context, ticker string, s seen) models.InstrumentMeta {
	ref, err := m.provider.InstrumentReference(ctx, ticker)
	if err != nil {
		m.logger.WithError(err).WithField("ticker", ticker).
			Warn("reference query failed, falling back to sweep window")
		ref = nil
	}

	firstSeen := s.firstSeen
	lastSeen := s.lastSeen
	if ref == nil {
		return models.InstrumentMeta{
			Ticker:        ticker,
			Name:          ticker,
			Market:        s.market,
			ListingDate:   &firstSeen,
			DelistingDate: &lastSeen,
		}
	}

	listing := ref.ListingDate
	if listing.IsZero() {
		listing = firstSeen
	}
	return models.InstrumentMeta{
		Ticker:      ticker,
		Name:        ref.Name,
		Market:      models.NormalizeMarketCode(ref.MarketCode, s.market),
		ListingDate: &listing,
	}
}
