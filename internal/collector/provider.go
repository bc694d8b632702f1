package collector

import (
	"context"
	"time"

	"github.com/krxquant/krx-harvester/internal/models"
)

// Provider is the data-provider access contract consumed by the collectors.
// Implementations return empty results for "no data" and error only on
// transport or decode failure.
type Provider interface {
	// TradingCalendar returns the trading days of one calendar month.
	TradingCalendar(ctx context.Context, year int, month time.Month) ([]time.Time, error)
	// InstrumentsForDate returns the tickers listed on market at date.
	InstrumentsForDate(ctx context.Context, date time.Time, market models.Market) ([]string, error)
	// InstrumentReference returns the reference record for ticker, or
	// (nil, nil) when the provider no longer carries one.
	InstrumentReference(ctx context.Context, ticker string) (*models.Reference, error)
	// BarsForRange returns daily bars for ticker within [from, to].
	BarsForRange(ctx context.Context, ticker string, from, to time.Time) ([]models.Bar, error)
}

// sleep waits for d unless the context is canceled first.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
