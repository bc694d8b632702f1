package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/krxquant/krx-harvester/internal/dateutil"
	"github.com/krxquant/krx-harvester/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS ohlcv (
	date   TEXT NOT NULL,
	ticker TEXT NOT NULL,
	market TEXT NOT NULL,
	open   TEXT NOT NULL,
	high   TEXT NOT NULL,
	low    TEXT NOT NULL,
	close  TEXT NOT NULL,
	volume INTEGER NOT NULL,
	PRIMARY KEY (date, ticker)
);
CREATE INDEX IF NOT EXISTS idx_ohlcv_date ON ohlcv(date);
CREATE INDEX IF NOT EXISTS idx_ohlcv_ticker ON ohlcv(ticker);
CREATE INDEX IF NOT EXISTS idx_ohlcv_market ON ohlcv(market);

CREATE TABLE IF NOT EXISTS instrument_metadata (
	ticker         TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	market         TEXT NOT NULL,
	listing_date   TEXT,
	delisting_date TEXT
);
`

const upsertOHLCV = `
INSERT INTO ohlcv (date, ticker, market, open, high, low, close, volume)
VALUES (:date, :ticker, :market, :open, :high, :low, :close, :volume)
ON CONFLICT (date, ticker) DO UPDATE SET
	market = excluded.market,
	open   = excluded.open,
	high   = excluded.high,
	low    = excluded.low,
	close  = excluded.close,
	volume = excluded.volume`

const upsertMetadata = `
INSERT INTO instrument_metadata (ticker, name, market, listing_date, delisting_date)
VALUES (:ticker, :name, :market, :listing_date, :delisting_date)
ON CONFLICT (ticker) DO UPDATE SET
	name           = excluded.name,
	market         = excluded.market,
	listing_date   = excluded.listing_date,
	delisting_date = excluded.delisting_date`

// SQLiteStore is the embedded indexed sink. Each worker opens its own
// connection; WAL mode and a busy timeout keep concurrent upserts safe.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *logrus.Entry
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	// busy_timeout must come first: a fresh database converts to WAL on
	// open, and concurrent openers need the timeout in effect for that
	// conversion, not just for later statements.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logrus.WithField("component", "sqlite_store"),
	}, nil
}

type ohlcvRow struct {
	Date   string `db:"date"`
	Ticker string `db:"ticker"`
	Market string `db:"market"`
	Open   string `db:"open"`
	High   string `db:"high"`
	Low    string `db:"low"`
	Close  string `db:"close"`
	Volume int64  `db:"volume"`
}

type metadataRow struct {
	Ticker        string  `db:"ticker"`
	Name          string  `db:"name"`
	Market        string  `db:"market"`
	ListingDate   *string `db:"listing_date"`
	DelistingDate *string `db:"delisting_date"`
}

// UpsertOHLCV writes rows keyed on (date, ticker), updating all non-key
// columns on conflict. The whole batch runs in one transaction.
func (s *SQLiteStore) UpsertOHLCV(ctx context.Context, rows []models.Bar, market models.Market) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ohlcv upsert: %w", err)
	}
	defer tx.Rollback()

	for _, bar := range rows {
		m := market
		if bar.Market != "" {
			m = bar.Market
		}
		row := ohlcvRow{
			Date:   dateutil.Format(bar.Date),
			Ticker: bar.Ticker,
			Market: m.String(),
			Open:   bar.Open.String(),
			High:   bar.High.String(),
			Low:    bar.Low.String(),
			Close:  bar.Close.String(),
			Volume: bar.Volume,
		}
		if _, err := tx.NamedExecContext(ctx, upsertOHLCV, row); err != nil {
			return fmt.Errorf("upsert ohlcv row (%s, %s): %w", row.Date, row.Ticker, err)
		}
	}
	return tx.Commit()
}

// UpsertMetadata writes instrument metadata rows keyed on ticker.
func (s *SQLiteStore) UpsertMetadata(ctx context.Context, rows []models.InstrumentMeta) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata upsert: %w", err)
	}
	defer tx.Rollback()

	for _, meta := range rows {
		row := metadataRow{
			Ticker:        meta.Ticker,
			Name:          meta.Name,
			Market:        meta.Market.String(),
			ListingDate:   formatDatePtr(meta.ListingDate),
			DelistingDate: formatDatePtr(meta.DelistingDate),
		}
		if _, err := tx.NamedExecContext(ctx, upsertMetadata, row); err != nil {
			return fmt.Errorf("upsert metadata row %s: %w", row.Ticker, err)
		}
	}
	return tx.Commit()
}

// BarsByTicker returns the stored bars for ticker within [from, to],
// ordered by date.
func (s *SQLiteStore) BarsByTicker(ctx context.Context, ticker string, from, to time.Time) ([]models.Bar, error) {
	var rows []ohlcvRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT date, ticker, market, open, high, low, close, volume
		 FROM ohlcv WHERE ticker = ? AND date >= ? AND date <= ? ORDER BY date`,
		ticker, dateutil.Format(from), dateutil.Format(to))
	if err != nil {
		return nil, fmt.Errorf("query bars for %s: %w", ticker, err)
	}
	return toBars(rows)
}

// BarsByDate returns all stored bars for one trading day, ordered by ticker.
func (s *SQLiteStore) BarsByDate(ctx context.Context, date time.Time) ([]models.Bar, error) {
	var rows []ohlcvRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT date, ticker, market, open, high, low, close, volume
		 FROM ohlcv WHERE date = ? ORDER BY ticker`,
		dateutil.Format(date))
	if err != nil {
		return nil, fmt.Errorf("query bars for date %s: %w", dateutil.Format(date), err)
	}
	return toBars(rows)
}

// TickersForDate returns the distinct tickers with a bar on date, optionally
// restricted to one market.
func (s *SQLiteStore) TickersForDate(ctx context.Context, date time.Time, market models.Market) ([]string, error) {
	query := `SELECT DISTINCT ticker FROM ohlcv WHERE date = ?`
	args := []interface{}{dateutil.Format(date)}
	if market != "" {
		query += ` AND market = ?`
		args = append(args, market.String())
	}
	query += ` ORDER BY ticker`

	var tickers []string
	if err := s.db.SelectContext(ctx, &tickers, query, args...); err != nil {
		return nil, fmt.Errorf("query tickers for date: %w", err)
	}
	return tickers, nil
}

// TickerName returns the instrument name recorded for ticker, or "" when
// the ticker has no metadata row.
func (s *SQLiteStore) TickerName(ctx context.Context, ticker string) (string, error) {
	var name string
	err := s.db.GetContext(ctx, &name,
		`SELECT name FROM instrument_metadata WHERE ticker = ?`, ticker)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query name for %s: %w", ticker, err)
	}
	return name, nil
}

// Close releases the database handle; safe to call multiple times.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func toBars(rows []ohlcvRow) ([]models.Bar, error) {
	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		date, err := dateutil.Parse(row.Date)
		if err != nil {
			return nil, err
		}
		open, err := parseDecimal(row.Open)
		if err != nil {
			return nil, err
		}
		high, err := parseDecimal(row.High)
		if err != nil {
			return nil, err
		}
		low, err := parseDecimal(row.Low)
		if err != nil {
			return nil, err
		}
		cls, err := parseDecimal(row.Close)
		if err != nil {
			return nil, err
		}
		bars = append(bars, models.Bar{
			Date:   date,
			Ticker: row.Ticker,
			Market: models.ParseMarket(row.Market),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  cls,
			Volume: row.Volume,
		})
	}
	return bars, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("stored price %q is not a decimal: %w", s, err)
	}
	return d, nil
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := dateutil.Format(*t)
	return &s
}
