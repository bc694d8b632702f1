package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/krxquant/krx-harvester/internal/models"
)

// parquetRow is the on-disk column layout of the daily bar files. Dates are
// YYYYMMDD strings so lexicographic order matches chronological order.
type parquetRow struct {
	Date   string  `parquet:"date,dict"`
	Ticker string  `parquet:"ticker,dict"`
	Market string  `parquet:"market,dict"`
	Open   float64 `parquet:"open,snappy"`
	High   float64 `parquet:"high,snappy"`
	Low    float64 `parquet:"low,snappy"`
	Close  float64 `parquet:"close,snappy"`
	Volume int64   `parquet:"volume,snappy"`
}

// ParquetStore writes one file per (market, year, month) under its base
// directory, merging with any existing file contents on every write.
type ParquetStore struct {
	dir    string
	logger *logrus.Entry
}

// NewParquetStore creates the store rooted at dir.
func NewParquetStore(dir string) *ParquetStore {
	return &ParquetStore{
		dir:    dir,
		logger: logrus.WithField("component", "parquet_store"),
	}
}

// pathLocks serializes merge-on-write of the same file across workers in
// the same process.
var pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func lockPath(path string) *sync.Mutex {
	pathLocks.mu.Lock()
	defer pathLocks.mu.Unlock()
	if pathLocks.locks == nil {
		pathLocks.locks = make(map[string]*sync.Mutex)
	}
	l, ok := pathLocks.locks[path]
	if !ok {
		l = &sync.Mutex{}
		pathLocks.locks[path] = l
	}
	return l
}

// FilePath returns the file location for the given market and month anchor,
// shaped <market>/<year>/<year>-<mm>.parquet.
func (p *ParquetStore) FilePath(market models.Market, anchor time.Time) string {
	year := anchor.Year()
	return filepath.Join(p.dir, market.String(), fmt.Sprintf("%d", year),
		fmt.Sprintf("%d-%02d.parquet", year, anchor.Month()))
}

// Save merges rows into the (market, year, month) file derived from anchor.
// An existing file is read, concatenated with rows, deduplicated by
// (date, ticker) keeping the newest, re-sorted by date, and rewritten whole.
// Later backfills can overlap earlier ones, so append-only is never safe.
func (p *ParquetStore) Save(rows []models.Bar, market models.Market, anchor time.Time) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}

	path := p.FilePath(market, anchor)
	lock := lockPath(path)
	lock.Lock()
	defer lock.Unlock()

	merged := make([]parquetRow, 0, len(rows))
	if _, err := os.Stat(path); err == nil {
		existing, err := parquet.ReadFile[parquetRow](path)
		if err != nil {
			p.logger.WithError(err).WithField("path", path).
				Warn("failed to read existing parquet file, rewriting from new rows")
		} else {
			merged = append(merged, existing...)
		}
	}
	for _, bar := range rows {
		merged = append(merged, toParquetRow(bar, market))
	}

	merged = dedupRows(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Date != merged[j].Date {
			return merged[i].Date < merged[j].Date
		}
		return merged[i].Ticker < merged[j].Ticker
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parquet dir: %w", err)
	}
	if err := parquet.WriteFile(path, merged); err != nil {
		return "", fmt.Errorf("write parquet file %s: %w", path, err)
	}
	return path, nil
}

// Read loads all bars from the (market, year, month) file, or an empty
// slice when the file does not exist.
func (p *ParquetStore) Read(market models.Market, anchor time.Time) ([]models.Bar, error) {
	path := p.FilePath(market, anchor)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	rows, err := parquet.ReadFile[parquetRow](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet file %s: %w", path, err)
	}
	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := fromParquetRow(row)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// dedupRows keeps the last occurrence of each (date, ticker) pair,
// preserving the relative order of the survivors.
func dedupRows(rows []parquetRow) []parquetRow {
	type key struct{ date, ticker string }
	last := make(map[key]int, len(rows))
	for i, row := range rows {
		last[key{row.Date, row.Ticker}] = i
	}
	out := rows[:0]
	for i, row := range rows {
		if last[key{row.Date, row.Ticker}] == i {
			out = append(out, row)
		}
	}
	return out
}

func toParquetRow(bar models.Bar, market models.Market) parquetRow {
	if bar.Market != "" {
		market = bar.Market
	}
	return parquetRow{
		Date:   bar.Date.Format("20060102"),
		Ticker: bar.Ticker,
		Market: market.String(),
		Open:   bar.Open.InexactFloat64(),
		High:   bar.High.InexactFloat64(),
		Low:    bar.Low.InexactFloat64(),
		Close:  bar.Close.InexactFloat64(),
		Volume: bar.Volume,
	}
}

func fromParquetRow(row parquetRow) (models.Bar, error) {
	date, err := time.ParseInLocation("20060102", row.Date, time.UTC)
	if err != nil {
		return models.Bar{}, fmt.Errorf("parquet row has invalid date %q: %w", row.Date, err)
	}
	return models.Bar{
		Date:   date,
		Ticker: row.Ticker,
		Market: models.ParseMarket(row.Market),
		Open:   decimal.NewFromFloat(row.Open),
		High:   decimal.NewFromFloat(row.High),
		Low:    decimal.NewFromFloat(row.Low),
		Close:  decimal.NewFromFloat(row.Close),
		Volume: row.Volume,
	}, nil
}
