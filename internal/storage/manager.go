// Package storage persists harvested data into two sinks: a partitioned,
// merge-on-write parquet file store and an embedded indexed SQLite store.
// The sinks are best-effort independent; there is no cross-sink transaction.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krxquant/krx-harvester/internal/config"
	"github.com/krxquant/krx-harvester/internal/models"
)

// Manager owns both storage sinks. Workers construct their own Manager, so
// no instance is ever shared across goroutines.
type Manager struct {
	Parquet *ParquetStore
	SQLite  *SQLiteStore
	logger  *logrus.Entry
	closed  bool
}

// NewManager opens both sinks from the storage configuration.
func NewManager(cfg config.StorageConfig) (*Manager, error) {
	sqlite, err := NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Parquet: NewParquetStore(cfg.ParquetDir),
		SQLite:  sqlite,
		logger:  logrus.WithField("component", "storage"),
	}, nil
}

// SaveOHLCV writes rows to the parquet file for the (market, year, month)
// derived from anchor, then upserts the same rows into SQLite. A parquet
// failure is logged and does not prevent the SQLite write from being
// attempted; an error is returned only when neither sink stored the rows.
func (m *Manager) SaveOHLCV(ctx context.Context, rows []models.Bar, market models.Market, anchor time.Time) error {
	if len(rows) == 0 {
		return nil
	}

	path, parquetErr := m.Parquet.Save(rows, market, anchor)
	if parquetErr != nil {
		m.logger.WithError(parquetErr).WithFields(logrus.Fields{
			"market": market,
			"anchor": anchor.Format("2006-01"),
		}).Error("parquet sink write failed")
	} else {
		m.logger.WithFields(logrus.Fields{
			"path": path,
			"rows": len(rows),
		}).Debug("parquet file written")
	}

	sqliteErr := m.SQLite.UpsertOHLCV(ctx, rows, market)
	if sqliteErr != nil {
		m.logger.WithError(sqliteErr).WithField("market", market).
			Error("sqlite sink write failed")
	}

	if parquetErr != nil && sqliteErr != nil {
		return errors.Join(parquetErr, sqliteErr)
	}
	return nil
}

// SaveMetadata upserts instrument metadata into the SQLite sink.
func (m *Manager) SaveMetadata(ctx context.Context, rows []models.InstrumentMeta) error {
	return m.SQLite.UpsertMetadata(ctx, rows)
}

// Close releases the SQLite handle; safe to call multiple times.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.SQLite.Close()
}
