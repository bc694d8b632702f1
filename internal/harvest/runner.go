// Package harvest sequences the two collection phases and owns the
// top-level lifecycle of a harvest run.
package harvest

import (
	"context"
	"errors"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/krxquant/krx-harvester/internal/collector"
	"github.com/krxquant/krx-harvester/internal/config"
	"github.com/krxquant/krx-harvester/internal/progress"
	"github.com/krxquant/krx-harvester/internal/storage"
)

// ErrNoInstruments is returned when the metadata phase resolves nothing;
// there is nothing to backfill and the run cannot continue.
var ErrNoInstruments = errors.New("metadata phase resolved no instruments")

// Options are the per-run switches exposed by the CLI.
type Options struct {
	SkipMetadata  bool
	SkipOHLCV     bool
	Parallel      bool
	ResetProgress bool
}

// Runner wires the collectors and runs Phase 1 then Phase 2.
type Runner struct {
	cfg      *config.Config
	provider collector.Provider
	logger   *logrus.Entry
}

func NewRunner(cfg *config.Config, provider collector.Provider) *Runner {
	return &Runner{
		cfg:      cfg,
		provider: provider,
		logger:   logrus.WithField("component", "harvest"),
	}
}

// Run executes the harvest. A canceled context stops issuing new work and
// returns nil; state already persisted is trusted on the next run.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	r.logger.WithFields(logrus.Fields{
		"start":   r.cfg.Harvest.StartDate,
		"end":     r.cfg.Harvest.EndDate,
		"markets": r.cfg.Harvest.Markets,
		"base":    r.cfg.Storage.BaseDir,
	}).Info("starting harvest")

	if opts.ResetProgress {
		r.logger.Warn("resetting progress ledger")
		if err := os.Remove(r.cfg.Storage.ProgressPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	store := progress.NewStore(r.cfg.Storage.ProgressPath)
	factory := collector.StorageFactory(func() (*storage.Manager, error) {
		return storage.NewManager(r.cfg.Storage)
	})

	if !opts.SkipMetadata {
		if err := r.runMetadata(ctx, store, factory); err != nil {
			return err
		}
	} else {
		r.logger.Info("skipping metadata phase")
	}
	if ctx.Err() != nil {
		return nil
	}

	if !opts.SkipOHLCV {
		ohlcv := collector.NewOHLCVCollector(r.cfg, r.provider, store, factory)
		if err := ohlcv.CollectAll(ctx, opts.Parallel); err != nil {
			return err
		}
	} else {
		r.logger.Info("skipping OHLCV phase")
	}

	stats := store.Stats()
	r.logger.WithFields(logrus.Fields{
		"total":     stats.Total,
		"completed": stats.Completed,
		"failed":    stats.Failed,
	}).Info("harvest finished")
	return nil
}

func (r *Runner) runMetadata(ctx context.Context, store *progress.Store, factory collector.StorageFactory) error {
	if store.IsMetadataCollected() {
		r.logger.Info("metadata already collected, skipping phase 1")
		return nil
	}

	st, err := factory()
	if err != nil {
		return err
	}
	defer st.Close()

	meta := collector.NewMetadataCollector(r.cfg, r.provider, store, st)
	rows, err := meta.CollectAll(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	if len(rows) == 0 {
		return ErrNoInstruments
	}
	return nil
}
