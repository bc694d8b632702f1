package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/krxquant/krx-harvester/internal/api"
	"github.com/krxquant/krx-harvester/internal/config"
	"github.com/krxquant/krx-harvester/internal/harvest"
	"github.com/krxquant/krx-harvester/internal/krx"
	"github.com/krxquant/krx-harvester/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("run failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts harvest.Options
	var disableParallel bool

	cmd := &cobra.Command{
		Use:   "krx-harvester",
		Short: "Backfills KRX daily OHLCV history and instrument metadata",
		Long: `krx-harvester incrementally collects daily price/volume bars and
instrument metadata from the KRX data API into parquet files and an
embedded SQLite database. Progress is checkpointed in a ledger file, so
an interrupted run resumes where it left off.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts.Parallel = !disableParallel
			runner := harvest.NewRunner(cfg, krx.NewClient(cfg.Harvest.Adjusted))
			if err := runner.Run(ctx, opts); err != nil {
				return err
			}
			if ctx.Err() != nil {
				logrus.Info("interrupted; progress is saved, rerun to resume")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.SkipMetadata, "skip-metadata", false, "skip the metadata collection phase")
	cmd.Flags().BoolVar(&opts.SkipOHLCV, "skip-ohlcv", false, "skip the OHLCV collection phase")
	cmd.Flags().BoolVar(&disableParallel, "disable-parallel", false, "collect tickers sequentially")
	cmd.Flags().BoolVar(&opts.ResetProgress, "reset-progress", false, "discard the progress ledger and start over")

	cmd.AddCommand(newServeCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the harvested data as JSON endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := api.NewServer(cfg)
			if err != nil {
				return err
			}
			err = srv.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// setup loads configuration and applies the logging settings.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.LogLevel, cfg.Environment)
	return cfg, nil
}
