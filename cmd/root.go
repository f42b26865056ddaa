package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/1prk/GHvelograph/internal/config"
	"github.com/1prk/GHvelograph/internal/logger"
	"github.com/1prk/GHvelograph/internal/metrics"
)

var (
	cfg             = config.DefaultConfig()
	verbose         bool
	logFile         string
	metricsInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "ghvelograph",
	Short: "Segmented derived-PBF pipeline for routing graphs",
	Long: `ghvelograph turns an OSM PBF extract into a derived PBF in which every
routing-graph edge is a first-class way and every route relation references
those segment ways.

The pipeline runs in three resumable stages chained by on-disk artifacts:

  1. capture-segments   drive the segment producer, write the segment store
  2. extract-osm        derive needed-ID sets, write node/way/relation caches
  3. build-derived-pbf  rewrite relations and assemble the derived PBF`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg.Verbose = verbose
		cfg.LogFile = logFile
		cfg.MetricsInterval = metricsInterval

		logger.Init(verbose, logFile)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of PBF decoder workers")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&metricsInterval, "metrics-interval", 30*time.Second, "Interval for system metrics logging (e.g., 10s, 1m)")
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	os.Exit(1)
}

// runStage executes a stage body with the metrics collector running
// alongside it.
func runStage(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	collector := metrics.NewCollector(cfg.MetricsInterval, logger.Get())
	g.Go(func() error {
		collector.Start(gctx)
		return nil
	})

	err := fn(ctx)
	cancel()
	g.Wait()
	return err
}
