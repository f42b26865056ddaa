package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/capture"
	"github.com/1prk/GHvelograph/internal/logger"
	"github.com/1prk/GHvelograph/internal/splitter"
	"github.com/1prk/GHvelograph/internal/store"
)

var captureCmd = &cobra.Command{
	Use:   "capture-segments",
	Short: "Capture segment metadata from an OSM PBF into a segment store",
	Long: `Drive the segment producer over the input PBF. Each produced segment is
assigned a sequential edge id and appended to the segment store (*.rseg).`,
	Run: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().StringVar(&cfg.OSMFile, "osm", "", "Input OSM PBF file path")
	captureCmd.Flags().StringVarP(&cfg.SegmentStore, "segments", "o", "", "Output segment store file path (*.rseg)")
	captureCmd.Flags().BoolVarP(&cfg.Force, "force", "f", false, "Force re-capture even if the segment store exists")
	captureCmd.MarkFlagRequired("osm")
	captureCmd.MarkFlagRequired("segments")
}

func runCapture(cmd *cobra.Command, args []string) {
	log := logger.Get()

	if err := cfg.ValidateCapture(); err != nil {
		exitWithError("invalid configuration", err)
	}

	if _, err := os.Stat(cfg.SegmentStore); err == nil && !cfg.Force {
		log.Info("Segment store already exists, skipping capture; use --force to re-capture",
			zap.String("path", cfg.SegmentStore))
		return
	}

	if dir := filepath.Dir(cfg.SegmentStore); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			exitWithError("failed to create output directory", err)
		}
	}

	log.Info("Capturing segments",
		zap.String("osm", cfg.OSMFile),
		zap.String("segments", cfg.SegmentStore))
	start := time.Now()

	var captured int
	err := runStage(func(ctx context.Context) error {
		writer, err := store.NewWriter(cfg.SegmentStore)
		if err != nil {
			return err
		}

		recorder := capture.NewRecorder(writer, log)
		if _, err := splitter.New(cfg.Workers, log).Run(ctx, cfg.OSMFile, recorder); err != nil {
			writer.Close()
			return err
		}
		if err := recorder.Finish(); err != nil {
			writer.Close()
			return err
		}
		captured = recorder.Captured()
		return writer.Close()
	})
	if err != nil {
		exitWithError("capture failed", err)
	}

	log.Info("Capture complete",
		zap.Int("segments", captured),
		zap.String("output", cfg.SegmentStore),
		zap.Duration("duration", time.Since(start).Round(time.Second)))
}
