package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/assemble"
	"github.com/1prk/GHvelograph/internal/logger"
	"github.com/1prk/GHvelograph/internal/osmdata"
	"github.com/1prk/GHvelograph/internal/rewrite"
)

var buildCmd = &cobra.Command{
	Use:   "build-derived-pbf",
	Short: "Assemble the derived PBF from the segment store and caches",
	Long: `Load the segment store and the extracted caches, rewrite every route
relation so its way members reference segment ways, and emit the derived
PBF: nodes, then segment ways, then rewritten relations.

Barrier edges are excluded by default; --include-barrier-edges retains
them in both the rewriter input and the way/node emission.`,
	Run: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVar(&cfg.SegmentStore, "segments", "", "Input segment store file path (*.rseg)")
	buildCmd.Flags().StringVar(&cfg.CacheDir, "cache", "", "Cache directory written by extract-osm")
	buildCmd.Flags().StringVarP(&cfg.OutputPBF, "out", "o", "", "Output derived PBF file path")
	buildCmd.Flags().BoolVar(&cfg.IncludeBarrierEdges, "include-barrier-edges", false, "Retain barrier edges in the output")
	buildCmd.Flags().BoolVarP(&cfg.Force, "force", "f", false, "Force rebuild even if the output exists")
	buildCmd.MarkFlagRequired("segments")
	buildCmd.MarkFlagRequired("cache")
	buildCmd.MarkFlagRequired("out")
}

func runBuild(cmd *cobra.Command, args []string) {
	log := logger.Get()

	if err := cfg.ValidateBuild(); err != nil {
		exitWithError("invalid configuration", err)
	}

	if _, err := os.Stat(cfg.OutputPBF); err == nil && !cfg.Force {
		log.Info("Derived PBF already exists, skipping build; use --force to rebuild",
			zap.String("path", cfg.OutputPBF))
		return
	}

	log.Info("Building derived PBF",
		zap.String("segments", cfg.SegmentStore),
		zap.String("cache", cfg.CacheDir),
		zap.String("output", cfg.OutputPBF),
		zap.Bool("include_barrier_edges", cfg.IncludeBarrierEdges))
	start := time.Now()

	var stats *assemble.Stats
	err := runStage(func(ctx context.Context) error {
		nodes, err := osmdata.OpenNodeCache(cfg.CacheDir)
		if err != nil {
			return err
		}
		defer nodes.Close()
		log.Info("Loaded node cache", zap.Int("nodes", nodes.Size()))

		wayTags, err := osmdata.OpenWayTagCache(cfg.CacheDir)
		if err != nil {
			return err
		}
		defer wayTags.Close()
		log.Info("Loaded way tag cache", zap.Int("ways", wayTags.Size()))

		relCache := osmdata.NewRelationCache(filepath.Join(cfg.CacheDir, "relations.txt"))
		if err := relCache.Load(); err != nil {
			return err
		}
		log.Info("Loaded relation cache", zap.Int("relations", relCache.Size()))

		rewriter, err := rewrite.NewRewriter(cfg.SegmentStore, cfg.IncludeBarrierEdges, log)
		if err != nil {
			return err
		}
		relations := rewriter.RewriteAll(relCache.All())

		assembler := assemble.New(cfg.SegmentStore, nodes, wayTags, relations, cfg.IncludeBarrierEdges, log)
		stats, err = assembler.Write(cfg.OutputPBF)
		return err
	})
	if err != nil {
		exitWithError("build failed", err)
	}

	log.Info("Derived PBF build complete",
		zap.Int64("nodes", stats.NodesWritten),
		zap.Int64("ways", stats.WaysWritten),
		zap.Int64("relations", stats.RelationsWritten),
		zap.String("output", cfg.OutputPBF),
		zap.Duration("duration", time.Since(start).Round(time.Second)))
}
