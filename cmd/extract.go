package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/extract"
	"github.com/1prk/GHvelograph/internal/logger"
	"github.com/1prk/GHvelograph/internal/tagprofile"
)

var extractCmd = &cobra.Command{
	Use:   "extract-osm",
	Short: "Extract needed nodes, way tags, and relations from a PBF",
	Long: `Scan the segment store for the node and way ids the derived PBF will need,
then scan the source PBF once, writing the node cache, the way-tag cache,
and the route-relation cache into the cache directory.

With --optimized the caches use the binary formats (memory-mapped node
cache, dictionary-compressed way tags) and the streaming ID-set extractor;
without it the legacy text formats are written.`,
	Run: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVar(&cfg.OSMFile, "osm", "", "Input OSM PBF file path")
	extractCmd.Flags().StringVar(&cfg.SegmentStore, "segments", "", "Input segment store file path (*.rseg)")
	extractCmd.Flags().StringVarP(&cfg.CacheDir, "out", "o", "", "Output cache directory")
	extractCmd.Flags().BoolVar(&cfg.Optimized, "optimized", false, "Use binary cache formats and streaming extraction")
	extractCmd.Flags().BoolVar(&cfg.BuildDictionary, "build-dictionary", false, "Build tag dictionary for compression (slower, needs --optimized)")
	extractCmd.Flags().StringVar(&cfg.TagProfile, "tag-profile", "", "Optional YAML tag-profile overriding the extract whitelist")
	extractCmd.Flags().BoolVarP(&cfg.Force, "force", "f", false, "Force re-extraction even if the cache exists")
	extractCmd.MarkFlagRequired("osm")
	extractCmd.MarkFlagRequired("segments")
	extractCmd.MarkFlagRequired("out")
}

// cacheExists reports whether the cache files for the selected formats are
// already present.
func cacheExists(dir string, optimized bool) bool {
	names := []string{"nodes.txt", "way_tags.txt"}
	if optimized {
		names = []string{"nodes.bin", "way_tags.bin"}
	}
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

func runExtract(cmd *cobra.Command, args []string) {
	log := logger.Get()

	if err := cfg.ValidateExtract(); err != nil {
		exitWithError("invalid configuration", err)
	}

	if cacheExists(cfg.CacheDir, cfg.Optimized) && !cfg.Force {
		log.Info("Cache already exists, skipping extraction; use --force to re-extract",
			zap.String("cache", cfg.CacheDir))
		return
	}

	profile := tagprofile.Default()
	if cfg.TagProfile != "" {
		var err error
		profile, err = tagprofile.Load(cfg.TagProfile)
		if err != nil {
			exitWithError("invalid tag profile", err)
		}
	}

	log.Info("Extracting OSM data",
		zap.String("osm", cfg.OSMFile),
		zap.String("segments", cfg.SegmentStore),
		zap.String("cache", cfg.CacheDir),
		zap.Bool("optimized", cfg.Optimized),
		zap.Bool("build_dictionary", cfg.BuildDictionary))
	start := time.Now()

	var stats *extract.Stats
	err := runStage(func(ctx context.Context) error {
		var err error
		stats, err = extract.Run(ctx, cfg.OSMFile, cfg.SegmentStore, cfg.CacheDir, extract.Options{
			Optimized:       cfg.Optimized,
			BuildDictionary: cfg.BuildDictionary,
			Profile:         profile,
			Workers:         cfg.Workers,
		}, log)
		return err
	})
	if err != nil {
		exitWithError("extraction failed", err)
	}

	log.Info("Extraction complete",
		zap.Int("needed_nodes", stats.NeededNodes),
		zap.Int("needed_ways", stats.NeededWays),
		zap.Int64("nodes_extracted", stats.NodesExtracted),
		zap.Int64("ways_extracted", stats.WaysExtracted),
		zap.Int64("relations_extracted", stats.RelationsExtracted),
		zap.String("output", cfg.CacheDir),
		zap.Duration("duration", time.Since(start).Round(time.Second)))
}
