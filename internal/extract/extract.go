// Package extract derives the needed-ID sets from a segment store and
// scans the source PBF once, writing the node, way-tag, and relation
// caches the assemble stage consumes.
package extract

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/extsort"
	"github.com/1prk/GHvelograph/internal/osmdata"
	"github.com/1prk/GHvelograph/internal/pipeline"
	"github.com/1prk/GHvelograph/internal/store"
	"github.com/1prk/GHvelograph/internal/tagprofile"
)

// DictionarySampleSize caps the sampling pre-pass for the tag dictionary.
const DictionarySampleSize = 100_000

// Stats summarizes one extraction run.
type Stats struct {
	NeededNodes        int
	NeededWays         int
	NodesExtracted     int64
	WaysExtracted      int64
	RelationsExtracted int64
}

// Options selects the cache formats and the optional dictionary pass.
type Options struct {
	Optimized       bool
	BuildDictionary bool
	Profile         *tagprofile.Profile
	Workers         int
}

// nodeSink and wayTagSink abstract over the binary and text cache writers.
type nodeSink interface {
	OpenForWrite() error
	Put(osmdata.Node) error
	Finish() error
}

type wayTagSink interface {
	OpenForWrite() error
	Put(int64, map[string]string) error
	Finish() error
}

// NeededIDs streams the segment store once, spilling every base way id and
// node ref to disk, and returns both sets sorted and deduplicated. Spill
// and chunk files live in their own temp directory, removed on all paths.
func NeededIDs(storePath string, logger *zap.Logger) (nodeIDs, wayIDs []int64, err error) {
	tempDir, err := os.MkdirTemp("", "rseg-ids")
	if err != nil {
		return nil, nil, err
	}
	defer os.RemoveAll(tempDir)

	nodeSpillPath := filepath.Join(tempDir, "node_ids.bin")
	waySpillPath := filepath.Join(tempDir, "way_ids.bin")

	if err := spillIDs(storePath, nodeSpillPath, waySpillPath, logger); err != nil {
		return nil, nil, err
	}

	logger.Info("Sorting and deduplicating node ids")
	nodeIDs, err = extsort.SortUnique(nodeSpillPath, extsort.DefaultChunkSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sort node ids: %w", err)
	}

	logger.Info("Sorting and deduplicating way ids")
	wayIDs, err = extsort.SortUnique(waySpillPath, extsort.DefaultChunkSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sort way ids: %w", err)
	}

	logger.Info("Needed-ID extraction complete",
		zap.Int("nodes", len(nodeIDs)),
		zap.Int("ways", len(wayIDs)),
		zap.Int64("heap_mb", int64(len(nodeIDs)+len(wayIDs))*8/1024/1024))
	return nodeIDs, wayIDs, nil
}

func spillIDs(storePath, nodeSpillPath, waySpillPath string, logger *zap.Logger) error {
	reader, err := store.OpenReader(storePath)
	if err != nil {
		return err
	}

	nodeSpill, err := extsort.NewSpillWriter(nodeSpillPath)
	if err != nil {
		return err
	}
	waySpill, err := extsort.NewSpillWriter(waySpillPath)
	if err != nil {
		nodeSpill.Close()
		return err
	}

	sc, err := reader.Scanner()
	if err != nil {
		nodeSpill.Close()
		waySpill.Close()
		return err
	}
	defer sc.Close()

	var records int64
	var spillErr error
scan:
	for sc.Scan() {
		rec := sc.Record()
		if spillErr = waySpill.Append(rec.BaseWayID); spillErr != nil {
			break
		}
		for _, ref := range rec.NodeRefs {
			if spillErr = nodeSpill.Append(ref); spillErr != nil {
				break scan
			}
		}
		records++
		if records%1_000_000 == 0 {
			logger.Info("Spilled segment records", zap.Int64("records", records))
		}
	}
	scanErr := sc.Err()
	if scanErr == nil {
		scanErr = spillErr
	}

	if err := nodeSpill.Close(); err != nil {
		waySpill.Close()
		return err
	}
	if err := waySpill.Close(); err != nil {
		return err
	}
	return scanErr
}

// Run performs the full extraction: needed IDs, optional dictionary pass,
// and the main cache-writing pass over the source PBF.
func Run(ctx context.Context, osmPath, storePath, cacheDir string, opts Options, logger *zap.Logger) (*Stats, error) {
	profile := opts.Profile
	if profile == nil {
		profile = tagprofile.Default()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 2
	}

	nodeIDs, wayIDs, err := NeededIDs(storePath, logger)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}

	// Cache temp files must not survive a failed run
	success := false
	defer func() {
		if !success {
			removeTempFiles(cacheDir)
		}
	}()

	var nodes nodeSink
	var wayTags wayTagSink
	if opts.Optimized {
		nodes = osmdata.NewBinaryNodeCache(filepath.Join(cacheDir, "nodes.bin"))
		compressed := osmdata.NewCompressedWayTagCache(filepath.Join(cacheDir, "way_tags.bin"))
		if opts.BuildDictionary {
			entries, err := sampleDictionary(ctx, osmPath, wayIDs, profile, workers, logger)
			if err != nil {
				return nil, err
			}
			if err := compressed.SetDictionary(entries); err != nil {
				return nil, err
			}
		}
		wayTags = compressed
	} else {
		nodes = osmdata.NewTextNodeCache(filepath.Join(cacheDir, "nodes.txt"))
		wayTags = osmdata.NewTextWayTagCache(filepath.Join(cacheDir, "way_tags.txt"))
	}
	relations := osmdata.NewRelationCache(filepath.Join(cacheDir, "relations.txt"))

	if err := nodes.OpenForWrite(); err != nil {
		return nil, err
	}
	if err := wayTags.OpenForWrite(); err != nil {
		return nil, err
	}
	if err := relations.OpenForWrite(); err != nil {
		return nil, err
	}

	stats := &Stats{NeededNodes: len(nodeIDs), NeededWays: len(wayIDs)}
	if err := scanSource(ctx, osmPath, workers, nodeIDs, wayIDs, profile, nodes, wayTags, relations, stats, logger); err != nil {
		return nil, err
	}

	if err := nodes.Finish(); err != nil {
		return nil, fmt.Errorf("failed to finish node cache: %w", err)
	}
	if err := wayTags.Finish(); err != nil {
		return nil, fmt.Errorf("failed to finish way tag cache: %w", err)
	}
	if err := relations.Close(); err != nil {
		return nil, fmt.Errorf("failed to close relation cache: %w", err)
	}

	success = true
	logger.Info("Extraction complete",
		zap.Int64("nodes", stats.NodesExtracted),
		zap.Int64("ways", stats.WaysExtracted),
		zap.Int64("relations", stats.RelationsExtracted))
	return stats, nil
}

func removeTempFiles(cacheDir string) {
	matches, err := filepath.Glob(filepath.Join(cacheDir, "*.tmp"))
	if err != nil {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
}

// sampleDictionary scans ways until enough needed ways have been sampled,
// then freezes the frequency dictionary.
func sampleDictionary(ctx context.Context, osmPath string, wayIDs []int64, profile *tagprofile.Profile, workers int, logger *zap.Logger) ([]string, error) {
	logger.Info("Building tag dictionary from sample")

	f, err := os.Open(osmPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	target := DictionarySampleSize
	if len(wayIDs) < target {
		target = len(wayIDs)
	}

	builder := osmdata.NewDictionaryBuilder()
	scanner := osmpbf.New(ctx, f, workers)
	defer scanner.Close()

	for scanner.Scan() && builder.Sampled() < target {
		way, ok := scanner.Object().(*osm.Way)
		if !ok {
			continue
		}
		if !extsort.Contains(wayIDs, int64(way.ID)) {
			continue
		}
		builder.AddSample(profile.Filter(way.Tags.Map()))
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}

	entries := builder.Build()
	logger.Info("Tag dictionary built",
		zap.Int("sampled_ways", builder.Sampled()),
		zap.Int("entries", len(entries)))
	return entries, nil
}

func scanSource(ctx context.Context, osmPath string, workers int, nodeIDs, wayIDs []int64, profile *tagprofile.Profile, nodes nodeSink, wayTags wayTagSink, relations *osmdata.RelationCache, stats *Stats, logger *zap.Logger) error {
	f, err := os.Open(osmPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var totalBytes int64
	if info, err := f.Stat(); err == nil {
		totalBytes = info.Size()
	}
	tracker := pipeline.NewProgressTracker(totalBytes, "extract")

	scanner := osmpbf.New(ctx, f, workers)
	defer scanner.Close()

	logProgress := func() {
		p := tracker.Calculate(stats.NodesExtracted+stats.WaysExtracted, scanner.FullyScannedBytes())
		logger.Info("Extraction progress",
			zap.Float64("pct", p.Percentage),
			zap.Duration("elapsed", p.Elapsed),
			zap.Duration("eta", p.ETA),
			zap.Float64("elements_per_s", p.Throughput))
	}

	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			if !extsort.Contains(nodeIDs, int64(o.ID)) {
				continue
			}
			ele := math.NaN()
			if s := o.Tags.Find("ele"); s != "" {
				if v, err := strconv.ParseFloat(s, 64); err == nil {
					ele = v
				}
			}
			if err := nodes.Put(osmdata.Node{ID: int64(o.ID), Lat: o.Lat, Lon: o.Lon, Ele: ele}); err != nil {
				return err
			}
			stats.NodesExtracted++
			if stats.NodesExtracted%1_000_000 == 0 {
				logProgress()
			}

		case *osm.Way:
			if !extsort.Contains(wayIDs, int64(o.ID)) {
				continue
			}
			if err := wayTags.Put(int64(o.ID), profile.Filter(o.Tags.Map())); err != nil {
				return err
			}
			stats.WaysExtracted++
			if stats.WaysExtracted%100_000 == 0 {
				logProgress()
			}

		case *osm.Relation:
			typeTag := o.Tags.Find("type")
			if typeTag != "route" && typeTag != "route_master" {
				continue
			}
			rel := convertRelation(o)
			if err := relations.Put(rel); err != nil {
				return err
			}
			stats.RelationsExtracted++
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("failed to scan source PBF: %w", err)
	}
	return nil
}

func convertRelation(o *osm.Relation) osmdata.Relation {
	rel := osmdata.Relation{
		ID:   int64(o.ID),
		Tags: o.Tags.Map(),
	}
	for _, m := range o.Members {
		var mt osmdata.MemberType
		switch m.Type {
		case osm.TypeNode:
			mt = osmdata.MemberNode
		case osm.TypeWay:
			mt = osmdata.MemberWay
		case osm.TypeRelation:
			mt = osmdata.MemberRelation
		default:
			continue
		}
		rel.Members = append(rel.Members, osmdata.Member{Type: mt, Ref: m.Ref, Role: m.Role})
	}
	return rel
}
