// Package assemble joins the segment store, the node and way-tag caches,
// and the rewritten route relations into the derived PBF: every segment
// becomes a way, every route relation references segment ways.
package assemble

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/osmdata"
	"github.com/1prk/GHvelograph/internal/pbfwrite"
	"github.com/1prk/GHvelograph/internal/store"
	"github.com/1prk/GHvelograph/internal/tagprofile"
)

// Stats summarizes one assembly run.
type Stats struct {
	NodesWritten     int64
	WaysWritten      int64
	RelationsWritten int64
	WaysSkipped      int64 // segments whose base way has no highway tag
	NodesMissing     int64 // node refs absent from the node cache
}

// Assembler produces the derived PBF.
type Assembler struct {
	storePath       string
	nodes           osmdata.NodeGetter
	wayTags         osmdata.WayTagGetter
	relations       []osmdata.Relation
	includeBarriers bool
	logger          *zap.Logger
}

// New creates an assembler. The caches must already be loaded; relations
// are the rewriter's output in its order.
func New(storePath string, nodes osmdata.NodeGetter, wayTags osmdata.WayTagGetter, relations []osmdata.Relation, includeBarriers bool, logger *zap.Logger) *Assembler {
	return &Assembler{
		storePath:       storePath,
		nodes:           nodes,
		wayTags:         wayTags,
		relations:       relations,
		includeBarriers: includeBarriers,
		logger:          logger,
	}
}

// Write emits the derived PBF to outPath: nodes in ascending id order,
// ways in segment store order, then relations.
func (a *Assembler) Write(outPath string) (*Stats, error) {
	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(outPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	enc := pbfwrite.NewEncoder(f, pbfwrite.WithWritingProgram("GHvelograph"))
	info := pbfwrite.Info{
		Version:   1,
		Timestamp: time.Now(),
		Changeset: 1,
		User:      "anonymous",
	}

	stats := &Stats{}
	if err := a.writeNodes(enc, info, stats); err != nil {
		return nil, err
	}
	if err := a.writeWays(enc, info, stats); err != nil {
		return nil, err
	}
	if err := a.writeRelations(enc, info, stats); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	a.logger.Info("Derived PBF complete",
		zap.String("path", outPath),
		zap.Int64("nodes", stats.NodesWritten),
		zap.Int64("ways", stats.WaysWritten),
		zap.Int64("relations", stats.RelationsWritten),
		zap.Int64("ways_skipped", stats.WaysSkipped),
		zap.Int64("nodes_missing", stats.NodesMissing))
	return stats, nil
}

// emittable reports whether a record survives the barrier filter and its
// base way carries a highway tag.
func (a *Assembler) emittable(rec *store.Record) bool {
	if !a.includeBarriers && rec.IsBarrier() {
		return false
	}
	baseTags, ok := a.wayTags.Get(rec.BaseWayID)
	if !ok {
		return false
	}
	_, hasHighway := baseTags["highway"]
	return hasHighway
}

func (a *Assembler) writeNodes(enc *pbfwrite.Encoder, info pbfwrite.Info, stats *Stats) error {
	a.logger.Info("Writing nodes")

	needed := make(map[int64]struct{})
	if err := a.scanStore(func(rec *store.Record) {
		if !a.emittable(rec) {
			return
		}
		for _, ref := range rec.NodeRefs {
			needed[ref] = struct{}{}
		}
	}); err != nil {
		return err
	}

	ids := make([]int64, 0, len(needed))
	for id := range needed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		n, ok := a.nodes.Get(id)
		if !ok {
			a.logger.Warn("Node missing from cache, skipping", zap.Int64("node", id))
			stats.NodesMissing++
			continue
		}
		if err := enc.WriteNode(pbfwrite.Node{ID: n.ID, Lat: n.Lat, Lon: n.Lon, Info: info}); err != nil {
			return err
		}
		stats.NodesWritten++
		if stats.NodesWritten%100_000 == 0 {
			a.logger.Info("Written nodes", zap.Int64("count", stats.NodesWritten))
		}
	}
	return nil
}

func (a *Assembler) writeWays(enc *pbfwrite.Encoder, info pbfwrite.Info, stats *Stats) error {
	a.logger.Info("Writing segment ways")

	var writeErr error
	if err := a.scanStore(func(rec *store.Record) {
		if writeErr != nil {
			return
		}
		if !a.includeBarriers && rec.IsBarrier() {
			return
		}
		if !a.emittable(rec) {
			stats.WaysSkipped++
			return
		}
		baseTags, _ := a.wayTags.Get(rec.BaseWayID)

		tags := make([]pbfwrite.Tag, 0, len(tagprofile.OutputKeys)+1)
		tags = append(tags, pbfwrite.Tag{Key: "base_id", Value: fmt.Sprintf("%d", rec.BaseWayID)})
		for _, key := range tagprofile.OutputKeys {
			if v, ok := baseTags[key]; ok {
				tags = append(tags, pbfwrite.Tag{Key: key, Value: v})
			}
		}

		writeErr = enc.WriteWay(pbfwrite.Way{
			ID:       int64(rec.EdgeID),
			NodeRefs: rec.NodeRefs,
			Tags:     tags,
			Info:     info,
		})
		if writeErr != nil {
			return
		}
		stats.WaysWritten++
		if stats.WaysWritten%10_000 == 0 {
			a.logger.Info("Written ways", zap.Int64("count", stats.WaysWritten))
		}
	}); err != nil {
		return err
	}
	return writeErr
}

func (a *Assembler) writeRelations(enc *pbfwrite.Encoder, info pbfwrite.Info, stats *Stats) error {
	a.logger.Info("Writing relations")

	for _, rel := range a.relations {
		keys := make([]string, 0, len(rel.Tags))
		for k := range rel.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tags := make([]pbfwrite.Tag, 0, len(keys))
		for _, k := range keys {
			tags = append(tags, pbfwrite.Tag{Key: k, Value: rel.Tags[k]})
		}

		members := make([]pbfwrite.Member, 0, len(rel.Members))
		for _, m := range rel.Members {
			var mt pbfwrite.MemberType
			switch m.Type {
			case osmdata.MemberNode:
				mt = pbfwrite.MemberNode
			case osmdata.MemberWay:
				mt = pbfwrite.MemberWay
			case osmdata.MemberRelation:
				mt = pbfwrite.MemberRelation
			default:
				continue
			}
			members = append(members, pbfwrite.Member{Type: mt, Ref: m.Ref, Role: m.Role})
		}

		if err := enc.WriteRelation(pbfwrite.Relation{
			ID:      rel.ID,
			Tags:    tags,
			Members: members,
			Info:    info,
		}); err != nil {
			return err
		}
		stats.RelationsWritten++
	}
	return nil
}

func (a *Assembler) scanStore(fn func(*store.Record)) error {
	reader, err := store.OpenReader(a.storePath)
	if err != nil {
		return err
	}
	sc, err := reader.Scanner()
	if err != nil {
		return err
	}
	defer sc.Close()
	for sc.Scan() {
		fn(sc.Record())
	}
	return sc.Err()
}
