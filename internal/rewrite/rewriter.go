// Package rewrite expands the way members of route relations into the
// segment ways derived from them.
package rewrite

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/osmdata"
	"github.com/1prk/GHvelograph/internal/store"
)

// Rewriter rewrites route relations against a loaded segment store.
type Rewriter struct {
	segmentsByWay map[int64][]*store.Record
	logger        *zap.Logger
}

// NewRewriter loads the segment store at path and groups records by base
// way, ordered by segment index. With includeBarriers false, barrier
// records are dropped from the grouping.
func NewRewriter(storePath string, includeBarriers bool, logger *zap.Logger) (*Rewriter, error) {
	reader, err := store.OpenReader(storePath)
	if err != nil {
		return nil, err
	}

	logger.Info("Loading segment store for relation rewriting",
		zap.String("path", storePath),
		zap.Uint32("records", reader.RecordCount()))

	byWay := make(map[int64][]*store.Record)
	sc, err := reader.Scanner()
	if err != nil {
		return nil, err
	}
	for sc.Scan() {
		rec := sc.Record()
		if !includeBarriers && rec.IsBarrier() {
			continue
		}
		byWay[rec.BaseWayID] = append(byWay[rec.BaseWayID], rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to load segment store: %w", err)
	}

	for _, segments := range byWay {
		sort.Slice(segments, func(i, j int) bool {
			return segments[i].SegIndex < segments[j].SegIndex
		})
	}

	logger.Info("Grouped segments by base way", zap.Int("base_ways", len(byWay)))
	return &Rewriter{segmentsByWay: byWay, logger: logger}, nil
}

// BaseWayCount returns the number of base ways with grouped segments.
func (r *Rewriter) BaseWayCount() int {
	return len(r.segmentsByWay)
}

// Rewrite returns the relation with every known way member expanded into
// its segments in segment-index order, the original role copied onto each.
// Unknown way members and non-way members pass through unchanged; id and
// tags are preserved.
func (r *Rewriter) Rewrite(rel osmdata.Relation) osmdata.Relation {
	members := make([]osmdata.Member, 0, len(rel.Members))
	waysExpanded := 0
	segmentsAdded := 0

	for _, m := range rel.Members {
		if m.Type != osmdata.MemberWay {
			members = append(members, m)
			continue
		}

		segments, ok := r.segmentsByWay[m.Ref]
		if !ok || len(segments) == 0 {
			// Base way was never processed by the segment producer
			members = append(members, m)
			continue
		}

		for _, seg := range segments {
			members = append(members, osmdata.Member{
				Type: osmdata.MemberWay,
				Ref:  int64(seg.EdgeID),
				Role: m.Role,
			})
		}
		waysExpanded++
		segmentsAdded += len(segments)
	}

	if waysExpanded > 0 {
		r.logger.Debug("Expanded relation members",
			zap.Int64("relation", rel.ID),
			zap.Int("ways_expanded", waysExpanded),
			zap.Int("segments_added", segmentsAdded))
	}

	return osmdata.Relation{ID: rel.ID, Tags: rel.Tags, Members: members}
}

// RewriteAll rewrites relations preserving their order.
func (r *Rewriter) RewriteAll(relations []osmdata.Relation) []osmdata.Relation {
	r.logger.Info("Rewriting route relations", zap.Int("count", len(relations)))
	out := make([]osmdata.Relation, 0, len(relations))
	for _, rel := range relations {
		out = append(out, r.Rewrite(rel))
	}
	return out
}
