// Package splitter is the built-in segment producer. It splits every
// highway-tagged way of a source PBF at junction and barrier nodes and
// feeds the resulting segments through the capture callback pair, the
// same contract an external routing-engine import hook would use.
package splitter

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"
)

// Producer is the callback pair the splitter drives. For every segment it
// calls OnSegment followed immediately by OnEdge.
type Producer interface {
	OnSegment(baseWayID int64, nodeRefs []int64, segIndex int, isBarrier bool)
	OnEdge() error
}

// Splitter derives segments from highway ways.
type Splitter struct {
	workers int
	logger  *zap.Logger
}

// New creates a splitter.
func New(workers int, logger *zap.Logger) *Splitter {
	if workers < 1 {
		workers = 2
	}
	return &Splitter{workers: workers, logger: logger}
}

// Run performs both passes over the PBF and emits every segment to the
// producer callbacks. It returns the number of segments emitted.
func (s *Splitter) Run(ctx context.Context, osmPath string, producer Producer) (int, error) {
	usage, barriers, err := s.scanTopology(ctx, osmPath)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Topology pass complete",
		zap.Int("highway_nodes", len(usage)),
		zap.Int("barrier_nodes", len(barriers)))

	return s.emitSegments(ctx, osmPath, usage, barriers, producer)
}

// scanTopology counts, per node, how many highway ways reference it and
// collects barrier nodes. Nodes precede ways in a well-formed PBF, so one
// scan covers both.
func (s *Splitter) scanTopology(ctx context.Context, osmPath string) (map[int64]int32, map[int64]struct{}, error) {
	f, err := os.Open(osmPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	usage := make(map[int64]int32)
	barriers := make(map[int64]struct{})

	scanner := osmpbf.New(ctx, f, s.workers)
	defer scanner.Close()

	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			if b := o.Tags.Find("barrier"); b != "" && b != "no" {
				barriers[int64(o.ID)] = struct{}{}
			}
		case *osm.Way:
			if o.Tags.Find("highway") == "" {
				continue
			}
			for _, wn := range o.Nodes {
				usage[int64(wn.ID)]++
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("failed to scan source PBF: %w", err)
	}
	return usage, barriers, nil
}

func (s *Splitter) emitSegments(ctx context.Context, osmPath string, usage map[int64]int32, barriers map[int64]struct{}, producer Producer) (int, error) {
	f, err := os.Open(osmPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := osmpbf.New(ctx, f, s.workers)
	defer scanner.Close()

	emitted := 0
	emit := func(baseWayID int64, refs []int64, segIndex int, isBarrier bool) error {
		producer.OnSegment(baseWayID, refs, segIndex, isBarrier)
		if err := producer.OnEdge(); err != nil {
			return err
		}
		emitted++
		return nil
	}

	for scanner.Scan() {
		way, ok := scanner.Object().(*osm.Way)
		if !ok {
			continue
		}
		if way.Tags.Find("highway") == "" || len(way.Nodes) < 2 {
			continue
		}

		refs := make([]int64, len(way.Nodes))
		for i, wn := range way.Nodes {
			refs[i] = int64(wn.ID)
		}

		segIndex := 0
		current := []int64{refs[0]}
		for i := 1; i < len(refs); i++ {
			n := refs[i]
			current = append(current, n)

			last := i == len(refs)-1
			_, isBarrierNode := barriers[n]
			if !last && usage[n] < 2 && !isBarrierNode {
				continue
			}

			if err := emit(int64(way.ID), current, segIndex, false); err != nil {
				return emitted, err
			}
			segIndex++

			// A barrier node yields an artificial zero-length segment
			// ahead of the next real one
			if isBarrierNode && !last {
				if err := emit(int64(way.ID), []int64{n, n}, segIndex, true); err != nil {
					return emitted, err
				}
				segIndex++
			}

			current = []int64{n}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return emitted, fmt.Errorf("failed to scan source PBF: %w", err)
	}

	s.logger.Info("Segment emission complete", zap.Int("segments", emitted))
	return emitted, nil
}
