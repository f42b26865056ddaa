// Package capture matches the segment producer's paired callbacks with
// sequentially assigned edge ids and persists the result to a segment store.
//
// The producer announces every segment twice: OnSegment carries the segment
// metadata before the edge exists, OnEdge fires once the edge has been
// materialized. The two streams arrive in strict 1:1 order; a FIFO of
// pending announcements is the only synchronization between them.
package capture

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/store"
)

type pendingSegment struct {
	baseWayID int64
	nodeRefs  []int64
	segIndex  uint32
	isBarrier bool
}

// Recorder implements both halves of the producer contract.
type Recorder struct {
	writer     *store.Writer
	logger     *zap.Logger
	pending    []pendingSegment
	nextEdgeID uint64
	captured   int
}

// NewRecorder creates a recorder writing to the given store writer.
func NewRecorder(writer *store.Writer, logger *zap.Logger) *Recorder {
	return &Recorder{writer: writer, logger: logger}
}

// OnSegment queues segment metadata ahead of the matching edge.
func (r *Recorder) OnSegment(baseWayID int64, nodeRefs []int64, segIndex int, isBarrier bool) {
	refs := make([]int64, len(nodeRefs))
	copy(refs, nodeRefs)
	r.pending = append(r.pending, pendingSegment{
		baseWayID: baseWayID,
		nodeRefs:  refs,
		segIndex:  uint32(segIndex),
		isBarrier: isBarrier,
	})
}

// OnEdge pops the oldest pending segment, assigns the next edge id, and
// writes the record. A commit without a pending segment means the producer
// violated the pairing contract.
func (r *Recorder) OnEdge() error {
	if len(r.pending) == 0 {
		return fmt.Errorf("edge materialized with no pending segment; producer callbacks are out of sync")
	}
	p := r.pending[0]
	r.pending = r.pending[1:]

	if r.nextEdgeID > math.MaxUint32 {
		return fmt.Errorf("edge id counter exceeds uint32; the store format cannot hold this input")
	}
	edgeID := uint32(r.nextEdgeID)
	r.nextEdgeID++

	rec, err := store.NewRecord(edgeID, p.baseWayID, p.segIndex, p.isBarrier, p.nodeRefs)
	if err != nil {
		return fmt.Errorf("invalid segment from producer (way %d seg %d): %w", p.baseWayID, p.segIndex, err)
	}
	if err := r.writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write segment record %s: %w", rec, err)
	}

	r.captured++
	if r.captured%100_000 == 0 {
		r.logger.Info("Captured segments", zap.Int("count", r.captured))
	}
	return nil
}

// Captured returns the number of records written.
func (r *Recorder) Captured() int {
	return r.captured
}

// Finish verifies that every announced segment was committed.
func (r *Recorder) Finish() error {
	if len(r.pending) != 0 {
		return fmt.Errorf("capture finished with %d pending segments never materialized; producer contract violated", len(r.pending))
	}
	r.logger.Info("Capture verification passed", zap.Int("segments", r.captured))
	return nil
}
