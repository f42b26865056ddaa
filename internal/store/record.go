// Package store implements the RSEG v1 segment store: an append-only binary
// log of the segments captured during graph import.
//
// File layout (all integers big-endian):
//
//	Header:
//	  magic       4 bytes "RSEG"
//	  version     1 byte  (0x01)
//	  recordCount uint32  (written as 0 on open, patched on close)
//
//	Record:
//	  edgeID      uint32
//	  baseWayID   int64
//	  segIndex    uint32
//	  flags       1 byte
//	  nodeCount   uint32
//	  nodeRefs    nodeCount * int64
package store

import "fmt"

// FlagBarrier marks an artificial segment inserted at a barrier node.
const FlagBarrier byte = 0x01

// Record describes one captured segment: the edge id assigned at capture
// time, the base OSM way it came from, and the original node refs.
type Record struct {
	EdgeID    uint32
	BaseWayID int64
	SegIndex  uint32
	Flags     byte
	NodeRefs  []int64
}

// NewRecord builds a record, validating the node ref invariant.
func NewRecord(edgeID uint32, baseWayID int64, segIndex uint32, isBarrier bool, nodeRefs []int64) (*Record, error) {
	if len(nodeRefs) < 2 {
		return nil, fmt.Errorf("segment record needs at least 2 node refs, got %d", len(nodeRefs))
	}
	var flags byte
	if isBarrier {
		flags = FlagBarrier
	}
	return &Record{
		EdgeID:    edgeID,
		BaseWayID: baseWayID,
		SegIndex:  segIndex,
		Flags:     flags,
		NodeRefs:  nodeRefs,
	}, nil
}

// IsBarrier reports whether the barrier flag is set.
func (r *Record) IsBarrier() bool {
	return r.Flags&FlagBarrier != 0
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{edge=%d way=%d seg=%d barrier=%t nodes=%d}",
		r.EdgeID, r.BaseWayID, r.SegIndex, r.IsBarrier(), len(r.NodeRefs))
}
