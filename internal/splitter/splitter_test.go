package splitter

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/pbfwrite"
)

type emittedSegment struct {
	baseWayID int64
	nodeRefs  []int64
	segIndex  int
	isBarrier bool
}

// collectingProducer records the callback stream and checks pairing.
type collectingProducer struct {
	t        *testing.T
	pending  int
	segments []emittedSegment
}

func (p *collectingProducer) OnSegment(baseWayID int64, nodeRefs []int64, segIndex int, isBarrier bool) {
	p.pending++
	refs := make([]int64, len(nodeRefs))
	copy(refs, nodeRefs)
	p.segments = append(p.segments, emittedSegment{baseWayID, refs, segIndex, isBarrier})
}

func (p *collectingProducer) OnEdge() error {
	if p.pending == 0 {
		p.t.Fatal("OnEdge before OnSegment")
	}
	p.pending--
	return nil
}

func writeTestPBF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.osm.pbf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	info := pbfwrite.Info{Version: 1, Timestamp: time.Unix(1717243200, 0), Changeset: 1, User: "anonymous"}
	e := pbfwrite.NewEncoder(f)

	nodes := []pbfwrite.Node{
		{ID: 1, Lat: 48.10, Lon: 11.50, Info: info},
		{ID: 2, Lat: 48.11, Lon: 11.51, Info: info},
		{ID: 3, Lat: 48.12, Lon: 11.52, Info: info},
		{ID: 4, Lat: 48.13, Lon: 11.53, Tags: []pbfwrite.Tag{{Key: "barrier", Value: "gate"}}, Info: info},
		{ID: 5, Lat: 48.14, Lon: 11.54, Info: info},
		{ID: 6, Lat: 48.15, Lon: 11.55, Info: info},
	}
	for _, n := range nodes {
		if err := e.WriteNode(n); err != nil {
			t.Fatalf("WriteNode: %v", err)
		}
	}

	ways := []pbfwrite.Way{
		// node 2 is shared with way 400, an interior junction
		{ID: 100, NodeRefs: []int64{1, 2, 3}, Tags: []pbfwrite.Tag{{Key: "highway", Value: "residential"}}, Info: info},
		// interior barrier at node 4
		{ID: 200, NodeRefs: []int64{3, 4, 5}, Tags: []pbfwrite.Tag{{Key: "highway", Value: "path"}}, Info: info},
		// not a highway: produces nothing
		{ID: 300, NodeRefs: []int64{5, 6}, Tags: []pbfwrite.Tag{{Key: "waterway", Value: "stream"}}, Info: info},
		// interior junction at node 3
		{ID: 400, NodeRefs: []int64{2, 3, 6}, Tags: []pbfwrite.Tag{{Key: "highway", Value: "track"}}, Info: info},
	}
	for _, w := range ways {
		if err := e.WriteWay(w); err != nil {
			t.Fatalf("WriteWay: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestSplitAtJunctionsAndBarriers(t *testing.T) {
	path := writeTestPBF(t)

	producer := &collectingProducer{t: t}
	s := New(1, zap.NewNop())
	count, err := s.Run(context.Background(), path, producer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if producer.pending != 0 {
		t.Errorf("%d segments announced but never committed", producer.pending)
	}

	want := []emittedSegment{
		{100, []int64{1, 2}, 0, false},
		{100, []int64{2, 3}, 1, false},
		{200, []int64{3, 4}, 0, false},
		{200, []int64{4, 4}, 1, true},
		{200, []int64{4, 5}, 2, false},
		{400, []int64{2, 3}, 0, false},
		{400, []int64{3, 6}, 1, false},
	}
	if count != len(want) {
		t.Fatalf("Run returned %d segments, want %d", count, len(want))
	}
	if !reflect.DeepEqual(producer.segments, want) {
		t.Errorf("segments = %+v, want %+v", producer.segments, want)
	}
}

func TestSegmentIndexesAreDense(t *testing.T) {
	path := writeTestPBF(t)

	producer := &collectingProducer{t: t}
	if _, err := New(1, zap.NewNop()).Run(context.Background(), path, producer); err != nil {
		t.Fatalf("Run: %v", err)
	}

	byWay := make(map[int64][]int)
	for _, seg := range producer.segments {
		byWay[seg.baseWayID] = append(byWay[seg.baseWayID], seg.segIndex)
	}
	for wayID, indexes := range byWay {
		for i, idx := range indexes {
			if idx != i {
				t.Errorf("way %d: seg index %d at position %d, want dense 0-based sequence", wayID, idx, i)
			}
		}
	}
}
