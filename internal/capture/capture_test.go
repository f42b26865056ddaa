package capture

import (
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/store"
)

func newRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.rseg")
	w, err := store.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return NewRecorder(w, zap.NewNop()), path
}

func records(t *testing.T, path string) []*store.Record {
	t.Helper()
	r, err := store.OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	sc, err := r.Scanner()
	if err != nil {
		t.Fatalf("Scanner: %v", err)
	}
	var out []*store.Record
	for sc.Scan() {
		out = append(out, sc.Record())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return out
}

func TestPairedCallbacks(t *testing.T) {
	rec, _ := newRecorder(t)

	rec.OnSegment(100, []int64{1, 2, 3}, 0, false)
	if err := rec.OnEdge(); err != nil {
		t.Fatalf("OnEdge: %v", err)
	}
	rec.OnSegment(100, []int64{3, 4, 5, 6}, 1, false)
	if err := rec.OnEdge(); err != nil {
		t.Fatalf("OnEdge: %v", err)
	}
	if err := rec.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if rec.Captured() != 2 {
		t.Errorf("Captured = %d, want 2", rec.Captured())
	}
}

func TestEdgeIDsAssignedInCommitOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.rseg")
	w, err := store.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	rec := NewRecorder(w, zap.NewNop())

	// Interleaved announce/commit: two announcements queued before the
	// first commit still pair up FIFO
	rec.OnSegment(100, []int64{1, 2, 3}, 0, false)
	rec.OnSegment(100, []int64{3, 4, 5, 6}, 1, false)
	if err := rec.OnEdge(); err != nil {
		t.Fatalf("OnEdge: %v", err)
	}
	if err := rec.OnEdge(); err != nil {
		t.Fatalf("OnEdge: %v", err)
	}
	rec.OnSegment(200, []int64{7, 7}, 0, true)
	if err := rec.OnEdge(); err != nil {
		t.Fatalf("OnEdge: %v", err)
	}
	if err := rec.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := records(t, path)
	want := []*store.Record{
		{EdgeID: 0, BaseWayID: 100, SegIndex: 0, NodeRefs: []int64{1, 2, 3}},
		{EdgeID: 1, BaseWayID: 100, SegIndex: 1, NodeRefs: []int64{3, 4, 5, 6}},
		{EdgeID: 2, BaseWayID: 200, SegIndex: 0, Flags: store.FlagBarrier, NodeRefs: []int64{7, 7}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
}

func TestCommitWithoutAnnouncement(t *testing.T) {
	rec, _ := newRecorder(t)
	if err := rec.OnEdge(); err == nil {
		t.Error("OnEdge without pending segment succeeded")
	}
}

func TestFinishWithPendingSegments(t *testing.T) {
	rec, _ := newRecorder(t)
	rec.OnSegment(100, []int64{1, 2}, 0, false)
	if err := rec.Finish(); err == nil {
		t.Error("Finish with pending segments succeeded")
	}
}
