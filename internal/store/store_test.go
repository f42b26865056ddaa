package store

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeStore(t *testing.T, records []*Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.rseg")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func readAll(t *testing.T, path string) []*Record {
	t.Helper()
	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	sc, err := r.Scanner()
	if err != nil {
		t.Fatalf("Scanner: %v", err)
	}
	var out []*Record
	for sc.Scan() {
		out = append(out, sc.Record())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	records := []*Record{
		{EdgeID: 0, BaseWayID: 100, SegIndex: 0, Flags: 0, NodeRefs: []int64{1, 2, 3}},
		{EdgeID: 1, BaseWayID: 100, SegIndex: 1, Flags: 0, NodeRefs: []int64{3, 4, 5, 6}},
		{EdgeID: 2, BaseWayID: 200, SegIndex: 0, Flags: FlagBarrier, NodeRefs: []int64{7, 7}},
		{EdgeID: 3, BaseWayID: -5, SegIndex: 0, Flags: 0, NodeRefs: []int64{-1, 9}},
	}

	path := writeStore(t, records)

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if r.RecordCount() != uint32(len(records)) {
		t.Errorf("record count = %d, want %d", r.RecordCount(), len(records))
	}

	got := readAll(t, path)
	if len(got) != len(records) {
		t.Fatalf("read %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if !reflect.DeepEqual(got[i], records[i]) {
			t.Errorf("record %d = %v, want %v", i, got[i], records[i])
		}
	}
}

func TestEmptyStore(t *testing.T) {
	path := writeStore(t, nil)

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if r.RecordCount() != 0 {
		t.Errorf("record count = %d, want 0", r.RecordCount())
	}
	if got := readAll(t, path); len(got) != 0 {
		t.Errorf("read %d records from empty store", len(got))
	}

	ir, err := OpenIndexedReader(path)
	if err != nil {
		t.Fatalf("OpenIndexedReader: %v", err)
	}
	defer ir.Close()
	_, ok, err := ir.Get(42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get on empty store reported a record")
	}
}

func TestIndexedLookup(t *testing.T) {
	records := []*Record{
		{EdgeID: 10, BaseWayID: 100, SegIndex: 0, NodeRefs: []int64{1, 2}},
		{EdgeID: 20, BaseWayID: 200, SegIndex: 0, NodeRefs: []int64{3, 4, 5}},
		{EdgeID: 30, BaseWayID: 300, SegIndex: 0, Flags: FlagBarrier, NodeRefs: []int64{6, 6}},
	}
	path := writeStore(t, records)

	r, err := OpenIndexedReader(path)
	if err != nil {
		t.Fatalf("OpenIndexedReader: %v", err)
	}
	defer r.Close()

	for _, want := range records {
		got, ok, err := r.Get(want.EdgeID)
		if err != nil {
			t.Fatalf("Get(%d): %v", want.EdgeID, err)
		}
		if !ok {
			t.Fatalf("Get(%d): not found", want.EdgeID)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Get(%d) = %v, want %v", want.EdgeID, got, want)
		}
	}

	if _, ok, _ := r.Get(99); ok {
		t.Error("Get(99) reported a record for an unknown edge id")
	}
}

func TestIndexedLookupConcurrent(t *testing.T) {
	records := []*Record{
		{EdgeID: 1, BaseWayID: 10, SegIndex: 0, NodeRefs: []int64{1, 2}},
		{EdgeID: 2, BaseWayID: 20, SegIndex: 0, NodeRefs: []int64{3, 4}},
	}
	path := writeStore(t, records)

	r, err := OpenIndexedReader(path)
	if err != nil {
		t.Fatalf("OpenIndexedReader: %v", err)
	}
	defer r.Close()

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(edgeID uint32) {
			for j := 0; j < 100; j++ {
				if _, ok, err := r.Get(edgeID); err != nil || !ok {
					done <- err
					return
				}
			}
			done <- nil
		}(records[i%2].EdgeID)
	}
	for i := 0; i < 16; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Get: %v", err)
		}
	}
}

func TestStreamingReaderRejectsLookup(t *testing.T) {
	path := writeStore(t, []*Record{{EdgeID: 1, BaseWayID: 1, NodeRefs: []int64{1, 2}}})

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if _, _, err := r.Get(1); err != ErrNotIndexed {
		t.Errorf("Get on streaming reader = %v, want ErrNotIndexed", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.rseg")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(&Record{EdgeID: 1, BaseWayID: 1, NodeRefs: []int64{1, 2}}); err == nil {
		t.Error("Write after Close succeeded")
	}
}

func TestBadHeader(t *testing.T) {
	tests := []struct {
		name  string
		bytes []byte
	}{
		{"bad magic", []byte{'X', 'S', 'E', 'G', 1, 0, 0, 0, 0}},
		{"bad version", []byte{'R', 'S', 'E', 'G', 9, 0, 0, 0, 0}},
		{"short header", []byte{'R', 'S', 'E'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.rseg")
			if err := os.WriteFile(path, tt.bytes, 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := OpenReader(path); err == nil {
				t.Error("OpenReader accepted a corrupt header")
			}
		})
	}
}

func TestTruncatedRecord(t *testing.T) {
	path := writeStore(t, []*Record{
		{EdgeID: 1, BaseWayID: 1, NodeRefs: []int64{1, 2}},
		{EdgeID: 2, BaseWayID: 2, NodeRefs: []int64{3, 4}},
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Drop the tail of the last record but keep the header count at 2
	if err := os.WriteFile(path, data[:len(data)-5], 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	sc, err := r.Scanner()
	if err != nil {
		t.Fatalf("Scanner: %v", err)
	}
	for sc.Scan() {
	}
	if sc.Err() == nil {
		t.Error("scanning a truncated store reported no error")
	}

	if _, err := OpenIndexedReader(path); err == nil {
		t.Error("OpenIndexedReader accepted a truncated store")
	}
}

func TestHeaderCountPatchedOnClose(t *testing.T) {
	path := writeStore(t, []*Record{
		{EdgeID: 1, BaseWayID: 1, NodeRefs: []int64{1, 2}},
		{EdgeID: 2, BaseWayID: 1, SegIndex: 1, NodeRefs: []int64{2, 3}},
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.BigEndian.Uint32(data[5:9]); got != 2 {
		t.Errorf("header record count = %d, want 2", got)
	}
}
