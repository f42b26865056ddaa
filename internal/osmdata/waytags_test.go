package osmdata

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDictionaryBuilderFrequencyOrder(t *testing.T) {
	b := NewDictionaryBuilder()
	for i := 0; i < 80; i++ {
		b.AddSample(map[string]string{"highway": "residential"})
	}
	for i := 0; i < 40; i++ {
		b.AddSample(map[string]string{"surface": "asphalt"})
	}
	b.AddSample(map[string]string{"name": "Main"})

	got := b.Build()
	want := []string{"highway=residential", "surface=asphalt", "name=Main"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Build = %v, want %v", got, want)
	}
}

func TestCompressedRoundTripWithDictionary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "way_tags.bin")

	c := NewCompressedWayTagCache(path)
	if err := c.SetDictionary([]string{"highway=residential", "surface=asphalt"}); err != nil {
		t.Fatalf("SetDictionary: %v", err)
	}
	if err := c.OpenForWrite(); err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}

	tags := map[string]string{
		"highway": "residential",
		"surface": "asphalt",
		"name":    "Main",
	}
	if err := c.Put(100, tags); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// The blob must hold two 3-byte dictionary entries and one custom
	// entry: 1 (count) + 3 + 3 + (1+2+4+2+4) = 20 bytes of data section.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	dictLen := len("highway=residential") + 1 + len("surface=asphalt") + 1
	wantSize := wayHeaderSize + dictLen + 12 + 20
	if len(data) != wantSize {
		t.Errorf("file size = %d, want %d", len(data), wantSize)
	}
	if got := binary.BigEndian.Uint16(data[9:11]); got != 2 {
		t.Errorf("dict size = %d, want 2", got)
	}

	r := NewCompressedWayTagCache(path)
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := r.Get(100)
	if !ok {
		t.Fatal("Get(100): not found")
	}
	if !reflect.DeepEqual(got, tags) {
		t.Errorf("Get(100) = %v, want %v", got, tags)
	}
}

func TestCompressedRoundTripEmptyDictionary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "way_tags.bin")

	c := NewCompressedWayTagCache(path)
	if err := c.OpenForWrite(); err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}

	ways := map[int64]map[string]string{
		1: {"highway": "path", "surface": "gravel"},
		2: {"name": "Ringstraße", "oneway": "yes"},
		3: {},
	}
	for id, tags := range ways {
		if err := c.Put(id, tags); err != nil {
			t.Fatalf("Put(%d): %v", id, err)
		}
	}
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r := NewCompressedWayTagCache(path)
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Size() != len(ways) {
		t.Errorf("Size = %d, want %d", r.Size(), len(ways))
	}
	for id, want := range ways {
		got, ok := r.Get(id)
		if !ok {
			t.Fatalf("Get(%d): not found", id)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Get(%d) = %v, want %v", id, got, want)
		}
	}
}

func TestCompressedMissingFile(t *testing.T) {
	r := NewCompressedWayTagCache(filepath.Join(t.TempDir(), "absent.bin"))
	if err := r.Load(); err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if r.Size() != 0 {
		t.Errorf("Size = %d, want 0", r.Size())
	}
}

func TestTextWayTagCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "way_tags.txt")

	c := NewTextWayTagCache(path)
	if err := c.OpenForWrite(); err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}

	tags := map[string]string{
		"highway": "residential",
		"name":    "A=B\nstreet", // escaping round-trip
	}
	if err := c.Put(7, tags); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewTextWayTagCache(path)
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := r.Get(7)
	if !ok {
		t.Fatal("Get(7): not found")
	}
	if !reflect.DeepEqual(got, tags) {
		t.Errorf("Get(7) = %v, want %v", got, tags)
	}
}
