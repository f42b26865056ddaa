package assemble

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"

	"github.com/1prk/GHvelograph/internal/osmdata"
	"github.com/1prk/GHvelograph/internal/store"
)

type fakeNodes map[int64]osmdata.Node

func (f fakeNodes) Get(id int64) (osmdata.Node, bool) {
	n, ok := f[id]
	return n, ok
}
func (f fakeNodes) Size() int { return len(f) }

type fakeWayTags map[int64]map[string]string

func (f fakeWayTags) Get(id int64) (map[string]string, bool) {
	t, ok := f[id]
	return t, ok
}
func (f fakeWayTags) Size() int { return len(f) }

func writeStore(t *testing.T, records []*store.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segments.rseg")
	w, err := store.NewWriter(path)
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

// decodeOrdered reads the output and records entity arrival order.
func decodeOrdered(t *testing.T, path string) (nodes []*osm.Node, ways []*osm.Way, relations []*osm.Relation, order []string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	scanner := osmpbf.New(context.Background(), bytes.NewReader(data), 1)
	defer scanner.Close()
	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			nodes = append(nodes, o)
			order = append(order, "node")
		case *osm.Way:
			ways = append(ways, o)
			order = append(order, "way")
		case *osm.Relation:
			relations = append(relations, o)
			order = append(order, "relation")
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		t.Fatalf("scan output: %v", err)
	}
	return
}

func TestEmissionOrder(t *testing.T) {
	storePath := writeStore(t, []*store.Record{
		{EdgeID: 7, BaseWayID: 100, SegIndex: 0, NodeRefs: []int64{3, 1}},
		{EdgeID: 8, BaseWayID: 200, SegIndex: 0, NodeRefs: []int64{1, 2}},
	})

	nodes := fakeNodes{
		3: {ID: 3, Lat: 48.3, Lon: 11.3},
		1: {ID: 1, Lat: 48.1, Lon: 11.1},
		2: {ID: 2, Lat: 48.2, Lon: 11.2},
	}
	wayTags := fakeWayTags{
		100: {"highway": "path"},
		200: {"highway": "path"},
	}
	relations := []osmdata.Relation{{
		ID:   900,
		Tags: map[string]string{"type": "route"},
		Members: []osmdata.Member{
			{Type: osmdata.MemberWay, Ref: 7, Role: ""},
			{Type: osmdata.MemberWay, Ref: 8, Role: ""},
		},
	}}

	outPath := filepath.Join(t.TempDir(), "derived.osm.pbf")
	a := New(storePath, nodes, wayTags, relations, false, zap.NewNop())
	stats, err := a.Write(outPath)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if stats.NodesWritten != 3 || stats.WaysWritten != 2 || stats.RelationsWritten != 1 {
		t.Errorf("stats = %+v", stats)
	}

	gotNodes, gotWays, gotRels, order := decodeOrdered(t, outPath)

	// Sections strictly ordered: all nodes, then all ways, then relations
	wantOrder := []string{"node", "node", "node", "way", "way", "relation"}
	if len(order) != len(wantOrder) {
		t.Fatalf("entity order = %v, want %v", order, wantOrder)
	}
	for i := range order {
		if order[i] != wantOrder[i] {
			t.Fatalf("entity order = %v, want %v", order, wantOrder)
		}
	}

	// Nodes ascending by id
	for i, want := range []int64{1, 2, 3} {
		if int64(gotNodes[i].ID) != want {
			t.Errorf("node %d id = %d, want %d", i, gotNodes[i].ID, want)
		}
	}

	// Ways in store order, id = edge id, base_id tag present
	if int64(gotWays[0].ID) != 7 || int64(gotWays[1].ID) != 8 {
		t.Errorf("way ids = %d, %d; want 7, 8", gotWays[0].ID, gotWays[1].ID)
	}
	if got := gotWays[0].Tags.Find("base_id"); got != "100" {
		t.Errorf("way 7 base_id = %q, want 100", got)
	}
	if got := gotWays[0].Tags.Find("highway"); got != "path" {
		t.Errorf("way 7 highway = %q, want path", got)
	}

	if int64(gotRels[0].ID) != 900 {
		t.Errorf("relation id = %d, want 900", gotRels[0].ID)
	}
	if len(gotRels[0].Members) != 2 || gotRels[0].Members[0].Ref != 7 {
		t.Errorf("relation members = %+v", gotRels[0].Members)
	}
}

func TestOutputTagWhitelist(t *testing.T) {
	storePath := writeStore(t, []*store.Record{
		{EdgeID: 0, BaseWayID: 100, SegIndex: 0, NodeRefs: []int64{1, 2}},
	})

	nodes := fakeNodes{
		1: {ID: 1, Lat: 1, Lon: 1},
		2: {ID: 2, Lat: 2, Lon: 2},
	}
	// lanes and lit survive extraction but not emission
	wayTags := fakeWayTags{
		100: {"highway": "residential", "name": "Main", "lanes": "2", "lit": "yes"},
	}

	outPath := filepath.Join(t.TempDir(), "derived.osm.pbf")
	if _, err := New(storePath, nodes, wayTags, nil, false, zap.NewNop()).Write(outPath); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, ways, _, _ := decodeOrdered(t, outPath)
	if len(ways) != 1 {
		t.Fatalf("got %d ways, want 1", len(ways))
	}
	tags := ways[0].Tags.Map()
	if tags["highway"] != "residential" || tags["name"] != "Main" {
		t.Errorf("tags = %v", tags)
	}
	if _, ok := tags["lanes"]; ok {
		t.Error("lanes tag leaked into output")
	}
	if _, ok := tags["lit"]; ok {
		t.Error("lit tag leaked into output")
	}
}

func TestBarrierFilterAndNonHighwaySkip(t *testing.T) {
	records := []*store.Record{
		{EdgeID: 0, BaseWayID: 100, SegIndex: 0, NodeRefs: []int64{1, 2}},
		{EdgeID: 1, BaseWayID: 100, SegIndex: 1, Flags: store.FlagBarrier, NodeRefs: []int64{2, 2}},
		{EdgeID: 2, BaseWayID: 300, SegIndex: 0, NodeRefs: []int64{5, 6}}, // no highway tag
	}
	storePath := writeStore(t, records)

	nodes := fakeNodes{
		1: {ID: 1, Lat: 1, Lon: 1},
		2: {ID: 2, Lat: 2, Lon: 2},
		5: {ID: 5, Lat: 5, Lon: 5},
		6: {ID: 6, Lat: 6, Lon: 6},
	}
	wayTags := fakeWayTags{
		100: {"highway": "path"},
		300: {"surface": "gravel"},
	}

	outExcl := filepath.Join(t.TempDir(), "excl.osm.pbf")
	statsExcl, err := New(storePath, nodes, wayTags, nil, false, zap.NewNop()).Write(outExcl)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if statsExcl.WaysWritten != 1 {
		t.Errorf("barriers excluded: ways = %d, want 1", statsExcl.WaysWritten)
	}
	if statsExcl.WaysSkipped != 1 {
		t.Errorf("ways skipped = %d, want 1", statsExcl.WaysSkipped)
	}

	outIncl := filepath.Join(t.TempDir(), "incl.osm.pbf")
	statsIncl, err := New(storePath, nodes, wayTags, nil, true, zap.NewNop()).Write(outIncl)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if statsIncl.WaysWritten != 2 {
		t.Errorf("barriers included: ways = %d, want 2", statsIncl.WaysWritten)
	}

	// Including barriers yields a superset
	if statsIncl.WaysWritten < statsExcl.WaysWritten || statsIncl.NodesWritten < statsExcl.NodesWritten {
		t.Error("including barrier edges emitted fewer entities")
	}
}

func TestMissingNodesLoggedAndSkipped(t *testing.T) {
	storePath := writeStore(t, []*store.Record{
		{EdgeID: 0, BaseWayID: 100, SegIndex: 0, NodeRefs: []int64{1, 2, 3}},
	})

	nodes := fakeNodes{
		1: {ID: 1, Lat: 1, Lon: 1},
		3: {ID: 3, Lat: 3, Lon: 3},
	}
	wayTags := fakeWayTags{100: {"highway": "path"}}

	outPath := filepath.Join(t.TempDir(), "derived.osm.pbf")
	stats, err := New(storePath, nodes, wayTags, nil, false, zap.NewNop()).Write(outPath)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if stats.NodesWritten != 2 {
		t.Errorf("nodes written = %d, want 2", stats.NodesWritten)
	}
	if stats.NodesMissing != 1 {
		t.Errorf("nodes missing = %d, want 1", stats.NodesMissing)
	}
}
