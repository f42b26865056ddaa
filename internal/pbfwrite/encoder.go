// Package pbfwrite writes OSM PBF files. It produces the container format
// directly: length-prefixed BlobHeader/Blob pairs framing zlib-compressed
// PrimitiveBlocks, each with its own string table. Nodes are written as
// dense groups, ways and relations as plain groups.
package pbfwrite

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Tag is one key=value pair in emission order.
type Tag struct {
	Key   string
	Value string
}

// Info carries the entity metadata the PBF schema wants. The pipeline
// fills it with synthetic placeholder values.
type Info struct {
	Version   int32
	Timestamp time.Time
	Changeset int64
	User      string
}

// Node is one output node.
type Node struct {
	ID   int64
	Lat  float64
	Lon  float64
	Tags []Tag
	Info Info
}

// Way is one output way.
type Way struct {
	ID       int64
	NodeRefs []int64
	Tags     []Tag
	Info     Info
}

// MemberType enumerates relation member entity types as the PBF schema
// encodes them.
type MemberType int32

const (
	MemberNode     MemberType = 0
	MemberWay      MemberType = 1
	MemberRelation MemberType = 2
)

// Member is one relation member.
type Member struct {
	Type MemberType
	Ref  int64
	Role string
}

// Relation is one output relation.
type Relation struct {
	ID      int64
	Tags    []Tag
	Members []Member
	Info    Info
}

const (
	// granularity 100 nanodegrees: coordinates store as 1e7 fixed-point
	coordScale = 1e7
	// entities per primitive group
	batchSize = 8000
)

const (
	stateNodes = iota
	stateWays
	stateRelations
	stateClosed
)

// Encoder writes a PBF file. Entities must arrive nodes, then ways, then
// relations; going backwards is an error.
type Encoder struct {
	w              io.Writer
	writingProgram string
	compress       bool

	headerWritten bool
	state         int

	nodes     []Node
	ways      []Way
	relations []Relation
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithWritingProgram sets the writing program recorded in the file header.
func WithWritingProgram(program string) Option {
	return func(e *Encoder) { e.writingProgram = program }
}

// WithCompression toggles zlib compression of data blocks.
func WithCompression(enable bool) Option {
	return func(e *Encoder) { e.compress = enable }
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer, options ...Option) *Encoder {
	e := &Encoder{
		w:              w,
		writingProgram: "GHvelograph",
		compress:       true,
		state:          stateNodes,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// WriteNode queues one node.
func (e *Encoder) WriteNode(n Node) error {
	if e.state != stateNodes {
		return fmt.Errorf("pbf encoder: nodes must precede ways and relations")
	}
	e.nodes = append(e.nodes, n)
	if len(e.nodes) >= batchSize {
		return e.flushNodes()
	}
	return nil
}

// WriteWay queues one way.
func (e *Encoder) WriteWay(w Way) error {
	if e.state > stateWays {
		return fmt.Errorf("pbf encoder: ways must precede relations")
	}
	if e.state == stateNodes {
		if err := e.flushNodes(); err != nil {
			return err
		}
		e.state = stateWays
	}
	e.ways = append(e.ways, w)
	if len(e.ways) >= batchSize {
		return e.flushWays()
	}
	return nil
}

// WriteRelation queues one relation.
func (e *Encoder) WriteRelation(r Relation) error {
	if e.state == stateClosed {
		return fmt.Errorf("pbf encoder: closed")
	}
	if e.state == stateNodes {
		if err := e.flushNodes(); err != nil {
			return err
		}
	}
	if e.state <= stateWays {
		if err := e.flushWays(); err != nil {
			return err
		}
		e.state = stateRelations
	}
	e.relations = append(e.relations, r)
	if len(e.relations) >= batchSize {
		return e.flushRelations()
	}
	return nil
}

// Close flushes buffered entities. An empty file still gets its header.
func (e *Encoder) Close() error {
	if e.state == stateClosed {
		return nil
	}
	if err := e.flushNodes(); err != nil {
		return err
	}
	if err := e.flushWays(); err != nil {
		return err
	}
	if err := e.flushRelations(); err != nil {
		return err
	}
	if !e.headerWritten {
		if err := e.writeFileHeader(); err != nil {
			return err
		}
	}
	e.state = stateClosed
	return nil
}

// stringTable interns strings per primitive block. Index 0 is reserved for
// the empty string per the PBF convention.
type stringTable struct {
	indexes map[string]uint64
	entries []string
}

func newStringTable() *stringTable {
	return &stringTable{
		indexes: map[string]uint64{"": 0},
		entries: []string{""},
	}
}

func (st *stringTable) index(s string) uint64 {
	if i, ok := st.indexes[s]; ok {
		return i
	}
	i := uint64(len(st.entries))
	st.indexes[s] = i
	st.entries = append(st.entries, s)
	return i
}

func (st *stringTable) encode() []byte {
	var b []byte
	for _, s := range st.entries {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func (e *Encoder) flushNodes() error {
	if len(e.nodes) == 0 {
		return nil
	}
	st := newStringTable()
	group := appendMessage(nil, 2, encodeDenseNodes(e.nodes, st))
	e.nodes = e.nodes[:0]
	return e.writeDataBlock(st, group)
}

// encodeDenseNodes builds one DenseNodes message: ids, coordinates, and
// dense-info columns delta-coded across the group, keys_vals as per-node
// zero-terminated index runs.
func encodeDenseNodes(nodes []Node, st *stringTable) []byte {
	hasTags := false
	for _, n := range nodes {
		if len(n.Tags) > 0 {
			hasTags = true
			break
		}
	}

	var ids, lats, lons, keysVals []byte
	var versions, timestamps, changesets, userSids []byte
	var prevID, prevLat, prevLon, prevTs, prevCs, prevSid int64

	for _, n := range nodes {
		ids = protowire.AppendVarint(ids, protowire.EncodeZigZag(n.ID-prevID))
		prevID = n.ID

		lat := int64(math.Round(n.Lat * coordScale))
		lon := int64(math.Round(n.Lon * coordScale))
		lats = protowire.AppendVarint(lats, protowire.EncodeZigZag(lat-prevLat))
		lons = protowire.AppendVarint(lons, protowire.EncodeZigZag(lon-prevLon))
		prevLat, prevLon = lat, lon

		if hasTags {
			for _, t := range n.Tags {
				keysVals = protowire.AppendVarint(keysVals, st.index(t.Key))
				keysVals = protowire.AppendVarint(keysVals, st.index(t.Value))
			}
			keysVals = protowire.AppendVarint(keysVals, 0)
		}

		versions = protowire.AppendVarint(versions, uint64(n.Info.Version))
		ts := n.Info.Timestamp.Unix()
		timestamps = protowire.AppendVarint(timestamps, protowire.EncodeZigZag(ts-prevTs))
		prevTs = ts
		changesets = protowire.AppendVarint(changesets, protowire.EncodeZigZag(n.Info.Changeset-prevCs))
		prevCs = n.Info.Changeset
		sid := int64(st.index(n.Info.User))
		userSids = protowire.AppendVarint(userSids, protowire.EncodeZigZag(sid-prevSid))
		prevSid = sid
	}

	var info []byte
	info = appendMessage(info, 1, versions)
	info = appendMessage(info, 2, timestamps)
	info = appendMessage(info, 3, changesets)
	info = appendMessage(info, 5, userSids)

	var dense []byte
	dense = appendMessage(dense, 1, ids)
	dense = appendMessage(dense, 5, info)
	dense = appendMessage(dense, 8, lats)
	dense = appendMessage(dense, 9, lons)
	if hasTags {
		dense = appendMessage(dense, 10, keysVals)
	}
	return dense
}

func (e *Encoder) flushWays() error {
	if len(e.ways) == 0 {
		return nil
	}
	st := newStringTable()
	var group []byte
	for _, w := range e.ways {
		group = appendMessage(group, 3, encodeWay(w, st))
	}
	e.ways = e.ways[:0]
	return e.writeDataBlock(st, group)
}

func (e *Encoder) flushRelations() error {
	if len(e.relations) == 0 {
		return nil
	}
	st := newStringTable()
	var group []byte
	for _, r := range e.relations {
		group = appendMessage(group, 4, encodeRelation(r, st))
	}
	e.relations = e.relations[:0]
	return e.writeDataBlock(st, group)
}

func encodeTags(b []byte, tags []Tag, st *stringTable) []byte {
	if len(tags) == 0 {
		return b
	}
	var keys, vals []byte
	for _, t := range tags {
		keys = protowire.AppendVarint(keys, st.index(t.Key))
		vals = protowire.AppendVarint(vals, st.index(t.Value))
	}
	b = appendMessage(b, 2, keys)
	b = appendMessage(b, 3, vals)
	return b
}

func encodeInfo(info Info, st *stringTable) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.Version))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	// timestamp units: date_granularity (default 1000 ms)
	b = protowire.AppendVarint(b, uint64(info.Timestamp.Unix()))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.Changeset))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, st.index(info.User))
	return b
}

func encodeWay(w Way, st *stringTable) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.ID))
	b = encodeTags(b, w.Tags, st)
	b = appendMessage(b, 4, encodeInfo(w.Info, st))

	// refs are delta-coded sint64s
	var refs []byte
	var prev int64
	for _, ref := range w.NodeRefs {
		refs = protowire.AppendVarint(refs, protowire.EncodeZigZag(ref-prev))
		prev = ref
	}
	b = appendMessage(b, 8, refs)
	return b
}

func encodeRelation(r Relation, st *stringTable) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ID))
	b = encodeTags(b, r.Tags, st)
	b = appendMessage(b, 4, encodeInfo(r.Info, st))

	var roles, memids, types []byte
	var prev int64
	for _, m := range r.Members {
		roles = protowire.AppendVarint(roles, st.index(m.Role))
		memids = protowire.AppendVarint(memids, protowire.EncodeZigZag(m.Ref-prev))
		prev = m.Ref
		types = protowire.AppendVarint(types, uint64(m.Type))
	}
	if len(r.Members) > 0 {
		b = appendMessage(b, 8, roles)
		b = appendMessage(b, 9, memids)
		b = appendMessage(b, 10, types)
	}
	return b
}

func (e *Encoder) writeFileHeader() error {
	var hdr []byte
	hdr = protowire.AppendTag(hdr, 4, protowire.BytesType)
	hdr = protowire.AppendString(hdr, "OsmSchema-V0.6")
	hdr = protowire.AppendTag(hdr, 4, protowire.BytesType)
	hdr = protowire.AppendString(hdr, "DenseNodes")
	hdr = protowire.AppendTag(hdr, 16, protowire.BytesType)
	hdr = protowire.AppendString(hdr, e.writingProgram)

	if err := e.writeBlob("OSMHeader", hdr); err != nil {
		return err
	}
	e.headerWritten = true
	return nil
}

func (e *Encoder) writeDataBlock(st *stringTable, group []byte) error {
	if !e.headerWritten {
		if err := e.writeFileHeader(); err != nil {
			return err
		}
	}

	var block []byte
	block = appendMessage(block, 1, st.encode())
	block = appendMessage(block, 2, group)

	return e.writeBlob("OSMData", block)
}

// writeBlob frames one payload as a length-prefixed BlobHeader + Blob.
func (e *Encoder) writeBlob(blobType string, payload []byte) error {
	var blob []byte
	if e.compress {
		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(payload); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		blob = protowire.AppendTag(blob, 2, protowire.VarintType)
		blob = protowire.AppendVarint(blob, uint64(len(payload)))
		blob = protowire.AppendTag(blob, 3, protowire.BytesType)
		blob = protowire.AppendBytes(blob, compressed.Bytes())
	} else {
		blob = protowire.AppendTag(blob, 1, protowire.BytesType)
		blob = protowire.AppendBytes(blob, payload)
	}

	var header []byte
	header = protowire.AppendTag(header, 1, protowire.BytesType)
	header = protowire.AppendString(header, blobType)
	header = protowire.AppendTag(header, 3, protowire.VarintType)
	header = protowire.AppendVarint(header, uint64(len(blob)))

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(header)))
	if _, err := e.w.Write(size[:]); err != nil {
		return err
	}
	if _, err := e.w.Write(header); err != nil {
		return err
	}
	_, err := e.w.Write(blob)
	return err
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
