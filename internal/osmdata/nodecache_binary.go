package osmdata

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// BinaryNodeCache is a random-access node cache backed by a single RNOD
// file.
//
// Layout (big-endian):
//
//	Header: "RNOD" (4) | version (1) | nodeCount uint32 (4)
//	Index:  nodeCount * (nodeID int64 | dataOffset uint32)
//	Data:   nodeCount * (lat float64 | lon float64 | ele float64)
//
// The write path streams index and data entries to two temp files and
// concatenates them behind the header on finish. The read path maps the
// whole file and keeps only the id→offset hash on the heap; the 24-byte
// data records stay in the page cache.
type BinaryNodeCache struct {
	path string

	// Writing
	tempIndexPath string
	tempDataPath  string
	indexFile     *os.File
	dataFile      *os.File
	indexW        *bufio.Writer
	dataW         *bufio.Writer
	count         uint32

	// Reading
	mapped   mmap.MMap
	file     *os.File
	offsets  map[int64]uint32
	dataBase int
}

const (
	nodeMagic      = "RNOD"
	nodeVersion    = 1
	nodeHeaderSize = 9
	nodeIndexEntry = 12
	nodeRecordSize = 24
)

// NewBinaryNodeCache creates a handle for the cache at path.
func NewBinaryNodeCache(path string) *BinaryNodeCache {
	return &BinaryNodeCache{path: path}
}

// OpenForWrite prepares the temp index and data files.
func (c *BinaryNodeCache) OpenForWrite() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	c.tempIndexPath = c.path + ".idx.tmp"
	c.tempDataPath = c.path + ".dat.tmp"

	var err error
	c.indexFile, err = os.Create(c.tempIndexPath)
	if err != nil {
		return err
	}
	c.dataFile, err = os.Create(c.tempDataPath)
	if err != nil {
		c.indexFile.Close()
		return err
	}
	c.indexW = bufio.NewWriterSize(c.indexFile, 1<<20)
	c.dataW = bufio.NewWriterSize(c.dataFile, 1<<20)
	c.count = 0
	return nil
}

// Put appends one node. Producers append in PBF traversal order; sorted ids
// are not required for correctness.
func (c *BinaryNodeCache) Put(n Node) error {
	if c.indexW == nil {
		return fmt.Errorf("node cache not opened for writing")
	}

	var idx [nodeIndexEntry]byte
	binary.BigEndian.PutUint64(idx[0:], uint64(n.ID))
	binary.BigEndian.PutUint32(idx[8:], c.count*nodeRecordSize)
	if _, err := c.indexW.Write(idx[:]); err != nil {
		return err
	}

	var rec [nodeRecordSize]byte
	binary.BigEndian.PutUint64(rec[0:], math.Float64bits(n.Lat))
	binary.BigEndian.PutUint64(rec[8:], math.Float64bits(n.Lon))
	binary.BigEndian.PutUint64(rec[16:], math.Float64bits(n.Ele))
	if _, err := c.dataW.Write(rec[:]); err != nil {
		return err
	}

	c.count++
	return nil
}

// Finish concatenates header, index, and data into the final file and
// removes the temp files.
func (c *BinaryNodeCache) Finish() error {
	if c.indexW == nil {
		return nil
	}

	if err := c.indexW.Flush(); err != nil {
		return err
	}
	if err := c.dataW.Flush(); err != nil {
		return err
	}
	c.indexFile.Close()
	c.dataFile.Close()
	c.indexW = nil
	c.dataW = nil

	out, err := os.Create(c.path)
	if err != nil {
		return err
	}

	var hdr [nodeHeaderSize]byte
	copy(hdr[:4], nodeMagic)
	hdr[4] = nodeVersion
	binary.BigEndian.PutUint32(hdr[5:], c.count)
	if _, err := out.Write(hdr[:]); err != nil {
		out.Close()
		return err
	}

	for _, tmp := range []string{c.tempIndexPath, c.tempDataPath} {
		in, err := os.Open(tmp)
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	}

	if err := out.Close(); err != nil {
		return err
	}

	os.Remove(c.tempIndexPath)
	os.Remove(c.tempDataPath)
	return nil
}

// Load maps the cache file and builds the in-memory id→offset index.
func (c *BinaryNodeCache) Load() error {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.offsets = map[int64]uint32{}
			return nil
		}
		return err
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to map node cache: %w", err)
	}

	if len(m) < nodeHeaderSize || string(m[:4]) != nodeMagic {
		m.Unmap()
		f.Close()
		return fmt.Errorf("invalid node cache format")
	}
	if m[4] != nodeVersion {
		ver := m[4]
		m.Unmap()
		f.Close()
		return fmt.Errorf("unsupported node cache version: %d", ver)
	}

	count := binary.BigEndian.Uint32(m[5:9])
	indexEnd := nodeHeaderSize + int(count)*nodeIndexEntry
	dataEnd := indexEnd + int(count)*nodeRecordSize
	if len(m) < dataEnd {
		m.Unmap()
		f.Close()
		return fmt.Errorf("node cache truncated: %d bytes, need %d", len(m), dataEnd)
	}

	offsets := make(map[int64]uint32, count)
	for i := 0; i < int(count); i++ {
		base := nodeHeaderSize + i*nodeIndexEntry
		id := int64(binary.BigEndian.Uint64(m[base:]))
		off := binary.BigEndian.Uint32(m[base+8:])
		offsets[id] = off
	}

	c.file = f
	c.mapped = m
	c.offsets = offsets
	c.dataBase = indexEnd
	return nil
}

// Get returns the node with the given id.
func (c *BinaryNodeCache) Get(nodeID int64) (Node, bool) {
	off, ok := c.offsets[nodeID]
	if !ok {
		return Node{}, false
	}
	base := c.dataBase + int(off)
	return Node{
		ID:  nodeID,
		Lat: math.Float64frombits(binary.BigEndian.Uint64(c.mapped[base:])),
		Lon: math.Float64frombits(binary.BigEndian.Uint64(c.mapped[base+8:])),
		Ele: math.Float64frombits(binary.BigEndian.Uint64(c.mapped[base+16:])),
	}, true
}

// Size returns the number of cached nodes.
func (c *BinaryNodeCache) Size() int {
	return len(c.offsets)
}

// Close finishes a pending write and releases the mapping.
func (c *BinaryNodeCache) Close() error {
	if c.indexW != nil {
		if err := c.Finish(); err != nil {
			return err
		}
	}
	if c.mapped != nil {
		c.mapped.Unmap()
		c.mapped = nil
	}
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
	c.offsets = nil
	return nil
}
