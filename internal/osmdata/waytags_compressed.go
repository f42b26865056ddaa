package osmdata

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edsrzf/mmap-go"
)

// CompressedWayTagCache stores way tags against a frequency-sorted
// dictionary of key=value strings.
//
// Layout (big-endian):
//
//	Header: "RWAY" (4) | version (1) | wayCount uint32 | dictSize uint16
//	Dictionary: dictSize NUL-terminated UTF-8 "key=value" strings
//	Index:  wayCount * (wayID int64 | dataOffset uint32)
//	Data:   per-way tag blobs
//
// Tag blob: tagCount (1 byte), then per tag either
//
//	type 0 | dictIndex uint16, or
//	type 1 | keyLen uint16 | key | valLen uint16 | val
type CompressedWayTagCache struct {
	path string

	// Writing
	dict          map[string]uint16
	dictList      []string
	tempIndexPath string
	tempDataPath  string
	indexFile     *os.File
	dataFile      *os.File
	indexW        *bufio.Writer
	dataW         *bufio.Writer
	count         uint32
	dataOffset    uint32

	// Reading
	tags map[int64]map[string]string
}

const (
	wayMagic      = "RWAY"
	wayVersion    = 1
	wayHeaderSize = 11
	tagTypeDict   = 0
	tagTypeCustom = 1
)

// NewCompressedWayTagCache creates a handle for the cache at path.
func NewCompressedWayTagCache(path string) *CompressedWayTagCache {
	return &CompressedWayTagCache{path: path}
}

// SetDictionary freezes the compression dictionary. Must be called before
// OpenForWrite; without it every tag is stored as a custom entry.
func (c *CompressedWayTagCache) SetDictionary(entries []string) error {
	if len(entries) > MaxDictSize {
		return fmt.Errorf("dictionary has %d entries, limit is %d", len(entries), MaxDictSize)
	}
	c.dictList = entries
	c.dict = make(map[string]uint16, len(entries))
	for i, e := range entries {
		c.dict[e] = uint16(i)
	}
	return nil
}

// OpenForWrite prepares the temp index and data files.
func (c *CompressedWayTagCache) OpenForWrite() error {
	if c.dict == nil {
		c.dict = map[string]uint16{}
	}
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
	c.dataOffset = 0
	return nil
}

// Put encodes one way's tags against the frozen dictionary. Keys are
// written in sorted order so the blob is deterministic.
func (c *CompressedWayTagCache) Put(wayID int64, tags map[string]string) error {
	if c.dataW == nil {
		return fmt.Errorf("way tag cache not opened for writing")
	}
	if len(tags) > math.MaxUint8 {
		return fmt.Errorf("way %d has %d tags, limit is %d", wayID, len(tags), math.MaxUint8)
	}

	var idx [12]byte
	binary.BigEndian.PutUint64(idx[0:], uint64(wayID))
	binary.BigEndian.PutUint32(idx[8:], c.dataOffset)
	if _, err := c.indexW.Write(idx[:]); err != nil {
		return err
	}

	if err := c.dataW.WriteByte(byte(len(tags))); err != nil {
		return err
	}
	c.dataOffset++

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := tags[k]
		if dictIndex, ok := c.dict[k+"="+v]; ok {
			var buf [3]byte
			buf[0] = tagTypeDict
			binary.BigEndian.PutUint16(buf[1:], dictIndex)
			if _, err := c.dataW.Write(buf[:]); err != nil {
				return err
			}
			c.dataOffset += 3
		} else {
			keyBytes := []byte(k)
			valBytes := []byte(v)
			if len(keyBytes) > math.MaxUint16 || len(valBytes) > math.MaxUint16 {
				return fmt.Errorf("way %d tag %q exceeds encodable length", wayID, k)
			}
			if err := c.dataW.WriteByte(tagTypeCustom); err != nil {
				return err
			}
			var l [2]byte
			binary.BigEndian.PutUint16(l[:], uint16(len(keyBytes)))
			if _, err := c.dataW.Write(l[:]); err != nil {
				return err
			}
			if _, err := c.dataW.Write(keyBytes); err != nil {
				return err
			}
			binary.BigEndian.PutUint16(l[:], uint16(len(valBytes)))
			if _, err := c.dataW.Write(l[:]); err != nil {
				return err
			}
			if _, err := c.dataW.Write(valBytes); err != nil {
				return err
			}
			c.dataOffset += uint32(1 + 2 + len(keyBytes) + 2 + len(valBytes))
		}
	}

	c.count++
	return nil
}

// Finish concatenates header, dictionary, index, and data into the final
// file and removes the temp files.
func (c *CompressedWayTagCache) Finish() error {
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
	w := bufio.NewWriterSize(out, 1<<20)

	var hdr [wayHeaderSize]byte
	copy(hdr[:4], wayMagic)
	hdr[4] = wayVersion
	binary.BigEndian.PutUint32(hdr[5:], c.count)
	binary.BigEndian.PutUint16(hdr[9:], uint16(len(c.dictList)))
	if _, err := w.Write(hdr[:]); err != nil {
		out.Close()
		return err
	}

	for _, entry := range c.dictList {
		if _, err := w.WriteString(entry); err != nil {
			out.Close()
			return err
		}
		if err := w.WriteByte(0); err != nil {
			out.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
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

// Load maps the cache file and decodes every blob into memory. Dictionary
// entries without a '=' are malformed and skipped.
func (c *CompressedWayTagCache) Load() error {
	c.tags = make(map[int64]map[string]string)

	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to map way tag cache: %w", err)
	}
	defer m.Unmap()

	if len(m) < wayHeaderSize || string(m[:4]) != wayMagic {
		return fmt.Errorf("invalid way tag cache format")
	}
	if m[4] != wayVersion {
		return fmt.Errorf("unsupported way tag cache version: %d", m[4])
	}
	count := binary.BigEndian.Uint32(m[5:9])
	dictSize := binary.BigEndian.Uint16(m[9:11])

	pos := wayHeaderSize
	dictKeys := make([]string, dictSize)
	dictVals := make([]string, dictSize)
	for i := 0; i < int(dictSize); i++ {
		end := bytes.IndexByte(m[pos:], 0)
		if end < 0 {
			return fmt.Errorf("way tag cache dictionary truncated")
		}
		entry := string(m[pos : pos+end])
		pos += end + 1
		if eq := strings.Index(entry, "="); eq >= 0 {
			dictKeys[i] = entry[:eq]
			dictVals[i] = entry[eq+1:]
		} else {
			// Malformed entry; references to it decode to nothing
			dictKeys[i] = ""
		}
	}

	indexBase := pos
	dataBase := indexBase + int(count)*12
	if len(m) < dataBase {
		return fmt.Errorf("way tag cache truncated")
	}

	for i := 0; i < int(count); i++ {
		entry := indexBase + i*12
		wayID := int64(binary.BigEndian.Uint64(m[entry:]))
		offset := binary.BigEndian.Uint32(m[entry+8:])

		tags, err := decodeBlob(m, dataBase+int(offset), dictKeys, dictVals)
		if err != nil {
			return fmt.Errorf("way %d: %w", wayID, err)
		}
		c.tags[wayID] = tags
	}

	return nil
}

func decodeBlob(m []byte, pos int, dictKeys, dictVals []string) (map[string]string, error) {
	if pos >= len(m) {
		return nil, fmt.Errorf("tag blob offset out of range")
	}
	tagCount := int(m[pos])
	pos++

	tags := make(map[string]string, tagCount)
	for i := 0; i < tagCount; i++ {
		if pos >= len(m) {
			return nil, fmt.Errorf("tag blob truncated")
		}
		switch m[pos] {
		case tagTypeDict:
			if pos+3 > len(m) {
				return nil, fmt.Errorf("tag blob truncated")
			}
			idx := binary.BigEndian.Uint16(m[pos+1:])
			pos += 3
			if int(idx) >= len(dictKeys) {
				return nil, fmt.Errorf("dictionary index %d out of range", idx)
			}
			if dictKeys[idx] != "" {
				tags[dictKeys[idx]] = dictVals[idx]
			}
		case tagTypeCustom:
			if pos+3 > len(m) {
				return nil, fmt.Errorf("tag blob truncated")
			}
			keyLen := int(binary.BigEndian.Uint16(m[pos+1:]))
			pos += 3
			if pos+keyLen+2 > len(m) {
				return nil, fmt.Errorf("tag blob truncated")
			}
			key := string(m[pos : pos+keyLen])
			pos += keyLen
			valLen := int(binary.BigEndian.Uint16(m[pos:]))
			pos += 2
			if pos+valLen > len(m) {
				return nil, fmt.Errorf("tag blob truncated")
			}
			tags[key] = string(m[pos : pos+valLen])
			pos += valLen
		default:
			return nil, fmt.Errorf("unknown tag entry type %d", m[pos])
		}
	}
	return tags, nil
}

// Get returns the tags of the given way.
func (c *CompressedWayTagCache) Get(wayID int64) (map[string]string, bool) {
	tags, ok := c.tags[wayID]
	return tags, ok
}

// Size returns the number of cached ways.
func (c *CompressedWayTagCache) Size() int {
	return len(c.tags)
}

// Close finishes a pending write.
func (c *CompressedWayTagCache) Close() error {
	if c.indexW != nil {
		return c.Finish()
	}
	return nil
}
