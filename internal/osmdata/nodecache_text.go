package osmdata

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// TextNodeCache is the legacy CSV node cache: one `id,lat,lon,ele` line per
// node, empty elevation meaning unknown.
type TextNodeCache struct {
	path   string
	nodes  map[int64]Node
	file   *os.File
	writer *bufio.Writer
}

// NewTextNodeCache creates a handle for the cache at path.
func NewTextNodeCache(path string) *TextNodeCache {
	return &TextNodeCache{path: path, nodes: make(map[int64]Node)}
}

// OpenForWrite truncates and opens the cache file.
func (c *TextNodeCache) OpenForWrite() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(c.path)
	if err != nil {
		return err
	}
	c.file = f
	c.writer = bufio.NewWriterSize(f, 1<<20)
	return nil
}

// Put appends one node line.
func (c *TextNodeCache) Put(n Node) error {
	if c.writer == nil {
		return fmt.Errorf("node cache not opened for writing")
	}
	ele := ""
	if n.HasElevation() {
		ele = strconv.FormatFloat(n.Ele, 'g', -1, 64)
	}
	_, err := fmt.Fprintf(c.writer, "%d,%s,%s,%s\n",
		n.ID,
		strconv.FormatFloat(n.Lat, 'g', -1, 64),
		strconv.FormatFloat(n.Lon, 'g', -1, 64),
		ele)
	return err
}

// Load reads the whole cache into memory.
func (c *TextNodeCache) Load() error {
	c.nodes = make(map[int64]Node)

	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ",")
		if len(parts) < 3 {
			continue
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		lat, err1 := strconv.ParseFloat(parts[1], 64)
		lon, err2 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		ele := math.NaN()
		if len(parts) > 3 && parts[3] != "" {
			if v, err := strconv.ParseFloat(parts[3], 64); err == nil {
				ele = v
			}
		}
		c.nodes[id] = Node{ID: id, Lat: lat, Lon: lon, Ele: ele}
	}
	return scanner.Err()
}

// Get returns the node with the given id.
func (c *TextNodeCache) Get(nodeID int64) (Node, bool) {
	n, ok := c.nodes[nodeID]
	return n, ok
}

// Size returns the number of cached nodes.
func (c *TextNodeCache) Size() int {
	return len(c.nodes)
}

// Finish flushes and closes a pending write.
func (c *TextNodeCache) Finish() error {
	return c.Close()
}

// Close flushes a pending write.
func (c *TextNodeCache) Close() error {
	if c.writer != nil {
		if err := c.writer.Flush(); err != nil {
			c.file.Close()
			return err
		}
		c.writer = nil
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}
