package osmdata

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// RelationCache stores route and route_master relations in a line-oriented
// text form, one block per relation:
//
//	RELATION <id>
//	TAG k=v
//	MEMBER <type>,<ref>,<role>
//	(blank line)
//
// The text format is kept for diff-friendly debugging; relations are few
// enough that a binary form buys nothing.
type RelationCache struct {
	path      string
	relations []Relation
	file      *os.File
	writer    *bufio.Writer
}

// NewRelationCache creates a handle for the cache at path.
func NewRelationCache(path string) *RelationCache {
	return &RelationCache{path: path}
}

// OpenForWrite truncates and opens the cache file.
func (c *RelationCache) OpenForWrite() error {
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

// Put appends one relation block. Tags are written sorted by key for
// stable diffs; member order is the source order.
func (c *RelationCache) Put(rel Relation) error {
	if c.writer == nil {
		return fmt.Errorf("relation cache not opened for writing")
	}

	if _, err := fmt.Fprintf(c.writer, "RELATION %d\n", rel.ID); err != nil {
		return err
	}

	keys := make([]string, 0, len(rel.Tags))
	for k := range rel.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(c.writer, "TAG %s=%s\n", escapeRelText(k), escapeRelText(rel.Tags[k])); err != nil {
			return err
		}
	}

	for _, m := range rel.Members {
		if _, err := fmt.Fprintf(c.writer, "MEMBER %s,%d,%s\n", m.Type, m.Ref, escapeRelText(m.Role)); err != nil {
			return err
		}
	}

	_, err := c.writer.WriteString("\n")
	return err
}

// Load reads every relation block into memory, preserving source order.
func (c *RelationCache) Load() error {
	c.relations = nil

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

	var current *Relation
	flush := func() {
		if current != nil {
			c.relations = append(c.relations, *current)
			current = nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "RELATION "):
			flush()
			id, err := strconv.ParseInt(line[len("RELATION "):], 10, 64)
			if err != nil {
				return fmt.Errorf("relation cache: bad relation line %q", line)
			}
			current = &Relation{ID: id, Tags: make(map[string]string)}
		case strings.HasPrefix(line, "TAG ") && current != nil:
			tagLine := line[len("TAG "):]
			if eq := indexUnescapedEquals(tagLine); eq > 0 {
				current.Tags[unescapeRelText(tagLine[:eq])] = unescapeRelText(tagLine[eq+1:])
			}
		case strings.HasPrefix(line, "MEMBER ") && current != nil:
			parts := strings.SplitN(line[len("MEMBER "):], ",", 3)
			if len(parts) != 3 {
				continue
			}
			mt := MemberType(parts[0])
			if mt != MemberNode && mt != MemberWay && mt != MemberRelation {
				continue
			}
			ref, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				continue
			}
			current.Members = append(current.Members, Member{
				Type: mt,
				Ref:  ref,
				Role: unescapeRelText(parts[2]),
			})
		}
	}
	flush()
	return scanner.Err()
}

// All returns the cached relations in source order.
func (c *RelationCache) All() []Relation {
	return c.relations
}

// Size returns the number of cached relations.
func (c *RelationCache) Size() int {
	return len(c.relations)
}

// Close flushes a pending write.
func (c *RelationCache) Close() error {
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

func escapeRelText(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "=", "\\=")
	return s
}

func unescapeRelText(s string) string {
	s = strings.ReplaceAll(s, "\\=", "=")
	s = strings.ReplaceAll(s, "\\,", ",")
	s = strings.ReplaceAll(s, "\\n", "\n")
	return s
}
