package osmdata

import (
	"fmt"
	"os"
	"path/filepath"
)

// NodeCache is a loaded node cache of either format.
type NodeCache interface {
	NodeGetter
	Close() error
}

// WayTagCache is a loaded way-tag cache of either format.
type WayTagCache interface {
	WayTagGetter
	Close() error
}

// OpenNodeCache loads the node cache from dir, preferring the binary
// format when both are present.
func OpenNodeCache(dir string) (NodeCache, error) {
	if binPath := filepath.Join(dir, "nodes.bin"); fileExists(binPath) {
		c := NewBinaryNodeCache(binPath)
		if err := c.Load(); err != nil {
			return nil, fmt.Errorf("failed to load binary node cache: %w", err)
		}
		return c, nil
	}
	if txtPath := filepath.Join(dir, "nodes.txt"); fileExists(txtPath) {
		c := NewTextNodeCache(txtPath)
		if err := c.Load(); err != nil {
			return nil, fmt.Errorf("failed to load text node cache: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("no node cache (nodes.bin or nodes.txt) in %s", dir)
}

// OpenWayTagCache loads the way-tag cache from dir, preferring the binary
// format when both are present.
func OpenWayTagCache(dir string) (WayTagCache, error) {
	if binPath := filepath.Join(dir, "way_tags.bin"); fileExists(binPath) {
		c := NewCompressedWayTagCache(binPath)
		if err := c.Load(); err != nil {
			return nil, fmt.Errorf("failed to load compressed way tag cache: %w", err)
		}
		return c, nil
	}
	if txtPath := filepath.Join(dir, "way_tags.txt"); fileExists(txtPath) {
		c := NewTextWayTagCache(txtPath)
		if err := c.Load(); err != nil {
			return nil, fmt.Errorf("failed to load text way tag cache: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("no way tag cache (way_tags.bin or way_tags.txt) in %s", dir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
