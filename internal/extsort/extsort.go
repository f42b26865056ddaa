// Package extsort provides disk-backed sorting and deduplication of int64
// id multisets. The extract stage cannot hold a hash set of every node id
// referenced by a country-scale segment store; instead ids are spilled to
// disk, sorted in bounded chunks, and k-way merged with deduplication into
// a sorted array that supports binary-search membership tests.
package extsort

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// DefaultChunkSize is the number of int64 values sorted in memory at once
// (10M longs, about 80 MiB).
const DefaultChunkSize = 10_000_000

// SpillWriter appends raw big-endian int64 values to a spill file.
type SpillWriter struct {
	f *os.File
	w *bufio.Writer
	n int64
}

// NewSpillWriter creates the spill file at path.
func NewSpillWriter(path string) (*SpillWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create spill file: %w", err)
	}
	return &SpillWriter{f: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

// Append writes one value.
func (s *SpillWriter) Append(v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := s.w.Write(buf[:])
	if err == nil {
		s.n++
	}
	return err
}

// Count returns the number of values appended.
func (s *SpillWriter) Count() int64 {
	return s.n
}

// Close flushes and closes the spill file.
func (s *SpillWriter) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// SortUnique reads the spill file at path and returns its sorted distinct
// values. Work is done in chunks of at most chunkSize values; sorted chunk
// files are written next to the spill file and removed before returning,
// on success and on failure.
func SortUnique(path string, chunkSize int) ([]int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	total := info.Size() / 8
	if total == 0 {
		return nil, nil
	}

	chunkFiles, err := sortChunks(path, total, chunkSize)
	defer func() {
		for _, cf := range chunkFiles {
			os.Remove(cf)
		}
	}()
	if err != nil {
		return nil, err
	}

	return mergeUnique(chunkFiles)
}

// sortChunks splits the spill file into sorted chunk files.
func sortChunks(path string, total int64, chunkSize int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 8<<20)
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	var chunkFiles []string
	var processed int64
	for chunkIndex := 0; processed < total; chunkIndex++ {
		n := chunkSize
		if remaining := total - processed; remaining < int64(n) {
			n = int(remaining)
		}

		chunk := make([]int64, n)
		var buf [8]byte
		for i := 0; i < n; i++ {
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return chunkFiles, fmt.Errorf("failed to read spill file: %w", err)
			}
			chunk[i] = int64(binary.BigEndian.Uint64(buf[:]))
		}
		sort.Slice(chunk, func(i, j int) bool { return chunk[i] < chunk[j] })

		chunkPath := filepath.Join(dir, fmt.Sprintf("%s.chunk_%d", base, chunkIndex))
		if err := writeChunk(chunkPath, chunk); err != nil {
			return chunkFiles, err
		}
		chunkFiles = append(chunkFiles, chunkPath)
		processed += int64(n)
	}

	return chunkFiles, nil
}

func writeChunk(path string, values []int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	var buf [8]byte
	for _, v := range values {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		if _, err := w.Write(buf[:]); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// chunkReader streams one sorted chunk file during the merge.
type chunkReader struct {
	f   *os.File
	br  *bufio.Reader
	cur int64
}

func (c *chunkReader) advance() (bool, error) {
	var buf [8]byte
	_, err := io.ReadFull(c.br, buf[:])
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.cur = int64(binary.BigEndian.Uint64(buf[:]))
	return true, nil
}

// mergeHeap is a min-heap of chunk readers keyed by their current value.
type mergeHeap []*chunkReader

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].cur < h[j].cur }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*chunkReader)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeUnique k-way merges the sorted chunk files, dropping duplicates.
func mergeUnique(chunkFiles []string) ([]int64, error) {
	h := make(mergeHeap, 0, len(chunkFiles))
	defer func() {
		for _, c := range h {
			c.f.Close()
		}
	}()

	for _, path := range chunkFiles {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		c := &chunkReader{f: f, br: bufio.NewReaderSize(f, 1<<20)}
		ok, err := c.advance()
		if err != nil {
			f.Close()
			return nil, err
		}
		if !ok {
			f.Close()
			continue
		}
		h = append(h, c)
	}
	heap.Init(&h)

	var result []int64
	var last int64
	first := true
	for h.Len() > 0 {
		c := h[0]
		if first || c.cur != last {
			result = append(result, c.cur)
			last = c.cur
			first = false
		}
		ok, err := c.advance()
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Fix(&h, 0)
		} else {
			c.f.Close()
			heap.Pop(&h)
		}
	}

	return result, nil
}

// Contains reports whether the sorted array holds v.
func Contains(sorted []int64, v int64) bool {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= v })
	return i < len(sorted) && sorted[i] == v
}
