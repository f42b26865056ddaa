package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrNotIndexed is returned by Get on a reader opened without an index.
var ErrNotIndexed = errors.New("segment store: point lookup requires an indexed reader")

// Reader reads an RSEG file. A plain reader supports streaming iteration
// only; an indexed reader additionally serves point lookups by edge id.
type Reader struct {
	path        string
	recordCount uint32

	// Point lookup state. The mutex serializes the seek+read pair on the
	// shared handle, so Get is safe for concurrent callers.
	mu     sync.Mutex
	f      *os.File
	offset map[uint32]int64
}

// OpenReader validates the header and returns a streaming-only reader.
func OpenReader(path string) (*Reader, error) {
	count, err := readHeader(path)
	if err != nil {
		return nil, err
	}
	return &Reader{path: path, recordCount: count}, nil
}

// OpenIndexedReader validates the header, scans the file once to build the
// edge-id → offset index, and keeps the file open for point lookups.
func OpenIndexedReader(path string) (*Reader, error) {
	r, err := OpenReader(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	offsets := make(map[uint32]int64, r.recordCount)
	br := bufio.NewReaderSize(f, 1<<20)
	offset := int64(headerSize)
	for i := uint32(0); i < r.recordCount; i++ {
		rec, n, err := readRecord(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("segment store: truncated record %d: %w", i, err)
		}
		offsets[rec.EdgeID] = offset
		offset += n
	}

	r.f = f
	r.offset = offsets
	return r, nil
}

func readHeader(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, fmt.Errorf("segment store: short header: %w", err)
	}
	if string(hdr[:4]) != magic {
		return 0, fmt.Errorf("segment store: invalid magic bytes, expected RSEG")
	}
	if hdr[4] != version {
		return 0, fmt.Errorf("segment store: unsupported version %d, expected %d", hdr[4], version)
	}
	return binary.BigEndian.Uint32(hdr[5:]), nil
}

// RecordCount returns the header record count.
func (r *Reader) RecordCount() uint32 {
	return r.recordCount
}

// Get returns the record with the given edge id. The second return value is
// false when the id is not in the store.
func (r *Reader) Get(edgeID uint32) (*Record, bool, error) {
	if r.offset == nil {
		return nil, false, ErrNotIndexed
	}

	off, ok := r.offset[edgeID]
	if !ok {
		return nil, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.f.Seek(off, io.SeekStart); err != nil {
		return nil, false, err
	}
	rec, _, err := readRecord(bufio.NewReader(r.f))
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Close releases the point-lookup handle, if any.
func (r *Reader) Close() error {
	if r.f != nil {
		err := r.f.Close()
		r.f = nil
		return err
	}
	return nil
}

// Scanner is a single-pass iterator over the records of a store.
type Scanner struct {
	f         *os.File
	br        *bufio.Reader
	remaining uint32
	rec       *Record
	err       error
}

// Scanner opens a fresh handle positioned at the first record. The handle
// is released when the scanner is exhausted or closed.
func (r *Reader) Scanner() (*Scanner, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Scanner{
		f:         f,
		br:        bufio.NewReaderSize(f, 1<<20),
		remaining: r.recordCount,
	}, nil
}

// Scan advances to the next record. It returns false at end of store or on
// error; check Err afterwards.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.remaining == 0 {
		s.release()
		return false
	}
	rec, _, err := readRecord(s.br)
	if err != nil {
		s.err = fmt.Errorf("segment store: truncated record: %w", err)
		s.release()
		return false
	}
	s.rec = rec
	s.remaining--
	if s.remaining == 0 {
		s.release()
	}
	return true
}

// Record returns the current record.
func (s *Scanner) Record() *Record {
	return s.rec
}

// Err returns the first error encountered while scanning.
func (s *Scanner) Err() error {
	return s.err
}

// Close releases the underlying file handle early.
func (s *Scanner) Close() error {
	s.release()
	return nil
}

func (s *Scanner) release() {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
}

// readRecord reads one record and returns it with its encoded size. Reads
// are strict: a short read is an error, never a partial record.
func readRecord(br *bufio.Reader) (*Record, int64, error) {
	var fixed [21]byte
	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		return nil, 0, err
	}

	nodeCount := binary.BigEndian.Uint32(fixed[17:])
	refs := make([]int64, nodeCount)
	var buf [8]byte
	for i := range refs {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, 0, err
		}
		refs[i] = int64(binary.BigEndian.Uint64(buf[:]))
	}

	rec := &Record{
		EdgeID:    binary.BigEndian.Uint32(fixed[0:]),
		BaseWayID: int64(binary.BigEndian.Uint64(fixed[4:])),
		SegIndex:  binary.BigEndian.Uint32(fixed[12:]),
		Flags:     fixed[16],
		NodeRefs:  refs,
	}
	return rec, 21 + int64(nodeCount)*8, nil
}
