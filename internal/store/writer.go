package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	magic      = "RSEG"
	version    = 1
	headerSize = 4 + 1 + 4
)

// Writer appends segment records to an RSEG file. The record count in the
// header is written as 0 on open and patched with the final count on close,
// so a store is only valid once the writer has been closed.
type Writer struct {
	path   string
	f      *os.File
	w      *bufio.Writer
	count  uint32
	closed bool
}

// NewWriter creates (or truncates) the store at path and writes the header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment store: %w", err)
	}

	w := &Writer{path: path, f: f, w: bufio.NewWriterSize(f, 1<<20)}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	if _, err := w.w.WriteString(magic); err != nil {
		return err
	}
	if err := w.w.WriteByte(version); err != nil {
		return err
	}
	// Placeholder record count, patched on close
	var zero [4]byte
	_, err := w.w.Write(zero[:])
	return err
}

// Write appends one record.
func (w *Writer) Write(r *Record) error {
	if w.closed {
		return fmt.Errorf("segment store writer is closed")
	}

	var buf [21]byte
	binary.BigEndian.PutUint32(buf[0:], r.EdgeID)
	binary.BigEndian.PutUint64(buf[4:], uint64(r.BaseWayID))
	binary.BigEndian.PutUint32(buf[12:], r.SegIndex)
	buf[16] = r.Flags
	binary.BigEndian.PutUint32(buf[17:], uint32(len(r.NodeRefs)))
	if _, err := w.w.Write(buf[:]); err != nil {
		return err
	}

	var ref [8]byte
	for _, n := range r.NodeRefs {
		binary.BigEndian.PutUint64(ref[:], uint64(n))
		if _, err := w.w.Write(ref[:]); err != nil {
			return err
		}
	}

	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() uint32 {
	return w.count
}

// Close flushes pending records and patches the header record count.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], w.count)
	if _, err := w.f.WriteAt(buf[:], 5); err != nil {
		w.f.Close()
		return fmt.Errorf("failed to patch record count: %w", err)
	}

	return w.f.Close()
}
