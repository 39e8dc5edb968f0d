package run

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

var (
	// ErrNoData is returned by Cursor.Read at the current end of a Sink. It
	// means "try again later", a Sink never signals end of stream.
	ErrNoData = errors.New("no data yet")

	ErrSinkClosed = errors.New("sink is closed for writing")
)

// Sink is the append-only log of a single Run, backed by a temporary file.
// There is exactly one writer (the Executor) and any number of Cursors. The
// committed size is published only after a write returns, so cursors never
// observe partially written data and never block the writer.
type Sink struct {
	path string

	mx     sync.Mutex
	f      *os.File
	closed bool

	size atomic.Int64
}

// NewSink creates an empty log file deck-<id>-*.log in dir, or in
// os.TempDir when dir is empty. The file is never removed by the Sink.
func NewSink(dir, id string) (*Sink, error) {
	f, err := os.CreateTemp(dir, "deck-"+id+"-*.log")
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	return &Sink{path: f.Name(), f: f}, nil
}

func (s *Sink) Path() string { return s.path }

// Size returns the number of bytes readable by cursors.
func (s *Sink) Size() int64 { return s.size.Load() }

func (s *Sink) Write(p []byte) (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return 0, ErrSinkClosed
	}
	n, err := s.f.Write(p)
	s.size.Add(int64(n))
	return n, err
}

func (s *Sink) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Close closes the writing side. Cursors can still read everything that
// was written.
func (s *Sink) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// NewCursor returns an independent reader positioned at offset.
func (s *Sink) NewCursor(offset int64) *Cursor {
	return &Cursor{sink: s, offset: offset}
}

// Cursor reads a Sink from a recorded offset. It opens its own read-only
// handle on first use, so a cursor is never affected by the writer closing
// the file. A Cursor is not safe for concurrent use.
type Cursor struct {
	sink   *Sink
	f      *os.File
	offset int64
}

func (c *Cursor) Offset() int64 { return c.offset }

// Read reads up to len(p) newly appended bytes. At the end of the
// committed data it returns 0, ErrNoData.
func (c *Cursor) Read(p []byte) (int, error) {
	avail := c.sink.Size() - c.offset
	if avail <= 0 || len(p) == 0 {
		return 0, ErrNoData
	}
	if c.f == nil {
		f, err := os.Open(c.sink.path)
		if err != nil {
			return 0, fmt.Errorf("opening log file: %w", err)
		}
		c.f = f
	}
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	n, err := c.f.ReadAt(p, c.offset)
	c.offset += int64(n)
	if errors.Is(err, io.EOF) {
		// the file got truncated underneath us
		if n == 0 {
			return 0, ErrNoData
		}
		err = nil
	}
	return n, err
}

func (c *Cursor) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}
