package seqio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// RecordStream is a pull-based source of (group label, record) pairs.
//
// Next returns io.EOF once every group has been consumed.
type RecordStream interface {
	Next(ctx context.Context) (string, Record, error)
}

// GroupStream reads the records of each group in order, opening one FastA
// file at a time.
type GroupStream struct {
	groups []Group
	idx    int

	file   *os.File
	reader *Reader
}

// NewGroupStream creates a stream over groups in the given order.
func NewGroupStream(groups []Group) *GroupStream {
	return &GroupStream{groups: groups}
}

// Groups returns the groups the stream will visit.
func (s *GroupStream) Groups() []Group {
	return s.groups
}

// Next returns the next record and the label of the group it belongs to.
func (s *GroupStream) Next(ctx context.Context) (string, Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", Record{}, err
		}

		if s.reader == nil {
			if s.idx >= len(s.groups) {
				return "", Record{}, io.EOF
			}
			g := s.groups[s.idx]
			f, err := os.Open(g.Path)
			if err != nil {
				// Skip past the unreadable group so the caller may continue.
				s.idx++
				return g.Label, Record{}, &GroupError{Group: g, Err: err}
			}
			s.file = f
			s.reader = NewReader(f)
		}

		g := s.groups[s.idx]
		rec, err := s.reader.Next()
		if err == nil {
			return g.Label, rec, nil
		}

		s.closeCurrent()
		s.idx++
		if errors.Is(err, io.EOF) {
			continue
		}
		return g.Label, Record{}, &GroupError{Group: g, Err: err}
	}
}

// Close releases the open file, if any.
func (s *GroupStream) Close() error {
	s.closeCurrent()
	return nil
}

func (s *GroupStream) closeCurrent() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = nil
	s.reader = nil
}

// GroupError reports a group whose file could not be opened or parsed.
// The stream has already moved past the group when it is returned.
type GroupError struct {
	Group Group
	Err   error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group %s (%s): %v", e.Group.Label, e.Group.Path, e.Err)
}

func (e *GroupError) Unwrap() error {
	return e.Err
}

// SliceStream is an in-memory RecordStream, mainly for tests and dry runs.
type SliceStream struct {
	items []Item
	idx   int
}

// Item is one (group label, record) pair.
type Item struct {
	Group  string
	Record Record
}

// NewSliceStream creates a stream that yields items in order.
func NewSliceStream(items ...Item) *SliceStream {
	return &SliceStream{items: items}
}

// Next implements RecordStream.
func (s *SliceStream) Next(ctx context.Context) (string, Record, error) {
	if err := ctx.Err(); err != nil {
		return "", Record{}, err
	}
	if s.idx >= len(s.items) {
		return "", Record{}, io.EOF
	}
	it := s.items[s.idx]
	s.idx++
	return it.Group, it.Record, nil
}

var (
	_ RecordStream = (*GroupStream)(nil)
	_ RecordStream = (*SliceStream)(nil)
)
