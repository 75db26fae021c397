// Package seqio reads protein sequence collections and presents them as an
// ordered stream of (group label, record) pairs.
//
// Inputs follow the orthogroup layout: one FastA file per orthogroup, listed
// in a plain-text group list. Records are read lazily; only one file is open
// at a time.
package seqio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Record is one sequence entry.
type Record struct {
	// ID is the first whitespace-delimited token of the header line.
	ID string

	// Description is the remainder of the header line, if any.
	Description string

	// Sequence is the concatenated sequence lines with whitespace removed.
	Sequence string
}

// ErrMissingHeader indicates sequence data before the first '>' header.
var ErrMissingHeader = errors.New("fasta: sequence data before first header")

// Reader reads FastA records one at a time.
type Reader struct {
	sc     *bufio.Scanner
	header string
	line   int
	done   bool
}

// NewReader creates a FastA reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	// Long single-line sequences are common in proteome exports.
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next record, or io.EOF when the input is exhausted.
func (r *Reader) Next() (Record, error) {
	if r.done {
		return Record{}, io.EOF
	}

	// Advance to the first header on the first call.
	for r.header == "" {
		if !r.sc.Scan() {
			r.done = true
			if err := r.sc.Err(); err != nil {
				return Record{}, fmt.Errorf("fasta: read: %w", err)
			}
			return Record{}, io.EOF
		}
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" || strings.HasPrefix(text, ";") {
			continue
		}
		if !strings.HasPrefix(text, ">") {
			r.done = true
			return Record{}, fmt.Errorf("%w (line %d)", ErrMissingHeader, r.line)
		}
		r.header = text
	}

	rec := parseHeader(r.header)
	r.header = ""

	var seq strings.Builder
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, ">") {
			r.header = text
			break
		}
		seq.WriteString(strings.Join(strings.Fields(text), ""))
	}
	if err := r.sc.Err(); err != nil {
		r.done = true
		return Record{}, fmt.Errorf("fasta: read: %w", err)
	}
	if r.header == "" {
		r.done = true
	}

	rec.Sequence = seq.String()
	return rec, nil
}

func parseHeader(line string) Record {
	body := strings.TrimSpace(strings.TrimPrefix(line, ">"))
	id, desc, _ := strings.Cut(body, " ")
	if i := strings.IndexByte(id, '\t'); i >= 0 {
		desc = id[i+1:] + " " + desc
		id = id[:i]
	}
	return Record{ID: id, Description: strings.TrimSpace(desc)}
}
