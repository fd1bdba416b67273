// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dataio provides the record streams, codecs, and spill files
// that carry partition data between the components of bigdag.
package dataio

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
)

// DefaultChunksize is the default number of records used for
// I/O vectors.
const DefaultChunksize = 1024

// EOF is the error returned by Reader.Read when no more data is
// available. EOF is intended as a sentinel error: it signals a
// graceful end of output. If output terminates unexpectedly, a
// different error should be returned.
var EOF = errors.New("EOF")

// A Reader represents a stateful stream of records. Each call to
// Read reads the next set of available records into out.
//
// Read returns the number of records read, or an error. When no more
// records are available, Read returns EOF. Read may return EOF when
// n > 0: n records were read, but no more are available.
//
// Read should not be called concurrently.
type Reader interface {
	Read(ctx context.Context, out []interface{}) (int, error)
}

// ReaderFunc adapts an ordinary function to a Reader.
type ReaderFunc func(ctx context.Context, out []interface{}) (int, error)

// Read implements Reader.
func (f ReaderFunc) Read(ctx context.Context, out []interface{}) (int, error) {
	return f(ctx, out)
}

type multiReader struct {
	q   []Reader
	err error
}

// MultiReader returns a Reader that's the logical concatenation of
// the provided input readers. Once every underlying Reader has
// returned EOF, Read will return EOF, too. Non-EOF errors are
// returned immediately.
func MultiReader(readers ...Reader) Reader {
	return &multiReader{q: readers}
}

func (m *multiReader) Read(ctx context.Context, out []interface{}) (n int, err error) {
	if m.err != nil {
		return 0, m.err
	}
	for len(m.q) > 0 {
		n, err := m.q[0].Read(ctx, out)
		switch {
		case err == EOF:
			m.q = m.q[1:]
			if n > 0 {
				return n, nil
			}
		case err != nil:
			m.err = err
			return n, err
		case n > 0:
			return n, err
		}
	}
	return 0, EOF
}

type sliceReader struct {
	records []interface{}
}

// SliceReader returns a Reader that reads the provided records to
// completion.
func SliceReader(records []interface{}) Reader {
	return &sliceReader{records}
}

func (s *sliceReader) Read(ctx context.Context, out []interface{}) (int, error) {
	n := copy(out, s.records)
	s.records = s.records[n:]
	if len(s.records) == 0 {
		return n, EOF
	}
	return n, nil
}

// PairReader returns a Reader of the provided pairs.
func PairReader(pairs []Pair) Reader {
	records := make([]interface{}, len(pairs))
	for i := range pairs {
		records[i] = pairs[i]
	}
	return SliceReader(records)
}

type errReader struct{ err error }

// ErrReader returns a reader that returns the provided error on every
// call to Read.
func ErrReader(err error) Reader {
	return errReader{err}
}

func (e errReader) Read(context.Context, []interface{}) (int, error) {
	return 0, e.err
}

// ClosingReader closes the wrapped ReadCloser when Read returns any
// error.
type ClosingReader struct {
	Reader
	io.Closer
}

// Read implements Reader.
func (c *ClosingReader) Read(ctx context.Context, out []interface{}) (int, error) {
	if c.Closer == nil {
		return c.Reader.Read(ctx, out)
	}
	n, err := c.Reader.Read(ctx, out)
	if err != nil {
		c.Closer.Close()
		c.Closer = nil
	}
	return n, err
}

// ReadAll reads all records from r. ReadAll is not tuned for
// performance and is intended for drivers and tests.
func ReadAll(ctx context.Context, r Reader) ([]interface{}, error) {
	var (
		records []interface{}
		buf     = make([]interface{}, DefaultChunksize)
	)
	for {
		n, err := r.Read(ctx, buf)
		records = append(records, buf[:n]...)
		if err == EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
	}
}

// ForEach calls fn for every record in r until r is exhausted or fn
// returns an error.
func ForEach(ctx context.Context, r Reader, fn func(interface{}) error) error {
	buf := make([]interface{}, DefaultChunksize)
	for {
		n, err := r.Read(ctx, buf)
		for i := 0; i < n; i++ {
			if ferr := fn(buf[i]); ferr != nil {
				return ferr
			}
		}
		if err == EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
