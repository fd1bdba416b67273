// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
)

// SpillBatchSize is the number of records encoded into each frame of
// a spill file. A single read of a spill file produces at most this
// many records.
const SpillBatchSize = DefaultChunksize

// A Spiller manages a set of spill files in a temporary directory.
// Each spill file is a sequence of frames as produced by
// EncodeFrame.
type Spiller string

// NewSpiller creates and returns a new spiller backed by a temporary
// directory. If dir is empty, the system's temporary directory is
// used.
func NewSpiller(dir, name string) (Spiller, error) {
	path, err := ioutil.TempDir(dir, fmt.Sprintf("spiller-%s-", name))
	if err != nil {
		return "", err
	}
	return Spiller(path), nil
}

// Spill writes the provided records to a new file in the spiller.
// Spill returns the file's encoded size, or an error.
func (dir Spiller) Spill(records []interface{}) (int, error) {
	f, err := ioutil.TempFile(string(dir), "run")
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	var size int
	for len(records) > 0 {
		n := SpillBatchSize
		if len(records) < n {
			n = len(records)
		}
		p, err := EncodeFrame(records[:n])
		if err != nil {
			f.Close()
			return 0, err
		}
		if _, err := w.Write(p); err != nil {
			f.Close()
			return 0, err
		}
		size += len(p)
		records = records[n:]
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return size, nil
}

// SpillPairs is like Spill, but for a run of pairs.
func (dir Spiller) SpillPairs(pairs []Pair) (int, error) {
	records := make([]interface{}, len(pairs))
	for i := range pairs {
		records[i] = pairs[i]
	}
	return dir.Spill(records)
}

// Readers returns a reader for each spill file.
func (dir Spiller) Readers() ([]Reader, error) {
	f, err := os.Open(string(dir))
	if err != nil {
		return nil, err
	}
	infos, err := f.Readdir(-1)
	f.Close()
	if err != nil {
		return nil, err
	}
	readers := make([]Reader, len(infos))
	closers := make([]io.Closer, len(infos))
	for i := range infos {
		f, err := os.Open(filepath.Join(string(dir), infos[i].Name()))
		if err != nil {
			for j := 0; j < i; j++ {
				closers[j].Close()
			}
			return nil, err
		}
		closers[i] = f
		readers[i] = &ClosingReader{NewFrameReader(bufio.NewReader(f)), f}
	}
	return readers, nil
}

// Cleanup removes the spiller's temporary files. It is safe to call
// Cleanup after Readers(), but before reading is done.
func (dir Spiller) Cleanup() error {
	return os.RemoveAll(string(dir))
}

type frameReader struct {
	r   io.Reader
	buf []interface{}
	err error
}

// NewFrameReader returns a Reader that decodes a sequence of frames
// from the provided io.Reader.
func NewFrameReader(r io.Reader) Reader {
	return &frameReader{r: r}
}

func (f *frameReader) Read(ctx context.Context, out []interface{}) (int, error) {
	for len(f.buf) == 0 {
		if f.err != nil {
			return 0, f.err
		}
		f.buf, f.err = ReadFrame(f.r)
		if f.err == io.EOF {
			f.err = EOF
		}
	}
	n := copy(out, f.buf)
	f.buf = f.buf[n:]
	if len(f.buf) == 0 && f.err == EOF {
		return n, EOF
	}
	return n, nil
}
