// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataio

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"strings"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
)

// Encoding is the tag carried in a frame's flag byte. It selects the
// decoder for the frame's payload.
type Encoding byte

const (
	// FastBinary is a compact, schema-less encoding of the builtin
	// scalar types, Pairs, and []interface{} values composed of them.
	FastBinary Encoding = iota
	// GeneralObject is a gob encoding. It is used whenever any record
	// in a frame cannot be represented by FastBinary. Concrete types
	// carried in interface values must be registered with gob.
	GeneralObject
)

func (e Encoding) String() string {
	switch e {
	case FastBinary:
		return "fast"
	case GeneralObject:
		return "general"
	default:
		return fmt.Sprintf("Encoding(%d)", byte(e))
	}
}

// FrameHeaderSize is the size of a frame's header: a one-byte
// encoding flag followed by the little-endian payload length.
const FrameHeaderSize = 5

// Tags used by the FastBinary encoding.
const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt
	tagInt32
	tagInt64
	tagUint64
	tagFloat64
	tagString
	tagBytes
	tagPair
	tagList
)

var errNotFast = errors.New("record not representable in fast binary encoding")

// EncodeFrame encodes the provided records into a single frame. The
// FastBinary encoding is attempted first; if any record cannot be
// represented, the frame is encoded as GeneralObject instead. The
// payload is zstd-compressed.
func EncodeFrame(records []interface{}) ([]byte, error) {
	var (
		raw bytes.Buffer
		enc = FastBinary
	)
	if err := encodeFast(&raw, records); err == errNotFast {
		raw.Reset()
		enc = GeneralObject
		if err := gob.NewEncoder(&raw).Encode(records); err != nil {
			// Gob errors here are due to user-defined types that cannot
			// be encoded; retrying will not help.
			if strings.HasPrefix(err.Error(), "gob: ") {
				err = errors.E(errors.Fatal, err)
			}
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Write(make([]byte, FrameHeaderSize))
	zw, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	p := out.Bytes()
	n := len(p) - FrameHeaderSize
	if uint64(n) > math.MaxUint32 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("frame payload too large: %d bytes", n))
	}
	p[0] = byte(enc)
	binary.LittleEndian.PutUint32(p[1:FrameHeaderSize], uint32(n))
	return p, nil
}

// DecodeFrame validates and decodes a frame produced by EncodeFrame.
// The frame must be complete: its length must match the header.
func DecodeFrame(p []byte) ([]interface{}, error) {
	if len(p) < FrameHeaderSize {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("short frame: %d bytes", len(p)))
	}
	enc := Encoding(p[0])
	n := binary.LittleEndian.Uint32(p[1:FrameHeaderSize])
	if int64(n) != int64(len(p)-FrameHeaderSize) {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("frame length mismatch: header %d, payload %d", n, len(p)-FrameHeaderSize))
	}
	return decodePayload(enc, p[FrameHeaderSize:])
}

// ReadFrame reads the next frame from r. ReadFrame returns io.EOF
// when r is exhausted at a frame boundary.
func ReadFrame(r io.Reader) ([]interface{}, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = errors.E(errors.Integrity, "truncated frame header")
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = errors.E(errors.Integrity, "truncated frame payload")
		}
		return nil, err
	}
	return decodePayload(Encoding(hdr[0]), payload)
}

func decodePayload(enc Encoding, compressed []byte) (records []interface{}, err error) {
	zr, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.E(errors.Integrity, err)
	}
	defer fileio.CloseAndReport(zr, &err)
	raw, err := ioutil.ReadAll(zr)
	if err != nil {
		return nil, errors.E(errors.Integrity, err)
	}
	switch enc {
	case FastBinary:
		records, err = decodeFast(raw)
	case GeneralObject:
		err = gob.NewDecoder(bytes.NewReader(raw)).Decode(&records)
	default:
		return nil, errors.E(errors.Integrity, fmt.Sprintf("invalid frame encoding %d", enc))
	}
	if err != nil {
		return nil, errors.E(errors.Integrity, err)
	}
	return records, nil
}

// CanEncodeFast tells whether every record can be represented in the
// FastBinary encoding.
func CanEncodeFast(records []interface{}) bool {
	for _, r := range records {
		if !fastValue(r) {
			return false
		}
	}
	return true
}

func fastValue(v interface{}) bool {
	switch v := v.(type) {
	case nil, bool, int, int32, int64, uint64, float64, string, []byte:
		return true
	case Pair:
		return fastValue(v.Key) && fastValue(v.Value)
	case []interface{}:
		for _, e := range v {
			if !fastValue(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func encodeFast(b *bytes.Buffer, records []interface{}) error {
	if !CanEncodeFast(records) {
		return errNotFast
	}
	var scratch [binary.MaxVarintLen64]byte
	b.Write(scratch[:binary.PutUvarint(scratch[:], uint64(len(records)))])
	for _, r := range records {
		appendFast(b, r, &scratch)
	}
	return nil
}

func appendFast(b *bytes.Buffer, v interface{}, scratch *[binary.MaxVarintLen64]byte) {
	switch v := v.(type) {
	case nil:
		b.WriteByte(tagNil)
	case bool:
		if v {
			b.WriteByte(tagTrue)
		} else {
			b.WriteByte(tagFalse)
		}
	case int:
		b.WriteByte(tagInt)
		b.Write(scratch[:binary.PutVarint(scratch[:], int64(v))])
	case int32:
		b.WriteByte(tagInt32)
		b.Write(scratch[:binary.PutVarint(scratch[:], int64(v))])
	case int64:
		b.WriteByte(tagInt64)
		b.Write(scratch[:binary.PutVarint(scratch[:], v)])
	case uint64:
		b.WriteByte(tagUint64)
		b.Write(scratch[:binary.PutUvarint(scratch[:], v)])
	case float64:
		b.WriteByte(tagFloat64)
		binary.LittleEndian.PutUint64(scratch[:8], math.Float64bits(v))
		b.Write(scratch[:8])
	case string:
		b.WriteByte(tagString)
		b.Write(scratch[:binary.PutUvarint(scratch[:], uint64(len(v)))])
		b.WriteString(v)
	case []byte:
		b.WriteByte(tagBytes)
		b.Write(scratch[:binary.PutUvarint(scratch[:], uint64(len(v)))])
		b.Write(v)
	case Pair:
		b.WriteByte(tagPair)
		appendFast(b, v.Key, scratch)
		appendFast(b, v.Value, scratch)
	case []interface{}:
		b.WriteByte(tagList)
		b.Write(scratch[:binary.PutUvarint(scratch[:], uint64(len(v)))])
		for _, e := range v {
			appendFast(b, e, scratch)
		}
	default:
		panic(fmt.Sprintf("dataio: unexpected type %T in fast encoding", v))
	}
}

type fastDecoder struct {
	p   []byte
	err error
}

func decodeFast(p []byte) ([]interface{}, error) {
	d := &fastDecoder{p: p}
	n := d.uvarint()
	if d.err != nil {
		return nil, d.err
	}
	if n > uint64(len(p)) {
		return nil, fmt.Errorf("record count %d exceeds payload size %d", n, len(p))
	}
	records := make([]interface{}, n)
	for i := range records {
		records[i] = d.value()
		if d.err != nil {
			return nil, d.err
		}
	}
	if len(d.p) != 0 {
		return nil, fmt.Errorf("%d trailing bytes in fast payload", len(d.p))
	}
	return records, nil
}

func (d *fastDecoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
	d.p = nil
}

func (d *fastDecoder) uvarint() uint64 {
	v, n := binary.Uvarint(d.p)
	if n <= 0 {
		d.fail("bad uvarint")
		return 0
	}
	d.p = d.p[n:]
	return v
}

func (d *fastDecoder) varint() int64 {
	v, n := binary.Varint(d.p)
	if n <= 0 {
		d.fail("bad varint")
		return 0
	}
	d.p = d.p[n:]
	return v
}

func (d *fastDecoder) bytes() []byte {
	n := d.uvarint()
	if n > uint64(len(d.p)) {
		d.fail("byte string of length %d overruns payload", n)
		return nil
	}
	b := d.p[:n:n]
	d.p = d.p[n:]
	return b
}

func (d *fastDecoder) value() interface{} {
	if d.err != nil {
		return nil
	}
	if len(d.p) == 0 {
		d.fail("unexpected end of payload")
		return nil
	}
	tag := d.p[0]
	d.p = d.p[1:]
	switch tag {
	case tagNil:
		return nil
	case tagFalse:
		return false
	case tagTrue:
		return true
	case tagInt:
		return int(d.varint())
	case tagInt32:
		return int32(d.varint())
	case tagInt64:
		return d.varint()
	case tagUint64:
		return d.uvarint()
	case tagFloat64:
		if len(d.p) < 8 {
			d.fail("short float64")
			return nil
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(d.p))
		d.p = d.p[8:]
		return v
	case tagString:
		return string(d.bytes())
	case tagBytes:
		b := d.bytes()
		return append([]byte(nil), b...)
	case tagPair:
		k := d.value()
		v := d.value()
		return Pair{k, v}
	case tagList:
		n := d.uvarint()
		if n > uint64(len(d.p)) {
			d.fail("list of length %d overruns payload", n)
			return nil
		}
		list := make([]interface{}, n)
		for i := range list {
			list[i] = d.value()
		}
		return list
	default:
		d.fail("invalid tag %d", tag)
		return nil
	}
}
