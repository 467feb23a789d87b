// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec reads and writes the primitive field types of MQTT frames:
// bytes, big-endian 16-bit integers, length-prefixed strings and variable
// byte integers.
package codec

import (
	"errors"
	"io"
)

var (
	// ErrMalformedVBI is returned when a variable byte integer spans more than four bytes.
	ErrMalformedVBI = errors.New("malformed variable byte integer")

	// ErrBufferTooShort is returned when a byte slice holds less than a complete field.
	ErrBufferTooShort = errors.New("buffer too short")

	// ErrFieldTooLong is returned when a length-prefixed field exceeds 65535 bytes.
	ErrFieldTooLong = errors.New("field exceeds 65535 bytes")
)

const (
	maxVBIBytes = 4
	// MaxVBI is the largest value a variable byte integer can carry.
	MaxVBI = 268435455
)

// AppendVBI appends the variable byte integer encoding of n to dst.
func AppendVBI(dst []byte, n int) []byte {
	v := uint32(n)
	for i := 0; i < maxVBIBytes; i++ {
		b := byte(v & 0x7F)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
	return dst
}

// ReadVBI reads a variable byte integer from r.
func ReadVBI(r io.Reader) (int, error) {
	var (
		value int
		shift uint
		b     [1]byte
	)
	for i := 0; i < maxVBIBytes; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		value |= int(b[0]&0x7F) << shift
		if b[0]&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
	return 0, ErrMalformedVBI
}

// VBIFromBytes decodes a variable byte integer at the start of data and
// reports how many bytes it used.
func VBIFromBytes(data []byte) (value, n int, err error) {
	var shift uint
	for n < maxVBIBytes {
		if n >= len(data) {
			return 0, 0, ErrBufferTooShort
		}
		b := data[n]
		n++
		value |= int(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, n, nil
		}
		shift += 7
	}
	return 0, 0, ErrMalformedVBI
}

// Writer builds the body of a frame.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

func (w *Writer) Byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *Writer) Uint16(v uint16) {
	w.buf = append(w.buf, byte(v>>8), byte(v))
}

// Field writes b prefixed with its 16-bit length.
func (w *Writer) Field(b []byte) {
	if len(b) > 0xFFFF {
		w.err = ErrFieldTooLong
		b = b[:0xFFFF]
	}
	w.Uint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) String(s string) {
	w.Field([]byte(s))
}

// Raw writes b without a length prefix.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

// Err reports a field that had to be truncated.
func (w *Writer) Err() error {
	return w.err
}

// Reader decodes fields from a frame body. The first error sticks: later
// reads return zero values and Err reports it.
type Reader struct {
	r       io.Reader
	err     error
	peeked  bool
	peek    byte
	scratch [2]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (d *Reader) fill(p []byte) {
	if d.err != nil {
		clear(p)
		return
	}
	if len(p) == 0 {
		return
	}
	if d.peeked {
		p[0] = d.peek
		d.peeked = false
		p = p[1:]
	}
	if _, err := io.ReadFull(d.r, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		clear(p)
	}
}

// More reports whether the body holds at least one more byte.
func (d *Reader) More() bool {
	if d.err != nil {
		return false
	}
	if d.peeked {
		return true
	}
	var b [1]byte
	n, err := io.ReadFull(d.r, b[:])
	if n == 1 {
		d.peek, d.peeked = b[0], true
		return true
	}
	if err != io.EOF {
		d.err = err
	}
	return false
}

func (d *Reader) Byte() byte {
	d.fill(d.scratch[:1])
	return d.scratch[0]
}

func (d *Reader) Uint16() uint16 {
	d.fill(d.scratch[:2])
	return uint16(d.scratch[0])<<8 | uint16(d.scratch[1])
}

// Field reads a length-prefixed byte field.
func (d *Reader) Field() []byte {
	n := d.Uint16()
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	d.fill(b)
	if d.err != nil {
		return nil
	}
	return b
}

func (d *Reader) String() string {
	return string(d.Field())
}

// Rest reads everything left in the body.
func (d *Reader) Rest() []byte {
	if d.err != nil {
		return nil
	}
	rest, err := io.ReadAll(d.r)
	if err != nil {
		d.err = err
		return nil
	}
	if d.peeked {
		d.peeked = false
		return append([]byte{d.peek}, rest...)
	}
	return rest
}

func (d *Reader) Err() error {
	return d.err
}
