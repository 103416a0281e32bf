// Package wire provides the byte cursor used to decode binary replies from
// the tracking device. All multi-byte values on the wire are little-endian.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ErrUnderrun is returned when a read requests more bytes than remain in the
// cursor. The cursor position is unchanged after a failed read.
var ErrUnderrun = fmt.Errorf("wire: read past end of buffer")

// Cursor is a read-only view over a byte slice with an advancing offset.
// Every successful read consumes bytes; a failed read consumes nothing.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor returns a cursor over buf. The cursor does not copy buf; callers
// must not mutate it while the cursor is in use.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Len reports the total length of the underlying buffer.
func (c *Cursor) Len() int { return len(c.buf) }

// Remaining reports how many bytes are left to read.
func (c *Cursor) Remaining() int { return len(c.buf) - c.off }

// Offset reports how many bytes have been consumed.
func (c *Cursor) Offset() int { return c.off }

func (c *Cursor) need(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative count %d", ErrUnderrun, n)
	}
	if c.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrUnderrun, n, c.Remaining())
	}
	return nil
}

// Bytes consumes and returns the next n bytes. The returned slice aliases the
// underlying buffer.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// Uint consumes n bytes (1..4) and returns them as a little-endian unsigned
// integer.
func (c *Cursor) Uint(n int) (uint32, error) {
	if n < 1 || n > 4 {
		return 0, fmt.Errorf("wire: invalid uint width %d", n)
	}
	if err := c.need(n); err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < n; i++ {
		v |= uint32(c.buf[c.off+i]) << (8 * i)
	}
	c.off += n
	return v, nil
}

// Int consumes n bytes (1..4) and returns them as a sign-extended
// little-endian integer.
func (c *Cursor) Int(n int) (int32, error) {
	v, err := c.Uint(n)
	if err != nil {
		return 0, err
	}
	shift := uint(32 - 8*n)
	return int32(v<<shift) >> shift, nil
}

// Float32 consumes 4 bytes and returns them as a little-endian IEEE-754
// float.
func (c *Cursor) Float32() (float32, error) {
	v, err := c.Uint(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// Chars consumes n bytes and returns them as a string.
func (c *Cursor) Chars(n int) (string, error) {
	b, err := c.Bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Line consumes bytes through the first '\n' inclusive and returns them as a
// string. Fails with ErrUnderrun if no newline remains.
func (c *Cursor) Line() (string, error) {
	idx := bytes.IndexByte(c.buf[c.off:], '\n')
	if idx < 0 {
		return "", fmt.Errorf("%w: no newline in remaining %d bytes", ErrUnderrun, c.Remaining())
	}
	s := string(c.buf[c.off : c.off+idx+1])
	c.off += idx + 1
	return s, nil
}

// Skip consumes and discards n bytes.
func (c *Cursor) Skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.off += n
	return nil
}

// Builder is the append-side mirror of Cursor, used to construct binary
// payloads for commands, simulators and tests.
type Builder struct {
	buf []byte
}

// Bytes returns the accumulated payload.
func (b *Builder) Bytes() []byte { return b.buf }

// Len reports the accumulated length.
func (b *Builder) Len() int { return len(b.buf) }

// PutUint appends v as n little-endian bytes.
func (b *Builder) PutUint(v uint32, n int) *Builder {
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, byte(v>>(8*i)))
	}
	return b
}

// PutFloat32 appends v as 4 little-endian IEEE-754 bytes.
func (b *Builder) PutFloat32(v float32) *Builder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutBytes appends raw bytes.
func (b *Builder) PutBytes(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// PutString appends the bytes of s.
func (b *Builder) PutString(s string) *Builder {
	b.buf = append(b.buf, s...)
	return b
}
