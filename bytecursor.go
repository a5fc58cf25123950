package apkmeta

import (
	"encoding/binary"
	"fmt"
)

// byteCursor is a bounds-checked little-endian reader over an immutable
// buffer. Every read either returns the value and advances by exactly the
// read size, or fails without moving. It never touches bytes outside the
// buffer.
type byteCursor struct {
	data []byte
	off  int
}

func newByteCursor(data []byte) *byteCursor {
	return &byteCursor{data: data}
}

func (c *byteCursor) pos() int { return c.off }

func (c *byteCursor) remaining() int { return len(c.data) - c.off }

func (c *byteCursor) seek(off int) error {
	if off < 0 || off > len(c.data) {
		return fmt.Errorf("seek to %d of %d: %w", off, len(c.data), ErrOutOfBounds)
	}
	c.off = off
	return nil
}

func (c *byteCursor) skip(n int) error {
	if n < 0 || c.off+n > len(c.data) {
		return fmt.Errorf("skip %d at %d of %d: %w", n, c.off, len(c.data), ErrTruncatedInput)
	}
	c.off += n
	return nil
}

func (c *byteCursor) uint8() (uint8, error) {
	if c.off+1 > len(c.data) {
		return 0, fmt.Errorf("u8 at %d of %d: %w", c.off, len(c.data), ErrTruncatedInput)
	}
	v := c.data[c.off]
	c.off++
	return v, nil
}

func (c *byteCursor) uint16() (uint16, error) {
	if c.off+2 > len(c.data) {
		return 0, fmt.Errorf("u16 at %d of %d: %w", c.off, len(c.data), ErrTruncatedInput)
	}
	v := binary.LittleEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v, nil
}

func (c *byteCursor) uint32() (uint32, error) {
	if c.off+4 > len(c.data) {
		return 0, fmt.Errorf("u32 at %d of %d: %w", c.off, len(c.data), ErrTruncatedInput)
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

// readN returns a view into the underlying buffer, not a copy.
func (c *byteCursor) readN(n int) ([]byte, error) {
	if n < 0 || c.off+n > len(c.data) {
		return nil, fmt.Errorf("read %d at %d of %d: %w", n, c.off, len(c.data), ErrTruncatedInput)
	}
	v := c.data[c.off : c.off+n : c.off+n]
	c.off += n
	return v, nil
}

func (c *byteCursor) uint32Array(count int) ([]uint32, error) {
	raw, err := c.readN(4 * count)
	if err != nil {
		return nil, err
	}
	arr := make([]uint32, count)
	for i := range arr {
		arr[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return arr, nil
}

// sub returns a cursor over [start, end) of the same buffer without moving c.
func (c *byteCursor) sub(start, end int) (*byteCursor, error) {
	if start < 0 || end < start || end > len(c.data) {
		return nil, fmt.Errorf("sub [%d, %d) of %d: %w", start, end, len(c.data), ErrOutOfBounds)
	}
	return &byteCursor{data: c.data[start:end:end]}, nil
}
