package apkmeta

import (
	"errors"
	"testing"
)

func TestByteCursorReads(t *testing.T) {
	c := newByteCursor([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})

	if v, err := c.uint8(); err != nil || v != 0x01 {
		t.Fatalf("uint8 = %#x, %v", v, err)
	}
	if v, err := c.uint16(); err != nil || v != 0x0302 {
		t.Fatalf("uint16 = %#x, %v", v, err)
	}
	if v, err := c.uint32(); err != nil || v != 0x07060504 {
		t.Fatalf("uint32 = %#x, %v", v, err)
	}
	if c.remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", c.remaining())
	}
}

func TestByteCursorFailedReadDoesNotAdvance(t *testing.T) {
	c := newByteCursor([]byte{0x01, 0x02, 0x03})
	if err := c.skip(2); err != nil {
		t.Fatal(err)
	}

	if _, err := c.uint32(); !errors.Is(err, ErrTruncatedInput) {
		t.Fatalf("uint32 past end = %v, want ErrTruncatedInput", err)
	}
	if c.pos() != 2 {
		t.Fatalf("failed read moved cursor to %d", c.pos())
	}
	if _, err := c.readN(2); !errors.Is(err, ErrTruncatedInput) {
		t.Fatalf("readN past end = %v, want ErrTruncatedInput", err)
	}

	// The remaining byte is still readable.
	if v, err := c.uint8(); err != nil || v != 0x03 {
		t.Fatalf("uint8 = %#x, %v", v, err)
	}
}

func TestByteCursorSeekBounds(t *testing.T) {
	c := newByteCursor(make([]byte, 4))

	if err := c.seek(4); err != nil {
		t.Fatalf("seek to end: %v", err)
	}
	if err := c.seek(5); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("seek past end = %v, want ErrOutOfBounds", err)
	}
	if err := c.seek(-1); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("seek negative = %v, want ErrOutOfBounds", err)
	}
	if c.pos() != 4 {
		t.Fatalf("failed seek moved cursor to %d", c.pos())
	}
}

func TestByteCursorSub(t *testing.T) {
	c := newByteCursor([]byte{0, 1, 2, 3, 4, 5})

	sub, err := c.sub(2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if sub.remaining() != 3 {
		t.Fatalf("sub remaining = %d, want 3", sub.remaining())
	}
	if v, _ := sub.uint8(); v != 2 {
		t.Fatalf("sub first byte = %d, want 2", v)
	}
	if c.pos() != 0 {
		t.Fatalf("sub moved the parent cursor to %d", c.pos())
	}

	if _, err := c.sub(4, 7); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("out of range sub = %v, want ErrOutOfBounds", err)
	}
}

func TestByteCursorUint32Array(t *testing.T) {
	c := newByteCursor([]byte{1, 0, 0, 0, 2, 0, 0, 0})
	arr, err := c.uint32Array(2)
	if err != nil {
		t.Fatal(err)
	}
	if arr[0] != 1 || arr[1] != 2 {
		t.Fatalf("array = %v", arr)
	}
	if _, err := c.uint32Array(1); !errors.Is(err, ErrTruncatedInput) {
		t.Fatalf("array past end = %v, want ErrTruncatedInput", err)
	}
}
