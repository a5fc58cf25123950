package apkmeta

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	stringFlagSorted = 0x00000001
	stringFlagUtf8   = 0x00000100
)

// stringPool is a decoded string-pool chunk. The string and style slices are
// immutable after decoding. Style spans are carried opaquely, nothing in the
// manifest formats needs them beyond pass-through.
type stringPool struct {
	strings   []string
	styleData []byte
}

// get resolves a string index. The absent reference decodes to "".
func (p *stringPool) get(idx uint32) (string, error) {
	if idx == absentRef {
		return "", nil
	}
	if idx >= uint32(len(p.strings)) {
		return "", fmt.Errorf("string with idx %d not found", idx)
	}
	return p.strings[idx], nil
}

func (p *stringPool) isEmpty() bool {
	return p.strings == nil
}

// parseStringPool decodes a whole string-pool chunk, header included. A pool
// with N declared strings yields exactly N strings or fails as a whole with
// ErrMalformedStringPool: a partially populated pool cannot be trusted by
// downstream indexers.
func parseStringPool(c *byteCursor) (*stringPool, error) {
	pool, err := parseStringPoolInner(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStringPool, err)
	}
	return pool, nil
}

func parseStringPoolInner(c *byteCursor) (*stringPool, error) {
	chunkStart := c.pos()
	hdr, err := parseChunkHeader(c)
	if err != nil {
		return nil, err
	}
	if hdr.id != chunkStringPool {
		return nil, fmt.Errorf("invalid chunk id 0x%04x, expected 0x%04x", hdr.id, chunkStringPool)
	}

	chunkEnd := chunkStart + int(hdr.totalLen)
	if chunkEnd > len(c.data) || int(hdr.totalLen) < chunkHeaderSize {
		return nil, fmt.Errorf("chunk size 0x%x overruns buffer: %w", hdr.totalLen, ErrTruncatedInput)
	}

	stringCnt, err := c.uint32()
	if err != nil {
		return nil, err
	}
	styleCnt, err := c.uint32()
	if err != nil {
		return nil, err
	}
	flags, err := c.uint32()
	if err != nil {
		return nil, err
	}
	stringsStart, err := c.uint32()
	if err != nil {
		return nil, err
	}
	stylesStart, err := c.uint32()
	if err != nil {
		return nil, err
	}

	isUtf8 := (flags & stringFlagUtf8) != 0
	flags &^= stringFlagUtf8
	flags &^= stringFlagSorted // informational only
	if flags != 0 {
		return nil, fmt.Errorf("unknown string pool flag: 0x%08x", flags)
	}

	if stringCnt >= 2*1024*1024 {
		return nil, fmt.Errorf("too many strings in this pool (%d)", stringCnt)
	}

	offsets, err := c.uint32Array(int(stringCnt))
	if err != nil {
		return nil, err
	}
	styleOffsets, err := c.uint32Array(int(styleCnt))
	if err != nil {
		return nil, err
	}
	_ = styleOffsets

	// The string data region runs from stringsStart up to the styles region
	// when styles exist, else to the chunk end.
	dataStart := chunkStart + int(stringsStart)
	dataEnd := chunkEnd
	if styleCnt > 0 {
		dataEnd = chunkStart + int(stylesStart)
	}
	if dataStart < c.pos() || dataEnd > chunkEnd || dataStart > dataEnd {
		return nil, fmt.Errorf("string data region [0x%x, 0x%x) out of chunk bounds", dataStart, dataEnd)
	}
	data := c.data[dataStart:dataEnd]

	pool := &stringPool{
		strings: make([]string, 0, stringCnt),
	}
	if styleCnt > 0 {
		pool.styleData = c.data[dataEnd:chunkEnd]
	}

	decodedAt := make(map[uint32]int, stringCnt)
	for i := uint32(0); i < stringCnt; i++ {
		off := offsets[i]
		if prev, dup := decodedAt[off]; dup {
			pool.strings = append(pool.strings, pool.strings[prev])
			continue
		}
		if off >= uint32(len(data)) {
			return nil, fmt.Errorf("string %d offset 0x%x outside data region of 0x%x", i, off, len(data))
		}

		var decoded string
		if isUtf8 {
			decoded, err = decodeString8(data, off)
		} else {
			decoded, err = decodeString16(data, off)
		}
		if err != nil {
			return nil, fmt.Errorf("string %d at 0x%x: %v", i, off, err)
		}

		pool.strings = append(pool.strings, sanitizeString(decoded))
		decodedAt[off] = len(pool.strings) - 1
	}

	if err := c.seek(chunkEnd); err != nil {
		return nil, err
	}
	return pool, nil
}

// decodeString16 reads a UTF-16LE string: length prefix of one or two 16-bit
// units (high bit of the first unit selects the two-unit form), then that
// many code units. The declared length wins over any embedded NUL.
func decodeString16(data []byte, off uint32) (string, error) {
	if off+2 > uint32(len(data)) {
		return "", fmt.Errorf("length prefix overruns data region")
	}
	chars := uint32(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if chars&0x8000 != 0 {
		if off+2 > uint32(len(data)) {
			return "", fmt.Errorf("extended length prefix overruns data region")
		}
		chars = (chars&0x7FFF)<<16 | uint32(binary.LittleEndian.Uint16(data[off:]))
		off += 2
	}

	// 64-bit compare: chars can reach 0x7FFFFFFF via the extended prefix,
	// so off+2*chars would wrap in uint32.
	if uint64(off)+2*uint64(chars) > uint64(len(data)) {
		return "", fmt.Errorf("declared length %d overruns data region", chars)
	}

	units := make([]uint16, chars)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[off+2*uint32(i):])
	}

	decoded := utf16.Decode(units)
	for len(decoded) != 0 && decoded[len(decoded)-1] == 0 {
		decoded = decoded[:len(decoded)-1]
	}
	return string(decoded), nil
}

// decodeString8 reads a UTF-8 string: the UTF-16 length, then the byte
// length, both with the one-or-two byte extension rule, then that many bytes.
func decodeString8(data []byte, off uint32) (string, error) {
	_, off, err := decodeString8Len(data, off)
	if err != nil {
		return "", err
	}
	len8, off, err := decodeString8Len(data, off)
	if err != nil {
		return "", err
	}

	if uint64(off)+uint64(len8) > uint64(len(data)) {
		return "", fmt.Errorf("declared length %d overruns data region", len8)
	}

	buf := data[off : off+len8]
	for len(buf) != 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

func decodeString8Len(data []byte, off uint32) (uint32, uint32, error) {
	if off >= uint32(len(data)) {
		return 0, 0, fmt.Errorf("length prefix overruns data region")
	}
	chars := uint32(data[off])
	off++
	if chars&0x80 != 0 {
		if off >= uint32(len(data)) {
			return 0, 0, fmt.Errorf("extended length prefix overruns data region")
		}
		chars = (chars&0x7F)<<8 | uint32(data[off])
		off++
	}
	return chars, off, nil
}

// sanitizeString keeps decoded text usable by XML consumers even when the
// pool carried embedded NULs or broken sequences.
func sanitizeString(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case 0, utf8.RuneError:
			return '￾'
		default:
			return r
		}
	}, s)
}
