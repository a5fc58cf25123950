package apkmeta

// Builders for synthetic binary fixtures. Real-world samples can't live in
// the repository, so the tests assemble the chunk formats byte by byte.

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

type bin struct {
	bytes.Buffer
}

func (b *bin) u8(v uint8)   { b.WriteByte(v) }
func (b *bin) u16(v uint16) { var t [2]byte; binary.LittleEndian.PutUint16(t[:], v); b.Write(t[:]) }
func (b *bin) u32(v uint32) { var t [4]byte; binary.LittleEndian.PutUint32(t[:], v); b.Write(t[:]) }
func (b *bin) u64(v uint64) { var t [8]byte; binary.LittleEndian.PutUint64(t[:], v); b.Write(t[:]) }
func (b *bin) raw(p []byte) { b.Write(p) }

// buildStringPool encodes a complete string-pool chunk. UTF-16 by default,
// UTF-8 when utf8 is set.
func buildStringPool(utf8Mode bool, strs ...string) []byte {
	var data bin
	offsets := make([]uint32, len(strs))
	for i, s := range strs {
		offsets[i] = uint32(data.Len())
		if utf8Mode {
			data.u8(uint8(len([]rune(s))))
			data.u8(uint8(len(s)))
			data.raw([]byte(s))
			data.u8(0)
		} else {
			units := utf16.Encode([]rune(s))
			data.u16(uint16(len(units)))
			for _, u := range units {
				data.u16(u)
			}
			data.u16(0)
		}
	}

	const headerLen = 28
	stringsStart := uint32(headerLen + 4*len(strs))
	totalLen := stringsStart + uint32(data.Len())

	var out bin
	out.u16(chunkStringPool)
	out.u16(headerLen)
	out.u32(totalLen)
	out.u32(uint32(len(strs)))
	out.u32(0) // style count
	if utf8Mode {
		out.u32(stringFlagUtf8)
	} else {
		out.u32(0)
	}
	out.u32(stringsStart)
	out.u32(0) // styles start
	for _, off := range offsets {
		out.u32(off)
	}
	out.raw(data.Bytes())
	return out.Bytes()
}

// axmlBuilder assembles a compiled XML document chunk by chunk.
type axmlBuilder struct {
	chunks [][]byte
}

type axmlAttr struct {
	ns, name, rawValue uint32
	typ                ValueType
	data               uint32
}

func (b *axmlBuilder) pool(strs ...string) {
	b.chunks = append(b.chunks, buildStringPool(false, strs...))
}

func (b *axmlBuilder) resourceIds(ids ...uint32) {
	var c bin
	c.u16(chunkResourceIds)
	c.u16(8)
	c.u32(uint32(8 + 4*len(ids)))
	for _, id := range ids {
		c.u32(id)
	}
	b.chunks = append(b.chunks, c.Bytes())
}

func (b *axmlBuilder) nsChunk(id uint16, prefixIdx, uriIdx uint32) {
	var c bin
	c.u16(id)
	c.u16(0x10)
	c.u32(0x18)
	c.u32(1)         // line number
	c.u32(absentRef) // comment
	c.u32(prefixIdx)
	c.u32(uriIdx)
	b.chunks = append(b.chunks, c.Bytes())
}

func (b *axmlBuilder) nsStart(prefixIdx, uriIdx uint32) {
	b.nsChunk(chunkXmlNsStart, prefixIdx, uriIdx)
}

func (b *axmlBuilder) nsEnd(prefixIdx, uriIdx uint32) {
	b.nsChunk(chunkXmlNsEnd, prefixIdx, uriIdx)
}

func (b *axmlBuilder) tagStart(nsIdx, nameIdx uint32, attrs ...axmlAttr) {
	var c bin
	c.u16(chunkXmlTagStart)
	c.u16(0x10)
	c.u32(uint32(0x24 + 0x14*len(attrs)))
	c.u32(1)         // line number
	c.u32(absentRef) // comment
	c.u32(nsIdx)
	c.u32(nameIdx)
	c.u16(0x14) // attr start
	c.u16(0x14) // attr size
	c.u16(uint16(len(attrs)))
	c.u16(0) // id index
	c.u16(0) // class index
	c.u16(0) // style index
	for _, a := range attrs {
		c.u32(a.ns)
		c.u32(a.name)
		c.u32(a.rawValue)
		c.u16(8) // Res_value size
		c.u8(0)  // res0
		c.u8(uint8(a.typ))
		c.u32(a.data)
	}
	b.chunks = append(b.chunks, c.Bytes())
}

func (b *axmlBuilder) tagEnd(nsIdx, nameIdx uint32) {
	var c bin
	c.u16(chunkXmlTagEnd)
	c.u16(0x10)
	c.u32(0x18)
	c.u32(1)
	c.u32(absentRef)
	c.u32(nsIdx)
	c.u32(nameIdx)
	b.chunks = append(b.chunks, c.Bytes())
}

func (b *axmlBuilder) text(idx uint32) {
	var c bin
	c.u16(chunkXmlText)
	c.u16(0x10)
	c.u32(0x1c)
	c.u32(1)
	c.u32(absentRef)
	c.u32(idx)
	c.u16(8) // empty Res_value aapt emits after the index
	c.u8(0)
	c.u8(0)
	c.u32(0)
	b.chunks = append(b.chunks, c.Bytes())
}

func (b *axmlBuilder) bytes() []byte {
	total := chunkHeaderSize
	for _, c := range b.chunks {
		total += len(c)
	}

	var out bin
	out.u16(chunkAxmlFile)
	out.u16(chunkHeaderSize)
	out.u32(uint32(total))
	for _, c := range b.chunks {
		out.raw(c)
	}
	return out.Bytes()
}

// arscValue is one entry slot of a synthetic type chunk.
type arscValue struct {
	idx  uint16
	key  uint32
	typ  ValueType
	data uint32
}

// arscType is one per-configuration type chunk.
type arscType struct {
	id      uint8
	cfg     ResConfig
	count   uint32
	entries []arscValue
}

func packLocale(s string) uint16 {
	if s == "" {
		return 0
	}
	return uint16(s[0]) | uint16(s[1])<<8
}

func encodeResConfig(cfg ResConfig) []byte {
	var c bin
	c.u32(30) // descriptor size including this field
	c.u16(cfg.Mcc)
	c.u16(cfg.Mnc)
	c.u16(packLocale(cfg.Language))
	c.u16(packLocale(cfg.Country))
	c.u8(cfg.Orientation)
	c.u8(cfg.Touchscreen)
	c.u16(cfg.Density)
	c.u8(cfg.Keyboard)
	c.u8(cfg.Navigation)
	c.u8(cfg.InputFlags)
	c.u8(0) // padding
	c.u16(cfg.ScreenWidth)
	c.u16(cfg.ScreenHeight)
	c.u16(cfg.SdkVersion)
	c.u16(0) // minor version
	c.u8(cfg.ScreenLayout)
	c.u8(cfg.UiMode)
	return c.Bytes()
}

func buildTypeChunk(t arscType) []byte {
	cfgBytes := encodeResConfig(t.cfg)
	headerLen := 8 + 12 + len(cfgBytes)
	entriesStart := headerLen + 4*int(t.count)

	offsets := make([]uint32, t.count)
	for i := range offsets {
		offsets[i] = absentRef
	}
	var entries bin
	for _, e := range t.entries {
		offsets[e.idx] = uint32(entries.Len())
		entries.u16(8) // entry size
		entries.u16(0) // flags
		entries.u32(e.key)
		entries.u16(8) // Res_value size
		entries.u8(0)
		entries.u8(uint8(e.typ))
		entries.u32(e.data)
	}

	var c bin
	c.u16(chunkTableType)
	c.u16(uint16(headerLen))
	c.u32(uint32(entriesStart + entries.Len()))
	c.u8(t.id)
	c.u8(0) // flags
	c.u16(0)
	c.u32(t.count)
	c.u32(uint32(entriesStart))
	c.raw(cfgBytes)
	for _, off := range offsets {
		c.u32(off)
	}
	c.raw(entries.Bytes())
	return c.Bytes()
}

// buildResourceTable assembles a one-package resources.arsc.
func buildResourceTable(pkgId uint32, pkgName string, valuePool, typePool, keyPool []string, types []arscType) []byte {
	var pkgBody bin
	pkgBody.raw(buildStringPool(false, typePool...))
	pkgBody.raw(buildStringPool(false, keyPool...))
	for _, t := range types {
		pkgBody.raw(buildTypeChunk(t))
	}

	const pkgHeaderLen = 8 + 4 + 256 + 16
	var pkg bin
	pkg.u16(chunkTablePackage)
	pkg.u16(pkgHeaderLen)
	pkg.u32(uint32(pkgHeaderLen + pkgBody.Len()))
	pkg.u32(pkgId)
	var name [256]byte
	for i, r := range pkgName {
		binary.LittleEndian.PutUint16(name[2*i:], uint16(r))
	}
	pkg.raw(name[:])
	pkg.u32(0) // type strings offset
	pkg.u32(0) // last public type
	pkg.u32(0) // key strings offset
	pkg.u32(0) // last public key
	pkg.raw(pkgBody.Bytes())

	globalPool := buildStringPool(false, valuePool...)

	var out bin
	out.u16(chunkTable)
	out.u16(12)
	out.u32(uint32(12 + len(globalPool) + pkg.Len()))
	out.u32(1) // package count
	out.raw(globalPool)
	out.raw(pkg.Bytes())
	return out.Bytes()
}

type zipEntry struct {
	name   string
	data   []byte
	method uint16
}

func buildZip(entries []zipEntry) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, err := w.CreateHeader(&zip.FileHeader{
			Name:   e.name,
			Method: e.method,
		})
		if err != nil {
			panic(err)
		}
		if _, err := fw.Write(e.data); err != nil {
			panic(err)
		}
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
