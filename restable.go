package apkmeta

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
)

const (
	entryFlagComplex = 0x0001

	typeFlagSparse = 0x01
)

// ResourceTable is the decoded resources.arsc: a mapping from 32-bit
// resource ids to per-configuration values. Immutable after parsing.
type ResourceTable struct {
	valuePool *stringPool
	packages  map[uint8]*resourcePackage
	mainPkgId uint8
}

type resourcePackage struct {
	id       uint32
	name     string
	typePool *stringPool
	keyPool  *stringPool

	// typeId -> one resourceType per configuration, in file order
	types map[uint8][]*resourceType
}

type resourceType struct {
	id      uint8
	config  ResConfig
	entries map[uint16]*ResourceEntry
}

// ResConfig is the configuration-qualifier descriptor attached to a type
// chunk. The zero value is the default "no qualifiers" configuration.
type ResConfig struct {
	Mcc, Mnc     uint16
	Language     string
	Country      string
	Orientation  uint8
	Touchscreen  uint8
	Density      uint16
	Keyboard     uint8
	Navigation   uint8
	InputFlags   uint8
	ScreenWidth  uint16
	ScreenHeight uint16
	SdkVersion   uint16
	ScreenLayout uint8
	UiMode       uint8
}

// IsDefault reports whether the configuration carries no qualifiers at all.
func (c *ResConfig) IsDefault() bool {
	return *c == ResConfig{}
}

// ResourceMapValue is one (attribute id, value) pair of a complex entry.
type ResourceMapValue struct {
	Name  uint32
	Value ResValue
}

// ResourceEntry is a single resource under one configuration: either a
// simple typed value or an opaque ordered complex map (styles, arrays).
type ResourceEntry struct {
	Key    string
	config ResConfig

	value ResValue

	complex   bool
	parentRef uint32
	mapValues []ResourceMapValue
}

func (e *ResourceEntry) IsComplex() bool { return e.complex }

// Value returns the simple value. Complex entries have none.
func (e *ResourceEntry) Value() (ResValue, error) {
	if e.complex {
		return ResValue{}, fmt.Errorf("entry %q is a complex map entry", e.Key)
	}
	return e.value, nil
}

// MapValues exposes a complex entry's pairs in declaration order.
func (e *ResourceEntry) MapValues() []ResourceMapValue { return e.mapValues }

// Config returns the configuration this entry variant was declared under.
func (e *ResourceEntry) Config() ResConfig { return e.config }

// String renders the simple value, resolving string indices through the
// table's value pool.
func (e *ResourceEntry) String() (string, error) {
	v, err := e.Value()
	if err != nil {
		return "", err
	}
	return v.String()
}

// ParseResourceTable decodes a compiled resource table. The decode is a pure
// function of the input bytes; the result is never mutated afterwards.
func ParseResourceTable(r io.Reader) (*ResourceTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource table: %w", err)
	}
	return parseResourceTableData(data)
}

func parseResourceTableData(data []byte) (*ResourceTable, error) {
	c := newByteCursor(data)

	hdr, err := parseChunkHeader(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing table header: %w", err)
	}
	if hdr.id != chunkTable {
		return nil, fmt.Errorf("invalid table chunk id 0x%04x", hdr.id)
	}

	tableEnd := int(hdr.totalLen)
	if tableEnd > len(data) {
		tableEnd = len(data)
	}

	packageCnt, err := c.uint32()
	if err != nil {
		return nil, fmt.Errorf("error reading package count: %w", err)
	}

	if err := c.seek(int(hdr.headerLen)); err != nil {
		return nil, err
	}

	t := &ResourceTable{
		packages: make(map[uint8]*resourcePackage),
	}

	for c.pos() < tableEnd {
		chunkStart := c.pos()
		sub, err := parseChunkHeader(c)
		if err != nil {
			return nil, fmt.Errorf("error parsing chunk header at 0x%08x: %w", chunkStart, err)
		}
		chunkEnd := chunkStart + int(sub.totalLen)
		if int(sub.totalLen) < chunkHeaderSize || chunkEnd > tableEnd {
			return nil, fmt.Errorf("chunk 0x%04x at 0x%08x overruns table: %w", sub.id, chunkStart, ErrTruncatedInput)
		}

		switch sub.id {
		case chunkStringPool:
			if t.valuePool != nil {
				return nil, fmt.Errorf("duplicate global string pool at 0x%08x", chunkStart)
			}
			if err := c.seek(chunkStart); err != nil {
				return nil, err
			}
			if t.valuePool, err = parseStringPool(c); err != nil {
				return nil, err
			}
		case chunkTablePackage:
			if err := t.parsePackage(c, chunkStart, sub, chunkEnd); err != nil {
				return nil, err
			}
		default:
			// Unknown top-level chunks are skipped by declared size.
		}

		if err := c.seek(chunkEnd); err != nil {
			return nil, err
		}
	}

	if t.valuePool == nil {
		return nil, fmt.Errorf("%w: resource table has no global string pool", ErrMalformedStringPool)
	}
	if uint32(len(t.packages)) < packageCnt {
		return nil, fmt.Errorf("resource table declares %d packages, found %d", packageCnt, len(t.packages))
	}
	return t, nil
}

func (t *ResourceTable) parsePackage(c *byteCursor, chunkStart int, hdr chunkHeader, chunkEnd int) error {
	id, err := c.uint32()
	if err != nil {
		return fmt.Errorf("error reading package id: %w", err)
	}

	// Fixed 256-byte UTF-16 name field, zero padded.
	rawName, err := c.readN(256)
	if err != nil {
		return fmt.Errorf("error reading package name: %w", err)
	}
	units := make([]uint16, 0, 128)
	for i := 0; i+1 < len(rawName); i += 2 {
		u := uint16(rawName[i]) | uint16(rawName[i+1])<<8
		if u == 0 {
			break
		}
		units = append(units, u)
	}

	pkg := &resourcePackage{
		id:    id,
		name:  string(utf16.Decode(units)),
		types: make(map[uint8][]*resourceType),
	}

	if err := c.seek(chunkStart + int(hdr.headerLen)); err != nil {
		return err
	}

	for c.pos() < chunkEnd {
		subStart := c.pos()
		sub, err := parseChunkHeader(c)
		if err != nil {
			return fmt.Errorf("error parsing package chunk header at 0x%08x: %w", subStart, err)
		}
		subEnd := subStart + int(sub.totalLen)
		if int(sub.totalLen) < chunkHeaderSize || subEnd > chunkEnd {
			return fmt.Errorf("package chunk 0x%04x at 0x%08x overruns package: %w", sub.id, subStart, ErrTruncatedInput)
		}

		switch sub.id {
		case chunkStringPool:
			if err := c.seek(subStart); err != nil {
				return err
			}
			pool, err := parseStringPool(c)
			if err != nil {
				return err
			}
			// The two package pools always arrive in type, key order.
			if pkg.typePool == nil {
				pkg.typePool = pool
			} else if pkg.keyPool == nil {
				pkg.keyPool = pool
			}
		case chunkTableTypeSpec:
			// Declares which configuration dimensions affect each entry.
			// Nothing downstream needs it for value resolution.
		case chunkTableType:
			if err := t.parseType(c, pkg, subStart, sub, subEnd); err != nil {
				return err
			}
		case chunkTableLibrary:
			// Shared library id remapping, opaque to this decoder.
		}

		if err := c.seek(subEnd); err != nil {
			return err
		}
	}

	if pkg.typePool == nil || pkg.keyPool == nil {
		return fmt.Errorf("%w: package %q has no type/key string pools", ErrMalformedStringPool, pkg.name)
	}

	pkgId := uint8(id)
	if _, exists := t.packages[pkgId]; !exists && t.mainPkgId == 0 {
		t.mainPkgId = pkgId
	}
	t.packages[pkgId] = pkg
	return nil
}

func (t *ResourceTable) parseType(c *byteCursor, pkg *resourcePackage, chunkStart int, hdr chunkHeader, chunkEnd int) error {
	typeId, err := c.uint8()
	if err != nil {
		return err
	}
	typeFlags, err := c.uint8()
	if err != nil {
		return err
	}
	if err := c.skip(2); err != nil { // reserved
		return err
	}
	entryCount, err := c.uint32()
	if err != nil {
		return err
	}
	entriesStart, err := c.uint32()
	if err != nil {
		return err
	}

	cfg, err := parseResConfig(c)
	if err != nil {
		return fmt.Errorf("type 0x%02x config: %w", typeId, err)
	}

	if entryCount >= 0x10000 {
		return fmt.Errorf("type 0x%02x has too many entries (%d)", typeId, entryCount)
	}

	if err := c.seek(chunkStart + int(hdr.headerLen)); err != nil {
		return err
	}
	offsets, err := c.uint32Array(int(entryCount))
	if err != nil {
		return fmt.Errorf("type 0x%02x entry offsets: %w", typeId, err)
	}

	rt := &resourceType{
		id:      typeId,
		config:  cfg,
		entries: make(map[uint16]*ResourceEntry),
	}

	sparse := typeFlags&typeFlagSparse != 0
	for i, off := range offsets {
		entryIdx := uint16(i)
		if sparse {
			// Sparse tables pack (index, offset/4) into each slot.
			entryIdx = uint16(off & 0xFFFF)
			off = (off >> 16) * 4
		} else if off == absentRef {
			continue
		}

		entryAt := chunkStart + int(entriesStart) + int(off)
		if err := c.seek(entryAt); err != nil {
			return fmt.Errorf("type 0x%02x entry %d: %w", typeId, entryIdx, err)
		}

		entry, err := t.parseEntry(c, pkg, cfg)
		if err != nil {
			return fmt.Errorf("type 0x%02x entry %d: %w", typeId, entryIdx, err)
		}
		rt.entries[entryIdx] = entry
	}

	pkg.types[typeId] = append(pkg.types[typeId], rt)
	return nil
}

func parseResConfig(c *byteCursor) (cfg ResConfig, err error) {
	start := c.pos()
	size, err := c.uint32()
	if err != nil {
		return
	}
	if size < 4 {
		return cfg, fmt.Errorf("config descriptor size %d too small", size)
	}

	// Older tables stop after any of these fields; read what the declared
	// size covers and skip the rest.
	end := start + int(size)
	raw, err := c.readN(int(size) - 4)
	if err != nil {
		return
	}
	fc := newByteCursor(raw)

	read16 := func(dst *uint16) {
		if fc.remaining() >= 2 {
			*dst, _ = fc.uint16()
		}
	}
	read8 := func(dst *uint8) {
		if fc.remaining() >= 1 {
			*dst, _ = fc.uint8()
		}
	}

	read16(&cfg.Mcc)
	read16(&cfg.Mnc)

	var lang, country uint16
	read16(&lang)
	read16(&country)
	cfg.Language = unpackLocalePart(lang)
	cfg.Country = unpackLocalePart(country)

	read8(&cfg.Orientation)
	read8(&cfg.Touchscreen)
	read16(&cfg.Density)
	read8(&cfg.Keyboard)
	read8(&cfg.Navigation)
	read8(&cfg.InputFlags)
	var pad uint8
	read8(&pad)
	read16(&cfg.ScreenWidth)
	read16(&cfg.ScreenHeight)
	read16(&cfg.SdkVersion)
	var minor uint16
	read16(&minor)
	read8(&cfg.ScreenLayout)
	read8(&cfg.UiMode)

	err = c.seek(end)
	return
}

// unpackLocalePart turns the two packed latin-1 bytes of a language/region
// field into text. Zero means "any".
func unpackLocalePart(v uint16) string {
	if v == 0 {
		return ""
	}
	return strings.ToLower(string([]byte{byte(v & 0xFF), byte(v >> 8)}))
}

func (t *ResourceTable) parseEntry(c *byteCursor, pkg *resourcePackage, cfg ResConfig) (*ResourceEntry, error) {
	if _, err := c.uint16(); err != nil { // entry size
		return nil, err
	}
	flags, err := c.uint16()
	if err != nil {
		return nil, err
	}
	keyIdx, err := c.uint32()
	if err != nil {
		return nil, err
	}
	key, err := pkg.keyPool.get(keyIdx)
	if err != nil {
		return nil, fmt.Errorf("entry key: %w", err)
	}

	entry := &ResourceEntry{Key: key, config: cfg}

	if flags&entryFlagComplex == 0 {
		if entry.value, err = parseResValue(c, t.valuePool); err != nil {
			return nil, err
		}
		return entry, nil
	}

	entry.complex = true
	if entry.parentRef, err = c.uint32(); err != nil {
		return nil, err
	}
	count, err := c.uint32()
	if err != nil {
		return nil, err
	}
	if count >= 0x10000 {
		return nil, fmt.Errorf("complex entry %q has too many values (%d)", key, count)
	}
	entry.mapValues = make([]ResourceMapValue, 0, count)
	for i := uint32(0); i < count; i++ {
		var mv ResourceMapValue
		if mv.Name, err = c.uint32(); err != nil {
			return nil, err
		}
		if mv.Value, err = parseResValue(c, t.valuePool); err != nil {
			return nil, err
		}
		entry.mapValues = append(entry.mapValues, mv)
	}
	return entry, nil
}

// MainPackageName returns the name of the first decoded (application)
// package.
func (t *ResourceTable) MainPackageName() string {
	if pkg, ok := t.packages[t.mainPkgId]; ok {
		return pkg.name
	}
	return ""
}

// GetResourceEntry resolves a resource id against the default
// configuration.
func (t *ResourceTable) GetResourceEntry(resId uint32) (*ResourceEntry, error) {
	return t.GetResourceEntryEx(resId, nil)
}

// GetResourceEntryEx resolves a resource id against a wanted configuration,
// choosing the best-matching variant: exact qualifiers first, then locale
// and closest density, then the default configuration. A nil config selects
// the default-configuration variant.
func (t *ResourceTable) GetResourceEntryEx(resId uint32, wanted *ResConfig) (*ResourceEntry, error) {
	variants, err := t.variantsFor(resId)
	if err != nil {
		return nil, err
	}

	var best *ResourceEntry
	bestScore := -1
	for _, e := range variants {
		score, ok := scoreConfig(&e.config, wanted)
		if !ok {
			continue
		}
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("0x%08x has no variant for the requested configuration: %w", resId, ErrResourceNotFound)
	}
	return best, nil
}

// GetIconPng resolves an icon resource id to its highest-density bitmap
// variant, skipping compiled-xml drawables that reference further
// resources.
func (t *ResourceTable) GetIconPng(resId uint32) (*ResourceEntry, error) {
	variants, err := t.variantsFor(resId)
	if err != nil {
		return nil, err
	}

	var best *ResourceEntry
	for _, e := range variants {
		if e.complex {
			continue
		}
		if s, err := e.String(); err == nil && strings.HasSuffix(s, ".xml") {
			continue
		}
		if best == nil || e.config.Density > best.config.Density {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("0x%08x has no bitmap variant: %w", resId, ErrResourceNotFound)
	}
	return best, nil
}

// variantsFor collects every per-configuration entry declared for a
// resource id. Package index 0 follows the self-referencing package
// convention and is rewritten to the main package.
func (t *ResourceTable) variantsFor(resId uint32) ([]*ResourceEntry, error) {
	pkgId := uint8(resId >> 24)
	if pkgId == 0 {
		pkgId = t.mainPkgId
	}
	typeId := uint8(resId >> 16)
	entryIdx := uint16(resId)

	pkg, ok := t.packages[pkgId]
	if !ok {
		return nil, fmt.Errorf("0x%08x: package 0x%02x not in table: %w", resId, pkgId, ErrResourceNotFound)
	}

	var variants []*ResourceEntry
	for _, rt := range pkg.types[typeId] {
		if e, ok := rt.entries[entryIdx]; ok {
			variants = append(variants, e)
		}
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("0x%08x: no entry in table: %w", resId, ErrResourceNotFound)
	}
	return variants, nil
}

// scoreConfig ranks how well a variant's configuration serves a wanted one.
// Ineligible variants (contradicting locale, too-new SDK) report ok=false.
// The default configuration is always eligible with the lowest score, so a
// lookup with an unmatched configuration still falls back to it.
func scoreConfig(have, wanted *ResConfig) (score int, ok bool) {
	if wanted == nil {
		if have.IsDefault() {
			return 1, true
		}
		return 0, false
	}

	if have.IsDefault() {
		return 0, true
	}

	if *have == *wanted {
		return 1 << 20, true
	}

	if have.Language != "" {
		if wanted.Language == "" || have.Language != wanted.Language {
			return 0, false
		}
		score += 1 << 10
		if have.Country != "" {
			if wanted.Country != "" && have.Country != wanted.Country {
				return 0, false
			}
			if have.Country == wanted.Country {
				score += 1 << 9
			}
		}
	}

	if have.SdkVersion != 0 {
		if wanted.SdkVersion != 0 && have.SdkVersion > wanted.SdkVersion {
			return 0, false
		}
		score += int(have.SdkVersion)
	}

	if have.Density != 0 {
		if wanted.Density == 0 {
			score += 1
		} else {
			// Closer density wins; 0x200 caps the contribution so locale
			// always dominates.
			diff := int(have.Density) - int(wanted.Density)
			if diff < 0 {
				diff = -diff
			}
			score += 1 << 8
			if diff < 1<<7 {
				score += 1<<7 - diff
			}
		}
	}

	if have.Orientation != 0 && have.Orientation == wanted.Orientation {
		score += 1 << 6
	}

	return score, true
}
