package apkmeta

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

const androidNsUri = "http://schemas.android.com/apk/res/android"

// XmlNode is one node of a decoded binary XML document: an element, a text
// run, or a namespace scope marker.
type XmlNode interface {
	xmlNode()
}

// XmlElement is an element with its attributes and owned children in
// document order. NsBindings lists the prefix->uri scopes opened
// immediately before this element.
type XmlElement struct {
	NS         string
	Name       string
	Attrs      []XmlAttr
	Children   []XmlNode
	NsBindings []NsBinding
}

// XmlText is a text run attached under its parent element.
type XmlText struct {
	Text string
}

// NsBinding is a prefix->uri binding valid for the lexical span of the
// element it is attached to.
type NsBinding struct {
	Prefix string
	Uri    string
}

func (*XmlElement) xmlNode() {}
func (*XmlText) xmlNode()    {}

// XmlAttr is a decoded attribute. String-typed values are resolved at
// decode time from the document's own pool; references stay raw in Value
// and resolve on demand through a ResourceTable.
type XmlAttr struct {
	NS        string
	Name      string
	NameResId uint32
	RawValue  string
	Value     ResValue
}

// StringValue renders the attribute, resolving references through the
// resource table when one is supplied. Resolution failure is recoverable
// and falls back to the raw "@resId" form, never an error.
func (a *XmlAttr) StringValue(res *ResourceTable) string {
	switch {
	case a.Value.Type == ValueString:
		return a.RawValue
	case a.Value.IsReference():
		if res != nil {
			e, err := res.GetResourceEntry(a.Value.Data)
			// Follow reference chains a few hops, some tables alias
			// entries through several levels.
			for i := 0; err == nil && i < 5; i++ {
				v, verr := e.Value()
				if verr != nil || !v.IsReference() {
					break
				}
				e, err = res.GetResourceEntry(v.Data)
			}
			if err == nil {
				if s, serr := e.String(); serr == nil {
					return s
				}
			}
		}
		return fmt.Sprintf("@%x", a.Value.Data)
	default:
		s, err := a.Value.String()
		if err != nil {
			return fmt.Sprintf("@%x", a.Value.Data)
		}
		return s
	}
}

type axmlDecoder struct {
	strings     *stringPool
	resourceIds []uint32

	root   *XmlElement
	stack  []*XmlElement
	pendNs []NsBinding
	openNs []NsBinding
}

// DecodeXml decodes a compiled binary XML document into an owned tree. The
// resource table is not needed here: references stay raw until rendered.
func DecodeXml(r io.Reader) (*XmlElement, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return decodeXmlData(data)
}

// ParseXml decodes a binary XML document and renders it into enc, resolving
// references through resources. Resources may be nil. This is the
// eat-a-stream-print-a-stream surface the CLI and facade use.
func ParseXml(r io.Reader, enc ManifestEncoder, resources *ResourceTable) error {
	root, err := DecodeXml(r)
	if err != nil {
		return err
	}
	if err := root.EncodeTokens(enc, resources); err != nil {
		return err
	}
	return enc.Flush()
}

func decodeXmlData(data []byte) (*XmlElement, error) {
	if len(data) >= 6 && data[0] == '<' {
		if s := string(data[:6]); strings.HasPrefix(s, "<?xml ") || strings.HasPrefix(s, "<manif") {
			return nil, ErrPlainTextManifest
		}
	}

	c := newByteCursor(data)
	hdr, err := parseChunkHeader(c)
	if err != nil {
		return nil, err
	}
	// Android doesn't validate the top chunk id, some build tools emit
	// values other than chunkAxmlFile. Only the declared size matters.
	docEnd := int(hdr.totalLen)
	if docEnd > len(data) {
		docEnd = len(data)
	}

	d := &axmlDecoder{}

	for c.pos() < docEnd {
		chunkStart := c.pos()
		sub, err := parseChunkHeader(c)
		if err != nil {
			return nil, fmt.Errorf("error parsing chunk header at 0x%08x: %w", chunkStart, err)
		}
		chunkEnd := chunkStart + int(sub.totalLen)
		if int(sub.totalLen) < chunkHeaderSize || chunkEnd > len(data) {
			return nil, fmt.Errorf("chunk 0x%04x at 0x%08x overruns document: %w", sub.id, chunkStart, ErrTruncatedInput)
		}

		body, err := c.sub(c.pos(), chunkEnd)
		if err != nil {
			return nil, err
		}

		switch sub.id {
		case chunkStringPool:
			if err := c.seek(chunkStart); err != nil {
				return nil, err
			}
			if d.strings, err = parseStringPool(c); err != nil {
				return nil, err
			}
		case chunkResourceIds:
			err = d.parseResourceIds(body)
		default:
			if sub.id&chunkMaskXml == 0 {
				return nil, fmt.Errorf("unknown chunk id 0x%x", sub.id)
			}
			if d.strings == nil {
				return nil, fmt.Errorf("%w: body chunk 0x%04x before string pool", ErrMalformedStringPool, sub.id)
			}

			// skip line number and comment index
			if err = body.skip(2 * 4); err != nil {
				break
			}

			switch sub.id {
			case chunkXmlNsStart:
				err = d.parseNsStart(body)
			case chunkXmlNsEnd:
				err = d.parseNsEnd(body)
			case chunkXmlTagStart:
				err = d.parseTagStart(body)
			case chunkXmlTagEnd:
				err = d.parseTagEnd(body)
			case chunkXmlText:
				err = d.parseText(body)
			default:
				err = fmt.Errorf("unknown chunk id 0x%x", sub.id)
			}
		}

		if err != nil {
			return nil, fmt.Errorf("chunk 0x%04x: %w", sub.id, err)
		}

		if err := c.seek(chunkEnd); err != nil {
			return nil, err
		}
	}

	if len(d.stack) != 0 {
		return nil, fmt.Errorf("%d elements still open at end of stream: %w", len(d.stack), ErrTruncatedDocument)
	}
	if d.root == nil {
		return nil, fmt.Errorf("document has no root element: %w", ErrTruncatedDocument)
	}
	return d.root, nil
}

func (d *axmlDecoder) parseResourceIds(c *byteCursor) error {
	if c.remaining()%4 != 0 {
		return fmt.Errorf("invalid resource ids chunk size")
	}
	ids, err := c.uint32Array(c.remaining() / 4)
	if err != nil {
		return err
	}
	d.resourceIds = append(d.resourceIds, ids...)
	return nil
}

func (d *axmlDecoder) parseNsStart(c *byteCursor) error {
	prefixIdx, err := c.uint32()
	if err != nil {
		return err
	}
	uriIdx, err := c.uint32()
	if err != nil {
		return err
	}

	var b NsBinding
	if b.Prefix, err = d.strings.get(prefixIdx); err != nil {
		return err
	}
	if b.Uri, err = d.strings.get(uriIdx); err != nil {
		return err
	}

	d.pendNs = append(d.pendNs, b)
	d.openNs = append(d.openNs, b)
	return nil
}

func (d *axmlDecoder) parseNsEnd(c *byteCursor) error {
	prefixIdx, err := c.uint32()
	if err != nil {
		return err
	}
	uriIdx, err := c.uint32()
	if err != nil {
		return err
	}

	prefix, err := d.strings.get(prefixIdx)
	if err != nil {
		return err
	}
	uri, err := d.strings.get(uriIdx)
	if err != nil {
		return err
	}

	if len(d.openNs) == 0 {
		return fmt.Errorf("namespace end %q without start: %w", prefix, ErrMalformedNamespaceNesting)
	}
	top := d.openNs[len(d.openNs)-1]
	if top.Prefix != prefix || top.Uri != uri {
		return fmt.Errorf("namespace end %q=%q does not close %q=%q: %w",
			prefix, uri, top.Prefix, top.Uri, ErrMalformedNamespaceNesting)
	}
	d.openNs = d.openNs[:len(d.openNs)-1]
	return nil
}

func (d *axmlDecoder) parseTagStart(c *byteCursor) error {
	namespaceIdx, err := c.uint32()
	if err != nil {
		return fmt.Errorf("error reading namespace idx: %w", err)
	}
	nameIdx, err := c.uint32()
	if err != nil {
		return fmt.Errorf("error reading name idx: %w", err)
	}
	if _, err = c.uint16(); err != nil { // attrStart
		return err
	}
	attrSize, err := c.uint16()
	if err != nil {
		return fmt.Errorf("error reading attrSize: %w", err)
	}
	attrCount, err := c.uint16()
	if err != nil {
		return fmt.Errorf("error reading attrCount: %w", err)
	}
	if err = c.skip(2 * 3); err != nil { // idIndex, classIndex, styleIndex
		return err
	}

	el := &XmlElement{}
	if el.NS, err = d.strings.get(namespaceIdx); err != nil {
		return fmt.Errorf("error decoding namespace: %w", err)
	}
	if el.Name, err = d.strings.get(nameIdx); err != nil {
		return fmt.Errorf("error decoding name: %w", err)
	}

	el.NsBindings = d.pendNs
	d.pendNs = nil

	for i := uint16(0); i < attrCount; i++ {
		attr, err := d.parseAttr(c, attrSize, el.Name)
		if err != nil {
			return err
		}
		el.Attrs = append(el.Attrs, attr)
	}

	if len(d.stack) == 0 {
		if d.root != nil {
			return fmt.Errorf("second root element <%s>: %w", el.Name, ErrUnbalancedElement)
		}
		d.root = el
	} else {
		parent := d.stack[len(d.stack)-1]
		parent.Children = append(parent.Children, el)
	}
	d.stack = append(d.stack, el)
	return nil
}

func (d *axmlDecoder) parseAttr(c *byteCursor, attrSize uint16, tagName string) (XmlAttr, error) {
	var attr XmlAttr

	attrStart := c.pos()
	nsIdx, err := c.uint32()
	if err != nil {
		return attr, fmt.Errorf("error reading attr namespace: %w", err)
	}
	nameIdx, err := c.uint32()
	if err != nil {
		return attr, fmt.Errorf("error reading attr name: %w", err)
	}
	rawValueIdx, err := c.uint32()
	if err != nil {
		return attr, fmt.Errorf("error reading attr raw value: %w", err)
	}
	if attr.Value, err = parseResValue(c, d.strings); err != nil {
		return attr, fmt.Errorf("error reading attr value: %w", err)
	}
	if read := c.pos() - attrStart; int(attrSize) > read {
		if err = c.skip(int(attrSize) - read); err != nil {
			return attr, err
		}
	}

	// Android reads attributes by their resource IDs (the generated R
	// arrays in the framework), not by name. Good guy android puts the
	// strings into the string table on the same indexes anyway, most of
	// the time; obfuscators and minimizers strip them, so the id table is
	// authoritative when present.
	//
	// The exception is the "package" attribute on the root manifest tag,
	// which MUST come from the string table, as do the
	// platformBuildVersion* meta attributes.
	if nameIdx < uint32(len(d.resourceIds)) {
		attr.NameResId = d.resourceIds[nameIdx]
		attr.Name = attributeNameForId(attr.NameResId)
	}

	var nameFromStrings string
	if attr.Name == "" || tagName == "manifest" {
		nameFromStrings, err = d.strings.get(nameIdx)
		if err != nil {
			if attr.Name == "" {
				return attr, fmt.Errorf("error decoding attr name idx: %w", err)
			}
			nameFromStrings = ""
			err = nil
		} else if attr.Name != "" && nameFromStrings != "package" && !strings.HasPrefix(nameFromStrings, "platformBuildVersion") {
			nameFromStrings = ""
		}
	}

	if attr.NS, err = d.strings.get(nsIdx); err != nil {
		return attr, fmt.Errorf("error decoding attr namespace idx: %w", err)
	}

	if nameFromStrings != "" {
		attr.Name = nameFromStrings
	} else if attr.NS == "" && attr.NameResId != 0 {
		// Resource-id addressed attributes always belong to the android
		// namespace even when the document omits it.
		attr.NS = androidNsUri
	}

	if attr.Value.Type == ValueString {
		if attr.RawValue, err = d.strings.get(rawValueIdx); err != nil {
			return attr, fmt.Errorf("error decoding attr string idx: %w", err)
		}
	}
	return attr, nil
}

func (d *axmlDecoder) parseTagEnd(c *byteCursor) error {
	namespaceIdx, err := c.uint32()
	if err != nil {
		return fmt.Errorf("error reading namespace idx: %w", err)
	}
	nameIdx, err := c.uint32()
	if err != nil {
		return fmt.Errorf("error reading name idx: %w", err)
	}

	namespace, err := d.strings.get(namespaceIdx)
	if err != nil {
		return fmt.Errorf("error decoding namespace: %w", err)
	}
	name, err := d.strings.get(nameIdx)
	if err != nil {
		return fmt.Errorf("error decoding name: %w", err)
	}

	if len(d.stack) == 0 {
		return fmt.Errorf("end of <%s> with no open element: %w", name, ErrUnbalancedElement)
	}
	top := d.stack[len(d.stack)-1]
	if top.Name != name || top.NS != namespace {
		return fmt.Errorf("end of <%s> closes open <%s>: %w", name, top.Name, ErrUnbalancedElement)
	}
	d.stack = d.stack[:len(d.stack)-1]
	return nil
}

func (d *axmlDecoder) parseText(c *byteCursor) error {
	idx, err := c.uint32()
	if err != nil {
		return fmt.Errorf("error reading idx: %w", err)
	}
	text, err := d.strings.get(idx)
	if err != nil {
		return fmt.Errorf("error decoding idx: %w", err)
	}

	if len(d.stack) == 0 {
		// Whitespace chunks outside the root element carry nothing.
		return nil
	}
	top := d.stack[len(d.stack)-1]
	top.Children = append(top.Children, &XmlText{Text: text})
	return nil
}

// EncodeTokens renders the subtree rooted at e into enc in document order,
// resolving attribute references through resources (which may be nil).
func (e *XmlElement) EncodeTokens(enc ManifestEncoder, resources *ResourceTable) error {
	tok := xml.StartElement{
		Name: xml.Name{Local: e.Name, Space: e.NS},
	}
	for i := range e.Attrs {
		a := &e.Attrs[i]
		tok.Attr = append(tok.Attr, xml.Attr{
			Name:  xml.Name{Local: a.Name, Space: a.NS},
			Value: a.StringValue(resources),
		})
	}
	if err := enc.EncodeToken(tok); err != nil {
		return err
	}

	for _, child := range e.Children {
		switch n := child.(type) {
		case *XmlElement:
			if err := n.EncodeTokens(enc, resources); err != nil {
				return err
			}
		case *XmlText:
			if err := enc.EncodeToken(xml.CharData(n.Text)); err != nil {
				return err
			}
		}
	}

	return enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: e.Name, Space: e.NS}})
}

// XmlString renders the subtree to indented XML text.
func (e *XmlElement) XmlString(resources *ResourceTable) (string, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "    ")
	if err := e.EncodeTokens(enc, resources); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Attr returns the named attribute or nil. Resource-id addressed manifest
// attributes match on the android namespace.
func (e *XmlElement) Attr(name string) *XmlAttr {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			return &e.Attrs[i]
		}
	}
	return nil
}

// Elements returns the direct child elements with the given name.
func (e *XmlElement) Elements(name string) []*XmlElement {
	var out []*XmlElement
	for _, child := range e.Children {
		if el, ok := child.(*XmlElement); ok && el.Name == name {
			out = append(out, el)
		}
	}
	return out
}
