package apkmeta

const (
	chunkNull          = 0x0000
	chunkStringPool    = 0x0001
	chunkTable         = 0x0002
	chunkAxmlFile      = 0x0003
	chunkResourceIds   = 0x0180
	chunkTablePackage  = 0x0200
	chunkTableType     = 0x0201
	chunkTableTypeSpec = 0x0202
	chunkTableLibrary  = 0x0203

	chunkMaskXml     = 0x0100
	chunkXmlNsStart  = 0x0100
	chunkXmlNsEnd    = 0x0101
	chunkXmlTagStart = 0x0102
	chunkXmlTagEnd   = 0x0103
	chunkXmlText     = 0x0104

	chunkHeaderSize = 2 + 2 + 4
)

// absentRef marks "no value" string and resource indices throughout the
// binary formats. It decodes to the empty string, never an error by itself.
const absentRef = 0xFFFFFFFF

type chunkHeader struct {
	id        uint16
	headerLen uint16
	totalLen  uint32
}

func parseChunkHeader(c *byteCursor) (h chunkHeader, err error) {
	if h.id, err = c.uint16(); err != nil {
		return
	}
	if h.headerLen, err = c.uint16(); err != nil {
		return
	}
	h.totalLen, err = c.uint32()
	return
}
