package apkmeta

import "encoding/xml"

// ManifestEncoder is the token sink decoded trees render into. Encoder from
// encoding/xml satisfies it.
type ManifestEncoder interface {
	EncodeToken(t xml.Token) error
	Flush() error
}
