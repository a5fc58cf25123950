package apkmeta

import "errors"

// Structural decode failures. All of these abort decoding of the affected
// structure, no partial result is returned alongside them.
var (
	ErrTruncatedInput            = errors.New("input truncated")
	ErrOutOfBounds               = errors.New("offset out of bounds")
	ErrMalformedStringPool       = errors.New("malformed string pool")
	ErrMalformedNamespaceNesting = errors.New("namespace end does not match innermost start")
	ErrUnbalancedElement         = errors.New("element end does not match open element")
	ErrTruncatedDocument         = errors.New("document ended with open elements")
)

// ErrResourceNotFound is recoverable: a caller resolving a single attribute
// may fall back to the raw encoded value and continue.
var ErrResourceNotFound = errors.New("resource not found")

// ErrSigningBlockNotFound means the archive carries no APK Signing Block at
// all, so neither the v2 nor the v3 scheme can be present.
var ErrSigningBlockNotFound = errors.New("APK signing block not found")

// Some samples have the manifest in plaintext, this is an error.
// 2c882a2376034ed401be082a42a21f0ac837689e7d3ab6be0afb82f44ca0b859
var ErrPlainTextManifest = errors.New("xml is in plaintext, binary form expected")
