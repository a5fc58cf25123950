package apkmeta

import (
	"bytes"
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.mozilla.org/pkcs7"
)

// Legacy JAR signing: META-INF/MANIFEST.MF lists per-file digests, each
// *.SF signature file digests the manifest, and a detached PKCS#7 block
// signs the .SF.

const maxSignatureFileSize = 16 * 1024 * 1024

var v1BlockExts = []string{".RSA", ".DSA", ".EC"}

func verifySchemeV1(zr *ZipReader) SchemeResult {
	sfNames := findSignatureFiles(zr)
	if len(sfNames) == 0 {
		return SchemeResult{State: SchemeAbsent}
	}

	manifestFile := zr.File["META-INF/MANIFEST.MF"]
	if manifestFile == nil {
		return SchemeResult{State: SchemeInvalid, Err: errors.New("signature files without META-INF/MANIFEST.MF")}
	}
	manifestRaw, err := manifestFile.ReadAll(maxSignatureFileSize)
	if err != nil {
		return SchemeResult{State: SchemeInvalid, Err: fmt.Errorf("failed to read manifest: %w", err)}
	}

	manifest, err := parseJarManifest(manifestRaw)
	if err != nil {
		return SchemeResult{State: SchemeInvalid, Err: err}
	}

	if err := verifyManifestFileDigests(zr, manifest); err != nil {
		return SchemeResult{State: SchemeInvalid, Err: err}
	}

	var certs []*x509.Certificate
	for _, sfName := range sfNames {
		sfCerts, err := verifyOneSignatureFile(zr, sfName, manifestRaw, manifest)
		if err != nil {
			return SchemeResult{State: SchemeInvalid, Err: fmt.Errorf("%s: %w", sfName, err)}
		}
		certs = append(certs, sfCerts...)
	}
	return SchemeResult{State: SchemeValid, Certs: certs}
}

func findSignatureFiles(zr *ZipReader) []string {
	var names []string
	for _, zf := range zr.FilesOrdered {
		if strings.HasPrefix(zf.Name, "META-INF/") && strings.HasSuffix(zf.Name, ".SF") {
			names = append(names, zf.Name)
		}
	}
	return names
}

func verifyOneSignatureFile(zr *ZipReader, sfName string, manifestRaw []byte, manifest *jarManifest) ([]*x509.Certificate, error) {
	sfFile := zr.File[sfName]
	if sfFile == nil {
		return nil, errors.New("signature file disappeared")
	}
	sfRaw, err := sfFile.ReadAll(maxSignatureFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}

	block, err := findSignatureBlock(zr, sfName)
	if err != nil {
		return nil, err
	}

	p7, err := pkcs7.Parse(block)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 block: %w", err)
	}
	p7.Content = sfRaw
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("signature does not verify: %w", err)
	}

	sf, err := parseJarManifest(sfRaw)
	if err != nil {
		return nil, err
	}
	if err := verifySfAgainstManifest(sf, manifestRaw, manifest); err != nil {
		return nil, err
	}

	return p7.Certificates, nil
}

func findSignatureBlock(zr *ZipReader, sfName string) ([]byte, error) {
	base := strings.TrimSuffix(sfName, ".SF")
	for _, ext := range v1BlockExts {
		zf := zr.File[base+ext]
		if zf == nil {
			continue
		}
		return zf.ReadAll(maxSignatureFileSize)
	}
	return nil, fmt.Errorf("no signature block for %s", sfName)
}

// verifySfAgainstManifest accepts either the whole-manifest digest
// declared in the .SF main section or, failing that, matching per-section
// digests for every named section.
func verifySfAgainstManifest(sf *jarManifest, manifestRaw []byte, manifest *jarManifest) error {
	if h, digest, ok := findDigestAttr(sf.main, "-Digest-Manifest"); ok {
		if digestMatches(h, manifestRaw, digest) {
			return nil
		}
		// aapt rewrites manifests in ways that keep sections but not the
		// exact main attributes; fall through to per-section checks.
	}

	if len(sf.sections) == 0 {
		return errors.New("signature file covers nothing")
	}
	for name, attrs := range sf.sections {
		h, digest, ok := findDigestAttr(attrs, "-Digest")
		if !ok {
			continue
		}
		raw, found := manifest.sectionRaw[name]
		if !found {
			return fmt.Errorf("signature file names %q missing from manifest", name)
		}
		if !digestMatches(h, raw, digest) {
			return fmt.Errorf("manifest section digest mismatch for %q", name)
		}
	}
	return nil
}

// verifyManifestFileDigests recomputes the digest of every archive entry
// the manifest lists. Every listed file must be present and match.
func verifyManifestFileDigests(zr *ZipReader, manifest *jarManifest) error {
	checked := 0
	for name, attrs := range manifest.sections {
		h, digest, ok := findDigestAttr(attrs, "-Digest")
		if !ok {
			continue
		}

		zf := zr.File[path.Clean(name)]
		if zf == nil {
			return fmt.Errorf("manifest lists %q which is not in the archive", name)
		}
		data, err := zf.ReadAll(maxSignatureFileSize)
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", name, err)
		}
		if !digestMatches(h, data, digest) {
			return fmt.Errorf("digest mismatch for %q", name)
		}
		checked++
	}
	if checked == 0 {
		return errors.New("manifest lists no digested entries")
	}
	return nil
}

func digestMatches(h crypto.Hash, data, want []byte) bool {
	var sum []byte
	switch h {
	case crypto.SHA1:
		s := sha1.Sum(data)
		sum = s[:]
	case crypto.SHA256:
		s := sha256.Sum256(data)
		sum = s[:]
	case crypto.SHA384:
		s := sha512.Sum384(data)
		sum = s[:]
	case crypto.SHA512:
		s := sha512.Sum512(data)
		sum = s[:]
	default:
		return false
	}
	return bytes.Equal(sum, want)
}

// findDigestAttr picks the strongest digest attribute with the given
// suffix, e.g. "SHA-256-Digest" for suffix "-Digest".
func findDigestAttr(attrs map[string]string, suffix string) (crypto.Hash, []byte, bool) {
	for _, cand := range []struct {
		prefix string
		hash   crypto.Hash
	}{
		{"SHA-512", crypto.SHA512},
		{"SHA-384", crypto.SHA384},
		{"SHA-256", crypto.SHA256},
		{"SHA1", crypto.SHA1},
	} {
		v, ok := attrs[cand.prefix+suffix]
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			continue
		}
		return cand.hash, raw, true
	}
	return 0, nil, false
}

// jarManifest is a parsed MANIFEST.MF / .SF file. sectionRaw keeps the
// exact bytes of each named section, the .SF per-section digests are
// computed over them.
type jarManifest struct {
	main       map[string]string
	sections   map[string]map[string]string
	sectionRaw map[string][]byte
}

func parseJarManifest(raw []byte) (*jarManifest, error) {
	m := &jarManifest{
		main:       make(map[string]string),
		sections:   make(map[string]map[string]string),
		sectionRaw: make(map[string][]byte),
	}

	blocks := splitManifestBlocks(raw)
	if len(blocks) == 0 {
		return nil, errors.New("empty manifest")
	}

	mainAttrs, _, err := parseManifestBlock(blocks[0].text)
	if err != nil {
		return nil, err
	}
	m.main = mainAttrs

	for _, b := range blocks[1:] {
		attrs, name, err := parseManifestBlock(b.text)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		m.sections[name] = attrs
		m.sectionRaw[name] = b.raw
	}
	return m, nil
}

type manifestBlock struct {
	raw  []byte
	text []byte
}

// splitManifestBlocks cuts the file at blank lines, keeping each block's
// exact bytes including its terminating blank line. Both \r\n and \n line
// endings occur in the wild.
func splitManifestBlocks(raw []byte) []manifestBlock {
	var blocks []manifestBlock
	start := 0
	i := 0
	for i < len(raw) {
		var skip int
		if raw[i] == '\n' && (i == 0 || raw[i-1] != '\r') && blankAt(raw, i+1) {
			skip = 1 + blankLen(raw, i+1)
		} else if i+1 < len(raw) && raw[i] == '\r' && raw[i+1] == '\n' && blankAt(raw, i+2) {
			skip = 2 + blankLen(raw, i+2)
		} else {
			i++
			continue
		}

		end := i + skip
		blocks = append(blocks, manifestBlock{
			raw:  raw[start:end],
			text: raw[start:i],
		})
		start = end
		i = end
	}
	if start < len(raw) {
		blocks = append(blocks, manifestBlock{raw: raw[start:], text: raw[start:]})
	}
	return blocks
}

func blankAt(raw []byte, i int) bool {
	if i >= len(raw) {
		return true
	}
	return raw[i] == '\n' || (raw[i] == '\r' && i+1 < len(raw) && raw[i+1] == '\n')
}

func blankLen(raw []byte, i int) int {
	if i >= len(raw) {
		return 0
	}
	if raw[i] == '\n' {
		return 1
	}
	if raw[i] == '\r' {
		return 2
	}
	return 0
}

func parseManifestBlock(text []byte) (map[string]string, string, error) {
	attrs := make(map[string]string)

	var lines []string
	for _, line := range strings.Split(string(text), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' {
			// Continuation of the previous line.
			if len(lines) == 0 {
				return nil, "", errors.New("manifest starts with a continuation line")
			}
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}

	name := ""
	for _, line := range lines {
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, "", fmt.Errorf("malformed manifest line %q", line)
		}
		if strings.EqualFold(k, "Name") {
			name = v
			continue
		}
		attrs[k] = v
	}
	return attrs, name, nil
}
