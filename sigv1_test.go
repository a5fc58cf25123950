package apkmeta

import (
	"archive/zip"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"go.mozilla.org/pkcs7"
)

func b64Sha256(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

type v1Fixture struct {
	payload      []byte
	manifest     []byte
	sigFile      []byte
	cert         *x509.Certificate
	key          *rsa.PrivateKey
	perSectionSf bool
}

// buildV1Archive assembles a JAR-signed archive: MANIFEST.MF digesting the
// payload, CERT.SF digesting the manifest, CERT.RSA as the detached PKCS#7
// signature over CERT.SF.
func buildV1Archive(t *testing.T, fx *v1Fixture) []byte {
	t.Helper()

	if fx.payload == nil {
		fx.payload = []byte("payload bytes")
	}

	mainPart := "Manifest-Version: 1.0\r\n\r\n"
	sectionPart := "Name: res/raw/data.txt\r\n" +
		"SHA-256-Digest: " + b64Sha256(fx.payload) + "\r\n\r\n"
	fx.manifest = []byte(mainPart + sectionPart)

	if fx.perSectionSf {
		// No whole-manifest digest, only the per-section one computed over
		// the section's exact bytes.
		fx.sigFile = []byte("Signature-Version: 1.0\r\n\r\n" +
			"Name: res/raw/data.txt\r\n" +
			"SHA-256-Digest: " + b64Sha256([]byte(sectionPart)) + "\r\n\r\n")
	} else {
		fx.sigFile = []byte("Signature-Version: 1.0\r\n" +
			"SHA-256-Digest-Manifest: " + b64Sha256(fx.manifest) + "\r\n\r\n")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	fx.key = key
	fx.cert, _ = newTestCert(t, key)

	sd, err := pkcs7.NewSignedData(fx.sigFile)
	if err != nil {
		t.Fatal(err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(fx.cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatal(err)
	}
	sd.Detach()
	block, err := sd.Finish()
	if err != nil {
		t.Fatal(err)
	}

	return buildZip([]zipEntry{
		{name: "res/raw/data.txt", data: fx.payload, method: zip.Deflate},
		{name: "META-INF/MANIFEST.MF", data: fx.manifest, method: zip.Deflate},
		{name: "META-INF/CERT.SF", data: fx.sigFile, method: zip.Deflate},
		{name: "META-INF/CERT.RSA", data: block, method: zip.Store},
	})
}

func TestVerifySchemeV1(t *testing.T) {
	var fx v1Fixture
	raw := buildV1Archive(t, &fx)

	zr, err := OpenZipBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	res := verifySchemeV1(zr)
	if res.State != SchemeValid {
		t.Fatalf("v1 = %s (%v), want valid", res.State, res.Err)
	}
	found := false
	for _, c := range res.Certs {
		if c.Equal(fx.cert) {
			found = true
		}
	}
	if !found {
		t.Fatal("signer certificate not reported")
	}
}

func TestVerifySchemeV1PerSectionDigests(t *testing.T) {
	fx := v1Fixture{perSectionSf: true}
	raw := buildV1Archive(t, &fx)

	zr, err := OpenZipBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	res := verifySchemeV1(zr)
	if res.State != SchemeValid {
		t.Fatalf("v1 = %s (%v), want valid", res.State, res.Err)
	}
}

func TestVerifySchemeV1TamperedFile(t *testing.T) {
	var fx v1Fixture
	buildV1Archive(t, &fx)

	// Rebuild the archive with different payload bytes under the original
	// manifest and a freshly signed signature file.
	raw := buildZip([]zipEntry{
		{name: "res/raw/data.txt", data: []byte("evil replacement"), method: zip.Deflate},
		{name: "META-INF/MANIFEST.MF", data: fx.manifest, method: zip.Deflate},
		{name: "META-INF/CERT.SF", data: fx.sigFile, method: zip.Deflate},
		{name: "META-INF/CERT.RSA", data: signSfBlock(t, &fx), method: zip.Store},
	})

	zr, err := OpenZipBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	res := verifySchemeV1(zr)
	if res.State != SchemeInvalid {
		t.Fatalf("v1 after tamper = %s (%v), want invalid", res.State, res.Err)
	}
}

func signSfBlock(t *testing.T, fx *v1Fixture) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(fx.sigFile)
	if err != nil {
		t.Fatal(err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(fx.cert, fx.key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatal(err)
	}
	sd.Detach()
	block, err := sd.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return block
}

func TestVerifySchemeV1SignatureFileWithoutManifest(t *testing.T) {
	raw := buildZip([]zipEntry{
		{name: "META-INF/CERT.SF", data: []byte("Signature-Version: 1.0\r\n\r\n"), method: zip.Store},
	})

	zr, err := OpenZipBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	res := verifySchemeV1(zr)
	if res.State != SchemeInvalid {
		t.Fatalf("v1 = %s (%v), want invalid", res.State, res.Err)
	}
}

func TestVerifySchemeV1AbsentWithoutSignatureFiles(t *testing.T) {
	raw := buildZip([]zipEntry{
		{name: "META-INF/MANIFEST.MF", data: []byte("Manifest-Version: 1.0\r\n\r\n"), method: zip.Store},
	})

	zr, err := OpenZipBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	if res := verifySchemeV1(zr); res.State != SchemeAbsent {
		t.Fatalf("v1 = %s (%v), want absent", res.State, res.Err)
	}
}

func TestParseJarManifest(t *testing.T) {
	raw := []byte("Manifest-Version: 1.0\r\n" +
		"Created-By: test with a very long value that spills over onto a\r\n" +
		" continuation line\r\n" +
		"\r\n" +
		"Name: lib/arm64-v8a/libnative.so\r\n" +
		"SHA-256-Digest: AAAA\r\n" +
		"\r\n")

	m, err := parseJarManifest(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.main["Manifest-Version"]; got != "1.0" {
		t.Fatalf("Manifest-Version = %q", got)
	}
	if got := m.main["Created-By"]; got != "test with a very long value that spills over onto acontinuation line" {
		t.Fatalf("continuation join = %q", got)
	}
	sec, ok := m.sections["lib/arm64-v8a/libnative.so"]
	if !ok {
		t.Fatalf("sections = %v", m.sections)
	}
	if sec["SHA-256-Digest"] != "AAAA" {
		t.Fatalf("section digest = %q", sec["SHA-256-Digest"])
	}
	if string(m.sectionRaw["lib/arm64-v8a/libnative.so"]) !=
		"Name: lib/arm64-v8a/libnative.so\r\nSHA-256-Digest: AAAA\r\n\r\n" {
		t.Fatalf("section raw = %q", m.sectionRaw["lib/arm64-v8a/libnative.so"])
	}
}
