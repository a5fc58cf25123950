package apkmeta

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"
	"math/big"
)

// https://source.android.com/security/apksigning
// frameworks/base/core/java/android/util/apk/ApkSignatureSchemeV2Verifier.java

const (
	eocdRecMinSize             = 22
	eocdRecMagic               = 0x06054b50
	eocdCommentSizeOffset      = 20
	eocdCentralDirSizeOffset   = 12
	eocdCentralDirOffsetOffset = 16

	apkSigBlockMinSize = 32
	apkSigBlockMagicHi = 0x3234206b636f6c42 // "Block 42"
	apkSigBlockMagicLo = 0x20676953204b5041 // "APK Sig "

	schemeV2BlockId = 0x7109871a
	schemeV3BlockId = 0xf05368c0

	digestChunkSize = 1024 * 1024
)

const (
	sigRsaPssWithSha256      = 0x0101
	sigRsaPssWithSha512      = 0x0102
	sigRsaPkcs1V15WithSha256 = 0x0103
	sigRsaPkcs1V15WithSha512 = 0x0104
	sigEcdsaWithSha256       = 0x0201
	sigEcdsaWithSha512       = 0x0202
)

// SchemeState is the tri-state outcome of one signing scheme.
type SchemeState int

const (
	SchemeAbsent SchemeState = iota
	SchemeValid
	SchemeInvalid
)

func (s SchemeState) String() string {
	switch s {
	case SchemeAbsent:
		return "absent"
	case SchemeValid:
		return "valid"
	case SchemeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("SchemeState(%d)", int(s))
	}
}

// SchemeResult is the outcome of one scheme's verification. Malformation is
// reported as SchemeInvalid with Err set, never as a hard error: signing
// status is advisory metadata and one scheme's corruption must not block
// reporting the others.
type SchemeResult struct {
	State SchemeState
	Certs []*x509.Certificate
	Err   error
}

// SigningResult holds the three independent scheme outcomes.
type SigningResult struct {
	V1 SchemeResult
	V2 SchemeResult
	V3 SchemeResult
}

// SignerCerts returns the union of signer certificates recovered from every
// valid scheme, deduplicated by raw encoding.
func (r *SigningResult) SignerCerts() []*x509.Certificate {
	var out []*x509.Certificate
	seen := make(map[string]bool)
	for _, sr := range []*SchemeResult{&r.V1, &r.V2, &r.V3} {
		for _, cert := range sr.Certs {
			key := string(cert.Raw)
			if !seen[key] {
				seen[key] = true
				out = append(out, cert)
			}
		}
	}
	return out
}

// VerifySigning runs the three scheme checks independently over the
// archive. The schemes share no state and tolerate each other's absence.
func VerifySigning(zr *ZipReader) *SigningResult {
	res := &SigningResult{
		V1: verifySchemeV1(zr),
	}

	archive := zr.Bytes()
	eocdOff, cdOff, err := findEocd(archive)
	if err != nil {
		// No central directory trailer means no place for a signing block;
		// both block schemes are absent, not broken.
		res.V2 = SchemeResult{State: SchemeAbsent, Err: err}
		res.V3 = SchemeResult{State: SchemeAbsent, Err: err}
		return res
	}

	res.V2 = verifyBlockScheme(archive, eocdOff, cdOff, schemeV2BlockId)
	res.V3 = verifyBlockScheme(archive, eocdOff, cdOff, schemeV3BlockId)
	return res
}

// findEocd locates the end-of-central-directory record, tolerating a
// trailing archive comment, and returns its offset plus the central
// directory offset it declares.
func findEocd(archive []byte) (eocdOff, cdOff int64, err error) {
	if len(archive) < eocdRecMinSize {
		return 0, 0, fmt.Errorf("archive too short (%d bytes)", len(archive))
	}

	maxCommentSize := math.MaxUint16
	if m := len(archive) - eocdRecMinSize; m < maxCommentSize {
		maxCommentSize = m
	}

	emptyCommentStart := len(archive) - eocdRecMinSize
	for commentSize := 0; commentSize <= maxCommentSize; commentSize++ {
		pos := emptyCommentStart - commentSize
		if binary.LittleEndian.Uint32(archive[pos:]) != eocdRecMagic {
			continue
		}
		if int(binary.LittleEndian.Uint16(archive[pos+eocdCommentSizeOffset:])) != commentSize {
			continue
		}

		eocdOff = int64(pos)
		cdOff = int64(binary.LittleEndian.Uint32(archive[pos+eocdCentralDirOffsetOffset:]))
		if cdOff >= eocdOff {
			return 0, 0, fmt.Errorf("central directory offset %d past EOCD %d", cdOff, eocdOff)
		}
		cdSize := int64(binary.LittleEndian.Uint32(archive[pos+eocdCentralDirSizeOffset:]))
		if cdOff+cdSize != eocdOff {
			return 0, 0, errors.New("central directory is not immediately followed by EOCD")
		}
		return eocdOff, cdOff, nil
	}
	return 0, 0, errors.New("EOCD record not found")
}

// findSigningBlock reads the block's trailing size and magic immediately
// before the central directory. ErrSigningBlockNotFound when the magic is
// missing.
func findSigningBlock(archive []byte, cdOff int64) (block []byte, blockOff int64, err error) {
	if cdOff < apkSigBlockMinSize {
		return nil, 0, ErrSigningBlockNotFound
	}

	footer := archive[cdOff-24 : cdOff]
	if binary.LittleEndian.Uint64(footer[8:]) != apkSigBlockMagicLo ||
		binary.LittleEndian.Uint64(footer[16:]) != apkSigBlockMagicHi {
		return nil, 0, ErrSigningBlockNotFound
	}

	blockSizeFooter := binary.LittleEndian.Uint64(footer)
	if blockSizeFooter < 24 || blockSizeFooter > math.MaxInt32-8 {
		return nil, 0, fmt.Errorf("signing block size out of range: %d", blockSizeFooter)
	}

	totalSize := int64(blockSizeFooter) + 8
	blockOff = cdOff - totalSize
	if blockOff < 0 {
		return nil, 0, fmt.Errorf("signing block offset out of range: %d", blockOff)
	}

	block = archive[blockOff:cdOff]
	if blockSizeHeader := binary.LittleEndian.Uint64(block); blockSizeHeader != blockSizeFooter {
		return nil, 0, fmt.Errorf("signing block sizes in header and footer do not match: %d vs %d",
			blockSizeHeader, blockSizeFooter)
	}
	return block, blockOff, nil
}

// findBlockEntry scans the signing block's length-prefixed id/value pairs
// for one id. nil when the id is not present.
func findBlockEntry(block []byte, wantId uint32) ([]byte, error) {
	c := newByteCursor(block[8 : len(block)-24])
	for entryNum := 1; c.remaining() > 0; entryNum++ {
		if c.remaining() < 8 {
			return nil, fmt.Errorf("insufficient data for size of signing block entry #%d", entryNum)
		}
		lenLo, _ := c.uint32()
		lenHi, _ := c.uint32()
		entryLen := int64(lenLo) | int64(lenHi)<<32
		if entryLen < 4 || entryLen > int64(c.remaining()) {
			return nil, fmt.Errorf("signing block entry #%d size out of range: %d, available: %d",
				entryNum, entryLen, c.remaining())
		}

		id, _ := c.uint32()
		val, err := c.readN(int(entryLen) - 4)
		if err != nil {
			return nil, err
		}
		if id == wantId {
			return val, nil
		}
	}
	return nil, nil
}

// lpSlice pops one uint32-length-prefixed field.
func lpSlice(c *byteCursor) (*byteCursor, error) {
	n, err := c.uint32()
	if err != nil {
		return nil, fmt.Errorf("length of length-prefixed field: %w", err)
	}
	raw, err := c.readN(int(n))
	if err != nil {
		return nil, fmt.Errorf("length-prefixed field of %d bytes: %w", n, err)
	}
	return newByteCursor(raw), nil
}

func verifyBlockScheme(archive []byte, eocdOff, cdOff int64, blockId uint32) SchemeResult {
	sigBlock, blockOff, err := findSigningBlock(archive, cdOff)
	if err != nil {
		if errors.Is(err, ErrSigningBlockNotFound) {
			return SchemeResult{State: SchemeAbsent, Err: err}
		}
		// A block footer with the right magic but broken structure is an
		// attempt at a signature, grade it invalid.
		return SchemeResult{State: SchemeInvalid, Err: err}
	}

	schemeBlock, err := findBlockEntry(sigBlock, blockId)
	if err != nil {
		return SchemeResult{State: SchemeInvalid, Err: err}
	}
	if schemeBlock == nil {
		return SchemeResult{State: SchemeAbsent}
	}

	certs, err := verifySigners(schemeBlock, blockId == schemeV3BlockId,
		archive, blockOff, cdOff, eocdOff)
	if err != nil {
		return SchemeResult{State: SchemeInvalid, Err: err}
	}
	return SchemeResult{State: SchemeValid, Certs: certs}
}

func verifySigners(schemeBlock []byte, v3 bool, archive []byte, blockOff, cdOff, eocdOff int64) ([]*x509.Certificate, error) {
	contentDigests := make(map[crypto.Hash][]byte)
	var signerCerts []*x509.Certificate

	c := newByteCursor(schemeBlock)
	signers, err := lpSlice(c)
	if err != nil {
		return nil, fmt.Errorf("failed to read list of signers: %w", err)
	}

	for signerNum := 1; signers.remaining() > 0; signerNum++ {
		signer, err := lpSlice(signers)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signer #%d: %w", signerNum, err)
		}
		certs, err := verifyOneSigner(signer, v3, contentDigests)
		if err != nil {
			return nil, fmt.Errorf("failed to verify signer #%d: %w", signerNum, err)
		}
		signerCerts = append(signerCerts, certs...)
	}

	if len(signerCerts) == 0 {
		return nil, errors.New("no signers found")
	}
	if len(contentDigests) == 0 {
		return nil, errors.New("no content digests found")
	}

	if err := verifyArchiveIntegrity(contentDigests, archive, blockOff, cdOff, eocdOff); err != nil {
		return nil, err
	}
	return signerCerts, nil
}

func verifyOneSigner(signer *byteCursor, v3 bool, contentDigests map[crypto.Hash][]byte) ([]*x509.Certificate, error) {
	signedData, err := lpSlice(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to read signed data: %w", err)
	}
	signedDataBytes := signedData.data

	if v3 {
		// v3 signers carry min/max SDK bounds between signed data and
		// signatures.
		if err := signer.skip(8); err != nil {
			return nil, fmt.Errorf("failed to read sdk bounds: %w", err)
		}
	}

	signatures, err := lpSlice(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures: %w", err)
	}
	publicKeyBytes, err := lpSlice(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	bestAlgo := int32(-1)
	var bestAlgoSignature []byte
	var signatureAlgos []int32
	for sigNum := 1; signatures.remaining() > 0; sigNum++ {
		signature, err := lpSlice(signatures)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signature record #%d: %w", sigNum, err)
		}
		if signature.remaining() < 8 {
			return nil, fmt.Errorf("signature record #%d is too short", sigNum)
		}

		rawAlgo, _ := signature.uint32()
		algo := int32(rawAlgo)
		signatureAlgos = append(signatureAlgos, algo)
		if !isSupportedAlgo(algo) {
			continue
		}

		if bestAlgo == -1 || compareAlgos(algo, bestAlgo) > 0 {
			bestAlgo = algo
			sigBytes, err := lpSlice(signature)
			if err != nil {
				return nil, fmt.Errorf("failed to read signature bytes of record #%d: %w", sigNum, err)
			}
			bestAlgoSignature = sigBytes.data
		}
	}

	if bestAlgo == -1 {
		if len(signatureAlgos) == 0 {
			return nil, errors.New("no signatures found")
		}
		return nil, errors.New("no supported signatures found")
	}

	publicKey, err := x509.ParsePKIXPublicKey(publicKeyBytes.data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	if err := verifySignature(bestAlgo, publicKey, signedDataBytes, bestAlgoSignature); err != nil {
		return nil, err
	}

	// The digest declared for the winning algorithm, and the
	// digests/signatures algorithm lists, must agree.
	digests, err := lpSlice(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to read digests from signed data: %w", err)
	}

	var contentDigest []byte
	var digestAlgos []int32
	for digestNum := 1; digests.remaining() > 0; digestNum++ {
		digest, err := lpSlice(digests)
		if err != nil {
			return nil, fmt.Errorf("failed to parse digest #%d: %w", digestNum, err)
		}
		if digest.remaining() < 8 {
			return nil, fmt.Errorf("digest record #%d is too short", digestNum)
		}
		rawAlgo, _ := digest.uint32()
		algo := int32(rawAlgo)
		digestAlgos = append(digestAlgos, algo)
		if algo == bestAlgo {
			cd, err := lpSlice(digest)
			if err != nil {
				return nil, fmt.Errorf("failed to read content digest #%d: %w", digestNum, err)
			}
			contentDigest = cd.data
		}
	}

	algosEqual := len(digestAlgos) == len(signatureAlgos)
	for i := 0; algosEqual && i < len(digestAlgos); i++ {
		algosEqual = digestAlgos[i] == signatureAlgos[i]
	}
	if !algosEqual {
		return nil, errors.New("signature algorithms don't match between digests and signatures records")
	}

	digestAlgorithm := digestTypeForAlgo(bestAlgo)
	if prev := contentDigests[digestAlgorithm]; prev != nil && !bytes.Equal(prev, contentDigest) {
		return nil, errors.New("content digest does not match the digest of a preceding signer")
	}
	contentDigests[digestAlgorithm] = contentDigest

	certificates, err := lpSlice(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificates from signed data: %w", err)
	}

	var certs []*x509.Certificate
	for certNum := 1; certificates.remaining() > 0; certNum++ {
		encodedCert, err := lpSlice(certificates)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate #%d: %w", certNum, err)
		}
		cert, err := x509.ParseCertificate(encodedCert.data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate #%d: %w", certNum, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates listed")
	}
	if !bytes.Equal(certs[0].RawSubjectPublicKeyInfo, publicKeyBytes.data) {
		return nil, errors.New("public key mismatch between certificate and signature record")
	}
	return certs, nil
}

func verifySignature(algo int32, publicKey any, signedData, signature []byte) error {
	var err error
	switch algo {
	case sigRsaPssWithSha256:
		key, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return errors.New("public key is not RSA")
		}
		hashed := sha256.Sum256(signedData)
		err = rsa.VerifyPSS(key, crypto.SHA256, hashed[:], signature, &rsa.PSSOptions{SaltLength: 256 / 8})
	case sigRsaPssWithSha512:
		key, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return errors.New("public key is not RSA")
		}
		hashed := sha512.Sum512(signedData)
		err = rsa.VerifyPSS(key, crypto.SHA512, hashed[:], signature, &rsa.PSSOptions{SaltLength: 512 / 8})
	case sigRsaPkcs1V15WithSha256:
		key, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return errors.New("public key is not RSA")
		}
		hashed := sha256.Sum256(signedData)
		err = rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], signature)
	case sigRsaPkcs1V15WithSha512:
		key, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return errors.New("public key is not RSA")
		}
		hashed := sha512.Sum512(signedData)
		err = rsa.VerifyPKCS1v15(key, crypto.SHA512, hashed[:], signature)
	case sigEcdsaWithSha256, sigEcdsaWithSha512:
		key, ok := publicKey.(*ecdsa.PublicKey)
		if !ok {
			return errors.New("public key is not ECDSA")
		}
		var params []*big.Int
		if _, err := asn1.Unmarshal(signature, &params); err != nil {
			return fmt.Errorf("failed to unmarshal ECDSA signature: %w", err)
		}
		if len(params) != 2 {
			return errors.New("malformed ECDSA signature")
		}
		var hashed []byte
		if algo == sigEcdsaWithSha256 {
			h := sha256.Sum256(signedData)
			hashed = h[:]
		} else {
			h := sha512.Sum512(signedData)
			hashed = h[:]
		}
		if !ecdsa.Verify(key, hashed, params[0], params[1]) {
			err = errors.New("ECDSA verification failed")
		}
	default:
		err = fmt.Errorf("unhandled signature type 0x%x", algo)
	}

	if err != nil {
		return fmt.Errorf("failed to verify signature of type 0x%x: %w", algo, err)
	}
	return nil
}

func isSupportedAlgo(algo int32) bool {
	switch algo {
	case sigRsaPssWithSha256, sigRsaPssWithSha512,
		sigRsaPkcs1V15WithSha256, sigRsaPkcs1V15WithSha512,
		sigEcdsaWithSha256, sigEcdsaWithSha512:
		return true
	default:
		return false
	}
}

func digestTypeForAlgo(algo int32) crypto.Hash {
	switch algo {
	case sigRsaPssWithSha512, sigRsaPkcs1V15WithSha512, sigEcdsaWithSha512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

func compareAlgos(a, b int32) int {
	da, db := digestTypeForAlgo(a), digestTypeForAlgo(b)
	switch {
	case da == db:
		return 0
	case da == crypto.SHA512:
		return 1
	default:
		return -1
	}
}

// verifyArchiveIntegrity recomputes the chunked content digests over the
// archive with the signing block cut out and compares them against the
// digests the signers declared.
func verifyArchiveIntegrity(expected map[crypto.Hash][]byte, archive []byte, blockOff, cdOff, eocdOff int64) error {
	// The EOCD's central-directory offset must be considered to point at
	// the signing block, which the signer could not know its own size
	// ahead of.
	eocd := append([]byte(nil), archive[eocdOff:]...)
	binary.LittleEndian.PutUint32(eocd[eocdCentralDirOffsetOffset:], uint32(blockOff))

	sections := [][]byte{
		archive[:blockOff],
		archive[cdOff:eocdOff],
		eocd,
	}

	algos := make([]crypto.Hash, 0, len(expected))
	for algo := range expected {
		algos = append(algos, algo)
	}

	actual, err := computeContentDigests(algos, sections)
	if err != nil {
		return fmt.Errorf("failed to compute digests of contents: %w", err)
	}

	for i, algo := range algos {
		if !bytes.Equal(expected[algo], actual[i]) {
			return fmt.Errorf("%v digest of contents did not verify", algo)
		}
	}
	return nil
}

// computeContentDigests implements the two-level chunked digest: each 1 MiB
// chunk hashed under an 0xa5 length-prefixed header, then the concatenation
// of chunk digests hashed under an 0x5a count-prefixed header.
func computeContentDigests(algos []crypto.Hash, sections [][]byte) ([][]byte, error) {
	var totalChunks int64
	for _, s := range sections {
		totalChunks += (int64(len(s)) + digestChunkSize - 1) / digestChunkSize
	}
	if totalChunks >= math.MaxInt32/1024 {
		return nil, fmt.Errorf("too many chunks: %d", totalChunks)
	}

	chunkDigests := make([][]byte, len(algos))
	hashers := make([]hash.Hash, len(algos))
	for i, algo := range algos {
		buf := make([]byte, 5, 5+totalChunks*int64(algo.Size()))
		buf[0] = 0x5a
		binary.LittleEndian.PutUint32(buf[1:], uint32(totalChunks))
		chunkDigests[i] = buf
		hashers[i] = algo.New()
	}

	chunkPrefix := make([]byte, 5)
	chunkPrefix[0] = 0xa5

	for _, section := range sections {
		for len(section) > 0 {
			chunk := section
			if len(chunk) > digestChunkSize {
				chunk = chunk[:digestChunkSize]
			}
			section = section[len(chunk):]

			binary.LittleEndian.PutUint32(chunkPrefix[1:], uint32(len(chunk)))
			for i := range hashers {
				hashers[i].Write(chunkPrefix)
				hashers[i].Write(chunk)
				chunkDigests[i] = hashers[i].Sum(chunkDigests[i])
				hashers[i].Reset()
			}
		}
	}

	result := make([][]byte, len(algos))
	for i := range chunkDigests {
		hashers[i].Write(chunkDigests[i])
		result[i] = hashers[i].Sum(nil)
	}
	return result, nil
}
