package apkmeta

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/klauspost/compress/flate"
)

type zipEntryVariant struct {
	offset int64
	method uint16
}

// ZipReader mimics Reader from archive/zip over an in-memory buffer. It
// handles broken archives Android still accepts but archive/zip rejects,
// and keeps the raw bytes around for signing verification.
type ZipReader struct {
	File map[string]*ZipReaderFile

	// Entries in the order they were found. May contain the same
	// ZipReaderFile multiple times for crafted archives with duplicate
	// names.
	FilesOrdered []*ZipReaderFile

	data []byte
}

// ZipReaderFile mimics File from archive/zip, except one name may map to
// multiple physical entries; iterate them with Next.
type ZipReaderFile struct {
	Name  string
	IsDir bool

	archive  []byte
	zipEntry *zip.File

	variants []zipEntryVariant
	curEntry int

	internalReader io.Reader
	internalCloser io.Closer
}

// OpenZip reads the whole archive into memory and indexes its entries.
func OpenZip(path string) (*ZipReader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return OpenZipBytes(data)
}

// OpenZipBytes indexes an archive already held in memory. The buffer is
// borrowed and must not be mutated afterwards.
func OpenZipBytes(data []byte) (*ZipReader, error) {
	zr := &ZipReader{
		File: make(map[string]*ZipReaderFile),
		data: data,
	}

	zipinfo, err := tryReadZip(data)
	if err == nil {
		for i, zf := range zipinfo.File {
			if zf.Method != zip.Store && zf.Method != zip.Deflate {
				// Android treats unknown methods as deflate, except for the
				// entries it maps directly.
				switch zf.Name {
				case "AndroidManifest.xml", "resources.arsc":
					zipinfo.File[i].Method = zip.Store
					zipinfo.File[i].CompressedSize64 = zipinfo.File[i].UncompressedSize64
				default:
					zipinfo.File[i].Method = zip.Deflate
				}
			}

			cl := path.Clean(zf.Name)
			if zr.File[cl] == nil {
				entry := &ZipReaderFile{
					Name:     cl,
					IsDir:    zf.FileInfo().IsDir(),
					archive:  data,
					zipEntry: zf,
				}
				zr.File[cl] = entry
				zr.FilesOrdered = append(zr.FilesOrdered, entry)
			}
		}
		return zr, nil
	}

	// Central directory is unusable, recover entries by scanning for local
	// file headers the way Android's parser ends up doing.
	if err := zr.scanLocalHeaders(); err != nil {
		return nil, err
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("no zip entries found")
	}
	return zr, nil
}

func tryReadZip(data []byte) (r *zip.Reader, err error) {
	defer func() {
		if pn := recover(); pn != nil {
			err = fmt.Errorf("%v", pn)
			r = nil
		}
	}()

	r, err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return
	}
	r.RegisterDecompressor(zip.Deflate, newFlateReader)
	return
}

var localHeaderMagic = []byte{0x50, 0x4B, 0x03, 0x04}

func (zr *ZipReader) scanLocalHeaders() error {
	data := zr.data
	for off := int64(0); ; {
		idx := bytes.Index(data[off:], localHeaderMagic)
		if idx < 0 {
			return nil
		}
		off += int64(idx)

		if off+30 > int64(len(data)) {
			return nil
		}
		method := binary.LittleEndian.Uint16(data[off+8:])
		nameLen := int64(binary.LittleEndian.Uint16(data[off+26:]))
		extraLen := int64(binary.LittleEndian.Uint16(data[off+28:]))
		if off+30+nameLen > int64(len(data)) {
			return nil
		}

		fileName := path.Clean(string(data[off+30 : off+30+nameLen]))
		fileOffset := off + 30 + nameLen + extraLen

		zrf := zr.File[fileName]
		if zrf == nil {
			zrf = &ZipReaderFile{
				Name:     fileName,
				archive:  data,
				curEntry: -1,
			}
			zr.File[fileName] = zrf
		}
		zr.FilesOrdered = append(zr.FilesOrdered, zrf)

		// Later entries shadow earlier ones on Android, try them first.
		zrf.variants = append([]zipEntryVariant{{
			offset: fileOffset,
			method: method,
		}}, zrf.variants...)

		off += int64(len(localHeaderMagic))
	}
}

// Bytes returns the raw archive, shared and immutable.
func (zr *ZipReader) Bytes() []byte { return zr.data }

// Close releases all opened entries.
func (zr *ZipReader) Close() error {
	for _, zf := range zr.File {
		zf.Close()
	}
	return nil
}

// Open prepares the entry for reading. Iterate its physical variants with
// for f.Next() { f.Read()... }.
func (zf *ZipReaderFile) Open() error {
	if zf.internalReader != nil {
		return errors.New("file is already opened")
	}

	if zf.zipEntry != nil {
		rc, err := zf.zipEntry.Open()
		if err != nil {
			return err
		}
		zf.curEntry = 0
		zf.internalReader = rc
		zf.internalCloser = rc
	} else {
		zf.curEntry = -1
	}
	return nil
}

// Next moves to the next physical entry under this name. Returns false when
// none remain.
func (zf *ZipReaderFile) Next() bool {
	if len(zf.variants) == 0 && zf.internalReader != nil {
		zf.curEntry++
		return zf.curEntry == 1
	}

	zf.Close()

	if zf.curEntry+1 >= len(zf.variants) {
		return false
	}
	zf.curEntry++
	return true
}

func (zf *ZipReaderFile) Read(p []byte) (int, error) {
	if zf.internalReader == nil {
		if zf.curEntry == -1 && !zf.Next() {
			return 0, io.ErrUnexpectedEOF
		}
		if zf.curEntry >= len(zf.variants) {
			return 0, io.ErrUnexpectedEOF
		}

		v := zf.variants[zf.curEntry]
		if v.offset > int64(len(zf.archive)) {
			return 0, io.ErrUnexpectedEOF
		}

		raw := bytes.NewReader(zf.archive[v.offset:])
		if v.method == zip.Store {
			zf.internalReader = raw
		} else {
			// Android treats everything but 0 as deflate.
			rc := newFlateReader(raw)
			zf.internalReader = rc
			zf.internalCloser = rc
		}
	}
	return zf.internalReader.Read(p)
}

// Close closes the currently opened physical entry. The file may be opened
// again afterwards.
func (zf *ZipReaderFile) Close() error {
	if zf.internalReader != nil {
		if zf.internalCloser != nil {
			zf.internalCloser.Close()
			zf.internalCloser = nil
		}
		zf.internalReader = nil
	}
	return nil
}

// ZipHeader returns the archive/zip header, nil for entries recovered from
// broken archives.
func (zf *ZipReaderFile) ZipHeader() *zip.FileHeader {
	if zf.zipEntry != nil {
		return &zf.zipEntry.FileHeader
	}
	return nil
}

// ReadAll opens the file, reads every physical variant until one decodes
// cleanly within limit, and closes it.
func (zf *ZipReaderFile) ReadAll(limit int64) ([]byte, error) {
	if err := zf.Open(); err != nil {
		return nil, err
	}
	defer zf.Close()

	var lastErr error
	for zf.Next() {
		data, err := io.ReadAll(io.LimitReader(zf, limit))
		if err == nil {
			return data, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		return nil, io.ErrUnexpectedEOF
	}
	return nil, lastErr
}

var flateReaderPool sync.Pool

func newFlateReader(r io.Reader) io.ReadCloser {
	fr, ok := flateReaderPool.Get().(io.ReadCloser)
	if ok {
		fr.(flate.Resetter).Reset(r, nil)
	} else {
		fr = flate.NewReader(r)
	}
	return &pooledFlateReader{fr: fr}
}

type pooledFlateReader struct {
	mu sync.Mutex // guards Close and Read
	fr io.ReadCloser
}

func (r *pooledFlateReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return 0, errors.New("read after close")
	}
	return r.fr.Read(p)
}

func (r *pooledFlateReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.fr != nil {
		err = r.fr.Close()
		flateReaderPool.Put(r.fr)
		r.fr = nil
	}
	return err
}
