package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// On-disk layout per collection directory.
const (
	indexFileName = "index"
	metaFileName  = "meta"
	lockFileName  = ".lock"

	// Version 2 stamps a write generation into both headers. Version 1
	// files still load, with generation 0.
	formatVersion       uint16 = 2
	legacyFormatVersion uint16 = 1

	flagZstd uint8 = 1 << 0
)

var (
	indexMagic = [4]byte{'S', 'B', 'I', 'X'}
	metaMagic  = [4]byte{'S', 'B', 'M', 'T'}
)

// errCorrupt marks files that exist but cannot be trusted.
var errCorrupt = errors.New("collection files are corrupt")

// indexHeader follows the magic and the version in the index file.
type indexHeader struct {
	Backend   uint8
	Dimension uint32
	Count     uint64
}

// metaHeaderSize covers magic, version, flags and generation.
const metaHeaderSize = 4 + 2 + 1 + 8

// metaPayload is the gob-encoded metadata blob. It is the single source of
// truth for the external/internal id mapping and the key counter.
type metaPayload struct {
	Dimension int
	NextKey   uint64
	IDToKey   map[string]uint64
	Documents map[uint64]string
	Metadatas map[uint64]Metadata
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// encodeIndex renders the complete index file including the CRC32 trailer.
// gen is the write generation shared with the meta file of the same persist.
func encodeIndex(idx VectorIndex, dim int, gen uint64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(indexMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, formatVersion)
	hdr := indexHeader{
		Backend:   backendTag(idx),
		Dimension: uint32(dim),
		Count:     uint64(idx.Len()),
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.LittleEndian, gen)
	if err := idx.Encode(&buf); err != nil {
		return nil, err
	}
	return appendChecksum(buf.Bytes()), nil
}

// decodedIndex is a parsed index file.
type decodedIndex struct {
	index      VectorIndex
	backend    string
	generation uint64
}

// decodeIndex parses an index file. Structural problems wrap errCorrupt.
func decodeIndex(data []byte, dim int) (*decodedIndex, error) {
	body, err := verifyChecksum(data, indexMagic)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body)
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: index version: %v", errCorrupt, err)
	}
	if version != formatVersion && version != legacyFormatVersion {
		return nil, fmt.Errorf("%w: unsupported index version %d", errCorrupt, version)
	}
	var hdr indexHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: index header: %v", errCorrupt, err)
	}
	var gen uint64
	if version >= formatVersion {
		if err := binary.Read(r, binary.LittleEndian, &gen); err != nil {
			return nil, fmt.Errorf("%w: index generation: %v", errCorrupt, err)
		}
	}
	if int(hdr.Dimension) != dim {
		return nil, fmt.Errorf("%w: index dimension %d, expected %d", errCorrupt, hdr.Dimension, dim)
	}
	backend, ok := backendForTag(hdr.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend tag %d", errCorrupt, hdr.Backend)
	}

	idx, err := newIndex(backend, dim)
	if err != nil {
		return nil, err
	}
	if err := idx.Decode(r); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if uint64(idx.Len()) != hdr.Count {
		return nil, fmt.Errorf("%w: index holds %d vectors, header says %d", errCorrupt, idx.Len(), hdr.Count)
	}
	return &decodedIndex{index: idx, backend: backend, generation: gen}, nil
}

// encodeMeta renders the complete meta file including the CRC32 trailer.
func encodeMeta(p *metaPayload, compress bool, gen uint64) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(p); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	var flags uint8
	blob := payload.Bytes()
	if compress {
		enc := getZstdEncoder()
		blob = enc.EncodeAll(blob, nil)
		zstdEncoderPool.Put(enc)
		flags |= flagZstd
	}

	var buf bytes.Buffer
	buf.Write(metaMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, formatVersion)
	buf.WriteByte(flags)
	_ = binary.Write(&buf, binary.LittleEndian, gen)
	buf.Write(blob)
	return appendChecksum(buf.Bytes()), nil
}

// decodeMeta parses a meta file, transparently handling compression. It
// returns the payload and the write generation.
func decodeMeta(data []byte) (*metaPayload, uint64, error) {
	body, err := verifyChecksum(data, metaMagic)
	if err != nil {
		return nil, 0, err
	}
	if len(body) < 3 {
		return nil, 0, fmt.Errorf("%w: meta header truncated", errCorrupt)
	}
	version := binary.LittleEndian.Uint16(body[:2])
	flags := body[2]
	var gen uint64
	var blob []byte
	switch version {
	case formatVersion:
		if len(body) < 11 {
			return nil, 0, fmt.Errorf("%w: meta header truncated", errCorrupt)
		}
		gen = binary.LittleEndian.Uint64(body[3:11])
		blob = body[11:]
	case legacyFormatVersion:
		blob = body[3:]
	default:
		return nil, 0, fmt.Errorf("%w: unsupported meta version %d", errCorrupt, version)
	}

	if flags&flagZstd != 0 {
		dec := getZstdDecoder()
		blob, err = dec.DecodeAll(blob, nil)
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: decompress metadata: %v", errCorrupt, err)
		}
	}

	var p metaPayload
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&p); err != nil {
		return nil, 0, fmt.Errorf("%w: decode metadata: %v", errCorrupt, err)
	}
	if p.IDToKey == nil {
		p.IDToKey = make(map[string]uint64)
	}
	if p.Documents == nil {
		p.Documents = make(map[uint64]string)
	}
	if p.Metadatas == nil {
		p.Metadatas = make(map[uint64]Metadata)
	}
	return &p, gen, nil
}

// readMetaGeneration reads the write generation from the meta file header
// without verifying the rest of the file. A missing file reports
// os.ErrNotExist.
func readMetaGeneration(dir string) (uint64, error) {
	f, err := os.Open(filepath.Join(dir, metaFileName))
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var hdr [metaHeaderSize]byte
	n, err := io.ReadFull(f, hdr[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("%w: read meta header: %v", errCorrupt, err)
	}
	if n < 7 || !bytes.Equal(hdr[:4], metaMagic[:]) {
		return 0, fmt.Errorf("%w: meta header truncated", errCorrupt)
	}
	switch binary.LittleEndian.Uint16(hdr[4:6]) {
	case formatVersion:
		if n < metaHeaderSize {
			return 0, fmt.Errorf("%w: meta header truncated", errCorrupt)
		}
		return binary.LittleEndian.Uint64(hdr[7:15]), nil
	case legacyFormatVersion:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: unsupported meta version", errCorrupt)
	}
}

func appendChecksum(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

// verifyChecksum checks magic and trailer and returns the bytes between them.
func verifyChecksum(data []byte, magic [4]byte) ([]byte, error) {
	if len(data) < len(magic)+4 {
		return nil, fmt.Errorf("%w: file truncated", errCorrupt)
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", errCorrupt, data[:4])
	}
	split := len(data) - 4
	want := binary.LittleEndian.Uint32(data[split:])
	if got := crc32.ChecksumIEEE(data[:split]); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (got %08x, want %08x)", errCorrupt, got, want)
	}
	return data[4:split], nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path. The result is world-readable like any file created
// with os.WriteFile.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
