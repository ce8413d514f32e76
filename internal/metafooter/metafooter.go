// Package metafooter encodes and decodes the self-describing chunk-meta
// footer (§3 "Chunk": "Blob chunks additionally carry a lazily-loaded
// chunk-meta blob (self-describing footer: block index, boundary keys,
// misc extensions)"). The wire format uses the shared 4-byte
// format.Header framing (signature/type/version/flags) that every
// on-disk format in this tree starts with.
package metafooter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"datanode/internal/format"
)

const currentVersion = 0x01

// compressThreshold is the smallest body size worth paying zstd's frame
// overhead for. Footers for chunks with only a handful of blocks are
// smaller uncompressed once the frame header is counted.
const compressThreshold = 256

var (
	ErrTruncated = errors.New("chunk-meta footer truncated")
)

// zstdEnc and zstdDec are package-level, concurrent-safe per the zstd
// docs, and shared by every Encode/Decode call for the process lifetime.
var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("metafooter: init zstd encoder: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("metafooter: init zstd decoder: " + err.Error())
	}
}

// BlockEntry records one block's placement within the chunk's .data file.
type BlockEntry struct {
	Offset uint64
	Size   uint32
}

// Footer is the decoded form of a chunk-meta blob.
type Footer struct {
	Blocks      []BlockEntry
	BoundaryMin []byte // smallest boundary key observed, may be empty
	BoundaryMax []byte // largest boundary key observed, may be empty
	Extensions  map[string][]byte
}

// Encode serializes a Footer to its on-disk representation.
//
// Layout (all integers little-endian):
//
//	header (4 bytes, format.Header{Type: TypeChunkMeta, Version: 1})
//	body, zstd-compressed when format.FlagCompressed is set and at least
//	compressThreshold bytes uncompressed:
//	  blockCount (4 bytes)
//	    per block: offset (8 bytes), size (4 bytes)
//	  boundaryMinLen (4 bytes), boundaryMin bytes
//	  boundaryMaxLen (4 bytes), boundaryMax bytes
//	  extensionCount (4 bytes)
//	    per extension: tagLen (2 bytes), tag bytes, valueLen (4 bytes), value bytes
func Encode(f Footer) []byte {
	body := encodeBody(f)

	h := format.Header{Type: format.TypeChunkMeta, Version: currentVersion}
	if len(body) >= compressThreshold {
		h.Flags |= format.FlagCompressed
		body = zstdEnc.EncodeAll(body, nil)
	}

	buf := make([]byte, format.HeaderSize+len(body))
	h.EncodeInto(buf)
	copy(buf[format.HeaderSize:], body)
	return buf
}

func encodeBody(f Footer) []byte {
	size := 4 + len(f.Blocks)*(8+4)
	size += 4 + len(f.BoundaryMin)
	size += 4 + len(f.BoundaryMax)
	size += 4
	for tag, val := range f.Extensions {
		size += 2 + len(tag) + 4 + len(val)
	}

	buf := make([]byte, size)
	cursor := 0

	binary.LittleEndian.PutUint32(buf[cursor:], uint32(len(f.Blocks))) //nolint:gosec // block counts bounded well under 2^32
	cursor += 4
	for _, b := range f.Blocks {
		binary.LittleEndian.PutUint64(buf[cursor:], b.Offset)
		cursor += 8
		binary.LittleEndian.PutUint32(buf[cursor:], b.Size)
		cursor += 4
	}

	cursor = putBytes(buf, cursor, f.BoundaryMin)
	cursor = putBytes(buf, cursor, f.BoundaryMax)

	binary.LittleEndian.PutUint32(buf[cursor:], uint32(len(f.Extensions))) //nolint:gosec // extension counts are small
	cursor += 4
	for tag, val := range f.Extensions {
		binary.LittleEndian.PutUint16(buf[cursor:], uint16(len(tag))) //nolint:gosec // tag length bounded by call sites
		cursor += 2
		cursor += copy(buf[cursor:], tag)
		cursor = putBytes(buf, cursor, val)
	}
	return buf
}

func putBytes(buf []byte, cursor int, data []byte) int {
	binary.LittleEndian.PutUint32(buf[cursor:], uint32(len(data))) //nolint:gosec // lengths bounded by call sites
	cursor += 4
	cursor += copy(buf[cursor:], data)
	return cursor
}

// Decode parses a chunk-meta blob produced by Encode. extensionTags, if
// non-nil, filters the returned Extensions to only the requested tags
// (§6 GetChunkMeta "extension_tags?").
func Decode(buf []byte, extensionTags map[string]bool) (Footer, error) {
	if len(buf) < format.HeaderSize {
		return Footer{}, ErrTruncated
	}
	h, err := format.DecodeAndValidate(buf, format.TypeChunkMeta, currentVersion)
	if err != nil {
		return Footer{}, fmt.Errorf("chunk-meta footer: %w", err)
	}

	buf = buf[format.HeaderSize:]
	if h.Flags&format.FlagCompressed != 0 {
		buf, err = zstdDec.DecodeAll(buf, nil)
		if err != nil {
			return Footer{}, fmt.Errorf("chunk-meta footer: decompress: %w", err)
		}
	}
	if len(buf) < 4 {
		return Footer{}, ErrTruncated
	}
	cursor := 0

	blockCount := int(binary.LittleEndian.Uint32(buf[cursor:]))
	cursor += 4
	blocks := make([]BlockEntry, 0, blockCount)
	for range blockCount {
		if cursor+12 > len(buf) {
			return Footer{}, ErrTruncated
		}
		offset := binary.LittleEndian.Uint64(buf[cursor:])
		cursor += 8
		size := binary.LittleEndian.Uint32(buf[cursor:])
		cursor += 4
		blocks = append(blocks, BlockEntry{Offset: offset, Size: size})
	}

	minKey, cursor, err := getBytes(buf, cursor)
	if err != nil {
		return Footer{}, err
	}
	maxKey, cursor, err := getBytes(buf, cursor)
	if err != nil {
		return Footer{}, err
	}

	if cursor+4 > len(buf) {
		return Footer{}, ErrTruncated
	}
	extCount := int(binary.LittleEndian.Uint32(buf[cursor:]))
	cursor += 4
	extensions := make(map[string][]byte)
	for range extCount {
		if cursor+2 > len(buf) {
			return Footer{}, ErrTruncated
		}
		tagLen := int(binary.LittleEndian.Uint16(buf[cursor:]))
		cursor += 2
		if cursor+tagLen > len(buf) {
			return Footer{}, ErrTruncated
		}
		tag := string(buf[cursor : cursor+tagLen])
		cursor += tagLen
		val, next, err := getBytes(buf, cursor)
		if err != nil {
			return Footer{}, err
		}
		cursor = next
		if extensionTags == nil || extensionTags[tag] {
			extensions[tag] = val
		}
	}

	return Footer{Blocks: blocks, BoundaryMin: minKey, BoundaryMax: maxKey, Extensions: extensions}, nil
}

func getBytes(buf []byte, cursor int) ([]byte, int, error) {
	if cursor+4 > len(buf) {
		return nil, 0, ErrTruncated
	}
	n := int(binary.LittleEndian.Uint32(buf[cursor:]))
	cursor += 4
	if cursor+n > len(buf) {
		return nil, 0, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, buf[cursor:cursor+n])
	return out, cursor + n, nil
}
