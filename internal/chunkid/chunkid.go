// Package chunkid defines the 128-bit chunk identifier and the block
// identifier used to address blocks within a chunk.
//
// A chunk id encodes, at fixed bit positions, the object type (regular
// blob chunk, erasure-part chunk, journal chunk, erasure-journal-part
// chunk) and the originating cell. The remaining bits are random,
// generated via google/uuid and truncated to the payload that doesn't
// overlap the type/cell header.
package chunkid

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ObjectType is the kind of object a ChunkID refers to, encoded in its
// top 2 bits.
type ObjectType uint8

const (
	BlobChunk ObjectType = iota
	ErasurePartChunk
	JournalChunk
	ErasureJournalPartChunk
)

func (t ObjectType) String() string {
	switch t {
	case BlobChunk:
		return "blob"
	case ErasurePartChunk:
		return "erasure-part"
	case JournalChunk:
		return "journal"
	case ErasureJournalPartChunk:
		return "erasure-journal-part"
	default:
		return "unknown"
	}
}

// CellID identifies the cluster cell a chunk originated in. Encoded in
// 14 bits (0..16383).
type CellID uint16

const maxCellID = 1<<14 - 1

var ErrCellIDTooLarge = errors.New("cell id exceeds 14 bits")

// ChunkID is a 128-bit identifier. Byte 0 holds the object type (top 2
// bits) and the high 6 bits of the cell id; byte 1 holds the low 8 bits
// of the cell id; byte 2 is an 8-bit part/reserved field; the remaining
// 13 bytes come from a random UUID.
type ChunkID [16]byte

// chunkIDEncoding is base32hex (RFC 4648) lowercase without padding, so
// encoded ids stay lexicographically sortable and filesystem-safe.
var chunkIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

var ErrInvalidChunkIDLength = errors.New("invalid chunk id length")

// New creates a fresh ChunkID of the given object type and cell.
// The random payload comes from a UUIDv4 (via google/uuid); its first
// three bytes are overwritten by the header, and its version/variant
// bits are kept as they are.
func New(objType ObjectType, cell CellID) (ChunkID, error) {
	if cell > maxCellID {
		return ChunkID{}, ErrCellIDTooLarge
	}
	raw := uuid.New()
	var id ChunkID
	copy(id[:], raw[:])
	stampHeader(&id, objType, cell, 0)
	return id, nil
}

// DeriveErasurePartID derives a part chunk id from a parent chunk id and
// a small part index. The parent's random payload is preserved; only the
// object type (bumped to the erasure variant of the parent's kind) and
// the part index (stored in the reserved byte) change.
func DeriveErasurePartID(parent ChunkID, part uint8) ChunkID {
	id := parent
	objType := parent.ObjectType()
	switch objType {
	case JournalChunk, ErasureJournalPartChunk:
		objType = ErasureJournalPartChunk
	default:
		objType = ErasurePartChunk
	}
	stampHeader(&id, objType, parent.CellID(), part)
	return id
}

func stampHeader(id *ChunkID, objType ObjectType, cell CellID, part uint8) {
	id[0] = byte(objType)<<6 | byte(cell>>8&0x3f)
	id[1] = byte(cell & 0xff)
	id[2] = part
}

// ObjectType returns the object type encoded in the id.
func (id ChunkID) ObjectType() ObjectType {
	return ObjectType(id[0] >> 6)
}

// CellID returns the originating cell encoded in the id.
func (id ChunkID) CellID() CellID {
	return CellID(id[0]&0x3f)<<8 | CellID(id[1])
}

// PartIndex returns the erasure part index stamped into the id. Only
// meaningful for ErasurePartChunk / ErasureJournalPartChunk ids.
func (id ChunkID) PartIndex() uint8 {
	return id[2]
}

// LowByte returns the id's low byte, used by the location manager to
// compute the fan-out sub-directory ("hh" in the on-disk layout).
func (id ChunkID) LowByte() byte {
	return id[len(id)-1]
}

// String returns the 26-character lowercase base32hex representation.
func (id ChunkID) String() string {
	return strings.ToLower(chunkIDEncoding.EncodeToString(id[:]))
}

// Parse parses a 26-character base32hex string into a ChunkID.
func Parse(value string) (ChunkID, error) {
	if len(value) != 26 {
		return ChunkID{}, fmt.Errorf("%w: %d (want 26)", ErrInvalidChunkIDLength, len(value))
	}
	decoded, err := chunkIDEncoding.DecodeString(strings.ToUpper(value))
	if err != nil {
		return ChunkID{}, fmt.Errorf("invalid chunk id: %w", err)
	}
	var id ChunkID
	copy(id[:], decoded)
	return id, nil
}

// BlockID addresses one block within a chunk.
type BlockID struct {
	ChunkID ChunkID
	Index   uint32
}

func (b BlockID) String() string {
	return fmt.Sprintf("%s/%d", b.ChunkID, b.Index)
}

// Less orders BlockIDs by chunk id then index, used by window bookkeeping.
func (b BlockID) Less(other BlockID) bool {
	if b.ChunkID != other.ChunkID {
		return string(b.ChunkID[:]) < string(other.ChunkID[:])
	}
	return b.Index < other.Index
}
