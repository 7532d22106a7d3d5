// Package btrfs recovers deleted files from Btrfs images by walking the
// tree of trees. All on-disk structures are little-endian; metadata blocks
// carry CRC32C checksums.
package btrfs

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// Superblock locations: primary plus two mirrors consulted when the
// primary fails its checksum.
const (
	superblockOffset  = 0x10000
	superblockMirror1 = 0x4000000
	superblockMirror2 = 0x4000000000
	superblockSize    = 4096
)

var superblockMagic = []byte("_BHRfS_M")

// Well-known tree object ids.
const (
	rootTreeID   = 1
	extentTreeID = 2
	chunkTreeID  = 3
	fsTreeID     = 5
	csumTreeID   = 7
)

// Item key types the engine consumes.
const (
	inodeItemKey  = 1
	inodeRefKey   = 12
	orphanItemKey = 48
	dirItemKey    = 84
	dirIndexKey   = 96
	extentDataKey = 108
	extentCsumKey = 128
	rootItemKey   = 132
	extentItemKey = 168
)

// Orphan items hang off this pseudo-objectid (-5).
const orphanObjectID = 0xFFFFFFFFFFFFFFFB

// Checksum-tree entries hang off this pseudo-objectid (-10).
const csumObjectID = 0xFFFFFFFFFFFFFFF6

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc32c is the checksum Btrfs stores for metadata blocks and data extents.
func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Superblock carries the btrfs_super_block fields the engine consumes.
type Superblock struct {
	FSID           [16]byte
	Magic          [8]byte
	Generation     uint64
	RootTreeRoot   uint64 // logical bytenr of the root-tree root node
	ChunkTreeRoot  uint64 // logical bytenr of the chunk-tree root node
	TotalBytes     uint64
	BytesUsed      uint64
	SectorSize     uint32
	NodeSize       uint32
	SysChunkSize   uint32
	RootLevel      uint8
	ChunkRootLevel uint8
	SysChunkArray  []byte
}

// parseSuperblock decodes one superblock copy and verifies its CRC32C,
// which covers everything after the 32-byte checksum field.
func parseSuperblock(data []byte) (*Superblock, error) {
	if len(data) < superblockSize {
		return nil, types.FormatErrorf("superblock: %d bytes, need %d", len(data), superblockSize)
	}
	le := binary.LittleEndian

	stored := le.Uint32(data[0:4])
	if computed := crc32c(data[32:superblockSize]); computed != stored {
		return nil, types.FormatErrorf("superblock: checksum 0x%08X, computed 0x%08X", stored, computed)
	}

	sb := &Superblock{
		Generation:     le.Uint64(data[72:80]),
		RootTreeRoot:   le.Uint64(data[80:88]),
		ChunkTreeRoot:  le.Uint64(data[88:96]),
		TotalBytes:     le.Uint64(data[112:120]),
		BytesUsed:      le.Uint64(data[120:128]),
		SectorSize:     le.Uint32(data[144:148]),
		NodeSize:       le.Uint32(data[148:152]),
		SysChunkSize:   le.Uint32(data[160:164]),
		RootLevel:      data[198],
		ChunkRootLevel: data[199],
	}
	copy(sb.FSID[:], data[32:48])
	copy(sb.Magic[:], data[64:72])

	if string(sb.Magic[:]) != string(superblockMagic) {
		return nil, types.FormatErrorf("superblock: bad magic %q", sb.Magic[:])
	}
	if sb.NodeSize < 4096 || sb.NodeSize > 65536 {
		return nil, types.FormatErrorf("superblock: node size %d outside [4096, 65536]", sb.NodeSize)
	}
	if sb.SectorSize == 0 || sb.SectorSize > sb.NodeSize {
		return nil, types.FormatErrorf("superblock: sector size %d", sb.SectorSize)
	}

	const sysChunkArrayOffset = 811
	maxArray := uint32(superblockSize - sysChunkArrayOffset)
	if sb.SysChunkSize > maxArray {
		return nil, types.FormatErrorf("superblock: sys chunk array size %d exceeds %d", sb.SysChunkSize, maxArray)
	}
	sb.SysChunkArray = make([]byte, sb.SysChunkSize)
	copy(sb.SysChunkArray, data[sysChunkArrayOffset:sysChunkArrayOffset+int(sb.SysChunkSize)])

	return sb, nil
}
