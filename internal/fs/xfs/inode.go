package xfs

import (
	"encoding/binary"
	"time"

	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// On-disk inode magic "IN".
const inodeMagic = 0x494E

// Data-fork formats (di_format).
const (
	fmtDev     = 0
	fmtLocal   = 1
	fmtExtents = 2
	fmtBtree   = 3
)

// Literal-area offsets: v1/v2 inodes start the data fork at 100, v3 (CRC)
// inodes at 176.
const (
	forkOffsetV2 = 100
	forkOffsetV3 = 176
)

// Inode is the decoded xfs_dinode core plus its raw data fork.
type Inode struct {
	Magic      uint16
	Mode       uint16
	Version    uint8
	Format     uint8
	UID        uint32
	GID        uint32
	NLink      uint32
	AccessTime time.Time
	ModifyTime time.Time
	ChangeTime time.Time
	Size       uint64
	NBlocks    uint64
	ExtSize    uint32
	NExtents   uint32
	Flags      uint16
	Generation uint32
	// DataFork holds the raw literal area (inline payload, packed extent
	// records, or a B+tree root) sliced out of the inode buffer.
	DataFork []byte
}

// ParseInode decodes one inode slot. The caller hands the full inode-size
// buffer; the fork slice is bounded by the attribute fork offset when one
// is present.
func ParseInode(data []byte) (*Inode, error) {
	if len(data) < forkOffsetV2 {
		return nil, types.FormatErrorf("inode: %d bytes, need at least %d", len(data), forkOffsetV2)
	}

	be := binary.BigEndian
	ino := &Inode{
		Magic:      be.Uint16(data[0:2]),
		Mode:       be.Uint16(data[2:4]),
		Version:    data[4],
		Format:     data[5],
		UID:        be.Uint32(data[8:12]),
		GID:        be.Uint32(data[12:16]),
		NLink:      be.Uint32(data[16:20]),
		Size:       be.Uint64(data[56:64]),
		NBlocks:    be.Uint64(data[64:72]),
		ExtSize:    be.Uint32(data[72:76]),
		NExtents:   be.Uint32(data[76:80]),
		Flags:      be.Uint16(data[90:92]),
		Generation: be.Uint32(data[92:96]),
	}
	if ino.Magic != inodeMagic {
		return nil, types.FormatErrorf("inode: bad magic 0x%04X", ino.Magic)
	}
	if ino.Version == 1 {
		// v1 keeps the link count in di_onlink.
		ino.NLink = uint32(be.Uint16(data[6:8]))
	}

	ino.AccessTime = decodeTimestamp(data[32:40])
	ino.ModifyTime = decodeTimestamp(data[40:48])
	ino.ChangeTime = decodeTimestamp(data[48:56])

	forkStart := forkOffsetV2
	if ino.Version >= 3 {
		forkStart = forkOffsetV3
	}
	forkEnd := len(data)
	if forkOff := data[82]; forkOff != 0 {
		// di_forkoff counts 8-byte units from the literal area start.
		attrStart := forkStart + int(forkOff)*8
		if attrStart < forkEnd {
			forkEnd = attrStart
		}
	}
	if forkStart < len(data) {
		ino.DataFork = data[forkStart:forkEnd]
	}
	return ino, nil
}

func decodeTimestamp(b []byte) time.Time {
	sec := int64(int32(binary.BigEndian.Uint32(b[0:4])))
	nsec := int64(binary.BigEndian.Uint32(b[4:8]))
	return time.Unix(sec, nsec).UTC()
}

// FileType maps di_mode to the shared FileType classification.
func (ino *Inode) FileType() types.FileType {
	return types.FileTypeFromMode(uint32(ino.Mode))
}

// ExtentFormat maps di_format to the recorded metadata variant.
func (ino *Inode) ExtentFormat() types.XfsExtentFormat {
	switch ino.Format {
	case fmtLocal:
		return types.XfsFormatLocal
	case fmtBtree:
		return types.XfsFormatBtree
	default:
		return types.XfsFormatExtents
	}
}

// bmbtRec is one unpacked 128-bit extent record from a data fork or a
// B+tree leaf.
type bmbtRec struct {
	StartOff   uint64 // logical file offset, in blocks
	StartBlock uint64 // physical block number
	BlockCount uint64
	Unwritten  bool
}

// unpackExtent decodes the packed xfs_bmbt_rec layout: 1 flag bit, 54 bits
// of logical offset, 52 bits of physical block, 21 bits of length.
func unpackExtent(rec []byte) bmbtRec {
	be := binary.BigEndian
	l0 := be.Uint64(rec[0:8])
	l1 := be.Uint64(rec[8:16])
	return bmbtRec{
		Unwritten:  l0>>63 != 0,
		StartOff:   (l0 >> 9) & ((1 << 54) - 1),
		StartBlock: (l0&0x1FF)<<43 | l1>>21,
		BlockCount: l1 & ((1 << 21) - 1),
	}
}

// forkExtents decodes the packed extent list held directly in the data
// fork. The count comes from di_nextents, capped at the number of records
// the fork can hold.
func (ino *Inode) forkExtents() []bmbtRec {
	n := int(ino.NExtents)
	if n*16 > len(ino.DataFork) {
		n = len(ino.DataFork) / 16
	}
	recs := make([]bmbtRec, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, unpackExtent(ino.DataFork[i*16:i*16+16]))
	}
	return recs
}
