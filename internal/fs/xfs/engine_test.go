package xfs

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/SaneDevelopers/GhostFS/internal/device"
	"github.com/SaneDevelopers/GhostFS/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test geometry: one AG of 64 4 KiB blocks, 256-byte inodes, 16 per block.
const (
	tBlockSize  = 4096
	tSectorSize = 512
	tInodeSize  = 256
	tInopBlock  = 16
	tAgBlocks   = 64
	tRootInode  = 48 // block 3, slot 0
)

// testImage builds a minimal XFS image: superblock, AGI, a root directory
// with one entry, and whatever inodes the caller injects.
type testImage struct {
	data []byte
}

func newTestImage() *testImage {
	img := &testImage{data: make([]byte, tAgBlocks*tBlockSize)}
	img.writeSuperblock()
	img.writeAGI()
	return img
}

func (ti *testImage) writeSuperblock() {
	be := binary.BigEndian
	sb := ti.data[:512]
	be.PutUint32(sb[0:4], superblockMagic)
	be.PutUint32(sb[4:8], tBlockSize)
	be.PutUint64(sb[8:16], tAgBlocks) // dblocks
	be.PutUint64(sb[56:64], tRootInode)
	be.PutUint32(sb[84:88], tAgBlocks) // agblocks
	be.PutUint32(sb[88:92], 1)         // agcount
	be.PutUint16(sb[100:102], 4)       // versionnum
	be.PutUint16(sb[102:104], tSectorSize)
	be.PutUint16(sb[104:106], tInodeSize)
	be.PutUint16(sb[106:108], tInopBlock)
	sb[120] = 12 // blocklog
	sb[121] = 9  // sectlog
	sb[122] = 8  // inodelog
	sb[123] = 4  // inopblog
	sb[124] = 6  // agblklog
}

func (ti *testImage) writeAGI() {
	binary.BigEndian.PutUint32(ti.data[2*tSectorSize:], agiMagic)
}

// inodeSpec describes one injected inode slot.
type inodeSpec struct {
	agInode  uint32
	mode     uint16
	nlink    uint32
	gen      uint32
	size     uint64
	format   uint8
	nextents uint32
	mtime    uint32
	fork     []byte
}

func (ti *testImage) writeInode(spec inodeSpec) {
	block := spec.agInode / tInopBlock
	slot := spec.agInode % tInopBlock
	off := int(block)*tBlockSize + int(slot)*tInodeSize
	be := binary.BigEndian
	buf := ti.data[off : off+tInodeSize]

	be.PutUint16(buf[0:2], inodeMagic)
	be.PutUint16(buf[2:4], spec.mode)
	buf[4] = 2 // version
	buf[5] = spec.format
	be.PutUint32(buf[16:20], spec.nlink)
	be.PutUint32(buf[40:44], spec.mtime) // mtime sec
	be.PutUint32(buf[48:52], spec.mtime) // ctime sec
	be.PutUint64(buf[56:64], spec.size)
	be.PutUint32(buf[76:80], spec.nextents)
	be.PutUint32(buf[92:96], spec.gen)
	copy(buf[forkOffsetV2:], spec.fork)
}

// packExtent encodes a bmbt record: (logical block, physical block, count).
func packExtent(startOff, startBlock, count uint64) []byte {
	l0 := startOff<<9 | startBlock>>43
	l1 := startBlock<<21 | count
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[0:8], l0)
	binary.BigEndian.PutUint64(out[8:16], l1)
	return out
}

// shortFormDir encodes a short-form directory fork with 4-byte inode
// numbers.
func shortFormDir(parent uint32, entries map[string]uint32) []byte {
	out := []byte{byte(len(entries)), 0}
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], parent)
	out = append(out, p[:]...)
	for name, ino := range entries {
		out = append(out, byte(len(name)), 0, 0)
		out = append(out, name...)
		var e [4]byte
		binary.BigEndian.PutUint32(e[:], ino)
		out = append(out, e[:]...)
	}
	return out
}

func (ti *testImage) writeRootDir(entries map[string]uint32) {
	ti.writeInode(inodeSpec{
		agInode: tRootInode,
		mode:    0x41ED, // drwxr-xr-x
		nlink:   2,
		gen:     1,
		format:  fmtLocal,
		fork:    shortFormDir(tRootInode, entries),
	})
}

func (ti *testImage) reader() device.Reader { return device.NewBytesImage(ti.data) }

func TestParseSuperblock(t *testing.T) {
	ti := newTestImage()
	sb, err := ParseSuperblock(ti.data[:512])
	require.NoError(t, err)

	assert.Equal(t, uint32(tBlockSize), sb.BlockSize)
	assert.Equal(t, uint32(1), sb.AgCount)
	assert.Equal(t, uint64(tRootInode), sb.RootInode)
	assert.Equal(t, uint64(tAgBlocks*tInopBlock), sb.InodesPerAG())
}

func TestParseSuperblockRejectsBadGeometry(t *testing.T) {
	ti := newTestImage()

	bad := make([]byte, 512)
	copy(bad, ti.data[:512])
	binary.BigEndian.PutUint32(bad[4:8], 256) // block size below floor
	_, err := ParseSuperblock(bad)
	assert.Error(t, err)

	copy(bad, ti.data[:512])
	binary.BigEndian.PutUint32(bad[88:92], 0) // zero AGs
	_, err = ParseSuperblock(bad)
	assert.Error(t, err)

	copy(bad, ti.data[:512])
	copy(bad[0:4], "EXT4")
	_, err = ParseSuperblock(bad)
	assert.Error(t, err)
}

func TestScanFindsDeletedFile(t *testing.T) {
	ti := newTestImage()
	ti.writeRootDir(map[string]uint32{"report.txt": 49})
	ti.writeInode(inodeSpec{
		agInode:  49,
		mode:     0x81A4, // -rw-r--r--
		nlink:    0,
		gen:      7,
		size:     tBlockSize,
		format:   fmtExtents,
		nextents: 1,
		mtime:    1700000000,
		fork:     packExtent(0, 16, 1),
	})
	// File payload in block 16.
	for i := 0; i < tBlockSize; i++ {
		ti.data[16*tBlockSize+i] = 'A'
	}

	eng, err := NewEngine(ti.reader())
	require.NoError(t, err)

	cands, err := eng.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, uint64(49), c.NativeID)
	assert.Equal(t, "/report.txt", c.OriginalPath)
	assert.Equal(t, uint64(tBlockSize), c.Size)
	assert.Equal(t, types.FileTypeRegular, c.FileType)
	require.Len(t, c.Extents, 1)
	assert.Equal(t, uint64(16), c.Extents[0].Start)
	assert.Equal(t, uint64(1), c.Extents[0].Count)

	require.NotNil(t, c.FsMetadata.Xfs)
	assert.Equal(t, uint32(7), c.FsMetadata.Xfs.InodeGeneration)
	assert.Equal(t, uint32(0), c.FsMetadata.Xfs.AgIndex)
	assert.Equal(t, uint32(49), c.FsMetadata.Xfs.AgInodeNumber)
	assert.Equal(t, types.XfsFormatExtents, c.FsMetadata.Xfs.ExtentFormat)
	require.NotNil(t, c.DeletionTime)
}

func TestScanIgnoresLiveInodes(t *testing.T) {
	ti := newTestImage()
	ti.writeRootDir(map[string]uint32{"live.txt": 49})
	ti.writeInode(inodeSpec{
		agInode:  49,
		mode:     0x81A4,
		nlink:    1, // still linked
		gen:      3,
		size:     512,
		format:   fmtExtents,
		nextents: 1,
		fork:     packExtent(0, 16, 1),
	})

	eng, err := NewEngine(ti.reader())
	require.NoError(t, err)
	cands, err := eng.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestScanLocalFormatInline(t *testing.T) {
	ti := newTestImage()
	ti.writeRootDir(map[string]uint32{})
	payload := []byte("inline file contents")
	ti.writeInode(inodeSpec{
		agInode: 50,
		mode:    0x81A4,
		nlink:   0,
		gen:     2,
		size:    uint64(len(payload)),
		format:  fmtLocal,
		fork:    payload,
	})

	eng, err := NewEngine(ti.reader())
	require.NoError(t, err)
	cands, err := eng.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)

	require.Len(t, cands[0].Extents, 1)
	assert.Equal(t, payload, cands[0].Extents[0].Inline)
	assert.Equal(t, types.XfsFormatLocal, cands[0].FsMetadata.Xfs.ExtentFormat)
}

func TestScanDropsOutOfBoundsExtent(t *testing.T) {
	ti := newTestImage()
	ti.writeRootDir(map[string]uint32{})
	ti.writeInode(inodeSpec{
		agInode:  51,
		mode:     0x81A4,
		nlink:    0,
		gen:      4,
		size:     tBlockSize,
		format:   fmtExtents,
		nextents: 1,
		fork:     packExtent(0, 5000, 1), // beyond 64-block filesystem
	})

	eng, err := NewEngine(ti.reader())
	require.NoError(t, err)
	cands, err := eng.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)

	assert.Empty(t, cands[0].Extents)
	assert.Equal(t, uint32(1), cands[0].BadExtents)
}

func TestScanKeepsOverlappingExtentsForScoring(t *testing.T) {
	ti := newTestImage()
	ti.writeRootDir(map[string]uint32{})
	fork := append(packExtent(0, 20, 10), packExtent(10, 25, 10)...)
	ti.writeInode(inodeSpec{
		agInode:  52,
		mode:     0x81A4,
		nlink:    0,
		gen:      5,
		size:     20 * tBlockSize,
		format:   fmtExtents,
		nextents: 2,
		fork:     fork,
	})

	eng, err := NewEngine(ti.reader())
	require.NoError(t, err)
	cands, err := eng.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)

	require.Len(t, cands[0].Extents, 2)
	assert.True(t, cands[0].Extents[0].Overlaps(cands[0].Extents[1]))
}

func TestScanCancellation(t *testing.T) {
	ti := newTestImage()
	ti.writeRootDir(map[string]uint32{})

	eng, err := NewEngine(ti.reader())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eng.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanBtreeFormatExtents(t *testing.T) {
	ti := newTestImage()
	ti.writeRootDir(map[string]uint32{})

	// B+tree root in the fork: level 1, one pointer to a leaf in block 20.
	fork := make([]byte, tInodeSize-forkOffsetV2)
	binary.BigEndian.PutUint16(fork[0:2], 1) // level
	binary.BigEndian.PutUint16(fork[2:4], 1) // numrecs
	maxrecs := (len(fork) - 4) / 16
	binary.BigEndian.PutUint64(fork[4+maxrecs*8:], 20)

	// Leaf node in block 20: two records.
	leaf := ti.data[20*tBlockSize : 21*tBlockSize]
	binary.BigEndian.PutUint32(leaf[0:4], bmapMagic)
	binary.BigEndian.PutUint16(leaf[4:6], 0) // level
	binary.BigEndian.PutUint16(leaf[6:8], 2) // numrecs
	copy(leaf[lblockLenV4:], packExtent(0, 30, 2))
	copy(leaf[lblockLenV4+16:], packExtent(2, 40, 1))

	ti.writeInode(inodeSpec{
		agInode:  53,
		mode:     0x81A4,
		nlink:    0,
		gen:      6,
		size:     3 * tBlockSize,
		format:   fmtBtree,
		nextents: 3,
		fork:     fork,
	})

	eng, err := NewEngine(ti.reader())
	require.NoError(t, err)
	cands, err := eng.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	require.Len(t, c.Extents, 2)
	assert.Equal(t, uint64(30), c.Extents[0].Start)
	assert.Equal(t, uint64(2), c.Extents[0].Count)
	assert.Equal(t, uint64(40), c.Extents[1].Start)
	assert.Equal(t, types.XfsFormatBtree, c.FsMetadata.Xfs.ExtentFormat)
}

func TestUnpackExtent(t *testing.T) {
	rec := packExtent(7, 1024, 33)
	got := unpackExtent(rec)
	assert.Equal(t, uint64(7), got.StartOff)
	assert.Equal(t, uint64(1024), got.StartBlock)
	assert.Equal(t, uint64(33), got.BlockCount)
	assert.False(t, got.Unwritten)
}

func TestParseDirDataBlockV2(t *testing.T) {
	buf := make([]byte, tBlockSize)
	be := binary.BigEndian
	be.PutUint32(buf[0:4], dir2BlockMagic)

	// One entry: inode 77, "notes.md".
	off := dir2HdrLen
	be.PutUint64(buf[off:], 77)
	buf[off+8] = 8
	copy(buf[off+9:], "notes.md")

	entries := parseDirDataBlock(buf, 48)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(77), entries[0].inode)
	assert.Equal(t, "notes.md", entries[0].name)
}

func TestParseDirDataBlockRejectsUnknownMagic(t *testing.T) {
	buf := make([]byte, 64)
	assert.Empty(t, parseDirDataBlock(buf, 48))
}

// buildDir3Block assembles an XDB3 data block with one entry and a correct
// header checksum.
func buildDir3Block(name string, inum uint64) []byte {
	buf := make([]byte, tBlockSize)
	be := binary.BigEndian
	be.PutUint32(buf[0:4], dir3BlockMagic)

	off := dir3HdrLen
	be.PutUint64(buf[off:], inum)
	buf[off+8] = byte(len(name))
	copy(buf[off+9:], name)
	// ftype byte and the tag follow the name; zeroes suffice.

	scratch := append([]byte(nil), buf...)
	scratch[dir3CrcOffset], scratch[dir3CrcOffset+1], scratch[dir3CrcOffset+2], scratch[dir3CrcOffset+3] = 0, 0, 0, 0
	binary.LittleEndian.PutUint32(buf[dir3CrcOffset:], crc32Checksum(scratch))
	return buf
}

func crc32Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

func TestParseDirDataBlockV3ValidChecksum(t *testing.T) {
	buf := buildDir3Block("ledger.db", 91)

	entries := parseDirDataBlock(buf, 48)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(91), entries[0].inode)
	assert.Equal(t, "ledger.db", entries[0].name)
}

func TestParseDirDataBlockV3ChecksumMismatchIsOpaque(t *testing.T) {
	buf := buildDir3Block("ledger.db", 91)
	buf[dir3HdrLen+3] ^= 0xFF // corrupt an entry byte past the header

	assert.Empty(t, parseDirDataBlock(buf, 48))
}
