package xfs

import (
	"encoding/binary"
	"hash/crc32"
	"path"

	"github.com/containerd/log"

	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// Directory data-block magics: "XD2B" (v2) and "XDB3" (v3 with CRC).
const (
	dir2BlockMagic = 0x58443242
	dir3BlockMagic = 0x58444233
)

// Data-block header lengths for the two variants.
const (
	dir2HdrLen = 16
	dir3HdrLen = 64
)

// Unused-entry tag in directory data blocks.
const dirFreeTag = 0xFFFF

// XDB3 headers store a CRC32C at offset 4, little-endian, computed over
// the whole block with the CRC field zeroed.
const dir3CrcOffset = 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// verifyDir3Crc recomputes the XDB3 block checksum. v5 metadata checksums
// are CRC32C even though the rest of XFS is big-endian; the stored value
// is little-endian.
func verifyDir3Crc(buf []byte) bool {
	if len(buf) < dir3HdrLen {
		return false
	}
	stored := binary.LittleEndian.Uint32(buf[dir3CrcOffset : dir3CrcOffset+4])
	scratch := append([]byte(nil), buf...)
	scratch[dir3CrcOffset] = 0
	scratch[dir3CrcOffset+1] = 0
	scratch[dir3CrcOffset+2] = 0
	scratch[dir3CrcOffset+3] = 0
	return crc32.Checksum(scratch, castagnoli) == stored
}

// dirEntry is one recovered (inode, name) pair with the directory that
// held it.
type dirEntry struct {
	inode  uint64
	name   string
	parent uint64
}

// directoryMap is the engine-private inode-to-name index built by the
// pre-pass over directory inodes reachable from the root. Consulted
// read-only when candidates are named; deleted directories are invisible to
// the pre-pass, so their children fall back to generated names.
type directoryMap struct {
	names   map[uint64]string
	parents map[uint64]uint64
	rootIno uint64
}

// Lookup resolves the reconstructed absolute path of an inode, or "" when
// the inode never appeared in a live directory. Cycles and runaway chains
// are cut at the traversal depth limit.
func (d *directoryMap) Lookup(ino uint64) string {
	name, ok := d.names[ino]
	if !ok {
		return ""
	}
	parts := []string{name}
	cur := d.parents[ino]
	for depth := 0; depth < maxTreeDepth; depth++ {
		if cur == d.rootIno || cur == 0 {
			break
		}
		pname, ok := d.names[cur]
		if !ok {
			break
		}
		parts = append([]string{pname}, parts...)
		cur = d.parents[cur]
	}
	return "/" + path.Join(parts...)
}

// buildDirectoryMap walks directory inodes breadth-first from the root and
// records every entry seen. Malformed directories are demoted with a
// warning; the walk continues.
func (e *Engine) buildDirectoryMap() *directoryMap {
	dm := &directoryMap{
		names:   make(map[uint64]string),
		parents: make(map[uint64]uint64),
		rootIno: e.sb.RootInode,
	}

	type queued struct {
		ino   uint64
		depth int
	}
	visited := map[uint64]bool{}
	queue := []queued{{e.sb.RootInode, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.ino] || cur.depth > maxTreeDepth {
			continue
		}
		visited[cur.ino] = true

		ino, err := e.readInode(cur.ino)
		if err != nil {
			log.L.WithError(err).WithField("inode", cur.ino).Warn("xfs: unreadable directory inode")
			continue
		}
		if ino.FileType() != types.FileTypeDirectory {
			continue
		}

		entries := e.readDirEntries(cur.ino, ino)
		for _, ent := range entries {
			if ent.name == "." || ent.name == ".." {
				continue
			}
			dm.names[ent.inode] = ent.name
			dm.parents[ent.inode] = ent.parent
			queue = append(queue, queued{ent.inode, cur.depth + 1})
		}
	}
	return dm
}

// readDirEntries decodes the entries of one directory inode: short-form
// entries straight from the fork, block-form entries from the blocks of the
// data-fork extent map.
func (e *Engine) readDirEntries(dirIno uint64, ino *Inode) []dirEntry {
	switch ino.Format {
	case fmtLocal:
		return parseShortFormDir(ino.DataFork, dirIno, ino.Version >= 3)
	case fmtExtents, fmtBtree:
		res := e.decodeExtents(ino)
		var entries []dirEntry
		for _, ext := range res.extents {
			if ext.Inline != nil {
				continue
			}
			for blk := uint64(0); blk < ext.Count; blk++ {
				buf, err := e.img.ReadBlock(ext.Start+blk, e.sb.BlockSize)
				if err != nil {
					log.L.WithError(err).WithField("block", ext.Start+blk).Warn("xfs: unreadable directory block")
					continue
				}
				entries = append(entries, parseDirDataBlock(buf, dirIno)...)
			}
		}
		return entries
	default:
		return nil
	}
}

// parseShortFormDir decodes an inline (short-form) directory: header of
// count, i8count and the parent inode, then packed entries. Entry inode
// width follows i8count; the file-type byte is present on v3 inodes.
func parseShortFormDir(fork []byte, dirIno uint64, hasFtype bool) []dirEntry {
	if len(fork) < 6 {
		return nil
	}
	count := int(fork[0])
	i8 := fork[1] != 0
	inoLen := 4
	if i8 {
		inoLen = 8
	}
	off := 2 + inoLen // past the parent pointer

	readIno := func(b []byte) uint64 {
		if i8 {
			return binary.BigEndian.Uint64(b)
		}
		return uint64(binary.BigEndian.Uint32(b))
	}

	var entries []dirEntry
	for i := 0; i < count && off < len(fork); i++ {
		if off+3 > len(fork) {
			break
		}
		nameLen := int(fork[off])
		off += 3 // namelen + 2-byte offset tag
		if off+nameLen > len(fork) {
			break
		}
		name := string(fork[off : off+nameLen])
		off += nameLen
		if hasFtype {
			off++
		}
		if off+inoLen > len(fork) {
			break
		}
		entries = append(entries, dirEntry{inode: readIno(fork[off : off+inoLen]), name: name, parent: dirIno})
		off += inoLen
	}
	return entries
}

// parseDirDataBlock decodes one block-form directory data block. Both
// variants hold the same entry layout after their headers; v3 blocks carry
// a file-type byte per entry.
func parseDirDataBlock(buf []byte, dirIno uint64) []dirEntry {
	if len(buf) < dir2HdrLen {
		return nil
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	var off int
	var hasFtype bool
	switch magic {
	case dir2BlockMagic:
		off = dir2HdrLen
	case dir3BlockMagic:
		// A v3 block whose checksum fails is demoted to opaque rather
		// than guessed at, the same way a mismatching tree node is.
		if !verifyDir3Crc(buf) {
			log.L.WithField("dir_inode", dirIno).Warn("xfs: XDB3 directory block checksum mismatch, skipping block")
			return nil
		}
		off = dir3HdrLen
		hasFtype = true
	default:
		return nil
	}

	var entries []dirEntry
	for off+11 <= len(buf) {
		// Unused space is tagged 0xFFFF followed by its length.
		if binary.BigEndian.Uint16(buf[off:off+2]) == dirFreeTag {
			skip := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
			if skip < 4 {
				break
			}
			off += skip
			continue
		}
		inum := binary.BigEndian.Uint64(buf[off : off+8])
		if inum == 0 {
			break
		}
		nameLen := int(buf[off+8])
		if nameLen == 0 {
			break
		}
		entryLen := 8 + 1 + nameLen + 2 // inumber + namelen + name + tag
		if hasFtype {
			entryLen++
		}
		// Entries are padded to 8-byte alignment.
		entryLen = (entryLen + 7) &^ 7
		if off+entryLen > len(buf) {
			break
		}
		name := string(buf[off+9 : off+9+nameLen])
		entries = append(entries, dirEntry{inode: inum, name: name, parent: dirIno})
		off += entryLen
	}
	return entries
}
