package xfs

import (
	"encoding/binary"
	"sort"

	"github.com/containerd/log"

	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// BMBT node magics: "BMAP" (v4) and "BMA3" (v5 with CRC).
const (
	bmapMagic  = 0x424D4150
	bmap3Magic = 0x424D4133
)

// Long-format B+tree block header lengths.
const (
	lblockLenV4 = 24
	lblockLenV5 = 72
)

// Traversal bounds for corrupted trees.
const maxTreeDepth = 100

// extentResult is the decoded extent map of one inode plus the count of
// records discarded as implausible.
type extentResult struct {
	extents []types.Extent
	bad     uint32
}

// decodeExtents builds the candidate's extent list from the inode's data
// fork. Local-format payloads become a single inline extent; extent-list and
// B+tree forks are decoded to physical block runs. Out-of-bounds and
// zero-length records are dropped and counted; overlapping records are kept
// so the scorer can see them.
func (e *Engine) decodeExtents(ino *Inode) extentResult {
	switch ino.Format {
	case fmtLocal:
		size := ino.Size
		if size > uint64(len(ino.DataFork)) {
			size = uint64(len(ino.DataFork))
		}
		payload := make([]byte, size)
		copy(payload, ino.DataFork[:size])
		return extentResult{extents: []types.Extent{{Inline: payload, Count: 0, Allocated: false}}}
	case fmtExtents:
		return e.filterExtents(ino.forkExtents())
	case fmtBtree:
		recs, err := e.walkExtentTree(ino.DataFork)
		if err != nil {
			log.L.WithError(err).Warn("xfs: extent B+tree truncated")
		}
		return e.filterExtents(recs)
	default:
		return extentResult{}
	}
}

// filterExtents converts raw records to extents ordered by logical offset,
// discarding implausible ones.
func (e *Engine) filterExtents(recs []bmbtRec) extentResult {
	totalBlocks := e.sb.DataBlocks
	var res extentResult
	for _, r := range recs {
		if r.BlockCount == 0 || r.StartBlock+r.BlockCount > totalBlocks {
			log.L.WithFields(log.Fields{
				"start": r.StartBlock,
				"count": r.BlockCount,
			}).Warn("xfs: dropping implausible extent")
			res.bad++
			continue
		}
		res.extents = append(res.extents, types.Extent{
			Start:         r.StartBlock,
			Count:         r.BlockCount,
			LogicalOffset: r.StartOff * uint64(e.sb.BlockSize),
			Allocated:     false,
		})
	}
	sort.Slice(res.extents, func(i, j int) bool {
		return res.extents[i].LogicalOffset < res.extents[j].LogicalOffset
	})
	return res
}

// walkExtentTree traverses a B+tree-format data fork depth-first and
// returns leaf extents in logical-offset order. The fork holds a root
// (xfs_bmdr_block): level, numrecs, then keys and pointers split at the
// fork midpoint.
func (e *Engine) walkExtentTree(fork []byte) ([]bmbtRec, error) {
	if len(fork) < 4 {
		return nil, types.FormatErrorf("bmbt root: fork too small (%d bytes)", len(fork))
	}
	be := binary.BigEndian
	level := be.Uint16(fork[0:2])
	numrecs := int(be.Uint16(fork[2:4]))
	if level == 0 || numrecs == 0 {
		return nil, types.FormatErrorf("bmbt root: level %d, %d records", level, numrecs)
	}

	// Root pointers sit after the key array, which is sized by the fork's
	// record capacity, not by numrecs.
	maxrecs := (len(fork) - 4) / 16
	if numrecs > maxrecs {
		return nil, types.FormatErrorf("bmbt root: %d records exceed capacity %d", numrecs, maxrecs)
	}
	ptrOff := 4 + maxrecs*8

	visited := make(map[uint64]bool)
	var recs []bmbtRec
	for i := 0; i < numrecs; i++ {
		off := ptrOff + i*8
		if off+8 > len(fork) {
			break
		}
		child := be.Uint64(fork[off : off+8])
		sub, err := e.walkExtentNode(child, int(level)-1, visited, 1)
		if err != nil {
			return recs, err
		}
		recs = append(recs, sub...)
	}
	return recs, nil
}

func (e *Engine) walkExtentNode(fsblock uint64, level int, visited map[uint64]bool, depth int) ([]bmbtRec, error) {
	if depth > maxTreeDepth {
		return nil, types.FormatErrorf("bmbt: depth limit %d exceeded", maxTreeDepth)
	}
	if visited[fsblock] {
		return nil, types.FormatErrorf("bmbt: cycle at block %d", fsblock)
	}
	visited[fsblock] = true

	if fsblock >= e.sb.DataBlocks {
		return nil, types.FormatErrorf("bmbt: node block %d out of bounds", fsblock)
	}
	buf, err := e.img.ReadBlock(fsblock, e.sb.BlockSize)
	if err != nil {
		return nil, err
	}

	be := binary.BigEndian
	magic := be.Uint32(buf[0:4])
	hdrLen := lblockLenV4
	if magic == bmap3Magic {
		hdrLen = lblockLenV5
	} else if magic != bmapMagic {
		return nil, types.FormatErrorf("bmbt: node at block %d: bad magic 0x%08X", fsblock, magic)
	}
	nodeLevel := be.Uint16(buf[4:6])
	numrecs := int(be.Uint16(buf[6:8]))
	if int(nodeLevel) != level {
		return nil, types.FormatErrorf("bmbt: node at block %d: level %d, expected %d", fsblock, nodeLevel, level)
	}

	if level == 0 {
		recs := make([]bmbtRec, 0, numrecs)
		for i := 0; i < numrecs; i++ {
			off := hdrLen + i*16
			if off+16 > len(buf) {
				break
			}
			recs = append(recs, unpackExtent(buf[off:off+16]))
		}
		return recs, nil
	}

	maxrecs := (int(e.sb.BlockSize) - hdrLen) / 16
	if numrecs > maxrecs {
		return nil, types.FormatErrorf("bmbt: node at block %d: %d records exceed capacity %d", fsblock, numrecs, maxrecs)
	}
	ptrOff := hdrLen + maxrecs*8
	var recs []bmbtRec
	for i := 0; i < numrecs; i++ {
		off := ptrOff + i*8
		if off+8 > len(buf) {
			break
		}
		child := be.Uint64(buf[off : off+8])
		sub, err := e.walkExtentNode(child, level-1, visited, depth+1)
		if err != nil {
			return recs, err
		}
		recs = append(recs, sub...)
	}
	return recs, nil
}

// isAligned reports whether every extent start honors the stripe unit. A
// filesystem without stripe geometry counts as aligned.
func (e *Engine) isAligned(extents []types.Extent) bool {
	if e.sb.StripeUnit == 0 {
		return true
	}
	for _, ext := range extents {
		if ext.Inline != nil {
			continue
		}
		if ext.Start%uint64(e.sb.StripeUnit) != 0 {
			return false
		}
	}
	return true
}
