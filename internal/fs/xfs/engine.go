package xfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/containerd/log"

	"github.com/SaneDevelopers/GhostFS/internal/device"
	"github.com/SaneDevelopers/GhostFS/internal/signatures"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// Engine recovers deleted files from an XFS image. It holds a read-only
// borrow of the image for the duration of a scan; nothing is ever written.
type Engine struct {
	img device.Reader
	sb  *Superblock
}

// NewEngine validates the superblock in sector 0 and prepares a scan.
func NewEngine(img device.Reader) (*Engine, error) {
	buf, err := img.ReadAt(0, 512)
	if err != nil {
		return nil, fmt.Errorf("failed to read XFS superblock: %w", err)
	}
	sb, err := ParseSuperblock(buf)
	if err != nil {
		return nil, err
	}
	if sb.FilesystemBytes() > img.Size() {
		return nil, types.FormatErrorf("superblock declares %d bytes but image holds %d",
			sb.FilesystemBytes(), img.Size())
	}
	return &Engine{img: img, sb: sb}, nil
}

// Superblock exposes the parsed geometry.
func (e *Engine) Superblock() *Superblock { return e.sb }

// BlockSize returns the filesystem block size in bytes.
func (e *Engine) BlockSize() uint32 { return e.sb.BlockSize }

// FilesystemSize returns the data-area size in bytes.
func (e *Engine) FilesystemSize() uint64 { return e.sb.FilesystemBytes() }

// ExtentOffset maps an extent's starting block to its byte offset in the
// image.
func (e *Engine) ExtentOffset(ext types.Extent) uint64 {
	return ext.Start * uint64(e.sb.BlockSize)
}

// readInode loads and parses the inode with the given absolute number.
func (e *Engine) readInode(ino uint64) (*Inode, error) {
	agIndex, agInode := e.sb.SplitInode(ino)
	if agIndex >= e.sb.AgCount || uint64(agInode) >= e.sb.InodesPerAG() {
		return nil, types.FormatErrorf("inode %d outside AG geometry", ino)
	}
	buf, err := e.img.ReadAt(e.sb.InodeOffset(agIndex, agInode), uint32(e.sb.InodeSize))
	if err != nil {
		return nil, err
	}
	return ParseInode(buf)
}

// Scan enumerates deletion candidates across every allocation group. An
// unreadable AG is skipped with a warning; only the superblock read aborts
// a scan. Candidates come back ordered by (AG index, AG inode number).
func (e *Engine) Scan(ctx context.Context) ([]types.DeletedFile, error) {
	dirMap := e.buildDirectoryMap()

	// Reallocated inode slots can shadow older candidates: keep the highest
	// generation per inode number.
	seen := make(map[uint64]int)
	var candidates []types.DeletedFile

	for ag := uint32(0); ag < e.sb.AgCount; ag++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := e.scanAG(ag, dirMap)
		if err != nil {
			log.L.WithError(err).WithField("ag", ag).Warn("xfs: skipping unreadable allocation group")
			continue
		}
		for _, cand := range found {
			if prev, ok := seen[cand.NativeID]; ok {
				if cand.FsMetadata.Xfs.InodeGeneration > candidates[prev].FsMetadata.Xfs.InodeGeneration {
					candidates[prev] = cand
				}
				continue
			}
			seen[cand.NativeID] = len(candidates)
			candidates = append(candidates, cand)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].FsMetadata.Xfs, candidates[j].FsMetadata.Xfs
		if a.AgIndex != b.AgIndex {
			return a.AgIndex < b.AgIndex
		}
		return a.AgInodeNumber < b.AgInodeNumber
	})
	for i := range candidates {
		candidates[i].ID = uint64(i) + 1
	}
	return candidates, nil
}

// scanAG walks one allocation group's inode table. The AGI header is
// validated first; a bad header demotes the whole AG. Inode-chunk blocks
// are recognized by the inode magic at slot stride.
func (e *Engine) scanAG(ag uint32, dirMap *directoryMap) ([]types.DeletedFile, error) {
	agStart := uint64(ag) * uint64(e.sb.AgBlocks) * uint64(e.sb.BlockSize)

	// The AGI lives in the third sector of the AG.
	agiBuf, err := e.img.ReadAt(agStart+2*uint64(e.sb.SectorSize), uint32(e.sb.SectorSize))
	if err != nil {
		return nil, fmt.Errorf("AG %d: AGI read: %w", ag, err)
	}
	if got := binary.BigEndian.Uint32(agiBuf[0:4]); got != agiMagic {
		return nil, types.FormatErrorf("AG %d: AGI magic 0x%08X", ag, got)
	}

	var out []types.DeletedFile
	for blk := uint64(0); blk < uint64(e.sb.AgBlocks); blk++ {
		absBlock := uint64(ag)*uint64(e.sb.AgBlocks) + blk
		if absBlock >= e.sb.DataBlocks {
			break
		}
		buf, err := e.img.ReadBlock(absBlock, e.sb.BlockSize)
		if err != nil {
			log.L.WithError(err).WithFields(log.Fields{"ag": ag, "block": blk}).Warn("xfs: unreadable block")
			continue
		}
		if binary.BigEndian.Uint16(buf[0:2]) != inodeMagic {
			continue
		}
		for slot := uint32(0); slot < uint32(e.sb.InodesPerBlk); slot++ {
			off := slot * uint32(e.sb.InodeSize)
			if off+uint32(e.sb.InodeSize) > uint32(len(buf)) {
				break
			}
			agInode := uint32(blk)<<uint(e.sb.InopbLog) | slot
			cand, ok := e.inspectInode(ag, agInode, buf[off:off+uint32(e.sb.InodeSize)], dirMap)
			if ok {
				out = append(out, cand)
			}
		}
	}
	return out, nil
}

// inspectInode applies the deletion-candidate criteria to one inode slot:
// link count zero, mode and generation counter non-zero, and data present
// in the fork.
func (e *Engine) inspectInode(ag, agInode uint32, raw []byte, dirMap *directoryMap) (types.DeletedFile, bool) {
	ino, err := ParseInode(raw)
	if err != nil {
		return types.DeletedFile{}, false
	}
	if ino.NLink != 0 || ino.Mode == 0 || ino.Generation == 0 {
		return types.DeletedFile{}, false
	}
	hasData := ino.NExtents > 0 || (ino.Format == fmtLocal && ino.Size > 0)
	if !hasData {
		return types.DeletedFile{}, false
	}

	res := e.decodeExtents(ino)
	if len(res.extents) == 0 && res.bad == 0 {
		return types.DeletedFile{}, false
	}

	absIno := e.sb.AbsInode(ag, agInode)
	mode := uint32(ino.Mode)
	uid, gid := ino.UID, ino.GID

	cand := types.DeletedFile{
		NativeID:   absIno,
		Size:       ino.Size,
		FileType:   ino.FileType(),
		Extents:    res.extents,
		BadExtents: res.bad,
		Metadata: types.FileMetadata{
			Permissions:  &mode,
			OwnerUID:     &uid,
			OwnerGID:     &gid,
			AccessedTime: timePtr(ino.AccessTime),
			ModifiedTime: timePtr(ino.ModifyTime),
			CreatedTime:  timePtr(ino.ChangeTime),
		},
		FsMetadata: types.FsMetadata{
			Xfs: &types.XfsMetadata{
				AgIndex:         ag,
				AgInodeNumber:   agInode,
				ExtentCount:     ino.NExtents,
				ExtentFormat:    ino.ExtentFormat(),
				IsAligned:       e.isAligned(res.extents),
				LastLinkCount:   1, // unlink drops the count to zero from at least one
				InodeGeneration: ino.Generation,
			},
		},
	}

	// Unlink touches ctime last; treat it as the deletion estimate.
	cand.DeletionTime = timePtr(ino.ChangeTime)

	if path := dirMap.Lookup(absIno); path != "" {
		cand.OriginalPath = path
	}

	if prefix := e.payloadPrefix(&cand); prefix != nil {
		if sig := signatures.Match(prefix); sig != nil {
			cand.Metadata.MimeType = sig.MimeType
			cand.Metadata.FileExtension = sig.Extension
		}
	}
	return cand, true
}

// payloadPrefix returns the first bytes of the candidate's data for
// signature classification.
func (e *Engine) payloadPrefix(cand *types.DeletedFile) []byte {
	if len(cand.Extents) == 0 {
		return nil
	}
	first := cand.Extents[0]
	if first.Inline != nil {
		return first.Inline
	}
	buf, err := e.img.ReadBlock(first.Start, e.sb.BlockSize)
	if err != nil {
		return nil
	}
	return buf
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() || t.Unix() == 0 {
		return nil
	}
	u := t
	return &u
}
