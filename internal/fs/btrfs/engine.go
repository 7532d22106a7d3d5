package btrfs

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

// File-extent item types.
const (
	extentInline  = 0
	extentRegular = 1
	extentPrealloc = 2
)

// Engine recovers deleted files from a Btrfs image.
type Engine struct {
	img    device.Reader
	sb     *Superblock
	chunks *chunkMap

	fsTreeRoot   uint64
	fsTreeLevel  int
	csumTreeRoot uint64
	csumLevel    int
	extTreeRoot  uint64
	extLevel     int
}

// NewEngine reads the superblock (consulting the mirror copies when the
// primary fails its checksum), bootstraps the chunk map, and locates the
// FS, checksum and extent trees through the root tree.
func NewEngine(img device.Reader) (*Engine, error) {
	sb, err := readSuperblock(img)
	if err != nil {
		return nil, err
	}
	if sb.TotalBytes > img.Size() {
		return nil, types.FormatErrorf("superblock declares %d bytes but image holds %d",
			sb.TotalBytes, img.Size())
	}

	e := &Engine{img: img, sb: sb, chunks: bootstrapChunkMap(sb)}
	e.loadChunkTree()
	if err := e.loadRootTree(); err != nil {
		return nil, err
	}
	return e, nil
}

func readSuperblock(img device.Reader) (*Superblock, error) {
	offsets := []uint64{superblockOffset, superblockMirror1, superblockMirror2}
	var firstErr error
	for _, off := range offsets {
		if off+superblockSize > img.Size() {
			continue
		}
		buf, err := img.ReadAt(off, superblockSize)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sb, err := parseSuperblock(buf)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.L.WithError(err).WithField("offset", off).Warn("btrfs: superblock copy rejected")
			continue
		}
		return sb, nil
	}
	if firstErr == nil {
		firstErr = types.FormatErrorf("no superblock copy within image bounds")
	}
	return nil, fmt.Errorf("failed to read btrfs superblock: %w", firstErr)
}

// Superblock exposes the parsed geometry.
func (e *Engine) Superblock() *Superblock { return e.sb }

// BlockSize returns the data-addressing unit (the sector size).
func (e *Engine) BlockSize() uint32 { return e.sb.SectorSize }

// FilesystemSize returns the filesystem size declared by the superblock.
func (e *Engine) FilesystemSize() uint64 { return e.sb.TotalBytes }

// ExtentOffset maps an extent's starting sector to its byte offset in the
// image. Extent starts were resolved through the chunk map at scan time,
// so this is a plain sector multiply.
func (e *Engine) ExtentOffset(ext types.Extent) uint64 {
	return ext.Start * uint64(e.sb.SectorSize)
}

// readNode resolves a logical bytenr through the chunk map and parses the
// node there, verifying its checksum.
func (e *Engine) readNode(logical uint64) (*node, error) {
	physical, ok := e.chunks.Resolve(logical)
	if !ok {
		return nil, types.FormatErrorf("tree node at %d: no chunk mapping", logical)
	}
	buf, err := e.img.ReadAt(physical, e.sb.NodeSize)
	if err != nil {
		return nil, err
	}
	return parseNode(buf, logical)
}

// loadRootTree walks the root tree and records the root node locations of
// the trees the scan needs. A missing FS tree aborts; the checksum and
// extent trees are optional enrichments.
func (e *Engine) loadRootTree() error {
	iter := newTreeIterator(e, e.sb.RootTreeRoot, int(e.sb.RootLevel))
	for {
		item, ok := iter.Next()
		if !ok {
			break
		}
		if item.Key.Type != rootItemKey || len(item.Data) < 239 {
			continue
		}
		le := binary.LittleEndian
		bytenr := le.Uint64(item.Data[176:184])
		level := int(item.Data[238])
		switch item.Key.ObjectID {
		case fsTreeID:
			e.fsTreeRoot, e.fsTreeLevel = bytenr, level
		case csumTreeID:
			e.csumTreeRoot, e.csumLevel = bytenr, level
		case extentTreeID:
			e.extTreeRoot, e.extLevel = bytenr, level
		}
	}
	if e.fsTreeRoot == 0 {
		return types.FormatErrorf("root tree holds no FS-tree root item")
	}
	return nil
}

// inodeItem is the decoded btrfs_inode_item subset the scan consumes.
type inodeItem struct {
	Generation uint64
	TransID    uint64
	Size       uint64
	NLink      uint32
	UID        uint32
	GID        uint32
	Mode       uint32
	Atime      time.Time
	Ctime      time.Time
	Mtime      time.Time
}

func parseInodeItem(data []byte) (*inodeItem, error) {
	if len(data) < 160 {
		return nil, types.FormatErrorf("inode item: %d bytes, need 160", len(data))
	}
	le := binary.LittleEndian
	return &inodeItem{
		Generation: le.Uint64(data[0:8]),
		TransID:    le.Uint64(data[8:16]),
		Size:       le.Uint64(data[16:24]),
		NLink:      le.Uint32(data[40:44]),
		UID:        le.Uint32(data[44:48]),
		GID:        le.Uint32(data[48:52]),
		Mode:       le.Uint32(data[52:56]),
		Atime:      decodeTimespec(data[112:124]),
		Ctime:      decodeTimespec(data[124:136]),
		Mtime:      decodeTimespec(data[136:148]),
	}, nil
}

func decodeTimespec(b []byte) time.Time {
	le := binary.LittleEndian
	sec := int64(le.Uint64(b[0:8]))
	nsec := int64(le.Uint32(b[8:12]))
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, nsec).UTC()
}

// fileExtent is one decoded EXTENT_DATA item.
type fileExtent struct {
	LogicalOffset uint64 // key offset: byte position within the file
	Compression   uint8
	Encryption    uint8
	Inline        []byte
	DiskBytenr    uint64
	NumBytes      uint64
}

func parseFileExtent(keyOffset uint64, data []byte) (*fileExtent, error) {
	if len(data) < 21 {
		return nil, types.FormatErrorf("file extent item: %d bytes", len(data))
	}
	le := binary.LittleEndian
	fe := &fileExtent{
		LogicalOffset: keyOffset,
		Compression:   data[16],
		Encryption:    data[17],
	}
	switch data[20] {
	case extentInline:
		ramBytes := le.Uint64(data[8:16])
		payload := data[21:]
		if uint64(len(payload)) > ramBytes && fe.Compression == 0 {
			payload = payload[:ramBytes]
		}
		fe.Inline = append([]byte(nil), payload...)
	case extentRegular, extentPrealloc:
		if len(data) < 53 {
			return nil, types.FormatErrorf("regular file extent item: %d bytes", len(data))
		}
		fe.DiskBytenr = le.Uint64(data[21:29])
		fe.NumBytes = le.Uint64(data[45:53])
	default:
		return nil, types.FormatErrorf("file extent item: unknown type %d", data[20])
	}
	return fe, nil
}

// scanned accumulates per-inode state while walking FS-tree leaves.
type scanned struct {
	key     Key
	inode   *inodeItem
	extents []*fileExtent
	name    string
	parent  uint64
	orphan  bool
	level   uint8
}

// Scan walks the FS tree and merges three candidate strategies: orphan
// items, unlinked inodes, and — when the tree yields nothing — a linear
// signature sweep of the data area. Candidates come back ordered by
// (object id, type, offset).
func (e *Engine) Scan(ctx context.Context) ([]types.DeletedFile, error) {
	inodes := make(map[uint64]*scanned)
	get := func(ino uint64) *scanned {
		s, ok := inodes[ino]
		if !ok {
			s = &scanned{}
			inodes[ino] = s
		}
		return s
	}

	names := make(map[uint64]string)
	parents := make(map[uint64]uint64)

	iter := newTreeIterator(e, e.fsTreeRoot, e.fsTreeLevel)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, ok := iter.Next()
		if !ok {
			break
		}
		switch item.Key.Type {
		case inodeItemKey:
			ino, err := parseInodeItem(item.Data)
			if err != nil {
				log.L.WithError(err).WithField("objectid", item.Key.ObjectID).Warn("btrfs: malformed inode item")
				continue
			}
			s := get(item.Key.ObjectID)
			s.key = item.Key
			s.inode = ino
		case inodeRefKey:
			// Payload: index u64, name length u16, name.
			if len(item.Data) >= 10 {
				nameLen := int(binary.LittleEndian.Uint16(item.Data[8:10]))
				if 10+nameLen <= len(item.Data) {
					names[item.Key.ObjectID] = string(item.Data[10 : 10+nameLen])
					parents[item.Key.ObjectID] = item.Key.Offset
				}
			}
		case extentDataKey:
			fe, err := parseFileExtent(item.Key.Offset, item.Data)
			if err != nil {
				log.L.WithError(err).WithField("objectid", item.Key.ObjectID).Warn("btrfs: malformed file extent")
				continue
			}
			s := get(item.Key.ObjectID)
			s.extents = append(s.extents, fe)
		case orphanItemKey:
			if item.Key.ObjectID == orphanObjectID {
				get(item.Key.Offset).orphan = true
			}
		}
	}

	refCounts := e.loadExtentRefs()
	csums := e.loadCsumRuns()

	var candidates []types.DeletedFile
	for ino, s := range inodes {
		if s.inode == nil {
			continue
		}
		deleted := s.orphan || s.inode.NLink == 0
		if !deleted || len(s.extents) == 0 {
			continue
		}
		s.name = names[ino]
		s.parent = parents[ino]
		cand := e.buildCandidate(ino, s, names, parents, refCounts, csums)
		candidates = append(candidates, cand)
	}

	if len(candidates) == 0 {
		carved, err := e.signatureScan(ctx)
		if err != nil {
			return nil, err
		}
		candidates = carved
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NativeID < candidates[j].NativeID
	})
	for i := range candidates {
		candidates[i].ID = uint64(i) + 1
	}
	return candidates, nil
}

// buildCandidate converts accumulated per-inode state to a DeletedFile,
// resolving extents through the chunk map and enriching from the extent
// and checksum trees.
func (e *Engine) buildCandidate(ino uint64, s *scanned, names map[uint64]string, parents map[uint64]uint64, refCounts map[uint64]uint64, csums []csumRun) types.DeletedFile {
	sectorSize := uint64(e.sb.SectorSize)
	totalBlocks := e.sb.TotalBytes / sectorSize

	var extents []types.Extent
	var bad uint32
	var unsupported string
	var refs []uint64
	checksumValid := true

	sort.Slice(s.extents, func(i, j int) bool {
		return s.extents[i].LogicalOffset < s.extents[j].LogicalOffset
	})
	for _, fe := range s.extents {
		if fe.Compression != 0 {
			unsupported = fmt.Sprintf("compressed extent (compression %d)", fe.Compression)
		}
		if fe.Encryption != 0 {
			unsupported = fmt.Sprintf("encrypted extent (encryption %d)", fe.Encryption)
		}
		if fe.Inline != nil {
			extents = append(extents, types.Extent{
				Inline:        fe.Inline,
				LogicalOffset: fe.LogicalOffset,
			})
			continue
		}
		if fe.DiskBytenr == 0 || fe.NumBytes == 0 {
			// A hole; nothing to materialize.
			continue
		}
		physical, ok := e.chunks.Resolve(fe.DiskBytenr)
		if !ok {
			log.L.WithField("bytenr", fe.DiskBytenr).Warn("btrfs: extent outside chunk map")
			bad++
			continue
		}
		start := physical / sectorSize
		count := (fe.NumBytes + sectorSize - 1) / sectorSize
		if count == 0 || start+count > totalBlocks {
			bad++
			continue
		}
		extents = append(extents, types.Extent{
			Start:         start,
			Count:         count,
			LogicalOffset: fe.LogicalOffset,
		})
		rc := uint64(1)
		if n, ok := refCounts[fe.DiskBytenr]; ok {
			rc = n
		}
		refs = append(refs, rc)
		if !verifyExtentChecksum(e, csums, fe.DiskBytenr, physical, fe.NumBytes) {
			checksumValid = false
		}
	}

	inSnapshot := false
	for _, r := range refs {
		if r > 1 {
			inSnapshot = true
		}
	}

	mode := s.inode.Mode
	uid, gid := s.inode.UID, s.inode.GID
	cand := types.DeletedFile{
		NativeID:          ino,
		Size:              s.inode.Size,
		FileType:          types.FileTypeFromMode(mode),
		Extents:           extents,
		BadExtents:        bad,
		UnsupportedReason: unsupported,
		Metadata: types.FileMetadata{
			Permissions:  &mode,
			OwnerUID:     &uid,
			OwnerGID:     &gid,
			AccessedTime: timePtr(s.inode.Atime),
			ModifiedTime: timePtr(s.inode.Mtime),
			CreatedTime:  timePtr(s.inode.Ctime),
		},
		FsMetadata: types.FsMetadata{
			Btrfs: &types.BtrfsMetadata{
				Generation:     s.inode.Generation,
				TransID:        s.inode.TransID,
				ChecksumValid:  checksumValid,
				InSnapshot:     inSnapshot,
				CowExtentCount: uint32(len(refs)),
				ExtentRefs:     refs,
				TreeLevel:      s.level,
			},
		},
	}
	cand.DeletionTime = timePtr(s.inode.Ctime)

	if s.name != "" {
		cand.OriginalPath = resolvePath(ino, names, parents)
	}

	if prefix := e.payloadPrefix(&cand); prefix != nil {
		if sig := signatures.Match(prefix); sig != nil {
			cand.Metadata.MimeType = sig.MimeType
			cand.Metadata.FileExtension = sig.Extension
		}
	}
	return cand
}

// resolvePath joins INODE_REF names from the inode up to the FS-tree root
// directory (objectid 256).
func resolvePath(ino uint64, names map[uint64]string, parents map[uint64]uint64) string {
	const rootDirID = 256
	var parts []string
	cur := ino
	for depth := 0; depth < maxTreeDepth; depth++ {
		name, ok := names[cur]
		if !ok {
			break
		}
		parts = append([]string{name}, parts...)
		parent, ok := parents[cur]
		if !ok || parent == rootDirID || parent == cur {
			break
		}
		cur = parent
	}
	if len(parts) == 0 {
		return ""
	}
	out := ""
	for _, p := range parts {
		out += "/" + p
	}
	return out
}

// loadExtentRefs walks the extent tree once and indexes EXTENT_ITEM
// refcounts by disk bytenr.
func (e *Engine) loadExtentRefs() map[uint64]uint64 {
	refs := make(map[uint64]uint64)
	if e.extTreeRoot == 0 {
		return refs
	}
	iter := newTreeIterator(e, e.extTreeRoot, e.extLevel)
	for {
		item, ok := iter.Next()
		if !ok {
			break
		}
		if item.Key.Type == extentItemKey && len(item.Data) >= 8 {
			refs[item.Key.ObjectID] = binary.LittleEndian.Uint64(item.Data[0:8])
		}
	}
	return refs
}

// csumRun is one EXTENT_CSUM item: consecutive per-sector CRC32C values
// starting at a logical bytenr.
type csumRun struct {
	start uint64
	sums  []byte
}

// loadCsumRuns walks the checksum tree once and collects its runs.
func (e *Engine) loadCsumRuns() []csumRun {
	var runs []csumRun
	if e.csumTreeRoot == 0 {
		return runs
	}
	iter := newTreeIterator(e, e.csumTreeRoot, e.csumLevel)
	for {
		item, ok := iter.Next()
		if !ok {
			break
		}
		if item.Key.Type == extentCsumKey && item.Key.ObjectID == csumObjectID {
			runs = append(runs, csumRun{start: item.Key.Offset, sums: item.Data})
		}
	}
	return runs
}

// verifyExtentChecksum compares the CRC32C of each sector of a data extent
// against the stored runs. Extents with no stored checksums pass: the
// checksum tree only covers datasum-enabled files.
func verifyExtentChecksum(e *Engine, runs []csumRun, bytenr, physical, numBytes uint64) bool {
	sectorSize := uint64(e.sb.SectorSize)
	for _, run := range runs {
		count := uint64(len(run.sums)) / 4
		if bytenr+numBytes <= run.start || bytenr >= run.start+count*sectorSize {
			continue
		}
		for i := uint64(0); i < count; i++ {
			sector := run.start + i*sectorSize
			if sector < bytenr || sector >= bytenr+numBytes {
				continue
			}
			data, err := e.img.ReadAt(physical+(sector-bytenr), uint32(sectorSize))
			if err != nil {
				return false
			}
			stored := binary.LittleEndian.Uint32(run.sums[i*4 : i*4+4])
			if crc32c(data) != stored {
				return false
			}
		}
	}
	return true
}

// signatureScan sweeps the data area sector by sector matching payload
// signatures; used when tree traversal surfaces nothing. Carved candidates
// have no directory metadata and estimated sizes.
func (e *Engine) signatureScan(ctx context.Context) ([]types.DeletedFile, error) {
	sectorSize := uint64(e.sb.SectorSize)
	totalSectors := e.sb.TotalBytes / sectorSize
	var candidates []types.DeletedFile

	// Data typically starts past the primary superblock.
	startSector := uint64(superblockOffset+superblockSize) / sectorSize
	for sector := startSector; sector < totalSectors; sector++ {
		if sector%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		buf, err := e.img.ReadAt(sector*sectorSize, uint32(sectorSize))
		if err != nil {
			break
		}
		sig := signatures.Match(buf)
		if sig == nil {
			continue
		}
		size := signatures.EstimateSize(sig, buf)
		if size == 0 {
			size = sectorSize
		}
		count := (size + sectorSize - 1) / sectorSize
		if sector+count > totalSectors {
			count = totalSectors - sector
		}
		candidates = append(candidates, types.DeletedFile{
			NativeID: sector,
			Size:     size,
			FileType: types.FileTypeRegular,
			Extents: []types.Extent{{
				Start: sector,
				Count: count,
			}},
			Metadata: types.FileMetadata{
				MimeType:      sig.MimeType,
				FileExtension: sig.Extension,
			},
		})
		sector += count - 1
	}
	return candidates, nil
}

func (e *Engine) payloadPrefix(cand *types.DeletedFile) []byte {
	if len(cand.Extents) == 0 {
		return nil
	}
	first := cand.Extents[0]
	if first.Inline != nil {
		return first.Inline
	}
	buf, err := e.img.ReadAt(first.Start*uint64(e.sb.SectorSize), e.sb.SectorSize)
	if err != nil {
		return nil
	}
	return buf
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t
	return &u
}
