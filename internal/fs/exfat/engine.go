package exfat

import (
	"context"
	"fmt"
	"sort"

	"github.com/containerd/log"

	"github.com/SaneDevelopers/GhostFS/internal/device"
	"github.com/SaneDevelopers/GhostFS/internal/signatures"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// Engine recovers deleted files from an exFAT image.
type Engine struct {
	img device.Reader
	bs  *BootSector
	fat *fatTable
}

// NewEngine validates the boot sector and loads the FAT.
func NewEngine(img device.Reader) (*Engine, error) {
	buf, err := img.ReadAt(0, 512)
	if err != nil {
		return nil, fmt.Errorf("failed to read exFAT boot sector: %w", err)
	}
	bs, err := ParseBootSector(buf)
	if err != nil {
		return nil, err
	}
	if bs.FilesystemBytes() > img.Size() {
		return nil, types.FormatErrorf("boot sector declares %d bytes but image holds %d",
			bs.FilesystemBytes(), img.Size())
	}
	fat, err := loadFAT(img, bs)
	if err != nil {
		return nil, err
	}
	return &Engine{img: img, bs: bs, fat: fat}, nil
}

// BootSector exposes the parsed geometry.
func (e *Engine) BootSector() *BootSector { return e.bs }

// BlockSize returns the allocation unit (bytes per cluster).
func (e *Engine) BlockSize() uint32 { return e.bs.BytesPerCluster }

// FilesystemSize returns the volume size declared by the boot sector.
func (e *Engine) FilesystemSize() uint64 { return e.bs.FilesystemBytes() }

// ExtentOffset maps an extent's starting cluster to its byte offset in the
// cluster heap.
func (e *Engine) ExtentOffset(ext types.Extent) uint64 {
	return e.bs.ClusterOffset(uint32(ext.Start))
}

// Scan walks every directory chain for deleted entry sets, then sweeps the
// FAT for orphan chains no live entry references. Candidates come back in
// directory traversal order followed by orphans by starting cluster.
func (e *Engine) Scan(ctx context.Context) ([]types.DeletedFile, error) {
	referenced := make(map[uint32]bool)
	var candidates []types.DeletedFile

	// Directory chains breadth-first from the root.
	dirQueue := []struct {
		cluster uint32
		path    string
	}{{e.bs.RootDirCluster, ""}}
	visitedDirs := make(map[uint32]bool)

	for len(dirQueue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := dirQueue[0]
		dirQueue = dirQueue[1:]
		if visitedDirs[dir.cluster] {
			continue
		}
		visitedDirs[dir.cluster] = true

		chain := e.fat.followChain(dir.cluster)
		for _, c := range chain.clusters {
			referenced[c] = true
		}

		for _, cluster := range chain.clusters {
			buf, err := e.img.ReadAt(e.bs.ClusterOffset(cluster), e.bs.BytesPerCluster)
			if err != nil {
				log.L.WithError(err).WithField("cluster", cluster).Warn("exfat: unreadable directory cluster")
				continue
			}
			for off := 0; off+entrySize <= len(buf); {
				entType := buf[off]
				if entType == entryEndOfDir {
					break
				}
				set, consumed := parseEntrySet(buf[off:])
				if set == nil {
					off += consumed * entrySize
					continue
				}
				off += consumed * entrySize

				if set.deleted {
					cand := e.buildCandidate(set, dir.path)
					// A chain claimed by a deleted entry set is accounted
					// for; the orphan sweep must not report it again.
					if cand.FsMetadata.Exfat != nil {
						for _, c := range cand.FsMetadata.Exfat.ClusterChain {
							referenced[c] = true
						}
					}
					candidates = append(candidates, cand)
					continue
				}

				// Live sets pin their cluster chains for orphan detection.
				live := e.chainFor(set)
				for _, c := range live.clusters {
					referenced[c] = true
				}
				if set.IsDirectory() && e.fat.inHeap(set.firstCluster) {
					dirQueue = append(dirQueue, struct {
						cluster uint32
						path    string
					}{set.firstCluster, dir.path + "/" + set.name})
				}
			}
		}
	}

	orphans := e.orphanChains(referenced)
	candidates = append(candidates, orphans...)

	for i := range candidates {
		candidates[i].ID = uint64(i) + 1
	}
	return candidates, nil
}

// chainFor resolves the cluster chain of an entry set, honoring the
// NoFatChain flag.
func (e *Engine) chainFor(set *entrySet) chainResult {
	if set.noFatChain {
		return e.fat.contiguousChain(set.firstCluster, set.dataLength, uint64(e.bs.BytesPerCluster))
	}
	return e.fat.followChain(set.firstCluster)
}

// buildCandidate converts a deleted entry set into a DeletedFile with its
// extent list derived from the cluster chain.
func (e *Engine) buildCandidate(set *entrySet, dirPath string) types.DeletedFile {
	chain := e.chainFor(set)

	extents, bad := chainExtents(chain.clusters, e.fat.clusterCount, uint64(e.bs.BytesPerCluster))

	mode := uint32(0)
	cand := types.DeletedFile{
		NativeID:   uint64(set.firstCluster),
		Size:       set.dataLength,
		FileType:   types.FileTypeRegular,
		Extents:    extents,
		BadExtents: bad,
		Metadata: types.FileMetadata{
			Permissions:  &mode,
			CreatedTime:  decodeDosTimestamp(set.created),
			ModifiedTime: decodeDosTimestamp(set.modified),
			AccessedTime: decodeDosTimestamp(set.accessed),
		},
		FsMetadata: types.FsMetadata{
			Exfat: &types.ExfatMetadata{
				FirstCluster:      set.firstCluster,
				ClusterChain:      chain.clusters,
				ChainValid:        chain.valid,
				ChainHasBadMarker: chain.hitBadMarker,
				Utf16Valid:        set.utf16Valid,
				EntryCount:        set.entryCount,
				SetChecksum:       set.storedChecksum,
				SetChecksumOK:     set.checksumOK,
				Attributes:        set.attributes,
			},
		},
	}
	if set.IsDirectory() {
		cand.FileType = types.FileTypeDirectory
	}
	// The modification stamp is the closest thing exFAT keeps to a
	// deletion time.
	cand.DeletionTime = decodeDosTimestamp(set.modified)

	if set.name != "" {
		cand.OriginalPath = dirPath + "/" + set.name
	}
	if !set.checksumOK {
		log.L.WithField("first_cluster", set.firstCluster).Debug("exfat: deleted entry set checksum mismatch")
	}

	if prefix := e.payloadPrefix(&cand); prefix != nil {
		if sig := signatures.Match(prefix); sig != nil {
			cand.Metadata.MimeType = sig.MimeType
			cand.Metadata.FileExtension = sig.Extension
		}
	}
	return cand
}

// chainExtents coalesces consecutive clusters into extents. Out-of-heap
// clusters are dropped and counted.
func chainExtents(clusters []uint32, clusterCount uint32, bytesPerCluster uint64) ([]types.Extent, uint32) {
	var extents []types.Extent
	var bad uint32
	var logical uint64
	for i := 0; i < len(clusters); {
		c := clusters[i]
		if c < 2 || c >= clusterCount {
			bad++
			i++
			continue
		}
		run := uint64(1)
		for i+int(run) < len(clusters) && clusters[i+int(run)] == c+uint32(run) {
			run++
		}
		extents = append(extents, types.Extent{
			Start:         uint64(c),
			Count:         run,
			LogicalOffset: logical,
		})
		logical += run * bytesPerCluster
		i += int(run)
	}
	return extents, bad
}

// orphanChains finds non-free clusters that no live entry set references
// and that no other FAT entry points to, and follows each as a chain head.
func (e *Engine) orphanChains(referenced map[uint32]bool) []types.DeletedFile {
	pointedTo := make(map[uint32]bool)
	for c := uint32(2); c < e.fat.clusterCount; c++ {
		next := e.fat.entry(c)
		if e.fat.inHeap(next) {
			pointedTo[next] = true
		}
	}

	var heads []uint32
	for c := uint32(2); c < e.fat.clusterCount; c++ {
		if e.fat.entry(c) == fatFree || referenced[c] || pointedTo[c] {
			continue
		}
		heads = append(heads, c)
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })

	var out []types.DeletedFile
	claimed := make(map[uint32]bool)
	for _, head := range heads {
		if claimed[head] {
			continue
		}
		chain := e.fat.followChain(head)
		if len(chain.clusters) == 0 {
			continue
		}
		for _, c := range chain.clusters {
			claimed[c] = true
		}
		extents, bad := chainExtents(chain.clusters, e.fat.clusterCount, uint64(e.bs.BytesPerCluster))
		size := uint64(len(chain.clusters)) * uint64(e.bs.BytesPerCluster)

		cand := types.DeletedFile{
			NativeID:   uint64(head),
			Size:       size,
			FileType:   types.FileTypeRegular,
			Extents:    extents,
			BadExtents: bad,
			FsMetadata: types.FsMetadata{
				Exfat: &types.ExfatMetadata{
					FirstCluster:      head,
					ClusterChain:      chain.clusters,
					ChainValid:        chain.valid,
					ChainHasBadMarker: chain.hitBadMarker,
				},
			},
		}
		if prefix := e.payloadPrefix(&cand); prefix != nil {
			if sig := signatures.Match(prefix); sig != nil {
				cand.Metadata.MimeType = sig.MimeType
				cand.Metadata.FileExtension = sig.Extension
				if est := signatures.EstimateSize(sig, prefix); est > 0 && est < size {
					cand.Size = est
				}
			}
		}
		out = append(out, cand)
	}
	return out
}

func (e *Engine) payloadPrefix(cand *types.DeletedFile) []byte {
	if len(cand.Extents) == 0 {
		return nil
	}
	first := cand.Extents[0]
	buf, err := e.img.ReadAt(e.bs.ClusterOffset(uint32(first.Start)), e.bs.BytesPerCluster)
	if err != nil {
		return nil
	}
	return buf
}
