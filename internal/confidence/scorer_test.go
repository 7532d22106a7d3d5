package confidence

import (
	"testing"
	"time"

	"github.com/SaneDevelopers/GhostFS/internal/types"
	"github.com/stretchr/testify/assert"
)

func u32(v uint32) *uint32 { return &v }

func xfsCandidate(now time.Time) types.DeletedFile {
	return types.DeletedFile{
		NativeID:     49,
		OriginalPath: "/report.txt",
		Size:         4096,
		DeletionTime: &now,
		FileType:     types.FileTypeRegular,
		Extents:      []types.Extent{{Start: 1024, Count: 1}},
		Metadata: types.FileMetadata{
			Permissions:  u32(0o644),
			OwnerUID:     u32(0),
			OwnerGID:     u32(0),
			CreatedTime:  &now,
			ModifiedTime: &now,
			AccessedTime: &now,
		},
		FsMetadata: types.FsMetadata{
			Xfs: &types.XfsMetadata{
				AgIndex:         0,
				AgInodeNumber:   49,
				ExtentCount:     1,
				ExtentFormat:    types.XfsFormatExtents,
				IsAligned:       true,
				LastLinkCount:   1,
				InodeGeneration: 7,
			},
		},
	}
}

func testScorer(kind types.FilesystemKind) *Scorer {
	return &Scorer{
		Kind:      kind,
		Threshold: 0.5,
		Now:       time.Now().UTC(),
		Geometry: Geometry{
			TotalBlocks:       4096,
			BlockSize:         4096,
			AgCount:           4,
			InodesPerAG:       1024,
			CurrentGeneration: 10,
			ClusterCount:      64,
		},
		Payload: func(f *types.DeletedFile) []byte {
			return []byte("%PDF-1.4 payload")
		},
	}
}

func TestScoreRecentXfsDeletion(t *testing.T) {
	s := testScorer(types.FilesystemXFS)
	f := xfsCandidate(s.Now)

	s.Score(&f)
	assert.GreaterOrEqual(t, f.Confidence, 0.85)
	assert.True(t, f.IsRecoverable)
}

func TestScoreBoundsAndThresholdCoupling(t *testing.T) {
	s := testScorer(types.FilesystemXFS)
	f := xfsCandidate(s.Now)

	s.Score(&f)
	assert.GreaterOrEqual(t, f.Confidence, 0.0)
	assert.LessOrEqual(t, f.Confidence, 1.0)
	assert.Equal(t, f.Confidence >= s.Threshold, f.IsRecoverable)
}

func TestScoreOverlappingExtentsZeroIntegrity(t *testing.T) {
	s := testScorer(types.FilesystemXFS)
	s.Payload = func(f *types.DeletedFile) []byte { return nil }

	f := xfsCandidate(s.Now)
	f.OriginalPath = ""
	f.DeletionTime = nil
	f.Metadata = types.FileMetadata{}
	f.Extents = []types.Extent{
		{Start: 100, Count: 10, LogicalOffset: 0},
		{Start: 105, Count: 10, LogicalOffset: 40960},
	}
	f.FsMetadata.Xfs.ExtentCount = 2
	f.Size = 20 * 4096

	s.Score(&f)
	assert.Less(t, f.Confidence, 0.5)
	assert.False(t, f.IsRecoverable)
	assert.Equal(t, 0.0, extentIntegrity(&f, s.Geometry.TotalBlocks))
}

func TestScoreUnsupportedVariantIsZero(t *testing.T) {
	s := testScorer(types.FilesystemBtrfs)
	f := types.DeletedFile{
		Size:              4096,
		UnsupportedReason: "compressed extent (compression 1)",
		Extents:           []types.Extent{{Start: 10, Count: 1}},
	}
	s.Score(&f)
	assert.Equal(t, 0.0, f.Confidence)
	assert.False(t, f.IsRecoverable)
}

func TestScoreSnapshottedBtrfsFile(t *testing.T) {
	s := testScorer(types.FilesystemBtrfs)
	now := s.Now
	f := types.DeletedFile{
		NativeID:     257,
		Size:         4096,
		DeletionTime: &now,
		Extents:      []types.Extent{{Start: 64, Count: 1}},
		OriginalPath: "/snap.bin",
		Metadata: types.FileMetadata{
			Permissions: u32(0o644), OwnerUID: u32(0), OwnerGID: u32(0),
			CreatedTime: &now, ModifiedTime: &now, AccessedTime: &now,
		},
		FsMetadata: types.FsMetadata{
			Btrfs: &types.BtrfsMetadata{
				Generation:     5,
				TransID:        5,
				ChecksumValid:  true,
				InSnapshot:     true,
				CowExtentCount: 1,
				ExtentRefs:     []uint64{2},
			},
		},
	}

	sub := s.btrfsFactor(f.FsMetadata.Btrfs)
	assert.GreaterOrEqual(t, sub, 0.8)

	s.Score(&f)
	assert.GreaterOrEqual(t, f.Confidence, 0.8)
}

func TestScoreExfatBadChainMarker(t *testing.T) {
	s := testScorer(types.FilesystemExFAT)
	s.Payload = func(f *types.DeletedFile) []byte { return nil }
	s.Geometry.BlockSize = 512
	s.Geometry.TotalBlocks = 64

	f := types.DeletedFile{
		NativeID: 10,
		Size:     2 * 512,
		Extents:  []types.Extent{{Start: 10, Count: 2}},
		FsMetadata: types.FsMetadata{
			Exfat: &types.ExfatMetadata{
				FirstCluster:      10,
				ClusterChain:      []uint32{10, 11},
				ChainValid:        false,
				ChainHasBadMarker: true,
			},
		},
	}

	s.Score(&f)
	assert.Less(t, f.Confidence, 0.5)
	assert.False(t, f.IsRecoverable)
}

func TestScoreExfatHealthyOrphan(t *testing.T) {
	s := testScorer(types.FilesystemExFAT)
	s.Payload = func(f *types.DeletedFile) []byte { return nil }
	s.Geometry.BlockSize = 512
	s.Geometry.TotalBlocks = 64

	f := types.DeletedFile{
		NativeID: 10,
		Size:     3 * 512,
		Extents:  []types.Extent{{Start: 10, Count: 3}},
		FsMetadata: types.FsMetadata{
			Exfat: &types.ExfatMetadata{
				FirstCluster: 10,
				ClusterChain: []uint32{10, 11, 12},
				ChainValid:   true,
			},
		},
	}

	s.Score(&f)
	bad := f
	bad.FsMetadata.Exfat = &types.ExfatMetadata{
		FirstCluster: 10, ClusterChain: []uint32{10, 11}, ChainHasBadMarker: true,
	}
	s.Score(&bad)
	assert.Greater(t, f.Confidence, bad.Confidence)
}

func TestTimeRecencyDecay(t *testing.T) {
	s := testScorer(types.FilesystemXFS)

	now := s.Now
	f := types.DeletedFile{DeletionTime: &now}
	assert.InDelta(t, 1.0, s.timeRecency(&f), 0.01)

	monthAgo := now.Add(-30 * 24 * time.Hour)
	f.DeletionTime = &monthAgo
	assert.InDelta(t, 0.5, s.timeRecency(&f), 0.02)

	twoYears := now.Add(-730 * 24 * time.Hour)
	f.DeletionTime = &twoYears
	assert.Less(t, s.timeRecency(&f), 0.01)

	f.DeletionTime = nil
	assert.Equal(t, 0.5, s.timeRecency(&f))
}

func TestSizeConsistency(t *testing.T) {
	f := types.DeletedFile{Size: 4096, Extents: []types.Extent{{Start: 1, Count: 1}}}
	assert.Equal(t, 1.0, sizeConsistency(&f, 4096))

	f.Size = 2048 // half the extent bytes
	got := sizeConsistency(&f, 4096)
	assert.Greater(t, got, 0.0)
	assert.Less(t, got, 1.0)

	f.Size = 0
	f.Extents = nil
	assert.Equal(t, 1.0, sizeConsistency(&f, 4096))
}

func TestMetadataCompleteness(t *testing.T) {
	f := types.DeletedFile{}
	assert.Equal(t, 0.0, metadataCompleteness(&f))

	now := time.Now()
	f.Metadata.CreatedTime = &now
	f.Metadata.ModifiedTime = &now
	f.Metadata.AccessedTime = &now
	f.Metadata.OwnerUID = u32(0)
	f.Metadata.OwnerGID = u32(0)
	f.Metadata.Permissions = u32(0o644)
	f.OriginalPath = "/x"
	assert.InDelta(t, 1.0, metadataCompleteness(&f), 0.001)
}
