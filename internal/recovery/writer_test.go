package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaneDevelopers/GhostFS/internal/device"
	"github.com/SaneDevelopers/GhostFS/internal/forensics"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// identityMapper maps block N to byte offset N*blockSize, like the XFS and
// Btrfs engines do.
type identityMapper struct{ blockSize uint32 }

func (m identityMapper) ExtentOffset(e types.Extent) uint64 { return e.Start * uint64(m.blockSize) }
func (m identityMapper) BlockSize() uint32                  { return m.blockSize }

func testSession(img []byte, cands []types.DeletedFile) *types.RecoverySession {
	return &types.RecoverySession{
		ID:                  uuid.New(),
		FsType:              types.FilesystemXFS,
		ImagePath:           "test.img",
		CreatedAt:           time.Now().UTC(),
		ConfidenceThreshold: 0.5,
		DeviceSize:          uint64(len(img)),
		FilesystemSize:      uint64(len(img)),
		BlockSize:           512,
		Candidates:          cands,
	}
}

func blockImage(blocks int) []byte {
	img := make([]byte, blocks*512)
	for i := range img {
		img[i] = byte(i / 512)
	}
	return img
}

func TestRecoverWritesExactBytes(t *testing.T) {
	img := blockImage(32)
	cand := types.DeletedFile{
		ID:            1,
		OriginalPath:  "/report.txt",
		Size:          1024,
		Confidence:    0.9,
		IsRecoverable: true,
		Extents:       []types.Extent{{Start: 4, Count: 2}},
	}
	session := testSession(img, []types.DeletedFile{cand})
	outDir := t.TempDir()

	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	report, err := w.Recover(context.Background(), outDir, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Files, 1)
	assert.Equal(t, StatusRecovered, report.Files[0].Status)

	got, err := os.ReadFile(filepath.Join(outDir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, img[4*512:6*512], got)
}

func TestRecoverTruncatesToRecordedSize(t *testing.T) {
	img := blockImage(32)
	cand := types.DeletedFile{
		ID:            1,
		OriginalPath:  "/short.bin",
		Size:          700, // less than the 1024 extent bytes
		Confidence:    0.9,
		IsRecoverable: true,
		Extents:       []types.Extent{{Start: 4, Count: 2}},
	}
	session := testSession(img, []types.DeletedFile{cand})
	outDir := t.TempDir()

	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	_, err := w.Recover(context.Background(), outDir, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(outDir, "short.bin"))
	require.NoError(t, err)
	assert.Len(t, got, 700)
}

func TestRecoverInlinePayload(t *testing.T) {
	img := blockImage(8)
	payload := []byte("inline data")
	cand := types.DeletedFile{
		ID:            1,
		Size:          uint64(len(payload)),
		Confidence:    0.9,
		IsRecoverable: true,
		Extents:       []types.Extent{{Inline: payload}},
		Metadata:      types.FileMetadata{FileExtension: "txt"},
	}
	session := testSession(img, []types.DeletedFile{cand})
	outDir := t.TempDir()

	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	report, err := w.Recover(context.Background(), outDir, nil)
	require.NoError(t, err)
	require.Len(t, report.Files, 1)

	got, err := os.ReadFile(report.Files[0].OutputPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "file_0000001.txt", filepath.Base(report.Files[0].OutputPath))
}

func TestRecoverRefusesNonRecoverable(t *testing.T) {
	img := blockImage(8)
	cand := types.DeletedFile{
		ID:            7,
		Size:          512,
		Confidence:    0.2,
		IsRecoverable: false,
		Extents:       []types.Extent{{Start: 2, Count: 1}},
	}
	session := testSession(img, []types.DeletedFile{cand})
	outDir := t.TempDir()

	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	report, err := w.Recover(context.Background(), outDir, []uint64{7})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Recovered)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecoverRefusesOverlappingExtents(t *testing.T) {
	img := blockImage(32)
	cand := types.DeletedFile{
		ID:            1,
		Size:          2048,
		Confidence:    0.9,
		IsRecoverable: true,
		Extents: []types.Extent{
			{Start: 4, Count: 4, LogicalOffset: 0},
			{Start: 6, Count: 4, LogicalOffset: 2048},
		},
	}
	session := testSession(img, []types.DeletedFile{cand})
	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	report, err := w.Recover(context.Background(), t.TempDir(), []uint64{1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}

func TestRecoverSanitizesHostilePaths(t *testing.T) {
	img := blockImage(8)
	cand := types.DeletedFile{
		ID:            1,
		OriginalPath:  "/../../etc/passwd",
		Size:          512,
		Confidence:    0.9,
		IsRecoverable: true,
		Extents:       []types.Extent{{Start: 2, Count: 1}},
	}
	session := testSession(img, []types.DeletedFile{cand})
	outDir := t.TempDir()

	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	report, err := w.Recover(context.Background(), outDir, nil)
	require.NoError(t, err)
	require.Len(t, report.Files, 1)

	// The ".." components are stripped; the file lands inside outDir.
	assert.Equal(t, StatusRecovered, report.Files[0].Status)
	assert.True(t, filepath.Dir(report.Files[0].OutputPath) == filepath.Join(outDir, "etc") ||
		filepath.Dir(report.Files[0].OutputPath) == outDir)
	rel, err := filepath.Rel(outDir, report.Files[0].OutputPath)
	require.NoError(t, err)
	assert.False(t, filepath.IsAbs(rel))
	assert.NotContains(t, rel, "..")
}

func TestRecoverConflictSuffix(t *testing.T) {
	img := blockImage(8)
	cands := []types.DeletedFile{
		{ID: 1, OriginalPath: "/dup.bin", Size: 512, Confidence: 0.9, IsRecoverable: true,
			Extents: []types.Extent{{Start: 2, Count: 1}}},
		{ID: 2, OriginalPath: "/dup.bin", Size: 512, Confidence: 0.9, IsRecoverable: true,
			Extents: []types.Extent{{Start: 3, Count: 1}}},
	}
	session := testSession(img, cands)
	outDir := t.TempDir()

	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	report, err := w.Recover(context.Background(), outDir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Recovered)

	_, err = os.Stat(filepath.Join(outDir, "dup.bin"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "dup_1.bin"))
	require.NoError(t, err)
}

func TestRecoverPartialModeZeroFills(t *testing.T) {
	img := blockImage(8) // 8 blocks; extent reaches past the end
	cand := types.DeletedFile{
		ID:            1,
		OriginalPath:  "/torn.bin",
		Size:          1024,
		Confidence:    0.9,
		IsRecoverable: true,
		Extents: []types.Extent{
			{Start: 6, Count: 1, LogicalOffset: 0},
			{Start: 20, Count: 1, LogicalOffset: 512}, // unreadable
		},
	}
	session := testSession(img, []types.DeletedFile{cand})
	outDir := t.TempDir()

	cfg := forensics.Config{PartialRecovery: true}
	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, cfg)
	report, err := w.Recover(context.Background(), outDir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Partial)

	got, err := os.ReadFile(filepath.Join(outDir, "torn.bin"))
	require.NoError(t, err)
	require.Len(t, got, 1024)
	assert.Equal(t, img[6*512:7*512], got[:512])
	assert.Equal(t, make([]byte, 512), got[512:])
}

func TestRecoverWithoutPartialModeFails(t *testing.T) {
	img := blockImage(8)
	cand := types.DeletedFile{
		ID: 1, OriginalPath: "/torn.bin", Size: 512, Confidence: 0.9, IsRecoverable: true,
		Extents: []types.Extent{{Start: 20, Count: 1}},
	}
	session := testSession(img, []types.DeletedFile{cand})

	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	report, err := w.Recover(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}

func TestRecoverZeroByteCandidate(t *testing.T) {
	img := blockImage(8)
	cand := types.DeletedFile{
		ID: 1, OriginalPath: "/empty.txt", Size: 0, Confidence: 0.6, IsRecoverable: true,
	}
	session := testSession(img, []types.DeletedFile{cand})
	outDir := t.TempDir()

	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	report, err := w.Recover(context.Background(), outDir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)

	info, err := os.Stat(filepath.Join(outDir, "empty.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestRecoverForensicsArtifacts(t *testing.T) {
	img := blockImage(32)
	copy(img[4*512:], "%PDF-1.4 forensic payload")
	cand := types.DeletedFile{
		ID:            1,
		OriginalPath:  "/report.txt",
		Size:          4096,
		Confidence:    0.9,
		IsRecoverable: true,
		Extents:       []types.Extent{{Start: 4, Count: 8}},
	}
	session := testSession(img, []types.DeletedFile{cand})
	outDir := t.TempDir()

	cfg := forensics.FullForensics(outDir)
	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, cfg)
	report, err := w.Recover(context.Background(), outDir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)

	// Audit log: expected lifecycle events with strictly increasing ids.
	records, err := forensics.ReadAuditLog(cfg.AuditLogPath)
	require.NoError(t, err)
	var events []forensics.AuditEventType
	lastID := uint64(0)
	for _, rec := range records {
		assert.Greater(t, rec.ID, lastID)
		lastID = rec.ID
		events = append(events, rec.EventType)
	}
	assert.Contains(t, events, forensics.EventSessionStart)
	assert.Contains(t, events, forensics.EventFileDetected)
	assert.Contains(t, events, forensics.EventFileRecovered)
	assert.Contains(t, events, forensics.EventHashCalculated)
	assert.Contains(t, events, forensics.EventSessionEnd)

	// Manifest: SHA-256 of the output equals SHA-256 of the source bytes.
	manifest, err := forensics.ReadHashManifest(cfg.ManifestPath)
	require.NoError(t, err)
	require.Contains(t, manifest.Files, "report.txt")
	want := sha256.Sum256(img[4*512 : 4*512+4096])
	assert.Equal(t, hex.EncodeToString(want[:]), manifest.Files["report.txt"].Hash)
}

func TestRecoverDeterministicOutputs(t *testing.T) {
	img := blockImage(32)
	cand := types.DeletedFile{
		ID: 1, OriginalPath: "/stable.bin", Size: 2048, Confidence: 0.9, IsRecoverable: true,
		Extents: []types.Extent{{Start: 8, Count: 4}},
	}
	session := testSession(img, []types.DeletedFile{cand})

	dir1, dir2 := t.TempDir(), t.TempDir()
	w1 := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	_, err := w1.Recover(context.Background(), dir1, nil)
	require.NoError(t, err)
	w2 := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	_, err = w2.Recover(context.Background(), dir2, nil)
	require.NoError(t, err)

	b1, err := os.ReadFile(filepath.Join(dir1, "stable.bin"))
	require.NoError(t, err)
	b2, err := os.ReadFile(filepath.Join(dir2, "stable.bin"))
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestRecoverCancellation(t *testing.T) {
	img := blockImage(8)
	cand := types.DeletedFile{
		ID: 1, OriginalPath: "/x.bin", Size: 512, Confidence: 0.9, IsRecoverable: true,
		Extents: []types.Extent{{Start: 2, Count: 1}},
	}
	session := testSession(img, []types.DeletedFile{cand})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWriter(device.NewBytesImage(img), identityMapper{512}, session, forensics.Config{})
	_, err := w.Recover(ctx, t.TempDir(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/report.txt", "report.txt", false},
		{"/a/b/c.txt", filepath.Join("a", "b", "c.txt"), false},
		{"/../../etc/passwd", filepath.Join("etc", "passwd"), false},
		{`bad<name>.txt`, "bad_name_.txt", false},
		{"..", "", true},
		{"///", "", true},
	}
	for _, tc := range cases {
		got, err := sanitizeName(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
		} else {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got, tc.in)
		}
	}
}
