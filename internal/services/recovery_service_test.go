package services

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaneDevelopers/GhostFS/internal/forensics"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// buildXfsImage assembles a one-AG XFS image holding a root directory with
// one entry ("report.txt" -> inode 49) and that file's inode unlinked with
// a single extent at block 16. The payload starts with a PDF magic so the
// signature factor fires.
func buildXfsImage(t *testing.T, mtime time.Time) string {
	t.Helper()
	const (
		blockSize = 4096
		agBlocks  = 64
	)
	img := make([]byte, agBlocks*blockSize)
	be := binary.BigEndian

	// Superblock.
	sb := img[:512]
	copy(sb[0:4], "XFSB")
	be.PutUint32(sb[4:8], blockSize)
	be.PutUint64(sb[8:16], agBlocks)
	be.PutUint64(sb[56:64], 48) // root inode
	be.PutUint32(sb[84:88], agBlocks)
	be.PutUint32(sb[88:92], 1)
	be.PutUint16(sb[100:102], 4)
	be.PutUint16(sb[102:104], 512)
	be.PutUint16(sb[104:106], 256)
	be.PutUint16(sb[106:108], 16)
	sb[120], sb[121], sb[122], sb[123], sb[124] = 12, 9, 8, 4, 6

	// AGI magic in sector 2.
	be.PutUint32(img[1024:], 0x58414749)

	writeInode := func(agino uint32, mode uint16, nlink uint32, gen uint32, size uint64, format uint8, nextents uint32, stamp uint32, fork []byte) {
		off := int(agino/16)*blockSize + int(agino%16)*256
		buf := img[off : off+256]
		be.PutUint16(buf[0:2], 0x494E)
		be.PutUint16(buf[2:4], mode)
		buf[4] = 2
		buf[5] = format
		be.PutUint32(buf[16:20], nlink)
		be.PutUint32(buf[40:44], stamp)
		be.PutUint32(buf[48:52], stamp)
		be.PutUint64(buf[56:64], size)
		be.PutUint32(buf[76:80], nextents)
		be.PutUint32(buf[92:96], gen)
		copy(buf[100:], fork)
	}

	// Root directory (short form): "report.txt" -> inode 49.
	dir := []byte{1, 0, 0, 0, 0, 48}
	dir = append(dir, 10, 0, 0)
	dir = append(dir, "report.txt"...)
	dir = append(dir, 0, 0, 0, 49)
	writeInode(48, 0x41ED, 2, 1, uint64(len(dir)), 1, 0, 0, dir)

	// Deleted file inode: one extent at block 16.
	ext := make([]byte, 16)
	be.PutUint64(ext[8:16], 16<<21|1)
	writeInode(49, 0x81A4, 0, 7, blockSize, 2, 1, uint32(mtime.Unix()), ext)

	// Payload with a recognizable signature.
	payload := img[16*blockSize : 17*blockSize]
	copy(payload, "%PDF-1.4\n")
	for i := 16; i < blockSize-6; i++ {
		payload[i] = 'x'
	}
	copy(payload[blockSize-6:], "%%EOF\n")

	path := filepath.Join(t.TempDir(), "xfs.img")
	require.NoError(t, os.WriteFile(path, img, 0o644))
	return path
}

func TestDetectAfterScanAgrees(t *testing.T) {
	path := buildXfsImage(t, time.Now())

	kind, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, types.FilesystemXFS, kind)

	session, err := Scan(context.Background(), path, "", 0.5)
	require.NoError(t, err)
	assert.Equal(t, kind, session.FsType)
}

func TestScanRecentXfsDeletionEndToEnd(t *testing.T) {
	path := buildXfsImage(t, time.Now())

	session, err := Scan(context.Background(), path, types.FilesystemXFS, 0.5)
	require.NoError(t, err)
	require.Len(t, session.Candidates, 1)

	c := session.Candidates[0]
	assert.Equal(t, "/report.txt", c.OriginalPath)
	assert.GreaterOrEqual(t, c.Confidence, 0.85)
	assert.True(t, c.IsRecoverable)
	assert.Equal(t, uint32(1), session.FilesFound)
	assert.Equal(t, uint32(1), session.RecoverableFiles)
	assert.Equal(t, uint32(4096), session.BlockSize)
}

func TestScanOrderingIsStable(t *testing.T) {
	path := buildXfsImage(t, time.Now())

	s1, err := Scan(context.Background(), path, types.FilesystemXFS, 0.5)
	require.NoError(t, err)
	s2, err := Scan(context.Background(), path, types.FilesystemXFS, 0.5)
	require.NoError(t, err)

	require.Equal(t, len(s1.Candidates), len(s2.Candidates))
	for i := range s1.Candidates {
		assert.Equal(t, s1.Candidates[i].NativeID, s2.Candidates[i].NativeID)
		assert.Equal(t, s1.Candidates[i].ID, s2.Candidates[i].ID)
	}
}

func TestRecoverEndToEndWithForensics(t *testing.T) {
	path := buildXfsImage(t, time.Now())

	session, err := Scan(context.Background(), path, types.FilesystemXFS, 0.5)
	require.NoError(t, err)
	require.Len(t, session.Candidates, 1)

	outDir := t.TempDir()
	cfg := forensics.FullForensics(outDir)
	report, err := Recover(context.Background(), session, outDir, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)

	// The recovered bytes are exactly block 16 of the image.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	want := raw[16*4096 : 17*4096]

	got, err := os.ReadFile(filepath.Join(outDir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The manifest digest matches the source bytes.
	manifest, err := forensics.ReadHashManifest(cfg.ManifestPath)
	require.NoError(t, err)
	require.Contains(t, manifest.Files, "report.txt")
	sum := sha256.Sum256(want)
	assert.Equal(t, hex.EncodeToString(sum[:]), manifest.Files["report.txt"].Hash)

	// The audit log carries the full lifecycle in order.
	records, err := forensics.ReadAuditLog(cfg.AuditLogPath)
	require.NoError(t, err)
	var seen []forensics.AuditEventType
	for _, rec := range records {
		seen = append(seen, rec.EventType)
	}
	assert.Contains(t, seen, forensics.EventSessionStart)
	assert.Contains(t, seen, forensics.EventFileRecovered)
	assert.Contains(t, seen, forensics.EventHashCalculated)
	assert.Contains(t, seen, forensics.EventSessionEnd)
}

func TestScanUnknownImageFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<17), 0o644))

	_, err := Scan(context.Background(), path, "", 0.5)
	assert.Error(t, err)
}

func TestScanTruncatedImageFails(t *testing.T) {
	path := buildXfsImage(t, time.Now())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Chop the image below the declared filesystem size.
	short := filepath.Join(t.TempDir(), "short.img")
	require.NoError(t, os.WriteFile(short, raw[:len(raw)/2], 0o644))

	_, err = Scan(context.Background(), short, types.FilesystemXFS, 0.5)
	assert.Error(t, err)
}

func TestSessionInvariants(t *testing.T) {
	path := buildXfsImage(t, time.Now())
	session, err := Scan(context.Background(), path, types.FilesystemXFS, 0.5)
	require.NoError(t, err)

	totalBlocks := session.TotalBlocks()
	for _, c := range session.Candidates {
		assert.GreaterOrEqual(t, c.Confidence, 0.0)
		assert.LessOrEqual(t, c.Confidence, 1.0)
		assert.Equal(t, c.Confidence >= session.ConfidenceThreshold, c.IsRecoverable)

		var prevEnd uint64
		for _, e := range c.Extents {
			if e.Inline != nil {
				continue
			}
			assert.GreaterOrEqual(t, e.Count, uint64(1))
			assert.LessOrEqual(t, e.End(), totalBlocks)
			assert.GreaterOrEqual(t, e.LogicalOffset, prevEnd)
			prevEnd = e.LogicalOffset
		}
	}
}
