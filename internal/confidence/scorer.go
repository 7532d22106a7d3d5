// Package confidence turns a recovery candidate into a score in [0, 1]: a
// weighted sum of six generic factors plus a filesystem-specific sub-score
// computed from the native validators each engine recorded.
package confidence

import (
	"math"
	"time"

	"github.com/SaneDevelopers/GhostFS/internal/signatures"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// Factor weights; they sum to 1.
const (
	weightTimeRecency  = 0.25
	weightMetadata     = 0.15
	weightExtents      = 0.20
	weightSignature    = 0.15
	weightSize         = 0.10
	weightFsSpecific   = 0.15
)

// Geometry carries the filesystem facts the native validators compare
// against.
type Geometry struct {
	TotalBlocks       uint64
	BlockSize         uint32
	AgCount           uint32 // XFS
	InodesPerAG       uint64 // XFS
	CurrentGeneration uint64 // Btrfs
	ClusterCount      uint32 // exFAT
}

// Scorer evaluates candidates of one session.
type Scorer struct {
	Kind      types.FilesystemKind
	Threshold float64
	Now       time.Time
	Geometry  Geometry
	// Payload returns the first bytes of the candidate's reconstructed
	// data for signature matching; nil when unavailable.
	Payload func(f *types.DeletedFile) []byte
}

// Score writes the confidence and recoverability of a candidate in place.
// Candidates with an unsupported variant score zero unconditionally.
func (s *Scorer) Score(f *types.DeletedFile) {
	if f.UnsupportedReason != "" {
		f.Confidence = 0
		f.IsRecoverable = false
		return
	}

	score := weightTimeRecency*s.timeRecency(f) +
		weightMetadata*metadataCompleteness(f) +
		weightExtents*extentIntegrity(f, s.Geometry.TotalBlocks) +
		weightSignature*s.signatureMatch(f) +
		weightSize*sizeConsistency(f, uint64(s.Geometry.BlockSize)) +
		weightFsSpecific*s.fsSpecific(f)

	f.Confidence = clamp01(score)
	f.IsRecoverable = f.Confidence >= s.Threshold
}

// timeRecency decays exponentially with days since deletion: 1.0 today,
// half at 30 days, effectively zero past a year. Unknown deletion times
// are neutral.
func (s *Scorer) timeRecency(f *types.DeletedFile) float64 {
	if f.DeletionTime == nil {
		return 0.5
	}
	days := s.Now.Sub(*f.DeletionTime).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days * math.Ln2 / 30)
}

// metadataCompleteness is the populated fraction of the seven generic
// metadata fields.
func metadataCompleteness(f *types.DeletedFile) float64 {
	present := 0
	if f.Metadata.CreatedTime != nil {
		present++
	}
	if f.Metadata.ModifiedTime != nil {
		present++
	}
	if f.Metadata.AccessedTime != nil {
		present++
	}
	if f.Metadata.OwnerUID != nil {
		present++
	}
	if f.Metadata.OwnerGID != nil {
		present++
	}
	if f.Metadata.Permissions != nil {
		present++
	}
	if f.OriginalPath != "" {
		present++
	}
	return float64(present) / 7
}

// extentIntegrity is 1 − bad/total, where bad covers out-of-bounds,
// zero-length and dropped extents. Any overlap between kept extents zeroes
// the factor outright.
func extentIntegrity(f *types.DeletedFile, totalBlocks uint64) float64 {
	total := len(f.Extents) + int(f.BadExtents)
	if total == 0 {
		return 0
	}
	bad := int(f.BadExtents)
	for i, e := range f.Extents {
		if e.Inline != nil {
			continue
		}
		if e.Count == 0 || (totalBlocks > 0 && e.End() > totalBlocks) {
			bad++
			continue
		}
		for _, o := range f.Extents[i+1:] {
			if e.Overlaps(o) {
				return 0
			}
		}
	}
	return 1 - float64(bad)/float64(total)
}

// signatureMatch is 1.0 on a payload signature hit, 0.5 when only the
// metadata names a MIME kind, 0.0 otherwise.
func (s *Scorer) signatureMatch(f *types.DeletedFile) float64 {
	if s.Payload != nil {
		if prefix := s.Payload(f); prefix != nil && signatures.Match(prefix) != nil {
			return 1.0
		}
	}
	if f.Metadata.MimeType != "" {
		return 0.5
	}
	return 0
}

// sizeConsistency compares the recorded size against the extent bytes:
// 1.0 within ±10%, falling linearly to 0 at ±100%.
func sizeConsistency(f *types.DeletedFile, blockSize uint64) float64 {
	var extentBytes uint64
	for _, e := range f.Extents {
		if e.Inline != nil {
			extentBytes += uint64(len(e.Inline))
		} else {
			extentBytes += e.Count * blockSize
		}
	}
	if f.Size == 0 && extentBytes == 0 {
		return 1.0
	}
	if f.Size == 0 || extentBytes == 0 {
		return 0
	}
	larger := math.Max(float64(f.Size), float64(extentBytes))
	dev := math.Abs(float64(f.Size)-float64(extentBytes)) / larger
	if dev <= 0.10 {
		return 1.0
	}
	if dev >= 1.0 {
		return 0
	}
	return 1 - (dev-0.10)/0.90
}

// fsSpecific dispatches to the native validator for the candidate's
// metadata variant. A candidate with no variant is neutral.
func (s *Scorer) fsSpecific(f *types.DeletedFile) float64 {
	switch {
	case f.FsMetadata.Xfs != nil:
		return s.xfsFactor(f, f.FsMetadata.Xfs)
	case f.FsMetadata.Btrfs != nil:
		return s.btrfsFactor(f.FsMetadata.Btrfs)
	case f.FsMetadata.Exfat != nil:
		return s.exfatFactor(f, f.FsMetadata.Exfat)
	default:
		return 0.5
	}
}

// xfsFactor is the equal average of AG validity, extent integrity and
// inode consistency.
func (s *Scorer) xfsFactor(f *types.DeletedFile, m *types.XfsMetadata) float64 {
	var ag float64
	if s.Geometry.AgCount == 0 || m.AgIndex < s.Geometry.AgCount {
		ag += 0.4
	}
	if s.Geometry.InodesPerAG == 0 || uint64(m.AgInodeNumber) < s.Geometry.InodesPerAG {
		ag += 0.4
	}
	if m.InodeGeneration > 0 && m.InodeGeneration < 1_000_000 {
		ag += 0.2
	}

	var ext float64
	if inBounds(f, s.Geometry.TotalBlocks) {
		ext += 0.4
	}
	if m.IsAligned {
		ext += 0.4
	}
	if !hasOverlap(f) {
		ext += 0.2
	}

	var ino float64
	if m.LastLinkCount > 0 {
		ino += 0.4
	}
	if formatMatchesSize(f, m) {
		ino += 0.4
	}
	if m.ExtentCount > 0 {
		avg := f.Size / uint64(m.ExtentCount)
		if avg >= 4096 && avg <= 400*1024 {
			ino += 0.2
		}
	} else if f.Size == 0 {
		ino += 0.2
	}

	return (ag + ext + ino) / 3
}

// formatMatchesSize checks the data-fork format against its size bucket:
// local for tiny files, a direct list up to a handful of extents, a B+tree
// beyond that.
func formatMatchesSize(f *types.DeletedFile, m *types.XfsMetadata) bool {
	switch m.ExtentFormat {
	case types.XfsFormatLocal:
		return f.Size <= 156
	case types.XfsFormatExtents:
		return m.ExtentCount <= 10
	case types.XfsFormatBtree:
		return m.ExtentCount > 10
	default:
		return false
	}
}

// btrfsFactor weights generation validity, data checksum and COW
// structure: 0.4 / 0.4 / 0.2.
func (s *Scorer) btrfsFactor(m *types.BtrfsMetadata) float64 {
	curGen := s.Geometry.CurrentGeneration

	var gen float64
	if m.Generation > 0 && (curGen == 0 || m.Generation <= curGen) {
		gen += 0.5
	}
	if m.Generation > 0 {
		gen += 0.33
	}
	if m.TransID > 0 && (curGen == 0 || m.TransID <= curGen) {
		gen += 0.17
	}

	var csum float64
	if m.ChecksumValid {
		csum = 1.0
	}

	var cow float64
	if len(m.ExtentRefs) > 0 {
		all := true
		for _, r := range m.ExtentRefs {
			if r == 0 || r >= 1000 {
				all = false
			}
		}
		if all {
			cow += 0.67
		}
	}
	if m.InSnapshot {
		cow += 0.33
	}

	return 0.4*gen + 0.4*csum + 0.2*clamp01(cow)
}

// exfatFactor weights chain validity, entry-set consistency and cluster
// patterns: 0.5 / 0.3 / 0.2.
func (s *Scorer) exfatFactor(f *types.DeletedFile, m *types.ExfatMetadata) float64 {
	var chain float64
	if m.FirstCluster >= 2 {
		chain += 0.29
	}
	allInHeap := len(m.ClusterChain) > 0
	for _, c := range m.ClusterChain {
		if c < 2 || (s.Geometry.ClusterCount > 0 && c >= s.Geometry.ClusterCount) {
			allInHeap = false
		}
	}
	if allInHeap {
		chain += 0.43
	}
	if m.ChainValid {
		chain += 0.29
	}

	var entry float64
	if m.SetChecksumOK {
		entry += 0.6
	}
	if m.EntryCount >= 2 && m.EntryCount <= 18 {
		entry += 0.2
	}
	if m.Utf16Valid {
		entry += 0.2
	}

	var pattern float64
	if !m.ChainHasBadMarker {
		pattern += 0.67
	}
	if clusterSize := uint64(s.Geometry.BlockSize); clusterSize > 0 && f.Size > 0 {
		expected := (f.Size + clusterSize - 1) / clusterSize
		actual := uint64(len(m.ClusterChain))
		if expected > 0 {
			dev := math.Abs(float64(actual)-float64(expected)) / float64(expected)
			if dev <= 0.10 {
				pattern += 0.33
			}
		}
	}

	return 0.5*clamp01(chain) + 0.3*entry + 0.2*pattern
}

func inBounds(f *types.DeletedFile, totalBlocks uint64) bool {
	if f.BadExtents > 0 {
		return false
	}
	for _, e := range f.Extents {
		if e.Inline != nil {
			continue
		}
		if totalBlocks > 0 && e.End() > totalBlocks {
			return false
		}
	}
	return true
}

func hasOverlap(f *types.DeletedFile) bool {
	for i, e := range f.Extents {
		for _, o := range f.Extents[i+1:] {
			if e.Overlaps(o) {
				return true
			}
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
