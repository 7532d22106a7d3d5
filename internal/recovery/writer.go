// Package recovery materializes selected candidates from an image into an
// output directory, optionally producing a forensic audit trail and hash
// manifest along the way. Files are never written outside the output
// directory, and the image is never written at all.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/log"

	"github.com/SaneDevelopers/GhostFS/internal/device"
	"github.com/SaneDevelopers/GhostFS/internal/forensics"
	"github.com/SaneDevelopers/GhostFS/internal/signatures"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// ExtentMapper is the per-filesystem capability the writer needs: where an
// extent's bytes live and how large its allocation unit is.
type ExtentMapper interface {
	ExtentOffset(e types.Extent) uint64
	BlockSize() uint32
}

// FileStatus is the outcome for one candidate.
type FileStatus string

const (
	StatusRecovered     FileStatus = "recovered"
	StatusSkipped       FileStatus = "skipped"
	StatusPartial       FileStatus = "partial"
	StatusReconstructed FileStatus = "reconstructed"
	StatusFailed        FileStatus = "failed"
)

// FileResult is the per-file line of a write report.
type FileResult struct {
	FileID       uint64     `json:"file_id"`
	OutputPath   string     `json:"output_path,omitempty"`
	Status       FileStatus `json:"status"`
	BytesWritten uint64     `json:"bytes_written"`
	Error        string     `json:"error,omitempty"`
}

// WriteReport summarizes one writeback run.
type WriteReport struct {
	Recovered     int          `json:"recovered"`
	Skipped       int          `json:"skipped"`
	Partial       int          `json:"partial"`
	Reconstructed int          `json:"reconstructed"`
	Failed        int          `json:"failed"`
	Files         []FileResult `json:"files"`
}

// Writer holds the writeback state for one session.
type Writer struct {
	img      device.Reader
	mapper   ExtentMapper
	session  *types.RecoverySession
	cfg      forensics.Config
	audit    *forensics.AuditLog
	manifest *forensics.HashManifest

	// fragments is built once per run when extent reconstruction is on:
	// loose signature-bearing data cataloged for gap filling.
	fragments *FragmentCatalog
	matcher   *FragmentMatcher
}

// NewWriter prepares a writeback run.
func NewWriter(img device.Reader, mapper ExtentMapper, session *types.RecoverySession, cfg forensics.Config) *Writer {
	return &Writer{img: img, mapper: mapper, session: session, cfg: cfg}
}

// Recover materializes the selected candidates (all recoverable ones when
// ids is empty) into outputDir. Failures are confined to their candidate;
// cancellation is checked before each candidate, so no file is left
// half-written, and is recorded in the audit log.
func (w *Writer) Recover(ctx context.Context, outputDir string, ids []uint64) (*WriteReport, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}

	if w.cfg.EnableAudit && w.cfg.AuditLogPath != "" {
		auditLog, err := forensics.OpenAuditLog(w.cfg.AuditLogPath, w.session.ID)
		if err != nil {
			return nil, err
		}
		w.audit = auditLog
		defer w.audit.Close()
	}
	if w.cfg.EnableHashing && w.cfg.ManifestPath != "" {
		algo := w.cfg.HashAlgorithm
		if algo == "" {
			algo = forensics.HashSHA256
		}
		w.manifest = forensics.NewHashManifest(algo)
	}

	w.auditEvent(forensics.EventSessionStart, "recovery started", map[string]string{
		"output_dir": outputDir,
		"image":      w.session.ImagePath,
	})

	selected := w.selectCandidates(ids)

	if w.cfg.ExtentReconstruction {
		w.fragments = BuildFragmentCatalog(w.img, w.mapper, w.claimedBlocks(selected))
		w.matcher = NewFragmentMatcher()
		log.L.WithField("fragments", w.fragments.Len()).Debug("recovery: fragment catalog built")
	}

	report := &WriteReport{}
	for i := range selected {
		f := selected[i]
		if err := ctx.Err(); err != nil {
			w.auditEvent(forensics.EventCancelled, "recovery cancelled", nil)
			return report, err
		}
		res := w.recoverOne(f, outputDir, ids != nil)
		report.Files = append(report.Files, res)
		switch res.Status {
		case StatusRecovered:
			report.Recovered++
		case StatusSkipped:
			report.Skipped++
		case StatusPartial:
			report.Partial++
			report.Recovered++
		case StatusReconstructed:
			report.Reconstructed++
			report.Recovered++
		case StatusFailed:
			report.Failed++
		}
	}

	if w.manifest != nil {
		if err := w.manifest.Write(w.cfg.ManifestPath); err != nil {
			return report, err
		}
	}
	w.auditEvent(forensics.EventSessionEnd, "recovery finished", map[string]string{
		"recovered": strconv.Itoa(report.Recovered),
		"failed":    strconv.Itoa(report.Failed),
	})
	return report, nil
}

// selectCandidates resolves the id subset: all recoverable candidates when
// none are named.
func (w *Writer) selectCandidates(ids []uint64) []*types.DeletedFile {
	var out []*types.DeletedFile
	if len(ids) == 0 {
		for i := range w.session.Candidates {
			if w.session.Candidates[i].IsRecoverable {
				out = append(out, &w.session.Candidates[i])
			}
		}
		return out
	}
	wanted := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for i := range w.session.Candidates {
		if wanted[w.session.Candidates[i].ID] {
			out = append(out, &w.session.Candidates[i])
		}
	}
	return out
}

// recoverOne writes a single candidate. explicit marks candidates the
// caller named by id; they still must be recoverable.
func (w *Writer) recoverOne(f *types.DeletedFile, outputDir string, explicit bool) FileResult {
	res := FileResult{FileID: f.ID}

	w.auditEvent(forensics.EventFileDetected, fmt.Sprintf("candidate %d selected", f.ID), map[string]string{
		"file_id":    strconv.FormatUint(f.ID, 10),
		"path":       f.OriginalPath,
		"confidence": fmt.Sprintf("%.3f", f.Confidence),
	})

	if f.UnsupportedReason != "" {
		res.Status = StatusSkipped
		res.Error = f.UnsupportedReason
		return res
	}
	if !f.IsRecoverable {
		res.Status = StatusSkipped
		res.Error = fmt.Sprintf("confidence %.3f below threshold %.3f", f.Confidence, w.session.ConfidenceThreshold)
		return res
	}
	if hasOverlappingExtents(f) {
		res.Status = StatusFailed
		res.Error = "overlapping extents"
		return res
	}

	rel, err := outputName(f)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		w.auditEvent(forensics.EventErrorOccurred, err.Error(), map[string]string{
			"file_id": strconv.FormatUint(f.ID, 10),
		})
		return res
	}

	outPath, out, err := createExclusive(outputDir, rel)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.OutputPath = outPath

	written, partial, reconstructed, werr := w.writeExtents(out, f)
	closeErr := out.Close()
	res.BytesWritten = written
	if werr != nil || closeErr != nil {
		if werr == nil {
			werr = closeErr
		}
		res.Status = StatusFailed
		res.Error = werr.Error()
		w.auditEvent(forensics.EventErrorOccurred, werr.Error(), map[string]string{
			"file_id": strconv.FormatUint(f.ID, 10),
		})
		return res
	}

	switch {
	case reconstructed:
		res.Status = StatusReconstructed
	case partial:
		res.Status = StatusPartial
	default:
		res.Status = StatusRecovered
	}
	w.auditEvent(forensics.EventFileRecovered, fmt.Sprintf("candidate %d written to %s", f.ID, outPath), map[string]string{
		"file_id": strconv.FormatUint(f.ID, 10),
		"bytes":   strconv.FormatUint(written, 10),
		"status":  string(res.Status),
	})

	if w.manifest != nil {
		relManifest, _ := filepath.Rel(filepath.Dir(w.cfg.ManifestPath), outPath)
		if relManifest == "" || strings.HasPrefix(relManifest, "..") {
			relManifest = rel
		}
		digest, err := w.manifest.HashFile(outPath, relManifest)
		if err != nil {
			w.auditEvent(forensics.EventHashFailed, err.Error(), map[string]string{
				"file_id": strconv.FormatUint(f.ID, 10),
			})
		} else {
			w.auditEvent(forensics.EventHashCalculated, fmt.Sprintf("%s %s", w.manifest.Algorithm, digest), map[string]string{
				"file_id": strconv.FormatUint(f.ID, 10),
				"hash":    digest,
			})
		}
	}
	return res
}

// writeExtents streams the candidate's extents in order, truncating to the
// recorded size. Read failures zero-fill in partial mode and attempt a
// bridge in reconstruction mode.
func (w *Writer) writeExtents(out *os.File, f *types.DeletedFile) (written uint64, partial, reconstructed bool, err error) {
	blockSize := uint64(w.mapper.BlockSize())
	remaining := f.Size
	if f.Size == 0 {
		// Zero-byte candidates yield an empty file.
		return 0, false, false, nil
	}

	for _, ext := range f.Extents {
		if remaining == 0 {
			break
		}
		var payload []byte
		if ext.Inline != nil {
			payload = ext.Inline
		} else {
			length := ext.Count * blockSize
			buf, rerr := w.img.ReadAt(w.mapper.ExtentOffset(ext), uint32(length))
			if rerr != nil {
				bridged, ok := w.tryBridge(f, ext, length)
				if !ok {
					bridged, ok = w.tryFragmentFill(f, ext, length)
				}
				switch {
				case ok:
					payload = bridged
					reconstructed = true
				case w.cfg.PartialRecovery:
					payload = make([]byte, length)
					partial = true
					log.L.WithError(rerr).WithField("file_id", f.ID).Warn("recovery: zero-filling unreadable extent")
				default:
					return written, partial, reconstructed, fmt.Errorf("extent at %d: %w", ext.Start, rerr)
				}
			} else {
				payload = buf
			}
		}
		if uint64(len(payload)) > remaining {
			payload = payload[:remaining]
		}
		n, werr := out.Write(payload)
		written += uint64(n)
		if werr != nil {
			return written, partial, reconstructed, fmt.Errorf("write to %s: %w", out.Name(), werr)
		}
		remaining -= uint64(n)
	}
	return written, partial, reconstructed, nil
}

// claimedBlocks maps the image blocks covered by the selected candidates'
// extents, so the fragment sweep only catalogs loose data.
func (w *Writer) claimedBlocks(selected []*types.DeletedFile) map[uint64]bool {
	blockSize := uint64(w.mapper.BlockSize())
	claimed := make(map[uint64]bool)
	if blockSize == 0 {
		return claimed
	}
	for _, f := range selected {
		for _, ext := range f.Extents {
			if ext.Inline != nil {
				continue
			}
			start := w.mapper.ExtentOffset(ext) / blockSize
			for i := uint64(0); i < ext.Count; i++ {
				claimed[start+i] = true
			}
		}
	}
	return claimed
}

// tryFragmentFill consults the fragment catalog for an unreadable extent:
// fragments near the gap are ranked by the matcher against the file's
// leading fragment, and the best match supplies the fill bytes. This is
// the reassembly-driven half of reconstruction; the adjacent-block bridge
// runs first.
func (w *Writer) tryFragmentFill(f *types.DeletedFile, ext types.Extent, gapBytes uint64) ([]byte, bool) {
	if w.fragments == nil || w.fragments.Len() == 0 {
		return nil, false
	}

	// The file head, as a fragment, anchors the match.
	head := &Fragment{
		StartOffset:  w.mapper.ExtentOffset(f.Extents[0]),
		Size:         gapBytes,
		MimeType:     f.Metadata.MimeType,
		TemporalHint: f.DeletionTime,
	}
	if prefix := w.payloadPrefix(f); prefix != nil {
		head.SetData(prefix)
	}

	const searchRange = 10 << 20
	candidates := w.fragments.NearLocation(w.mapper.ExtentOffset(ext), searchRange)
	matches := w.matcher.BestMatches(head, candidates)
	if len(matches) == 0 {
		return nil, false
	}

	best := w.fragments.Get(matches[0].ID)
	if best == nil || len(best.Data) == 0 {
		return nil, false
	}
	log.L.WithFields(log.Fields{
		"file_id":    f.ID,
		"fragment":   best.ID,
		"confidence": matches[0].Score.Confidence,
	}).Debug("recovery: filling gap from cataloged fragment")

	fill := make([]byte, gapBytes)
	for off := 0; off < len(fill); off += len(best.Data) {
		copy(fill[off:], best.Data)
	}
	return fill, true
}

// tryBridge attempts extent reconstruction: when the signature bounds an
// expected length, the gap is at most a quarter of it, and an adjacent
// block is readable, the gap is filled from that adjacent block.
func (w *Writer) tryBridge(f *types.DeletedFile, ext types.Extent, gapBytes uint64) ([]byte, bool) {
	if !w.cfg.ExtentReconstruction {
		return nil, false
	}
	prefix := w.payloadPrefix(f)
	if prefix == nil {
		return nil, false
	}
	sig := signatures.Match(prefix)
	if sig == nil {
		return nil, false
	}
	expected := signatures.EstimateSize(sig, prefix)
	if expected == 0 || gapBytes*4 > expected {
		return nil, false
	}
	// The block just past the unreadable extent is the bridge source.
	adjacent := types.Extent{Start: ext.End(), Count: ext.Count}
	buf, err := w.img.ReadAt(w.mapper.ExtentOffset(adjacent), uint32(gapBytes))
	if err != nil {
		return nil, false
	}
	return buf, true
}

func (w *Writer) payloadPrefix(f *types.DeletedFile) []byte {
	if len(f.Extents) == 0 {
		return nil
	}
	first := f.Extents[0]
	if first.Inline != nil {
		return first.Inline
	}
	buf, err := w.img.ReadAt(w.mapper.ExtentOffset(first), w.mapper.BlockSize())
	if err != nil {
		return nil
	}
	return buf
}

func (w *Writer) auditEvent(event forensics.AuditEventType, message string, metadata map[string]string) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Append(event, message, metadata); err != nil {
		log.L.WithError(err).Warn("recovery: audit append failed")
	}
}

// createExclusive opens the output file with O_EXCL, appending a numeric
// suffix on name conflicts.
func createExclusive(outputDir, rel string) (string, *os.File, error) {
	full := filepath.Join(outputDir, rel)
	if dir := filepath.Dir(full); dir != outputDir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	candidate := full
	for attempt := 0; attempt < 1000; attempt++ {
		if attempt > 0 {
			ext := filepath.Ext(full)
			base := strings.TrimSuffix(full, ext)
			candidate = fmt.Sprintf("%s_%d%s", base, attempt, ext)
		}
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return candidate, f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", nil, fmt.Errorf("failed to create %s: %w", candidate, err)
		}
	}
	return "", nil, fmt.Errorf("failed to find a free name for %s", full)
}

func hasOverlappingExtents(f *types.DeletedFile) bool {
	for i, e := range f.Extents {
		for _, o := range f.Extents[i+1:] {
			if e.Overlaps(o) {
				return true
			}
		}
	}
	return false
}
