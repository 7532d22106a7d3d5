// Package services exposes the library-level operations a CLI or GUI
// wraps: Detect, Scan and Recover. It wires the detector, the three
// filesystem engines, the confidence scorer and the recovery writer
// together around one image.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/SaneDevelopers/GhostFS/internal/confidence"
	"github.com/SaneDevelopers/GhostFS/internal/detect"
	"github.com/SaneDevelopers/GhostFS/internal/device"
	"github.com/SaneDevelopers/GhostFS/internal/forensics"
	"github.com/SaneDevelopers/GhostFS/internal/fs/btrfs"
	"github.com/SaneDevelopers/GhostFS/internal/fs/exfat"
	"github.com/SaneDevelopers/GhostFS/internal/fs/xfs"
	"github.com/SaneDevelopers/GhostFS/internal/recovery"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// DefaultThreshold marks candidates recoverable at or above this
// confidence when the caller supplies none.
const DefaultThreshold = 0.5

// engine is the capability set every filesystem engine provides.
type engine interface {
	Scan(ctx context.Context) ([]types.DeletedFile, error)
	BlockSize() uint32
	FilesystemSize() uint64
	ExtentOffset(e types.Extent) uint64
}

// Detect probes an image file and returns the filesystem kind.
func Detect(imagePath string) (types.FilesystemKind, error) {
	img, err := device.Open(imagePath)
	if err != nil {
		return "", err
	}
	defer img.Close()
	return detect.Filesystem(img)
}

// Scan runs the engine for the given kind (auto-detected when empty) and
// scores every candidate, producing an immutable session.
func Scan(ctx context.Context, imagePath string, kind types.FilesystemKind, threshold float64) (*types.RecoverySession, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	img, err := device.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if kind == "" {
		kind, err = detect.Filesystem(img)
		if err != nil {
			return nil, err
		}
	}

	eng, geometry, err := buildEngine(img, kind)
	if err != nil {
		return nil, err
	}

	log.G(ctx).WithFields(log.Fields{
		"image": imagePath,
		"kind":  kind,
	}).Info("starting scan")

	start := time.Now()
	candidates, err := eng.Scan(ctx)
	if err != nil {
		return nil, err
	}

	scorer := &confidence.Scorer{
		Kind:      kind,
		Threshold: threshold,
		Now:       time.Now().UTC(),
		Geometry:  geometry,
		Payload: func(f *types.DeletedFile) []byte {
			return payloadPrefix(img, eng, f)
		},
	}
	recoverable := uint32(0)
	for i := range candidates {
		scorer.Score(&candidates[i])
		if candidates[i].IsRecoverable {
			recoverable++
		}
	}

	session := &types.RecoverySession{
		ID:                  uuid.New(),
		FsType:              kind,
		ImagePath:           imagePath,
		CreatedAt:           time.Now().UTC(),
		ConfidenceThreshold: threshold,
		DeviceSize:          img.Size(),
		FilesystemSize:      eng.FilesystemSize(),
		BlockSize:           eng.BlockSize(),
		ScanDuration:        time.Since(start),
		FilesFound:          uint32(len(candidates)),
		RecoverableFiles:    recoverable,
		Candidates:          candidates,
	}

	log.G(ctx).WithFields(log.Fields{
		"found":       session.FilesFound,
		"recoverable": session.RecoverableFiles,
		"duration":    session.ScanDuration,
	}).Info("scan complete")
	return session, nil
}

// Recover materializes selected candidates of a session into outputDir.
// The session's image is reopened, so persisted sessions replay as long as
// the image has not moved.
func Recover(ctx context.Context, session *types.RecoverySession, outputDir string, ids []uint64, cfg forensics.Config) (*recovery.WriteReport, error) {
	img, err := device.Open(session.ImagePath)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	eng, _, err := buildEngine(img, session.FsType)
	if err != nil {
		return nil, err
	}

	writer := recovery.NewWriter(img, mapperOf(eng), session, cfg)
	return writer.Recover(ctx, outputDir, ids)
}

// buildEngine constructs the engine for a kind and collects the geometry
// facts the scorer validates against.
func buildEngine(img device.Reader, kind types.FilesystemKind) (engine, confidence.Geometry, error) {
	switch kind {
	case types.FilesystemXFS:
		e, err := xfs.NewEngine(img)
		if err != nil {
			return nil, confidence.Geometry{}, err
		}
		sb := e.Superblock()
		return e, confidence.Geometry{
			TotalBlocks: sb.DataBlocks,
			BlockSize:   sb.BlockSize,
			AgCount:     sb.AgCount,
			InodesPerAG: sb.InodesPerAG(),
		}, nil
	case types.FilesystemBtrfs:
		e, err := btrfs.NewEngine(img)
		if err != nil {
			return nil, confidence.Geometry{}, err
		}
		sb := e.Superblock()
		return e, confidence.Geometry{
			TotalBlocks:       sb.TotalBytes / uint64(sb.SectorSize),
			BlockSize:         sb.SectorSize,
			CurrentGeneration: sb.Generation,
		}, nil
	case types.FilesystemExFAT:
		e, err := exfat.NewEngine(img)
		if err != nil {
			return nil, confidence.Geometry{}, err
		}
		bs := e.BootSector()
		return e, confidence.Geometry{
			TotalBlocks:  uint64(bs.ClusterCount),
			BlockSize:    bs.BytesPerCluster,
			ClusterCount: bs.ClusterCount,
		}, nil
	default:
		return nil, confidence.Geometry{}, fmt.Errorf("%w: %q", types.ErrUnknownFilesystem, kind)
	}
}

// mapperOf narrows an engine to the writer's extent-mapping capability.
func mapperOf(e engine) recovery.ExtentMapper { return extentMapper{e} }

type extentMapper struct{ e engine }

func (m extentMapper) ExtentOffset(ext types.Extent) uint64 { return m.e.ExtentOffset(ext) }
func (m extentMapper) BlockSize() uint32                    { return m.e.BlockSize() }

// payloadPrefix reads the first allocation unit of a candidate for
// signature matching.
func payloadPrefix(img device.Reader, e engine, f *types.DeletedFile) []byte {
	if len(f.Extents) == 0 {
		return nil
	}
	first := f.Extents[0]
	if first.Inline != nil {
		return first.Inline
	}
	buf, err := img.ReadAt(e.ExtentOffset(first), e.BlockSize())
	if err != nil {
		return nil
	}
	return buf
}
