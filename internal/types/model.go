package types

import (
	"time"

	"github.com/google/uuid"
)

// FilesystemKind identifies one of the supported on-disk formats.
type FilesystemKind string

const (
	FilesystemXFS   FilesystemKind = "XFS"
	FilesystemBtrfs FilesystemKind = "Btrfs"
	FilesystemExFAT FilesystemKind = "exFAT"
)

func (k FilesystemKind) String() string { return string(k) }

// FileType classifies a candidate by its inode mode bits.
type FileType string

const (
	FileTypeRegular   FileType = "regular"
	FileTypeDirectory FileType = "directory"
	FileTypeSymlink   FileType = "symlink"
	FileTypeBlockDev  FileType = "block-device"
	FileTypeCharDev   FileType = "char-device"
	FileTypeFifo      FileType = "fifo"
	FileTypeSocket    FileType = "socket"
	FileTypeUnknown   FileType = "unknown"
)

// FileTypeFromMode maps POSIX mode bits to a FileType.
func FileTypeFromMode(mode uint32) FileType {
	switch mode & 0xF000 {
	case 0x8000:
		return FileTypeRegular
	case 0x4000:
		return FileTypeDirectory
	case 0xA000:
		return FileTypeSymlink
	case 0x6000:
		return FileTypeBlockDev
	case 0x2000:
		return FileTypeCharDev
	case 0x1000:
		return FileTypeFifo
	case 0xC000:
		return FileTypeSocket
	default:
		return FileTypeUnknown
	}
}

// Extent is a half-open run of blocks (or clusters) [Start, Start+Count)
// in the filesystem's native allocation unit. LogicalOffset is the byte
// offset of this run within the file.
type Extent struct {
	Start         uint64 `json:"start"`
	Count         uint64 `json:"count"`
	LogicalOffset uint64 `json:"logical_offset"`
	Allocated     bool   `json:"allocated"`
	// Inline carries embedded file payload for local/inline extents. When
	// set, Start and Count describe no on-disk blocks.
	Inline []byte `json:"inline,omitempty"`
}

// End returns the first block past the extent.
func (e Extent) End() uint64 { return e.Start + e.Count }

// Overlaps reports whether two extents share any physical block.
func (e Extent) Overlaps(o Extent) bool {
	if e.Inline != nil || o.Inline != nil {
		return false
	}
	return e.Start < o.End() && o.Start < e.End()
}

// FileMetadata is the generic (filesystem-independent) metadata of a candidate.
type FileMetadata struct {
	MimeType      string            `json:"mime_type,omitempty"`
	FileExtension string            `json:"file_extension,omitempty"`
	Permissions   *uint32           `json:"permissions,omitempty"`
	OwnerUID      *uint32           `json:"owner_uid,omitempty"`
	OwnerGID      *uint32           `json:"owner_gid,omitempty"`
	CreatedTime   *time.Time        `json:"created_time,omitempty"`
	ModifiedTime  *time.Time        `json:"modified_time,omitempty"`
	AccessedTime  *time.Time        `json:"accessed_time,omitempty"`
	Attributes    map[string][]byte `json:"attributes,omitempty"`
}

// XfsExtentFormat is the data-fork layout of an XFS inode.
type XfsExtentFormat string

const (
	XfsFormatLocal   XfsExtentFormat = "local"
	XfsFormatExtents XfsExtentFormat = "extents"
	XfsFormatBtree   XfsExtentFormat = "btree"
)

// XfsMetadata is recorded per candidate by the XFS engine.
type XfsMetadata struct {
	AgIndex         uint32          `json:"ag_index"`
	AgInodeNumber   uint32          `json:"ag_inode_number"`
	ExtentCount     uint32          `json:"extent_count"`
	ExtentFormat    XfsExtentFormat `json:"extent_format"`
	IsAligned       bool            `json:"is_aligned"`
	LastLinkCount   uint32          `json:"last_link_count"`
	InodeGeneration uint32          `json:"inode_generation"`
}

// BtrfsMetadata is recorded per candidate by the Btrfs engine.
type BtrfsMetadata struct {
	Generation     uint64   `json:"generation"`
	TransID        uint64   `json:"transid"`
	ChecksumValid  bool     `json:"checksum_valid"`
	InSnapshot     bool     `json:"in_snapshot"`
	CowExtentCount uint32   `json:"cow_extent_count"`
	ExtentRefs     []uint64 `json:"extent_refs,omitempty"`
	TreeLevel      uint8    `json:"tree_level"`
}

// ExfatMetadata is recorded per candidate by the exFAT engine.
type ExfatMetadata struct {
	FirstCluster uint32   `json:"first_cluster"`
	ClusterChain []uint32 `json:"cluster_chain,omitempty"`
	ChainValid   bool     `json:"chain_valid"`
	// ChainHasBadMarker is set when following the chain ran into a
	// bad-cluster FAT entry; the chain is truncated just before it.
	ChainHasBadMarker bool `json:"chain_has_bad_marker,omitempty"`
	Utf16Valid        bool `json:"utf16_valid"`
	EntryCount   uint8    `json:"entry_count"`
	SetChecksum  uint16   `json:"set_checksum"`
	// SetChecksumOK records whether the stored entry-set checksum matched
	// the rotate-add recomputation.
	SetChecksumOK bool `json:"set_checksum_ok"`
	Attributes   uint16   `json:"attributes"`
}

// FsMetadata is the tagged filesystem-specific metadata variant. Exactly one
// field is non-nil for a candidate produced by an engine; a carving-only
// candidate may carry none.
type FsMetadata struct {
	Xfs   *XfsMetadata   `json:"xfs,omitempty"`
	Btrfs *BtrfsMetadata `json:"btrfs,omitempty"`
	Exfat *ExfatMetadata `json:"exfat,omitempty"`
}

// DeletedFile is one recovery candidate. Candidates are produced by an engine
// during a scan and never mutated afterwards, except for the confidence and
// recoverability fields written once by the scorer.
type DeletedFile struct {
	ID uint64 `json:"id"`
	// NativeID is the inode number (XFS, Btrfs) or starting cluster (exFAT).
	NativeID      uint64       `json:"native_id"`
	OriginalPath  string       `json:"original_path,omitempty"`
	Size          uint64       `json:"size"`
	DeletionTime  *time.Time   `json:"deletion_time,omitempty"`
	Confidence    float64      `json:"confidence"`
	FileType      FileType     `json:"file_type"`
	Extents       []Extent     `json:"extents"`
	// BadExtents counts extents the engine discarded as implausible
	// (out of bounds or zero length). The scorer folds the count into the
	// extent-integrity factor.
	BadExtents    uint32       `json:"bad_extents,omitempty"`
	IsRecoverable bool         `json:"is_recoverable"`
	// UnsupportedReason is set when a known-format field holds a value the
	// engine cannot honor (e.g. a compressed Btrfs extent). Such candidates
	// are listed with zero confidence and never recovered.
	UnsupportedReason string       `json:"unsupported_reason,omitempty"`
	Metadata          FileMetadata `json:"metadata"`
	FsMetadata    FsMetadata   `json:"fs_metadata"`
}

// TotalExtentBlocks sums the block counts of all non-inline extents.
func (f *DeletedFile) TotalExtentBlocks() uint64 {
	var n uint64
	for _, e := range f.Extents {
		if e.Inline == nil {
			n += e.Count
		}
	}
	return n
}

// RecoverySession is the immutable record of one scan.
type RecoverySession struct {
	ID                  uuid.UUID      `json:"id"`
	FsType              FilesystemKind `json:"fs_type"`
	ImagePath           string         `json:"image_path"`
	CreatedAt           time.Time      `json:"created_at"`
	ConfidenceThreshold float64        `json:"confidence_threshold"`
	DeviceSize          uint64         `json:"device_size"`
	FilesystemSize      uint64         `json:"filesystem_size"`
	BlockSize           uint32         `json:"block_size"`
	ScanDuration        time.Duration  `json:"scan_duration_ns"`
	FilesFound          uint32         `json:"files_found"`
	RecoverableFiles    uint32         `json:"recoverable_files"`
	Candidates          []DeletedFile  `json:"candidates"`
}

// TotalBlocks returns the number of filesystem blocks addressable by extents.
func (s *RecoverySession) TotalBlocks() uint64 {
	if s.BlockSize == 0 {
		return 0
	}
	return s.FilesystemSize / uint64(s.BlockSize)
}
