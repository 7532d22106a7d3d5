// Package detect probes a raw image for the magic numbers of the supported
// filesystems. The probe order mirrors the on-disk locations: XFS keeps its
// superblock in sector 0, Btrfs at 64 KiB, exFAT names itself in the boot
// sector jump region.
package detect

import (
	"bytes"
	"fmt"

	"github.com/SaneDevelopers/GhostFS/internal/device"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

const (
	btrfsSuperblockOffset = 0x10000
	exfatNameOffset       = 3
)

var (
	xfsMagic   = []byte("XFSB")
	btrfsMagic = []byte("_BHRfS_M")
	exfatName  = []byte("EXFAT   ")
)

type probe struct {
	kind   types.FilesystemKind
	offset uint64
	magic  []byte
}

// Probes in evaluation order; the first match wins.
var probes = []probe{
	{types.FilesystemXFS, 0, xfsMagic},
	{types.FilesystemBtrfs, btrfsSuperblockOffset, btrfsMagic},
	{types.FilesystemExFAT, exfatNameOffset, exfatName},
}

// Filesystem identifies the on-disk format of an image. An image matching
// none of the probes yields ErrUnknownFilesystem.
func Filesystem(r device.Reader) (types.FilesystemKind, error) {
	for _, p := range probes {
		if p.offset+uint64(len(p.magic)) > r.Size() {
			continue
		}
		buf, err := r.ReadAt(p.offset, uint32(len(p.magic)))
		if err != nil {
			return "", fmt.Errorf("probe at offset %d: %w", p.offset, err)
		}
		if bytes.Equal(buf, p.magic) {
			return p.kind, nil
		}
	}
	return "", fmt.Errorf("%w: no known magic at offsets 0, 0x10000, 3", types.ErrUnknownFilesystem)
}
