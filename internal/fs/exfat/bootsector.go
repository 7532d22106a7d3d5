// Package exfat recovers deleted files from exFAT images by parsing the
// FAT and directory entry sets. All on-disk structures are little-endian;
// filenames are UTF-16LE.
package exfat

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/SaneDevelopers/GhostFS/internal/types"
)

var filesystemName = []byte("EXFAT   ")

// BootSector carries the main boot region fields the engine consumes, plus
// the byte geometry derived from the shift fields.
type BootSector struct {
	PartitionOffset   uint64
	VolumeLength      uint64 // sectors
	FatOffset         uint32 // sectors
	FatLength         uint32 // sectors
	ClusterHeapOffset uint32 // sectors
	ClusterCount      uint32
	RootDirCluster    uint32
	VolumeSerial      uint32
	VolumeFlags       uint16
	SectorShift       uint8
	ClusterShift      uint8
	NumberOfFats      uint8

	BytesPerSector  uint32
	BytesPerCluster uint32
	ClusterHeapByte uint64
}

// ParseBootSector decodes sector 0. The filesystem-name field and the two
// shift exponents are validated; geometry is computed from the shifts.
func ParseBootSector(data []byte) (*BootSector, error) {
	if len(data) < 120 {
		return nil, types.FormatErrorf("boot sector: %d bytes, need 120", len(data))
	}
	if !bytes.Equal(data[3:11], filesystemName) {
		return nil, types.FormatErrorf("boot sector: filesystem name %q", data[3:11])
	}

	le := binary.LittleEndian
	bs := &BootSector{
		PartitionOffset:   le.Uint64(data[64:72]),
		VolumeLength:      le.Uint64(data[72:80]),
		FatOffset:         le.Uint32(data[80:84]),
		FatLength:         le.Uint32(data[84:88]),
		ClusterHeapOffset: le.Uint32(data[88:92]),
		ClusterCount:      le.Uint32(data[92:96]),
		RootDirCluster:    le.Uint32(data[96:100]),
		VolumeSerial:      le.Uint32(data[100:104]),
		VolumeFlags:       le.Uint16(data[106:108]),
		SectorShift:       data[108],
		ClusterShift:      data[109],
		NumberOfFats:      data[110],
	}

	if bs.SectorShift < 9 || bs.SectorShift > 12 {
		return nil, types.FormatErrorf("boot sector: sector shift %d outside [9, 12]", bs.SectorShift)
	}
	if bs.ClusterShift > 25-bs.SectorShift {
		return nil, types.FormatErrorf("boot sector: cluster shift %d too large", bs.ClusterShift)
	}
	if bs.ClusterCount == 0 {
		return nil, types.FormatErrorf("boot sector: zero clusters")
	}
	if bs.RootDirCluster < 2 {
		return nil, types.FormatErrorf("boot sector: root directory cluster %d", bs.RootDirCluster)
	}

	bs.BytesPerSector = 1 << bs.SectorShift
	bs.BytesPerCluster = bs.BytesPerSector << bs.ClusterShift
	bs.ClusterHeapByte = uint64(bs.ClusterHeapOffset) * uint64(bs.BytesPerSector)
	return bs, nil
}

// FilesystemBytes returns the volume size declared by the boot sector.
func (bs *BootSector) FilesystemBytes() uint64 {
	return bs.VolumeLength * uint64(bs.BytesPerSector)
}

// ClusterOffset returns the byte offset of a data cluster. Clusters 0 and 1
// do not exist; the heap starts at cluster 2.
func (bs *BootSector) ClusterOffset(cluster uint32) uint64 {
	return bs.ClusterHeapByte + uint64(cluster-2)*uint64(bs.BytesPerCluster)
}

// decodeDosTimestamp expands the packed exFAT timestamp: double-seconds,
// minute, hour, day, month, year since 1980.
func decodeDosTimestamp(ts uint32) *time.Time {
	if ts == 0 {
		return nil
	}
	sec := int(ts&0x1F) * 2
	min := int(ts >> 5 & 0x3F)
	hour := int(ts >> 11 & 0x1F)
	day := int(ts >> 16 & 0x1F)
	month := time.Month(ts >> 21 & 0x0F)
	year := 1980 + int(ts>>25&0x7F)
	if day == 0 || month == 0 {
		return nil
	}
	t := time.Date(year, month, day, hour, min, sec, 0, time.UTC)
	return &t
}
