package exfat

import (
	"encoding/binary"
	"fmt"

	"github.com/SaneDevelopers/GhostFS/internal/device"
)

// FAT entry markers.
const (
	fatFree       = 0x00000000
	fatBadCluster = 0xFFFFFFF7
	fatEndOfChain = 0xFFFFFFF8 // this value and above terminate a chain
)

// fatTable is the in-memory copy of the first FAT.
type fatTable struct {
	entries      []uint32
	clusterCount uint32
}

// loadFAT reads the active FAT. Entries 0 and 1 are reserved; data
// clusters occupy indices 2 through clusterCount+1.
func loadFAT(img device.Reader, bs *BootSector) (*fatTable, error) {
	fatBytes := uint64(bs.FatLength) * uint64(bs.BytesPerSector)
	needed := (uint64(bs.ClusterCount) + 2) * 4
	if fatBytes < needed {
		return nil, fmt.Errorf("FAT spans %d bytes but %d clusters need %d", fatBytes, bs.ClusterCount, needed)
	}
	buf, err := img.ReadAt(uint64(bs.FatOffset)*uint64(bs.BytesPerSector), uint32(needed))
	if err != nil {
		return nil, fmt.Errorf("failed to read FAT: %w", err)
	}
	entries := make([]uint32, bs.ClusterCount+2)
	for i := range entries {
		entries[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return &fatTable{entries: entries, clusterCount: bs.ClusterCount}, nil
}

// entry returns the FAT entry of a cluster, or fatFree when out of range.
func (f *fatTable) entry(cluster uint32) uint32 {
	if uint64(cluster) >= uint64(len(f.entries)) {
		return fatFree
	}
	return f.entries[cluster]
}

// inHeap reports whether a cluster number addresses the data heap under
// the chain invariant: at least 2 and below the cluster count.
func (f *fatTable) inHeap(cluster uint32) bool {
	return cluster >= 2 && cluster < f.clusterCount
}

// chainResult is one followed FAT chain.
type chainResult struct {
	clusters []uint32
	// valid is true when the chain reached an end-of-chain marker without
	// running off the heap or into a free entry.
	valid bool
	// hitBadMarker is true when the walk stopped at a bad-cluster entry.
	hitBadMarker bool
}

// followChain walks FAT pointers from a starting cluster. A free entry
// indicates truncation; a bad-cluster marker stops the walk with the
// current cluster kept; anything outside the heap breaks the chain.
func (f *fatTable) followChain(start uint32) chainResult {
	var res chainResult
	if !f.inHeap(start) {
		return res
	}
	seen := make(map[uint32]bool)
	cur := start
	for {
		if seen[cur] {
			// FAT loop; the chain cannot be trusted.
			return res
		}
		seen[cur] = true
		res.clusters = append(res.clusters, cur)

		next := f.entry(cur)
		switch {
		case next >= fatEndOfChain:
			res.valid = true
			return res
		case next == fatBadCluster:
			res.hitBadMarker = true
			return res
		case next == fatFree:
			// Truncated: the tail was released already.
			return res
		case !f.inHeap(next):
			return res
		}
		cur = next
	}
}

// contiguousChain synthesizes the chain of a NoFatChain file: length
// bytes starting at the first cluster, allocated back to back.
func (f *fatTable) contiguousChain(start uint32, length, bytesPerCluster uint64) chainResult {
	var res chainResult
	if !f.inHeap(start) {
		return res
	}
	count := (length + bytesPerCluster - 1) / bytesPerCluster
	if count == 0 {
		count = 1
	}
	for i := uint64(0); i < count; i++ {
		c := start + uint32(i)
		if !f.inHeap(c) {
			return res
		}
		res.clusters = append(res.clusters, c)
	}
	res.valid = true
	return res
}
