package btrfs

import (
	"encoding/binary"
	"sort"

	"github.com/containerd/log"

	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// chunkMapping translates one logical byte range to its physical location
// on the (single-device) image. Only the first stripe is consulted; RAID
// profiles beyond single/DUP resolve to stripe zero.
type chunkMapping struct {
	Logical  uint64
	Length   uint64
	Physical uint64
}

// chunkMap resolves logical byte numbers to physical image offsets.
type chunkMap struct {
	mappings []chunkMapping
}

// Resolve maps a logical bytenr to a physical offset.
func (cm *chunkMap) Resolve(logical uint64) (uint64, bool) {
	for _, m := range cm.mappings {
		if logical >= m.Logical && logical < m.Logical+m.Length {
			return m.Physical + (logical - m.Logical), true
		}
	}
	return 0, false
}

func (cm *chunkMap) add(m chunkMapping) {
	for _, existing := range cm.mappings {
		if existing.Logical == m.Logical {
			return
		}
	}
	cm.mappings = append(cm.mappings, m)
	sort.Slice(cm.mappings, func(i, j int) bool {
		return cm.mappings[i].Logical < cm.mappings[j].Logical
	})
}

// Chunk item layout: 48-byte header followed by 32-byte stripes.
const (
	chunkItemHdrLen = 48
	chunkStripeLen  = 32
	diskKeyLen      = 17
)

// parseChunkItem decodes a btrfs_chunk at the given logical start.
func parseChunkItem(logical uint64, data []byte) (chunkMapping, int, error) {
	if len(data) < chunkItemHdrLen+chunkStripeLen {
		return chunkMapping{}, 0, types.FormatErrorf("chunk item at %d: %d bytes", logical, len(data))
	}
	le := binary.LittleEndian
	length := le.Uint64(data[0:8])
	numStripes := int(le.Uint16(data[44:46]))
	if numStripes == 0 {
		return chunkMapping{}, 0, types.FormatErrorf("chunk item at %d: zero stripes", logical)
	}
	total := chunkItemHdrLen + numStripes*chunkStripeLen
	if len(data) < total {
		return chunkMapping{}, 0, types.FormatErrorf("chunk item at %d: %d stripes overflow item", logical, numStripes)
	}
	// Stripe 0: devid u64, offset u64, dev uuid.
	physical := le.Uint64(data[chunkItemHdrLen+8 : chunkItemHdrLen+16])
	return chunkMapping{Logical: logical, Length: length, Physical: physical}, total, nil
}

// bootstrapChunkMap seeds the map from the superblock's sys_chunk_array,
// which holds (disk key, chunk item) pairs for the system chunks needed to
// read the chunk tree itself.
func bootstrapChunkMap(sb *Superblock) *chunkMap {
	cm := &chunkMap{}
	arr := sb.SysChunkArray
	off := 0
	for off+diskKeyLen < len(arr) {
		le := binary.LittleEndian
		keyType := arr[off+8]
		logical := le.Uint64(arr[off+9 : off+17])
		off += diskKeyLen
		if keyType != 228 { // CHUNK_ITEM_KEY
			break
		}
		m, n, err := parseChunkItem(logical, arr[off:])
		if err != nil {
			log.L.WithError(err).Warn("btrfs: malformed sys chunk array entry")
			break
		}
		cm.add(m)
		off += n
	}
	return cm
}

// loadChunkTree walks the chunk tree and folds every chunk item into the
// map, so data chunks resolve as well as system chunks.
func (e *Engine) loadChunkTree() {
	if e.sb.ChunkTreeRoot == 0 {
		return
	}
	iter := newTreeIterator(e, e.sb.ChunkTreeRoot, int(e.sb.ChunkRootLevel))
	for {
		item, ok := iter.Next()
		if !ok {
			break
		}
		if item.Key.Type != 228 {
			continue
		}
		m, _, err := parseChunkItem(item.Key.Offset, item.Data)
		if err != nil {
			log.L.WithError(err).Warn("btrfs: malformed chunk item")
			continue
		}
		e.chunks.add(m)
	}
}
