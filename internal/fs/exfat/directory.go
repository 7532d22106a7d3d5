package exfat

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// Directory entry types. The high bit marks in-use; clearing it yields the
// deleted equivalent.
const (
	entryFile       = 0x85
	entryStreamExt  = 0xC0
	entryFileName   = 0xC1
	entryFileDel    = 0x05
	entryStreamDel  = 0x40
	entryNameDel    = 0x41
	entryEndOfDir   = 0x00
	entrySize       = 32
	nameCharsPerEnt = 15
)

// File attribute bits.
const (
	attrDirectory = 0x0010
)

// Stream-extension general flags.
const streamNoFatChain = 0x02

// entrySet is one parsed directory entry set: the File entry, its Stream
// Extension and File Name entries.
type entrySet struct {
	deleted        bool
	attributes     uint16
	storedChecksum uint16
	checksumOK     bool
	created        uint32
	modified       uint32
	accessed       uint32
	secondaryCount uint8
	entryCount     uint8
	nameLength     uint8
	noFatChain     bool
	firstCluster   uint32
	dataLength     uint64
	name           string
	utf16Valid     bool
}

// entrySetChecksum computes the 16-bit rotate-add checksum over every byte
// of the set except the checksum field itself (bytes 2 and 3 of the File
// entry).
func entrySetChecksum(set []byte) uint16 {
	var sum uint16
	for i, b := range set {
		if i == 2 || i == 3 {
			continue
		}
		sum = (sum<<15 | sum>>1) + uint16(b)
	}
	return sum
}

// parseEntrySet decodes a contiguous run of 32-byte entries starting with
// a File (or deleted File) entry. It returns the set and the number of
// entries consumed, or (nil, 1) when the run is not a well-formed set.
func parseEntrySet(buf []byte) (*entrySet, int) {
	if len(buf) < 2*entrySize {
		return nil, 1
	}
	first := buf[0]
	deleted := first == entryFileDel
	if first != entryFile && first != entryFileDel {
		return nil, 1
	}

	le := binary.LittleEndian
	set := &entrySet{
		deleted:        deleted,
		secondaryCount: buf[1],
		storedChecksum: le.Uint16(buf[2:4]),
		attributes:     le.Uint16(buf[4:6]),
		created:        le.Uint32(buf[8:12]),
		modified:       le.Uint32(buf[12:16]),
		accessed:       le.Uint32(buf[16:20]),
	}
	total := int(set.secondaryCount) + 1
	if total < 3 || total > 19 || total*entrySize > len(buf) {
		return nil, 1
	}
	// The recorded entry-set count follows the secondary-entry convention:
	// stream extension plus name entries, 2 through 18.
	set.entryCount = set.secondaryCount

	// The Stream Extension must follow immediately.
	stream := buf[entrySize : 2*entrySize]
	streamType := stream[0]
	if (deleted && streamType != entryStreamDel) || (!deleted && streamType != entryStreamExt) {
		return nil, 1
	}
	set.noFatChain = stream[1]&streamNoFatChain != 0
	set.nameLength = stream[3]
	set.firstCluster = le.Uint32(stream[20:24])
	set.dataLength = le.Uint64(stream[24:32])

	// File Name entries hold up to 15 UTF-16 code units each.
	var raw []byte
	expectedName := byte(entryFileName)
	if deleted {
		expectedName = entryNameDel
	}
	for i := 2; i < total; i++ {
		ent := buf[i*entrySize : (i+1)*entrySize]
		if ent[0] != expectedName {
			return nil, 1
		}
		raw = append(raw, ent[2:2+nameCharsPerEnt*2]...)
	}
	if n := int(set.nameLength) * 2; n <= len(raw) {
		raw = raw[:n]
	}
	set.name, set.utf16Valid = decodeUTF16Name(raw)

	// Deletion clears the in-use bit on every entry type, which breaks the
	// stored checksum. Restore the bits before recomputing so an otherwise
	// intact deleted set still verifies.
	verify := append([]byte(nil), buf[:total*entrySize]...)
	if deleted {
		for i := 0; i < total; i++ {
			verify[i*entrySize] |= 0x80
		}
	}
	set.checksumOK = entrySetChecksum(verify) == set.storedChecksum

	return set, total
}

var utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeUTF16Name decodes UTF-16LE bytes, stopping at the first NUL code
// unit. An unpaired surrogate marks the name invalid but keeps the partial
// decode, with the bad unit replaced.
func decodeUTF16Name(raw []byte) (string, bool) {
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i] == 0 && raw[i+1] == 0 {
			raw = raw[:i]
			break
		}
	}
	decoded, err := utf16Decoder.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	name := string(decoded)
	valid := !strings.ContainsRune(name, utf8.RuneError)
	return name, valid
}

// IsDirectory reports whether the set describes a directory.
func (s *entrySet) IsDirectory() bool {
	return s.attributes&attrDirectory != 0
}
