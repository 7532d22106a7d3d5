package signatures

import (
	"bytes"
	"encoding/binary"
	"math"
)

// EstimateSize bounds the plausible length of a payload that begins with the
// given signature, using format-declared lengths where the header carries
// one and trailer markers otherwise. It returns 0 when no bound can be
// derived from the available bytes.
func EstimateSize(sig *Signature, data []byte) uint64 {
	if sig == nil || len(data) == 0 {
		return 0
	}

	switch sig.Extension {
	case "png":
		return estimatePNG(data)
	case "gif":
		return trailerBound(data, sig.Trailer)
	case "jpg":
		return estimateJPEG(data)
	case "bmp":
		return estimateBMP(data)
	case "webp", "wav", "avi":
		return estimateRIFF(data)
	case "pdf":
		return estimatePDF(data)
	case "zip", "docx", "xlsx", "pptx", "odt":
		return estimateZIP(data)
	case "mp4", "mov", "heic", "heif":
		return estimateISOBMFF(data)
	case "sqlite":
		return estimateSQLite(data)
	default:
		return trailerBound(data, sig.Trailer)
	}
}

// trailerBound finds the last occurrence of the trailer marker and bounds
// the payload just past it.
func trailerBound(data, trailer []byte) uint64 {
	if trailer == nil {
		return 0
	}
	idx := bytes.LastIndex(data, trailer)
	if idx < 0 {
		return 0
	}
	return uint64(idx + len(trailer))
}

// estimatePNG walks the chunk list (length + type + data + CRC) to IEND.
func estimatePNG(data []byte) uint64 {
	const headerLen = 8
	off := uint64(headerLen)
	for off+12 <= uint64(len(data)) {
		chunkLen := uint64(binary.BigEndian.Uint32(data[off : off+4]))
		chunkType := data[off+4 : off+8]
		off += 8 + chunkLen + 4
		if bytes.Equal(chunkType, []byte("IEND")) {
			return off
		}
	}
	return 0
}

// estimateJPEG scans for the EOI marker past the SOI.
func estimateJPEG(data []byte) uint64 {
	idx := bytes.LastIndex(data, []byte{0xFF, 0xD9})
	if idx <= 0 {
		return 0
	}
	return uint64(idx + 2)
}

// estimateBMP reads the declared file size from the BITMAPFILEHEADER.
func estimateBMP(data []byte) uint64 {
	if len(data) < 6 {
		return 0
	}
	return uint64(binary.LittleEndian.Uint32(data[2:6]))
}

// estimateRIFF reads the declared chunk size after the RIFF tag.
func estimateRIFF(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return uint64(binary.LittleEndian.Uint32(data[4:8])) + 8
}

// estimatePDF bounds at the last %%EOF marker, tolerating a trailing newline.
func estimatePDF(data []byte) uint64 {
	idx := bytes.LastIndex(data, []byte("%%EOF"))
	if idx < 0 {
		return 0
	}
	end := idx + len("%%EOF")
	for end < len(data) && (data[end] == '\r' || data[end] == '\n') {
		end++
	}
	return uint64(end)
}

// estimateZIP locates the end-of-central-directory record and adds its
// comment length; ZIP-based office formats share the layout.
func estimateZIP(data []byte) uint64 {
	idx := bytes.LastIndex(data, zipEOCD)
	if idx < 0 {
		return 0
	}
	// EOCD is 22 bytes; the comment length sits at offset 20.
	if idx+22 <= len(data) {
		comment := uint64(binary.LittleEndian.Uint16(data[idx+20 : idx+22]))
		return uint64(idx) + 22 + comment
	}
	return uint64(idx + len(zipEOCD))
}

// estimateISOBMFF sums top-level box sizes (ftyp, moov, mdat, ...).
func estimateISOBMFF(data []byte) uint64 {
	var off uint64
	var total uint64
	for off+8 <= uint64(len(data)) {
		size := uint64(binary.BigEndian.Uint32(data[off : off+4]))
		if size == 1 {
			if off+16 > uint64(len(data)) {
				break
			}
			size = binary.BigEndian.Uint64(data[off+8 : off+16])
		}
		if size < 8 {
			break
		}
		total = off + size
		off += size
	}
	return total
}

// estimateSQLite multiplies the declared page size by the page count from
// the database header.
func estimateSQLite(data []byte) uint64 {
	if len(data) < 32 {
		return 0
	}
	pageSize := uint64(binary.BigEndian.Uint16(data[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	pageCount := uint64(binary.BigEndian.Uint32(data[28:32]))
	return pageSize * pageCount
}

// Entropy returns the Shannon entropy of the payload in bits per byte.
// Compressed and encrypted payloads approach 8.0; text sits near 4-5.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log2(p)
	}
	return h
}

// IsLikelyText reports whether the payload reads as plain text: more than 80%
// printable ASCII (plus tab/newline/carriage-return) over the first KiB.
func IsLikelyText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	printable := 0
	for _, b := range data[:n] {
		if (b >= 0x20 && b <= 0x7E) || b == 0x09 || b == 0x0A || b == 0x0D {
			printable++
		}
	}
	return float64(printable)/float64(n) > 0.8
}
