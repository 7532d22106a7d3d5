// Package device provides read-only positioned access to raw filesystem
// images. Images are byte-oriented; each engine applies its own block,
// sector, or cluster granularity on top.
package device

import (
	"fmt"
	"io"
	"os"

	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// Reader is the positioned read capability every engine consumes. The image
// is never written; sharing a Reader between goroutines is safe as long as
// the underlying file supports concurrent ReadAt, which os.File does.
type Reader interface {
	// ReadAt fills a fresh buffer with length bytes starting at offset.
	// Short reads at the image boundary are reported, never truncated.
	ReadAt(offset uint64, length uint32) ([]byte, error)

	// ReadBlock reads one block of blockSize bytes at the given block index.
	ReadBlock(index uint64, blockSize uint32) ([]byte, error)

	// Size returns the image length in bytes.
	Size() uint64
}

// Image is a Reader over a raw image file.
type Image struct {
	file *os.File
	size uint64
	path string
}

// Open opens an image file read-only.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}
	return &Image{file: f, size: uint64(info.Size()), path: path}, nil
}

// Path returns the path the image was opened from.
func (img *Image) Path() string { return img.path }

// Size returns the image length in bytes.
func (img *Image) Size() uint64 { return img.size }

// Close releases the underlying file.
func (img *Image) Close() error { return img.file.Close() }

// ReadAt reads length bytes at offset. A read past the end of the image is
// an ErrImageIO, not a silent truncation.
func (img *Image) ReadAt(offset uint64, length uint32) ([]byte, error) {
	if offset+uint64(length) > img.size {
		return nil, types.ImageIOErrorf("read [%d, %d) beyond image end %d",
			offset, offset+uint64(length), img.size)
	}
	buf := make([]byte, length)
	if _, err := img.file.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
		return nil, types.ImageIOErrorf("read %d bytes at %d: %v", length, offset, err)
	}
	return buf, nil
}

// ReadBlock reads one block of blockSize bytes at block index.
func (img *Image) ReadBlock(index uint64, blockSize uint32) ([]byte, error) {
	return img.ReadAt(index*uint64(blockSize), blockSize)
}

// BytesImage is a Reader over an in-memory byte slice. Tests and the carving
// path use it to scan synthetic images without touching the filesystem.
type BytesImage struct {
	data []byte
}

// NewBytesImage wraps data in a Reader.
func NewBytesImage(data []byte) *BytesImage { return &BytesImage{data: data} }

func (b *BytesImage) Size() uint64 { return uint64(len(b.data)) }

func (b *BytesImage) ReadAt(offset uint64, length uint32) ([]byte, error) {
	end := offset + uint64(length)
	if end > uint64(len(b.data)) {
		return nil, types.ImageIOErrorf("read [%d, %d) beyond image end %d",
			offset, end, len(b.data))
	}
	buf := make([]byte, length)
	copy(buf, b.data[offset:end])
	return buf, nil
}

func (b *BytesImage) ReadBlock(index uint64, blockSize uint32) ([]byte, error) {
	return b.ReadAt(index*uint64(blockSize), blockSize)
}
