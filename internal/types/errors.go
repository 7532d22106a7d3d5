package types

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on. Structure-level failures wrap these so
// errors.Is works across package boundaries.
var (
	// ErrUnknownFilesystem is returned by detection when no magic matches.
	ErrUnknownFilesystem = errors.New("unknown filesystem")

	// ErrImageIO marks a positioned read that failed or came up short.
	ErrImageIO = errors.New("image i/o error")

	// ErrFormat marks a failed magic, checksum, or inconsistent length field.
	ErrFormat = errors.New("format error")

	// ErrUnsupportedVariant marks a known-format field holding a value outside
	// the supported set (e.g. a compressed Btrfs extent).
	ErrUnsupportedVariant = errors.New("unsupported variant")

	// ErrSanitization marks a candidate path that would escape the output
	// directory.
	ErrSanitization = errors.New("path sanitization error")
)

// FormatErrorf wraps ErrFormat with a message naming the offending structure.
func FormatErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// ImageIOErrorf wraps ErrImageIO with positional context.
func ImageIOErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrImageIO, fmt.Sprintf(format, args...))
}
