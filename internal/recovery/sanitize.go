package recovery

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/SaneDevelopers/GhostFS/internal/types"
)

// Characters never allowed in an output filename component.
const reservedChars = `<>:"\|?*`

// sanitizeName turns a candidate's reconstructed path into a safe path
// relative to the output directory: absolute prefixes and ".." components
// are stripped, reserved characters replaced, and the result must not
// escape the output directory.
func sanitizeName(original string) (string, error) {
	cleaned := strings.ReplaceAll(original, "\\", "/")
	cleaned = strings.TrimPrefix(cleaned, "/")

	var parts []string
	for _, part := range strings.Split(cleaned, "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		var b strings.Builder
		for _, r := range part {
			if r < 0x20 || strings.ContainsRune(reservedChars, r) {
				b.WriteRune('_')
			} else {
				b.WriteRune(r)
			}
		}
		parts = append(parts, b.String())
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: path %q reduces to nothing", types.ErrSanitization, original)
	}
	rel := filepath.Join(parts...)
	if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: path %q escapes the output directory", types.ErrSanitization, original)
	}
	return rel, nil
}

// outputName picks the relative output path for a candidate: its sanitized
// original path, or a generated name carrying the inferred extension.
func outputName(f *types.DeletedFile) (string, error) {
	if f.OriginalPath != "" {
		return sanitizeName(f.OriginalPath)
	}
	ext := f.Metadata.FileExtension
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("file_%07d.%s", f.ID, ext), nil
}
