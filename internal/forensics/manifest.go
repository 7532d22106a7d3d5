package forensics

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
)

// HashAlgorithm selects the digest recorded in the manifest.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "SHA256"
	HashSHA512 HashAlgorithm = "SHA512"
)

func (a HashAlgorithm) new() hash.Hash {
	if a == HashSHA512 {
		return sha512.New()
	}
	return sha256.New()
}

// ManifestEntry records the digest of one recovered file.
type ManifestEntry struct {
	Algorithm    HashAlgorithm `json:"algorithm"`
	Hash         string        `json:"hash"`
	FileSize     uint64        `json:"file_size"`
	CalculatedAt time.Time     `json:"calculated_at"`
}

// HashManifest is the single JSON document accompanying a forensic
// recovery: one entry per recovered file keyed by its relative path.
type HashManifest struct {
	ManifestID uuid.UUID                `json:"manifest_id"`
	CreatedAt  time.Time                `json:"created_at"`
	Algorithm  HashAlgorithm            `json:"algorithm"`
	Files      map[string]ManifestEntry `json:"files"`
}

// NewHashManifest starts an empty manifest.
func NewHashManifest(algorithm HashAlgorithm) *HashManifest {
	return &HashManifest{
		ManifestID: uuid.New(),
		CreatedAt:  time.Now().UTC(),
		Algorithm:  algorithm,
		Files:      make(map[string]ManifestEntry),
	}
}

// HashFile streams a file through the manifest's digest and records the
// entry under relPath. The hex digest is returned for logging.
func (m *HashManifest) HashFile(path, relPath string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := m.Algorithm.new()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	m.Files[relPath] = ManifestEntry{
		Algorithm:    m.Algorithm,
		Hash:         digest,
		FileSize:     uint64(size),
		CalculatedAt: time.Now().UTC(),
	}
	return digest, nil
}

// Write serializes the manifest as indented JSON.
func (m *HashManifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal hash manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write hash manifest %s: %w", path, err)
	}
	return nil
}

// ReadHashManifest loads a manifest document.
func ReadHashManifest(path string) (*HashManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hash manifest %s: %w", path, err)
	}
	var m HashManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed hash manifest %s: %w", path, err)
	}
	return &m, nil
}
