package forensics

import "path/filepath"

// Config selects the forensic features applied during writeback.
type Config struct {
	EnableAudit    bool          `mapstructure:"enable_audit"`
	AuditLogPath   string        `mapstructure:"audit_log_path"`
	EnableHashing  bool          `mapstructure:"enable_hashing"`
	HashAlgorithm  HashAlgorithm `mapstructure:"hash_algorithm"`
	ManifestPath   string        `mapstructure:"manifest_path"`
	PartialRecovery bool         `mapstructure:"partial_recovery"`
	ExtentReconstruction bool    `mapstructure:"extent_reconstruction"`
}

// FullForensics enables every feature, with the log and manifest placed in
// the output directory.
func FullForensics(outputDir string) Config {
	return Config{
		EnableAudit:          true,
		AuditLogPath:         filepath.Join(outputDir, "audit.jsonl"),
		EnableHashing:        true,
		HashAlgorithm:        HashSHA256,
		ManifestPath:         filepath.Join(outputDir, "hash_manifest.json"),
		PartialRecovery:      true,
		ExtentReconstruction: true,
	}
}

// AuditOnly enables only the audit trail.
func AuditOnly(auditPath string) Config {
	return Config{EnableAudit: true, AuditLogPath: auditPath}
}

// HashOnly enables only the hash manifest.
func HashOnly(manifestPath string, algorithm HashAlgorithm) Config {
	return Config{EnableHashing: true, HashAlgorithm: algorithm, ManifestPath: manifestPath}
}
