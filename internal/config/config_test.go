package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(wd)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.ConfidenceThreshold)
	assert.Equal(t, "./recovered", cfg.OutputDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "SHA256", cfg.Forensics.HashAlgorithm)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("confidence_threshold: 0.7\noutput_dir: /tmp/out\nlog_level: debug\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ghostfs-config.yaml"), yaml, 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.ConfidenceThreshold)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalidThreshold(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("confidence_threshold: 1.5\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ghostfs-config.yaml"), yaml, 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	_, err = Load()
	assert.Error(t, err)
}
