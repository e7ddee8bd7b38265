package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindLocalConfig(t *testing.T) {
	// Create a temporary directory structure
	tempDir := t.TempDir()
	subDir := filepath.Join(tempDir, "subdir")
	err := os.Mkdir(subDir, 0o755)
	assert.NoError(t, err)

	// Create config files
	configYML := filepath.Join(subDir, ".linter-cache.yml")
	err = os.WriteFile(configYML, []byte("backend: local"), 0o644)
	assert.NoError(t, err)

	// Test finding in subdir
	result := FindLocalConfig(subDir)
	assert.Equal(t, configYML, result)

	// Test finding in parent
	result = FindLocalConfig(filepath.Join(subDir, "deep"))
	assert.Equal(t, configYML, result)

	// Test not found
	result = FindLocalConfig(tempDir)
	assert.Equal(t, "", result)
}

func TestFindGlobalConfig(t *testing.T) {
	tempDir := t.TempDir()

	assert.Equal(t, "", FindGlobalConfig(""))
	assert.Equal(t, "", FindGlobalConfig(tempDir))

	configJSON := filepath.Join(tempDir, "config.json")
	err := os.WriteFile(configJSON, []byte(`{"backend": "local"}`), 0o644)
	assert.NoError(t, err)
	assert.Equal(t, configJSON, FindGlobalConfig(tempDir))

	// yml is preferred over json
	configYML := filepath.Join(tempDir, "config.yml")
	err = os.WriteFile(configYML, []byte("backend: local"), 0o644)
	assert.NoError(t, err)
	assert.Equal(t, configYML, FindGlobalConfig(tempDir))
}
