package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_AppliesDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, "127.0.0.1", cfg.BindAddr)
	assert.Equal(t, 8901, cfg.BindPort)
	assert.Equal(t, 3, cfg.EnvosCount)
	assert.Equal(t, "/var/lib/pote/envos", cfg.EnvosPath)
	assert.Equal(t, "/usr/share/pote/tests", cfg.TestsPath)
	assert.Equal(t, "/var/lib/pote/queue", cfg.QueuePath)
	assert.Equal(t, "/var/lib/pote/archive", cfg.ArchivePath)
}

func TestLoadConfig_OverlaysFileValuesOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pote.ini")
	content := `[global]
bindport = 9100
envos-count = 5
tests-path = /opt/pote/tests
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.BindAddr, "untouched keys keep their default")
	assert.Equal(t, 9100, cfg.BindPort)
	assert.Equal(t, 5, cfg.EnvosCount)
	assert.Equal(t, "/opt/pote/tests", cfg.TestsPath)
}

func TestLoadConfig_MissingFileIsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	assert.Error(t, err)
}

func TestConfig_Addr(t *testing.T) {
	cfg := &Config{BindAddr: "0.0.0.0", BindPort: 8901}
	assert.Equal(t, "0.0.0.0:8901", cfg.Addr())
}
