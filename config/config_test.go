package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, uint64(100), cfg.SlowOpThresholdMs)
	assert.True(t, cfg.OrderedCommitDefault)
	assert.Equal(t, 16, cfg.SessionPoolSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(`
slow-op-threshold-ms = 250
ordered-commit-default = false
session-pool-size = 4
engine-path = "/var/lib/docdb"
`)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), cfg.SlowOpThresholdMs)
	assert.False(t, cfg.OrderedCommitDefault)
	assert.Equal(t, 4, cfg.SessionPoolSize)
	assert.Equal(t, "/var/lib/docdb", cfg.EnginePath)
}

func TestLoadPartialDocumentKeepsRemainingDefaults(t *testing.T) {
	cfg, err := Load(`session-pool-size = 32`)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.SessionPoolSize)
	assert.Equal(t, uint64(100), cfg.SlowOpThresholdMs)
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	_, err := Load(`not = [valid`)
	assert.Error(t, err)
}
