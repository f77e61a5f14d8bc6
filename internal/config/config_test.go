package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rye.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: node-a\nha_mode: replica\nha_max_heartbeat_gap: 7\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, "replica", cfg.HAMode)
	assert.Equal(t, 7, cfg.MaxHeartbeatGap)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "master", cfg.HAMode)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rye.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ha_mode: master\n"), 0o644))

	t.Setenv("RYE_HA_MODE", "replica")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "replica", cfg.HAMode)
}

func TestNoDaemonReadFromEnv(t *testing.T) {
	t.Setenv("NO_DAEMON", "1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.NoDaemon)
}

func TestParseNodeList(t *testing.T) {
	peers, err := ParseNodeList([]string{"10.0.0.1@1", "10.0.0.2@2"})
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "10.0.0.1", peers[0].IP)
	assert.Equal(t, 1, peers[0].Priority)

	_, err = ParseNodeList([]string{"bad-entry"})
	assert.Error(t, err)
}
