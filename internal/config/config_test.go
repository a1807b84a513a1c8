package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "base", cfg.Progress.BaseEdition)
	assert.Equal(t, 8, cfg.Grounding.TierLimits["free"])
	assert.Equal(t, 30, cfg.Grounding.TierLimits["pro"])
	assert.Equal(t, 100, cfg.Grounding.TierLimits["vanguard_pro"])
	assert.Equal(t, 4, cfg.Grounding.FreeLiveServiceLimit)
	assert.Equal(t, 5*time.Minute, cfg.Grounding.UsageCacheTTL)
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	body := `
logging:
  debug_mode: true
grounding:
  tier_limits:
    free: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "otakon.yaml"), []byte(body), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.True(t, cfg.Logging.DebugMode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.Grounding.TierLimits["free"], "explicit override kept")
	assert.Equal(t, 30, cfg.Grounding.TierLimits["pro"], "missing tiers backfilled")
	assert.Equal(t, "base", cfg.Progress.BaseEdition)
}

func TestLoadMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "otakon.yaml"), []byte("{not yaml"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadBadCutoffFails(t *testing.T) {
	dir := t.TempDir()
	body := `
grounding:
  knowledge_cutoff: "not-a-timestamp"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "otakon.yaml"), []byte(body), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestDatabasePath(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join("/ws", ".otakon", "otakon.db"), cfg.DatabasePath("/ws"))

	cfg.Storage.Path = "/custom/db.sqlite"
	assert.Equal(t, "/custom/db.sqlite", cfg.DatabasePath("/ws"))
}
