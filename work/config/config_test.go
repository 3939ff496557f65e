package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertFromFileParsesDurations(t *testing.T) {
	cf := &ConfigFile{
		BaseURL:              "http://gate.example.com",
		InteractiveFreshness: "5s",
		CastingFreshness:     "20s",
		TokenLifetime:        "2h",
		SegmentRetryDelay:    "250ms",
	}

	cfg, err := convertFromFile(cf)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.InteractiveFreshness)
	assert.Equal(t, 20*time.Second, cfg.CastingFreshness)
	assert.Equal(t, 2*time.Hour, cfg.TokenLifetime)
	assert.Equal(t, 250*time.Millisecond, cfg.SegmentRetryDelay)
}

func TestConvertFromFileRejectsBadDuration(t *testing.T) {
	_, err := convertFromFile(&ConfigFile{TokenLifetime: "an hour"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokenLifetime")
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := &Config{BaseURL: "http://gate.example.com"}
	validateAndSetDefaults(cfg)

	def := Default()
	assert.Equal(t, "http://gate.example.com", cfg.BaseURL)
	assert.Equal(t, def.ListenPort, cfg.ListenPort)
	assert.Equal(t, def.InteractiveFreshness, cfg.InteractiveFreshness)
	assert.Equal(t, def.CastingFreshness, cfg.CastingFreshness)
	assert.Equal(t, def.TokenLifetime, cfg.TokenLifetime)
	assert.Equal(t, def.SegmentRetries, cfg.SegmentRetries)
	assert.Equal(t, def.FailoverMaxAttempts, cfg.FailoverMaxAttempts)
}

func TestDefaultTimings(t *testing.T) {
	def := Default()
	assert.Equal(t, 3*time.Second, def.InteractiveFreshness)
	assert.Equal(t, 12*time.Second, def.CastingFreshness)
	assert.Equal(t, time.Hour, def.TokenLifetime)
	assert.Equal(t, 30*time.Second, def.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, def.ManifestIdleTimeout)
	assert.Equal(t, 10*time.Second, def.CleanupInterval)
}

func TestCreateExampleConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, CreateExampleConfig(path))

	cfg, err := loadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.InteractiveFreshness)
	assert.Equal(t, time.Hour, cfg.TokenLifetime)
	assert.True(t, cfg.ObfuscateUrls)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := loadFromFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadFromFileBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := loadFromFile(path)
	assert.Error(t, err)
}
