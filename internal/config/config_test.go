package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftvault/driftvault/pkg/bytesize"
	"github.com/driftvault/driftvault/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":9310"
log_level: debug
storage:
  root: /srv/driftvault
  default_quota: 20Gi
  max_file_size: 2Gi
  chunk_size_hint: 16Mi
  min_volume_headroom: 1Gi
sweep:
  interval: 5m
  max_session_age: 12h
`
	configPath := testutil.TempFile(t, dir, "driftvault.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9310", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/srv/driftvault", cfg.Storage.Root)
	assert.Equal(t, 20*bytesize.GB, cfg.Storage.DefaultQuota.Bytes())
	assert.Equal(t, 2*bytesize.GB, cfg.Storage.MaxFileSize.Bytes())
	assert.Equal(t, 16*bytesize.MB, cfg.Storage.ChunkSizeHint.Bytes())
	assert.Equal(t, bytesize.GB, cfg.Storage.MinVolumeHeadroom.Bytes())

	interval, err := cfg.SweepInterval()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, interval)
	age, err := cfg.MaxSessionAge()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, age)

	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	// Minimal config
	content := `
storage:
  root: /srv/driftvault
`
	configPath := testutil.TempFile(t, dir, "driftvault.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9310", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*bytesize.GB, cfg.Storage.DefaultQuota.Bytes())
	assert.Equal(t, 5*bytesize.GB, cfg.Storage.MaxFileSize.Bytes())
	assert.Equal(t, 8*bytesize.MB, cfg.Storage.ChunkSizeHint.Bytes())
	assert.Equal(t, int64(0), cfg.Storage.MinVolumeHeadroom.Bytes())
	assert.Equal(t, "10m", cfg.Sweep.Interval)
	assert.Equal(t, "24h", cfg.Sweep.MaxSessionAge)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/driftvault.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: [invalid yaml
`
	configPath := testutil.TempFile(t, dir, "driftvault.yaml", content)

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_InvalidSize(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
storage:
  root: /srv/driftvault
  default_quota: lots
`
	configPath := testutil.TempFile(t, dir, "driftvault.yaml", content)

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/var/lib/driftvault", cfg.Storage.Root)
	require.NoError(t, cfg.Validate())
}

func TestMaxSessionAgeDisabled(t *testing.T) {
	cfg := Default()
	cfg.Sweep.MaxSessionAge = "0"

	age, err := cfg.MaxSessionAge()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), age)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"relative root", func(c *Config) { c.Storage.Root = "data/vault" }},
		{"bad interval", func(c *Config) { c.Sweep.Interval = "soon" }},
		{"negative interval", func(c *Config) { c.Sweep.Interval = "-5m" }},
		{"bad session age", func(c *Config) { c.Sweep.MaxSessionAge = "whenever" }},
		{"negative session age", func(c *Config) { c.Sweep.MaxSessionAge = "-1h" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
