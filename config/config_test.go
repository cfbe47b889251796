package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Memory.RealtimeWrites, "realtime writes are off by default")
	assert.Equal(t, 0.5, cfg.Router.Midpoint)
	assert.Equal(t, 0.7, cfg.Personalization.AvoidThreshold)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shopmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
deadlines:
  route: 250ms
personalization:
  avoid_threshold: 0.8
memory:
  realtime_writes: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Deadlines.Route)
	assert.Equal(t, 0.8, cfg.Personalization.AvoidThreshold)
	assert.True(t, cfg.Memory.RealtimeWrites)
	assert.Equal(t, Default().Deadlines.Fetch, cfg.Deadlines.Fetch)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SHOPMESH_DEADLINES_FETCH", "75ms")
	t.Setenv("SHOPMESH_SESSION_BACKEND", "redis")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 75*time.Millisecond, cfg.Deadlines.Fetch)
	assert.Equal(t, "redis", cfg.Session.Backend)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative deadline", func(c *Config) { c.Deadlines.Route = -1 }},
		{"midpoint out of range", func(c *Config) { c.Router.Midpoint = 1.5 }},
		{"max below min results", func(c *Config) { c.Personalization.MaxResults = 1 }},
		{"cap zero", func(c *Config) { c.Memory.Cap = 0 }},
		{"unknown backend", func(c *Config) { c.Memory.Backend = "postgres" }},
		{"bad batch size", func(c *Config) { c.Synchronizer.BatchSize = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"tiny embedding", func(c *Config) { c.Search.Dimensions = 4 }},
		{"min score one", func(c *Config) { c.Search.MinScore = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Write(path, Default()))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
