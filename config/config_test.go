package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdisci/fluxbuster/clustering"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fluxbuster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.Clustering.Gamma)
	assert.Equal(t, 5000, cfg.Clustering.MaxCandidateDomains)
	assert.Equal(t, 1, cfg.Clustering.EffectiveWorkers())
	assert.Equal(t, 12*time.Hour, cfg.Collector.ExpirationWindow)

	g, err := cfg.Clustering.Generator()
	require.NoError(t, err)
	assert.Equal(t, clustering.CompleteLinkage, g.Linkage)
	assert.Equal(t, clustering.TieBreakFirst, g.TieBreak)
	assert.Equal(t, 0.75, g.MaxCutHeight)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
clustering:
  gamma: 2.5
  linkage: single
  multithreaded: true
  workers: 4
  tie_break: uniform
collector:
  rotate_interval: 30m
log:
  level: debug
`)
	t.Setenv("FLUXBUSTER_CLICKHOUSE_DSN", "clickhouse://db:9000/flux")
	t.Setenv("FLUXBUSTER_METRICS_LISTEN", "127.0.0.1:9200")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.Clustering.Gamma)
	assert.Equal(t, 4, cfg.Clustering.EffectiveWorkers())
	assert.Equal(t, 30*time.Minute, cfg.Collector.RotateInterval)
	assert.Equal(t, "clickhouse://db:9000/flux", cfg.ClickHouse.DSN)
	assert.Equal(t, "127.0.0.1:9200", cfg.Collector.MetricsListen)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 0.5, cfg.Clustering.MinTotalDiversity)

	g, err := cfg.Clustering.Generator()
	require.NoError(t, err)
	assert.Equal(t, clustering.SingleLinkage, g.Linkage)
	assert.Equal(t, clustering.TieBreakUniform, g.TieBreak)
	assert.Equal(t, 5000, cfg.Clustering.Selector().MaxCandidates)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"negative gamma", "clustering:\n  gamma: -1\n", "Config.Clustering.Gamma"},
		{"unknown linkage", "clustering:\n  linkage: average\n", "Config.Clustering.Linkage"},
		{"cut above one", "clustering:\n  max_cut_height: 1.5\n", "Config.Clustering.MaxCutHeight"},
		{"zero quota", "clustering:\n  max_candidate_domains: 0\n", "Config.Clustering.MaxCandidateDomains"},
		{"bad pattern", "input:\n  file_pattern: \"[\"\n", "Config.Input.FilePattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("FLUXBUSTER_WORKERS", "many")
	_, err := Load("")
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "clustering: [\n"))
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestCollectorConfig_Extractor(t *testing.T) {
	ex := Default().Collector.Extractor()
	assert.Equal(t, uint32(3*3600), ex.MaxSuspiciousTTL)
	assert.Equal(t, 10*time.Minute, ex.ExpirationProbe)
}
