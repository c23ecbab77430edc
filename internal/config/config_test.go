package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotask/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Tasks.Enabled)
	assert.Equal(t, 0.02, cfg.Tasks.GoldenRatio)
	assert.Equal(t, 15*time.Minute, cfg.Tasks.LeaseDuration())
	assert.Equal(t, 45*time.Minute, cfg.Tasks.BundleTTL())
	assert.Equal(t, 2*time.Second, cfg.Events.RelayInterval)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
tasks:
  enabled: false
  golden_ratio: 0.5
store:
  driver: memory
events:
  webhooks:
    - url: http://hooks.local/in
      enabled: true
`))
	require.NoError(t, err)
	assert.False(t, cfg.Tasks.Enabled)
	assert.Equal(t, 0.5, cfg.Tasks.GoldenRatio)
	assert.Equal(t, 5, cfg.Tasks.TargetVotes)
	assert.Equal(t, "memory", cfg.Store.Driver)
	require.Len(t, cfg.Events.Webhooks, 1)
	assert.Equal(t, 60, cfg.Limits.ClaimsPerHour)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"ratio":        "tasks:\n  golden_ratio: 1.5\n",
		"thresholds":   "tasks:\n  min_green_review: 5\n  min_green_skip_qa: 4\n",
		"driver":       "store:\n  driver: mysql\n",
		"postgres dsn": "store:\n  driver: postgres\n",
		"s3 bucket":    "storage:\n  kind: s3\n",
		"webhook url":  "events:\n  webhooks:\n    - secret: x\n",
		"bundle size":  "tasks:\n  bundle_size: 11\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)

	_, err = config.Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "annotask.yml"), []byte(config.GenerateDefault()), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Tasks.BundleSize)
}
