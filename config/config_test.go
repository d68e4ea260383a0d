package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "reconciler", cfg.AppName)
	assert.Equal(t, "db/pg", cfg.DatabaseMigrationFolderPath)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Minute, cfg.RecalcInterval)
	assert.Equal(t, 500, cfg.CursorPageSize)
	assert.Equal(t, 30*time.Second, cfg.RetryAttemptTimeout)
	assert.Equal(t, time.Minute, cfg.ActionLockTTL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(file, []byte("CURSOR_PAGE_SIZE=250\nRECALC_DRY_RUN=true\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("RECALC_DRY_RUN") })
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CURSOR_PAGE_SIZE", "100")
	t.Setenv("RETRY_ATTEMPT_TIMEOUT", "2m")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.CursorPageSize)
	assert.Equal(t, 2*time.Minute, cfg.RetryAttemptTimeout)
	assert.True(t, cfg.RecalcDryRun)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown workflow backend", map[string]string{"WORKFLOW_BACKEND": "temporal"}},
		{"archive without bucket", map[string]string{"ARCHIVE_ENABLED": "true"}},
		{"sample ratio out of range", map[string]string{"TRACING_SAMPLE_RATIO": "2"}},
		{"unknown otlp protocol", map[string]string{"TRACING_OTLP_PROTOCOL": "zipkin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
