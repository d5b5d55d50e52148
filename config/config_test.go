package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "clover", cfg.AppName)
	assert.Equal(t, 3004, cfg.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Minute, cfg.BatchLockTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.TextAnalysisMinInterval)
	assert.True(t, cfg.DatabaseMigrationAutoRollback)
	assert.False(t, cfg.KafkaProducerEnabled)

	thresholds := cfg.Thresholds()
	assert.Equal(t, 1.0, thresholds[models.EntityKindPerson].AutoMerge)
	assert.Equal(t, 0.85, thresholds[models.EntityKindPerson].ReviewFloor)
	assert.Equal(t, 0.9, thresholds[models.EntityKindPlace].AutoMerge)
	assert.Equal(t, 0.6, thresholds[models.EntityKindPlace].ReviewFloor)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "8080")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("BATCH_LOCK_TTL", "30s")
	t.Setenv("RESOLUTION_PLACE_REVIEW_THRESHOLD", "0.7")
	t.Setenv("KAFKA_PRODUCER_ENABLED", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.BatchLockTTL)
	assert.Equal(t, 0.7, cfg.PlaceReviewThreshold)
	assert.True(t, cfg.KafkaProducerEnabled)
}

func TestLoad_DotEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("BATCH_WORKERS=9\n"), 0o600))
	yamlFile := filepath.Join(dir, "clover.yaml")
	require.NoError(t, os.WriteFile(yamlFile, []byte("db_name: fusion\nkafka_brokers:\n  - a:1\n  - b:2\n"), 0o600))
	t.Setenv("CONFIG_FILE", yamlFile)
	t.Cleanup(func() { os.Unsetenv("BATCH_WORKERS") })

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.BatchWorkers)
	assert.Equal(t, "fusion", cfg.DatabaseName)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	yamlFile := filepath.Join(t.TempDir(), "clover.yaml")
	require.NoError(t, os.WriteFile(yamlFile, []byte("port: 9000\nhttp_server_allow_origins: https://a.org\nbatch_lock_ttl: 45s\n"), 0o600))
	t.Setenv("CONFIG_FILE", yamlFile)
	t.Setenv("PORT", "9100")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, []string{"https://a.org"}, cfg.AllowOrigins)
	assert.Equal(t, 45*time.Second, cfg.BatchLockTTL)
	assert.Equal(t, "clover", cfg.AppName)
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"review above auto merge", map[string]string{"RESOLUTION_PERSON_REVIEW_THRESHOLD": "1.2"}},
		{"auto merge above one", map[string]string{"RESOLUTION_PLACE_AUTO_MERGE_THRESHOLD": "1.5"}},
		{"no workers", map[string]string{"BATCH_WORKERS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}
