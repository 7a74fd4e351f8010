package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, BackendRedis, cfg.CacheBackend)
	assert.Equal(t, 30*time.Minute, cfg.CacheAbsoluteTTL)
	assert.Equal(t, 10*time.Minute, cfg.CacheSlidingTTL)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "buyer", cfg.DefaultRole)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("KAFKA_BROKERS", "a:1, b:2,,")
	t.Setenv("STORE_BACKEND", "MEMORY")
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("CACHE_SLIDING_TTL", "2m")
	t.Setenv("WARMER_WORKERS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 2*time.Minute, cfg.CacheSlidingTTL)
	assert.Equal(t, 1, cfg.WarmerWorkers)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_name: catalog-api\ncache_absolute_ttl: 1h\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "catalog-api", cfg.ServiceName)
	assert.Equal(t, time.Hour, cfg.CacheAbsoluteTTL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown store", "STORE_BACKEND", "sqlite"},
		{"unknown cache", "CACHE_BACKEND", "memcached"},
		{"sliding beyond absolute", "CACHE_SLIDING_TTL", "31m"},
		{"zero tx timeout", "TX_TIMEOUT", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
