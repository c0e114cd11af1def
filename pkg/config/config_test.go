package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "core", cfg.Namespace.Name)
	assert.Equal(t, 5, cfg.Bus.MaxRedeliveries)
	assert.Equal(t, 8, cfg.Scheduler.CASMaxAttempts)
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: redis.internal:6380
namespace:
  name: acctest
bus:
  max_redeliveries: 3
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "acctest", cfg.Namespace.Name)
	assert.Equal(t, 3, cfg.Bus.MaxRedeliveries)
	assert.Equal(t, 8, cfg.Scheduler.CASMaxAttempts, "values absent from the file keep their default")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: file-redis:6379
namespace:
  name: from-file
bus:
  max_redeliveries: 3
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("CORE_NAMESPACE", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "from-env", cfg.Namespace.Name)
	assert.Equal(t, 3, cfg.Bus.MaxRedeliveries, "values set only in the file are kept")
}
