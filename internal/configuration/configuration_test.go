package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/store/kind"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "robosync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(&model.Args{ConfigFile: writeConfig(t, "log_level: debug\n")})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, kind.Memory, cfg.StoreKind)
	assert.Equal(t, defaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, defaultNatsBucket, cfg.Nats.Bucket)
}

func TestLoadArgsOverrideFile(t *testing.T) {
	cfg, err := Load(&model.Args{
		ConfigFile:      writeConfig(t, "log_level: debug\n"),
		LogLevel:        "warn",
		EnableProfiling: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.EnableProfiling)
}

func TestLoadNats(t *testing.T) {
	cfg, err := Load(&model.Args{ConfigFile: writeConfig(t, `
store_kind: nats
nats:
  url: nats://localhost:4222
  connect_timeout: 2s
`)})
	require.NoError(t, err)

	assert.Equal(t, kind.Nats, cfg.StoreKind)
	assert.Equal(t, "nats://localhost:4222", cfg.Nats.URL)
	assert.Equal(t, 2*time.Second, cfg.Nats.ConnectTimeout)
}

func TestLoadNatsMissingURL(t *testing.T) {
	_, err := Load(&model.Args{ConfigFile: writeConfig(t, "store_kind: nats\n")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfig))
}

func TestLoadUnknownStoreKind(t *testing.T) {
	_, err := Load(&model.Args{ConfigFile: writeConfig(t, "store_kind: firestore\n")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfig))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ROBOSYNC_STORE_KIND", "redis")
	t.Setenv("ROBOSYNC_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(&model.Args{ConfigFile: writeConfig(t, "log_level: info\n")})
	require.NoError(t, err)

	assert.Equal(t, kind.Redis, cfg.StoreKind)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, defaultRedisKeyPrefix, cfg.Redis.KeyPrefix)
}

func TestLoadHTTPStoreRequiresOAuth(t *testing.T) {
	_, err := Load(&model.Args{ConfigFile: writeConfig(t, `
store_kind: http
http_store:
  endpoint: http://robosync.internal:8080
`)})
	require.Error(t, err)

	cfg, err := Load(&model.Args{ConfigFile: writeConfig(t, `
store_kind: http
http_store:
  endpoint: http://robosync.internal:8080
  disable_oauth: true
`)})
	require.NoError(t, err)
	assert.Equal(t, kind.HTTP, cfg.StoreKind)
	assert.Equal(t, defaultHTTPStoreRetryMax, cfg.HTTPStore.RetryMax)
}
