package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"async-notify/internal/config"
	"async-notify/internal/queue"
	"async-notify/internal/ratelimit"
)

func baseConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.File.Dir = t.TempDir()
	cfg.Categories = []string{"alipay", "wxpay"}
	return cfg
}

func TestOpenFileBackend(t *testing.T) {
	a, err := Open(context.Background(), baseConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, "file", a.Primary.Name())
	assert.False(t, a.Degraded)
	assert.Equal(t, []string{"alipay", "wxpay"}, a.Registry.Categories())
	assert.IsType(t, &ratelimit.LocalLimiter{}, a.Limiter())
}

func TestOpenKVBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.Queue.Backend = "kv"
	cfg.Redis.Addr = mr.Addr()

	a, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, "kv", a.Primary.Name())
	assert.IsType(t, &queue.RedisQueue{}, a.Primary)
	assert.IsType(t, &ratelimit.TokenBucket{}, a.Limiter())
}

func TestOpenDegradesWhenKVUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := baseConfig(t)
	cfg.Queue.Backend = "kv"
	cfg.Redis.Addr = addr
	cfg.Redis.DialTimeout = 200 * time.Millisecond

	a, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.True(t, a.Degraded)
	assert.Equal(t, "file", a.Primary.Name())
}

func TestOpenRejectsBadProvider(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Providers = map[string]config.ProviderConfig{"alipay": {Executor: "carrier-pigeon"}}
	_, err := Open(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestLimiterDisabled(t *testing.T) {
	cfg := baseConfig(t)
	cfg.RateLimit.Capacity = 0
	a, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, a.Limiter())
}
