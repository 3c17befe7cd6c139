package wiring

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sowcheck/internal/config"
	"sowcheck/internal/coordination"
	redisinfra "sowcheck/internal/infra/redis"
	"sowcheck/internal/infra/sqlite"
)

func redisConfig(t *testing.T) config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Store.Redis.Addr = mr.Addr()
	cfg.Store.Redis.ConfigureNotifications = false
	return cfg
}

func TestBuildRedis(t *testing.T) {
	cfg := redisConfig(t)
	b, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &redisinfra.Store{}, b.Store)
	assert.IsType(t, &redisinfra.Counters{}, b.Counters)
	assert.IsType(t, &redisinfra.Topology{}, b.Topology)
	assert.Len(t, b.closers, 1, "store and coordination share one client")

	ok, err := coordination.NewCoordinator(b.Counters, "").Claim(context.Background(), coordination.RoleWriter)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuildSQLiteCoordination(t *testing.T) {
	cfg := redisConfig(t)
	cfg.Coordination.Driver = config.CoordinationSQLite
	cfg.Coordination.SQLite.Path = filepath.Join(t.TempDir(), "coord.db")

	b, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &sqlite.Store{}, b.Counters)
	assert.Same(t, b.Counters, b.Topology)

	size, err := b.Topology.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestBuildFailsWhenRedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Redis.Addr = "127.0.0.1:1"
	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "ping redis")
}

func TestBuildRejectsBadCorrosionAddress(t *testing.T) {
	cfg := redisConfig(t)
	cfg.Topology.Driver = config.TopologyCorrosion
	cfg.Store.Corrosion.Addr = "not-an-address"
	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "parse corrosion address")
}

func TestBuildRejectsUnknownDriver(t *testing.T) {
	cfg := redisConfig(t)
	cfg.Store.Driver = "etcd"
	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, `unknown store driver "etcd"`)
}
