package coordination_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sowcheck/internal/adapter/fake"
	"sowcheck/internal/coordination"
)

func TestRoleForClusterSize(t *testing.T) {
	tests := []struct {
		size int
		want coordination.Role
	}{
		{0, coordination.RoleIdle},
		{1, coordination.RoleIdle},
		{2, coordination.RoleListener},
		{3, coordination.RoleWriter},
		{4, coordination.RoleIdle},
		{17, coordination.RoleIdle},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, coordination.RoleForClusterSize(tt.size), "size %d", tt.size)
	}
}

func TestClaimName(t *testing.T) {
	c := coordination.NewCoordinator(fake.NewCluster().Counters(), "")
	assert.Equal(t, "writer-claim", c.ClaimName(coordination.RoleWriter))
	assert.Equal(t, "listener-claim", c.ClaimName(coordination.RoleListener))

	prefixed := coordination.NewCoordinator(fake.NewCluster().Counters(), "run7/")
	assert.Equal(t, "run7/writer-claim", prefixed.ClaimName(coordination.RoleWriter))
}

func TestClaimIsExactlyOnce(t *testing.T) {
	cluster := fake.NewCluster()
	c := coordination.NewCoordinator(cluster.Counters(), "")
	ctx := context.Background()

	ok, err := c.Claim(ctx, coordination.RoleListener)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, coordination.RoleListener)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	ok, err = c.Claim(ctx, coordination.RoleWriter)
	require.NoError(t, err)
	assert.True(t, ok, "claims are independent per role")

	v, err := cluster.Counter("listener-claim")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	cluster := fake.NewCluster()
	ctx := context.Background()

	const contenders = 2
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each contender has its own coordinator, like separate processes.
			c := coordination.NewCoordinator(cluster.Counters(), "")
			<-start
			ok, err := c.Claim(ctx, coordination.RoleWriter)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestClaimIdleIsRejected(t *testing.T) {
	cluster := fake.NewCluster()
	c := coordination.NewCoordinator(cluster.Counters(), "")
	_, err := c.Claim(context.Background(), coordination.RoleIdle)
	require.Error(t, err)
	assert.Equal(t, 0, cluster.Count("CompareAndSet"))
}

func TestClaimUnreachable(t *testing.T) {
	cluster := fake.NewCluster()
	down := errors.New("connection refused")
	cluster.Faults.FailAlways(fake.PointCAS, down)

	c := coordination.NewCoordinator(cluster.Counters(), "")
	ok, err := c.Claim(context.Background(), coordination.RoleWriter)
	assert.False(t, ok)
	assert.ErrorIs(t, err, down)
	assert.Contains(t, err.Error(), "claim writer role")
}
