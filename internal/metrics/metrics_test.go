package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAccounting(t *testing.T) {
	c := New()
	c.PutIssued()
	c.PutIssued()
	c.PutIssued()
	c.PutCompleted(nil)
	c.PutCompleted(errors.New("timeout"))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.writesIssued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.writesAcked))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.writesFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.writesOutstanding))
}

func TestVerdictAndRole(t *testing.T) {
	c := New()
	c.SetVerdict(false, 12, 20*time.Second)
	c.SetRole("listener")
	c.SetRole("writer")

	assert.Equal(t, 12.0, testutil.ToFloat64(c.missingKeys))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.convergencePassed))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.convergenceSeconds))
	assert.Equal(t, 1, testutil.CollectAndCount(c.role), "role gauge keeps only the active role")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.role.WithLabelValues("writer")))
}

func TestMembership(t *testing.T) {
	c := New()
	c.SetClusterSize(2)
	c.MembershipChanged(3)
	c.MembershipChanged(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.clusterSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.membershipChanges))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.PutIssued()
	c.PutCompleted(nil)
	c.SnapshotKey()
	c.StreamEvent()
	c.SetObserved(3)
	c.SetVerdict(true, 0, time.Second)
	c.SetRole("idle")
	c.SetClusterSize(2)
	c.MembershipChanged(3)
	assert.Nil(t, c.Registry())
	assert.NoError(t, c.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteTextfile(t *testing.T) {
	c := New()
	c.SetObserved(150)
	path := filepath.Join(t.TempDir(), "nested", "sowcheck.prom")

	require.NoError(t, c.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sowcheck_observer_observed_keys 150")
}
