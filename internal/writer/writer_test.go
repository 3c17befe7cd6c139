package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	crdberrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sowcheck/internal/adapter/fake"
	"sowcheck/internal/dataset"
	"sowcheck/internal/metrics"
	"sowcheck/internal/store"
)

func testConfig(n int) Config {
	return Config{
		Entries:        n,
		PayloadSize:    16,
		Settle:         time.Second,
		ReportInterval: 10 * time.Millisecond,
	}
}

func counterValue(t *testing.T, m *metrics.Collector, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRunRefusesNonEmptyStore(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.Seed(store.Record{Key: "leftover"})

	_, err := New(cluster.Store(), testConfig(150)).Run(context.Background())
	require.ErrorIs(t, err, ErrStoreNotEmpty)
	assert.Contains(t, crdberrors.FlattenHints(err), "restart the whole cluster?")
	assert.Equal(t, 0, cluster.Count("PutAsync"), "no write may be issued")
	assert.Equal(t, 1, cluster.Len())
}

func TestRunSizeError(t *testing.T) {
	cluster := fake.NewCluster()
	down := errors.New("unreachable")
	cluster.Faults.FailOnce(fake.PointSize, down)

	_, err := New(cluster.Store(), testConfig(10)).Run(context.Background())
	require.ErrorIs(t, err, down)
	assert.NotErrorIs(t, err, ErrStoreNotEmpty)
	assert.Equal(t, 0, cluster.Count("PutAsync"))
}

func TestRunWritesDataset(t *testing.T) {
	cluster := fake.NewCluster()
	m := metrics.New()

	summary, err := New(cluster.Store(), testConfig(150), WithMetrics(m)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Issued: 150, Acked: 150}, summary)
	assert.Equal(t, 150, cluster.Len())

	cur, err := cluster.Store().Scan(context.Background())
	require.NoError(t, err)
	_, err = store.Drain(cur, func(r store.Record) {
		i, ok := dataset.Index(r.Key)
		require.True(t, ok, r.Key)
		assert.Equal(t, dataset.Payload(int64(i), 16), r.Payload)
	})
	require.NoError(t, err)

	assert.Equal(t, 150.0, counterValue(t, m, "sowcheck_writer_puts_issued_total"))
	assert.Equal(t, 150.0, counterValue(t, m, "sowcheck_writer_puts_acked_total"))
}

func TestRunZeroEntries(t *testing.T) {
	cluster := fake.NewCluster()
	summary, err := New(cluster.Store(), testConfig(0)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestRunFailedPutsAreNotFatal(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.Faults.SetHook(fake.PointPut, func(args ...any) error {
		if args[0] == "key-3" || args[0] == "key-7" {
			return errors.New("rejected")
		}
		return nil
	})

	summary, err := New(cluster.Store(), testConfig(10)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Issued: 10, Acked: 8, Failed: 2}, summary)
	assert.Equal(t, 8, cluster.Len())
}

func TestOutstandingPutsAreReportedThenDrain(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.HoldAcks()
	cfg := testConfig(20)
	cfg.Settle = 20 * time.Millisecond

	w := New(cluster.Store(), cfg)
	type result struct {
		summary Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := w.Run(context.Background())
		done <- result{s, err}
	}()

	require.Eventually(t, func() bool { return cluster.HeldAcks() == 20 }, 2*time.Second, 5*time.Millisecond)
	keys := w.Outstanding()
	require.Len(t, keys, 20)
	assert.Equal(t, "key-0", keys[0])
	assert.Equal(t, "key-19", keys[19])

	// Past the settle window the writer keeps waiting instead of failing.
	time.Sleep(50 * time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("writer returned early: %+v", r)
	default:
	}

	cluster.ReleaseAcks()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, Summary{Issued: 20, Acked: 20}, r.summary)
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not finish after acks were released")
	}
	assert.Empty(t, w.Outstanding())
}

func TestRunStopsWithContext(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.HoldAcks()
	cfg := testConfig(5)
	cfg.Settle = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	summary, err := New(cluster.Store(), cfg).Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Summary{Issued: 5, Outstanding: 5}, summary)
}

func TestNewAppliesDefaults(t *testing.T) {
	cluster := fake.NewCluster()
	w := New(cluster.Store(), Config{Entries: 3})
	assert.Equal(t, dataset.DefaultPayloadSize, w.cfg.PayloadSize)
	assert.Equal(t, defaultSettle, w.cfg.Settle)
	assert.Equal(t, defaultReportInterval, w.cfg.ReportInterval)
}

func TestZeroReportIntervalPastSettle(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.HoldAcks()

	w := New(cluster.Store(), Config{Entries: 3, PayloadSize: 8, Settle: time.Millisecond})
	done := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return cluster.HeldAcks() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cluster.ReleaseAcks()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not finish after acks were released")
	}
}
