// Package metrics records scenario progress as Prometheus metrics. A run is a
// short-lived process, so metrics are written to a node_exporter textfile at
// exit instead of being served.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sowcheck"

// Collector owns a private registry with every scenario metric. A nil
// *Collector is valid and records nothing.
type Collector struct {
	reg *prometheus.Registry

	writesIssued      prometheus.Counter
	writesAcked       prometheus.Counter
	writesFailed      prometheus.Counter
	writesOutstanding prometheus.Gauge

	snapshotKeys prometheus.Counter
	streamEvents prometheus.Counter
	observedKeys prometheus.Gauge

	missingKeys        prometheus.Gauge
	convergencePassed  prometheus.Gauge
	convergenceSeconds prometheus.Gauge

	role              *prometheus.GaugeVec
	clusterSize       prometheus.Gauge
	membershipChanges prometheus.Counter
}

// New creates a Collector with all metrics registered.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		writesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "puts_issued_total",
			Help: "Asynchronous puts issued by the writer.",
		}),
		writesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "puts_acked_total",
			Help: "Puts acknowledged by the store.",
		}),
		writesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "puts_failed_total",
			Help: "Puts completed with an error.",
		}),
		writesOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "writer", Name: "puts_outstanding",
			Help: "Puts issued but not yet completed.",
		}),
		snapshotKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "observer", Name: "snapshot_keys_total",
			Help: "Keys read from the snapshot cursor.",
		}),
		streamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "observer", Name: "stream_events_total",
			Help: "Change events received from the subscription.",
		}),
		observedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "observer", Name: "observed_keys",
			Help: "Distinct keys observed through either source.",
		}),
		missingKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "convergence", Name: "missing_keys",
			Help: "Expected keys not observed when the check ended.",
		}),
		convergencePassed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "convergence", Name: "passed",
			Help: "1 if the observed set converged to the expected set.",
		}),
		convergenceSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "convergence", Name: "duration_seconds",
			Help: "Time from observation setup to the verdict.",
		}),
		role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "role",
			Help: "Role taken by this process (1 for the active role).",
		}, []string{"role"}),
		clusterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cluster_size",
			Help: "Cluster size last seen by this process.",
		}),
		membershipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "membership_changes_total",
			Help: "Cluster size changes seen while the role ran.",
		}),
	}
	c.reg.MustRegister(
		c.writesIssued, c.writesAcked, c.writesFailed, c.writesOutstanding,
		c.snapshotKeys, c.streamEvents, c.observedKeys,
		c.missingKeys, c.convergencePassed, c.convergenceSeconds,
		c.role, c.clusterSize, c.membershipChanges,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) PutIssued() {
	if c == nil {
		return
	}
	c.writesIssued.Inc()
	c.writesOutstanding.Inc()
}

func (c *Collector) PutCompleted(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.writesFailed.Inc()
	} else {
		c.writesAcked.Inc()
	}
	c.writesOutstanding.Dec()
}

func (c *Collector) SnapshotKey() {
	if c == nil {
		return
	}
	c.snapshotKeys.Inc()
}

func (c *Collector) StreamEvent() {
	if c == nil {
		return
	}
	c.streamEvents.Inc()
}

func (c *Collector) SetObserved(n int) {
	if c == nil {
		return
	}
	c.observedKeys.Set(float64(n))
}

// SetVerdict records the outcome of a convergence check.
func (c *Collector) SetVerdict(passed bool, missing int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.missingKeys.Set(float64(missing))
	if passed {
		c.convergencePassed.Set(1)
	} else {
		c.convergencePassed.Set(0)
	}
	c.convergenceSeconds.Set(elapsed.Seconds())
}

func (c *Collector) SetRole(role string) {
	if c == nil {
		return
	}
	c.role.Reset()
	c.role.WithLabelValues(role).Set(1)
}

func (c *Collector) SetClusterSize(n int) {
	if c == nil {
		return
	}
	c.clusterSize.Set(float64(n))
}

// MembershipChanged counts a cluster size change and records the new size.
func (c *Collector) MembershipChanged(size int) {
	if c == nil {
		return
	}
	c.membershipChanges.Inc()
	c.clusterSize.Set(float64(size))
}

// WriteTextfile writes every metric to path in the text exposition format.
// An empty path is a no-op.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
