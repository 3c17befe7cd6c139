// Package observe merges a store's snapshot cursor and its change stream into
// one duplicate-free set of observed keys.
package observe

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sowcheck/internal/check"
	"sowcheck/internal/metrics"
	"sowcheck/internal/store"
)

// Option configures a Merger.
type Option func(*Merger)

// WithMetrics records snapshot and stream progress on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(mg *Merger) {
		mg.metrics = m
	}
}

// WithKeyFilter admits only keys for which accept returns true. Rejected keys
// are counted as foreign and never enter the set.
func WithKeyFilter(accept func(key string) bool) Option {
	return func(mg *Merger) {
		mg.accept = accept
	}
}

// Merger observes a store through a subscription registered before any read.
type Merger struct {
	store   store.Store
	metrics *metrics.Collector
	accept  func(string) bool
}

func NewMerger(s store.Store, opts ...Option) *Merger {
	check.Assert(s != nil, "observe.NewMerger: store must not be nil")
	m := &Merger{store: s}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observation is a running observation. Its key set keeps growing from the
// change stream until Close.
type Observation struct {
	keys    *KeySet
	sub     store.Subscription
	metrics *metrics.Collector
	accept  func(string) bool

	cancel context.CancelFunc
	done   chan struct{}
	errc   chan error

	snapshotRecords atomic.Int64
	streamEvents    atomic.Int64
	foreign         atomic.Int64
	readyAt         time.Time
}

// Observe subscribes to the change stream, then drains the snapshot cursor on
// the calling goroutine while a single consumer goroutine adds streamed keys.
// It returns once the snapshot is fully merged. Failing to subscribe or to
// read the snapshot is an error; the returned Observation must be closed.
func (m *Merger) Observe(ctx context.Context) (*Observation, error) {
	log := slog.With("component", "observer")
	ctx, cancel := context.WithCancel(ctx)

	sub, err := m.store.Subscribe(ctx, store.SubscribeOptions{Initial: true})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to change stream: %w", err)
	}
	log.Debug("Subscribed to change stream.", "id", sub.ID())

	o := &Observation{
		keys:    NewKeySet(),
		sub:     sub,
		metrics: m.metrics,
		accept:  m.accept,
		cancel:  cancel,
		done:    make(chan struct{}),
		errc:    make(chan error, 1),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.consume(gctx) })
	go func() {
		defer close(o.done)
		if err := g.Wait(); err != nil {
			o.errc <- err
		}
	}()

	cursor := sub.Initial()
	if cursor == nil {
		// The store cannot attach the snapshot to the subscription; scan
		// separately. The subscription is already active, so nothing written
		// from here on can be missed by both sources.
		if cursor, err = m.store.Scan(ctx); err != nil {
			o.Close()
			return nil, fmt.Errorf("scan store: %w", err)
		}
	}
	n, err := store.Drain(cursor, func(rec store.Record) {
		o.snapshotRecords.Add(1)
		o.metrics.SnapshotKey()
		o.add(rec.Key)
	})
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("drain snapshot after %d records: %w", n, err)
	}

	o.readyAt = time.Now()
	log.Info("Snapshot merged.", "snapshot_records", n, "observed", o.keys.Len(),
		"stream_events", o.streamEvents.Load())
	return o, nil
}

func (o *Observation) consume(ctx context.Context) error {
	events := o.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := o.sub.Err(); err != nil {
					return fmt.Errorf("change stream: %w", err)
				}
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("change stream: %w", store.ErrSubscriptionClosed)
			}
			o.streamEvents.Add(1)
			o.metrics.StreamEvent()
			// The set only grows; a delete still proves the key was written.
			o.add(ev.Key)
		}
	}
}

func (o *Observation) add(key string) {
	if o.accept != nil && !o.accept(key) {
		if o.foreign.Add(1) == 1 {
			slog.Warn("Ignoring key outside the expected dataset.", "component", "observer", "key", key)
		}
		return
	}
	if o.keys.Add(key) {
		o.metrics.SetObserved(o.keys.Len())
	}
}

// Keys returns the observed key set.
func (o *Observation) Keys() *KeySet {
	return o.keys
}

// Err delivers at most one error if the change stream fails after setup.
func (o *Observation) Err() <-chan error {
	return o.errc
}

// ReadyAt is the time the snapshot finished merging.
func (o *Observation) ReadyAt() time.Time {
	return o.readyAt
}

// Stats reports how many records and events each source delivered.
type Stats struct {
	SnapshotRecords int
	StreamEvents    int
	Foreign         int
	Observed        int
}

func (o *Observation) Stats() Stats {
	return Stats{
		SnapshotRecords: int(o.snapshotRecords.Load()),
		StreamEvents:    int(o.streamEvents.Load()),
		Foreign:         int(o.foreign.Load()),
		Observed:        o.keys.Len(),
	}
}

// Close ends the subscription and waits for the consumer to stop.
func (o *Observation) Close() error {
	o.cancel()
	err := o.sub.Close()
	<-o.done
	return err
}
