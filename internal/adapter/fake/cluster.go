package fake

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"

	"sowcheck/internal/adapter/fake/fault"
	"sowcheck/internal/coordination"
	"sowcheck/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.Store           = (*Store)(nil)
	_ coordination.Counters = (*Counters)(nil)
	_ coordination.Topology = (*Topology)(nil)
)

// Fault points evaluated by the fake adapters. Hooks receive the key or
// counter name as their first argument where one exists.
const (
	PointPut       = "store.put"
	PointSize      = "store.size"
	PointScan      = "store.scan"
	PointSubscribe = "store.subscribe"
	PointCAS       = "counters.compare_and_set"
	PointJoin      = "topology.join"
	PointMembers   = "topology.size"

	// subscriptionBufCapacity absorbs a burst of deliveries before senders block.
	subscriptionBufCapacity = 256
)

// ErrNotFound is returned by Counter lookups for names never written.
var ErrNotFound = errors.New("not found")

// Cluster simulates the shared store, the coordination service and the
// membership signal in memory. Change events are delivered on one goroutine
// per event and subscriber, so delivery order is not deterministic, the
// same as a real store's delivery threads.
type Cluster struct {
	CallRecorder
	Faults *fault.Injector

	mu         sync.Mutex
	entries    map[string]store.Record
	counters   map[string]int64
	members    int
	subs       map[uint64]*subscription
	nextSubID  uint64
	holdAcks   bool
	heldAcks   []func()
	suppressed func(key string) bool
}

// NewCluster creates an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{
		Faults:   fault.NewInjector(),
		entries:  make(map[string]store.Record),
		counters: make(map[string]int64),
		subs:     make(map[uint64]*subscription),
	}
}

// Store returns the cluster's store view.
func (c *Cluster) Store() *Store { return &Store{c: c} }

// Counters returns the cluster's coordination counters.
func (c *Cluster) Counters() *Counters { return &Counters{c: c} }

// Topology returns the cluster's membership signal.
func (c *Cluster) Topology() *Topology { return &Topology{c: c} }

// Seed stores records directly, without notifying subscribers.
func (c *Cluster) Seed(recs ...store.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		c.entries[rec.Key] = rec
	}
}

// Len returns the number of stored entries.
func (c *Cluster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Counter returns the value of a coordination counter.
func (c *Cluster) Counter(name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.counters[name]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

// AddMembers simulates n processes that joined before the code under test.
func (c *Cluster) AddMembers(n int) {
	c.mu.Lock()
	c.members += n
	c.mu.Unlock()
}

// RemoveMembers simulates n processes leaving the cluster.
func (c *Cluster) RemoveMembers(n int) {
	c.mu.Lock()
	c.members = max(c.members-n, 0)
	c.mu.Unlock()
}

// HoldAcks makes subsequent writes apply immediately but defers their
// completion callbacks until ReleaseAcks.
func (c *Cluster) HoldAcks() {
	c.mu.Lock()
	c.holdAcks = true
	c.mu.Unlock()
}

// ReleaseAcks completes every held write and stops holding new ones.
func (c *Cluster) ReleaseAcks() {
	c.mu.Lock()
	held := c.heldAcks
	c.heldAcks = nil
	c.holdAcks = false
	c.mu.Unlock()
	for _, ack := range held {
		go ack()
	}
}

// HeldAcks returns the number of writes waiting for ReleaseAcks.
func (c *Cluster) HeldAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.heldAcks)
}

// SuppressEvents drops change events for keys matching fn, simulating a
// store that loses notifications. Pass nil to deliver everything again.
func (c *Cluster) SuppressEvents(fn func(key string) bool) {
	c.mu.Lock()
	c.suppressed = fn
	c.mu.Unlock()
}

// Deliver pushes events to every active subscriber as if the store had
// emitted them, without touching stored entries.
func (c *Cluster) Deliver(events ...store.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range events {
		c.publishLocked(ev)
	}
}

// Subscribers returns the number of active subscriptions.
func (c *Cluster) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// BreakSubscriptions ends every active subscription with err.
func (c *Cluster) BreakSubscriptions(err error) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.end(err)
	}
}

func (c *Cluster) put(rec store.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind := store.ChangeInsert
	if _, exists := c.entries[rec.Key]; exists {
		kind = store.ChangeUpdate
	}
	c.entries[rec.Key] = rec
	c.publishLocked(store.ChangeEvent{Kind: kind, Key: rec.Key})
}

func (c *Cluster) publishLocked(ev store.ChangeEvent) {
	if c.suppressed != nil && c.suppressed(ev.Key) {
		return
	}
	for _, s := range c.subs {
		s.inflight.Add(1)
		go s.deliver(ev)
	}
}

func (c *Cluster) snapshotLocked() []store.Record {
	recs := make([]store.Record, 0, len(c.entries))
	for _, rec := range c.entries {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b store.Record) int {
		return cmp.Or(cmp.Compare(a.Sequence, b.Sequence), cmp.Compare(a.Key, b.Key))
	})
	return recs
}

// Store is the store.Store view of a Cluster.
type Store struct{ c *Cluster }

func (s *Store) PutAsync(_ context.Context, rec store.Record, done func(error)) {
	c := s.c
	c.record("PutAsync", rec.Key)
	if err := c.Faults.Eval(PointPut, rec.Key); err != nil {
		go done(err)
		return
	}

	c.put(rec)
	ack := func() { done(nil) }

	c.mu.Lock()
	if c.holdAcks {
		c.heldAcks = append(c.heldAcks, ack)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	go ack()
}

func (s *Store) Size(context.Context) (int, error) {
	c := s.c
	c.record("Size")
	if err := c.Faults.Eval(PointSize); err != nil {
		return 0, err
	}
	return c.Len(), nil
}

func (s *Store) Scan(context.Context) (store.Cursor, error) {
	c := s.c
	c.record("Scan")
	if err := c.Faults.Eval(PointScan); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return store.NewSliceCursor(c.snapshotLocked()), nil
}

func (s *Store) Subscribe(ctx context.Context, opts store.SubscribeOptions) (store.Subscription, error) {
	c := s.c
	c.record("Subscribe", opts.Initial)
	if err := c.Faults.Eval(PointSubscribe); err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	sub := &subscription{
		cluster: c,
		id:      id,
		events:  make(chan store.ChangeEvent, subscriptionBufCapacity),
		done:    make(chan struct{}),
	}
	if opts.Initial {
		sub.initial = store.NewSliceCursor(c.snapshotLocked())
	}
	c.subs[id] = sub
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.end(nil)
		case <-sub.done:
		}
	}()
	return sub, nil
}

type subscription struct {
	cluster  *Cluster
	id       uint64
	initial  store.Cursor
	events   chan store.ChangeEvent
	done     chan struct{}
	inflight sync.WaitGroup
	endOnce  sync.Once

	mu  sync.Mutex
	err error
}

func (s *subscription) ID() string                       { return "fake-" + strconv.FormatUint(s.id, 10) }
func (s *subscription) Initial() store.Cursor            { return s.initial }
func (s *subscription) Events() <-chan store.ChangeEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.end(nil)
	return nil
}

func (s *subscription) deliver(ev store.ChangeEvent) {
	defer s.inflight.Done()
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// end unregisters the subscription, waits for in-flight deliveries to give
// up and closes the events channel.
func (s *subscription) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		s.cluster.mu.Lock()
		delete(s.cluster.subs, s.id)
		close(s.done)
		s.cluster.mu.Unlock()

		s.inflight.Wait()
		close(s.events)
	})
}

// Counters is the coordination.Counters view of a Cluster.
type Counters struct{ c *Cluster }

func (k *Counters) CompareAndSet(_ context.Context, name string, expected, next int64) (bool, error) {
	c := k.c
	c.record("CompareAndSet", name, expected, next)
	if err := c.Faults.Eval(PointCAS, name); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters[name] != expected {
		return false, nil
	}
	c.counters[name] = next
	return true, nil
}

// Topology is the coordination.Topology view of a Cluster.
type Topology struct{ c *Cluster }

func (t *Topology) Join(context.Context) (int, error) {
	c := t.c
	c.record("Join")
	if err := c.Faults.Eval(PointJoin); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members++
	return c.members, nil
}

func (t *Topology) Size(context.Context) (int, error) {
	c := t.c
	if err := c.Faults.Eval(PointMembers); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members, nil
}
