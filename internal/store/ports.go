// Package store defines the narrow view of the shared replicated key-value
// store that the scenario consumes.
//
// Every operation is cluster-wide: adapters must not restrict results to
// locally held partitions. Production adapters live under internal/infra,
// the in-memory cluster under internal/adapter/fake.
package store

import (
	"context"
	"errors"
)

// ErrSubscriptionClosed is reported when a change stream ends without the
// caller closing it.
var ErrSubscriptionClosed = errors.New("change stream closed")

// Record is a single stored entry.
type Record struct {
	Key      string
	Payload  string
	Sequence int64
}

// ChangeKind describes the kind of mutation carried by a ChangeEvent.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is a single mutation delivered by a subscription. Only the key
// is guaranteed to be set.
type ChangeEvent struct {
	Kind ChangeKind
	Key  string
}

// Cursor enumerates records. Next blocks while the next batch is fetched.
type Cursor interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Initial requests a snapshot of the current contents as the
	// subscription's initial state, exposed through Subscription.Initial.
	Initial bool
}

// Subscription is a live change stream.
type Subscription interface {
	ID() string
	// Initial returns the initial-state cursor, or nil when it was not
	// requested.
	Initial() Cursor
	// Events delivers changes committed after the subscription was
	// registered. The channel closes when the subscription ends; Err reports
	// why.
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// Store is the shared store as seen by the writer and the listener.
type Store interface {
	// PutAsync upserts rec without waiting for acknowledgement. done is
	// invoked exactly once, from any goroutine, when the write completes.
	PutAsync(ctx context.Context, rec Record, done func(error))
	// Size returns the number of entries.
	Size(ctx context.Context) (int, error)
	// Scan enumerates all entries.
	Scan(ctx context.Context) (Cursor, error)
	// Subscribe registers a change stream. The subscription is active when
	// Subscribe returns.
	Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)
}
