package corrosion

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"sowcheck/internal/store"
)

const (
	DefaultTable = "sow_entries"
	// DefaultMaxInFlight bounds concurrent transactions issued by PutAsync.
	DefaultMaxInFlight = 64
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store keeps records in a replicated Corrosion table with columns key,
// payload and sequence.
type Store struct {
	client   *Client
	table    string
	inflight chan struct{}

	upsertQuery string
	selectQuery string
	countQuery  string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxInFlight bounds the number of concurrent PutAsync transactions.
func WithMaxInFlight(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.inflight = make(chan struct{}, n)
		}
	}
}

// NewStore returns a Store backed by table.
func NewStore(client *Client, table string, opts ...StoreOption) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	s := &Store{
		client:   client,
		table:    table,
		inflight: make(chan struct{}, DefaultMaxInFlight),

		upsertQuery: "INSERT INTO " + table + " (key, payload, sequence) VALUES (?, ?, ?) " +
			"ON CONFLICT (key) DO UPDATE SET payload = excluded.payload, sequence = excluded.sequence",
		selectQuery: "SELECT key, payload, sequence FROM " + table,
		countQuery:  "SELECT COUNT(*) FROM " + table,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureTable applies the table schema through the migrations endpoint. It
// is a no-op when the table already exists.
func (s *Store) EnsureTable(ctx context.Context) error {
	err := s.client.MigrateContext(ctx, "CREATE TABLE IF NOT EXISTS "+s.table+
		" (key TEXT NOT NULL PRIMARY KEY, payload TEXT NOT NULL DEFAULT '', sequence INTEGER NOT NULL DEFAULT 0)")
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) PutAsync(ctx context.Context, rec store.Record, done func(error)) {
	go func() {
		select {
		case s.inflight <- struct{}{}:
		case <-ctx.Done():
			done(fmt.Errorf("put %s: %w", rec.Key, ctx.Err()))
			return
		}
		defer func() { <-s.inflight }()

		stmt := Statement{Query: s.upsertQuery, Params: []any{rec.Key, rec.Payload, rec.Sequence}}
		if _, err := s.client.ExecContext(ctx, stmt); err != nil {
			done(fmt.Errorf("put %s: %w", rec.Key, err))
			return
		}
		done(nil)
	}()
}

func (s *Store) Size(ctx context.Context) (int, error) {
	rows, err := s.client.QueryContext(ctx, s.countQuery)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("count %s: %w", s.table, err)
		}
		return 0, fmt.Errorf("count %s: no rows", s.table)
	}
	var n int
	if err := rows.Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	return n, nil
}

func (s *Store) Scan(ctx context.Context) (store.Cursor, error) {
	rows, err := s.client.QueryContext(ctx, s.selectQuery)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.table, err)
	}
	return &rowCursor{rows: rows}, nil
}

// Subscribe registers a Corrosion subscription on the whole table. With
// opts.Initial the subscription's initial rows are the snapshot; changes are
// read from the stream only once those rows were consumed.
func (s *Store) Subscribe(ctx context.Context, opts store.SubscribeOptions) (store.Subscription, error) {
	sub, err := s.client.SubscribeContext(ctx, s.selectQuery, nil, !opts.Initial)
	if err != nil {
		return nil, err
	}
	slog.Debug("Subscribed to Corrosion table.", "component", "corrosion", "table", s.table, "id", sub.ID())

	ss := &subscription{
		sub:    sub,
		events: make(chan store.ChangeEvent),
		done:   make(chan struct{}),
	}
	if opts.Initial {
		ss.initial = &rowCursor{rows: sub.Rows(), onDone: ss.start}
	} else {
		ss.start()
	}
	return ss, nil
}

// rowCursor adapts query rows to store.Cursor.
type rowCursor struct {
	rows   *Rows
	rec    store.Record
	err    error
	onDone func()
	closed bool
}

func (c *rowCursor) Next() bool {
	if c.err != nil || c.closed {
		return false
	}
	if !c.rows.Next() {
		if c.rows.Done() && c.onDone != nil {
			c.onDone()
			c.onDone = nil
		}
		return false
	}
	c.rec, c.err = recordFromValues(c.rows.Scan)
	return c.err == nil
}

func (c *rowCursor) Record() store.Record { return c.rec }

func (c *rowCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close stops iteration. A subscription's initial cursor shares its body
// with the change stream, so closing it leaves the stream open.
func (c *rowCursor) Close() error {
	c.closed = true
	if c.onDone != nil {
		return nil
	}
	if c.rows.Done() {
		return nil
	}
	return c.rows.Close()
}

func recordFromValues(scan func(...any) error) (store.Record, error) {
	var rec store.Record
	if err := scan(&rec.Key, &rec.Payload, &rec.Sequence); err != nil {
		return store.Record{}, err
	}
	return rec, nil
}

// subscription adapts a Corrosion subscription to store.Subscription.
type subscription struct {
	sub     *Subscription
	initial *rowCursor
	events  chan store.ChangeEvent

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *subscription) ID() string { return s.sub.ID() }

func (s *subscription) Initial() store.Cursor {
	if s.initial == nil {
		return nil
	}
	return s.initial
}

func (s *subscription) Events() <-chan store.ChangeEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		_ = s.sub.Close() // best-effort
		s.startOnce.Do(func() { close(s.events) })
	})
	return nil
}

func (s *subscription) start() {
	s.startOnce.Do(func() {
		changes, err := s.sub.Changes()
		if err != nil {
			s.fail(err)
			close(s.events)
			return
		}
		go s.forward(changes)
	})
}

func (s *subscription) forward(changes <-chan *ChangeEvent) {
	defer close(s.events)
	for ch := range changes {
		rec, err := recordFromValues(ch.Scan)
		if err != nil {
			s.fail(fmt.Errorf("decode change %d: %w", ch.ChangeID, err))
			_ = s.sub.Close()
			return
		}
		select {
		case s.events <- store.ChangeEvent{Kind: store.ChangeKind(ch.Type), Key: rec.Key}:
		case <-s.done:
			return
		}
	}
	if err := s.sub.Err(); err != nil {
		s.fail(err)
		return
	}
	select {
	case <-s.done:
	default:
		s.fail(store.ErrSubscriptionClosed)
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	s.err = err
}
