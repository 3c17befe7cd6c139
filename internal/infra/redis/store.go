package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	rdb "github.com/redis/go-redis/v9"

	"sowcheck/internal/store"
)

const (
	// DefaultMaxInFlight bounds concurrent PutAsync round trips.
	DefaultMaxInFlight = 128
	scanBatch          = 500

	fieldPayload  = "payload"
	fieldSequence = "sequence"
)

// Store keeps each record in its own hash and indexes keys in a set.
type Store struct {
	client   rdb.UniversalClient
	prefix   string
	db       int
	inflight chan struct{}
}

// NewStore returns a Store. db must be the logical database client talks to;
// it selects the keyspace notification channel.
func NewStore(client rdb.UniversalClient, prefix string, db int) *Store {
	return &Store{
		client:   client,
		prefix:   prefix,
		db:       db,
		inflight: make(chan struct{}, DefaultMaxInFlight),
	}
}

func (s *Store) entryKey(key string) string { return s.prefix + "e:" + key }
func (s *Store) indexKey() string           { return s.prefix + "keys" }

func (s *Store) PutAsync(ctx context.Context, rec store.Record, done func(error)) {
	go func() {
		select {
		case s.inflight <- struct{}{}:
		case <-ctx.Done():
			done(fmt.Errorf("put %s: %w", rec.Key, ctx.Err()))
			return
		}
		defer func() { <-s.inflight }()

		_, err := s.client.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
			pipe.HSet(ctx, s.entryKey(rec.Key), fieldPayload, rec.Payload, fieldSequence, rec.Sequence)
			pipe.SAdd(ctx, s.indexKey(), rec.Key)
			return nil
		})
		if err != nil {
			done(fmt.Errorf("put %s: %w", rec.Key, err))
			return
		}
		done(nil)
	}()
}

func (s *Store) Size(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}
	return int(n), nil
}

func (s *Store) Scan(ctx context.Context) (store.Cursor, error) {
	return &scanCursor{ctx: ctx, s: s}, nil
}

// scanCursor walks the key index with SSCAN and loads each batch of hashes
// in one pipeline.
type scanCursor struct {
	ctx context.Context
	s   *Store

	cursor  uint64
	started bool
	batch   []store.Record
	pos     int
	rec     store.Record
	err     error
	closed  bool
}

func (c *scanCursor) Next() bool {
	for c.pos >= len(c.batch) {
		if c.err != nil || c.closed || (c.started && c.cursor == 0) {
			return false
		}
		if err := c.fetch(); err != nil {
			c.err = err
			return false
		}
	}
	c.rec = c.batch[c.pos]
	c.pos++
	return true
}

func (c *scanCursor) fetch() error {
	keys, next, err := c.s.client.SScan(c.ctx, c.s.indexKey(), c.cursor, "", scanBatch).Result()
	if err != nil {
		return fmt.Errorf("scan keys: %w", err)
	}
	c.started = true
	c.cursor = next

	cmds := make([]*rdb.SliceCmd, len(keys))
	_, err = c.s.client.Pipelined(c.ctx, func(pipe rdb.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(c.ctx, c.s.entryKey(k), fieldPayload, fieldSequence)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}

	c.batch = c.batch[:0]
	c.pos = 0
	for i, cmd := range cmds {
		vals := cmd.Val()
		rec := store.Record{Key: keys[i]}
		if len(vals) == 2 {
			rec.Payload, _ = vals[0].(string)
			if seq, ok := vals[1].(string); ok {
				rec.Sequence, _ = strconv.ParseInt(seq, 10, 64)
			}
		}
		c.batch = append(c.batch, rec)
	}
	return nil
}

func (c *scanCursor) Record() store.Record { return c.rec }
func (c *scanCursor) Err() error           { return c.err }

func (c *scanCursor) Close() error {
	c.closed = true
	c.batch = nil
	c.pos = 0
	return nil
}

// Subscribe pattern-subscribes to the keyspace channel of every entry hash.
// The subscription is confirmed by the server before Subscribe returns. Redis
// has no snapshot tied to a subscription, so the initial cursor is a Scan
// started after the confirmation.
func (s *Store) Subscribe(ctx context.Context, opts store.SubscribeOptions) (store.Subscription, error) {
	channelPrefix := fmt.Sprintf("__keyspace@%d__:%s", s.db, s.entryKey(""))
	ps := s.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to keyspace notifications: %w", err)
	}

	sub := &subscription{
		ps:            ps,
		channelPrefix: channelPrefix,
		events:        make(chan store.ChangeEvent),
		done:          make(chan struct{}),
	}
	if opts.Initial {
		cur, err := s.Scan(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		sub.initial = cur
	}
	go sub.forward()
	slog.Debug("Subscribed to Redis keyspace notifications.", "component", "redis", "pattern", channelPrefix+"*")
	return sub, nil
}

type subscription struct {
	ps            *rdb.PubSub
	channelPrefix string
	initial       store.Cursor
	events        chan store.ChangeEvent
	done          chan struct{}
	closeOnce     sync.Once

	mu  sync.Mutex
	err error
}

func (s *subscription) ID() string            { return s.channelPrefix + "*" }
func (s *subscription) Initial() store.Cursor { return s.initial }

func (s *subscription) Events() <-chan store.ChangeEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ps.Close() // best-effort
	})
	return nil
}

func (s *subscription) forward() {
	defer close(s.events)
	ch := s.ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				s.fail(store.ErrSubscriptionClosed)
				return
			}
			ev, ok := keyspaceEvent(s.channelPrefix, msg.Channel, msg.Payload)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// keyspaceEvent maps a keyspace notification to a change event. Commands that
// do not change an entry's presence or contents are dropped.
func keyspaceEvent(channelPrefix, channel, command string) (store.ChangeEvent, bool) {
	key, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || key == "" {
		return store.ChangeEvent{}, false
	}
	switch command {
	case "hset", "hmset", "hsetnx", "hincrby":
		return store.ChangeEvent{Kind: store.ChangeUpdate, Key: key}, true
	case "del", "expired", "evicted", "hdel":
		return store.ChangeEvent{Kind: store.ChangeDelete, Key: key}, true
	default:
		return store.ChangeEvent{}, false
	}
}
