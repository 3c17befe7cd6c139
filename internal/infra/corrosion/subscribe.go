package corrosion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/cenkalti/backoff/v4"
)

// ErrChangeGap means the change stream skipped a change id.
var ErrChangeGap = errors.New("missed change")

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one row change, encoded as [type, rowid, [values...], changeid].
type ChangeEvent struct {
	Type     ChangeType
	RowID    uint64
	Values   []json.RawMessage
	ChangeID uint64
}

func (ce *ChangeEvent) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, "change", &ce.Type, &ce.RowID, &ce.Values, &ce.ChangeID)
}

// Scan unmarshals the changed row's values into dest, one per column.
func (ce *ChangeEvent) Scan(dest ...any) error {
	return scanValues(ce.Values, dest)
}

// Subscription is a live query: the query's current rows, unless skipped,
// followed by every later change to them.
type Subscription struct {
	id     string
	rows   *Rows
	ctx    context.Context
	cancel context.CancelFunc
	resume func(ctx context.Context, from uint64) (*stream, error)

	mu sync.Mutex
	st *stream

	startOnce sync.Once
	changes   chan *ChangeEvent
	last      uint64
	err       error
}

func (s *Subscription) ID() string {
	return s.id
}

// Rows returns the initial rows, or nil when they were skipped.
func (s *Subscription) Rows() *Rows {
	return s.rows
}

// Changes starts reading the change stream. Initial rows share the stream
// and must be read to the end first. The channel closes when the
// subscription ends; Err then reports why.
func (s *Subscription) Changes() (<-chan *ChangeEvent, error) {
	if s.rows != nil && !s.rows.Done() {
		return nil, errors.New("changes unavailable: consume all rows first")
	}
	s.startOnce.Do(func() {
		if s.rows != nil {
			if id, ok := s.rows.changeID(); ok {
				s.last = id
			}
		}
		s.changes = make(chan *ChangeEvent)
		go s.run()
	})
	return s.changes, nil
}

func (s *Subscription) run() {
	defer close(s.changes)
	defer s.cancel()

	for {
		ch, err := s.recv()
		if err == nil {
			select {
			case s.changes <- ch:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		if s.ctx.Err() != nil {
			return
		}
		if err := s.reconnect(err); err != nil {
			s.err = err
			return
		}
	}
}

// recv returns the next change. Column and end-of-query markers a resumed
// stream may repeat are skipped.
func (s *Subscription) recv() (*ChangeEvent, error) {
	for {
		e, err := s.st.next()
		switch {
		case err != nil:
			return nil, fmt.Errorf("read change: %w", err)
		case e.Error != nil:
			return nil, fmt.Errorf("subscription error: %s", *e.Error)
		case e.Columns != nil || e.EOQ != nil:
			continue
		case e.Change == nil:
			return nil, errors.New("unexpected event in change stream")
		}
		if s.last != 0 && e.Change.ChangeID != s.last+1 {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrChangeGap, s.last+1, e.Change.ChangeID)
		}
		s.last = e.Change.ChangeID
		return e.Change, nil
	}
}

// reconnect resumes the stream after the last delivered change. Without a
// resume policy cause is returned unchanged.
func (s *Subscription) reconnect(cause error) error {
	if s.resume == nil {
		return cause
	}
	slog.Info("Change stream broke, resubscribing.", "component", "corrosion",
		"id", s.id, "from_change", s.last, "err", cause)
	st, err := s.resume(s.ctx, s.last)
	if err != nil {
		return fmt.Errorf("resubscribe after %w: %w", cause, err)
	}

	s.mu.Lock()
	old := s.st
	s.st = st
	s.mu.Unlock()
	_ = old.close()
	if s.ctx.Err() != nil {
		_ = st.close()
	}
	return nil
}

func (s *Subscription) closeStream() {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()
	_ = st.close()
}

// Err returns why the changes channel closed. It is nil after Close.
func (s *Subscription) Err() error {
	return s.err
}

// Close ends the subscription and releases its stream.
func (s *Subscription) Close() error {
	s.cancel()
	s.closeStream()
	return nil
}

// SubscribeContext subscribes to query. Unless skipRows is set, the
// subscription starts with the query's current rows.
func (c *Client) SubscribeContext(ctx context.Context, query string, args []any, skipRows bool) (*Subscription, error) {
	var q url.Values
	if skipRows {
		q = url.Values{"skip_rows": {"true"}}
	}

	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.send(ctx, http.MethodPost, "/v1/subscriptions", q, Statement{Query: query, Params: args})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := expectOK("subscribe", resp); err != nil {
		cancel()
		return nil, err
	}
	id := resp.Header.Get("corro-query-id")
	if id == "" {
		_ = resp.Body.Close()
		cancel()
		return nil, errors.New("subscribe: response has no corro-query-id header")
	}

	sub := &Subscription{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		resume: c.resumer(id),
		st:     newStream(resp.Body),
	}
	if !skipRows {
		rows, err := openRows(ctx, sub.st, true)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		sub.rows = rows
	}
	context.AfterFunc(ctx, sub.closeStream)
	return sub, nil
}

// resumer retries resuming subscription id under the client's resubscribe
// policy. It is nil when resubscribing is disabled.
func (c *Client) resumer(id string) func(context.Context, uint64) (*stream, error) {
	if c.resubPolicy == nil {
		return nil
	}
	return func(ctx context.Context, from uint64) (*stream, error) {
		return backoff.RetryWithData(func() (*stream, error) {
			return c.resume(ctx, id, from)
		}, backoff.WithContext(c.resubPolicy(), ctx))
	}
}

func (c *Client) resume(ctx context.Context, id string, from uint64) (*stream, error) {
	q := url.Values{"from": {strconv.FormatUint(from, 10)}}
	resp, err := c.send(ctx, http.MethodGet, "/v1/subscriptions/"+id, q, nil)
	if err != nil {
		return nil, fmt.Errorf("resubscribe %s: %w", id, err)
	}
	if err := expectOK("resubscribe", resp); err != nil {
		return nil, err
	}
	return newStream(resp.Body), nil
}
