// Package writer populates the store with the deterministic dataset using
// asynchronous puts, and reports writes the store never acknowledges.
package writer

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"sowcheck/internal/check"
	"sowcheck/internal/dataset"
	"sowcheck/internal/metrics"
	"sowcheck/internal/store"
)

// ErrStoreNotEmpty is returned when the store holds entries before the first
// write. It carries an operator hint readable with errors.GetAllHints.
var ErrStoreNotEmpty = errors.New("store is not empty")

const (
	defaultSettle         = 10 * time.Second
	defaultReportInterval = time.Second

	// maxReportedKeys bounds a single outstanding-keys log line.
	maxReportedKeys = 100
)

// Config controls a writer run.
type Config struct {
	// Entries is the number of entries to write (key-0 .. key-(Entries-1)).
	Entries     int
	PayloadSize int
	// Settle is how long to wait for every put to be acknowledged before
	// starting to report outstanding keys.
	Settle         time.Duration
	ReportInterval time.Duration
}

// Summary describes what a run did. Outstanding writes are not an error.
type Summary struct {
	Issued      int
	Acked       int
	Failed      int
	Outstanding int
}

// Option configures a Writer.
type Option func(*Writer)

// WithMetrics records put progress on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Writer) {
		w.metrics = m
	}
}

// Writer issues one asynchronous put per entry without waiting for
// individual acknowledgements.
type Writer struct {
	store   store.Store
	cfg     Config
	metrics *metrics.Collector

	issued atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64
	// pending starts at 1 for the issuing loop itself so that it cannot
	// reach zero before the last put is issued.
	pending   atomic.Int64
	inflight  sync.Map
	drained   chan struct{}
	drainOnce sync.Once
}

// New returns a Writer for s. Non-positive durations and payload size take
// their defaults.
func New(s store.Store, cfg Config, opts ...Option) *Writer {
	check.Assert(s != nil, "writer.New: store must not be nil")
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = dataset.DefaultPayloadSize
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	w := &Writer{
		store:   s,
		cfg:     cfg,
		drained: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run writes every entry, then waits for acknowledgements. It fails only when
// the store is not empty at start, the store cannot be sized, or ctx ends.
func (w *Writer) Run(ctx context.Context) (Summary, error) {
	log := slog.With("component", "writer")

	size, err := w.store.Size(ctx)
	if err != nil {
		return Summary{}, errors.Wrap(err, "check store size")
	}
	if size != 0 {
		err := errors.Wrapf(ErrStoreNotEmpty, "%d entries present", size)
		return Summary{}, errors.WithHint(err, "a previous run did not finish; restart the whole cluster?")
	}

	log.Info("Writing entries.", "entries", w.cfg.Entries, "payload_size", w.cfg.PayloadSize)
	w.pending.Store(1)
	for i := range w.cfg.Entries {
		if err := ctx.Err(); err != nil {
			return w.summary(), errors.Wrapf(err, "issue puts (stopped after %d)", i)
		}
		rec := dataset.Entry(i, w.cfg.PayloadSize)
		w.issue(ctx, rec)
	}
	w.complete()
	log.Info("Finished adding data.", "issued", w.issued.Load())

	err = w.await(ctx, log)
	return w.summary(), err
}

func (w *Writer) issue(ctx context.Context, rec store.Record) {
	w.pending.Add(1)
	w.issued.Add(1)
	w.inflight.Store(rec.Key, struct{}{})
	w.metrics.PutIssued()

	key := rec.Key
	w.store.PutAsync(ctx, rec, func(err error) {
		w.inflight.Delete(key)
		if err != nil {
			w.failed.Add(1)
			slog.Warn("Put failed.", "component", "writer", "key", key, "err", err)
		} else {
			w.acked.Add(1)
		}
		w.metrics.PutCompleted(err)
		w.complete()
	})
}

func (w *Writer) complete() {
	if w.pending.Add(-1) == 0 {
		w.drainOnce.Do(func() { close(w.drained) })
	}
}

// await waits for every put to complete. After the settle window it logs the
// outstanding keys every report interval until they drain or ctx ends.
func (w *Writer) await(ctx context.Context, log *slog.Logger) error {
	settle := time.NewTimer(w.cfg.Settle)
	defer settle.Stop()

	select {
	case <-w.drained:
		log.Info("All puts completed.", "acked", w.acked.Load(), "failed", w.failed.Load())
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "await put acknowledgements")
	case <-settle.C:
	}

	ticker := time.NewTicker(w.cfg.ReportInterval)
	defer ticker.Stop()
	w.report(log)
	for {
		select {
		case <-w.drained:
			log.Info("Outstanding puts drained.", "acked", w.acked.Load(), "failed", w.failed.Load())
			return nil
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "await put acknowledgements")
		case <-ticker.C:
			w.report(log)
		}
	}
}

func (w *Writer) report(log *slog.Logger) {
	keys := w.Outstanding()
	if len(keys) == 0 {
		return
	}
	shown := keys
	if len(shown) > maxReportedKeys {
		shown = shown[:maxReportedKeys]
	}
	log.Warn("Puts still outstanding.", "count", len(keys), "keys", shown)
}

// Outstanding returns the keys whose puts have not completed, in ascending
// index order.
func (w *Writer) Outstanding() []string {
	var keys []string
	w.inflight.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	slices.SortFunc(keys, func(a, b string) int {
		ia, _ := dataset.Index(a)
		ib, _ := dataset.Index(b)
		return ia - ib
	})
	return keys
}

func (w *Writer) summary() Summary {
	return Summary{
		Issued:      int(w.issued.Load()),
		Acked:       int(w.acked.Load()),
		Failed:      int(w.failed.Load()),
		Outstanding: len(w.Outstanding()),
	}
}
