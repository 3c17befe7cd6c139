// Package convergence decides whether an observed key set reached the
// expected dataset within a deadline.
package convergence

import (
	"context"
	"log/slog"
	"time"

	"sowcheck/internal/dataset"
)

const DefaultPollInterval = time.Second

// KeyView is the read side of an observed key set.
type KeyView interface {
	Len() int
	Contains(key string) bool
}

// Verdict is the outcome of a check. A failed verdict is a normal result.
type Verdict struct {
	Passed        bool
	ObservedCount int
	Expected      int
	// Missing lists expected keys never observed, in ascending index order.
	Missing []string
	Elapsed time.Duration
}

// Checker polls a KeyView until it holds every expected key.
type Checker struct {
	PollInterval time.Duration
}

func NewChecker(poll time.Duration) *Checker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Checker{PollInterval: poll}
}

// Check re-evaluates keys every poll interval until all of key-0 ..
// key-(expected-1) are present, deadline passes, or ctx ends. The set is
// evaluated once more when the wait ends, so a key arriving right at the
// deadline still counts.
func (c *Checker) Check(ctx context.Context, keys KeyView, expected int, deadline time.Time) Verdict {
	log := slog.With("component", "convergence")
	start := time.Now()

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		if v, ok := evaluate(keys, expected, false); ok {
			v.Elapsed = time.Since(start)
			log.Info("Observed set converged.", "observed", v.ObservedCount, "elapsed", v.Elapsed)
			return v
		}
		log.Debug("Waiting for convergence.", "observed", keys.Len(), "expected", expected)

		select {
		case <-ticker.C:
			continue
		case <-timer.C:
		case <-ctx.Done():
			log.Debug("Check interrupted.", "err", context.Cause(ctx))
		}
		v, _ := evaluate(keys, expected, true)
		v.Elapsed = time.Since(start)
		return v
	}
}

// evaluate computes the verdict for the current contents. The missing-key
// scan is skipped while the set is visibly too small unless final is set.
func evaluate(keys KeyView, expected int, final bool) (Verdict, bool) {
	n := keys.Len()
	v := Verdict{ObservedCount: n, Expected: expected}
	if n < expected && !final {
		return v, false
	}
	v.Missing = dataset.Missing(expected, keys.Contains)
	v.Passed = len(v.Missing) == 0
	return v, v.Passed
}
