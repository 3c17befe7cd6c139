// Package scenario runs one process's part of the snapshot-and-subscribe
// verification: join the cluster, claim a role, then write the dataset or
// observe it and render a verdict.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"sowcheck/internal/check"
	"sowcheck/internal/convergence"
	"sowcheck/internal/coordination"
	"sowcheck/internal/dataset"
	"sowcheck/internal/metrics"
	"sowcheck/internal/observe"
	"sowcheck/internal/store"
	"sowcheck/internal/telemetry"
	"sowcheck/internal/writer"
)

// State is the orchestrator's position in its one-way state machine:
// starting -> role_pending -> {idle | writing | observing} -> done.
type State string

const (
	StateStarting    State = "starting"
	StateRolePending State = "role_pending"
	StateIdle        State = "idle"
	StateWriting     State = "writing"
	StateObserving   State = "observing"
	StateDone        State = "done"
)

var (
	// ErrStoreNotEmpty means the writer found data from an earlier run.
	ErrStoreNotEmpty = writer.ErrStoreNotEmpty
	// ErrRoleTaken means another process already holds the role this
	// process was assigned.
	ErrRoleTaken = errors.New("role already claimed")
	// ErrPopulationTimeout means the store never reached the population
	// threshold the listener waits for.
	ErrPopulationTimeout = errors.New("store population threshold not reached")
	// ErrSafetyTimeout is the context cause installed by the entry point's
	// global timer.
	ErrSafetyTimeout = errors.New("safety timeout expired")
	// ErrStreamFailed means the change stream broke while convergence was
	// being checked.
	ErrStreamFailed = errors.New("change stream failed")
)

// Config holds the scenario parameters.
type Config struct {
	Entries     int
	PayloadSize int

	PopulationThreshold int
	PopulationTimeout   time.Duration
	PopulationPoll      time.Duration

	WriteSettle         time.Duration
	WriteReportInterval time.Duration

	ConvergenceDeadline time.Duration
	ConvergencePoll     time.Duration

	ClaimPrefix string
}

// Deps are the collaborators a run needs. Tracer and Metrics are optional.
type Deps struct {
	Store    store.Store
	Counters coordination.Counters
	Topology coordination.Topology
	Tracer   trace.Tracer
	Metrics  *metrics.Collector
}

// Result describes a finished run. Verdict is set only for the listener and
// WriteSummary only for the writer.
type Result struct {
	Role        coordination.Role
	State       State
	ClusterSize int

	Verdict      *convergence.Verdict
	WriteSummary *writer.Summary
	Observation  observe.Stats
	// StoreSize is the store's size right after the verdict, or -1 when it
	// could not be read.
	StoreSize int
	// Membership lists the cluster size changes seen while the role ran.
	Membership []MembershipChange
}

// MembershipChange is one cluster size change.
type MembershipChange struct {
	From int
	To   int
	At   time.Time
}

// Orchestrator runs the scenario once.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	state State
}

const (
	defaultPopulationTimeout = 60 * time.Second
	defaultPopulationPoll    = time.Second
)

// New returns an Orchestrator. Non-positive population timings take their
// defaults; the writer and checker default their own.
func New(cfg Config, deps Deps) *Orchestrator {
	check.Assert(deps.Store != nil, "scenario.New: store must not be nil")
	check.Assert(deps.Counters != nil, "scenario.New: counters must not be nil")
	check.Assert(deps.Topology != nil, "scenario.New: topology must not be nil")
	if cfg.PopulationTimeout <= 0 {
		cfg.PopulationTimeout = defaultPopulationTimeout
	}
	if cfg.PopulationPoll <= 0 {
		cfg.PopulationPoll = defaultPopulationPoll
	}
	return &Orchestrator{cfg: cfg, deps: deps, state: StateStarting}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	slog.Debug("Scenario state changed.", "component", "scenario", "from", from, "to", to)
}

var plan = telemetry.Plan{Phases: []telemetry.Phase{
	{ID: "join", Title: "join cluster"},
	{ID: "claim", Title: "claim role"},
	{ID: "write", Title: "write dataset"},
	{ID: "populate", Title: "wait for initial population"},
	{ID: "observe", Title: "subscribe and merge snapshot"},
	{ID: "converge", Title: "check convergence"},
}}

// Run executes the scenario. A failed convergence is reported through
// Result.Verdict with a nil error; errors are reserved for fatal conditions.
// When ctx ends with a cause, the cause is joined into the returned error.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.mu.Lock()
	if o.state != StateStarting {
		o.mu.Unlock()
		return Result{}, fmt.Errorf("scenario already ran (state %s)", o.state)
	}
	o.mu.Unlock()

	var op *telemetry.Operation
	if o.deps.Tracer != nil {
		var err error
		op, err = telemetry.Start(ctx, o.deps.Tracer, "scenario", plan,
			attribute.Int("entries", o.cfg.Entries))
		if err != nil {
			return Result{}, err
		}
		ctx = op.Context()
	}

	res, err := o.run(ctx, op)
	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
	}
	res.State = o.State()
	if err == nil {
		o.transition(StateDone)
		res.State = StateDone
	}
	op.SetAttributes(attribute.String("role", string(res.Role)), attribute.String("state", string(res.State)))
	op.End(err)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, op *telemetry.Operation) (Result, error) {
	log := slog.With("component", "scenario")
	res := Result{Role: coordination.RoleIdle, StoreSize: -1}

	err := op.RunPhase(ctx, "join", func(ctx context.Context) error {
		size, err := o.deps.Topology.Join(ctx)
		if err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		res.ClusterSize = size
		return nil
	})
	if err != nil {
		return res, err
	}
	log.Info("Joined cluster.", "size", res.ClusterSize)
	o.deps.Metrics.SetClusterSize(res.ClusterSize)

	o.transition(StateRolePending)
	role := coordination.RoleForClusterSize(res.ClusterSize)
	if role == coordination.RoleIdle {
		log.Info("No role for this cluster size, staying idle.", "size", res.ClusterSize)
		o.deps.Metrics.SetRole(string(role))
		o.transition(StateIdle)
		return res, nil
	}

	err = op.RunPhase(ctx, "claim", func(ctx context.Context) error {
		coord := coordination.NewCoordinator(o.deps.Counters, o.cfg.ClaimPrefix)
		ok, err := coord.Claim(ctx, role)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrRoleTaken, coord.ClaimName(role))
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Role = role
	o.deps.Metrics.SetRole(string(role))
	log.Info("Claimed role.", "role", role)

	// The role's work and the membership watcher run on their own
	// goroutines. The watcher stops when the role's work returns.
	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gctx)
	defer stopWatch()

	var work func(context.Context, *telemetry.Operation, *Result) error
	switch role {
	case coordination.RoleWriter:
		o.transition(StateWriting)
		work = o.write
	case coordination.RoleListener:
		o.transition(StateObserving)
		work = o.observe
	}
	joined := res.ClusterSize
	g.Go(func() error {
		defer stopWatch()
		return work(gctx, op, &res)
	})
	var membership []MembershipChange
	g.Go(func() error {
		membership = o.watchMembership(watchCtx, joined)
		return nil
	})
	err = g.Wait()
	res.Membership = membership
	return res, err
}

// watchMembership polls the cluster size until ctx ends and returns every
// change from size. Failed reads are skipped.
func (o *Orchestrator) watchMembership(ctx context.Context, size int) []MembershipChange {
	log := slog.With("component", "scenario")
	ticker := time.NewTicker(o.cfg.PopulationPoll)
	defer ticker.Stop()

	var changes []MembershipChange
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return changes
		}

		n, err := o.deps.Topology.Size(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("Could not read cluster size.", "err", err)
			}
			continue
		}
		if n == size {
			continue
		}
		if n > size {
			log.Info("Cluster member joined.", "size", n, "previous", size)
		} else {
			log.Info("Cluster member left.", "size", n, "previous", size)
		}
		changes = append(changes, MembershipChange{From: size, To: n, At: time.Now()})
		o.deps.Metrics.MembershipChanged(n)
		size = n
	}
}

func (o *Orchestrator) write(ctx context.Context, op *telemetry.Operation, res *Result) error {
	return op.RunPhase(ctx, "write", func(ctx context.Context) error {
		w := writer.New(o.deps.Store, writer.Config{
			Entries:        o.cfg.Entries,
			PayloadSize:    o.cfg.PayloadSize,
			Settle:         o.cfg.WriteSettle,
			ReportInterval: o.cfg.WriteReportInterval,
		}, writer.WithMetrics(o.deps.Metrics))
		summary, err := w.Run(ctx)
		res.WriteSummary = &summary
		return err
	})
}

func (o *Orchestrator) observe(ctx context.Context, op *telemetry.Operation, res *Result) error {
	log := slog.With("component", "scenario")

	if err := op.RunPhase(ctx, "populate", o.awaitPopulation); err != nil {
		return err
	}

	var obs *observe.Observation
	err := op.RunPhase(ctx, "observe", func(ctx context.Context) error {
		m := observe.NewMerger(o.deps.Store,
			observe.WithMetrics(o.deps.Metrics),
			observe.WithKeyFilter(func(key string) bool { return dataset.InRange(key, o.cfg.Entries) }),
		)
		var err error
		obs, err = m.Observe(ctx)
		return err
	})
	if err != nil {
		return err
	}
	defer obs.Close()

	return op.RunPhase(ctx, "converge", func(ctx context.Context) error {
		checkCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		go func() {
			select {
			case err := <-obs.Err():
				cancel(fmt.Errorf("%w: %w", ErrStreamFailed, err))
			case <-checkCtx.Done():
			}
		}()

		deadline := obs.ReadyAt().Add(o.cfg.ConvergenceDeadline)
		v := convergence.NewChecker(o.cfg.ConvergencePoll).Check(checkCtx, obs.Keys(), o.cfg.Entries, deadline)
		if cause := context.Cause(checkCtx); errors.Is(cause, ErrStreamFailed) {
			return cause
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("check convergence: %w", err)
		}

		res.Verdict = &v
		res.Observation = obs.Stats()
		o.deps.Metrics.SetVerdict(v.Passed, len(v.Missing), v.Elapsed)

		if size, err := o.deps.Store.Size(ctx); err != nil {
			log.Warn("Could not read store size after the check.", "err", err)
		} else {
			res.StoreSize = size
		}
		log.Info("Convergence check finished.", "passed", v.Passed, "observed", v.ObservedCount,
			"expected", v.Expected, "missing", len(v.Missing), "store_size", res.StoreSize,
			"snapshot_records", res.Observation.SnapshotRecords, "stream_events", res.Observation.StreamEvents)
		return nil
	})
}

// awaitPopulation polls the store size until it reaches the population
// threshold, bounded by PopulationTimeout.
func (o *Orchestrator) awaitPopulation(ctx context.Context) error {
	if o.cfg.PopulationThreshold <= 0 {
		return nil
	}
	log := slog.With("component", "scenario", "threshold", o.cfg.PopulationThreshold)
	waitCtx, cancel := context.WithTimeoutCause(ctx, o.cfg.PopulationTimeout, ErrPopulationTimeout)
	defer cancel()

	ticker := time.NewTicker(o.cfg.PopulationPoll)
	defer ticker.Stop()

	last := 0
	for {
		size, err := o.deps.Store.Size(waitCtx)
		switch {
		case err == nil:
			last = size
			if size >= o.cfg.PopulationThreshold {
				log.Info("Store populated.", "size", size)
				return nil
			}
			log.Debug("Waiting for store population.", "size", size)
		case waitCtx.Err() == nil:
			return fmt.Errorf("read store size: %w", err)
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("await population: %w", ctx.Err())
			}
			return fmt.Errorf("%w: size %d after %s", ErrPopulationTimeout, last, o.cfg.PopulationTimeout)
		}
	}
}
