package coordination

import "context"

// Counters is a durable, cluster-wide set of named integer counters. A
// counter that was never written reads as 0.
// Production: infra/redis.Counters, infra/sqlite.Store
// Testing: adapter/fake.Cluster
type Counters interface {
	// CompareAndSet atomically replaces the counter's value with next if it
	// currently equals expected. It reports whether the swap happened.
	CompareAndSet(ctx context.Context, name string, expected, next int64) (bool, error)
}

// Topology is the coarse cluster-size signal used to pick a role.
// Production: infra/redis.Topology, infra/sqlite.Store, infra/corrosion.Topology
// Testing: adapter/fake.Cluster
type Topology interface {
	// Join registers this process and returns the cluster size observed at
	// the moment it joined. Sizes observed by successive joiners never
	// decrease.
	Join(ctx context.Context) (int, error)
	// Size returns the current cluster size.
	Size(ctx context.Context) (int, error)
}
