// Package coordination assigns each process exactly one role through
// exactly-once claims on cluster-wide counters.
package coordination

import (
	"context"
	"fmt"
	"strings"

	"sowcheck/internal/check"
)

// Role is the responsibility a process takes in the scenario.
type Role string

const (
	RoleIdle     Role = "idle"
	RoleWriter   Role = "writer"
	RoleListener Role = "listener"
)

const (
	claimSuffix = "-claim"
	claimed     = 1
)

// RoleForClusterSize maps the cluster size observed on join to the role this
// process attempts to claim: the second process listens, the third writes,
// everyone else stays idle.
func RoleForClusterSize(size int) Role {
	switch size {
	case 2:
		return RoleListener
	case 3:
		return RoleWriter
	default:
		return RoleIdle
	}
}

// Coordinator claims roles on a Counters backend.
type Coordinator struct {
	counters Counters
	prefix   string
}

// NewCoordinator returns a Coordinator whose claim names carry prefix, so
// that independent scenario runs can share one coordination service.
func NewCoordinator(counters Counters, prefix string) *Coordinator {
	check.Assert(counters != nil, "NewCoordinator: counters must not be nil")
	return &Coordinator{counters: counters, prefix: strings.TrimSpace(prefix)}
}

// ClaimName returns the counter name backing role, e.g. "writer-claim".
func (c *Coordinator) ClaimName(role Role) string {
	return c.prefix + string(role) + claimSuffix
}

// Claim moves role's counter from 0 to 1. It returns true iff this call made
// the transition. An error means the coordination service could not be
// consulted; callers must not assume either outcome.
func (c *Coordinator) Claim(ctx context.Context, role Role) (bool, error) {
	if role == RoleIdle {
		return false, fmt.Errorf("claim %s: idle is not a claimable role", role)
	}
	ok, err := c.counters.CompareAndSet(ctx, c.ClaimName(role), 0, claimed)
	if err != nil {
		return false, fmt.Errorf("claim %s role: %w", role, err)
	}
	return ok, nil
}
