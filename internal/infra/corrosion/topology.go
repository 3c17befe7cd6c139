package corrosion

import (
	"context"
	"fmt"
	"log/slog"
)

// Topology reads the cluster size from the Corrosion gossip membership. A
// Corrosion node joins the cluster when its agent starts, so Join only takes
// a reading.
type Topology struct {
	client          *Client
	expectedMembers int
}

// NewTopology returns a Topology. expectedMembers only affects the logged
// health phase.
func NewTopology(client *Client, expectedMembers int) *Topology {
	return &Topology{client: client, expectedMembers: expectedMembers}
}

// Join returns the cluster size as seen by the local node.
func (t *Topology) Join(ctx context.Context) (int, error) {
	h, ok, err := t.client.HealthContext(ctx, HealthThresholds{})
	if err != nil {
		return 0, fmt.Errorf("join: %w", err)
	}
	size := h.Members + 1
	slog.Info("Read cluster membership from Corrosion.", "component", "corrosion",
		"size", size, "phase", ClassifyHealth(h, ok, t.expectedMembers), "gaps", h.Gaps, "queue_size", h.QueueSize)
	return size, nil
}

// Size returns the node's peers plus the node itself.
func (t *Topology) Size(ctx context.Context) (int, error) {
	h, _, err := t.client.HealthContext(ctx, HealthThresholds{})
	if err != nil {
		return 0, fmt.Errorf("cluster size: %w", err)
	}
	return h.Members + 1, nil
}
