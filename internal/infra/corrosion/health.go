package corrosion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Health is the response from the Corrosion health endpoint. Members counts
// the peers of the queried node, not the node itself.
type Health struct {
	Gaps      int     `json:"gaps"`
	Members   int     `json:"members"`
	P99Lag    float64 `json:"p99_lag"`
	QueueSize int     `json:"queue_size"`
}

// HealthThresholds are the thresholds passed to the health endpoint.
// Zero values mean "don't gate on this field".
type HealthThresholds struct {
	Gaps      int
	P99Lag    float64
	QueueSize int
}

// HealthContext reads the agent's health. The bool reports whether the agent
// considers thresholds satisfied (200) rather than failing them (503).
func (c *Client) HealthContext(ctx context.Context, thresholds HealthThresholds) (Health, bool, error) {
	q := url.Values{}
	q.Set("gaps", strconv.Itoa(thresholds.Gaps))
	q.Set("queue_size", strconv.Itoa(thresholds.QueueSize))
	if thresholds.P99Lag > 0 {
		q.Set("p99_lag", strconv.FormatFloat(thresholds.P99Lag, 'f', -1, 64))
	}

	resp, err := c.send(ctx, http.MethodGet, "/v1/health", q, nil)
	if err != nil {
		return Health{}, false, fmt.Errorf("health check: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusServiceUnavailable:
	default:
		return Health{}, false, expectOK("health check", resp)
	}
	defer resp.Body.Close()

	var envelope struct {
		Response Health `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Health{}, false, fmt.Errorf("health check: decode response: %w", err)
	}
	return envelope.Response, resp.StatusCode == http.StatusOK, nil
}

// HealthPhase is a coarse reading of a node's health.
type HealthPhase uint8

const (
	HealthUnreachable HealthPhase = iota + 1
	HealthForming
	HealthSyncing
	HealthReady
)

func (p HealthPhase) String() string {
	switch p {
	case HealthUnreachable:
		return "unreachable"
	case HealthForming:
		return "forming"
	case HealthSyncing:
		return "syncing"
	case HealthReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ClassifyHealth maps a health response to a phase. expectedMembers is the
// number of peers the node should see; values below 1 only require the node
// to answer.
func ClassifyHealth(h Health, thresholdsMet bool, expectedMembers int) HealthPhase {
	if h.Members < expectedMembers {
		return HealthForming
	}
	if !thresholdsMet || h.Gaps > 0 || h.QueueSize > 0 {
		return HealthSyncing
	}
	return HealthReady
}
