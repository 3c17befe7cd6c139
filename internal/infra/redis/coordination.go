package redis

import (
	"context"
	"errors"
	"fmt"

	rdb "github.com/redis/go-redis/v9"
)

// casScript swaps a counter in one atomic step. A missing key reads as 0.
var casScript = rdb.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur == tonumber(ARGV[1]) then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// Counters stores named counters as plain keys under <prefix>counter:.
type Counters struct {
	client rdb.UniversalClient
	prefix string
}

func NewCounters(client rdb.UniversalClient, prefix string) *Counters {
	return &Counters{client: client, prefix: prefix}
}

func (c *Counters) CompareAndSet(ctx context.Context, name string, expected, next int64) (bool, error) {
	n, err := casScript.Run(ctx, c.client, []string{c.prefix + "counter:" + name}, expected, next).Int()
	if err != nil {
		return false, fmt.Errorf("compare-and-set %s: %w", name, err)
	}
	return n == 1, nil
}

// Topology counts joined processes with INCR, so every joiner sees a distinct
// size and sizes never decrease.
type Topology struct {
	client rdb.UniversalClient
	key    string
}

func NewTopology(client rdb.UniversalClient, prefix string) *Topology {
	return &Topology{client: client, key: prefix + "members"}
}

func (t *Topology) Join(ctx context.Context) (int, error) {
	n, err := t.client.Incr(ctx, t.key).Result()
	if err != nil {
		return 0, fmt.Errorf("join: %w", err)
	}
	return int(n), nil
}

func (t *Topology) Size(ctx context.Context) (int, error) {
	n, err := t.client.Get(ctx, t.key).Int()
	if errors.Is(err, rdb.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cluster size: %w", err)
	}
	return n, nil
}
