// Package redis implements the store and coordination ports on Redis.
//
// Entries are hashes under <prefix>e:<key> plus membership in the set
// <prefix>keys; changes are read from keyspace notifications.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	rdb "github.com/redis/go-redis/v9"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// ConfigureNotifications turns on keyspace notifications for hashes and
	// generic commands when the server has them off.
	ConfigureNotifications bool
}

// Connect opens a client and checks the server answers.
func Connect(ctx context.Context, opts Options) (*rdb.Client, error) {
	c := rdb.NewClient(&rdb.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	if opts.ConfigureNotifications {
		if err := EnsureNotifications(ctx, c); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// requiredNotifyFlags are the notify-keyspace-events classes the Store needs:
// K keyspace channel, h hash commands, g generic commands such as DEL.
const requiredNotifyFlags = "Khg"

// EnsureNotifications merges the flags the Store needs into the server's
// notify-keyspace-events setting.
func EnsureNotifications(ctx context.Context, c rdb.UniversalClient) error {
	cur, err := c.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return fmt.Errorf("read notify-keyspace-events: %w", err)
	}
	merged, changed := mergeNotifyFlags(cur["notify-keyspace-events"], requiredNotifyFlags)
	if !changed {
		return nil
	}
	if err := c.ConfigSet(ctx, "notify-keyspace-events", merged).Err(); err != nil {
		return fmt.Errorf("set notify-keyspace-events %q: %w", merged, err)
	}
	slog.Info("Enabled Redis keyspace notifications.", "component", "redis", "flags", merged)
	return nil
}

// mergeNotifyFlags adds the missing flags in want to cur. The A alias covers
// every command class including h and g.
func mergeNotifyFlags(cur, want string) (string, bool) {
	out := cur
	for _, f := range want {
		if strings.ContainsRune(out, f) {
			continue
		}
		if (f == 'h' || f == 'g') && strings.ContainsRune(out, 'A') {
			continue
		}
		out += string(f)
	}
	return out, out != cur
}
