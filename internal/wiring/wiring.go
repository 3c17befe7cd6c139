// Package wiring builds the store and coordination backends named by the
// configuration.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	rdb "github.com/redis/go-redis/v9"

	"sowcheck/internal/config"
	"sowcheck/internal/coordination"
	"sowcheck/internal/infra/corrosion"
	redisinfra "sowcheck/internal/infra/redis"
	"sowcheck/internal/infra/sqlite"
	"sowcheck/internal/store"
)

// Backends are the production adapters for one run.
type Backends struct {
	Store    store.Store
	Counters coordination.Counters
	Topology coordination.Topology

	closers []func() error
}

// Close releases connections in reverse order of creation.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

type builder struct {
	cfg       config.Config
	out       *Backends
	redis     *rdb.Client
	corrosion *corrosion.Client
}

// Build connects every backend the configuration selects. Connections shared
// between roles, such as one Redis client serving both the store and the
// counters, are opened once.
func Build(ctx context.Context, cfg config.Config) (*Backends, error) {
	b := &builder{cfg: cfg, out: &Backends{}}
	if err := b.build(ctx); err != nil {
		_ = b.out.Close()
		return nil, err
	}
	slog.Debug("Backends ready.", "component", "wiring",
		"store", cfg.Store.Driver, "coordination", cfg.Coordination.Driver, "topology", cfg.Topology.Driver)
	return b.out, nil
}

func (b *builder) build(ctx context.Context) error {
	switch b.cfg.Store.Driver {
	case config.StoreRedis:
		c, err := b.redisClient(ctx)
		if err != nil {
			return err
		}
		b.out.Store = redisinfra.NewStore(c, b.cfg.Store.Redis.Prefix, b.cfg.Store.Redis.DB)
	case config.StoreCorrosion:
		c, err := b.corrosionClient()
		if err != nil {
			return err
		}
		s, err := corrosion.NewStore(c, b.cfg.Store.Corrosion.Table)
		if err != nil {
			return err
		}
		if err := s.EnsureTable(ctx); err != nil {
			return err
		}
		b.out.Store = s
	default:
		return fmt.Errorf("unknown store driver %q", b.cfg.Store.Driver)
	}

	var coordTopology coordination.Topology
	switch b.cfg.Coordination.Driver {
	case config.CoordinationRedis:
		c, err := b.redisClient(ctx)
		if err != nil {
			return err
		}
		b.out.Counters = redisinfra.NewCounters(c, b.cfg.Store.Redis.Prefix)
		coordTopology = redisinfra.NewTopology(c, b.cfg.Store.Redis.Prefix)
	case config.CoordinationSQLite:
		s, err := sqlite.Open(b.cfg.Coordination.SQLite.Path)
		if err != nil {
			return err
		}
		b.out.closers = append(b.out.closers, s.Close)
		b.out.Counters = s
		coordTopology = s
	default:
		return fmt.Errorf("unknown coordination driver %q", b.cfg.Coordination.Driver)
	}

	switch b.cfg.Topology.Driver {
	case config.TopologyCoordination:
		b.out.Topology = coordTopology
	case config.TopologyCorrosion:
		c, err := b.corrosionClient()
		if err != nil {
			return err
		}
		b.out.Topology = corrosion.NewTopology(c, 0)
	default:
		return fmt.Errorf("unknown topology driver %q", b.cfg.Topology.Driver)
	}
	return nil
}

func (b *builder) redisClient(ctx context.Context) (*rdb.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	r := b.cfg.Store.Redis
	c, err := redisinfra.Connect(ctx, redisinfra.Options{
		Addr:                   r.Addr,
		Password:               r.Password,
		DB:                     r.DB,
		Prefix:                 r.Prefix,
		ConfigureNotifications: r.ConfigureNotifications && b.cfg.Store.Driver == config.StoreRedis,
	})
	if err != nil {
		return nil, err
	}
	b.redis = c
	b.out.closers = append(b.out.closers, c.Close)
	return c, nil
}

func (b *builder) corrosionClient() (*corrosion.Client, error) {
	if b.corrosion != nil {
		return b.corrosion, nil
	}
	addr, err := netip.ParseAddrPort(b.cfg.Store.Corrosion.Addr)
	if err != nil {
		return nil, fmt.Errorf("parse corrosion address: %w", err)
	}
	c, err := corrosion.NewClient(addr)
	if err != nil {
		return nil, err
	}
	b.corrosion = c
	return c, nil
}
