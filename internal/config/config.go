// Package config loads the scenario configuration.
//
// The file named by $SOWCHECK_CONFIG is read first (a missing variable or
// file means defaults), then SOWCHECK_* environment variables override
// individual fields.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "SOWCHECK_CONFIG"

const (
	StoreRedis     = "redis"
	StoreCorrosion = "corrosion"

	CoordinationRedis  = "redis"
	CoordinationSQLite = "sqlite"

	TopologyCoordination = "coordination"
	TopologyCorrosion    = "corrosion"
)

type Config struct {
	LogLevel string `yaml:"log_level"`

	Entries             int           `yaml:"entries"`
	PayloadSize         int           `yaml:"payload_size"`
	PopulationThreshold int           `yaml:"population_threshold"`
	PopulationTimeout   time.Duration `yaml:"population_timeout"`
	PopulationPoll      time.Duration `yaml:"population_poll"`
	WriteSettle         time.Duration `yaml:"write_settle"`
	WriteReportInterval time.Duration `yaml:"write_report_interval"`
	ConvergenceDeadline time.Duration `yaml:"convergence_deadline"`
	ConvergencePoll     time.Duration `yaml:"convergence_poll"`
	SafetyTimeout       time.Duration `yaml:"safety_timeout"`
	ClaimPrefix         string        `yaml:"claim_prefix"`

	Store        Store        `yaml:"store"`
	Coordination Coordination `yaml:"coordination"`
	Topology     Topology     `yaml:"topology"`
	Telemetry    Telemetry    `yaml:"telemetry"`
	Metrics      Metrics      `yaml:"metrics"`
}

type Store struct {
	Driver    string    `yaml:"driver"`
	Redis     Redis     `yaml:"redis"`
	Corrosion Corrosion `yaml:"corrosion"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces dataset keys and coordination counters.
	Prefix string `yaml:"prefix"`
	// ConfigureNotifications enables keyspace notifications on the server
	// with CONFIG SET when they are off.
	ConfigureNotifications bool `yaml:"configure_notifications"`
}

type Corrosion struct {
	Addr  string `yaml:"addr"`
	Table string `yaml:"table"`
}

type Coordination struct {
	Driver string `yaml:"driver"`
	SQLite SQLite `yaml:"sqlite"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type Topology struct {
	Driver string `yaml:"driver"`
}

type Telemetry struct {
	// OTLPEndpoint is an OTLP/HTTP URL. Empty disables span export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type Metrics struct {
	// Textfile is written in Prometheus text format when the run ends.
	Textfile string `yaml:"textfile"`
}

// Default returns the scenario defaults.
func Default() Config {
	return Config{
		LogLevel:            "info",
		Entries:             10000,
		PayloadSize:         1024,
		PopulationThreshold: 150,
		PopulationTimeout:   60 * time.Second,
		PopulationPoll:      time.Second,
		WriteSettle:         10 * time.Second,
		WriteReportInterval: time.Second,
		ConvergenceDeadline: 20 * time.Second,
		ConvergencePoll:     time.Second,
		SafetyTimeout:       2 * time.Minute,
		Store: Store{
			Driver: StoreRedis,
			Redis: Redis{
				Addr:                   "127.0.0.1:6379",
				Prefix:                 "sow:",
				ConfigureNotifications: true,
			},
			Corrosion: Corrosion{
				Addr:  "127.0.0.1:8080",
				Table: "sow_entries",
			},
		},
		Coordination: Coordination{
			Driver: CoordinationRedis,
			SQLite: SQLite{Path: "/tmp/sowcheck/coordination.db"},
		},
		Topology: Topology{Driver: TopologyCoordination},
	}
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv(EnvConfigPath), os.LookupEnv)
}

// LoadFrom reads the YAML file at path (skipped when empty or missing),
// applies overrides from lookup and validates the result.
func LoadFrom(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SOWCHECK_LOG_LEVEL":           &c.LogLevel,
		"SOWCHECK_CLAIM_PREFIX":        &c.ClaimPrefix,
		"SOWCHECK_STORE_DRIVER":        &c.Store.Driver,
		"SOWCHECK_REDIS_ADDR":          &c.Store.Redis.Addr,
		"SOWCHECK_REDIS_PASSWORD":      &c.Store.Redis.Password,
		"SOWCHECK_REDIS_PREFIX":        &c.Store.Redis.Prefix,
		"SOWCHECK_CORROSION_ADDR":      &c.Store.Corrosion.Addr,
		"SOWCHECK_CORROSION_TABLE":     &c.Store.Corrosion.Table,
		"SOWCHECK_COORDINATION_DRIVER": &c.Coordination.Driver,
		"SOWCHECK_SQLITE_PATH":         &c.Coordination.SQLite.Path,
		"SOWCHECK_TOPOLOGY_DRIVER":     &c.Topology.Driver,
		"SOWCHECK_OTLP_ENDPOINT":       &c.Telemetry.OTLPEndpoint,
		"SOWCHECK_METRICS_TEXTFILE":    &c.Metrics.Textfile,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"SOWCHECK_ENTRIES":              &c.Entries,
		"SOWCHECK_PAYLOAD_SIZE":         &c.PayloadSize,
		"SOWCHECK_POPULATION_THRESHOLD": &c.PopulationThreshold,
		"SOWCHECK_REDIS_DB":             &c.Store.Redis.DB,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"SOWCHECK_POPULATION_TIMEOUT":    &c.PopulationTimeout,
		"SOWCHECK_POPULATION_POLL":       &c.PopulationPoll,
		"SOWCHECK_WRITE_SETTLE":          &c.WriteSettle,
		"SOWCHECK_WRITE_REPORT_INTERVAL": &c.WriteReportInterval,
		"SOWCHECK_CONVERGENCE_DEADLINE":  &c.ConvergenceDeadline,
		"SOWCHECK_CONVERGENCE_POLL":      &c.ConvergencePoll,
		"SOWCHECK_SAFETY_TIMEOUT":        &c.SafetyTimeout,
	}
	for name, dst := range durations {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		*dst = d
	}

	if v, ok := lookup("SOWCHECK_REDIS_CONFIGURE_NOTIFICATIONS"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse SOWCHECK_REDIS_CONFIGURE_NOTIFICATIONS: %w", err)
		}
		c.Store.Redis.ConfigureNotifications = b
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("entries", c.Entries)
	positive("payload_size", c.PayloadSize)
	if c.PopulationThreshold < 0 {
		errs = append(errs, fmt.Errorf("population_threshold must not be negative, got %d", c.PopulationThreshold))
	}
	if c.Entries > 0 && c.PopulationThreshold > c.Entries {
		errs = append(errs, fmt.Errorf("population_threshold must not exceed entries (%d > %d)", c.PopulationThreshold, c.Entries))
	}
	positiveDur("population_timeout", c.PopulationTimeout)
	positiveDur("population_poll", c.PopulationPoll)
	positiveDur("write_settle", c.WriteSettle)
	positiveDur("write_report_interval", c.WriteReportInterval)
	positiveDur("convergence_deadline", c.ConvergenceDeadline)
	positiveDur("convergence_poll", c.ConvergencePoll)
	positiveDur("safety_timeout", c.SafetyTimeout)

	switch c.Store.Driver {
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required"))
		}
	case StoreCorrosion:
		if _, err := netip.ParseAddrPort(c.Store.Corrosion.Addr); err != nil {
			errs = append(errs, fmt.Errorf("store.corrosion.addr: %w", err))
		}
		if c.Store.Corrosion.Table == "" {
			errs = append(errs, errors.New("store.corrosion.table is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Coordination.Driver {
	case CoordinationRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("redis coordination requires store.redis.addr"))
		}
	case CoordinationSQLite:
		if c.Coordination.SQLite.Path == "" {
			errs = append(errs, errors.New("coordination.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown coordination driver %q", c.Coordination.Driver))
	}

	switch c.Topology.Driver {
	case TopologyCoordination:
	case TopologyCorrosion:
		if _, err := netip.ParseAddrPort(c.Store.Corrosion.Addr); err != nil {
			errs = append(errs, fmt.Errorf("corrosion topology: store.corrosion.addr: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown topology driver %q", c.Topology.Driver))
	}

	if ep := c.Telemetry.OTLPEndpoint; ep != "" {
		if u, err := url.Parse(ep); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("telemetry.otlp_endpoint %q is not an absolute URL", ep))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
