// Package config loads the attackd configuration.
//
// Configuration comes from a single YAML file layered over Default(), then
// ATTACKD_* environment variables. The resulting Config is validated once
// and handed to components as plain values; nothing re-reads it later.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/attack-scheduler/core"
	"github.com/signalsfoundry/attack-scheduler/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ATTACKD_"

// Config is the complete daemon configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Planning  PlanningConfig  `yaml:"planning"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   ListenConfig    `yaml:"metrics"`
	Status    ListenConfig    `yaml:"status"`
}

// SchedulerConfig configures the attack lifecycle loop.
type SchedulerConfig struct {
	// Interval between scheduling ticks.
	Interval time.Duration `yaml:"interval"`

	MaxHackAttacks int `yaml:"max_hack_attacks"`
	MaxPrepAttacks int `yaml:"max_prep_attacks"`

	// BootstrapHackAttacks is how many hack attacks must be running before
	// candidates are ranked by value instead of completion time.
	BootstrapHackAttacks int `yaml:"bootstrap_hack_attacks"`

	// FailureCeiling ends a recurring attack once its target has yielded
	// nothing this many cycles in a row.
	FailureCeiling int `yaml:"failure_ceiling"`

	// RenewalCapacityMultiple is the free-capacity headroom, as a multiple
	// of the plan's own demand, required before a cycle renews.
	RenewalCapacityMultiple float64 `yaml:"renewal_capacity_multiple"`
}

// PlanningConfig holds the planner constants and the operation catalog.
type PlanningConfig struct {
	DefenseTolerance        float64       `yaml:"defense_tolerance"`
	ResourceFloor           float64       `yaml:"resource_floor"`
	EmptyResourceMultiplier float64       `yaml:"empty_resource_multiplier"`
	ExtractFraction         float64       `yaml:"extract_fraction"`
	Guard                   time.Duration `yaml:"guard"`

	Operations OperationsConfig `yaml:"operations"`
}

// OperationsConfig is the per-kind cost and defense delta table.
type OperationsConfig struct {
	Extract OperationConfig `yaml:"extract"`
	Fortify OperationConfig `yaml:"fortify"`
	Calm    OperationConfig `yaml:"calm"`
}

// OperationConfig describes one operation kind.
type OperationConfig struct {
	Cost         float64 `yaml:"cost"`
	DefenseDelta float64 `yaml:"defense_delta"`
}

// DispatchConfig configures command issuing.
type DispatchConfig struct {
	// MaxAttempts bounds issue attempts per command, first try included.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryInterval is the constant wait between attempts.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// Stagger offsets the plan start from the dispatch instant so every
	// command can be issued before the first one must begin.
	Stagger time.Duration `yaml:"stagger"`
	// Spacing is an optional pause between consecutive issues.
	Spacing time.Duration `yaml:"spacing"`
	// QueueDepth is the buffer of the batch channel.
	QueueDepth int `yaml:"queue_depth"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ListenConfig is a listener address. An empty address disables the
// listener.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the stock configuration.
func Default() *Config {
	p := core.DefaultPolicy()
	return &Config{
		Scheduler: SchedulerConfig{
			Interval:                time.Second,
			MaxHackAttacks:          10,
			MaxPrepAttacks:          5,
			BootstrapHackAttacks:    3,
			FailureCeiling:          10,
			RenewalCapacityMultiple: 10,
		},
		Planning: PlanningConfig{
			DefenseTolerance:        p.DefenseTolerance,
			ResourceFloor:           p.ResourceFloor,
			EmptyResourceMultiplier: p.EmptyResourceMultiplier,
			ExtractFraction:         p.ExtractFraction,
			Guard:                   p.Guard,
			Operations: OperationsConfig{
				Extract: OperationConfig(p.Catalog.Extract),
				Fortify: OperationConfig(p.Catalog.Fortify),
				Calm:    OperationConfig(p.Catalog.Calm),
			},
		},
		Dispatch: DispatchConfig{
			MaxAttempts:   3,
			RetryInterval: 50 * time.Millisecond,
			Stagger:       200 * time.Millisecond,
			QueueDepth:    16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "attackd",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
		Metrics: ListenConfig{Addr: ":9464"},
		Status:  ListenConfig{Addr: ":50061"},
	}
}

// Load reads path over Default(), applies environment overrides and
// validates the result. An empty path skips the file; unknown keys in the
// file are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ATTACKD_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	duration("INTERVAL", &c.Scheduler.Interval)
	integer("MAX_HACK_ATTACKS", &c.Scheduler.MaxHackAttacks)
	integer("MAX_PREP_ATTACKS", &c.Scheduler.MaxPrepAttacks)
	integer("FAILURE_CEILING", &c.Scheduler.FailureCeiling)
	float("EXTRACT_FRACTION", &c.Planning.ExtractFraction)
	duration("GUARD", &c.Planning.Guard)
	integer("DISPATCH_MAX_ATTEMPTS", &c.Dispatch.MaxAttempts)
	duration("DISPATCH_STAGGER", &c.Dispatch.Stagger)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	str("TRACING_EXPORTER", &c.Tracing.Exporter)
	str("TRACING_ENDPOINT", &c.Tracing.Endpoint)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("STATUS_ADDR", &c.Status.Addr)

	return errors.Join(errs...)
}

// Policy converts the planning section into core.Policy.
func (c *Config) Policy() core.Policy {
	ops := c.Planning.Operations
	return core.Policy{
		DefenseTolerance:        c.Planning.DefenseTolerance,
		ResourceFloor:           c.Planning.ResourceFloor,
		EmptyResourceMultiplier: c.Planning.EmptyResourceMultiplier,
		ExtractFraction:         c.Planning.ExtractFraction,
		Guard:                   c.Planning.Guard,
		Catalog: model.OperationCatalog{
			Extract: model.OperationSpec(ops.Extract),
			Fortify: model.OperationSpec(ops.Fortify),
			Calm:    model.OperationSpec(ops.Calm),
		},
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	s := c.Scheduler
	if s.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.interval must be positive, got %s", s.Interval))
	}
	if s.MaxHackAttacks < 0 || s.MaxPrepAttacks < 0 {
		errs = append(errs, errors.New("scheduler attack limits must be >= 0"))
	}
	if s.BootstrapHackAttacks < 0 {
		errs = append(errs, fmt.Errorf("scheduler.bootstrap_hack_attacks must be >= 0, got %d", s.BootstrapHackAttacks))
	}
	if s.FailureCeiling < 0 {
		errs = append(errs, fmt.Errorf("scheduler.failure_ceiling must be >= 0, got %d", s.FailureCeiling))
	}
	if s.RenewalCapacityMultiple < 0 {
		errs = append(errs, fmt.Errorf("scheduler.renewal_capacity_multiple must be >= 0, got %v", s.RenewalCapacityMultiple))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("planning: %w", err))
	}
	d := c.Dispatch
	if d.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("dispatch.max_attempts must be >= 1, got %d", d.MaxAttempts))
	}
	if d.RetryInterval < 0 || d.Stagger < 0 || d.Spacing < 0 {
		errs = append(errs, errors.New("dispatch intervals must be >= 0"))
	}
	if d.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("dispatch.queue_depth must be >= 0, got %d", d.QueueDepth))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be in [0, 1], got %v", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}
