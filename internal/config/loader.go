package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix, e.g. GREENOPS_STORAGE_DRIVER.
const EnvPrefix = "GREENOPS"

// Load reads configuration from path (optional) and the environment into
// v. Passing a fresh viper instance keeps tests free of global state.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// SetDefaults installs every default before the file is read.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")

	v.SetDefault("storage.driver", "badger")
	v.SetDefault("storage.badger_path", "./data/badger")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.min_conns", 1)

	v.SetDefault("energy.idle_power_watts", 65.0)
	v.SetDefault("energy.co2_kg_per_kwh", 0.386)
	v.SetDefault("energy.cost_per_kwh", 0.12)

	v.SetDefault("lifecycle.offline_timeout", "5m")
	v.SetDefault("lifecycle.max_clock_skew", "2m")
	v.SetDefault("lifecycle.heartbeat_interval", "60s")
	v.SetDefault("lifecycle.clamp_multiplier", 2.0)
	v.SetDefault("lifecycle.command_ttl", "2m")
	v.SetDefault("lifecycle.sweep_schedule", "@every 5m")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "greenops")

	v.SetDefault("tracing.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 10)
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.Storage.Driver {
	case "badger":
		if cfg.Storage.BadgerPath == "" {
			errs = append(errs, errors.New("storage.badger_path is required for the badger driver"))
		}
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver))
	}

	if err := cfg.Energy.Validate(); err != nil {
		errs = append(errs, err)
	}

	lc := cfg.Lifecycle
	if lc.OfflineTimeout <= 0 {
		errs = append(errs, errors.New("lifecycle.offline_timeout must be positive"))
	}
	if lc.MaxClockSkew < 0 {
		errs = append(errs, errors.New("lifecycle.max_clock_skew must not be negative"))
	}
	if lc.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("lifecycle.heartbeat_interval must be positive"))
	}
	if lc.ClampMultiplier < 1 {
		errs = append(errs, errors.New("lifecycle.clamp_multiplier must be at least 1"))
	}
	if lc.CommandTTL <= 0 {
		errs = append(errs, errors.New("lifecycle.command_ttl must be positive"))
	}
	if _, err := cron.ParseStandard(lc.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle.sweep_schedule: %w", err))
	}

	seen := make(map[string]bool)
	for i, op := range cfg.Operators {
		if op.ID == "" || op.Token == "" {
			errs = append(errs, fmt.Errorf("operators[%d]: id and token are required", i))
			continue
		}
		switch op.Role {
		case "admin", "operator", "viewer":
		default:
			errs = append(errs, fmt.Errorf("operators[%d]: unknown role %q", i, op.Role))
		}
		if seen[op.Token] {
			errs = append(errs, fmt.Errorf("operators[%d]: duplicate token", i))
		}
		seen[op.Token] = true
	}

	return errors.Join(errs...)
}
