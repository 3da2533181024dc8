package config

import (
	"time"

	"github.com/devghori1264/greenops/internal/energy"
)

// Config is the greenopsd configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Energy    energy.Constants `mapstructure:"energy"`
	Lifecycle LifecycleConfig  `mapstructure:"lifecycle"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Tracing   TracingConfig    `mapstructure:"tracing"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Operators []OperatorConfig `mapstructure:"operators"`
}

// ServerConfig holds listen addresses.
type ServerConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr"`
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // badger | postgres
	BadgerPath  string `mapstructure:"badger_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
	MinConns    int    `mapstructure:"min_conns"`
}

// LifecycleConfig holds the timing rules of the status machine and the
// command protocol.
type LifecycleConfig struct {
	OfflineTimeout    time.Duration `mapstructure:"offline_timeout"`
	MaxClockSkew      time.Duration `mapstructure:"max_clock_skew"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClampMultiplier   float64       `mapstructure:"clamp_multiplier"`
	CommandTTL        time.Duration `mapstructure:"command_ttl"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"`
}

// NATSConfig configures lifecycle event publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig configures zap output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// OperatorConfig is a statically provisioned operator credential.
type OperatorConfig struct {
	ID    string `mapstructure:"id"`
	Token string `mapstructure:"token"`
	Role  string `mapstructure:"role"`
}
