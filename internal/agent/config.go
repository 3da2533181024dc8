package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devghori1264/greenops/internal/config"
)

// EnvPrefix is the agent's environment prefix, e.g. GREENOPS_AGENT_DRY_RUN.
const EnvPrefix = "GREENOPS_AGENT"

// Config is the greenops-agent configuration.
type Config struct {
	ServerAddr        string        `mapstructure:"server_addr"`
	StateFile         string        `mapstructure:"state_file"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	// IdleSource is auto, xprintidle or cpu.
	IdleSource        string        `mapstructure:"idle_source"`
	CPUIdlePercent    float64       `mapstructure:"cpu_idle_percent"`
	IdleFlagThreshold time.Duration `mapstructure:"idle_flag_threshold"`
	QueueSize         int           `mapstructure:"queue_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	DryRun            bool          `mapstructure:"dry_run"`

	Logging config.LoggingConfig `mapstructure:"logging"`
}

// LoadConfig reads the agent configuration from path (optional) and the
// environment.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

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
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", "localhost:50051")
	v.SetDefault("state_file", "./greenops-agent.json")
	v.SetDefault("heartbeat_interval", "60s")
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("idle_source", "auto")
	v.SetDefault("cpu_idle_percent", 10.0)
	v.SetDefault("idle_flag_threshold", "5m")
	v.SetDefault("queue_size", 100)
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("dry_run", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 20)
	v.SetDefault("logging.max_backups", 3)
}

func (c *Config) validate() error {
	var errs []error
	if c.ServerAddr == "" {
		errs = append(errs, errors.New("server_addr is required"))
	}
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file is required"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	switch c.IdleSource {
	case IdleSourceAuto, IdleSourceXprintidle, IdleSourceCPU:
	default:
		errs = append(errs, fmt.Errorf("idle_source %q is not supported", c.IdleSource))
	}
	if c.CPUIdlePercent <= 0 || c.CPUIdlePercent > 100 {
		errs = append(errs, errors.New("cpu_idle_percent must be in (0, 100]"))
	}
	if c.IdleFlagThreshold <= 0 {
		errs = append(errs, errors.New("idle_flag_threshold must be positive"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, errors.New("queue_size must be at least 1"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	return errors.Join(errs...)
}
