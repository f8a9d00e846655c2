// Package config loads provider settings from defaults, an optional YAML
// file, environment variables and command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"
)

// EnvPrefix prefixes environment variables without an explicit binding,
// e.g. VK_SYSTEMD_POLL_INTERVAL.
const EnvPrefix = "VK_SYSTEMD"

// Config holds provider configuration.
type Config struct {
	NodeName             string         `mapstructure:"node_name"`
	Kubeconfig           string         `mapstructure:"kubeconfig"`
	LogLevel             string         `mapstructure:"log_level"`
	MetricsAddr          string         `mapstructure:"metrics_addr"`
	NumWorkers           int            `mapstructure:"num_workers"`
	InformerResyncPeriod time.Duration  `mapstructure:"informer_resync_period"`
	Systemd              SystemdConfig  `mapstructure:"systemd"`
	Capacity             CapacityConfig `mapstructure:"capacity"`
}

// SystemdConfig controls how units are named, started and polled.
type SystemdConfig struct {
	UserMode       bool          `mapstructure:"user_mode"`
	JobMode        string        `mapstructure:"job_mode"`
	UnitPrefix     string        `mapstructure:"unit_prefix"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// CapacityConfig is what the virtual node advertises.
type CapacityConfig struct {
	CPU    string `mapstructure:"cpu"`
	Memory string `mapstructure:"memory"`
	Pods   string `mapstructure:"pods"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node_name", "vk-systemd-node")
	v.SetDefault("log_level", "info")
	v.SetDefault("num_workers", 10)
	v.SetDefault("informer_resync_period", "30s")
	v.SetDefault("systemd.user_mode", false)
	v.SetDefault("systemd.job_mode", "replace")
	v.SetDefault("systemd.unit_prefix", "")
	v.SetDefault("systemd.poll_interval", "10s")
	v.SetDefault("systemd.connect_timeout", "30s")
	v.SetDefault("capacity.cpu", "4")
	v.SetDefault("capacity.memory", "8Gi")
	v.SetDefault("capacity.pods", "100")
}

// Load reads configuration into a Config. path may be empty.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"node_name":  "NODE_NAME",
		"log_level":  "LOG_LEVEL",
		"kubeconfig": "KUBECONFIG",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration can be used.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("node name is required")
	}
	if c.Systemd.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Systemd.PollInterval)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num workers must be positive, got %d", c.NumWorkers)
	}
	for name, q := range map[string]string{"cpu": c.Capacity.CPU, "memory": c.Capacity.Memory, "pods": c.Capacity.Pods} {
		if _, err := resource.ParseQuantity(q); err != nil {
			return fmt.Errorf("invalid %s capacity %q: %w", name, q, err)
		}
	}
	return nil
}
