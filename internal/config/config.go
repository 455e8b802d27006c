// Package config handles loading and hot-reloading the load balancer's YAML
// configuration via Viper. Field names mirror spec.md's Configuration table
// exactly. The dispatcher itself never touches this package — cmd/l7lb loads
// a Config once (or on hot-reload) and hands an already-materialized struct
// to internal/registry, internal/strategy, internal/health and
// internal/dispatcher.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ServerCfg is one entry of servers[].
type ServerCfg struct {
	Name   string `mapstructure:"name"`
	IP     string `mapstructure:"ip"`
	Port   int    `mapstructure:"port"`
	Weight int    `mapstructure:"weight"`
}

// AdminCfg controls the optional read-only stats server (internal/admin).
type AdminCfg struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoadShedParamsCfg configures the admission-control formula.
type LoadShedParamsCfg struct {
	SimConnThreshold int     `mapstructure:"sim_conn_threshold"`
	Strategy         string  `mapstructure:"strategy"`
	K                float64 `mapstructure:"k"`
}

// Config is the top-level load balancer configuration.
type Config struct {
	LoadBalancerIP   string      `mapstructure:"load_balancer_ip"`
	LoadBalancerPort int         `mapstructure:"load_balancer_port"`
	Servers          []ServerCfg `mapstructure:"servers"`

	Strategy       string `mapstructure:"strategy"`
	StickySessions bool   `mapstructure:"sticky_sessions"`

	HealthCheckInterval int    `mapstructure:"health_check_interval"`
	HealthCheckPath     string `mapstructure:"health_check_path"`
	HealthCheckTimeout  int    `mapstructure:"health_check_timeout"`

	LoadSheddingEnabled bool              `mapstructure:"load_shedding_enabled"`
	LoadShedParams      LoadShedParamsCfg `mapstructure:"load_shed_params"`

	DebugMode bool     `mapstructure:"debug_mode"`
	Admin     AdminCfg `mapstructure:"admin"`
}

// ListenAddr returns the dial-style "ip:port" the dispatcher should bind.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.LoadBalancerIP, c.LoadBalancerPort)
}

// HealthInterval returns health_check_interval as a time.Duration.
func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

// HealthTimeout returns health_check_timeout as a time.Duration.
func (c Config) HealthTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeout) * time.Second
}

var validStrategies = map[string]bool{
	"round_robin":          true,
	"weighted_round_robin": true,
	"least_connections":    true,
	"least_response_time":  true,
	"hash":                 true,
}

// Default returns a single-backend configuration matching spec.md's Default column.
func Default() Config {
	return Config{
		LoadBalancerIP:   "0.0.0.0",
		LoadBalancerPort: 8080,
		Servers:          []ServerCfg{{Name: "s1", IP: "127.0.0.1", Port: 8081, Weight: 1}},
		Strategy:         "round_robin",
		StickySessions:   false,

		HealthCheckInterval: 3,
		HealthCheckPath:     "/health",
		HealthCheckTimeout:  2,

		LoadSheddingEnabled: false,
		LoadShedParams:      LoadShedParamsCfg{SimConnThreshold: 5, Strategy: "exponential", K: 0.3},

		DebugMode: false,
	}
}

// Load reads and parses the YAML file at path using Viper. It returns the
// parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file
// is saved. The callback receives a freshly parsed Config. Invalid reloads
// are logged and silently skipped (the previous config stays active).
func Watch(v *viper.Viper, onChange func(Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config: hot-reload failed", "error", err)
			return
		}
		slog.Info("config: hot-reloaded", "servers", len(cfg.Servers), "strategy", cfg.Strategy)
		onChange(cfg)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("load_balancer_ip", "0.0.0.0")
	v.SetDefault("load_balancer_port", 8080)
	v.SetDefault("strategy", "round_robin")
	v.SetDefault("sticky_sessions", false)
	v.SetDefault("health_check_interval", 3)
	v.SetDefault("health_check_path", "/health")
	v.SetDefault("health_check_timeout", 2)
	v.SetDefault("load_shedding_enabled", false)
	v.SetDefault("load_shed_params.sim_conn_threshold", 5)
	v.SetDefault("load_shed_params.strategy", "exponential")
	v.SetDefault("load_shed_params.k", 0.3)
	v.SetDefault("debug_mode", false)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", ":9091")

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	for i, s := range cfg.Servers {
		if s.Weight <= 0 {
			cfg.Servers[i].Weight = 1
		}
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("config: at least one server must be defined")
	}
	for i, s := range cfg.Servers {
		if s.IP == "" {
			return fmt.Errorf("config: servers[%d] has empty ip", i)
		}
		if s.Port <= 0 {
			return fmt.Errorf("config: servers[%d] has invalid port %d", i, s.Port)
		}
	}
	if cfg.Strategy != "" && !validStrategies[cfg.Strategy] {
		return fmt.Errorf("config: unknown strategy %q", cfg.Strategy)
	}
	return nil
}
