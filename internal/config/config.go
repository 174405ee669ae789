package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DataDir string        `mapstructure:"data_dir" validate:"required"`
	Remote  RemoteConfig  `mapstructure:"remote" validate:"required"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Gateway GatewayConfig `mapstructure:"gateway"`
}

// RemoteConfig holds the upstream FHIR server settings
type RemoteConfig struct {
	BaseURL   string `mapstructure:"base_url" validate:"required,url"`
	Token     string `mapstructure:"token"`
	ProbePath string `mapstructure:"probe_path"`
	TimeoutMs int    `mapstructure:"timeout_ms" validate:"min=0"`
}

// SyncConfig holds sync behavior settings
type SyncConfig struct {
	ProbeIntervalMs int `mapstructure:"probe_interval_ms" validate:"min=0"`
	MaxAgeMs        int `mapstructure:"max_age_ms" validate:"min=0"`
}

// GatewayConfig holds the local caching gateway settings
type GatewayConfig struct {
	Listen            string      `mapstructure:"listen" validate:"required"`
	MetricsListen     string      `mapstructure:"metrics_listen"`
	Upstream          string      `mapstructure:"upstream" validate:"required,url"`
	ManifestPath      string      `mapstructure:"manifest_path"`
	RevalidateDelayMs int         `mapstructure:"revalidate_delay_ms" validate:"min=0"`
	Routes            []RouteRule `mapstructure:"routes" validate:"dive"`
}

// RouteRule maps URL glob patterns to a caching strategy
type RouteRule struct {
	Name     string   `mapstructure:"name" validate:"required"`
	Strategy string   `mapstructure:"strategy" validate:"required,oneof=cache-first stale-while-revalidate"`
	Patterns []string `mapstructure:"patterns" validate:"required,min=1"`
}

// ProbeTimeout returns the remote request timeout as a duration
func (r *RemoteConfig) ProbeTimeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// ProbeInterval returns the connectivity probe interval as a duration
func (s *SyncConfig) ProbeInterval() time.Duration {
	if s.ProbeIntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.ProbeIntervalMs) * time.Millisecond
}

// MaxAge returns how long cached query results stay fresh
func (s *SyncConfig) MaxAge() time.Duration {
	if s.MaxAgeMs <= 0 {
		return time.Hour
	}
	return time.Duration(s.MaxAgeMs) * time.Millisecond
}

// RevalidateDelay returns the background revalidation coalescing window
func (g *GatewayConfig) RevalidateDelay() time.Duration {
	if g.RevalidateDelayMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(g.RevalidateDelayMs) * time.Millisecond
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir: filepath.Join(getConfigDir(), "data"),
		Remote: RemoteConfig{
			ProbePath: "/metadata",
			TimeoutMs: 5000,
		},
		Sync: SyncConfig{
			ProbeIntervalMs: 30000,
			MaxAgeMs:        3600000,
		},
		Gateway: GatewayConfig{
			Listen:            "127.0.0.1:8787",
			RevalidateDelayMs: 100,
			Routes: []RouteRule{
				{
					Name:     "api",
					Strategy: "stale-while-revalidate",
					Patterns: []string{"/fhir/**", "/api/**"},
				},
				{
					Name:     "static",
					Strategy: "cache-first",
					Patterns: []string{"/assets/**", "/static/**", "/*.js", "/*.css", "/"},
				},
			},
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	return unmarshalAndValidate(v)
}

// Watch reloads the configuration whenever the config file changes and
// hands the new value to onChange. Invalid edits are logged and skipped
// so a typo never takes the daemon down.
func Watch(configPath string, onChange func(*Config)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unmarshalAndValidate(v)
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("configuration reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	// Set defaults
	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("remote.probe_path", defaults.Remote.ProbePath)
	v.SetDefault("remote.timeout_ms", defaults.Remote.TimeoutMs)
	v.SetDefault("sync.probe_interval_ms", defaults.Sync.ProbeIntervalMs)
	v.SetDefault("sync.max_age_ms", defaults.Sync.MaxAgeMs)
	v.SetDefault("gateway.listen", defaults.Gateway.Listen)
	v.SetDefault("gateway.revalidate_delay_ms", defaults.Gateway.RevalidateDelayMs)
	v.SetDefault("gateway.routes", defaults.Gateway.Routes)

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	// Enable environment variable substitution
	v.AutomaticEnv()
	v.SetEnvPrefix("FHIRSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return v
}

func unmarshalAndValidate(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in the token so secrets can stay out
	// of the config file
	cfg.Remote.Token = os.ExpandEnv(cfg.Remote.Token)
	cfg.DataDir = expandPath(cfg.DataDir)
	if cfg.Gateway.ManifestPath != "" {
		cfg.Gateway.ManifestPath = expandPath(cfg.Gateway.ManifestPath)
	}
	if cfg.Gateway.Upstream == "" {
		cfg.Gateway.Upstream = cfg.Remote.BaseURL
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "fhirsync")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "fhirsync")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "fhirsync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "fhirsync")
	}
}

// EnsureDataDir creates the data directory if it does not exist
func EnsureDataDir(cfg *Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}
