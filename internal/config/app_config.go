// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/strategy-runtime/internal/controller"
	"github.com/coachpo/strategy-runtime/internal/registry"
	"github.com/coachpo/strategy-runtime/internal/resize"
	"github.com/coachpo/strategy-runtime/internal/resolver"
	"github.com/coachpo/strategy-runtime/internal/telemetry"
)

// RuntimeConfig bounds instance initialization.
type RuntimeConfig struct {
	// InitTimeout bounds initialization; zero leaves it unbounded.
	InitTimeout time.Duration `yaml:"initTimeout"`
	// SettleDelay delays the post-ready resize notification; negative disables it.
	SettleDelay time.Duration `yaml:"settleDelay"`
}

// StrategiesConfig locates strategy modules.
type StrategiesConfig struct {
	Prefix          string   `yaml:"prefix"`
	Directory       string   `yaml:"directory"`
	DefaultStrategy string   `yaml:"defaultStrategy"`
	Preload         []string `yaml:"preload"`
}

// ResolverConfig tunes the config fetch source.
type ResolverConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	FetchTimeout   time.Duration `yaml:"fetchTimeout"`
	FetchAttempts  int           `yaml:"fetchAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
}

// ResizeConfig tunes content-size propagation.
type ResizeConfig struct {
	Buffer     *float64 `yaml:"buffer"`
	Source     string   `yaml:"source"`
	FrameRate  float64  `yaml:"frameRate"`
	FrameBurst int      `yaml:"frameBurst"`
}

// ServerConfig configures the player API.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadyTimeout      time.Duration `yaml:"readyTimeout"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// LoggingConfig selects the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AppConfig is the unified runtime configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Runtime     RuntimeConfig    `yaml:"runtime"`
	Strategies  StrategiesConfig `yaml:"strategies"`
	Resolver    ResolverConfig   `yaml:"resolver"`
	Resize      ResizeConfig     `yaml:"resize"`
	Server      ServerConfig     `yaml:"server"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	if err := ctx.Err(); err != nil {
		return AppConfig{}, err
	}

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the path is empty or missing.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

func (c *AppConfig) normalise() {
	if env := strings.TrimSpace(os.Getenv(EnvVar)); env != "" {
		c.Environment = Environment(env)
	}
	c.Environment = Environment(normalizeName(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	if c.Runtime.SettleDelay == 0 {
		c.Runtime.SettleDelay = controller.DefaultSettleDelay
	}

	c.Strategies.Prefix = strings.TrimSpace(c.Strategies.Prefix)
	if c.Strategies.Prefix == "" {
		c.Strategies.Prefix = registry.DefaultPrefix
	}
	c.Strategies.Directory = strings.TrimSpace(c.Strategies.Directory)
	c.Strategies.DefaultStrategy = normalizeName(c.Strategies.DefaultStrategy)
	if c.Strategies.DefaultStrategy == "" {
		c.Strategies.DefaultStrategy = resolver.DefaultStrategy
	}
	preload := c.Strategies.Preload[:0]
	for _, name := range c.Strategies.Preload {
		if name = normalizeName(name); name != "" {
			preload = append(preload, name)
		}
	}
	c.Strategies.Preload = preload

	c.Resolver.BaseURL = strings.TrimSpace(c.Resolver.BaseURL)
	if c.Resolver.FetchAttempts <= 0 {
		c.Resolver.FetchAttempts = 1
	}
	if c.Resolver.InitialBackoff <= 0 {
		c.Resolver.InitialBackoff = 100 * time.Millisecond
	}

	if c.Resize.Buffer == nil {
		buffer := resize.DefaultBuffer
		c.Resize.Buffer = &buffer
	}
	c.Resize.Source = strings.TrimSpace(c.Resize.Source)
	if c.Resize.Source == "" {
		c.Resize.Source = resize.DefaultSource
	}
	if c.Resize.FrameRate > 0 && c.Resize.FrameBurst <= 0 {
		c.Resize.FrameBurst = 1
	}

	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadyTimeout <= 0 {
		c.Server.ReadyTimeout = 5 * time.Second
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "strategy-runtime"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}

	c.Logging.Level = normalizeName(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Runtime.InitTimeout < 0 {
		return fmt.Errorf("runtime initTimeout must be >= 0")
	}

	if strings.ContainsAny(c.Strategies.Prefix, `/\`) {
		return fmt.Errorf("strategies prefix must not contain path separators")
	}

	if c.Resolver.FetchTimeout < 0 {
		return fmt.Errorf("resolver fetchTimeout must be >= 0")
	}
	if c.Resolver.FetchAttempts <= 0 {
		return fmt.Errorf("resolver fetchAttempts must be > 0")
	}

	if c.Resize.Buffer != nil && *c.Resize.Buffer < 0 {
		return fmt.Errorf("resize buffer must be >= 0")
	}
	if c.Resize.FrameRate < 0 {
		return fmt.Errorf("resize frameRate must be >= 0")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server addr required")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}

	return nil
}

// ResolverOptions maps the resolver section onto resolver options.
func (c AppConfig) ResolverOptions() resolver.Options {
	return resolver.Options{
		DefaultStrategy: c.Strategies.DefaultStrategy,
		BaseURL:         c.Resolver.BaseURL,
		FetchAttempts:   c.Resolver.FetchAttempts,
		FetchTimeout:    c.Resolver.FetchTimeout,
		InitialBackoff:  c.Resolver.InitialBackoff,
	}
}

// ResizeOptions maps the resize section onto notifier options.
func (c AppConfig) ResizeOptions() resize.Options {
	opts := resize.Options{
		Buffer:     resize.DefaultBuffer,
		Source:     c.Resize.Source,
		FrameRate:  c.Resize.FrameRate,
		FrameBurst: c.Resize.FrameBurst,
	}
	if c.Resize.Buffer != nil {
		opts.Buffer = *c.Resize.Buffer
		if opts.Buffer == 0 {
			opts.Buffer = resize.NoBuffer
		}
	}
	return opts
}

// Naming returns the module identifier transform.
func (c AppConfig) Naming() registry.Naming {
	return registry.Naming{Prefix: c.Strategies.Prefix}
}

// TelemetryConfig maps the telemetry section onto provider settings.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		OTLPInsecure:   c.Telemetry.OTLPInsecure,
		EnableMetrics:  c.Telemetry.EnableMetrics,
		MetricInterval: c.Telemetry.MetricInterval,
		ServiceName:    c.Telemetry.ServiceName,
		Environment:    string(c.Environment),
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
