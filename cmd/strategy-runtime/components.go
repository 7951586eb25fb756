package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/coachpo/strategy-runtime/internal/config"
	"github.com/coachpo/strategy-runtime/internal/host"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/registry"
	"github.com/coachpo/strategy-runtime/internal/resize"
	"github.com/coachpo/strategy-runtime/internal/resolver"
	"github.com/coachpo/strategy-runtime/internal/strategy/js"
	"github.com/coachpo/strategy-runtime/internal/strategy/mcq"
	"github.com/coachpo/strategy-runtime/internal/telemetry"
)

// components is the assembled runtime shared by serve and render.
type components struct {
	registry     *registry.Registry
	runtime      *host.Runtime
	interactions *host.Context
}

func buildComponents(ctx context.Context, cfg config.AppConfig, logger observability.Logger, metrics *telemetry.RuntimeMetrics) (*components, error) {
	resolverOpts := cfg.ResolverOptions()
	resolverOpts.Logger = logger
	resolverOpts.Metrics = metrics
	res, err := resolver.New(resolverOpts)
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}

	naming := cfg.Naming()
	sources := []registry.Source{registry.NewBuiltinSource(naming, mcq.Module())}
	if dir := cfg.Strategies.Directory; dir != "" {
		loader, err := js.NewLoader(dir, naming, logger)
		switch {
		case err == nil:
			sources = append(sources, loader)
			logger.Info("js strategies enabled", observability.F("directory", loader.Root()))
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("strategies directory missing, js strategies disabled", observability.F("directory", dir))
		default:
			return nil, fmt.Errorf("build js loader: %w", err)
		}
	}
	reg := registry.New(registry.Options{
		Naming:  naming,
		Sources: sources,
		Logger:  logger,
		Metrics: metrics,
	})
	if len(cfg.Strategies.Preload) > 0 {
		if err := reg.Preload(ctx, cfg.Strategies.Preload...); err != nil {
			return nil, err
		}
		logger.Info("strategies preloaded", observability.F("strategies", reg.Cached()))
	}

	resizeOpts := cfg.ResizeOptions()
	resizeOpts.Logger = logger
	resizeOpts.Metrics = metrics

	rt := host.NewRuntime(host.Options{
		Resolver:    res,
		Loader:      reg,
		Notifier:    resize.NewNotifier(resizeOpts),
		Logger:      logger,
		Metrics:     metrics,
		InitTimeout: cfg.Runtime.InitTimeout,
		SettleDelay: cfg.Runtime.SettleDelay,
	})
	interactions := host.NewContext()
	if err := rt.Register(interactions); err != nil {
		return nil, fmt.Errorf("register runtime: %w", err)
	}
	return &components{registry: reg, runtime: rt, interactions: interactions}, nil
}

func newLogger(cfg config.AppConfig) (*observability.ZapLogger, error) {
	logger, err := observability.NewProductionLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	observability.SetLogger(logger)
	return logger, nil
}

func loadConfig(ctx context.Context, path string) (config.AppConfig, error) {
	resolved := resolveConfigPath(path)
	cfg, err := config.LoadOrDefault(ctx, resolved)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// resolveConfigPath prefers the flag, then the default file when it exists.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}
