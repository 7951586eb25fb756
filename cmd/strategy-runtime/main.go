// Command strategy-runtime serves the interaction player API and renders interactions offline.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/strategy-runtime/internal/controller"
	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/observability"
	httpserver "github.com/coachpo/strategy-runtime/internal/server/http"
	"github.com/coachpo/strategy-runtime/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	renderTimeout            = 30 * time.Second
)

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "strategy-runtime",
		Short:         "Pluggable interaction strategy runtime",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	root.AddCommand(newServeCmd(&configPath), newRenderCmd(&configPath), newStrategiesCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the player API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("addr", cfg.Server.Addr))

	provider, err := initTelemetry(ctx, logger, cfg.TelemetryConfig())
	if err != nil {
		return err
	}
	metrics := telemetry.NewRuntimeMetrics(provider)

	comps, err := buildComponents(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	handler := httpserver.NewHandler(httpserver.Options{
		Interactions: comps.interactions,
		Catalog:      comps.registry,
		ReadyTimeout: cfg.Server.ReadyTimeout,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	var lifecycle conc.WaitGroup
	var serveErr error
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("player API server failed", observability.Err(err))
			serveErr = err
			stop()
		}
	})
	logger.Info("player API listening", observability.F("addr", server.Addr))

	<-runCtx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        server,
		serverTimeout: cfg.Server.ShutdownTimeout,
		handler:       handler,
		runtime:       comps,
		lifecycle:     &lifecycle,
		telemetry:     provider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	if serveErr != nil {
		return fmt.Errorf("player API: %w", serveErr)
	}
	return nil
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg telemetry.Config) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Info("telemetry initialized",
			observability.F("endpoint", cfg.OTLPEndpoint),
			observability.F("service", cfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	handler       *httpserver.Handler
	runtime       *components
	lifecycle     *conc.WaitGroup
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.Err(err))
		} else {
			logger.Info("shutdown step completed", observability.F("step", name))
		}
	}
	waitFor := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout: %w", stepCtx.Err())
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping player API", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}
	if cfg.handler != nil {
		shutdownStep("completing open instances", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.handler.Close)
		})
	}
	if cfg.runtime != nil {
		shutdownStep("closing runtime", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.runtime.runtime.Close)
		})
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

type renderOptions struct {
	markup     string
	state      string
	properties map[string]string
	clicks     []string
}

type renderResult struct {
	Status         string `json:"status"`
	Strategy       string `json:"strategy,omitempty"`
	Error          string `json:"error,omitempty"`
	Response       any    `json:"response"`
	State          any    `json:"state"`
	Valid          bool   `json:"valid"`
	CustomValidity string `json:"customValidity"`
	Markup         string `json:"markup"`
}

func newRenderCmd(configPath *string) *cobra.Command {
	opts := renderOptions{}
	cmd := &cobra.Command{
		Use:   "render [spec.json]",
		Short: "Render an interaction offline and print its markup and response",
		Long: `Creates one instance in a fresh document, optionally clicks elements, and prints the
resulting status, response, state and markup as JSON.

Without a spec file the spec is resolved from the markup (data-config-href or an inline
<script type="application/json">) and then from --property values.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), renderTimeout)
			defer cancel()
			cfg, err := loadConfig(ctx, *configPath)
			if err != nil {
				return err
			}
			cfg.Runtime.SettleDelay = -1
			comps, err := buildComponents(ctx, cfg, observability.Nop(), nil)
			if err != nil {
				return err
			}
			defer comps.runtime.Close()

			var spec *interaction.Spec
			if len(args) == 1 {
				raw, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("read spec: %w", err)
				}
				decoded, err := interaction.DecodeSpec(raw)
				if err != nil {
					return err
				}
				spec = &decoded
			}
			result, err := render(ctx, comps, spec, opts)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			encoder.SetEscapeHTML(false)
			return encoder.Encode(result)
		},
	}
	cmd.Flags().StringVar(&opts.markup, "markup", httpserver.DefaultMarkup, "mount markup; the first element is the mount")
	cmd.Flags().StringVar(&opts.state, "state", "", "prior state as JSON")
	cmd.Flags().StringToStringVar(&opts.properties, "property", nil, "host properties (key=value)")
	cmd.Flags().StringArrayVar(&opts.clicks, "click", nil, "selector to click after ready (repeatable)")
	return cmd
}

func render(ctx context.Context, comps *components, spec *interaction.Spec, opts renderOptions) (renderResult, error) {
	doc := dom.NewDocument()
	if err := doc.Body().SetInnerHTML(opts.markup); err != nil {
		return renderResult{}, fmt.Errorf("parse markup: %w", err)
	}
	children := doc.Body().Children()
	if len(children) == 0 {
		return renderResult{}, fmt.Errorf("markup has no mount element")
	}

	var prior any
	if strings.TrimSpace(opts.state) != "" {
		if err := json.Unmarshal([]byte(opts.state), &prior); err != nil {
			return renderResult{}, fmt.Errorf("parse state: %w", err)
		}
	}

	inst := comps.runtime.GetInstance(children[0], &interaction.HostConfig{
		Properties:           opts.properties,
		PrimaryConfiguration: spec,
		ResponseIdentifier:   "RESPONSE",
	}, prior)
	defer inst.OnCompleted()

	result := renderResult{}
	if err := inst.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return renderResult{}, err
		}
		result.Error = err.Error()
	}
	for _, selector := range opts.clicks {
		if err := inst.Dispatch(controller.UserEvent{Selector: selector, Type: "click"}); err != nil {
			return renderResult{}, fmt.Errorf("click %q: %w", selector, err)
		}
	}

	result.Status = string(inst.Status())
	result.Strategy = inst.Controller().StrategyName()
	if resp, ok := inst.Response(); ok {
		if json.Valid([]byte(resp)) {
			result.Response = json.RawMessage(resp)
		} else {
			result.Response = resp
		}
	}
	result.State = inst.State()
	result.Valid = inst.CheckValidity()
	result.CustomValidity = inst.CustomValidity()
	result.Markup = inst.Markup()
	return result, nil
}
