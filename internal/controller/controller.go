// Package controller owns the lifecycle of one interaction instance: configuration resolution,
// strategy load, instantiation, mount, host bridging and disposal.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/strategy-runtime/errs"
	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/resize"
	"github.com/coachpo/strategy-runtime/internal/resolver"
	"github.com/coachpo/strategy-runtime/internal/strategy"
	"github.com/coachpo/strategy-runtime/internal/telemetry"
)

// MarkupClass marks the element inside the mount that strategies render into.
const MarkupClass = "qti-interaction-markup"

// DefaultSettleDelay is the delay before the post-ready resize notification.
const DefaultSettleDelay = 200 * time.Millisecond

var (
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("controller already initialized")
	// ErrDisposed reports that the controller was disposed before initialization finished.
	ErrDisposed = errors.New("controller disposed")
	// ErrNotReady reports that no strategy is attached.
	ErrNotReady = errors.New("controller not ready")
)

// ConfigResolver produces the interaction spec for a mount.
type ConfigResolver interface {
	Resolve(ctx context.Context, host *interaction.HostConfig, mount *dom.Element) (interaction.Spec, resolver.Source, error)
}

// ModuleLoader resolves strategy names to modules.
type ModuleLoader interface {
	Load(ctx context.Context, name string) (strategy.Module, error)
}

// SizeNotifier measures a mount and propagates its content size.
type SizeNotifier interface {
	Update(mount *dom.Element, host *interaction.HostConfig) resize.Dimensions
}

// Options configure a Controller.
type Options struct {
	Resolver ConfigResolver
	Loader   ModuleLoader
	Notifier SizeNotifier
	Logger   observability.Logger
	Metrics  *telemetry.RuntimeMetrics
	// SettleDelay defaults to DefaultSettleDelay; negative disables the settle notification.
	SettleDelay time.Duration
	// InitTimeout bounds Initialize when positive. Zero leaves initialization unbounded.
	InitTimeout time.Duration
}

// Controller drives one interaction instance. All strategy access is serialized by its mutex;
// status reads are lock-free. Host callbacks raised by strategy code are queued and delivered
// after the mutex is released, so hosts may call back into the instance from them.
type Controller struct {
	mount      *dom.Element
	host       *interaction.HostConfig
	bridge     *interaction.HostConfig
	priorState any

	resolver    ConfigResolver
	loader      ModuleLoader
	notifier    SizeNotifier
	logger      observability.Logger
	metrics     *telemetry.RuntimeMetrics
	settleDelay time.Duration
	initTimeout time.Duration

	status    atomic.Value
	started   atomic.Bool
	disposing atomic.Bool
	readyOnce sync.Once

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	pendingMu sync.Mutex
	pending   []func()

	mu           sync.Mutex
	spec         interaction.Spec
	source       resolver.Source
	strategyName string
	strat        strategy.Strategy
	target       *dom.Element
	settle       *time.Timer
	initErr      error
	opened       bool
}

// New constructs a controller in the Created state. priorState may be nil.
func New(mount *dom.Element, host *interaction.HostConfig, priorState any, opts Options) *Controller {
	c := &Controller{
		mount:       mount,
		host:        host,
		priorState:  priorState,
		resolver:    opts.Resolver,
		loader:      opts.Loader,
		notifier:    opts.Notifier,
		logger:      observability.OrDefault(opts.Logger),
		metrics:     opts.Metrics,
		settleDelay: opts.SettleDelay,
		initTimeout: opts.InitTimeout,
	}
	if c.settleDelay == 0 {
		c.settleDelay = DefaultSettleDelay
	}
	if c.notifier == nil {
		c.notifier = resize.Default()
	}
	c.bridge = c.bridgeHost()
	c.status.Store(StatusCreated)
	return c
}

// bridgeHost copies the host config for strategies and the notifier, replacing the check and
// resize callbacks with ones that queue the call until the controller lock is released.
func (c *Controller) bridgeHost() *interaction.HostConfig {
	if c.host == nil {
		return nil
	}
	bridged := *c.host
	bridged.OnReady = nil
	if onCheck := c.host.OnCheck; onCheck != nil {
		bridged.OnCheck = func(correct bool) {
			c.enqueue("check", func() { onCheck(correct) })
		}
	}
	if onResize := c.host.OnContentResize; onResize != nil {
		bridged.OnContentResize = func(width, height float64) {
			c.enqueue("contentResize", func() { onResize(width, height) })
		}
	}
	return &bridged
}

func (c *Controller) enqueue(name string, call func()) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = append(c.pending, func() {
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Warn("host callback panicked",
					observability.F("callback", name),
					observability.F("panic", fmt.Sprint(rec)))
			}
		}()
		call()
	})
}

// flushHost delivers queued host callbacks in order. It must run without c.mu held; callbacks
// that re-enter the instance flush their own queued calls.
func (c *Controller) flushHost() {
	for {
		c.pendingMu.Lock()
		calls := c.pending
		c.pending = nil
		c.pendingMu.Unlock()
		if len(calls) == 0 {
			return
		}
		for _, call := range calls {
			call()
		}
	}
}

// Status returns the lifecycle status without blocking.
func (c *Controller) Status() Status {
	return c.status.Load().(Status)
}

// Err returns the classified initialization failure, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initErr
}

// Spec returns the resolved spec and the source it came from.
func (c *Controller) Spec() (interaction.Spec, resolver.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.Clone(), c.source
}

// StrategyName returns the loaded strategy name, or "".
func (c *Controller) StrategyName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategyName
}

// Initialize drives Created to Ready. Failures are classified, logged and returned, and the
// controller stays usable in a degraded mode. OnReady fires exactly once, after mount completes
// or after the failure, and never while the controller lock is held.
func (c *Controller) Initialize(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}
	err := c.initialize(ctx)
	c.flushHost()
	c.ready()
	return err
}

func (c *Controller) ready() {
	c.readyOnce.Do(func() {
		if c.host == nil || c.host.OnReady == nil {
			return
		}
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Error("host ready callback panicked", observability.F("panic", fmt.Sprint(rec)))
			}
		}()
		c.host.OnReady(c, c.priorState)
	})
}

func (c *Controller) initialize(parent context.Context) (err error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.initTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, c.initTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	c.cancelMu.Lock()
	if c.disposing.Load() {
		c.cancelMu.Unlock()
		return ErrDisposed
	}
	c.cancel = cancel
	c.cancelMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status() != StatusCreated {
		return ErrDisposed
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.StrategyRuntime(c.strategyName, "initialize", fmt.Errorf("panic: %v", rec))
			if c.strat != nil {
				c.disposeStrategy(c.strat)
				c.strat = nil
			}
		}
		if err != nil && c.disposing.Load() && !errors.Is(err, ErrDisposed) {
			err = fmt.Errorf("%w: %w", ErrDisposed, err)
		}
		c.finishInit(err, time.Since(start))
	}()

	c.transition(StatusConfigResolving)
	spec, source, err := c.resolveSpec(ctx)
	if err != nil {
		return err
	}
	c.spec, c.source = spec, source
	c.strategyName = strategy.NormalizeName(spec.Strategy)
	if c.disposing.Load() {
		return ErrDisposed
	}

	c.transition(StatusStrategyLoading)
	module, err := c.loadModule(ctx, c.strategyName)
	if err != nil {
		return err
	}
	if c.disposing.Load() {
		return ErrDisposed
	}

	c.transition(StatusInstantiating)
	c.target = c.markupTarget()
	sctx := strategy.Context{
		Mount:      c.target,
		Host:       c.bridge,
		Spec:       spec.Clone(),
		PriorState: c.priorState,
		Notify:     c.notifyLocked,
		Logger:     c.logger,
	}
	strat, err := module.Create(sctx)
	if err != nil {
		return errs.StrategyRuntime(c.strategyName, "create", err)
	}
	if c.disposing.Load() {
		c.disposeStrategy(strat)
		return ErrDisposed
	}
	c.strat = strat
	if err := strat.Mount(ctx); err != nil {
		c.disposeStrategy(strat)
		c.strat = nil
		return errs.StrategyRuntime(c.strategyName, "mount", err)
	}
	c.transition(StatusMounted)

	if c.priorState != nil {
		if err := strat.SetState(c.priorState); err != nil {
			c.logger.Warn("prior state rejected",
				observability.F("strategy", c.strategyName),
				observability.Err(err))
		}
	}
	c.transition(StatusReady)
	c.scheduleSettle()
	return nil
}

func (c *Controller) resolveSpec(ctx context.Context) (interaction.Spec, resolver.Source, error) {
	if c.resolver == nil {
		return interaction.Spec{}, resolver.SourceNone, errs.Configuration("no configuration resolver")
	}
	spec, source, err := c.resolver.Resolve(ctx, c.host, c.mount)
	if err != nil {
		if _, ok := errs.CodeOf(err); !ok {
			err = errs.Configuration("configuration could not be resolved", errs.WithCause(err))
		}
		return interaction.Spec{}, source, err
	}
	return spec, source, nil
}

func (c *Controller) loadModule(ctx context.Context, name string) (strategy.Module, error) {
	if c.loader == nil {
		return nil, errs.StrategyLoad(name, errors.New("no strategy loader"))
	}
	module, err := c.loader.Load(ctx, name)
	if err != nil {
		if _, ok := errs.CodeOf(err); !ok {
			err = errs.StrategyLoad(name, err)
		}
		return nil, err
	}
	if module == nil {
		return nil, errs.StrategyLoad(name, strategy.ErrModuleNotFound)
	}
	return module, nil
}

func (c *Controller) finishInit(err error, elapsed time.Duration) {
	outcome, code := telemetry.ResultSuccess, ""
	switch {
	case err == nil:
		c.opened = true
		c.metrics.InstanceOpened()
		c.logger.Info("interaction ready",
			observability.F("strategy", c.strategyName),
			observability.F("source", string(c.source)),
			observability.F("elapsed_ms", elapsed.Milliseconds()))
	case errors.Is(err, ErrDisposed):
		outcome = telemetry.ResultSkipped
		c.initErr = err
		c.logger.Debug("initialization abandoned after dispose", observability.F("strategy", c.strategyName))
	default:
		outcome = telemetry.ResultFailure
		if got, ok := errs.CodeOf(err); ok {
			code = string(got)
		}
		c.initErr = err
		if c.Status() != StatusDisposed {
			c.transition(StatusError)
		}
		c.logger.Error("interaction initialization failed",
			observability.F("strategy", c.strategyName),
			observability.F("code", code),
			observability.Err(err))
	}
	c.metrics.RecordInitialization(c.strategyName, outcome, code, elapsed)
}

func (c *Controller) markupTarget() *dom.Element {
	if c.mount == nil {
		return nil
	}
	if inner := c.mount.QuerySelector("." + MarkupClass); inner != nil {
		return inner
	}
	return c.mount
}

// notifyLocked is handed to strategies as Context.Notify. Strategy code always runs with the
// controller lock held, so it must not lock.
func (c *Controller) notifyLocked() {
	if c.target == nil || c.Status() == StatusDisposed {
		return
	}
	c.notifier.Update(c.target, c.bridge)
}

func (c *Controller) scheduleSettle() {
	if c.settleDelay < 0 {
		return
	}
	c.settle = time.AfterFunc(c.settleDelay, func() {
		c.settleNow()
		c.flushHost()
	})
}

func (c *Controller) settleNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status() != StatusReady {
		return
	}
	c.notifyLocked()
}

func (c *Controller) transition(next Status) {
	current := c.Status()
	if !current.CanTransition(next) {
		c.logger.Warn("invalid controller transition",
			observability.F("from", string(current)),
			observability.F("to", string(next)))
		return
	}
	c.status.Store(next)
}

// attached reports whether strategy calls can be made.
func (c *Controller) attached() bool {
	switch c.Status() {
	case StatusMounted, StatusReady:
		return true
	default:
		return false
	}
}

// guard runs fn against the strategy with the lock held, recovering panics, then delivers the
// host callbacks fn raised.
func (c *Controller) guard(op string, fn func(strategy.Strategy) error) error {
	err := c.guardLocked(op, fn)
	c.flushHost()
	return err
}

func (c *Controller) guardLocked(op string, fn func(strategy.Strategy) error) (err error) {
	if !c.attached() {
		return ErrNotReady
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.strat == nil {
		return ErrNotReady
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.StrategyRuntime(c.strategyName, op, fmt.Errorf("panic: %v", rec))
		}
		if err != nil {
			c.logger.Warn("strategy call failed",
				observability.F("strategy", c.strategyName),
				observability.F("operation", op),
				observability.Err(err))
		}
	}()
	return fn(c.strat)
}

// Response returns the strategy response as text. Raw strings pass through, raw JSON is returned
// verbatim and anything else is JSON encoded. It reports false when no response is available.
func (c *Controller) Response() (string, bool) {
	var raw any
	if err := c.guard("getResponse", func(s strategy.Strategy) error {
		var err error
		raw, err = s.Response()
		return err
	}); err != nil {
		return "", false
	}
	return normalizeResponse(raw)
}

func normalizeResponse(raw any) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case []byte:
		return string(v), true
	case json.RawMessage:
		return string(v), true
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

// State returns the strategy state, or nil.
func (c *Controller) State() any {
	var state any
	_ = c.guard("getState", func(s strategy.Strategy) error {
		var err error
		state, err = s.State()
		return err
	})
	return state
}

// SetState forwards state to the strategy; it is a no-op without one.
func (c *Controller) SetState(state any) {
	_ = c.guard("setState", func(s strategy.Strategy) error {
		return s.SetState(state)
	})
}

// CheckValidity is true unless an attached strategy reports otherwise.
func (c *Controller) CheckValidity() bool {
	valid := true
	_ = c.guard("checkValidity", func(s strategy.Strategy) error {
		if v, ok := s.(strategy.Validator); ok {
			valid = v.CheckValidity()
		}
		return nil
	})
	return valid
}

// CustomValidity returns the strategy's validity message, or "".
func (c *Controller) CustomValidity() string {
	var msg string
	_ = c.guard("getCustomValidity", func(s strategy.Strategy) error {
		if v, ok := s.(strategy.CustomValidator); ok {
			msg = v.CustomValidity()
		}
		return nil
	})
	return msg
}

// SetRenderingProperties forwards presentation hints when the strategy accepts them.
func (c *Controller) SetRenderingProperties(props map[string]any) {
	_ = c.guard("setRenderingProperties", func(s strategy.Strategy) error {
		if setter, ok := s.(strategy.RenderingPropertiesSetter); ok {
			setter.SetRenderingProperties(props)
		}
		return nil
	})
}

// Render re-renders the strategy in place when supported.
func (c *Controller) Render() error {
	return c.guard("render", func(s strategy.Strategy) error {
		if r, ok := s.(strategy.Renderer); ok {
			return r.Render()
		}
		return nil
	})
}

// Markup renders the mount element as HTML.
func (c *Controller) Markup() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mount == nil {
		return ""
	}
	return c.mount.OuterHTML()
}

// Dispose tears the strategy down and releases references. It cancels an initialization in
// flight, is idempotent and is safe before Initialize.
func (c *Controller) Dispose() {
	c.cancelMu.Lock()
	alreadyDisposing := c.disposing.Swap(true)
	cancel := c.cancel
	c.cancelMu.Unlock()
	if alreadyDisposing {
		return
	}
	if cancel != nil {
		cancel()
	}
	c.release()
	c.flushHost()
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	if c.strat != nil {
		c.disposeStrategy(c.strat)
		c.strat = nil
	}
	if c.opened {
		c.metrics.InstanceClosed()
		c.opened = false
	}
	c.status.Store(StatusDisposed)
	c.target = nil
	c.logger.Debug("interaction disposed", observability.F("strategy", c.strategyName))
}

func (c *Controller) disposeStrategy(s strategy.Strategy) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Warn("strategy dispose panicked",
				observability.F("strategy", c.strategyName),
				observability.F("panic", fmt.Sprint(rec)))
		}
	}()
	if err := s.Dispose(); err != nil {
		c.logger.Warn("strategy dispose failed",
			observability.F("strategy", c.strategyName),
			observability.Err(err))
	}
}

var _ interaction.Instance = (*Controller)(nil)
