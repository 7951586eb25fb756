// Package host binds the runtime to a hosting player: registration, instance creation and the
// handle surface the player drives.
package host

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/strategy-runtime/errs"
	"github.com/coachpo/strategy-runtime/internal/controller"
	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/telemetry"
)

// TypeIdentifier is the identifier the runtime registers under.
const TypeIdentifier = "strategy-runtime"

// Descriptor is what a runtime registers with a host.
type Descriptor interface {
	TypeIdentifier() string
	// GetInstance returns immediately; initialization continues in the background and the host's
	// OnReady callback fires once it finishes, successfully or not.
	GetInstance(mount *dom.Element, cfg *interaction.HostConfig, state any) *Instance
}

// InteractionContext is the registration surface a host exposes.
type InteractionContext interface {
	Register(Descriptor) error
}

// Options configure a Runtime.
type Options struct {
	Resolver    controller.ConfigResolver
	Loader      controller.ModuleLoader
	Notifier    controller.SizeNotifier
	Logger      observability.Logger
	Metrics     *telemetry.RuntimeMetrics
	InitTimeout time.Duration
	SettleDelay time.Duration
}

// Runtime creates instances and tracks their background initialization.
type Runtime struct {
	opts   Options
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu        sync.Mutex
	instances map[*Instance]struct{}
	closed    bool
}

// NewRuntime constructs a runtime.
func NewRuntime(opts Options) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		opts:      opts,
		logger:    observability.OrDefault(opts.Logger),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[*Instance]struct{}),
	}
}

// TypeIdentifier implements Descriptor.
func (r *Runtime) TypeIdentifier() string { return TypeIdentifier }

// Register registers the runtime with a host context.
func (r *Runtime) Register(ic InteractionContext) error {
	if ic == nil {
		return errs.New("host", errs.CodeInvalid, errs.WithMessage("interaction context required"))
	}
	return ic.Register(r)
}

// GetInstance implements Descriptor. The host config is copied; OnReady receives the returned
// Instance rather than the underlying controller.
func (r *Runtime) GetInstance(mount *dom.Element, cfg *interaction.HostConfig, state any) *Instance {
	inst := &Instance{runtime: r, ready: make(chan struct{})}

	hostCfg := interaction.HostConfig{}
	if cfg != nil {
		hostCfg = *cfg
	}
	onReady := hostCfg.OnReady
	hostCfg.OnReady = func(_ interaction.Instance, prior any) {
		if onReady != nil {
			onReady(inst, prior)
		}
	}

	inst.ctrl = controller.New(mount, &hostCfg, state, controller.Options{
		Resolver:    r.opts.Resolver,
		Loader:      r.opts.Loader,
		Notifier:    r.opts.Notifier,
		Logger:      r.logger,
		Metrics:     r.opts.Metrics,
		SettleDelay: r.opts.SettleDelay,
		InitTimeout: r.opts.InitTimeout,
	})

	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.instances[inst] = struct{}{}
	}
	r.mu.Unlock()
	if closed {
		inst.ctrl.Dispose()
	}

	r.wg.Go(func() {
		defer close(inst.ready)
		inst.err = inst.ctrl.Initialize(r.ctx)
	})
	return inst
}

func (r *Runtime) forget(inst *Instance) {
	r.mu.Lock()
	delete(r.instances, inst)
	r.mu.Unlock()
}

// Len reports the number of live instances.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Close disposes every live instance and waits for pending initializations.
func (r *Runtime) Close() {
	r.mu.Lock()
	r.closed = true
	live := make([]*Instance, 0, len(r.instances))
	for inst := range r.instances {
		live = append(live, inst)
	}
	r.mu.Unlock()

	r.cancel()
	for _, inst := range live {
		inst.OnCompleted()
	}
	r.wg.Wait()
	r.logger.Debug("runtime closed", observability.F("instances", len(live)))
}

// Instance is the handle a host drives. It is safe for concurrent use.
type Instance struct {
	runtime *Runtime
	ctrl    *controller.Controller
	ready   chan struct{}
	err     error
	once    sync.Once
}

// Ready is closed once initialization finished.
func (i *Instance) Ready() <-chan struct{} { return i.ready }

// Wait blocks until initialization finished or ctx ends and returns the initialization error.
func (i *Instance) Wait(ctx context.Context) error {
	select {
	case <-i.ready:
		return i.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the initialization error once Ready is closed.
func (i *Instance) Err() error {
	select {
	case <-i.ready:
		return i.err
	default:
		return nil
	}
}

// Controller exposes the underlying controller.
func (i *Instance) Controller() *controller.Controller { return i.ctrl }

// Status reports the controller status.
func (i *Instance) Status() controller.Status { return i.ctrl.Status() }

func (i *Instance) Response() (string, bool) { return i.ctrl.Response() }
func (i *Instance) State() any { return i.ctrl.State() }
func (i *Instance) SetState(state any) { i.ctrl.SetState(state) }
func (i *Instance) CheckValidity() bool { return i.ctrl.CheckValidity() }
func (i *Instance) CustomValidity() string { return i.ctrl.CustomValidity() }
func (i *Instance) SetRenderingProperties(p map[string]any) { i.ctrl.SetRenderingProperties(p) }
func (i *Instance) Dispatch(evt controller.UserEvent) error { return i.ctrl.Dispatch(evt) }
func (i *Instance) Markup() string { return i.ctrl.Markup() }

// OnCompleted is the host's disposal hook. It is idempotent.
func (i *Instance) OnCompleted() {
	i.once.Do(func() {
		i.ctrl.Dispose()
		i.runtime.forget(i)
	})
}

// Dispose is an alias of OnCompleted.
func (i *Instance) Dispose() { i.OnCompleted() }

// Context is an in-memory registration context keyed by type identifier.
type Context struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewContext returns an empty registration context.
func NewContext() *Context {
	return &Context{descriptors: make(map[string]Descriptor)}
}

// Register implements InteractionContext. Identifiers are unique.
func (c *Context) Register(d Descriptor) error {
	if d == nil {
		return errs.New("host", errs.CodeInvalid, errs.WithMessage("descriptor required"))
	}
	id := strings.TrimSpace(d.TypeIdentifier())
	if id == "" {
		return errs.New("host", errs.CodeInvalid, errs.WithMessage("type identifier required"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.descriptors[id]; exists {
		return errs.New("host", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("type %q already registered", id)),
			errs.WithField("type_identifier", id))
	}
	c.descriptors[id] = d
	return nil
}

// Lookup returns the descriptor registered under id.
func (c *Context) Lookup(id string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descriptors[strings.TrimSpace(id)]
	return d, ok
}

// Types returns the registered identifiers in sorted order.
func (c *Context) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.descriptors))
	for id := range c.descriptors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var (
	_ Descriptor           = (*Runtime)(nil)
	_ InteractionContext   = (*Context)(nil)
	_ interaction.Instance = (*Instance)(nil)
)
