package js

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/coachpo/strategy-runtime/internal/observability"
)

// Instance is an isolated goja runtime pinned to one goroutine.
//
// Calls made while a callback is already running on the instance goroutine (a JS handler that
// triggers a Go listener that calls back into JS) run inline. Callers serialise access to the
// instance from other goroutines; the controller's lock provides that.
type Instance struct {
	name    string
	rt      *goja.Runtime
	exports *goja.Object
	queue   chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	running atomic.Bool
}

// NewInstance evaluates module in a fresh runtime and starts its goroutine.
func NewInstance(module *Module, logger observability.Logger) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("strategy instance: module required")
	}
	rt := goja.New()
	exports, err := runModule(rt, module.program, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy instance: execute %s: %w", module.path, err)
	}
	instance := &Instance{
		name:    module.id,
		rt:      rt,
		exports: exports,
		queue:   make(chan func()),
	}
	instance.wg.Add(1)
	go instance.loop()
	return instance, nil
}

func (i *Instance) loop() {
	defer i.wg.Done()
	for cb := range i.queue {
		i.running.Store(true)
		cb()
		i.running.Store(false)
	}
}

// Execute runs fn on the instance goroutine and waits for its result. Panics inside fn are
// returned as errors.
func (i *Instance) Execute(fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (goja.Value, error) {
	if i == nil {
		return nil, fmt.Errorf("strategy instance: nil receiver")
	}
	if fn == nil {
		return nil, fmt.Errorf("strategy instance: callback required")
	}
	if i.running.Load() {
		return i.run(fn)
	}

	wait := make(chan result, 1)
	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, ErrClosed
	}
	i.queue <- func() {
		val, err := i.run(fn)
		wait <- result{value: val, err: err}
	}
	i.mu.RUnlock()

	outcome := <-wait
	return outcome.value, outcome.err
}

func (i *Instance) run(fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (val goja.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			val, err = nil, fmt.Errorf("strategy instance %s: panic: %v", i.name, rec)
		}
	}()
	return fn(i.rt, i.exports)
}

// Call invokes the named export with args on the instance goroutine.
func (i *Instance) Call(function string, args ...any) (goja.Value, error) {
	name := strings.TrimSpace(function)
	if name == "" {
		return nil, fmt.Errorf("strategy instance: function name required")
	}
	return i.Execute(func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		return invoke(rt, exports, goja.Undefined(), name, args)
	})
}

// CallMethod invokes method on target with args on the instance goroutine.
func (i *Instance) CallMethod(target *goja.Object, method string, args ...any) (goja.Value, error) {
	if target == nil {
		return nil, fmt.Errorf("strategy instance: target required")
	}
	name := strings.TrimSpace(method)
	if name == "" {
		return nil, fmt.Errorf("strategy instance: method name required")
	}
	return i.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		return invoke(rt, target, target, name, args)
	})
}

// Export runs fn on the instance goroutine and exports its result to a Go value.
func (i *Instance) Export(fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (any, error) {
	var out any
	_, err := i.Execute(func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		val, err := fn(rt, exports)
		if err != nil {
			return nil, err
		}
		if val != nil {
			out = val.Export()
		}
		return val, nil
	})
	return out, err
}

// Interrupt aborts the JS currently running. It is safe to call from any goroutine.
func (i *Instance) Interrupt(reason any) {
	if i == nil {
		return
	}
	i.rt.Interrupt(reason)
}

// ClearInterrupt makes the runtime usable again after Interrupt.
func (i *Instance) ClearInterrupt() {
	if i == nil {
		return
	}
	i.rt.ClearInterrupt()
}

// Close stops the instance goroutine.
func (i *Instance) Close() {
	if i == nil {
		return
	}
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.queue)
		i.mu.Unlock()
		i.wg.Wait()
	})
}

type result struct {
	value goja.Value
	err   error
}

// jsonArg marks an argument handed to JS as a plain JSON value instead of a wrapped Go value.
type jsonArg struct{ v any }

func invoke(rt *goja.Runtime, holder *goja.Object, this goja.Value, name string, args []any) (goja.Value, error) {
	value := holder.Get(name)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, ErrFunctionMissing
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("strategy instance: %q not callable", name)
	}
	params := make([]goja.Value, len(args))
	for idx, arg := range args {
		converted, err := toValue(rt, arg)
		if err != nil {
			return nil, err
		}
		params[idx] = converted
	}
	return callable(this, params...)
}

func toValue(rt *goja.Runtime, arg any) (goja.Value, error) {
	if typed, ok := arg.(jsonArg); ok {
		return toJS(rt, typed.v)
	}
	return rt.ToValue(arg), nil
}

// toJS converts v to native JS values through JSON so scripts see ordinary objects and arrays.
func toJS(rt *goja.Runtime, v any) (goja.Value, error) {
	if v == nil {
		return goja.Null(), nil
	}
	var raw []byte
	switch typed := v.(type) {
	case []byte:
		raw = typed
	case json.RawMessage:
		raw = typed
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("strategy instance: encode argument: %w", err)
		}
		raw = encoded
	}
	parse, ok := goja.AssertFunction(rt.Get("JSON").ToObject(rt).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("strategy instance: JSON.parse unavailable")
	}
	return parse(goja.Undefined(), rt.ToValue(string(raw)))
}
