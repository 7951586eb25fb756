package js

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/strategy"
)

// Strategy adapts the object returned by a module's create(ctx) to strategy.Strategy. Handler
// methods that a script does not define fall back to the controller defaults.
type Strategy struct {
	module   *Module
	instance *Instance
	handler  *goja.Object
	bridge   *bridge
	logger   observability.Logger
}

// NewStrategy starts a runtime for module and calls create(ctx) with the bridged context.
func NewStrategy(module *Module, sctx strategy.Context) (*Strategy, error) {
	if module == nil {
		return nil, fmt.Errorf("js strategy: module required")
	}
	if sctx.Mount == nil {
		return nil, fmt.Errorf("js strategy %s: mount element required", module.name)
	}
	logger := sctx.Log()
	instance, err := NewInstance(module, logger)
	if err != nil {
		return nil, err
	}
	s := &Strategy{
		module:   module,
		instance: instance,
		bridge:   &bridge{instance: instance, rt: instance.rt, logger: logger},
		logger:   logger,
	}

	value, err := instance.Execute(func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		ctx, err := s.context(rt, sctx)
		if err != nil {
			return nil, err
		}
		created, err := invoke(rt, exports, goja.Undefined(), "create", []any{ctx})
		if err != nil {
			return nil, err
		}
		if created == nil || goja.IsUndefined(created) || goja.IsNull(created) {
			return nil, fmt.Errorf("create returned %v", created)
		}
		return created.ToObject(rt), nil
	})
	if err != nil {
		instance.Close()
		return nil, fmt.Errorf("js strategy %s: create failed: %w", module.name, err)
	}
	handler, ok := value.(*goja.Object)
	if !ok {
		instance.Close()
		return nil, fmt.Errorf("js strategy %s: create result not object", module.name)
	}
	s.handler = handler
	return s, nil
}

func (s *Strategy) context(rt *goja.Runtime, sctx strategy.Context) (*goja.Object, error) {
	ctx := rt.NewObject()
	spec, err := toJS(rt, sctx.Spec)
	if err != nil {
		return nil, err
	}
	state, err := toJS(rt, sctx.PriorState)
	if err != nil {
		return nil, err
	}
	var properties map[string]string
	if sctx.Host != nil {
		properties = sctx.Host.Properties
	}
	config, err := toJS(rt, map[string]any{
		"properties":         properties,
		"responseIdentifier": sctx.ResponseIdentifier(),
	})
	if err != nil {
		return nil, err
	}
	_ = ctx.Set("spec", spec)
	_ = ctx.Set("state", state)
	_ = ctx.Set("config", config)
	_ = ctx.Set("dom", s.bridge.wrap(sctx.Mount))
	_ = ctx.Set("notifyResize", func(goja.FunctionCall) goja.Value {
		sctx.NotifyResize()
		return goja.Undefined()
	})
	_ = ctx.Set("log", func(call goja.FunctionCall) goja.Value {
		s.logger.Info("js strategy log",
			observability.F("strategy", s.module.name),
			observability.F("message", joinArgs(call.Arguments)))
		return goja.Undefined()
	})
	_ = ctx.Set("check", func(call goja.FunctionCall) goja.Value {
		if sctx.Host != nil && sctx.Host.OnCheck != nil {
			sctx.Host.OnCheck(call.Argument(0).ToBoolean())
		}
		return goja.Undefined()
	})
	return ctx, nil
}

// Module returns the module the strategy was created from.
func (s *Strategy) Module() *Module { return s.module }

// Mount calls the handler's mount. Cancelling ctx interrupts a running script.
func (s *Strategy) Mount(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.instance.Interrupt(ctx.Err())
	})
	_, err := s.instance.CallMethod(s.handler, "mount")
	if !stop() {
		s.instance.ClearInterrupt()
	}
	if err != nil && !errors.Is(err, ErrFunctionMissing) {
		return s.wrapErr("mount", err)
	}
	return nil
}

// Render calls the handler's render, if any.
func (s *Strategy) Render() error {
	_, err := s.instance.CallMethod(s.handler, "render")
	if err != nil && !errors.Is(err, ErrFunctionMissing) {
		return s.wrapErr("render", err)
	}
	return nil
}

// Response returns getResponse() exported to Go values, or nil.
func (s *Strategy) Response() (any, error) {
	return s.export("getResponse")
}

// State returns getState() exported to Go values, or nil.
func (s *Strategy) State() (any, error) {
	return s.export("getState")
}

// SetState hands state to setState as a plain JS value.
func (s *Strategy) SetState(state any) error {
	var generic any
	if state != nil {
		if err := interaction.DecodeState(state, &generic); err != nil {
			return s.wrapErr("setState", err)
		}
	}
	_, err := s.instance.CallMethod(s.handler, "setState", jsonArg{v: generic})
	if err != nil && !errors.Is(err, ErrFunctionMissing) {
		return s.wrapErr("setState", err)
	}
	return nil
}

// CheckValidity returns checkValidity(), true when undefined or failing.
func (s *Strategy) CheckValidity() bool {
	out, err := s.export("checkValidity")
	if err != nil {
		s.logger.Warn("js strategy checkValidity failed", observability.Err(err))
		return true
	}
	if out == nil {
		return true
	}
	valid, ok := out.(bool)
	return !ok || valid
}

// CustomValidity returns getCustomValidity(), "" when undefined.
func (s *Strategy) CustomValidity() string {
	out, err := s.export("getCustomValidity")
	if err != nil || out == nil {
		return ""
	}
	if msg, ok := out.(string); ok {
		return msg
	}
	return fmt.Sprint(out)
}

// SetRenderingProperties forwards props to setRenderingProperties when defined.
func (s *Strategy) SetRenderingProperties(props map[string]any) {
	_, err := s.instance.CallMethod(s.handler, "setRenderingProperties", jsonArg{v: props})
	if err != nil && !errors.Is(err, ErrFunctionMissing) {
		s.logger.Warn("js strategy setRenderingProperties failed", observability.Err(err))
	}
}

// Dispose calls the handler's dispose, detaches bridged listeners and stops the runtime.
func (s *Strategy) Dispose() error {
	_, err := s.instance.CallMethod(s.handler, "dispose")
	if _, detachErr := s.instance.Execute(func(*goja.Runtime, *goja.Object) (goja.Value, error) {
		s.bridge.detach()
		return nil, nil
	}); detachErr != nil && !errors.Is(detachErr, ErrClosed) {
		s.logger.Warn("js strategy detach failed", observability.Err(detachErr))
	}
	s.instance.Close()
	if err != nil && !errors.Is(err, ErrFunctionMissing) && !errors.Is(err, ErrClosed) {
		return s.wrapErr("dispose", err)
	}
	return nil
}

func (s *Strategy) export(method string) (any, error) {
	out, err := s.instance.Export(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		return invoke(rt, s.handler, s.handler, method, nil)
	})
	if errors.Is(err, ErrFunctionMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrapErr(method, err)
	}
	return out, nil
}

func (s *Strategy) wrapErr(method string, err error) error {
	return fmt.Errorf("js strategy %s.%s: %w", s.module.name, method, err)
}

var (
	_ strategy.Strategy                  = (*Strategy)(nil)
	_ strategy.Renderer                  = (*Strategy)(nil)
	_ strategy.Validator                 = (*Strategy)(nil)
	_ strategy.CustomValidator           = (*Strategy)(nil)
	_ strategy.RenderingPropertiesSetter = (*Strategy)(nil)
	_ strategy.Module                    = (*Module)(nil)
)
