package js

import (
	"strings"

	"github.com/dop251/goja"

	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/observability"
)

// bridge exposes DOM elements to scripts. It must only be used on the instance goroutine.
type bridge struct {
	instance *Instance
	rt       *goja.Runtime
	logger   observability.Logger
	removers []func()
}

func (b *bridge) detach() {
	for _, remove := range b.removers {
		remove()
	}
	b.removers = nil
}

func (b *bridge) wrap(el *dom.Element) goja.Value {
	if el == nil {
		return goja.Null()
	}
	rt := b.rt
	obj := rt.NewObject()
	str := func(call goja.FunctionCall, idx int) string {
		arg := call.Argument(idx)
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			return ""
		}
		return arg.String()
	}
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = obj.Set(name, fn)
	}
	undefined := goja.Undefined()

	set("tag", func(goja.FunctionCall) goja.Value { return rt.ToValue(el.Tag()) })
	set("getAttribute", func(call goja.FunctionCall) goja.Value {
		key := str(call, 0)
		if !el.HasAttribute(key) {
			return goja.Null()
		}
		return rt.ToValue(el.GetAttribute(key))
	})
	set("setAttribute", func(call goja.FunctionCall) goja.Value {
		el.SetAttribute(str(call, 0), str(call, 1))
		return undefined
	})
	set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		el.RemoveAttribute(str(call, 0))
		return undefined
	})
	set("text", func(goja.FunctionCall) goja.Value { return rt.ToValue(el.TextContent()) })
	set("setText", func(call goja.FunctionCall) goja.Value {
		el.SetTextContent(str(call, 0))
		return undefined
	})
	set("html", func(goja.FunctionCall) goja.Value { return rt.ToValue(el.InnerHTML()) })
	set("setHTML", func(call goja.FunctionCall) goja.Value {
		if err := el.SetInnerHTML(str(call, 0)); err != nil {
			panic(rt.NewGoError(err))
		}
		return undefined
	})
	set("addClass", func(call goja.FunctionCall) goja.Value {
		el.AddClass(argStrings(call)...)
		return undefined
	})
	set("removeClass", func(call goja.FunctionCall) goja.Value {
		el.RemoveClass(argStrings(call)...)
		return undefined
	})
	set("hasClass", func(call goja.FunctionCall) goja.Value { return rt.ToValue(el.HasClass(str(call, 0))) })
	set("setStyle", func(call goja.FunctionCall) goja.Value {
		el.SetStyle(str(call, 0), str(call, 1))
		return undefined
	})
	set("querySelector", func(call goja.FunctionCall) goja.Value {
		return b.wrap(el.QuerySelector(str(call, 0)))
	})
	set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		matches := el.QuerySelectorAll(str(call, 0))
		out := make([]any, 0, len(matches))
		for _, m := range matches {
			out = append(out, b.wrap(m))
		}
		return rt.NewArray(out...)
	})
	set("value", func(goja.FunctionCall) goja.Value { return rt.ToValue(el.Value()) })
	set("setValue", func(call goja.FunctionCall) goja.Value {
		el.SetValue(str(call, 0))
		return undefined
	})
	set("checked", func(goja.FunctionCall) goja.Value { return rt.ToValue(el.Checked()) })
	set("setChecked", func(call goja.FunctionCall) goja.Value {
		el.SetChecked(call.Argument(0).ToBoolean())
		return undefined
	})
	set("on", func(call goja.FunctionCall) goja.Value {
		typ := strings.TrimSpace(str(call, 0))
		handler, ok := goja.AssertFunction(call.Argument(1))
		if typ == "" || !ok {
			panic(rt.NewTypeError("on(type, handler) requires an event type and a function"))
		}
		remove := el.AddEventListener(typ, b.listener(typ, handler))
		b.removers = append(b.removers, remove)
		return rt.ToValue(func(goja.FunctionCall) goja.Value {
			remove()
			return undefined
		})
	})
	set("dispatch", func(call goja.FunctionCall) goja.Value {
		evt := dom.NewEvent(str(call, 0), dom.EventInit{Bubbles: true, Cancelable: true, Detail: call.Argument(1).Export()})
		return rt.ToValue(el.DispatchEvent(evt))
	})
	return obj
}

// listener adapts a JS handler to a DOM listener. DOM dispatch may happen on any goroutine, so the
// handler is routed through the instance.
func (b *bridge) listener(typ string, handler goja.Callable) dom.Listener {
	return func(evt *dom.Event) {
		_, err := b.instance.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
			return handler(goja.Undefined(), b.event(evt))
		})
		if err != nil {
			b.logger.Warn("js strategy listener failed",
				observability.F("event", typ),
				observability.Err(err))
		}
	}
}

func (b *bridge) event(evt *dom.Event) goja.Value {
	rt := b.rt
	obj := rt.NewObject()
	_ = obj.Set("type", evt.Type)
	_ = obj.Set("target", b.wrap(evt.Target()))
	_ = obj.Set("currentTarget", b.wrap(evt.CurrentTarget()))
	detail, err := toJS(rt, evt.Detail)
	if err != nil {
		detail = goja.Undefined()
	}
	_ = obj.Set("detail", detail)
	_ = obj.Set("preventDefault", func(goja.FunctionCall) goja.Value {
		evt.PreventDefault()
		return goja.Undefined()
	})
	_ = obj.Set("stopPropagation", func(goja.FunctionCall) goja.Value {
		evt.StopPropagation()
		return goja.Undefined()
	})
	_ = obj.Set("defaultPrevented", func(goja.FunctionCall) goja.Value {
		return rt.ToValue(evt.DefaultPrevented())
	})
	return obj
}

func argStrings(call goja.FunctionCall) []string {
	out := make([]string, 0, len(call.Arguments))
	for _, arg := range call.Arguments {
		if s := strings.TrimSpace(arg.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}
