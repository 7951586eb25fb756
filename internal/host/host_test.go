package host

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/strategy-runtime/errs"
	"github.com/coachpo/strategy-runtime/internal/controller"
	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/registry"
	"github.com/coachpo/strategy-runtime/internal/resize"
	"github.com/coachpo/strategy-runtime/internal/resolver"
	"github.com/coachpo/strategy-runtime/internal/strategy/mcq"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	res, err := resolver.New(resolver.Options{})
	require.NoError(t, err)
	naming := registry.DefaultNaming()
	reg := registry.New(registry.Options{
		Naming:  naming,
		Sources: []registry.Source{registry.NewBuiltinSource(naming, mcq.Module())},
	})
	return NewRuntime(Options{
		Resolver:    res,
		Loader:      reg,
		Notifier:    resize.NewNotifier(resize.Options{Buffer: resize.DefaultBuffer}),
		SettleDelay: -1,
	})
}

func newMount(t *testing.T, inner string) *dom.Element {
	t.Helper()
	doc := dom.NewDocument()
	require.NoError(t, doc.Body().SetInnerHTML(`<div id="pci"><div class="qti-interaction-markup"></div>`+inner+`</div>`))
	return doc.GetElementByID("pci")
}

func TestRegisterWithContext(t *testing.T) {
	rt := newRuntime(t)
	defer rt.Close()
	ic := NewContext()

	require.NoError(t, rt.Register(ic))
	assert.Equal(t, []string{TypeIdentifier}, ic.Types())
	d, ok := ic.Lookup(" strategy-runtime ")
	require.True(t, ok)
	assert.Same(t, rt, d)

	err := rt.Register(ic)
	assert.True(t, errs.HasCode(err, errs.CodeInvalid), "duplicate registration")
	assert.True(t, errs.HasCode(rt.Register(nil), errs.CodeInvalid))
	assert.True(t, errs.HasCode(ic.Register(nil), errs.CodeInvalid))
}

func TestGetInstanceInitializesAsynchronously(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	rt := newRuntime(t)
	defer rt.Close()

	inline := `<script type="application/json">{"version":"1","strategy":"mcq","props":{"choices":[{"id":"a","text":"A"},{"id":"b","text":"B"}],"correct":["b"]}}</script>`
	readyWith := make(chan interaction.Instance, 1)
	cfg := &interaction.HostConfig{
		ResponseIdentifier: "RESPONSE",
		OnReady: func(inst interaction.Instance, _ any) {
			readyWith <- inst
		},
	}
	inst := rt.GetInstance(newMount(t, inline), cfg, map[string]any{"selectedChoices": []any{"b"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inst.Wait(ctx))
	assert.Same(t, inst, <-readyWith, "host sees the returned handle")
	assert.Equal(t, controller.StatusReady, inst.Status())
	assert.Equal(t, 1, rt.Len())

	resp, ok := inst.Response()
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"single","choice":"b"}`, resp)
	assert.NotNil(t, cfg.OnReady, "caller config is not mutated")

	require.NoError(t, inst.Dispatch(controller.UserEvent{Selector: "#choice-a", Type: "click"}))
	assert.Equal(t, mcq.State{SelectedChoices: []string{"a"}}, inst.State())

	inst.OnCompleted()
	inst.OnCompleted()
	assert.Equal(t, controller.StatusDisposed, inst.Status())
	assert.Zero(t, rt.Len())
	assert.True(t, inst.CheckValidity(), "disposed instances are permissive")
}

func TestGetInstanceFailureStillReportsReady(t *testing.T) {
	rt := newRuntime(t)
	defer rt.Close()

	var readyCalls atomic.Int32
	cfg := &interaction.HostConfig{
		PrimaryConfiguration: &interaction.Spec{Strategy: "does-not-exist"},
		OnReady:              func(interaction.Instance, any) { readyCalls.Add(1) },
	}
	inst := rt.GetInstance(newMount(t, ""), cfg, nil)
	<-inst.Ready()

	assert.True(t, errs.HasCode(inst.Err(), errs.CodeStrategyLoad))
	assert.Equal(t, int32(1), readyCalls.Load())
	assert.Equal(t, controller.StatusError, inst.Status())
	resp, ok := inst.Response()
	assert.False(t, ok)
	assert.Empty(t, resp)
	assert.True(t, inst.CheckValidity())
}

func TestCloseDisposesLiveInstances(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	rt := newRuntime(t)

	cfg := &interaction.HostConfig{PrimaryConfiguration: &interaction.Spec{
		Strategy: "mcq",
		Props:    map[string]any{"choices": []any{map[string]any{"id": "x"}}},
	}}
	first := rt.GetInstance(newMount(t, ""), cfg, nil)
	second := rt.GetInstance(newMount(t, ""), cfg, nil)
	rt.Close()

	assert.Equal(t, controller.StatusDisposed, first.Status())
	assert.Equal(t, controller.StatusDisposed, second.Status())
	assert.Zero(t, rt.Len())

	var readyCalls atomic.Int32
	late := rt.GetInstance(newMount(t, ""), &interaction.HostConfig{
		OnReady: func(interaction.Instance, any) { readyCalls.Add(1) },
	}, nil)
	<-late.Ready()
	assert.ErrorIs(t, late.Err(), controller.ErrDisposed)
	assert.Equal(t, int32(1), readyCalls.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	inst := &Instance{ready: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, inst.Wait(ctx), context.Canceled)
	assert.NoError(t, inst.Err())
}
