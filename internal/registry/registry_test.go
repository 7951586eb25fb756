package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachpo/strategy-runtime/errs"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/strategy"
)

type countingSource struct {
	calls   atomic.Int32
	gate    chan struct{}
	modules map[string]strategy.Module
	err     error
}

func (s *countingSource) Lookup(ctx context.Context, moduleID string) (strategy.Module, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if m, ok := s.modules[moduleID]; ok {
		return m, nil
	}
	return nil, strategy.ErrModuleNotFound
}

func stubModule(name string) strategy.Module {
	return strategy.NewModule(name, func(strategy.Context) (strategy.Strategy, error) {
		return nil, errors.New("not used")
	})
}

func observedLogger() (observability.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return observability.NewZapLogger(zap.New(core)), logs
}

func TestNamingModuleID(t *testing.T) {
	assert.Equal(t, "strategy-mcq", DefaultNaming().ModuleID("  MCQ "))
	assert.Equal(t, "pci/mcq", Naming{Prefix: "pci/"}.ModuleID("mcq"))
}

func TestNamingName(t *testing.T) {
	name, ok := DefaultNaming().Name("strategy-MCQ")
	assert.True(t, ok)
	assert.Equal(t, "mcq", name)

	_, ok = DefaultNaming().Name("mcq")
	assert.False(t, ok)
	_, ok = DefaultNaming().Name("strategy-")
	assert.False(t, ok)

	name, ok = Naming{}.Name("text-entry")
	assert.True(t, ok)
	assert.Equal(t, "text-entry", name)
}

func TestLoadServesSecondCallFromCache(t *testing.T) {
	logger, logs := observedLogger()
	src := &countingSource{modules: map[string]strategy.Module{"strategy-mcq": stubModule("mcq")}}
	reg := New(Options{Naming: DefaultNaming(), Sources: []Source{src}, Logger: logger})

	first, err := reg.Load(context.Background(), "mcq")
	require.NoError(t, err)
	second, err := reg.Load(context.Background(), " MCQ")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 1, logs.FilterMessage("strategy loaded").Len())
	assert.Equal(t, []string{"mcq"}, reg.Cached())
}

func TestConcurrentMissesShareOneResolution(t *testing.T) {
	src := &countingSource{
		gate:    make(chan struct{}),
		modules: map[string]strategy.Module{"strategy-mcq": stubModule("mcq")},
	}
	reg := New(Options{Naming: DefaultNaming(), Sources: []Source{src}})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]strategy.Module, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := reg.Load(context.Background(), "mcq")
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, m := range results {
		assert.Same(t, results[0], m)
	}
}

func TestSourcesQueriedInOrder(t *testing.T) {
	builtin := NewBuiltinSource(DefaultNaming(), stubModule("mcq"))
	fallback := &countingSource{modules: map[string]strategy.Module{
		"strategy-mcq":        stubModule("shadowed"),
		"strategy-text-entry": stubModule("text-entry"),
	}}
	reg := New(Options{Naming: DefaultNaming(), Sources: []Source{builtin, fallback}})

	m, err := reg.Load(context.Background(), "mcq")
	require.NoError(t, err)
	assert.Equal(t, "mcq", m.Name())
	assert.Zero(t, fallback.calls.Load())

	m, err = reg.Load(context.Background(), "text-entry")
	require.NoError(t, err)
	assert.Equal(t, "text-entry", m.Name())
}

func TestUnknownStrategyIsLoadError(t *testing.T) {
	reg := New(Options{Naming: DefaultNaming(), Sources: []Source{NewBuiltinSource(DefaultNaming())}})
	_, err := reg.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeStrategyLoad))
	assert.ErrorIs(t, err, strategy.ErrModuleNotFound)
	assert.Empty(t, reg.Cached())

	_, err = reg.Load(context.Background(), "  ")
	assert.True(t, errs.HasCode(err, errs.CodeStrategyLoad))
}

func TestSourceFailureIsNotCached(t *testing.T) {
	src := &countingSource{err: errors.New("compile error")}
	reg := New(Options{Naming: DefaultNaming(), Sources: []Source{src}})
	_, err := reg.Load(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeStrategyLoad))
	_, _ = reg.Load(context.Background(), "broken")
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestLoadHonoursContext(t *testing.T) {
	src := &countingSource{gate: make(chan struct{})}
	t.Cleanup(func() { close(src.gate) })
	reg := New(Options{Naming: DefaultNaming(), Sources: []Source{src}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := reg.Load(ctx, "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPreloadAndAvailable(t *testing.T) {
	builtin := NewBuiltinSource(DefaultNaming(), stubModule("mcq"), stubModule("text-entry"))
	reg := New(Options{Naming: DefaultNaming(), Sources: []Source{builtin}})

	require.NoError(t, reg.Preload(context.Background(), "mcq", "text-entry"))
	assert.Equal(t, []string{"mcq", "text-entry"}, reg.Cached())
	assert.Equal(t, []string{"mcq", "text-entry"}, reg.Available())

	err := reg.Preload(context.Background(), "mcq", "missing")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeStrategyLoad))
}
