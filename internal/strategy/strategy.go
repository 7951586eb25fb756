// Package strategy defines the capability set a pluggable interaction implementation provides.
package strategy

import (
	"context"
	"errors"
	"strings"

	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/observability"
)

// ErrModuleNotFound reports that a source has no module for the requested identifier.
var ErrModuleNotFound = errors.New("strategy module not found")

// Strategy is the mandatory lifecycle of a strategy instance.
type Strategy interface {
	// Mount renders into the context's mount element and attaches listeners.
	Mount(ctx context.Context) error
	Response() (any, error)
	State() (any, error)
	SetState(state any) error
	Dispose() error
}

// Renderer is implemented by strategies that support re-rendering in place.
type Renderer interface {
	Render() error
}

// Validator is implemented by strategies with validity requirements.
type Validator interface {
	CheckValidity() bool
}

// CustomValidator provides a learner-facing validity message.
type CustomValidator interface {
	CustomValidity() string
}

// RenderingPropertiesSetter accepts presentation hints from the host.
type RenderingPropertiesSetter interface {
	SetRenderingProperties(props map[string]any)
}

// AnswerChecker scores the current selection.
type AnswerChecker interface {
	CheckAnswer() bool
}

// FeedbackRenderer renders the check result inside the mount.
type FeedbackRenderer interface {
	ShowFeedback() bool
}

// Context is built once per controller and handed unmodified to the factory.
type Context struct {
	// Mount is the element the strategy renders into.
	Mount      *dom.Element
	Host       *interaction.HostConfig
	Spec       interaction.Spec
	PriorState any
	// Notify re-measures the mount and propagates the content size. It is safe to call from
	// any strategy method or listener.
	Notify func()
	Logger observability.Logger
}

// NotifyResize calls Notify when set.
func (c Context) NotifyResize() {
	if c.Notify != nil {
		c.Notify()
	}
}

// Log returns the context logger or the process logger.
func (c Context) Log() observability.Logger {
	return observability.OrDefault(c.Logger)
}

// ResponseIdentifier returns the host response identifier.
func (c Context) ResponseIdentifier() string {
	if c.Host == nil {
		return ""
	}
	return c.Host.ResponseIdentifier
}

// Factory creates a strategy instance from a context.
type Factory func(Context) (Strategy, error)

// Module is a loaded strategy implementation identified by name.
type Module interface {
	Name() string
	Create(Context) (Strategy, error)
}

type funcModule struct {
	name    string
	factory Factory
}

// NewModule wraps a factory as a Module.
func NewModule(name string, factory Factory) Module {
	return &funcModule{name: NormalizeName(name), factory: factory}
}

func (m *funcModule) Name() string { return m.name }

func (m *funcModule) Create(sctx Context) (Strategy, error) {
	return m.factory(sctx)
}

// NormalizeName returns the canonical form of a strategy name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
