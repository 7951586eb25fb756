package interaction

// Property keys with runtime meaning.
const (
	PropertyStrategy   = "strategy"
	PropertyConfigHref = "configHref"
)

// HostConfig is the capability bundle a host supplies per instance. The runtime never mutates it.
//
// OnCheck and OnContentResize are delivered after the instance releases its strategy lock, so
// they may call back into the same instance.
type HostConfig struct {
	// Properties are the string attributes the host declared on the interaction.
	Properties map[string]string
	// PrimaryConfiguration, when set, is used without further resolution.
	PrimaryConfiguration *Spec
	ResponseIdentifier   string

	// OnReady is called exactly once per instance, on success and on failure.
	OnReady func(instance Instance, state any)
	// OnCheck receives the result of a learner-triggered answer check.
	OnCheck func(correct bool)
	// OnContentResize receives the buffered content dimensions.
	OnContentResize func(width, height float64)
}

// Property returns a property value, or "" when absent.
func (c *HostConfig) Property(key string) string {
	if c == nil || c.Properties == nil {
		return ""
	}
	return c.Properties[key]
}

// Instance is the handle surface a host drives once an interaction is ready.
type Instance interface {
	Response() (string, bool)
	State() any
	SetState(state any)
	CheckValidity() bool
	CustomValidity() string
	SetRenderingProperties(props map[string]any)
	Dispose()
}
