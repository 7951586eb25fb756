// Package interaction defines the values exchanged between a host player and the runtime:
// the resolved interaction spec, the host configuration bundle and the instance handle.
package interaction

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Spec is the resolved configuration of one interaction. It is immutable once resolved.
type Spec struct {
	Version  string         `json:"version,omitempty"`
	Strategy string         `json:"strategy"`
	Props    map[string]any `json:"props,omitempty"`
	UI       map[string]any `json:"ui,omitempty"`
}

// Usable reports whether the spec names a strategy.
func (s *Spec) Usable() bool {
	return s != nil && strings.TrimSpace(s.Strategy) != ""
}

// Clone returns a deep copy of the spec.
func (s Spec) Clone() Spec {
	return Spec{
		Version:  s.Version,
		Strategy: s.Strategy,
		Props:    cloneMap(s.Props),
		UI:       cloneMap(s.UI),
	}
}

// Prop returns a props entry.
func (s Spec) Prop(key string) (any, bool) {
	v, ok := s.Props[key]
	return v, ok
}

// UIFlag reports whether a ui entry is the boolean true.
func (s Spec) UIFlag(key string) bool {
	v, ok := s.UI[key].(bool)
	return ok && v
}

// DecodeSpec parses a JSON document into a Spec. The payload must be a JSON object.
func DecodeSpec(raw []byte) (Spec, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Spec{}, fmt.Errorf("interaction spec: payload is not a JSON object")
	}
	var spec Spec
	if err := json.Unmarshal(trimmed, &spec); err != nil {
		return Spec{}, fmt.Errorf("interaction spec: decode: %w", err)
	}
	return spec, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}
