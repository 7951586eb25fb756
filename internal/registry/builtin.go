package registry

import (
	"context"
	"sort"

	"github.com/coachpo/strategy-runtime/internal/strategy"
)

// BuiltinSource serves modules compiled into the binary.
type BuiltinSource struct {
	modules map[string]strategy.Module
}

// NewBuiltinSource indexes modules by the identifier naming derives from their names.
func NewBuiltinSource(naming Naming, modules ...strategy.Module) *BuiltinSource {
	src := &BuiltinSource{modules: make(map[string]strategy.Module, len(modules))}
	for _, m := range modules {
		if m == nil {
			continue
		}
		src.modules[naming.ModuleID(m.Name())] = m
	}
	return src
}

// Lookup implements Source.
func (s *BuiltinSource) Lookup(_ context.Context, moduleID string) (strategy.Module, error) {
	if m, ok := s.modules[moduleID]; ok {
		return m, nil
	}
	return nil, strategy.ErrModuleNotFound
}

// Available implements Lister.
func (s *BuiltinSource) Available() []string {
	out := make([]string, 0, len(s.modules))
	for id := range s.modules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
