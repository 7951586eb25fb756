// Package js runs strategies written as CommonJS modules in goja runtimes.
package js

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/registry"
	"github.com/coachpo/strategy-runtime/internal/strategy"
)

const fileExt = ".js"

// Metadata is the optional metadata export of a strategy module.
type Metadata struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Module is a compiled strategy module. It implements strategy.Module; every Create starts a new
// isolated runtime.
type Module struct {
	id       string
	name     string
	path     string
	hash     string
	size     int64
	metadata Metadata
	program  *goja.Program
}

// Name implements strategy.Module.
func (m *Module) Name() string { return m.name }

// ID returns the module identifier the module was looked up by.
func (m *Module) ID() string { return m.id }

// Path returns the source file.
func (m *Module) Path() string { return m.path }

// Hash returns the sha256 of the source.
func (m *Module) Hash() string { return m.hash }

// Metadata returns the metadata export.
func (m *Module) Metadata() Metadata { return m.metadata }

// Create implements strategy.Module.
func (m *Module) Create(sctx strategy.Context) (strategy.Strategy, error) {
	return NewStrategy(m, sctx)
}

// ModuleSummary describes a module file on disk.
type ModuleSummary struct {
	ID   string `json:"id"`
	File string `json:"file"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Loader is a registry source serving `<moduleID>.js` files from a directory.
type Loader struct {
	root   string
	naming registry.Naming
	logger observability.Logger
}

// NewLoader constructs a Loader rooted at dir. The directory must exist.
func NewLoader(dir string, naming registry.Naming, logger observability.Logger) (*Loader, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("strategy loader: root directory required")
	}
	clean := filepath.Clean(trimmed)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("strategy loader: stat %q: %w", clean, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("strategy loader: %q is not a directory", clean)
	}
	return &Loader{root: clean, naming: naming, logger: observability.OrDefault(logger)}, nil
}

// Root returns the directory served by the loader.
func (l *Loader) Root() string {
	if l == nil {
		return ""
	}
	return l.root
}

// Lookup implements registry.Source. Missing files report strategy.ErrModuleNotFound; files that
// fail to compile or evaluate report a *DiagnosticError.
func (l *Loader) Lookup(ctx context.Context, moduleID string) (strategy.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("strategy loader: lookup canceled: %w", err)
	}
	id := strings.TrimSpace(moduleID)
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return nil, strategy.ErrModuleNotFound
	}
	path := filepath.Join(l.root, id+fileExt)
	// #nosec G304 -- path is the loader root joined with a single path element.
	source, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, strategy.ErrModuleNotFound
		}
		return nil, fmt.Errorf("strategy loader: read %q: %w", path, err)
	}
	module, err := l.compile(id, path, source)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("strategy module compiled",
		observability.F("module", id),
		observability.F("hash", module.hash),
		observability.F("size", module.size))
	return module, nil
}

// Available implements registry.Lister.
func (l *Loader) Available() []string {
	summaries, err := l.List()
	if err != nil {
		l.logger.Warn("strategy loader: list failed", observability.Err(err))
		return nil
	}
	out := make([]string, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, s.ID)
	}
	return out
}

// List describes the module files in the root directory, sorted by identifier.
func (l *Loader) List() ([]ModuleSummary, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("strategy loader: read directory %q: %w", l.root, err)
	}
	out := make([]ModuleSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), fileExt) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if _, ok := l.naming.Name(id); !ok {
			continue
		}
		// #nosec G304 -- entry comes from reading the loader root.
		source, err := os.ReadFile(filepath.Join(l.root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("strategy loader: read %q: %w", entry.Name(), err)
		}
		out = append(out, ModuleSummary{
			ID:   id,
			File: entry.Name(),
			Hash: digest(source),
			Size: int64(len(source)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *Loader) compile(id, path string, source []byte) (*Module, error) {
	prog, err := goja.Compile(path, string(source), true)
	if err != nil {
		return nil, compileFailure(id, err)
	}

	rt := goja.New()
	exports, err := runModule(rt, prog, observability.Nop())
	if err != nil {
		return nil, evaluateFailure(id, err)
	}
	if _, ok := goja.AssertFunction(exports.Get("create")); !ok {
		return nil, exportsFailure(id, errors.New("create export missing"), "export a create(ctx) function via module.exports")
	}

	var meta Metadata
	if raw := exports.Get("metadata"); raw != nil && !goja.IsUndefined(raw) && !goja.IsNull(raw) {
		if err := rt.ExportTo(raw, &meta); err != nil {
			return nil, exportsFailure(id, fmt.Errorf("metadata export invalid: %w", err), "metadata must be an object")
		}
	}
	name := strategy.NormalizeName(meta.Name)
	if name == "" {
		name, _ = l.naming.Name(id)
	}
	if name == "" {
		name = strategy.NormalizeName(id)
	}
	meta.Name = name

	return &Module{
		id:       id,
		name:     name,
		path:     path,
		hash:     digest(source),
		size:     int64(len(source)),
		metadata: meta,
		program:  prog,
	}, nil
}

func digest(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

func runModule(rt *goja.Runtime, program *goja.Program, logger observability.Logger) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, logger)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	value := module.Get("exports")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return value.ToObject(rt), nil
}

func buildConsole(rt *goja.Runtime, logger observability.Logger) *goja.Object {
	logger = observability.OrDefault(logger)
	console := rt.NewObject()
	emit := func(level func(string, ...observability.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			level("js console", observability.F("message", joinArgs(call.Arguments)))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit(logger.Debug))
	_ = console.Set("info", emit(logger.Info))
	_ = console.Set("warn", emit(logger.Warn))
	_ = console.Set("error", emit(logger.Error))
	return console
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, arg.String())
	}
	return strings.Join(parts, " ")
}

var (
	_ registry.Source = (*Loader)(nil)
	_ registry.Lister = (*Loader)(nil)
)
