package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/strategy/js"
)

// manifestEntry describes one strategy module on disk.
type manifestEntry struct {
	ID         string         `json:"id"`
	File       string         `json:"file"`
	Hash       string         `json:"hash"`
	Size       int64          `json:"size"`
	Metadata   *js.Metadata   `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
	Diagnostic *js.Diagnostic `json:"diagnostic,omitempty"`
}

type manifest struct {
	Root    string          `json:"root"`
	Modules []manifestEntry `json:"modules"`
}

var errInvalidModules = errors.New("one or more strategy modules failed to compile")

func newStrategiesCmd(configPath *string) *cobra.Command {
	var (
		dir    string
		output string
	)
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "Compile every JS strategy module and emit a manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Strategies.Directory
			}
			loader, err := js.NewLoader(dir, cfg.Naming(), observability.Nop())
			if err != nil {
				return err
			}
			m, buildErr := buildManifest(cmd.Context(), loader)
			if m.Modules == nil {
				return buildErr
			}

			out := cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output) // #nosec G304 -- operator supplied path.
				if err != nil {
					return fmt.Errorf("create manifest: %w", err)
				}
				defer file.Close()
				out = file
			}
			if err := writeManifest(out, m); err != nil {
				return err
			}
			return buildErr
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "strategies directory (default: strategies.directory from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the manifest to a file instead of stdout")
	return cmd
}

// buildManifest compiles each module so syntax and metadata errors surface before deploy.
func buildManifest(ctx context.Context, loader *js.Loader) (manifest, error) {
	summaries, err := loader.List()
	if err != nil {
		return manifest{Root: loader.Root()}, err
	}
	m := manifest{Root: loader.Root(), Modules: make([]manifestEntry, 0, len(summaries))}
	failed := 0
	for _, summary := range summaries {
		entry := manifestEntry{ID: summary.ID, File: summary.File, Hash: summary.Hash, Size: summary.Size}
		module, err := loader.Lookup(ctx, summary.ID)
		if err != nil {
			entry.Error = err.Error()
			if d, ok := js.DiagnosticOf(err); ok {
				entry.Diagnostic = &d
			}
			failed++
		} else if compiled, ok := module.(*js.Module); ok {
			meta := compiled.Metadata()
			entry.Metadata = &meta
		}
		m.Modules = append(m.Modules, entry)
	}
	if failed > 0 {
		return m, fmt.Errorf("%w: %d of %d", errInvalidModules, failed, len(summaries))
	}
	return m, nil
}

func writeManifest(w io.Writer, m manifest) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return nil
}
