// Package launcher discovers kernel specs and starts kernel processes with
// a freshly written connection file.
package launcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
)

// ErrSpecNotFound is returned when no kernel spec has the requested name.
var ErrSpecNotFound = errors.New("kernel spec not found")

// KernelSpec is a parsed kernel.json.
type KernelSpec struct {
	Name          string            `json:"-"`
	ResourceDir   string            `json:"-"`
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// InterruptByMessage reports whether the kernel wants interrupt_request
// messages instead of SIGINT.
func (s *KernelSpec) InterruptByMessage() bool { return s.InterruptMode == "message" }

// Same reports whether two specs would launch the same kernel.
func (s *KernelSpec) Same(o *KernelSpec) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Name != o.Name || !slices.Equal(s.Argv, o.Argv) || len(s.Env) != len(o.Env) {
		return false
	}
	for k, v := range s.Env {
		if ov, ok := o.Env[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// LoadSpec reads dir/kernel.json. The spec is named after dir.
func LoadSpec(dir string) (*KernelSpec, error) {
	data, err := os.ReadFile(filepath.Join(dir, "kernel.json"))
	if err != nil {
		return nil, fmt.Errorf("reading kernel spec: %w", err)
	}
	var spec KernelSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing %s/kernel.json: %w", dir, err)
	}
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("kernel spec %s: argv is empty", dir)
	}
	spec.Name = filepath.Base(dir)
	spec.ResourceDir = dir
	if spec.DisplayName == "" {
		spec.DisplayName = spec.Name
	}
	return &spec, nil
}

// DefaultSpecDirs returns the standard Jupyter kernel directories in
// search order.
func DefaultSpecDirs() []string {
	var dirs []string
	if v := os.Getenv("JUPYTER_PATH"); v != "" {
		for _, p := range filepath.SplitList(v) {
			dirs = append(dirs, filepath.Join(p, "kernels"))
		}
	}
	if v := os.Getenv("JUPYTER_DATA_DIR"); v != "" {
		dirs = append(dirs, filepath.Join(v, "kernels"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "jupyter", "kernels"))
	}
	return append(dirs,
		"/usr/local/share/jupyter/kernels",
		"/usr/share/jupyter/kernels",
	)
}

// FindSpecs loads every kernel spec under dirs. When the same name appears
// in several dirs the first one wins. Unreadable specs are skipped.
func FindSpecs(dirs []string) []*KernelSpec {
	seen := make(map[string]bool)
	var specs []*KernelSpec
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			spec, err := LoadSpec(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			seen[spec.Name] = true
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// FindSpec returns the spec called name.
func FindSpec(dirs []string, name string) (*KernelSpec, error) {
	for _, s := range FindSpecs(dirs) {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrSpecNotFound, name)
}

// Interpreter overrides the executable a spec launches. The caller supplies
// it explicitly; nothing here searches for environments.
type Interpreter struct {
	Path string
	Env  map[string]string
}
