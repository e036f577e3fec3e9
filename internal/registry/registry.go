// Package registry loads the optional YAML test-case registry that extends
// the Planner's built-in test names with user-defined ones (SPEC_FULL.md
// §4.9). This is distinct from general application configuration, which is
// out of scope: the registry only ever contributes TestCaseTemplate entries.
package registry

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/uartharness/internal/planner"
)

// TestCaseTemplate is one user-defined test entry as it appears in a
// --test-defs YAML file. Kind names which builtin wire shape the entry
// reuses ("max-rate" or "fifo-residue"); an entry naming any other kind is
// rejected at load time rather than silently collapsed onto one of the two.
type TestCaseTemplate struct {
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"`
	PayloadSize    int    `yaml:"payload_size"`
	Frames         uint64 `yaml:"frames"`
	DurationMs     uint64 `yaml:"duration_ms"`
	DelayUs        uint32 `yaml:"delay_us"`
	Direction      string `yaml:"direction"` // "tx", "rx", or "both"
	FifoAllConfigs bool   `yaml:"fifo_all_configs"`
}

// knownKinds are the wire shapes a TestCaseTemplate.Kind may name.
var knownKinds = map[string]bool{
	"max-rate":     true,
	"fifo-residue": true,
}

// File is the top-level shape of a --test-defs document.
type File struct {
	Tests []TestCaseTemplate `yaml:"tests"`
}

// Load reads and parses a test-defs YAML file. A missing file is not an
// error: the registry is optional, so callers get an empty File and the
// Planner falls back to its two built-in tests.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[registry] no test-defs at %s, using built-in tests only", path)
			return File{}, nil
		}
		return File{}, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	log.Printf("[registry] loaded %d test definition(s) from %s", len(f.Tests), path)
	return f, nil
}

// Apply registers every template whose Kind names a known wire shape with
// the Planner so Build will accept it, and returns the accepted templates
// indexed by test name. Only Name and Kind take effect: Build fills every
// planned case, builtin or registered, from the command-line filters, so
// the other template fields are not applied. A template naming an unknown
// kind is rejected with a logged warning and does not become plannable
// (SPEC_FULL.md §4.6).
func Apply(f File) map[string]TestCaseTemplate {
	out := make(map[string]TestCaseTemplate, len(f.Tests))
	for _, t := range f.Tests {
		if !knownKinds[t.Kind] {
			log.Printf("[registry] rejecting test-def %q: unknown kind %q (want max-rate or fifo-residue)", t.Name, t.Kind)
			continue
		}
		planner.RegisterTest(t.Name, t.Kind)
		out[t.Name] = t
	}
	return out
}
