// Package scenario loads and runs YAML and JSON page scenarios. A scenario
// drives a simulated page through script, install, load and call steps, then
// checks the events the collector received against its expectations.
package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aspruds/divolte-collector/internal/queue"
)

// Scenario is a complete page scenario loaded from a YAML or JSON file.
type Scenario struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`

	// GlobalName overrides the runner's global for the tracking queue.
	GlobalName string `yaml:"global_name" json:"global_name,omitempty"`
	// PageViewID fixes the page view id; a random one is used otherwise.
	PageViewID string `yaml:"page_view_id" json:"page_view_id,omitempty"`

	Steps        []Step   `yaml:"steps" json:"steps"`
	Expect       []Expect `yaml:"expect" json:"expect,omitempty"`
	ExpectNoMore bool     `yaml:"expect_no_more" json:"expect_no_more,omitempty"`
	// ExpectState is the queue state once all steps ran: absent,
	// shim-installed or library-active.
	ExpectState string `yaml:"expect_state" json:"expect_state,omitempty"`
}

// Step is one action on the page. Exactly one of Script, Install, Load and
// Call is set.
type Step struct {
	Name    string `yaml:"name" json:"name,omitempty"`
	Script  string `yaml:"script" json:"script,omitempty"`
	Install bool   `yaml:"install" json:"install,omitempty"`
	Load    bool   `yaml:"load" json:"load,omitempty"`
	Call    string `yaml:"call" json:"call,omitempty"`
	Args    []any  `yaml:"args" json:"args,omitempty"`
}

// Action names what the step does.
func (s *Step) Action() string {
	switch {
	case s.Script != "":
		return "script"
	case s.Install:
		return "install"
	case s.Load:
		return "load"
	case s.Call != "":
		return "call"
	default:
		return ""
	}
}

// Label is the step's name, or a description of its action.
func (s *Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Action() {
	case "script":
		return "script"
	case "install":
		return "install queue"
	case "load":
		return "load tracker"
	case "call":
		return "call " + s.Call
	}
	return "empty step"
}

func (s *Step) validate() error {
	n := 0
	for _, set := range []bool{s.Script != "", s.Install, s.Load, s.Call != ""} {
		if set {
			n++
		}
	}
	switch {
	case n == 0:
		return fmt.Errorf("step %q has no action (want script, install, load or call)", s.Name)
	case n > 1:
		return fmt.Errorf("step %q has more than one action", s.Name)
	case len(s.Args) > 0 && s.Call == "":
		return fmt.Errorf("step %q: args are only allowed with call", s.Name)
	}
	return nil
}

// Expect describes the next event the collector should receive.
type Expect struct {
	// Type is the expected event type. Leave it empty for an event sent
	// without one.
	Type string `yaml:"type" json:"type,omitempty"`
	// Params is the expected parameter tree as JSON text. It is compared in
	// canonical form, so key order matters but whitespace does not.
	Params *string `yaml:"params" json:"params,omitempty"`
	// NoParams asserts that the event carried no parameters.
	NoParams bool `yaml:"no_params" json:"no_params,omitempty"`
	// Paths maps a path like $.o[1].a to the expected JSON text found there.
	Paths map[string]string `yaml:"paths" json:"paths,omitempty"`
	// PageViewID is the expected page view id. Templates are expanded.
	PageViewID string `yaml:"page_view_id" json:"page_view_id,omitempty"`
}

// Label describes the expectation.
func (e *Expect) Label() string {
	if e.Type == "" {
		return "expect untyped event"
	}
	return "expect " + e.Type
}

// Validate checks the scenario's structure.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i := range s.Steps {
		if err := s.Steps[i].validate(); err != nil {
			return err
		}
	}
	for _, e := range s.Expect {
		if e.NoParams && (e.Params != nil || len(e.Paths) > 0) {
			return fmt.Errorf("%s: no_params conflicts with params and paths", e.Label())
		}
	}
	switch s.ExpectState {
	case "", queue.Absent.String(), queue.ShimInstalled.String(), queue.LibraryActive.String():
	default:
		return fmt.Errorf("unknown expect_state %q", s.ExpectState)
	}
	return nil
}

// LoadScenario parses a single YAML or JSON scenario file.
// The format is detected by file extension.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}

	var s Scenario
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported scenario format %q (expected .json, .yaml, or .yml)", ext)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

// LoadDir loads all .yaml, .yml, and .json scenario files from a directory,
// sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenario directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var scenarios []*Scenario
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}

	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenario files found in %s", dir)
	}
	return scenarios, nil
}
