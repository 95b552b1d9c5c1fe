// Package agent implements the Agent Actor: per-instance identity, the
// single-writer priority mailbox, lifecycle hook dispatch, state mirroring,
// and the wiring that hands each instance its own scheduler, task tracker,
// chat engine, session store, voice pipelines, and MCP registry.
package agent

import (
	"embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed classes.yaml
var defaultClassesFS embed.FS

// Class describes one family of agent instances: its addressable name, the
// lifecycle/RPC handlers new instances are constructed with, and which
// optional subsystems (chat, voice, mcp, session) it wires up. Handlers is
// supplied by the host application at registration time — classes.yaml only
// carries the declarative bits (name, enabled, capabilities, subsystem
// toggles), the same split the teacher's agent type manifest makes between
// declarative config and code-supplied behavior.
type Class struct {
	ID           string       `yaml:"id"`
	DisplayName  string       `yaml:"displayName"`
	Description  string       `yaml:"description"`
	Enabled      bool         `yaml:"enabled"`
	Capabilities []string     `yaml:"capabilities"`
	Subsystems   SubsystemSet `yaml:"subsystems"`

	Handlers Handlers `yaml:"-"`
}

// SubsystemSet toggles which optional per-instance subsystems a class wires
// up. Scheduler and the embedded SQL store are always present; the rest are
// opt-in since not every agent class needs a chat loop or a voice pipeline.
type SubsystemSet struct {
	Chat    bool `yaml:"chat"`
	Voice   bool `yaml:"voice"`
	Task    bool `yaml:"task"`
	Session bool `yaml:"session"`
	MCP     bool `yaml:"mcp"`
}

type manifest struct {
	Version string   `yaml:"version"`
	Classes []*Class `yaml:"classes"`
}

// ValidateClass checks the declarative fields of a class definition.
// Handlers are validated at registration time instead, since they are
// supplied in code, not parsed from YAML.
func ValidateClass(c *Class) error {
	if c.ID == "" {
		return fmt.Errorf("agent class id is required")
	}
	if c.DisplayName == "" {
		c.DisplayName = c.ID
	}
	return nil
}

// LoadManifestFile parses a YAML agent-class manifest from path.
func LoadManifestFile(path string) ([]*Class, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read class manifest %s: %w", path, err)
	}
	return parseManifest(data)
}

// DefaultClasses returns the built-in class declarations embedded at build
// time (classes.yaml), before any code-supplied Handlers are attached.
func DefaultClasses() []*Class {
	data, err := defaultClassesFS.ReadFile("classes.yaml")
	if err != nil {
		return nil
	}
	classes, err := parseManifest(data)
	if err != nil {
		return nil
	}
	return classes
}

func parseManifest(data []byte) ([]*Class, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse class manifest: %w", err)
	}
	for _, c := range m.Classes {
		if err := ValidateClass(c); err != nil {
			return nil, fmt.Errorf("invalid class %q: %w", c.ID, err)
		}
	}
	return m.Classes, nil
}

// classTable is a concurrency-safe map[string]*Class, separated from
// Registry so class definitions (rarely mutated, read on every admission)
// don't share a lock with the much hotter instance table.
type classTable struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

func newClassTable() *classTable {
	return &classTable{classes: make(map[string]*Class)}
}

func (t *classTable) register(c *Class) error {
	if err := ValidateClass(c); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.classes[c.ID]; exists {
		return fmt.Errorf("agent class %q already registered", c.ID)
	}
	t.classes[c.ID] = c
	return nil
}

func (t *classTable) get(id string) (*Class, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.classes[id]
	return c, ok
}

func (t *classTable) list() []*Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Class, 0, len(t.classes))
	for _, c := range t.classes {
		out = append(out, c)
	}
	return out
}
