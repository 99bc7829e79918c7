package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Built-in policy identifiers.
const (
	FirstTo1000  = "first-to-1000"
	HighestScore = "highest-score"
)

// Policy kinds accepted in definitions.
const (
	KindThreshold = "threshold"
	KindHighest   = "highest"
	KindLua       = "lua"
)

// Definition is a policy loaded from YAML.
type Definition struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Kind        string `yaml:"kind"`
	Threshold   int    `yaml:"threshold"`
	// Script is a Lua file path relative to the definition's directory.
	Script           string `yaml:"script"`
	InstructionLimit int    `yaml:"instruction_limit"`
}

// Build constructs the Policy described by d. Relative script paths are
// resolved against dir.
//
// Precondition: logger must be non-nil.
func (d Definition) Build(dir string, logger *zap.Logger) (Policy, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("policy definition missing id")
	}
	switch d.Kind {
	case KindThreshold:
		if d.Threshold <= 0 {
			return nil, fmt.Errorf("policy %s: threshold must be > 0, got %d", d.ID, d.Threshold)
		}
		return NewThreshold(d.ID, d.Threshold), nil
	case KindHighest:
		return NewHighest(d.ID), nil
	case KindLua:
		if d.Script == "" {
			return nil, fmt.Errorf("policy %s: lua policy requires script", d.ID)
		}
		path := d.Script
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("policy %s: reading script: %w", d.ID, err)
		}
		return NewLua(d.ID, string(src), d.InstructionLimit, logger)
	default:
		return nil, fmt.Errorf("policy %s: unknown kind %q", d.ID, d.Kind)
	}
}

// Set holds policies keyed by ID. All methods are safe for concurrent use.
type Set struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewSet creates a Set holding the built-in policies.
func NewSet() *Set {
	s := &Set{policies: make(map[string]Policy)}
	s.Register(NewThreshold(FirstTo1000, 1000))
	s.Register(NewHighest(HighestScore))
	return s
}

// Register adds p, replacing any policy with the same ID.
func (s *Set) Register(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID()] = p
}

// Get returns the policy for id.
func (s *Set) Get(id string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	return p, ok
}

// IDs returns the registered policy ids, sorted.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.policies))
	for id := range s.policies {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LoadDirectory reads every *.yaml file in dir as a Definition and returns a
// Set holding the built-ins plus every loaded policy.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns a non-nil Set, or an error if any file fails to
// parse or build.
func LoadDirectory(dir string, logger *zap.Logger) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading policy dir %q: %w", dir, err)
	}
	set := NewSet()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		var def Definition
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		p, err := def.Build(dir, logger)
		if err != nil {
			return nil, fmt.Errorf("building %q: %w", path, err)
		}
		set.Register(p)
		logger.Debug("policy loaded", zap.String("policy", p.ID()), zap.String("kind", def.Kind))
	}
	return set, nil
}
