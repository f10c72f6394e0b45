// Package contract implements the tool contract registry: static
// declarations of what data a tool may accept and emit, which request and
// response fields are allowed, and what side effects an invocation has.
// Contracts are consulted by the action interceptor before policy.
package contract

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// TagFields declares one direction of a contract: which tags are authorized
// and which field names are allowed. An empty Fields list means no field
// filtering; a non-empty list is a strict allow-list.
type TagFields struct {
	Tags   []string `json:"tags" yaml:"tags"`
	Fields []string `json:"fields" yaml:"fields"`
}

// Stores declares what a tool persists, for operator review.
type Stores struct {
	Fields    []string `json:"fields" yaml:"fields"`
	Retention string   `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// SideEffects are the static side-effect declarations of a tool.
type SideEffects struct {
	Reversible       bool   `json:"reversible" yaml:"reversible"`
	RequiresApproval bool   `json:"requires_approval" yaml:"requires_approval"`
	Description      string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Contract is one tool's declared capability surface. Tag sets are stored
// lowercase and matched hierarchically: an accepted tag authorizes all of
// its descendants.
type Contract struct {
	ToolName    string      `json:"tool_name" yaml:"tool_name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Accepts     TagFields   `json:"accepts" yaml:"accepts"`
	Emits       TagFields   `json:"emits" yaml:"emits"`
	Stores      Stores      `json:"stores,omitempty" yaml:"stores,omitempty"`
	SideEffects SideEffects `json:"side_effects,omitempty" yaml:"side_effects,omitempty"`
}

// Validate checks structural correctness before registration.
func (c Contract) Validate() error {
	if c.ToolName == "" {
		return fmt.Errorf("tool contract: tool_name is required")
	}
	for _, t := range append(append([]string(nil), c.Accepts.Tags...), c.Emits.Tags...) {
		if n := tag.Normalize(t); n == "" || !tag.Valid(n) {
			return fmt.Errorf("tool contract %q: malformed tag %q", c.ToolName, t)
		}
	}
	return nil
}

// normalize lowercases tag sets in place.
func (c *Contract) normalize() {
	c.Accepts.Tags = tag.NormalizeAll(c.Accepts.Tags)
	c.Emits.Tags = tag.NormalizeAll(c.Emits.Tags)
}

// ValidationResult is the outcome of a contract check. Non-allow results are
// values, never errors.
type ValidationResult struct {
	Allowed          bool      `json:"allowed"`
	Reason           string    `json:"reason"`
	UnauthorizedTags []string  `json:"unauthorized_tags,omitempty"`
	Contract         *Contract `json:"-"`
}

// Registry holds registered contracts keyed by tool name. Safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewRegistry returns an empty contract registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]*Contract)}
}

// Register validates and installs a contract, replacing any previous
// contract for the same tool.
func (r *Registry) Register(c Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.normalize()
	r.mu.Lock()
	r.contracts[c.ToolName] = &c
	r.mu.Unlock()
	return nil
}

// Get returns the contract for a tool, or nil when none is declared.
func (r *Registry) Get(toolName string) *Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contracts[toolName]
}

// Names returns the registered tool names sorted ascending.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateRequest checks a request's tag set against the tool's accepted
// tags. Unknown tools fail closed with every request tag reported as
// unauthorized; an empty tag set always passes for a known tool. All
// unauthorized tags are collected before returning.
func (r *Registry) ValidateRequest(toolName string, dataTags []string) ValidationResult {
	c := r.Get(toolName)
	normalized := tag.NormalizeAll(dataTags)
	if c == nil {
		return ValidationResult{
			Allowed:          false,
			Reason:           fmt.Sprintf("tool %q has no declared contract", toolName),
			UnauthorizedTags: normalized,
		}
	}
	if len(normalized) == 0 {
		return ValidationResult{Allowed: true, Reason: "no data tags on request", Contract: c}
	}

	accepted := tag.NewSet(c.Accepts.Tags...)
	var unauthorized []string
	for _, t := range normalized {
		if !tag.CoveredByAny(accepted, t) {
			unauthorized = append(unauthorized, t)
		}
	}
	if len(unauthorized) > 0 {
		return ValidationResult{
			Allowed:          false,
			Reason:           fmt.Sprintf("tool %q does not accept tags %v", toolName, unauthorized),
			UnauthorizedTags: unauthorized,
			Contract:         c,
		}
	}
	return ValidationResult{Allowed: true, Reason: "all tags accepted by contract", Contract: c}
}

// EmitsTag reports whether the contract's emitted tag hierarchy covers t.
func (c *Contract) EmitsTag(t string) bool {
	return tag.CoveredByAny(tag.NewSet(c.Emits.Tags...), t)
}

// AllowsRequestField reports whether the contract admits a request field.
// An empty accepts.fields list admits everything.
func (c *Contract) AllowsRequestField(field string) bool {
	return allowsField(c.Accepts.Fields, field)
}

// AllowsResponseField reports whether the contract admits a response field.
func (c *Contract) AllowsResponseField(field string) bool {
	return allowsField(c.Emits.Fields, field)
}

func allowsField(allowed []string, field string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, f := range allowed {
		if f == field {
			return true
		}
	}
	return false
}

// File is the on-disk contracts document shape.
type File struct {
	Contracts []Contract `json:"contracts" yaml:"contracts"`
}

// LoadFile reads a YAML contracts document and registers every contract.
// Any invalid contract fails the whole load before the registry is touched.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read contracts file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse contracts file %s: %w", path, err)
	}
	for _, c := range f.Contracts {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("contracts file %s: %w", path, err)
		}
	}
	for _, c := range f.Contracts {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
