// Package identity implements the agent identity registry: which tools an
// agent may invoke and which data-tag hierarchies it is cleared to handle.
package identity

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// Identity declares one agent. An empty Tools list means tool binding is not
// enforced for this agent; an empty ClearanceTags list means clearance is
// not enforced.
type Identity struct {
	AgentID       string   `json:"agent_id" yaml:"agent_id"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tools         []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	ClearanceTags []string `json:"clearance_tags,omitempty" yaml:"clearance_tags,omitempty"`
}

// Validate checks structural correctness before registration.
func (id Identity) Validate() error {
	if id.AgentID == "" {
		return fmt.Errorf("agent identity: agent_id is required")
	}
	for _, t := range id.ClearanceTags {
		if n := tag.Normalize(t); n == "" || !tag.Valid(n) {
			return fmt.Errorf("agent identity %q: malformed clearance tag %q", id.AgentID, t)
		}
	}
	return nil
}

// ValidationResult is the outcome of an identity check.
type ValidationResult struct {
	Allowed          bool      `json:"allowed"`
	Reason           string    `json:"reason"`
	UnauthorizedTags []string  `json:"unauthorized_tags,omitempty"`
	Identity         *Identity `json:"-"`
}

// Registry holds agent identities. An empty registry passes every agent:
// identity enforcement is opt-in per deployment.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]*Identity
}

// NewRegistry returns an empty identity registry.
func NewRegistry() *Registry {
	return &Registry{identities: make(map[string]*Identity)}
}

// Register validates and installs an identity, replacing any previous one
// for the same agent.
func (r *Registry) Register(id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	id.ClearanceTags = tag.NormalizeAll(id.ClearanceTags)
	r.mu.Lock()
	r.identities[id.AgentID] = &id
	r.mu.Unlock()
	return nil
}

// Get returns the identity for an agent, or nil when none is registered.
func (r *Registry) Get(agentID string) *Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identities[agentID]
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// AgentIDs returns the registered agent ids sorted ascending.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.identities))
	for id := range r.identities {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Validate checks that an agent is bound to a tool and cleared for a tag
// set. An empty registry allows any agent; a registered agent must satisfy
// its tool binding (when declared) and its clearance (when declared, by the
// same ancestor rule tool contracts use). All unauthorized tags are
// collected before returning.
func (r *Registry) Validate(agentID, toolName string, dataTags []string) ValidationResult {
	r.mu.RLock()
	empty := len(r.identities) == 0
	id := r.identities[agentID]
	r.mu.RUnlock()

	if empty {
		return ValidationResult{Allowed: true, Reason: "identity registry is empty; identity enforcement disabled"}
	}
	if id == nil {
		return ValidationResult{Allowed: false, Reason: fmt.Sprintf("agent %q has no registered identity", agentID)}
	}

	if len(id.Tools) > 0 && toolName != "" {
		bound := false
		for _, t := range id.Tools {
			if t == toolName {
				bound = true
				break
			}
		}
		if !bound {
			return ValidationResult{
				Allowed:  false,
				Reason:   fmt.Sprintf("agent %q is not bound to tool %q", agentID, toolName),
				Identity: id,
			}
		}
	}

	if len(id.ClearanceTags) > 0 {
		cleared := tag.NewSet(id.ClearanceTags...)
		var unauthorized []string
		for _, t := range tag.NormalizeAll(dataTags) {
			if !tag.CoveredByAny(cleared, t) {
				unauthorized = append(unauthorized, t)
			}
		}
		if len(unauthorized) > 0 {
			return ValidationResult{
				Allowed:          false,
				Reason:           fmt.Sprintf("agent %q lacks clearance for tags %v", agentID, unauthorized),
				UnauthorizedTags: unauthorized,
				Identity:         id,
			}
		}
	}

	return ValidationResult{Allowed: true, Reason: "agent identity validated", Identity: id}
}

// File is the on-disk identities document shape.
type File struct {
	Identities []Identity `json:"identities" yaml:"identities"`
}

// LoadFile reads a YAML identities document and registers every identity.
// Any invalid identity fails the whole load before the registry is touched.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read identities file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse identities file %s: %w", path, err)
	}
	for _, id := range f.Identities {
		if err := id.Validate(); err != nil {
			return fmt.Errorf("identities file %s: %w", path, err)
		}
	}
	for _, id := range f.Identities {
		if err := r.Register(id); err != nil {
			return err
		}
	}
	return nil
}
