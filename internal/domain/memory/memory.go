// Package memory implements the schema-bound, per-agent, TTL'd memory
// controller. Fields declared encrypted never return plaintext from reads;
// callers receive opaque handles resolvable only by the owning agent under
// an allowing policy.
package memory

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/duration"
	"github.com/safeai-dev/safeai/internal/domain/ident"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// retentionPolicyName is the synthetic policy name stamped on purge events.
const retentionPolicyName = "memory-retention"

// Scope is the sharing level of a memory schema.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeUser    Scope = "user"
	ScopeGlobal  Scope = "global"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeSession, ScopeUser, ScopeGlobal:
		return true
	}
	return false
}

// FieldType is the declared runtime type of one field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeList    FieldType = "list"
	TypeObject  FieldType = "object"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeList, TypeObject:
		return true
	}
	return false
}

// matches reports whether a runtime value conforms to the declared type.
// Integer accepts whole-number floats, since JSON decoding produces float64.
func (t FieldType) matches(v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeList:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// Field declares one schema field.
type Field struct {
	Name      string    `json:"name" yaml:"name"`
	Type      FieldType `json:"type" yaml:"type"`
	Tag       string    `json:"tag" yaml:"tag"`
	Retention string    `json:"retention,omitempty" yaml:"retention,omitempty"`
	Encrypted bool      `json:"encrypted,omitempty" yaml:"encrypted,omitempty"`
	Required  bool      `json:"required,omitempty" yaml:"required,omitempty"`
}

// Schema declares one memory store's shape and limits.
type Schema struct {
	Name             string  `json:"name" yaml:"name"`
	Scope            Scope   `json:"scope" yaml:"scope"`
	Fields           []Field `json:"fields" yaml:"fields"`
	MaxEntries       int     `json:"max_entries" yaml:"max_entries"`
	DefaultRetention string  `json:"default_retention" yaml:"default_retention"`
}

// Validate checks structural correctness. Retentions must parse so a bad
// schema fails at load, never at write time.
func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("memory schema: name is required")
	}
	if !s.Scope.Valid() {
		return fmt.Errorf("memory schema %q: unknown scope %q", s.Name, s.Scope)
	}
	if s.MaxEntries < 1 {
		return fmt.Errorf("memory schema %q: max_entries must be >= 1, got %d", s.Name, s.MaxEntries)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("memory schema %q: at least one field is required", s.Name)
	}
	if _, err := duration.Parse(s.DefaultRetention); err != nil {
		return fmt.Errorf("memory schema %q: default_retention: %w", s.Name, err)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("memory schema %q: field name is required", s.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("memory schema %q: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if !f.Type.Valid() {
			return fmt.Errorf("memory schema %q: field %q: unknown type %q", s.Name, f.Name, f.Type)
		}
		if n := tag.Normalize(f.Tag); n == "" || !tag.Valid(n) {
			return fmt.Errorf("memory schema %q: field %q: malformed tag %q", s.Name, f.Name, f.Tag)
		}
		if f.Retention != "" {
			if _, err := duration.Parse(f.Retention); err != nil {
				return fmt.Errorf("memory schema %q: field %q: retention: %w", s.Name, f.Name, err)
			}
		}
	}
	return nil
}

// field returns the declared field for a key, or nil.
func (s *Schema) field(name string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// Entry is one stored value with its expiry and classification.
type Entry struct {
	Value     any       `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	Tag       string    `json:"tag"`
	Encrypted bool      `json:"encrypted"`
}

// Handle is the opaque reference returned in place of plaintext for
// encrypted entries. Handles are weak: resolution after the underlying
// entry expired fails.
type Handle struct {
	HandleID       string    `json:"handle_id"`
	OwnerAgentID   string    `json:"owner_agent_id"`
	Tag            string    `json:"tag"`
	EntryExpiresAt time.Time `json:"entry_expires_at"`
}

// handleState pairs a handle with its backing location.
type handleState struct {
	handle  Handle
	agentID string
	key     string
}

// ReadResult is the outcome of one read. Exactly one of Value and HandleID
// is populated for a present entry; encrypted fields never expose Value.
type ReadResult struct {
	Found     bool   `json:"found"`
	Value     any    `json:"value,omitempty"`
	HandleID  string `json:"handle_id,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// Store is one schema's memory controller with per-agent buckets. The
// policy engine gates handle resolution; every resolution and purge emits
// an audit event.
type Store struct {
	mu      sync.Mutex
	schema  Schema
	buckets map[string]map[string]*Entry
	handles map[string]*handleState
	engine  *policy.Engine
	emitter audit.Emitter
	now     func() time.Time
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore validates the schema and builds an empty store.
func NewStore(schema Schema, engine *policy.Engine, emitter audit.Emitter, opts ...StoreOption) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = audit.Discard
	}
	s := &Store{
		schema:  schema,
		buckets: make(map[string]map[string]*Entry),
		handles: make(map[string]*handleState),
		engine:  engine,
		emitter: emitter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Schema returns the store's schema.
func (s *Store) Schema() Schema { return s.schema }

// Write upserts one key for an agent. Returns false when the key is not
// declared, the value's runtime type does not match, or the agent's bucket
// is full and the key is new. Updates to existing keys always succeed.
func (s *Store) Write(key string, value any, agentID string) bool {
	f := s.schema.field(key)
	if f == nil || !f.Type.matches(value) {
		return false
	}

	retention := f.Retention
	if retention == "" {
		retention = s.schema.DefaultRetention
	}
	ttl, err := duration.Parse(retention)
	if err != nil {
		// Schema validation parses retentions up front; this cannot
		// happen for a validated schema.
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[agentID]
	if !ok {
		bucket = make(map[string]*Entry)
		s.buckets[agentID] = bucket
	}
	if _, exists := bucket[key]; !exists && len(bucket) >= s.schema.MaxEntries {
		return false
	}
	bucket[key] = &Entry{
		Value:     value,
		ExpiresAt: s.now().UTC().Add(ttl),
		Tag:       tag.Normalize(f.Tag),
		Encrypted: f.Encrypted,
	}
	return true
}

// Read returns the entry for a key. Missing and expired entries read as not
// found (expired ones are purged in passing). Encrypted entries yield a
// fresh opaque handle instead of the value.
func (s *Store) Read(key, agentID string) ReadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[agentID]
	e, ok := bucket[key]
	if !ok {
		return ReadResult{}
	}
	if !s.now().UTC().Before(e.ExpiresAt) {
		s.removeLocked(agentID, key)
		return ReadResult{}
	}

	if e.Encrypted {
		h := Handle{
			HandleID:       ident.Handle(),
			OwnerAgentID:   agentID,
			Tag:            e.Tag,
			EntryExpiresAt: e.ExpiresAt,
		}
		s.handles[h.HandleID] = &handleState{handle: h, agentID: agentID, key: key}
		return ReadResult{Found: true, HandleID: h.HandleID, Tag: e.Tag, Encrypted: true}
	}
	return ReadResult{Found: true, Value: e.Value, Tag: e.Tag}
}

// ResolveHandle exchanges a handle for the plaintext. The caller must be
// the handle's owner and the action-boundary policy over the handle's tag
// must allow; the resolution is audited either way on the memory boundary.
func (s *Store) ResolveHandle(handleID, agentID string) (any, bool) {
	s.mu.Lock()

	hs, ok := s.handles[handleID]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if hs.agentID != agentID {
		s.mu.Unlock()
		s.emitResolve(agentID, hs.handle.Tag, audit.ActionBlock, "handle owner mismatch", handleID)
		return nil, false
	}
	e, ok := s.buckets[hs.agentID][hs.key]
	if !ok || !s.now().UTC().Before(e.ExpiresAt) {
		if ok {
			s.removeLocked(hs.agentID, hs.key)
		} else {
			delete(s.handles, handleID)
		}
		s.mu.Unlock()
		s.emitResolve(agentID, hs.handle.Tag, audit.ActionBlock, "handle refers to an expired entry", handleID)
		return nil, false
	}
	value := e.Value
	handleTag := hs.handle.Tag
	s.mu.Unlock()

	decision := s.engine.Evaluate(policy.Context{
		Boundary:   policy.BoundaryAction,
		DataTags:   []string{handleTag},
		AgentID:    agentID,
		ActionType: "memory_handle_resolve",
	})
	if !decision.Allowed() {
		s.emitResolve(agentID, handleTag, audit.FromDecision(decision.Action), decision.Reason, handleID)
		return nil, false
	}

	s.emitResolve(agentID, handleTag, audit.ActionAllow, "memory handle resolved", handleID)
	return value, true
}

// PurgeExpired removes expired entries and their handles atomically and
// returns the purge count. A non-zero purge emits one memory-retention
// audit event.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	now := s.now().UTC()
	purged := 0
	purgedTags := make(map[string]struct{})
	for agentID, bucket := range s.buckets {
		for key, e := range bucket {
			if !now.Before(e.ExpiresAt) {
				purgedTags[e.Tag] = struct{}{}
				s.removeLocked(agentID, key)
				purged++
			}
		}
	}
	s.mu.Unlock()

	if purged > 0 {
		tags := make([]string, 0, len(purgedTags))
		for t := range purgedTags {
			tags = append(tags, t)
		}
		e := audit.New(policy.BoundaryMemory, audit.ActionAllow, "system", "expired memory entries purged")
		e.PolicyName = retentionPolicyName
		e.DataTags = tags
		e.Metadata = map[string]any{
			"phase":  "memory_purge",
			"schema": s.schema.Name,
			"purged": purged,
		}
		_ = s.emitter.Emit(e)
	}
	return purged
}

// Len returns the number of live entries for an agent.
func (s *Store) Len(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets[agentID])
}

// removeLocked deletes one entry and every handle pointing at it.
func (s *Store) removeLocked(agentID, key string) {
	delete(s.buckets[agentID], key)
	for id, hs := range s.handles {
		if hs.agentID == agentID && hs.key == key {
			delete(s.handles, id)
		}
	}
}

func (s *Store) emitResolve(agentID, handleTag string, action audit.Action, reason, handleID string) {
	e := audit.New(policy.BoundaryMemory, action, agentID, reason)
	e.DataTags = []string{handleTag}
	e.Metadata = map[string]any{
		"phase":     "memory_handle_resolve",
		"schema":    s.schema.Name,
		"handle_id": handleID,
	}
	_ = s.emitter.Emit(e)
}

// File is the on-disk memory schemas document shape.
type File struct {
	Schemas []Schema `json:"schemas" yaml:"schemas"`
}

// LoadSchemas reads a YAML schemas document and validates every schema.
func LoadSchemas(path string) ([]Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memory schemas file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse memory schemas file %s: %w", path, err)
	}
	for _, s := range f.Schemas {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("memory schemas file %s: %w", path, err)
		}
	}
	return f.Schemas, nil
}
