// Package audit defines the structured audit event schema, its deterministic
// context hash, and the filter language used to query the log. Every boundary
// operation produces exactly one event from its terminal component.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/safeai-dev/safeai/internal/domain/ident"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// Action is the audited verb. It is a superset of the policy decision
// actions: approve and deny record human approval decisions and secret
// access denials.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionRedact          Action = "redact"
	ActionBlock           Action = "block"
	ActionRequireApproval Action = "require_approval"
	ActionApprove         Action = "approve"
	ActionDeny            Action = "deny"
)

// Valid reports whether a is a known audited action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionRedact, ActionBlock, ActionRequireApproval, ActionApprove, ActionDeny:
		return true
	}
	return false
}

// FromDecision maps a policy decision action onto the audit verb.
func FromDecision(a policy.Action) Action {
	return Action(a)
}

// Event is one immutable audit record. Records are appended as single JSON
// lines and never rewritten.
type Event struct {
	EventID            string          `json:"event_id"`
	Timestamp          time.Time       `json:"timestamp"`
	Boundary           policy.Boundary `json:"boundary"`
	Action             Action          `json:"action"`
	PolicyName         string          `json:"policy_name,omitempty"`
	Reason             string          `json:"reason"`
	DataTags           []string        `json:"data_tags"`
	AgentID            string          `json:"agent_id"`
	ToolName           string          `json:"tool_name,omitempty"`
	SessionID          string          `json:"session_id,omitempty"`
	SourceAgentID      string          `json:"source_agent_id,omitempty"`
	DestinationAgentID string          `json:"destination_agent_id,omitempty"`
	ContextHash        string          `json:"context_hash"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
}

// New builds an event with a fresh id, UTC timestamp, and normalized tags.
// The context hash is left empty; the logger computes it during Append.
func New(boundary policy.Boundary, action Action, agentID, reason string) Event {
	return Event{
		EventID:   ident.Event(),
		Timestamp: time.Now().UTC(),
		Boundary:  boundary,
		Action:    action,
		AgentID:   agentID,
		Reason:    reason,
		DataTags:  []string{},
	}
}

// Validate checks the record schema before it is written or accepted from
// disk.
func (e *Event) Validate() error {
	if !ident.ValidEvent(e.EventID) {
		return fmt.Errorf("audit event: malformed event_id %q", e.EventID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("audit event %s: timestamp is required", e.EventID)
	}
	if !e.Boundary.Valid() {
		return fmt.Errorf("audit event %s: unknown boundary %q", e.EventID, e.Boundary)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("audit event %s: unknown action %q", e.EventID, e.Action)
	}
	if e.AgentID == "" {
		return fmt.Errorf("audit event %s: agent_id is required", e.EventID)
	}
	return nil
}

// contextProjection is the identifying subset hashed into context_hash:
// every semantic field except timestamp and the hash itself. event_id is
// included so identical semantic events still differ when re-emitted.
func (e *Event) contextProjection() map[string]any {
	return map[string]any{
		"event_id":             e.EventID,
		"boundary":             string(e.Boundary),
		"action":               string(e.Action),
		"policy_name":          e.PolicyName,
		"reason":               e.Reason,
		"data_tags":            e.DataTags,
		"agent_id":             e.AgentID,
		"tool_name":            e.ToolName,
		"session_id":           e.SessionID,
		"source_agent_id":      e.SourceAgentID,
		"destination_agent_id": e.DestinationAgentID,
		"metadata":             e.Metadata,
	}
}

// ComputeContextHash canonicalizes the identifying projection per RFC 8785
// and returns "sha256:" + 64 hex. Stable across runs for identical semantic
// content.
func (e *Event) ComputeContextHash() (string, error) {
	raw, err := json.Marshal(e.contextProjection())
	if err != nil {
		return "", fmt.Errorf("marshal context projection: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize context projection: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Finalize normalizes tags, stamps UTC, sanitizes metadata, and computes the
// context hash. Loggers call it once before writing.
func (e *Event) Finalize() error {
	e.Timestamp = e.Timestamp.UTC()
	e.DataTags = tag.NormalizeAll(e.DataTags)
	if e.DataTags == nil {
		e.DataTags = []string{}
	}
	e.Metadata = SanitizeMetadata(e.Metadata)
	hash, err := e.ComputeContextHash()
	if err != nil {
		return err
	}
	e.ContextHash = hash
	return nil
}

// Clone returns a deep copy, so emit callbacks can never mutate the record
// that was written.
func (e *Event) Clone() Event {
	out := *e
	out.DataTags = append([]string(nil), e.DataTags...)
	out.Metadata = cloneValue(e.Metadata).(map[string]any)
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		if tv == nil {
			return map[string]any(nil)
		}
		m := make(map[string]any, len(tv))
		for k, inner := range tv {
			m[k] = cloneValue(inner)
		}
		return m
	case []any:
		s := make([]any, len(tv))
		for i, inner := range tv {
			s[i] = cloneValue(inner)
		}
		return s
	case []string:
		return append([]string(nil), tv...)
	default:
		return v
	}
}
