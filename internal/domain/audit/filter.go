package audit

import (
	"fmt"
	"time"

	"github.com/safeai-dev/safeai/internal/domain/duration"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// Filter selects audit events. Zero-valued fields match anything; set fields
// must all match. Last is a compact lookback ("30s", "15m", "2h", "7d",
// "2w") that overrides Since when present.
type Filter struct {
	Boundary           policy.Boundary `json:"boundary,omitempty"`
	Action             Action          `json:"action,omitempty"`
	PolicyName         string          `json:"policy_name,omitempty"`
	AgentID            string          `json:"agent_id,omitempty"`
	ToolName           string          `json:"tool_name,omitempty"`
	DataTag            string          `json:"data_tag,omitempty"`
	Phase              string          `json:"phase,omitempty"`
	SessionID          string          `json:"session_id,omitempty"`
	EventID            string          `json:"event_id,omitempty"`
	SourceAgentID      string          `json:"source_agent_id,omitempty"`
	DestinationAgentID string          `json:"destination_agent_id,omitempty"`
	MetadataKey        string          `json:"metadata_key,omitempty"`
	MetadataValue      any             `json:"metadata_value,omitempty"`
	Since              *time.Time      `json:"since,omitempty"`
	Until              *time.Time      `json:"until,omitempty"`
	Last               string          `json:"last,omitempty"`
	Limit              int             `json:"limit,omitempty"`
	OldestFirst        bool            `json:"oldest_first,omitempty"`
}

// Matcher resolves the filter's time window against now and returns the
// match predicate. Invalid Last grammar is an error.
func (f *Filter) Matcher(now time.Time) (func(*Event) bool, error) {
	since := f.Since
	until := f.Until
	if f.Last != "" {
		d, err := duration.Parse(f.Last)
		if err != nil {
			return nil, fmt.Errorf("audit filter: %w", err)
		}
		cutoff := now.Add(-d)
		since = &cutoff
	}
	dataTag := tag.Normalize(f.DataTag)

	return func(e *Event) bool {
		if f.Boundary != "" && e.Boundary != f.Boundary {
			return false
		}
		if f.Action != "" && e.Action != f.Action {
			return false
		}
		if f.PolicyName != "" && e.PolicyName != f.PolicyName {
			return false
		}
		if f.AgentID != "" && e.AgentID != f.AgentID {
			return false
		}
		if f.ToolName != "" && e.ToolName != f.ToolName {
			return false
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			return false
		}
		if f.EventID != "" && e.EventID != f.EventID {
			return false
		}
		if f.SourceAgentID != "" && e.SourceAgentID != f.SourceAgentID {
			return false
		}
		if f.DestinationAgentID != "" && e.DestinationAgentID != f.DestinationAgentID {
			return false
		}
		if dataTag != "" {
			if _, ok := tag.Expand(e.DataTags...)[dataTag]; !ok {
				return false
			}
		}
		if f.Phase != "" {
			phase, _ := e.Metadata["phase"].(string)
			if phase != f.Phase {
				return false
			}
		}
		if f.MetadataKey != "" {
			v, ok := e.Metadata[f.MetadataKey]
			if !ok {
				return false
			}
			if f.MetadataValue != nil && fmt.Sprint(v) != fmt.Sprint(f.MetadataValue) {
				return false
			}
		}
		if since != nil && e.Timestamp.Before(*since) {
			return false
		}
		if until != nil && e.Timestamp.After(*until) {
			return false
		}
		return true
	}, nil
}
