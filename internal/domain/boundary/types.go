// Package boundary implements the four enforcement pipelines: the input
// scanner, the structured scanner, the output guard, and the action
// interceptor, plus the agent-to-agent message pipeline built on them.
// Every pipeline composes the classifier, the policy engine, and the audit
// log, and yields identical decisions whether invoked via SDK, HTTP, or
// stdio hook.
package boundary

import (
	"sort"

	"github.com/safeai-dev/safeai/internal/domain/classify"
	"github.com/safeai-dev/safeai/internal/domain/policy"
)

// RedactionMask replaces detected spans under a redact decision.
const RedactionMask = "[REDACTED]"

// ScanResult is the outcome of scanning scalar text at the input or output
// boundary.
type ScanResult struct {
	Decision   policy.Decision      `json:"decision"`
	DataTags   []string             `json:"data_tags"`
	Detections []classify.Detection `json:"detections,omitempty"`
	Filtered   string               `json:"filtered"`
}

// GuardResult is the outcome of guarding outbound text. Filtered holds the
// fallback rendering when a template was applied.
type GuardResult struct {
	Decision     policy.Decision      `json:"decision"`
	DataTags     []string             `json:"data_tags"`
	Detections   []classify.Detection `json:"detections,omitempty"`
	Filtered     string               `json:"filtered"`
	FallbackUsed bool                 `json:"fallback_used"`
}

// StructuredScanResult is the outcome of scanning a JSON-like payload.
// Filtered is nil when the decision blocks the payload.
type StructuredScanResult struct {
	Decision     policy.Decision                 `json:"decision"`
	DataTags     []string                        `json:"data_tags"`
	Detections   map[string][]classify.Detection `json:"detections,omitempty"`
	Filtered     any                             `json:"filtered"`
	NodesScanned int                             `json:"nodes_scanned"`
}

// ToolCall carries one tool invocation through the action interceptor.
type ToolCall struct {
	ToolName           string         `json:"tool_name"`
	AgentID            string         `json:"agent_id"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	DataTags           []string       `json:"data_tags,omitempty"`
	SessionID          string         `json:"session_id,omitempty"`
	SourceAgentID      string         `json:"source_agent_id,omitempty"`
	DestinationAgentID string         `json:"destination_agent_id,omitempty"`
	ActionType         string         `json:"action_type,omitempty"`
	CapabilityTokenID  string         `json:"capability_token_id,omitempty"`
	CapabilityAction   string         `json:"capability_action,omitempty"`
	ApprovalRequestID  string         `json:"approval_request_id,omitempty"`
}

// InterceptResult is the request-phase outcome.
type InterceptResult struct {
	Decision       policy.Decision `json:"decision"`
	FilteredParams map[string]any  `json:"filtered_params"`
	StrippedFields []string        `json:"stripped_fields,omitempty"`
}

// ResponseInterceptResult is the response-phase outcome.
type ResponseInterceptResult struct {
	Decision         policy.Decision `json:"decision"`
	FilteredResponse map[string]any  `json:"filtered_response"`
	StrippedFields   []string        `json:"stripped_fields,omitempty"`
	StrippedTags     []string        `json:"stripped_tags,omitempty"`
}

// AgentMessage is one inter-agent message crossing the action boundary.
type AgentMessage struct {
	Message            string   `json:"message"`
	SourceAgentID      string   `json:"source_agent_id"`
	DestinationAgentID string   `json:"destination_agent_id"`
	DataTags           []string `json:"data_tags,omitempty"`
	SessionID          string   `json:"session_id,omitempty"`
	ApprovalRequestID  string   `json:"approval_request_id,omitempty"`
}

// AgentMessageResult is the outcome of the agent message pipeline.
type AgentMessageResult struct {
	Decision          policy.Decision `json:"decision"`
	DataTags          []string        `json:"data_tags"`
	FilteredMessage   string          `json:"filtered_message"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
}

// span is a half-open byte range.
type span struct {
	start int
	end   int
}

// redactSpans replaces each detection span with the redaction mask,
// right-to-left so earlier offsets stay valid. Overlapping spans are merged
// before replacement.
func redactSpans(text string, detections []classify.Detection) string {
	if len(detections) == 0 {
		return text
	}
	spans := make([]span, 0, len(detections))
	for _, d := range detections {
		if d.Start < 0 || d.End > len(text) || d.Start >= d.End {
			continue
		}
		spans = append(spans, span{start: d.Start, end: d.End})
	}
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end < spans[j].end
	})

	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	out := text
	for i := len(merged) - 1; i >= 0; i-- {
		out = out[:merged[i].start] + RedactionMask + out[merged[i].end:]
	}
	return out
}

// paramKeys returns a map's keys sorted ascending.
func paramKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
