// Package safeai provides a Go SDK for the SafeAI enforcement API.
//
// SafeAI is a runtime policy enforcement engine for AI agents. This SDK
// lets Go programs submit text, structured payloads, tool calls, and
// inter-agent messages to a running SafeAI sidecar or gateway and act on
// the returned decisions. It uses only the Go standard library (net/http)
// with zero external dependencies.
//
// Quick start:
//
//	// Set SAFEAI_SERVER_ADDR (and SAFEAI_API_KEY if required), then:
//	client := safeai.NewClient()
//
//	res, err := client.InterceptTool(ctx, safeai.ToolCall{
//	    ToolName: "shell",
//	    AgentID:  "agent-1",
//	    Parameters: map[string]any{"command": "ls"},
//	})
//	if err != nil {
//	    // transport failure; decisions themselves are never errors
//	}
//	if res.Decision.Action == safeai.ActionBlock {
//	    fmt.Println("blocked:", res.Decision.Reason)
//	}
package safeai

// Action is a policy decision outcome.
type Action string

const (
	// ActionAllow lets the operation proceed unchanged.
	ActionAllow Action = "allow"

	// ActionRedact lets the operation proceed with sensitive spans masked.
	ActionRedact Action = "redact"

	// ActionBlock stops the operation.
	ActionBlock Action = "block"

	// ActionRequireApproval holds the operation pending a human decision.
	ActionRequireApproval Action = "require_approval"
)

// Decision is the outcome attached to every enforcement result.
type Decision struct {
	// Action is the decision outcome.
	Action Action `json:"action"`

	// PolicyName names the policy that produced the decision, if any.
	PolicyName string `json:"policy_name,omitempty"`

	// Reason explains the decision in human-readable terms.
	Reason string `json:"reason"`

	// ApprovalRequestID identifies the pending approval when the action
	// is require_approval.
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
}

// Allowed reports whether the operation may proceed unchanged.
func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// Detection is one classifier hit inside scanned text.
type Detection struct {
	// Tag is the data tag the detector assigns (e.g. "pii.email").
	Tag string `json:"tag"`

	// Detector names the pattern or plugin that matched.
	Detector string `json:"detector"`

	// Start and End delimit the matched byte range, half-open.
	Start int `json:"start"`
	End   int `json:"end"`
}

// ScanRequest submits text to the input boundary.
type ScanRequest struct {
	// Text is the content to scan.
	Text string `json:"text"`

	// AgentID attributes the scan for policy matching and audit.
	AgentID string `json:"agent_id"`

	// SessionID optionally groups related events.
	SessionID string `json:"session_id,omitempty"`
}

// ScanResult is the outcome of scanning scalar text.
type ScanResult struct {
	Decision   Decision    `json:"decision"`
	DataTags   []string    `json:"data_tags"`
	Detections []Detection `json:"detections,omitempty"`

	// Filtered is the text after any redaction.
	Filtered string `json:"filtered"`
}

// StructuredScanRequest submits a JSON-like payload to the input boundary.
type StructuredScanRequest struct {
	Payload   any    `json:"payload"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
}

// StructuredScanResult is the outcome of scanning a structured payload.
// Filtered is nil when the decision blocks the payload.
type StructuredScanResult struct {
	Decision     Decision               `json:"decision"`
	DataTags     []string               `json:"data_tags"`
	Detections   map[string][]Detection `json:"detections,omitempty"`
	Filtered     any                    `json:"filtered"`
	NodesScanned int                    `json:"nodes_scanned"`
}

// GuardResult is the outcome of guarding outbound text. Filtered holds the
// fallback rendering when a template was applied.
type GuardResult struct {
	Decision     Decision    `json:"decision"`
	DataTags     []string    `json:"data_tags"`
	Detections   []Detection `json:"detections,omitempty"`
	Filtered     string      `json:"filtered"`
	FallbackUsed bool        `json:"fallback_used"`
}

// ToolCall is one tool invocation submitted to the action boundary.
type ToolCall struct {
	// ToolName names the tool being invoked.
	ToolName string `json:"tool_name"`

	// AgentID is the invoking agent.
	AgentID string `json:"agent_id"`

	// Parameters are the tool arguments; field-level contract rules apply
	// to them.
	Parameters map[string]any `json:"parameters,omitempty"`

	// DataTags declares tags already known to be present in the call.
	DataTags []string `json:"data_tags,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// SourceAgentID and DestinationAgentID identify the endpoints in
	// gateway mode, where both are required.
	SourceAgentID      string `json:"source_agent_id,omitempty"`
	DestinationAgentID string `json:"destination_agent_id,omitempty"`

	// ActionType overrides the action category used for policy matching.
	ActionType string `json:"action_type,omitempty"`

	// CapabilityTokenID and CapabilityAction present a capability token
	// for tools that demand one.
	CapabilityTokenID string `json:"capability_token_id,omitempty"`
	CapabilityAction  string `json:"capability_action,omitempty"`

	// ApprovalRequestID resubmits a call previously held for approval.
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
}

// InterceptResult is the request-phase outcome of a tool interception.
type InterceptResult struct {
	Decision       Decision       `json:"decision"`
	FilteredParams map[string]any `json:"filtered_params"`
	StrippedFields []string       `json:"stripped_fields,omitempty"`
}

// ResponseInterceptResult is the response-phase outcome.
type ResponseInterceptResult struct {
	Decision         Decision       `json:"decision"`
	FilteredResponse map[string]any `json:"filtered_response"`
	StrippedFields   []string       `json:"stripped_fields,omitempty"`
	StrippedTags     []string       `json:"stripped_tags,omitempty"`
}

// AgentMessage is one inter-agent message submitted to the action boundary.
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
	Decision          Decision `json:"decision"`
	DataTags          []string `json:"data_tags"`
	FilteredMessage   string   `json:"filtered_message"`
	ApprovalRequestID string   `json:"approval_request_id,omitempty"`
}

// MemoryWriteRequest writes a value through the memory boundary.
type MemoryWriteRequest struct {
	// Store names the target memory store; may be empty when the server
	// has exactly one store configured.
	Store   string `json:"store,omitempty"`
	Key     string `json:"key"`
	Value   any    `json:"value"`
	AgentID string `json:"agent_id"`
}

// MemoryReadResult is the outcome of a memory read. Encrypted fields never
// expose Value; HandleID carries the opaque reference instead.
type MemoryReadResult struct {
	Found     bool   `json:"found"`
	Value     any    `json:"value,omitempty"`
	HandleID  string `json:"handle_id,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}
