package audit

import "strings"

// RedactionMask replaces sensitive metadata values.
const RedactionMask = "***REDACTED***"

// sensitiveKeywords lists substrings that mark a metadata key as sensitive.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// bannedExportKeys are stripped outright from events headed to advisory
// backends, on top of the value masking every written event already gets.
var bannedExportKeys = []string{
	"parameters", "filtered_params", "response_keys", "detections",
	"value", "original", "text",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isBannedExportKey(key string) bool {
	lower := strings.ToLower(key)
	for _, banned := range bannedExportKeys {
		if lower == banned {
			return true
		}
	}
	return false
}

// SanitizeMetadata returns a copy of md with values under sensitive keys
// masked, recursing into nested maps. Applied to every event before it is
// hashed and written, so secret values never land in the log verbatim.
func SanitizeMetadata(md map[string]any) map[string]any {
	if len(md) == 0 {
		return md
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		if isSensitiveKey(k) {
			out[k] = RedactionMask
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = SanitizeMetadata(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// ExportProjection renders an event for consumers outside the trust
// boundary: ban-listed metadata keys are removed entirely and the remainder
// re-masked. The on-disk record is never modified.
func ExportProjection(e Event) map[string]any {
	md := make(map[string]any, len(e.Metadata))
	for k, v := range SanitizeMetadata(e.Metadata) {
		if isBannedExportKey(k) {
			continue
		}
		md[k] = v
	}
	return map[string]any{
		"event_id":     e.EventID,
		"timestamp":    e.Timestamp,
		"boundary":     e.Boundary,
		"action":       e.Action,
		"policy_name":  e.PolicyName,
		"reason":       e.Reason,
		"data_tags":    e.DataTags,
		"agent_id":     e.AgentID,
		"tool_name":    e.ToolName,
		"session_id":   e.SessionID,
		"context_hash": e.ContextHash,
		"metadata":     md,
	}
}
