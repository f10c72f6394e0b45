package boundary

import (
	"fmt"
	"strings"
)

// renderFallback substitutes {name} placeholders in a fallback template.
// Unknown placeholders are preserved literally, and a malformed template
// (an unclosed brace) renders the remainder literally; fallback rendering
// never fails.
func renderFallback(template string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		b.WriteString(template[i:open])

		close := strings.IndexByte(template[open:], '}')
		if close < 0 {
			b.WriteString(template[open:])
			break
		}
		close += open

		name := template[open+1 : close]
		if value, ok := vars[name]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(template[open : close+1])
		}
		i = close + 1
	}
	return b.String()
}

// fallbackVars builds the template variable set for one guard outcome.
func fallbackVars(original, redacted, reason, policyName, action, agentID string, dataTags []string, detections int) map[string]string {
	return map[string]string{
		"original":    original,
		"redacted":    redacted,
		"reason":      reason,
		"policy_name": policyName,
		"action":      action,
		"agent_id":    agentID,
		"data_tags":   strings.Join(dataTags, ", "),
		"detections":  fmt.Sprintf("%d", detections),
	}
}
