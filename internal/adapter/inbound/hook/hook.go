// Package hook is the stdio surface for coding-agent integration. It reads
// one JSON envelope from stdin, runs the matching boundary pipeline, and
// exits 0 (allow), 1 (block, reason on stdout), or 2 (processing error).
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/safeai-dev/safeai/internal/domain/boundary"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/service"
)

// Exit codes of the hook process.
const (
	ExitAllow = 0
	ExitBlock = 1
	ExitError = 2
)

// Envelope is the one-shot request read from stdin.
type Envelope struct {
	Event      string         `json:"event"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput any            `json:"tool_output,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
}

// defaultAgentID attributes hook traffic when the envelope names no agent.
const defaultAgentID = "hook"

// Profile maps a coding agent's external tool names to canonical
// categories used in policies and contracts.
type Profile struct {
	Name       string
	Categories map[string]string
}

// Category resolves an external tool name; unknown names fall back to the
// lowercased tool name so policies can still match them directly.
func (p Profile) Category(toolName string) string {
	if c, ok := p.Categories[toolName]; ok {
		return c
	}
	return strings.ToLower(toolName)
}

// DefaultProfile covers the common coding-agent tool vocabulary.
func DefaultProfile() Profile {
	return Profile{
		Name: "default",
		Categories: map[string]string{
			"Bash":         "shell",
			"Write":        "file_write",
			"Edit":         "file_write",
			"NotebookEdit": "file_write",
			"Read":         "file_read",
			"Glob":         "file_read",
			"Grep":         "file_read",
			"WebFetch":     "network",
			"WebSearch":    "network",
			"Task":         "agent",
		},
	}
}

// extractText picks the scannable payload for a category from the tool
// input. Unknown categories concatenate every string parameter in key
// order so nothing silently escapes scanning.
func extractText(category string, input map[string]any) string {
	str := func(key string) string {
		s, _ := input[key].(string)
		return s
	}
	switch category {
	case "shell":
		return str("command")
	case "file_write":
		if content := str("content"); content != "" {
			return content
		}
		return str("new_string")
	case "file_read":
		return str("file_path")
	case "network":
		parts := []string{}
		for _, key := range []string{"url", "query", "prompt"} {
			if v := str(key); v != "" {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, "\n")
	default:
		keys := make([]string, 0, len(input))
		for k := range input {
			if _, ok := input[k].(string); ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, input[k].(string))
		}
		return strings.Join(parts, "\n")
	}
}

// Runner processes hook envelopes against the engine.
type Runner struct {
	enforcer *service.Enforcer
	profile  Profile
	logger   *slog.Logger
}

// NewRunner builds a hook runner with the default profile.
func NewRunner(enforcer *service.Enforcer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		enforcer: enforcer,
		profile:  DefaultProfile(),
		logger:   logger.With("component", "hook"),
	}
}

// SetProfile replaces the agent profile.
func (r *Runner) SetProfile(p Profile) { r.profile = p }

// Run reads one envelope from stdin and writes the outcome to stdout,
// returning the process exit code.
func (r *Runner) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) int {
	var env Envelope
	if err := json.NewDecoder(stdin).Decode(&env); err != nil {
		fmt.Fprintf(stdout, "invalid hook envelope: %v\n", err)
		return ExitError
	}
	if env.AgentID == "" {
		env.AgentID = defaultAgentID
	}

	switch env.Event {
	case "pre_tool_use":
		return r.preToolUse(ctx, env, stdout)
	case "post_tool_use":
		return r.postToolUse(ctx, env, stdout)
	default:
		fmt.Fprintf(stdout, "unknown hook event %q\n", env.Event)
		return ExitError
	}
}

// preToolUse scans the extracted payload at the input boundary, then runs
// the request-phase action pipeline under the canonical tool category.
func (r *Runner) preToolUse(ctx context.Context, env Envelope, stdout io.Writer) int {
	category := r.profile.Category(env.ToolName)
	text := extractText(category, env.ToolInput)

	if text != "" {
		scan := r.enforcer.ScanInput(ctx, text, env.AgentID, env.SessionID)
		if scan.Decision.Action == policy.ActionBlock || scan.Decision.Action == policy.ActionRequireApproval {
			fmt.Fprintln(stdout, scan.Decision.Reason)
			return ExitBlock
		}
	}

	res := r.enforcer.InterceptToolRequest(ctx, boundary.ToolCall{
		ToolName:   category,
		AgentID:    env.AgentID,
		Parameters: env.ToolInput,
		SessionID:  env.SessionID,
		ActionType: category,
	})
	if res.Decision.Action == policy.ActionBlock || res.Decision.Action == policy.ActionRequireApproval {
		fmt.Fprintln(stdout, res.Decision.Reason)
		return ExitBlock
	}
	return ExitAllow
}

// postToolUse guards the tool output at the output boundary, printing the
// filtered text so the caller can substitute it on redaction.
func (r *Runner) postToolUse(ctx context.Context, env Envelope, stdout io.Writer) int {
	text := outputText(env.ToolOutput)
	res := r.enforcer.GuardOutput(ctx, text, env.AgentID, env.SessionID)
	switch res.Decision.Action {
	case policy.ActionBlock, policy.ActionRequireApproval:
		fmt.Fprintln(stdout, res.Decision.Reason)
		return ExitBlock
	case policy.ActionRedact:
		fmt.Fprintln(stdout, res.Filtered)
		return ExitAllow
	default:
		return ExitAllow
	}
}

// outputText flattens a tool output into scannable text: strings pass
// through, everything else is JSON-rendered.
func outputText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
