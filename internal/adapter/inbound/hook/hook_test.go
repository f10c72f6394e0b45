package hook

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/safeai-dev/safeai/internal/config"
	"github.com/safeai-dev/safeai/internal/service"
)

const hookPolicyDoc = `version: 1
rules:
  - name: block-credentials
    boundary: [input, output, action]
    action: block
    reason: credentials are blocked
    priority: 10
    condition:
      data_tags: [secret.credential]
  - name: redact-pii-out
    boundary: [output]
    action: redact
    reason: pii is masked
    priority: 20
    condition:
      data_tags: [personal.pii]
  - name: allow-rest
    boundary: [input, output, action]
    action: allow
    priority: 1000
`

const hookContractsDoc = `contracts:
  - tool_name: shell
    accepts:
      tags: [business.internal]
  - tool_name: file_write
    accepts:
      tags: [business.internal, personal.pii]
  - tool_name: file_read
    accepts:
      tags: [business.internal]
  - tool_name: network
    accepts:
      tags: [business.internal]
`

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Policies.Paths = []string{write("policies.yaml", hookPolicyDoc)}
	cfg.Contracts.Path = write("contracts.yaml", hookContractsDoc)
	cfg.Approvals.Path = filepath.Join(dir, "approvals.json")
	cfg.Audit.Output = "file://" + filepath.Join(dir, "audit.jsonl")

	enforcer, err := service.New(cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatalf("service.New() error: %v", err)
	}
	t.Cleanup(func() { _ = enforcer.Close() })
	return NewRunner(enforcer, nil)
}

func run(t *testing.T, r *Runner, envelope string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code := r.Run(context.Background(), strings.NewReader(envelope), &out)
	return code, out.String()
}

func TestRunPreToolUseAllow(t *testing.T) {
	r := newTestRunner(t)
	code, out := run(t, r, `{
		"event": "pre_tool_use",
		"tool_name": "Bash",
		"tool_input": {"command": "ls -la"}
	}`)
	if code != ExitAllow {
		t.Errorf("exit = %d (%q), want %d", code, out, ExitAllow)
	}
	if out != "" {
		t.Errorf("allow should print nothing, got %q", out)
	}
}

func TestRunPreToolUseBlocksCredential(t *testing.T) {
	r := newTestRunner(t)
	code, out := run(t, r, `{
		"event": "pre_tool_use",
		"tool_name": "Bash",
		"tool_input": {"command": "export KEY=sk-ABCDEF1234567890ABCDEF"}
	}`)
	if code != ExitBlock {
		t.Fatalf("exit = %d, want %d", code, ExitBlock)
	}
	if !strings.Contains(out, "credential") {
		t.Errorf("reason = %q", out)
	}
}

func TestRunPreToolUseUnknownToolFailsClosed(t *testing.T) {
	r := newTestRunner(t)
	// "Mystery" maps to the lowercased tool name, which has no contract.
	code, out := run(t, r, `{
		"event": "pre_tool_use",
		"tool_name": "Mystery",
		"tool_input": {"arg": "hello"}
	}`)
	if code != ExitBlock {
		t.Errorf("exit = %d (%q), want %d", code, out, ExitBlock)
	}
}

func TestRunPostToolUseRedacts(t *testing.T) {
	r := newTestRunner(t)
	code, out := run(t, r, `{
		"event": "post_tool_use",
		"tool_name": "Bash",
		"tool_output": "owner is alice@example.com"
	}`)
	if code != ExitAllow {
		t.Fatalf("exit = %d, want %d", code, ExitAllow)
	}
	if strings.Contains(out, "alice@example.com") {
		t.Errorf("output not redacted: %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("filtered text missing from stdout: %q", out)
	}
}

func TestRunPostToolUseBlocks(t *testing.T) {
	r := newTestRunner(t)
	code, out := run(t, r, `{
		"event": "post_tool_use",
		"tool_name": "Bash",
		"tool_output": {"stdout": "token sk-ABCDEF1234567890ABCDEF"}
	}`)
	if code != ExitBlock {
		t.Fatalf("exit = %d (%q), want %d", code, out, ExitBlock)
	}
}

func TestRunRejectsMalformedInput(t *testing.T) {
	r := newTestRunner(t)
	if code, _ := run(t, r, "not json"); code != ExitError {
		t.Errorf("exit = %d, want %d", code, ExitError)
	}
	if code, out := run(t, r, `{"event": "mid_tool_use"}`); code != ExitError || !strings.Contains(out, "unknown hook event") {
		t.Errorf("exit = %d (%q), want %d", code, out, ExitError)
	}
}

func TestProfileCategory(t *testing.T) {
	p := DefaultProfile()
	tests := []struct {
		tool string
		want string
	}{
		{"Bash", "shell"},
		{"Write", "file_write"},
		{"Edit", "file_write"},
		{"Read", "file_read"},
		{"WebFetch", "network"},
		{"Task", "agent"},
		{"SomethingElse", "somethingelse"},
	}
	for _, tt := range tests {
		if got := p.Category(tt.tool); got != tt.want {
			t.Errorf("Category(%s) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name     string
		category string
		input    map[string]any
		want     string
	}{
		{"shell command", "shell", map[string]any{"command": "rm -rf /tmp/x"}, "rm -rf /tmp/x"},
		{"file write content", "file_write", map[string]any{"content": "hello"}, "hello"},
		{"file write edit", "file_write", map[string]any{"new_string": "patched"}, "patched"},
		{"file read path", "file_read", map[string]any{"file_path": "/etc/passwd"}, "/etc/passwd"},
		{"network url and query", "network", map[string]any{"url": "https://x.test", "query": "weather"}, "https://x.test\nweather"},
		{"unknown category joins strings in key order", "other", map[string]any{"b": "two", "a": "one", "n": 3}, "one\ntwo"},
		{"empty input", "shell", map[string]any{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.category, tt.input); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
