package boundary

import (
	"context"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/classify"
	"github.com/safeai-dev/safeai/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustClassifier(t *testing.T) *classify.Classifier {
	t.Helper()
	c, err := classify.New()
	if err != nil {
		t.Fatalf("classify.New() error: %v", err)
	}
	return c
}

func mustEngine(t *testing.T, rules []policy.Rule) *policy.Engine {
	t.Helper()
	e, err := policy.NewEngine(nil, policy.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	if err := e.SetRules(rules); err != nil {
		t.Fatalf("SetRules() error: %v", err)
	}
	return e
}

// collector buffers emitted audit events.
type collector struct {
	events []audit.Event
}

func (c *collector) Emit(e audit.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *collector) last(t *testing.T) audit.Event {
	t.Helper()
	if len(c.events) == 0 {
		t.Fatal("no audit events emitted")
	}
	return c.events[len(c.events)-1]
}

// inputRules is a typical input policy: redact PII, block credentials,
// allow the rest.
func inputRules() []policy.Rule {
	return []policy.Rule{
		{
			Name:       "block-credentials",
			Boundaries: []policy.Boundary{policy.BoundaryInput},
			Action:     policy.ActionBlock,
			Reason:     "credentials may not enter the model",
			Priority:   10,
			Condition:  policy.Condition{DataTags: policy.StringList{"secret.credential"}},
		},
		{
			Name:       "redact-pii",
			Boundaries: []policy.Boundary{policy.BoundaryInput},
			Action:     policy.ActionRedact,
			Reason:     "pii is masked",
			Priority:   20,
			Condition:  policy.Condition{DataTags: policy.StringList{"personal.pii"}},
		},
		{
			Name:       "allow-rest",
			Boundaries: []policy.Boundary{policy.BoundaryInput},
			Action:     policy.ActionAllow,
			Reason:     "clean",
			Priority:   1000,
		},
	}
}

func TestInputScanner(t *testing.T) {
	sink := &collector{}
	s := NewInputScanner(mustClassifier(t), mustEngine(t, inputRules()), sink)

	t.Run("allow passes text through", func(t *testing.T) {
		res := s.Scan(context.Background(), "nothing sensitive", "agent-1", "sess-1")
		if res.Decision.Action != policy.ActionAllow {
			t.Fatalf("action = %s", res.Decision.Action)
		}
		if res.Filtered != "nothing sensitive" {
			t.Errorf("filtered = %q", res.Filtered)
		}
		e := sink.last(t)
		if e.Boundary != policy.BoundaryInput || e.Action != audit.ActionAllow {
			t.Errorf("audit event = %+v", e)
		}
		if e.Metadata["phase"] != "input_scan" {
			t.Errorf("metadata = %v", e.Metadata)
		}
	})

	t.Run("redact masks detected spans", func(t *testing.T) {
		res := s.Scan(context.Background(), "email alice@example.com please", "agent-1", "")
		if res.Decision.Action != policy.ActionRedact {
			t.Fatalf("action = %s (%s)", res.Decision.Action, res.Decision.Reason)
		}
		if strings.Contains(res.Filtered, "alice@example.com") {
			t.Errorf("filtered text still contains the address: %q", res.Filtered)
		}
		if !strings.Contains(res.Filtered, RedactionMask) {
			t.Errorf("filtered text lacks the mask: %q", res.Filtered)
		}
		if !reflect.DeepEqual(res.DataTags, []string{"personal.pii"}) {
			t.Errorf("data tags = %v", res.DataTags)
		}
	})

	t.Run("block empties the text", func(t *testing.T) {
		res := s.Scan(context.Background(), "key sk-ABCDEF1234567890ABCDEF", "agent-1", "")
		if res.Decision.Action != policy.ActionBlock {
			t.Fatalf("action = %s (%s)", res.Decision.Action, res.Decision.Reason)
		}
		if res.Filtered != "" {
			t.Errorf("blocked text must be withheld, got %q", res.Filtered)
		}
		if e := sink.last(t); e.Action != audit.ActionBlock {
			t.Errorf("audit action = %s", e.Action)
		}
	})

	t.Run("one audit event per scan", func(t *testing.T) {
		before := len(sink.events)
		s.Scan(context.Background(), "hello", "agent-1", "")
		if got := len(sink.events) - before; got != 1 {
			t.Errorf("emitted %d events, want 1", got)
		}
	})
}

func TestInputScannerDefaultDeny(t *testing.T) {
	s := NewInputScanner(mustClassifier(t), mustEngine(t, nil), &collector{})
	res := s.Scan(context.Background(), "anything", "agent-1", "")
	if res.Decision.Action != policy.ActionBlock {
		t.Errorf("empty rule set must default deny, got %s", res.Decision.Action)
	}
	if res.Filtered != "" {
		t.Errorf("filtered = %q", res.Filtered)
	}
}

func TestOutputGuardFallbackTemplate(t *testing.T) {
	rules := []policy.Rule{
		{
			Name:             "no-pii-out",
			Boundaries:       []policy.Boundary{policy.BoundaryOutput},
			Action:           policy.ActionBlock,
			Reason:           "pii may not leave",
			Priority:         10,
			Condition:        policy.Condition{DataTags: policy.StringList{"personal.pii"}},
			FallbackTemplate: "Removed {detections} finding(s) per {policy_name}: {reason}",
		},
		{
			Name:       "allow-rest",
			Boundaries: []policy.Boundary{policy.BoundaryOutput},
			Action:     policy.ActionAllow,
			Priority:   1000,
		},
	}
	sink := &collector{}
	g := NewOutputGuard(mustClassifier(t), mustEngine(t, rules), sink)

	res := g.Guard(context.Background(), "reach me at alice@example.com", "agent-1", "sess-1")
	if res.Decision.Action != policy.ActionBlock {
		t.Fatalf("action = %s (%s)", res.Decision.Action, res.Decision.Reason)
	}
	if !res.FallbackUsed {
		t.Error("fallback template should be rendered on block")
	}
	want := "Removed 1 finding(s) per no-pii-out: pii may not leave"
	if res.Filtered != want {
		t.Errorf("filtered = %q, want %q", res.Filtered, want)
	}
	if e := sink.last(t); e.Metadata["fallback_used"] != true {
		t.Errorf("metadata = %v", e.Metadata)
	}
}

func TestOutputGuardAllowSkipsFallback(t *testing.T) {
	rules := []policy.Rule{{
		Name:             "allow-all",
		Boundaries:       []policy.Boundary{policy.BoundaryOutput},
		Action:           policy.ActionAllow,
		Priority:         10,
		FallbackTemplate: "never shown",
	}}
	g := NewOutputGuard(mustClassifier(t), mustEngine(t, rules), nil)

	res := g.Guard(context.Background(), "plain text", "agent-1", "")
	if res.FallbackUsed {
		t.Error("fallback must not render on allow")
	}
	if res.Filtered != "plain text" {
		t.Errorf("filtered = %q", res.Filtered)
	}
}

func TestStructuredScanner(t *testing.T) {
	sink := &collector{}
	s := NewStructuredScanner(mustClassifier(t), mustEngine(t, inputRules()), sink)

	payload := map[string]any{
		"name":  "order #42",
		"email": "alice@example.com",
		"items": []any{"book", map[string]any{"note": "ship to bob@example.com"}},
		"count": float64(2),
	}

	res := s.Scan(context.Background(), payload, "agent-1", "sess-1")
	if res.Decision.Action != policy.ActionRedact {
		t.Fatalf("action = %s (%s)", res.Decision.Action, res.Decision.Reason)
	}
	if !reflect.DeepEqual(res.DataTags, []string{"personal.pii"}) {
		t.Errorf("data tags = %v", res.DataTags)
	}

	filtered, ok := res.Filtered.(map[string]any)
	if !ok {
		t.Fatalf("filtered is %T", res.Filtered)
	}
	if filtered["email"] == "alice@example.com" {
		t.Error("detected leaf was not redacted")
	}
	if filtered["name"] != "order #42" {
		t.Errorf("clean leaf changed: %v", filtered["name"])
	}
	items := filtered["items"].([]any)
	inner := items[1].(map[string]any)
	if strings.Contains(inner["note"].(string), "bob@example.com") {
		t.Errorf("nested leaf was not redacted: %v", inner["note"])
	}
	// Original payload untouched.
	if payload["email"] != "alice@example.com" {
		t.Error("scan mutated the input payload")
	}

	if res.NodesScanned == 0 {
		t.Error("nodes_scanned not counted")
	}
	if e := sink.last(t); e.Metadata["phase"] != "structured_scan" {
		t.Errorf("metadata = %v", e.Metadata)
	}
}

func TestStructuredScannerBlockWithholdsPayload(t *testing.T) {
	s := NewStructuredScanner(mustClassifier(t), mustEngine(t, inputRules()), nil)
	res := s.Scan(context.Background(), map[string]any{
		"token": "sk-ABCDEF1234567890ABCDEF",
	}, "agent-1", "")
	if res.Decision.Action != policy.ActionBlock {
		t.Fatalf("action = %s", res.Decision.Action)
	}
	if res.Filtered != nil {
		t.Errorf("blocked payload must be nil, got %v", res.Filtered)
	}
}

func TestRedactSpansMergesOverlaps(t *testing.T) {
	text := "abcdefghij"
	detections := []classify.Detection{
		{Start: 2, End: 6},
		{Start: 4, End: 8},
		{Start: 4, End: 5},
	}
	got := redactSpans(text, detections)
	want := "ab" + RedactionMask + "ij"
	if got != want {
		t.Errorf("redactSpans() = %q, want %q", got, want)
	}

	// Out-of-range spans are skipped.
	if got := redactSpans("short", []classify.Detection{{Start: -1, End: 3}, {Start: 2, End: 99}}); got != "short" {
		t.Errorf("invalid spans should leave text unchanged, got %q", got)
	}
}

func TestRenderFallback(t *testing.T) {
	vars := map[string]string{"reason": "pii", "action": "block"}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"substitution", "blocked: {reason}", "blocked: pii"},
		{"multiple", "{action}/{reason}", "block/pii"},
		{"unknown placeholder preserved", "{nope} {reason}", "{nope} pii"},
		{"unclosed brace literal", "tail {reason", "tail {reason"},
		{"no placeholders", "static", "static"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderFallback(tt.template, vars); got != tt.want {
				t.Errorf("renderFallback(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}
