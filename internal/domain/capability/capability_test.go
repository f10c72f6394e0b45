package capability

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIssueNormalizesScope(t *testing.T) {
	m := NewManager()
	tok, err := m.Issue(IssueRequest{
		AgentID:    "agent-1",
		ToolName:   "shell",
		Actions:    []string{"Execute", "execute", " READ ", ""},
		TTL:        "15m",
		SecretKeys: []string{"db_password", "db_password", "api_key"},
	})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if want := []string{"execute", "read"}; !reflect.DeepEqual(tok.Scope.Actions, want) {
		t.Errorf("actions = %v, want %v", tok.Scope.Actions, want)
	}
	if want := []string{"api_key", "db_password"}; !reflect.DeepEqual(tok.Scope.SecretKeys, want) {
		t.Errorf("secret keys = %v, want %v", tok.Scope.SecretKeys, want)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != 15*time.Minute {
		t.Errorf("ttl = %v, want 15m", got)
	}
}

func TestIssueRejectsBadRequests(t *testing.T) {
	m := NewManager()

	if _, err := m.Issue(IssueRequest{ToolName: "shell", Actions: []string{"read"}, TTL: "1h"}); err == nil {
		t.Error("expected error for missing agent_id")
	}
	if _, err := m.Issue(IssueRequest{AgentID: "a", Actions: []string{"read"}, TTL: "1h"}); err == nil {
		t.Error("expected error for missing tool_name")
	}
	if _, err := m.Issue(IssueRequest{AgentID: "a", ToolName: "shell", TTL: "1h"}); !errors.Is(err, ErrNoActions) {
		t.Errorf("error = %v, want ErrNoActions", err)
	}
	if _, err := m.Issue(IssueRequest{AgentID: "a", ToolName: "shell", Actions: []string{"read"}, TTL: "soon"}); err == nil {
		t.Error("expected error for invalid ttl")
	}
}

func TestValidateBindings(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(fixedClock(now)))

	tok, err := m.Issue(IssueRequest{
		AgentID:   "agent-1",
		ToolName:  "database",
		Actions:   []string{"query"},
		TTL:       "1h",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	tests := []struct {
		name    string
		agent   string
		tool    string
		action  string
		session string
		want    bool
	}{
		{"exact match", "agent-1", "database", "query", "sess-1", true},
		{"action case-insensitive", "agent-1", "database", "QUERY", "sess-1", true},
		{"wrong agent", "agent-2", "database", "query", "sess-1", false},
		{"wrong tool", "agent-1", "shell", "query", "sess-1", false},
		{"ungranted action", "agent-1", "database", "delete", "sess-1", false},
		{"wrong session", "agent-1", "database", "query", "sess-2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Validate(tok.TokenID, tt.agent, tt.tool, tt.action, tt.session)
			if res.Allowed != tt.want {
				t.Errorf("Validate() allowed = %v (%s), want %v", res.Allowed, res.Reason, tt.want)
			}
		})
	}

	if res := m.Validate("cap_unknown", "agent-1", "database", "query", "sess-1"); res.Allowed {
		t.Error("unknown token must not validate")
	}
}

func TestSessionlessTokenMatchesAnySession(t *testing.T) {
	m := NewManager()
	tok, err := m.Issue(IssueRequest{
		AgentID:  "agent-1",
		ToolName: "shell",
		Actions:  []string{"execute"},
		TTL:      "1h",
	})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if res := m.Validate(tok.TokenID, "agent-1", "shell", "execute", "any-session"); !res.Allowed {
		t.Errorf("sessionless token should match any session: %s", res.Reason)
	}
}

func TestExpiryAndRevocation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := NewManager(WithClock(func() time.Time { return clock }))

	tok, err := m.Issue(IssueRequest{
		AgentID:  "agent-1",
		ToolName: "shell",
		Actions:  []string{"execute"},
		TTL:      "10m",
	})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if res := m.Validate(tok.TokenID, "agent-1", "shell", "execute", ""); !res.Allowed {
		t.Fatalf("fresh token should validate: %s", res.Reason)
	}

	clock = now.Add(10 * time.Minute)
	if res := m.Validate(tok.TokenID, "agent-1", "shell", "execute", ""); res.Allowed {
		t.Error("token at exact expiry must not validate")
	}

	// Revocation before expiry.
	clock = now
	tok2, _ := m.Issue(IssueRequest{AgentID: "agent-1", ToolName: "shell", Actions: []string{"execute"}, TTL: "10m"})
	if err := m.Revoke(tok2.TokenID); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if res := m.Validate(tok2.TokenID, "agent-1", "shell", "execute", ""); res.Allowed {
		t.Error("revoked token must not validate")
	}
	// Idempotent.
	if err := m.Revoke(tok2.TokenID); err != nil {
		t.Errorf("second Revoke() error: %v", err)
	}
	if err := m.Revoke("cap_missing"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("Revoke(unknown) error = %v, want ErrUnknownToken", err)
	}
}

func TestPurgeExpiredKeepsRevoked(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := NewManager(WithClock(func() time.Time { return clock }))

	short, _ := m.Issue(IssueRequest{AgentID: "a", ToolName: "t", Actions: []string{"x"}, TTL: "1m"})
	long, _ := m.Issue(IssueRequest{AgentID: "a", ToolName: "t", Actions: []string{"x"}, TTL: "1h"})
	m.Revoke(long.TokenID)

	clock = now.Add(5 * time.Minute)
	if purged := m.PurgeExpired(); purged != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", purged)
	}
	if m.Get(short.TokenID) != nil {
		t.Error("expired token should be purged")
	}
	if m.Get(long.TokenID) == nil {
		t.Error("revoked unexpired token should survive purge")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}
