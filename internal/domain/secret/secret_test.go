package secret

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/capability"
)

func issueToken(t *testing.T, caps *capability.Manager, secretKeys ...string) *capability.Token {
	t.Helper()
	tok, err := caps.Issue(capability.IssueRequest{
		AgentID:    "agent-1",
		ToolName:   "database",
		Actions:    []string{"query"},
		TTL:        "1h",
		SecretKeys: secretKeys,
	})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	return tok
}

func TestResolveScoped(t *testing.T) {
	caps := capability.NewManager()
	var events []audit.Event
	m := NewManager(caps, audit.EmitterFunc(func(e audit.Event) error {
		events = append(events, e)
		return nil
	}))
	m.RegisterBackend(NewStaticBackend("vault", map[string]string{
		"db_password": "hunter2",
	}))

	tok := issueToken(t, caps, "db_password")

	res, err := m.Resolve(ResolveRequest{
		TokenID:   tok.TokenID,
		SecretKey: "db_password",
		AgentID:   "agent-1",
		ToolName:  "database",
		Action:    "query",
		Backend:   "vault",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Value() != "hunter2" {
		t.Errorf("Value() = %q, want hunter2", res.Value())
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].Action != audit.ActionAllow {
		t.Errorf("audit action = %s, want allow", events[0].Action)
	}
	if events[0].Metadata["secret_key"] != "db_password" {
		t.Errorf("audit metadata = %v", events[0].Metadata)
	}
}

func TestResolveDenials(t *testing.T) {
	caps := capability.NewManager()
	var events []audit.Event
	m := NewManager(caps, audit.EmitterFunc(func(e audit.Event) error {
		events = append(events, e)
		return nil
	}))
	m.RegisterBackend(NewStaticBackend("vault", map[string]string{"db_password": "hunter2"}))

	unscoped := issueToken(t, caps)                 // no secret keys at all
	wrongKey := issueToken(t, caps, "api_key")      // different key
	scoped := issueToken(t, caps, "db_password")    // correct key

	tests := []struct {
		name string
		req  ResolveRequest
	}{
		{
			name: "invalid token",
			req:  ResolveRequest{TokenID: "cap_missing", SecretKey: "db_password", AgentID: "agent-1", ToolName: "database", Action: "query", Backend: "vault"},
		},
		{
			name: "no secret scope",
			req:  ResolveRequest{TokenID: unscoped.TokenID, SecretKey: "db_password", AgentID: "agent-1", ToolName: "database", Action: "query", Backend: "vault"},
		},
		{
			name: "key outside scope",
			req:  ResolveRequest{TokenID: wrongKey.TokenID, SecretKey: "db_password", AgentID: "agent-1", ToolName: "database", Action: "query", Backend: "vault"},
		},
		{
			name: "unknown backend",
			req:  ResolveRequest{TokenID: scoped.TokenID, SecretKey: "db_password", AgentID: "agent-1", ToolName: "database", Action: "query", Backend: "ghost"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Resolve(tt.req)
			var denied *AccessDeniedError
			if !errors.As(err, &denied) {
				t.Fatalf("error = %v, want *AccessDeniedError", err)
			}
			if strings.Contains(denied.Error(), "hunter2") {
				t.Error("denial message leaked the secret value")
			}
		})
	}

	// Every denial is audited as a deny.
	for i, e := range events {
		if e.Action != audit.ActionDeny {
			t.Errorf("event %d action = %s, want deny", i, e.Action)
		}
	}
	if len(events) != len(tests) {
		t.Errorf("expected %d audit events, got %d", len(tests), len(events))
	}
}

func TestResolveNotFound(t *testing.T) {
	caps := capability.NewManager()
	m := NewManager(caps, nil)
	m.RegisterBackend(NewStaticBackend("vault", nil))

	tok := issueToken(t, caps, "missing_key")
	_, err := m.Resolve(ResolveRequest{
		TokenID:   tok.TokenID,
		SecretKey: "missing_key",
		AgentID:   "agent-1",
		ToolName:  "database",
		Action:    "query",
		Backend:   "vault",
	})
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want *NotFoundError", err)
	}
	if notFound.Backend != "vault" {
		t.Errorf("backend = %q, want vault", notFound.Backend)
	}
}

func TestResolvedMasksValue(t *testing.T) {
	r := Resolved{Key: "k", Backend: "env", value: "plaintext"}
	for _, rendered := range []string{
		fmt.Sprint(r),
		fmt.Sprintf("%v", r),
		fmt.Sprintf("%+v", r),
		fmt.Sprintf("%#v", r),
		fmt.Sprintf("%s", r),
	} {
		if strings.Contains(rendered, "plaintext") {
			t.Errorf("rendering leaked the value: %s", rendered)
		}
	}
	if r.Value() != "plaintext" {
		t.Error("Value() must return the plaintext")
	}
}

func TestEnvBackend(t *testing.T) {
	t.Setenv("SECRET_TEST_VALUE", "from-env")
	b := EnvBackend{}
	v, err := b.GetSecret("SECRET_TEST_VALUE")
	if err != nil {
		t.Fatalf("GetSecret() error: %v", err)
	}
	if v != "from-env" {
		t.Errorf("GetSecret() = %q", v)
	}
	if _, err := b.GetSecret("SECRET_TEST_DEFINITELY_UNSET"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("error = %v, want ErrKeyNotFound", err)
	}
}

func TestFileBackendReadsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("api_key: first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	b := NewFileBackend("file", path)

	v, err := b.GetSecret("api_key")
	if err != nil {
		t.Fatalf("GetSecret() error: %v", err)
	}
	if v != "first" {
		t.Errorf("GetSecret() = %q, want first", v)
	}

	// Rotation is picked up without restarts.
	if err := os.WriteFile(path, []byte("api_key: second\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	v, err = b.GetSecret("api_key")
	if err != nil {
		t.Fatalf("GetSecret() after rotation error: %v", err)
	}
	if v != "second" {
		t.Errorf("GetSecret() after rotation = %q, want second", v)
	}
}
