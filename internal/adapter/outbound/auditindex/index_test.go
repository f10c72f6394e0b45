package auditindex

import (
	"path/filepath"
	"testing"

	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/policy"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func insert(t *testing.T, x *Index, boundary policy.Boundary, action audit.Action, agentID, toolName string) audit.Event {
	t.Helper()
	e := audit.New(boundary, action, agentID, "indexed event")
	e.ToolName = toolName
	if err := e.Finalize(); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if err := x.Insert(e); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	return e
}

func TestInsertAndQuery(t *testing.T) {
	x := newTestIndex(t)
	insert(t, x, policy.BoundaryInput, audit.ActionAllow, "agent-1", "")
	blocked := insert(t, x, policy.BoundaryAction, audit.ActionBlock, "agent-1", "shell")
	insert(t, x, policy.BoundaryAction, audit.ActionBlock, "agent-2", "shell")

	got, err := x.Query(audit.Filter{Boundary: policy.BoundaryAction, AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 1 || got[0].EventID != blocked.EventID {
		t.Errorf("Query() = %+v", got)
	}

	if n, err := x.Count(); err != nil || n != 3 {
		t.Errorf("Count() = %d, %v", n, err)
	}
}

func TestInsertIdempotent(t *testing.T) {
	x := newTestIndex(t)
	e := insert(t, x, policy.BoundaryInput, audit.ActionAllow, "agent-1", "")

	// Rebuilds re-insert the same events; duplicates are ignored.
	if err := x.Insert(e); err != nil {
		t.Fatalf("duplicate Insert() error: %v", err)
	}
	if n, _ := x.Count(); n != 1 {
		t.Errorf("Count() = %d after duplicate insert", n)
	}
}

func TestQueryToolAndLimit(t *testing.T) {
	x := newTestIndex(t)
	for i := 0; i < 3; i++ {
		insert(t, x, policy.BoundaryAction, audit.ActionAllow, "agent-1", "crm")
	}
	insert(t, x, policy.BoundaryAction, audit.ActionAllow, "agent-1", "shell")

	got, err := x.Query(audit.Filter{ToolName: "crm", Limit: 2})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Query() = %d events, want 2", len(got))
	}
	for _, e := range got {
		if e.ToolName != "crm" {
			t.Errorf("tool = %q", e.ToolName)
		}
	}
}

func TestQueryTagFilterUsesMatcher(t *testing.T) {
	x := newTestIndex(t)
	tagged := audit.New(policy.BoundaryOutput, audit.ActionRedact, "agent-1", "pii out")
	tagged.DataTags = []string{"personal.pii.ssn"}
	if err := tagged.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := x.Insert(tagged); err != nil {
		t.Fatal(err)
	}
	insert(t, x, policy.BoundaryOutput, audit.ActionAllow, "agent-1", "")

	// Tag matching is hierarchical and runs outside SQL.
	got, err := x.Query(audit.Filter{DataTag: "personal.pii"})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 1 || got[0].EventID != tagged.EventID {
		t.Errorf("Query() = %+v", got)
	}
}

func TestOpenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	x, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	insert(t, x, policy.BoundaryInput, audit.ActionAllow, "agent-1", "")
	if err := x.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()
	if n, _ := reopened.Count(); n != 1 {
		t.Errorf("Count() after reopen = %d", n)
	}
}
