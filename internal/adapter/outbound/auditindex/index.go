// Package auditindex mirrors emitted audit events into a SQLite table with
// indexed columns, backing fast filtered queries. The JSONL audit file
// remains the source of truth; the index can be rebuilt from it at any time.
package auditindex

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/safeai-dev/safeai/internal/domain/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id     TEXT PRIMARY KEY,
	timestamp    TEXT NOT NULL,
	boundary     TEXT NOT NULL,
	action       TEXT NOT NULL,
	policy_name  TEXT,
	agent_id     TEXT NOT NULL,
	tool_name    TEXT,
	session_id   TEXT,
	source_agent TEXT,
	dest_agent   TEXT,
	context_hash TEXT NOT NULL,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_boundary ON audit_events (boundary, action);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_events (agent_id);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_events (tool_name);
`

// Index is the SQLite mirror. Safe for concurrent use; database/sql
// serializes access to the single-file database.
type Index struct {
	db *sql.DB
}

// Open creates or opens the index database and ensures the schema.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit index %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Insert mirrors one finalized event. Duplicate event ids are ignored so a
// rebuild over an existing index is idempotent.
func (x *Index) Insert(e audit.Event) error {
	payload, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal audit event %s: %w", e.EventID, err)
	}
	_, err = x.db.Exec(`
		INSERT OR IGNORE INTO audit_events
		(event_id, timestamp, boundary, action, policy_name, agent_id,
		 tool_name, session_id, source_agent, dest_agent, context_hash, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Boundary),
		string(e.Action), e.PolicyName, e.AgentID, e.ToolName, e.SessionID,
		e.SourceAgentID, e.DestinationAgentID, e.ContextHash, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert audit event %s: %w", e.EventID, err)
	}
	return nil
}

// Query evaluates a filter using indexed columns where possible and the
// in-memory matcher for the remainder (tags, phase, metadata).
func (x *Index) Query(f audit.Filter) ([]audit.Event, error) {
	match, err := f.Matcher(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.Boundary != "" {
		add("boundary = ?", string(f.Boundary))
	}
	if f.Action != "" {
		add("action = ?", string(f.Action))
	}
	if f.PolicyName != "" {
		add("policy_name = ?", f.PolicyName)
	}
	if f.AgentID != "" {
		add("agent_id = ?", f.AgentID)
	}
	if f.ToolName != "" {
		add("tool_name = ?", f.ToolName)
	}
	if f.SessionID != "" {
		add("session_id = ?", f.SessionID)
	}
	if f.EventID != "" {
		add("event_id = ?", f.EventID)
	}
	if f.SourceAgentID != "" {
		add("source_agent = ?", f.SourceAgentID)
	}
	if f.DestinationAgentID != "" {
		add("dest_agent = ?", f.DestinationAgentID)
	}

	query := "SELECT payload FROM audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OldestFirst {
		query += " ORDER BY timestamp ASC"
	} else {
		query += " ORDER BY timestamp DESC"
	}

	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit index: %w", err)
	}
	defer rows.Close()

	out := []audit.Event{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit index row: %w", err)
		}
		var e audit.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			continue
		}
		if !match(&e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

// Count returns the number of mirrored events.
func (x *Index) Count() (int, error) {
	var n int
	err := x.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&n)
	return n, err
}

// Close releases the database handle.
func (x *Index) Close() error { return x.db.Close() }
