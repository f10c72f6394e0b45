// Package approval implements the durable approval workflow that gates
// require_approval decisions. Requests persist to one JSON Lines file per
// manager; other processes sharing the file are picked up by mtime polling
// before every operation.
package approval

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/safeai-dev/safeai/internal/domain/duration"
	"github.com/safeai-dev/safeai/internal/domain/ident"
)

// Status is the lifecycle state of one approval request. Pending rows may
// transition to approved, denied, or expired; every other state is final.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// Request is one durable approval request.
type Request struct {
	RequestID    string         `json:"request_id"`
	Status       Status         `json:"status"`
	Reason       string         `json:"reason"`
	PolicyName   string         `json:"policy_name,omitempty"`
	AgentID      string         `json:"agent_id"`
	ToolName     string         `json:"tool_name"`
	SessionID    string         `json:"session_id,omitempty"`
	ActionType   string         `json:"action_type"`
	DataTags     []string       `json:"data_tags"`
	RequestedAt  time.Time      `json:"requested_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
	ApproverID   string         `json:"approver_id,omitempty"`
	DecisionNote string         `json:"decision_note,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	DedupeKey    string         `json:"dedupe_key,omitempty"`
}

// PendingUnexpired reports whether the row is pending and still inside its
// TTL at the given instant.
func (r *Request) PendingUnexpired(now time.Time) bool {
	return r.Status == StatusPending && now.Before(r.ExpiresAt)
}

// ValidationResult is the outcome of checking an approval against an
// invocation context.
type ValidationResult struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason"`
	Status  Status   `json:"status,omitempty"`
	Request *Request `json:"-"`
}

// DedupeKey builds the deterministic identity of one logical request:
// agent|tool|session|source|sorted-tags-csv|sorted-param-keys-csv. The same
// logical request maps to the same key across retries and restarts.
func DedupeKey(agentID, toolName, sessionID, source string, dataTags, paramKeys []string) string {
	tags := append([]string(nil), dataTags...)
	sort.Strings(tags)
	keys := append([]string(nil), paramKeys...)
	sort.Strings(keys)
	return strings.Join([]string{
		agentID, toolName, sessionID, source,
		strings.Join(tags, ","), strings.Join(keys, ","),
	}, "|")
}

func normalizeDedupeKey(key string) string {
	return strings.TrimSpace(key)
}

// Manager owns the in-memory request map and its backing file. Before every
// read or mutation it compares the file's mtime to the last snapshot and
// reloads on change, so cooperating processes converge at file-sync
// granularity.
type Manager struct {
	mu       sync.Mutex
	path     string
	requests map[string]*Request
	mtime    int64
	now      func() time.Time
}

// Option configures the manager.
type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager opens (or creates) the backing file and loads every row.
// Individual malformed lines are an error: the approval file is ours alone
// and a bad row means state corruption, unlike the forward-compatible audit
// log.
func NewManager(path string, opts ...Option) (*Manager, error) {
	m := &Manager{
		path:     path,
		requests: make(map[string]*Request),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create approval directory: %w", err)
	}
	if err := m.loadLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateRequest carries the parameters of one approval request.
type CreateRequest struct {
	Reason     string
	PolicyName string
	AgentID    string
	ToolName   string
	SessionID  string
	ActionType string
	DataTags   []string
	TTL        string
	Metadata   map[string]any
	DedupeKey  string
}

// Create persists a new pending request, or returns the existing pending
// unexpired row when the dedupe key already has one. This is the at-most-one
// concurrent pending approval guarantee.
func (m *Manager) Create(req CreateRequest) (*Request, error) {
	if req.AgentID == "" || req.ToolName == "" {
		return nil, errors.New("approval request requires agent_id and tool_name")
	}
	ttl, err := duration.Parse(req.TTL)
	if err != nil {
		return nil, fmt.Errorf("approval request ttl: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadIfChangedLocked()
	m.expirePendingLocked()

	key := normalizeDedupeKey(req.DedupeKey)
	now := m.now().UTC()
	if key != "" {
		if existing := m.findByDedupeLocked(key, now); existing != nil {
			cp := *existing
			return &cp, nil
		}
	}

	r := &Request{
		RequestID:   ident.Approval(),
		Status:      StatusPending,
		Reason:      req.Reason,
		PolicyName:  req.PolicyName,
		AgentID:     req.AgentID,
		ToolName:    req.ToolName,
		SessionID:   req.SessionID,
		ActionType:  req.ActionType,
		DataTags:    append([]string{}, req.DataTags...),
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
		Metadata:    req.Metadata,
		DedupeKey:   key,
	}
	m.requests[r.RequestID] = r
	if err := m.persistLocked(); err != nil {
		delete(m.requests, r.RequestID)
		return nil, err
	}
	cp := *r
	return &cp, nil
}

// Get returns a copy of a request, lazily reclassifying expired pending
// rows. Returns nil when the id is unknown.
func (m *Manager) Get(requestID string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadIfChangedLocked()
	m.expirePendingLocked()
	r, ok := m.requests[requestID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// List returns requests filtered by status ("" means all), newest first.
func (m *Manager) List(status Status) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadIfChangedLocked()
	m.expirePendingLocked()
	out := make([]Request, 0, len(m.requests))
	for _, r := range m.requests {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out
}

// Approve decides a pending unexpired request. Returns false when the row is
// unknown, already decided, or expired.
func (m *Manager) Approve(requestID, approverID, note string) bool {
	return m.decide(requestID, approverID, note, StatusApproved)
}

// Deny decides a pending unexpired request. Returns false when the row is
// unknown, already decided, or expired.
func (m *Manager) Deny(requestID, approverID, note string) bool {
	return m.decide(requestID, approverID, note, StatusDenied)
}

func (m *Manager) decide(requestID, approverID, note string, to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadIfChangedLocked()
	m.expirePendingLocked()

	r, ok := m.requests[requestID]
	if !ok {
		return false
	}
	now := m.now().UTC()
	if !r.PendingUnexpired(now) {
		return false
	}
	r.Status = to
	r.ApproverID = approverID
	r.DecisionNote = note
	r.DecidedAt = &now
	if err := m.persistLocked(); err != nil {
		// Keep the in-memory decision; the next successful mutation
		// rewrites the file.
		return true
	}
	return true
}

// Validate checks whether an approved request covers the supplied context.
// Only approved rows whose agent, tool, and session bindings match return
// allow; every other state names its status in the reason.
func (m *Manager) Validate(requestID, agentID, toolName, sessionID string) ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadIfChangedLocked()
	m.expirePendingLocked()

	r, ok := m.requests[requestID]
	if !ok {
		return ValidationResult{Reason: fmt.Sprintf("approval request %q is not recognized", requestID)}
	}
	if r.Status != StatusApproved {
		return ValidationResult{
			Reason:  fmt.Sprintf("approval request %q is %s", requestID, r.Status),
			Status:  r.Status,
			Request: r,
		}
	}
	if r.AgentID != agentID || r.ToolName != toolName || r.SessionID != sessionID {
		return ValidationResult{
			Reason:  fmt.Sprintf("approval request %q is bound to a different context", requestID),
			Status:  r.Status,
			Request: r,
		}
	}
	return ValidationResult{
		Allowed: true,
		Reason:  fmt.Sprintf("approval request %q approved", requestID),
		Status:  StatusApproved,
		Request: r,
	}
}

// findByDedupeLocked returns the pending unexpired row with the given key.
func (m *Manager) findByDedupeLocked(key string, now time.Time) *Request {
	for _, r := range m.requests {
		if r.DedupeKey == key && r.PendingUnexpired(now) {
			return r
		}
	}
	return nil
}

// expirePendingLocked reclassifies pending rows past expiry and persists
// when any changed.
func (m *Manager) expirePendingLocked() {
	now := m.now().UTC()
	changed := false
	for _, r := range m.requests {
		if r.Status == StatusPending && !now.Before(r.ExpiresAt) {
			r.Status = StatusExpired
			changed = true
		}
	}
	if changed {
		_ = m.persistLocked()
	}
}

// reloadIfChangedLocked re-reads the backing file when its mtime moved.
func (m *Manager) reloadIfChangedLocked() {
	current := statMtime(m.path)
	if current == m.mtime {
		return
	}
	_ = m.loadLocked()
}

// loadLocked replaces the in-memory map from disk. A missing file is an
// empty manager. Blank trailing lines are tolerated; malformed rows fail.
func (m *Manager) loadLocked() error {
	m.requests = make(map[string]*Request)
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.mtime = statMtime(m.path)
			return nil
		}
		return fmt.Errorf("open approval file %s: %w", m.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Request
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return fmt.Errorf("approval file %s: malformed row: %w", m.path, err)
		}
		if !r.Status.Valid() || !ident.ValidApproval(r.RequestID) {
			return fmt.Errorf("approval file %s: invalid row %q", m.path, r.RequestID)
		}
		m.requests[r.RequestID] = &r
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read approval file %s: %w", m.path, err)
	}
	m.mtime = statMtime(m.path)
	return nil
}

// persistLocked rewrites the backing file sorted by requested_at ascending
// and snapshots the resulting mtime.
func (m *Manager) persistLocked() error {
	rows := make([]*Request, 0, len(m.requests))
	for _, r := range m.requests {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].RequestedAt.Equal(rows[j].RequestedAt) {
			return rows[i].RequestedAt.Before(rows[j].RequestedAt)
		}
		return rows[i].RequestID < rows[j].RequestID
	})

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("write approval file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal approval request %s: %w", r.RequestID, err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush approval file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close approval file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace approval file: %w", err)
	}
	m.mtime = statMtime(m.path)
	return nil
}

func statMtime(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return fi.ModTime().UnixNano()
}
