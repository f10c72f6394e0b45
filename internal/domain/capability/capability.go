// Package capability implements short-lived scoped tokens that gate tool
// invocation and secret resolution. Tokens bind an agent to one tool, a set
// of actions, an optional session, and an optional set of secret keys.
package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/safeai-dev/safeai/internal/domain/duration"
	"github.com/safeai-dev/safeai/internal/domain/ident"
)

var (
	// ErrNoActions reports an issue request with an empty action set.
	ErrNoActions = errors.New("capability token requires at least one action")

	// ErrUnknownToken reports a validate or revoke against a token id the
	// manager has never issued (or has purged).
	ErrUnknownToken = errors.New("unknown capability token")
)

// Scope is the authority a token carries.
type Scope struct {
	ToolName   string   `json:"tool_name"`
	Actions    []string `json:"actions"`
	SecretKeys []string `json:"secret_keys,omitempty"`
}

// Token is one issued capability. Active means not revoked and not past
// expiry; expired tokens stay in the manager until PurgeExpired runs.
type Token struct {
	TokenID   string         `json:"token_id"`
	AgentID   string         `json:"agent_id"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	SessionID string         `json:"session_id,omitempty"`
	Scope     Scope          `json:"scope"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RevokedAt *time.Time     `json:"revoked_at,omitempty"`
}

// Active reports whether the token is usable at the given instant.
func (t *Token) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// GrantsAction reports whether the token's scope includes an action.
func (t *Token) GrantsAction(action string) bool {
	action = strings.ToLower(action)
	for _, a := range t.Scope.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// GrantsSecretKey reports whether the token's scope includes a secret key.
func (t *Token) GrantsSecretKey(key string) bool {
	for _, k := range t.Scope.SecretKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ValidationResult is the outcome of a token check.
type ValidationResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Token   *Token `json:"-"`
}

func deny(format string, args ...any) ValidationResult {
	return ValidationResult{Reason: fmt.Sprintf(format, args...)}
}

// Manager issues, validates, and revokes capability tokens. The clock is
// injectable for tests; all reads of "now" go through it.
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*Token
	now    func() time.Time
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns an empty token manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		tokens: make(map[string]*Token),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueRequest carries the parameters of one issuance.
type IssueRequest struct {
	AgentID    string
	ToolName   string
	Actions    []string
	TTL        string
	SecretKeys []string
	SessionID  string
	Metadata   map[string]any
}

// Issue mints a token. Actions are lowercased and deduplicated, secret keys
// deduplicated; the TTL uses the compact duration grammar. An empty action
// set or an invalid TTL is an error.
func (m *Manager) Issue(req IssueRequest) (*Token, error) {
	if req.AgentID == "" {
		return nil, errors.New("capability token requires agent_id")
	}
	if req.ToolName == "" {
		return nil, errors.New("capability token requires tool_name")
	}
	actions := dedupeLower(req.Actions)
	if len(actions) == 0 {
		return nil, ErrNoActions
	}
	ttl, err := duration.Parse(req.TTL)
	if err != nil {
		return nil, fmt.Errorf("capability token ttl: %w", err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("capability token ttl %q must be positive", req.TTL)
	}

	now := m.now().UTC()
	t := &Token{
		TokenID:   ident.Capability(),
		AgentID:   req.AgentID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		SessionID: req.SessionID,
		Scope: Scope{
			ToolName:   req.ToolName,
			Actions:    actions,
			SecretKeys: dedupe(req.SecretKeys),
		},
		Metadata: req.Metadata,
	}

	m.mu.Lock()
	m.tokens[t.TokenID] = t
	m.mu.Unlock()
	return t, nil
}

// Get returns a copy of a token, or nil when unknown.
func (m *Manager) Get(tokenID string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// Validate checks a token against the full invocation context. It allows
// only when the token is active, the agent, tool, and action all bind, and
// the session matches whenever the token carries one.
func (m *Manager) Validate(tokenID, agentID, toolName, action, sessionID string) ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[tokenID]
	if !ok {
		return deny("capability token %q is not recognized", tokenID)
	}
	if t.RevokedAt != nil {
		return deny("capability token %q was revoked at %s", tokenID, t.RevokedAt.Format(time.RFC3339))
	}
	now := m.now().UTC()
	if !now.Before(t.ExpiresAt) {
		return deny("capability token %q expired at %s", tokenID, t.ExpiresAt.Format(time.RFC3339))
	}
	if t.AgentID != agentID {
		return deny("capability token %q is bound to a different agent", tokenID)
	}
	if t.Scope.ToolName != toolName {
		return deny("capability token %q does not cover tool %q", tokenID, toolName)
	}
	if !t.GrantsAction(action) {
		return deny("capability token %q does not grant action %q", tokenID, action)
	}
	if t.SessionID != "" && t.SessionID != sessionID {
		return deny("capability token %q is bound to a different session", tokenID)
	}
	return ValidationResult{Allowed: true, Reason: "capability token validated", Token: t}
}

// Revoke marks a token revoked. Revocation is permanent and idempotent.
func (m *Manager) Revoke(tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownToken, tokenID)
	}
	if t.RevokedAt == nil {
		now := m.now().UTC()
		t.RevokedAt = &now
	}
	return nil
}

// PurgeExpired removes tokens past expiry and returns how many were dropped.
// Revoked-but-unexpired tokens are kept so revocation stays observable.
func (m *Manager) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	purged := 0
	for id, t := range m.tokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.tokens, id)
			purged++
		}
	}
	return purged
}

// Len returns the number of tokens currently held, expired included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func dedupeLower(in []string) []string {
	lowered := make([]string, 0, len(in))
	for _, s := range in {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(s)))
	}
	return dedupe(lowered)
}
