// Package secret implements scope-gated secret resolution. Secrets live in
// pluggable backends; the manager resolves a key only when a capability
// token's secret_keys scope covers it, and never persists plaintext.
package secret

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/capability"
	"github.com/safeai-dev/safeai/internal/domain/policy"
)

// ErrKeyNotFound is the sentinel backends return for a missing key.
var ErrKeyNotFound = errors.New("secret key not found")

// AccessDeniedError reports a resolution blocked by capability scoping.
// The message never contains a secret value.
type AccessDeniedError struct {
	SecretKey string
	Reason    string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("secret access denied for %q: %s", e.SecretKey, e.Reason)
}

// NotFoundError reports a key the backend does not hold.
type NotFoundError struct {
	SecretKey string
	Backend   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %q not found in backend %q", e.SecretKey, e.Backend)
}

// Backend supplies secret values by key. Implementations return
// ErrKeyNotFound (possibly wrapped) for missing keys.
type Backend interface {
	Name() string
	GetSecret(key string) (string, error)
}

// EnvBackend resolves keys from process environment variables. It is
// preinstalled in every manager under the name "env".
type EnvBackend struct{}

func (EnvBackend) Name() string { return "env" }

func (EnvBackend) GetSecret(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%w: env %q", ErrKeyNotFound, key)
	}
	return v, nil
}

// StaticBackend is an in-memory key/value backend, used for embedded
// deployments and tests.
type StaticBackend struct {
	name   string
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticBackend builds a named in-memory backend from a value map.
func NewStaticBackend(name string, values map[string]string) *StaticBackend {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &StaticBackend{name: name, values: cp}
}

func (b *StaticBackend) Name() string { return b.name }

func (b *StaticBackend) GetSecret(key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s %q", ErrKeyNotFound, b.name, key)
	}
	return v, nil
}

// Set installs or replaces one value.
func (b *StaticBackend) Set(key, value string) {
	b.mu.Lock()
	b.values[key] = value
	b.mu.Unlock()
}

// FileBackend resolves keys from a flat YAML map on disk, read fresh on
// every call so external rotation is picked up without restarts.
type FileBackend struct {
	name string
	path string
}

// NewFileBackend builds a backend over a YAML key/value file.
func NewFileBackend(name, path string) *FileBackend {
	return &FileBackend{name: name, path: path}
}

func (b *FileBackend) Name() string { return b.name }

func (b *FileBackend) GetSecret(key string) (string, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return "", fmt.Errorf("read secret file %s: %w", b.path, err)
	}
	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return "", fmt.Errorf("parse secret file %s: %w", b.path, err)
	}
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s %q", ErrKeyNotFound, b.name, key)
	}
	return v, nil
}

// Resolved is a successfully resolved secret. Its string forms mask the
// value; callers must use Value() deliberately.
type Resolved struct {
	Key     string
	Backend string
	value   string
}

// Value returns the plaintext.
func (r Resolved) Value() string { return r.value }

// String masks the value.
func (r Resolved) String() string {
	return fmt.Sprintf("Resolved(key=%s backend=%s value=****)", r.Key, r.Backend)
}

// GoString masks the value in %#v output as well.
func (r Resolved) GoString() string { return r.String() }

// Manager is the backend registry plus the capability-scoped resolution
// path. Every resolution, allowed or not, is audited.
type Manager struct {
	mu           sync.RWMutex
	backends     map[string]Backend
	capabilities *capability.Manager
	emitter      audit.Emitter
}

// NewManager builds a manager with the env backend preinstalled.
func NewManager(capabilities *capability.Manager, emitter audit.Emitter) *Manager {
	if emitter == nil {
		emitter = audit.Discard
	}
	return &Manager{
		backends:     map[string]Backend{"env": EnvBackend{}},
		capabilities: capabilities,
		emitter:      emitter,
	}
}

// RegisterBackend installs a backend under its own name, replacing any
// previous backend with that name.
func (m *Manager) RegisterBackend(b Backend) error {
	if b == nil || b.Name() == "" {
		return errors.New("secret backend requires a name")
	}
	m.mu.Lock()
	m.backends[b.Name()] = b
	m.mu.Unlock()
	return nil
}

// Backends returns the registered backend names sorted ascending.
func (m *Manager) Backends() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.backends))
	for name := range m.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ResolveRequest carries the full context of one resolution.
type ResolveRequest struct {
	TokenID   string
	SecretKey string
	AgentID   string
	ToolName  string
	Action    string
	SessionID string
	Backend   string
}

// Resolve returns the secret value when the capability token validates for
// the context and its secret_keys scope covers the key. Denials surface as
// *AccessDeniedError, missing keys as *NotFoundError; both are audited with
// action deny before returning.
func (m *Manager) Resolve(req ResolveRequest) (Resolved, error) {
	backendName := req.Backend
	if backendName == "" {
		backendName = "env"
	}

	cv := m.capabilities.Validate(req.TokenID, req.AgentID, req.ToolName, req.Action, req.SessionID)
	if !cv.Allowed {
		return Resolved{}, m.deny(req, backendName, cv.Reason)
	}
	if len(cv.Token.Scope.SecretKeys) == 0 {
		return Resolved{}, m.deny(req, backendName, "capability token does not grant secret-key access")
	}
	if !cv.Token.GrantsSecretKey(req.SecretKey) {
		return Resolved{}, m.deny(req, backendName, fmt.Sprintf("capability token scope does not include secret key %q", req.SecretKey))
	}

	m.mu.RLock()
	backend, ok := m.backends[backendName]
	m.mu.RUnlock()
	if !ok {
		return Resolved{}, m.deny(req, backendName, fmt.Sprintf("unknown secret backend %q", backendName))
	}

	value, err := backend.GetSecret(req.SecretKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			m.audit(req, backendName, "secret key not found", "error")
			return Resolved{}, &NotFoundError{SecretKey: req.SecretKey, Backend: backendName}
		}
		m.audit(req, backendName, "backend failure", "error")
		return Resolved{}, fmt.Errorf("secret backend %q: %w", backendName, err)
	}

	m.audit(req, backendName, "secret resolved under capability scope", "ok")
	return Resolved{Key: req.SecretKey, Backend: backendName, value: value}, nil
}

// deny audits and wraps one denial. The reason never includes values.
func (m *Manager) deny(req ResolveRequest, backendName, reason string) error {
	m.audit(req, backendName, reason, "error")
	return &AccessDeniedError{SecretKey: req.SecretKey, Reason: reason}
}

func (m *Manager) audit(req ResolveRequest, backendName, reason, result string) {
	action := audit.ActionDeny
	if result == "ok" {
		action = audit.ActionAllow
	}
	e := audit.New(policy.BoundaryAction, action, req.AgentID, reason)
	e.ToolName = req.ToolName
	e.SessionID = req.SessionID
	e.Metadata = map[string]any{
		"phase":      "secret_resolve",
		"secret_key": req.SecretKey,
		"backend":    backendName,
		"result":     result,
	}
	_ = m.emitter.Emit(e)
}
