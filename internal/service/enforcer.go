// Package service wires the enforcement engine together: classifier, policy
// engine, registries, managers, boundary pipelines, audit log, and alerts.
// All three surfaces (SDK, HTTP, stdio hook) call the same Enforcer methods,
// so decisions are identical regardless of entry point.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/safeai-dev/safeai/internal/adapter/outbound/auditindex"
	"github.com/safeai-dev/safeai/internal/adapter/outbound/auditlog"
	"github.com/safeai-dev/safeai/internal/config"
	"github.com/safeai-dev/safeai/internal/domain/alert"
	"github.com/safeai-dev/safeai/internal/domain/approval"
	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/auth"
	"github.com/safeai-dev/safeai/internal/domain/boundary"
	"github.com/safeai-dev/safeai/internal/domain/capability"
	"github.com/safeai-dev/safeai/internal/domain/classify"
	"github.com/safeai-dev/safeai/internal/domain/contract"
	"github.com/safeai-dev/safeai/internal/domain/identity"
	"github.com/safeai-dev/safeai/internal/domain/memory"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/domain/secret"
)

// FileNotFoundError reports a scan target that does not exist. It propagates
// to the caller after the denial has been audited.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("scan file %q: not found", e.Path)
}

// FileScanResult is the outcome of scanning a file. Mode is "structured" for
// JSON documents, "text" otherwise; exactly one of Scan/Structured is set.
type FileScanResult struct {
	Mode       string                         `json:"mode"`
	Scan       *boundary.ScanResult           `json:"scan,omitempty"`
	Structured *boundary.StructuredScanResult `json:"structured,omitempty"`
}

// Enforcer is the composition root. Construct with New from configuration;
// every field is wired once and shared by all surfaces.
type Enforcer struct {
	cfg    *config.Config
	logger *slog.Logger

	classifier   *classify.Classifier
	plugins      *classify.PluginRegistry
	engine       *policy.Engine
	contracts    *contract.Registry
	identities   *identity.Registry
	capabilities *capability.Manager
	approvals    *approval.Manager
	secrets      *secret.Manager
	stores       map[string]*memory.Store
	storeOrder   []string
	alerts       *alert.Evaluator
	verifier     *auth.Verifier

	log   *auditlog.Logger
	index *auditindex.Index

	scanner     *boundary.InputScanner
	guard       *boundary.OutputGuard
	structured  *boundary.StructuredScanner
	interceptor *boundary.ActionInterceptor
	messages    *boundary.MessagePipeline
}

// New builds the full engine from configuration. Loader and schema failures
// are fatal: the engine never starts with a partially-valid rule set.
func New(cfg *config.Config, logger *slog.Logger) (*Enforcer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enforcer{
		cfg:    cfg,
		logger: logger.With("component", "enforcer"),
		stores: make(map[string]*memory.Store),
	}

	extra := make([]classify.DetectorSpec, 0, len(cfg.Classifier.Patterns))
	for _, p := range cfg.Classifier.Patterns {
		extra = append(extra, classify.DetectorSpec{Name: p.Name, Tag: p.Tag, Pattern: p.Pattern})
	}
	classifier, err := classify.New(extra...)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}
	e.classifier = classifier
	e.plugins = classify.NewPluginRegistry(classifier)

	engineOpts := []policy.EngineOption{policy.WithLogger(logger)}
	if cfg.Policies.CacheSize > 0 {
		engineOpts = append(engineOpts, policy.WithCacheSize(cfg.Policies.CacheSize))
	}
	var loader policy.LoaderFunc
	if len(cfg.Policies.Paths) > 0 {
		loader = policy.FileLoader(cfg.Policies.Paths...)
		engineOpts = append(engineOpts, policy.WithWatchedFiles(cfg.Policies.Paths...))
	} else {
		// No policy files: the engine runs default-deny.
		loader = policy.StaticLoader(nil)
	}
	engine, err := policy.NewEngine(loader, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("build policy engine: %w", err)
	}
	e.engine = engine

	e.contracts = contract.NewRegistry()
	if cfg.Contracts.Path != "" {
		if err := e.contracts.LoadFile(cfg.Contracts.Path); err != nil {
			return nil, fmt.Errorf("load tool contracts: %w", err)
		}
	}
	e.identities = identity.NewRegistry()
	if cfg.Identities.Path != "" {
		if err := e.identities.LoadFile(cfg.Identities.Path); err != nil {
			return nil, fmt.Errorf("load agent identities: %w", err)
		}
	}

	e.capabilities = capability.NewManager()
	e.approvals, err = approval.NewManager(cfg.Approvals.Path)
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}

	if err := e.buildAuditLog(); err != nil {
		return nil, err
	}
	if err := e.buildAlerts(); err != nil {
		return nil, err
	}

	e.secrets = secret.NewManager(e.capabilities, e.log)
	for _, b := range cfg.Secrets {
		var backend secret.Backend
		switch b.Type {
		case "env":
			backend = secret.EnvBackend{}
		case "static":
			backend = secret.NewStaticBackend(b.Name, b.Values)
		case "file":
			backend = secret.NewFileBackend(b.Name, b.Path)
		default:
			return nil, fmt.Errorf("secret backend %q: unknown type %q", b.Name, b.Type)
		}
		if err := e.secrets.RegisterBackend(backend); err != nil {
			return nil, fmt.Errorf("register secret backend %q: %w", b.Name, err)
		}
	}

	if cfg.Memory.SchemasPath != "" {
		schemas, err := memory.LoadSchemas(cfg.Memory.SchemasPath)
		if err != nil {
			return nil, fmt.Errorf("load memory schemas: %w", err)
		}
		for _, schema := range schemas {
			store, err := memory.NewStore(schema, engine, e.log)
			if err != nil {
				return nil, fmt.Errorf("build memory store %q: %w", schema.Name, err)
			}
			e.stores[schema.Name] = store
			e.storeOrder = append(e.storeOrder, schema.Name)
		}
	}

	e.verifier = auth.NewVerifier(cfg.Server.AdminKeyHashes)

	e.scanner = boundary.NewInputScanner(classifier, engine, e.log)
	e.guard = boundary.NewOutputGuard(classifier, engine, e.log)
	e.structured = boundary.NewStructuredScanner(classifier, engine, e.log)
	e.interceptor = boundary.NewActionInterceptor(
		engine, e.contracts, e.identities, e.capabilities, e.approvals,
		classifier, e.log,
		boundary.WithApprovalTTL(cfg.Approvals.DefaultTTL),
	)
	e.messages = boundary.NewMessagePipeline(classifier, engine, e.approvals, e.log)

	return e, nil
}

// buildAuditLog opens the audit sink per audit.output, plus the optional
// SQLite index mirror.
func (e *Enforcer) buildAuditLog() error {
	var opts []auditlog.Option
	if e.cfg.Audit.CacheSize > 0 {
		opts = append(opts, auditlog.WithCacheSize(e.cfg.Audit.CacheSize))
	}
	opts = append(opts, auditlog.WithLogger(e.logger))

	output := e.cfg.Audit.Output
	if output == "stdout" || output == "" {
		e.log = auditlog.NewStdout(opts...)
	} else {
		path := strings.TrimPrefix(output, "file://")
		log, err := auditlog.New(path, opts...)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		e.log = log
	}

	if e.cfg.Audit.IndexPath != "" {
		index, err := auditindex.Open(e.cfg.Audit.IndexPath)
		if err != nil {
			return fmt.Errorf("open audit index: %w", err)
		}
		e.index = index
		e.log.OnEmit(func(ev audit.Event) {
			if err := index.Insert(ev); err != nil {
				e.logger.Error("audit index insert failed", "event_id", ev.EventID, "error", err)
			}
		})
	}
	return nil
}

// buildAlerts loads alert rules and registers channels; empty rules_path
// disables alerting entirely.
func (e *Enforcer) buildAlerts() error {
	if e.cfg.Alerts.RulesPath == "" {
		return nil
	}
	rules, err := alert.LoadRules(e.cfg.Alerts.RulesPath)
	if err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}
	evaluator, err := alert.NewEvaluator(rules, alert.WithLogger(e.logger))
	if err != nil {
		return fmt.Errorf("build alert evaluator: %w", err)
	}
	evaluator.RegisterChannel(alert.NewSlogChannel("log", e.logger))
	if e.cfg.Alerts.FilePath != "" {
		evaluator.RegisterChannel(alert.NewFileChannel("file", e.cfg.Alerts.FilePath))
	}
	if e.cfg.Alerts.WebhookURL != "" {
		evaluator.RegisterChannel(alert.NewWebhookChannel("webhook", e.cfg.Alerts.WebhookURL, 10*time.Second))
	}
	e.alerts = evaluator
	e.log.OnEmit(func(ev audit.Event) {
		evaluator.Observe(&ev)
	})
	return nil
}

// ScanInput runs the input boundary over scalar text.
func (e *Enforcer) ScanInput(ctx context.Context, text, agentID, sessionID string) boundary.ScanResult {
	return e.scanner.Scan(ctx, text, agentID, sessionID)
}

// ScanStructured runs the input boundary over a JSON-like payload.
func (e *Enforcer) ScanStructured(ctx context.Context, payload any, agentID, sessionID string) boundary.StructuredScanResult {
	return e.structured.Scan(ctx, payload, agentID, sessionID)
}

// ScanFile reads a file and scans it: JSON documents go through the
// structured scanner, everything else through the text scanner. A missing
// file is audited as a denial before the typed error is returned.
func (e *Enforcer) ScanFile(ctx context.Context, path, agentID string) (*FileScanResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			ev := audit.New(policy.BoundaryInput, audit.ActionDeny, agentID, fmt.Sprintf("scan file %q: not found", path))
			ev.Metadata = map[string]any{"phase": "file_scan", "result": "error", "path": path}
			_ = e.log.Emit(ev)
			return nil, &FileNotFoundError{Path: path}
		}
		return nil, fmt.Errorf("scan file %q: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var payload any
		if jerr := json.Unmarshal(data, &payload); jerr == nil {
			res := e.structured.Scan(ctx, payload, agentID, "")
			return &FileScanResult{Mode: "structured", Structured: &res}, nil
		}
	}
	res := e.scanner.Scan(ctx, string(data), agentID, "")
	return &FileScanResult{Mode: "text", Scan: &res}, nil
}

// GuardOutput runs the output boundary over outbound text.
func (e *Enforcer) GuardOutput(ctx context.Context, text, agentID, sessionID string) boundary.GuardResult {
	return e.guard.Guard(ctx, text, agentID, sessionID)
}

// InterceptToolRequest runs the request-phase action pipeline.
func (e *Enforcer) InterceptToolRequest(ctx context.Context, call boundary.ToolCall) boundary.InterceptResult {
	return e.interceptor.InterceptRequest(ctx, call)
}

// InterceptToolResponse runs the response-phase action pipeline.
func (e *Enforcer) InterceptToolResponse(ctx context.Context, call boundary.ToolCall, response map[string]any) boundary.ResponseInterceptResult {
	return e.interceptor.InterceptResponse(ctx, call, response)
}

// SendAgentMessage runs the inter-agent message pipeline.
func (e *Enforcer) SendAgentMessage(ctx context.Context, msg boundary.AgentMessage) boundary.AgentMessageResult {
	return e.messages.Send(ctx, msg)
}

// ErrUnknownStore reports a memory operation against an undeclared schema.
var ErrUnknownStore = errors.New("unknown memory store")

// store resolves a named store; an empty name with exactly one configured
// schema resolves to it.
func (e *Enforcer) store(name string) (*memory.Store, error) {
	if name == "" && len(e.storeOrder) == 1 {
		return e.stores[e.storeOrder[0]], nil
	}
	s, ok := e.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	return s, nil
}

// MemoryWrite writes one schema-validated entry, returning false for
// undeclared keys, type mismatches, or a full bucket.
func (e *Enforcer) MemoryWrite(storeName, key string, value any, agentID string) (bool, error) {
	s, err := e.store(storeName)
	if err != nil {
		return false, err
	}
	return s.Write(key, value, agentID), nil
}

// MemoryRead reads one entry; encrypted fields yield a fresh handle id in
// place of the plaintext.
func (e *Enforcer) MemoryRead(storeName, key, agentID string) (memory.ReadResult, error) {
	s, err := e.store(storeName)
	if err != nil {
		return memory.ReadResult{}, err
	}
	return s.Read(key, agentID), nil
}

// ResolveMemoryHandle resolves an encrypted-field handle across all stores.
func (e *Enforcer) ResolveMemoryHandle(handleID, agentID string) (any, bool) {
	for _, name := range e.storeOrder {
		if v, ok := e.stores[name].ResolveHandle(handleID, agentID); ok {
			return v, true
		}
	}
	return nil, false
}

// PurgeExpiredMemory removes expired entries and handles from every store.
func (e *Enforcer) PurgeExpiredMemory() int {
	total := 0
	for _, name := range e.storeOrder {
		total += e.stores[name].PurgeExpired()
	}
	return total
}

// MemoryStores lists the configured schema names.
func (e *Enforcer) MemoryStores() []string {
	out := make([]string, len(e.storeOrder))
	copy(out, e.storeOrder)
	return out
}

// QueryAudit evaluates an audit filter, preferring the SQLite index when
// configured and falling back to the file scan.
func (e *Enforcer) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	if e.index != nil {
		events, err := e.index.Query(f)
		if err == nil {
			return events, nil
		}
		e.logger.Warn("audit index query failed, falling back to file scan", "error", err)
	}
	return e.log.Query(f)
}

// RecentAudit returns the last n emitted events, newest first.
func (e *Enforcer) RecentAudit(n int) []audit.Event {
	return e.log.Recent(n)
}

// ReloadPolicies reloads the rule set: forced reload always invokes the
// loader; otherwise only when a watched file's mtime changed.
func (e *Enforcer) ReloadPolicies(force bool) (bool, error) {
	if force {
		if err := e.engine.Reload(); err != nil {
			return false, err
		}
		return true, nil
	}
	return e.engine.ReloadIfChanged()
}

// PollPolicies reloads on mtime change at the given interval until the
// context is canceled. Reload failures keep the prior rule set installed.
func (e *Enforcer) PollPolicies(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reloaded, err := e.engine.ReloadIfChanged()
			if err != nil {
				e.logger.Error("policy reload failed", "error", err)
			} else if reloaded {
				e.logger.Info("policies reloaded")
			}
		}
	}
}

// ResolveSecret resolves a capability-scoped secret. Never exposed over HTTP.
func (e *Enforcer) ResolveSecret(req secret.ResolveRequest) (secret.Resolved, error) {
	return e.secrets.Resolve(req)
}

// IssueCapability mints a capability token, applying the configured default
// TTL when the request carries none.
func (e *Enforcer) IssueCapability(req capability.IssueRequest) (*capability.Token, error) {
	if req.TTL == "" {
		req.TTL = e.cfg.Capabilities.DefaultTTL
	}
	return e.capabilities.Issue(req)
}

// RevokeCapability revokes a token; revocation is idempotent.
func (e *Enforcer) RevokeCapability(tokenID string) error {
	return e.capabilities.Revoke(tokenID)
}

// Capabilities exposes the token manager.
func (e *Enforcer) Capabilities() *capability.Manager { return e.capabilities }

// Approvals exposes the approval store for the operator surface.
func (e *Enforcer) Approvals() *approval.Manager { return e.approvals }

// Plugins exposes the classifier plugin registry.
func (e *Enforcer) Plugins() *classify.PluginRegistry { return e.plugins }

// Secrets exposes the secret manager for SDK embedding.
func (e *Enforcer) Secrets() *secret.Manager { return e.secrets }

// Verifier returns the admin API-key verifier.
func (e *Enforcer) Verifier() *auth.Verifier { return e.verifier }

// GatewayMode reports whether gateway interception semantics are active.
func (e *Enforcer) GatewayMode() bool { return e.cfg.GatewayMode() }

// Close flushes and releases the audit sinks.
func (e *Enforcer) Close() error {
	var errs []error
	if e.log != nil {
		if err := e.log.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.index != nil {
		if err := e.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
