// Package config provides the file-based configuration schema for the
// enforcement engine: server listener, proxy mode, engine data files
// (policies, contracts, identities, schemas, alert rules), audit output,
// secret backends, and telemetry.
package config

import "github.com/spf13/viper"

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener and admin auth.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// ProxyMode selects "sidecar" or "gateway" semantics for tool
	// interception. Gateway mode requires source and destination agent ids
	// on every interception. Overridable via SAFEAI_PROXY_MODE.
	ProxyMode string `yaml:"proxy_mode" mapstructure:"proxy_mode" validate:"omitempty,proxy_mode"`

	// UpstreamBaseURL is the forward target for /v1/proxy/forward when a
	// request names a relative upstream. Overridable via
	// SAFEAI_UPSTREAM_BASE_URL.
	UpstreamBaseURL string `yaml:"upstream_base_url" mapstructure:"upstream_base_url" validate:"omitempty,url"`

	// Policies configures the policy engine rule files.
	Policies PoliciesConfig `yaml:"policies" mapstructure:"policies"`

	// Contracts is the tool-contract YAML file path (optional).
	Contracts FileRef `yaml:"contracts" mapstructure:"contracts"`

	// Identities is the agent-identity YAML file path (optional).
	Identities FileRef `yaml:"identities" mapstructure:"identities"`

	// Approvals configures the durable approval store.
	Approvals ApprovalsConfig `yaml:"approvals" mapstructure:"approvals"`

	// Capabilities configures capability token issuance defaults.
	Capabilities CapabilitiesConfig `yaml:"capabilities" mapstructure:"capabilities"`

	// Audit configures the audit log output and optional SQLite index.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Alerts configures alert rules and channels.
	Alerts AlertsConfig `yaml:"alerts" mapstructure:"alerts"`

	// Memory is the memory schema YAML file path (optional).
	Memory MemoryConfig `yaml:"memory" mapstructure:"memory"`

	// Secrets configures named secret backends. The "env" backend is always
	// installed; entries here add static and file backends.
	Secrets []SecretBackendConfig `yaml:"secrets" mapstructure:"secrets" validate:"omitempty,dive"`

	// Classifier adds custom detector patterns on top of the built-ins.
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`

	// Telemetry configures OpenTelemetry tracing (off by default).
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address. Defaults to "127.0.0.1:8787".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum slog level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// RequireAuth extends API-key auth to the data-plane scan/guard/intercept
	// routes. Admin routes always require auth when key hashes are set.
	RequireAuth bool `yaml:"require_auth" mapstructure:"require_auth"`

	// AdminKeyHashes are stored API key hashes: Argon2id PHC strings or
	// "sha256:"-prefixed hex. Empty disables admin auth (sidecar trust model).
	AdminKeyHashes []string `yaml:"admin_key_hashes" mapstructure:"admin_key_hashes"`

	// ShutdownTimeout bounds graceful shutdown, e.g. "10s". Uses Go duration
	// syntax rather than the policy TTL grammar.
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// PoliciesConfig configures the policy engine.
type PoliciesConfig struct {
	// Paths are the policy YAML files, loaded in order. Later files append;
	// duplicate names across files are a load error.
	Paths []string `yaml:"paths" mapstructure:"paths"`

	// PollInterval is how often the engine checks file mtimes for hot
	// reload, e.g. "5s". Empty disables polling (explicit reload only).
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval"`

	// CacheSize bounds the decision cache. 0 uses the engine default.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// FileRef is an optional path to a YAML data file.
type FileRef struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ApprovalsConfig configures the durable approval store.
type ApprovalsConfig struct {
	// Path is the JSON file the approval store persists to.
	Path string `yaml:"path" mapstructure:"path"`

	// DefaultTTL is the pending-request lifetime in the policy TTL grammar
	// (e.g. "1h", "2d"). Defaults to "1h".
	DefaultTTL string `yaml:"default_ttl" mapstructure:"default_ttl" validate:"omitempty,ttl"`
}

// CapabilitiesConfig configures capability token issuance.
type CapabilitiesConfig struct {
	// DefaultTTL applies when an issue request carries no TTL. Defaults to "1h".
	DefaultTTL string `yaml:"default_ttl" mapstructure:"default_ttl" validate:"omitempty,ttl"`
}

// AuditConfig configures audit log output.
type AuditConfig struct {
	// Output is "stdout" or "file://<absolute-path>". Defaults to "stdout".
	// File output is required for query support.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// IndexPath enables the SQLite query index when set.
	IndexPath string `yaml:"index_path" mapstructure:"index_path"`

	// CacheSize bounds the recent-events ring buffer. 0 uses the default.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// AlertsConfig configures the alert evaluator.
type AlertsConfig struct {
	// RulesPath is the alert rules YAML file (optional; empty disables alerts).
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`

	// FilePath receives JSONL alerts for rules naming the "file" channel.
	FilePath string `yaml:"file_path" mapstructure:"file_path"`

	// WebhookURL receives JSON POSTs for rules naming the "webhook" channel.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
}

// MemoryConfig configures the memory controller.
type MemoryConfig struct {
	// SchemasPath is the memory schema YAML file (optional; empty disables
	// the memory boundary).
	SchemasPath string `yaml:"schemas_path" mapstructure:"schemas_path"`
}

// SecretBackendConfig declares one named secret backend.
type SecretBackendConfig struct {
	// Name is the backend name used in resolution requests.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Type is "env", "static", or "file".
	Type string `yaml:"type" mapstructure:"type" validate:"required,oneof=env static file"`

	// Path is the YAML file for "file" backends.
	Path string `yaml:"path" mapstructure:"path" validate:"required_if=Type file"`

	// Values holds inline key/value pairs for "static" backends.
	Values map[string]string `yaml:"values" mapstructure:"values"`
}

// ClassifierConfig adds custom detectors.
type ClassifierConfig struct {
	// Patterns are extra regex detectors. A pattern that fails to compile
	// is a fatal configuration error.
	Patterns []PatternConfig `yaml:"patterns" mapstructure:"patterns" validate:"omitempty,dive"`
}

// PatternConfig is one custom classifier detector.
type PatternConfig struct {
	Name    string `yaml:"name" mapstructure:"name" validate:"required"`
	Tag     string `yaml:"tag" mapstructure:"tag" validate:"required"`
	Pattern string `yaml:"pattern" mapstructure:"pattern" validate:"required"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	OutputPath  string  `yaml:"output_path" mapstructure:"output_path"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate" validate:"omitempty,min=0,max=1"`
}

// Proxy modes.
const (
	ProxyModeSidecar = "sidecar"
	ProxyModeGateway = "gateway"
)

// GatewayMode reports whether gateway semantics are active.
func (c *Config) GatewayMode() bool { return c.ProxyMode == ProxyModeGateway }

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	// Bind to localhost only; network exposure is an explicit choice.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8787"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.ProxyMode == "" {
		c.ProxyMode = ProxyModeSidecar
	}

	// viper.IsSet distinguishes "not set" from an explicit empty string.
	if c.Policies.PollInterval == "" && !viper.IsSet("policies.poll_interval") {
		c.Policies.PollInterval = "5s"
	}

	if c.Approvals.Path == "" {
		c.Approvals.Path = "approvals.json"
	}
	if c.Approvals.DefaultTTL == "" {
		c.Approvals.DefaultTTL = "1h"
	}
	if c.Capabilities.DefaultTTL == "" {
		c.Capabilities.DefaultTTL = "1h"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "safeai"
	}
}
