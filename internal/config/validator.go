package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/safeai-dev/safeai/internal/domain/duration"
)

// RegisterCustomValidators registers the engine-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("register audit_output validator: %w", err)
	}
	if err := v.RegisterValidation("ttl", validateTTL); err != nil {
		return fmt.Errorf("register ttl validator: %w", err)
	}
	if err := v.RegisterValidation("proxy_mode", validateProxyMode); err != nil {
		return fmt.Errorf("register proxy_mode validator: %w", err)
	}
	return nil
}

// validateAuditOutput accepts "stdout" or "file://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// validateTTL accepts the policy TTL grammar: digits plus s/m/h/d/w.
func validateTTL(fl validator.FieldLevel) bool {
	_, err := duration.Parse(fl.Field().String())
	return err == nil
}

// validateProxyMode accepts "sidecar" or "gateway".
func validateProxyMode(fl validator.FieldLevel) bool {
	mode := fl.Field().String()
	return mode == ProxyModeSidecar || mode == ProxyModeGateway
}

// Validate validates the configuration using struct tags plus cross-field
// rules, returning actionable messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateSecretBackends()
}

// validateSecretBackends enforces unique backend names and rejects "env"
// redefinition: the env backend is always installed by the engine.
func (c *Config) validateSecretBackends() error {
	seen := make(map[string]struct{}, len(c.Secrets))
	for i, b := range c.Secrets {
		if b.Name == "env" {
			return fmt.Errorf("secrets[%d]: backend name %q is reserved", i, b.Name)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("secrets[%d]: duplicate backend name %q", i, b.Name)
		}
		seen[b.Name] = struct{}{}
		if b.Type == "static" && len(b.Values) == 0 {
			return fmt.Errorf("secrets[%d]: static backend %q has no values", i, b.Name)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to readable
// messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required (%s)", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	case "ttl":
		return fmt.Sprintf("%s must match the TTL grammar (digits plus s/m/h/d/w)", field)
	case "proxy_mode":
		return fmt.Sprintf("%s must be 'sidecar' or 'gateway'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
