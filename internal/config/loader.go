// Package config loading: viper-backed file plus SAFEAI_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes viper with the configuration file and environment
// variables. An explicit path wins; otherwise SAFEAI_CONFIG, then a search of
// standard locations for safeai.yaml/.yml.
func InitViper(configFile string) {
	if configFile == "" {
		configFile = os.Getenv("SAFEAI_CONFIG")
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Nothing found: set name/type without search paths so ReadInConfig
		// returns ConfigFileNotFoundError, which callers treat as env-only.
		viper.SetConfigName("safeai")
		viper.SetConfigType("yaml")
	}

	// SAFEAI_SERVER_HTTP_ADDR overrides server.http_addr, and so on.
	viper.SetEnvPrefix("SAFEAI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for safeai.yaml or safeai.yml.
// The explicit extension requirement keeps viper from matching the binary.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".safeai"), "/etc/safeai"}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "safeai"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested keys so environment overrides work without a
// config file. Array-valued keys (policies.paths, secrets, classifier
// patterns) stay file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.require_auth")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("proxy_mode")
	_ = viper.BindEnv("upstream_base_url")

	_ = viper.BindEnv("policies.poll_interval")
	_ = viper.BindEnv("policies.cache_size")

	_ = viper.BindEnv("contracts.path")
	_ = viper.BindEnv("identities.path")

	_ = viper.BindEnv("approvals.path")
	_ = viper.BindEnv("approvals.default_ttl")
	_ = viper.BindEnv("capabilities.default_ttl")

	_ = viper.BindEnv("audit.output")
	_ = viper.BindEnv("audit.index_path")
	_ = viper.BindEnv("audit.cache_size")

	_ = viper.BindEnv("alerts.rules_path")
	_ = viper.BindEnv("alerts.file_path")
	_ = viper.BindEnv("alerts.webhook_url")

	_ = viper.BindEnv("memory.schemas_path")

	_ = viper.BindEnv("telemetry.enabled")
	_ = viper.BindEnv("telemetry.service_name")
	_ = viper.BindEnv("telemetry.output_path")
	_ = viper.BindEnv("telemetry.sample_rate")
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, and validates. A missing config file is not an error; all values
// can come from the environment.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the loaded config file path, or empty in env-only
// mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
