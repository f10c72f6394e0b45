package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk policy document shape.
type File struct {
	Version int    `json:"version,omitempty" yaml:"version,omitempty"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

// ParseRules decodes one policy document.
func ParseRules(data []byte) ([]Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	return f.Rules, nil
}

// FileLoader returns a loader that reads and concatenates the rules of every
// path in order. Any unreadable or unparsable file fails the whole load, so
// a reload never installs a partial rule set.
func FileLoader(paths ...string) LoaderFunc {
	return func() ([]Rule, error) {
		var rules []Rule
		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read policy file %s: %w", path, err)
			}
			parsed, err := ParseRules(data)
			if err != nil {
				return nil, fmt.Errorf("policy file %s: %w", path, err)
			}
			rules = append(rules, parsed...)
		}
		return rules, nil
	}
}

// StaticLoader returns a loader that always yields the given rules. Used for
// embedded deployments that configure rules programmatically.
func StaticLoader(rules []Rule) LoaderFunc {
	return func() ([]Rule, error) {
		return rules, nil
	}
}
