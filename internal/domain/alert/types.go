// Package alert implements sliding-window alerting over the audit stream.
// Each rule counts matching events inside a fixed lookback; crossing the
// threshold fires at most one alert per cooldown interval.
package alert

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/duration"
	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// maxSampleEventIDs caps how many triggering event ids ride along on an
// alert.
const maxSampleEventIDs = 20

// Filters select which audit events count toward a rule. A missing set
// matches anything; the tag filter passes on a non-empty intersection with
// the event's expanded tag set.
type Filters struct {
	Boundaries []string `json:"boundaries,omitempty" yaml:"boundaries,omitempty"`
	Actions    []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	Policies   []string `json:"policies,omitempty" yaml:"policies,omitempty"`
	Agents     []string `json:"agents,omitempty" yaml:"agents,omitempty"`
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Match reports whether an event counts toward the rule.
func (f Filters) Match(e *audit.Event) bool {
	if len(f.Boundaries) > 0 && !containsString(f.Boundaries, string(e.Boundary)) {
		return false
	}
	if len(f.Actions) > 0 && !containsString(f.Actions, string(e.Action)) {
		return false
	}
	if len(f.Policies) > 0 && !containsString(f.Policies, e.PolicyName) {
		return false
	}
	if len(f.Agents) > 0 && !containsString(f.Agents, e.AgentID) {
		return false
	}
	if len(f.Tags) > 0 {
		expanded := tag.Expand(e.DataTags...)
		hit := false
		for _, t := range f.Tags {
			if _, ok := expanded[tag.Normalize(t)]; ok {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Rule is one alert rule. Window and Cooldown use the compact duration
// grammar; an empty cooldown means no deduplication.
type Rule struct {
	RuleID    string   `json:"rule_id" yaml:"rule_id"`
	Name      string   `json:"name" yaml:"name"`
	Threshold int      `json:"threshold" yaml:"threshold"`
	Window    string   `json:"window" yaml:"window"`
	Cooldown  string   `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	Filters   Filters  `json:"filters,omitempty" yaml:"filters,omitempty"`
	Channels  []string `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// Validate checks structural correctness and parses the durations.
func (r Rule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("alert rule: rule_id is required")
	}
	if r.Threshold < 1 {
		return fmt.Errorf("alert rule %q: threshold must be >= 1, got %d", r.RuleID, r.Threshold)
	}
	if _, err := duration.Parse(r.Window); err != nil {
		return fmt.Errorf("alert rule %q: window: %w", r.RuleID, err)
	}
	if r.Cooldown != "" {
		if _, err := duration.Parse(r.Cooldown); err != nil {
			return fmt.Errorf("alert rule %q: cooldown: %w", r.RuleID, err)
		}
	}
	return nil
}

// window returns the parsed lookback. Validate runs first, so this cannot
// fail on an installed rule.
func (r Rule) window() time.Duration {
	d, _ := duration.Parse(r.Window)
	return d
}

func (r Rule) cooldown() time.Duration {
	if r.Cooldown == "" {
		return 0
	}
	d, _ := duration.Parse(r.Cooldown)
	return d
}

// Alert is one fired alert.
type Alert struct {
	AlertID        string    `json:"alert_id"`
	RuleID         string    `json:"rule_id"`
	RuleName       string    `json:"rule_name"`
	Threshold      int       `json:"threshold"`
	Window         string    `json:"window"`
	Count          int       `json:"count"`
	Channels       []string  `json:"channels"`
	TenantIDs      []string  `json:"tenant_ids"`
	SampleEventIDs []string  `json:"sample_event_ids"`
	Timestamp      time.Time `json:"timestamp"`
}

// File is the on-disk alert rules document shape.
type File struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

// LoadRules reads a YAML alert rules document and validates every rule.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alert rules file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse alert rules file %s: %w", path, err)
	}
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("alert rules file %s: %w", path, err)
		}
	}
	return f.Rules, nil
}
