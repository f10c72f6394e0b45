// Package policy implements the first-match rule engine that decides what
// happens to data and actions at each enforcement boundary. Rules are kept
// sorted by ascending priority; evaluation returns the first matching rule's
// decision and falls back to default deny.
package policy

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// Action is the decision verb a rule or the engine produces.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionRedact          Action = "redact"
	ActionBlock           Action = "block"
	ActionRequireApproval Action = "require_approval"
)

// Valid reports whether a is one of the four decision actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionRedact, ActionBlock, ActionRequireApproval:
		return true
	}
	return false
}

// Boundary names an enforcement point.
type Boundary string

const (
	BoundaryInput  Boundary = "input"
	BoundaryOutput Boundary = "output"
	BoundaryAction Boundary = "action"
	BoundaryMemory Boundary = "memory"
)

// Valid reports whether b names a known boundary.
func (b Boundary) Valid() bool {
	switch b {
	case BoundaryInput, BoundaryOutput, BoundaryAction, BoundaryMemory:
		return true
	}
	return false
}

// StringList decodes either a scalar string or a sequence of strings, so
// policy authors can write `tools: send_email` and `tools: [a, b]`
// interchangeably.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	var single string
	if err := node.Decode(&single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

// Condition is the matching half of a rule. A missing key matches anything.
// The optional When expression is a CEL predicate over the evaluation
// context for conditions the key sets cannot express.
type Condition struct {
	DataTags StringList `json:"data_tags,omitempty" yaml:"data_tags,omitempty"`
	Tools    StringList `json:"tools,omitempty" yaml:"tools,omitempty"`
	Agents   StringList `json:"agents,omitempty" yaml:"agents,omitempty"`
	When     string     `json:"when,omitempty" yaml:"when,omitempty"`
}

// conditionAliases mirrors Condition and additionally accepts the scalar
// aliases `tool` and `agent`.
type conditionAliases struct {
	DataTags StringList `json:"data_tags" yaml:"data_tags"`
	Tools    StringList `json:"tools" yaml:"tools"`
	Tool     StringList `json:"tool" yaml:"tool"`
	Agents   StringList `json:"agents" yaml:"agents"`
	Agent    StringList `json:"agent" yaml:"agent"`
	When     string     `json:"when" yaml:"when"`
}

func (c *Condition) fromAliases(raw conditionAliases) {
	c.DataTags = raw.DataTags
	c.Tools = append(raw.Tools, raw.Tool...)
	c.Agents = append(raw.Agents, raw.Agent...)
	c.When = raw.When
}

func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var raw conditionAliases
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.fromAliases(raw)
	return nil
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw conditionAliases
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.fromAliases(raw)
	return nil
}

// Rule is one policy rule. Lower priority runs first; priority ties keep
// insertion order.
type Rule struct {
	Name             string     `json:"name" yaml:"name"`
	Boundaries       []Boundary `json:"boundary" yaml:"boundary"`
	Action           Action     `json:"action" yaml:"action"`
	Reason           string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Condition        Condition  `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority         int        `json:"priority" yaml:"priority"`
	FallbackTemplate string     `json:"fallback_template,omitempty" yaml:"fallback_template,omitempty"`
}

// ruleAliases lets `boundary` decode from a scalar as well as a sequence.
type ruleAliases struct {
	Name             string     `json:"name" yaml:"name"`
	Boundary         StringList `json:"boundary" yaml:"boundary"`
	Action           Action     `json:"action" yaml:"action"`
	Reason           string     `json:"reason" yaml:"reason"`
	Condition        Condition  `json:"condition" yaml:"condition"`
	Priority         int        `json:"priority" yaml:"priority"`
	FallbackTemplate string     `json:"fallback_template" yaml:"fallback_template"`
}

func (r *Rule) fromAliases(raw ruleAliases) {
	r.Name = raw.Name
	r.Boundaries = make([]Boundary, 0, len(raw.Boundary))
	for _, b := range raw.Boundary {
		r.Boundaries = append(r.Boundaries, Boundary(b))
	}
	r.Action = raw.Action
	r.Reason = raw.Reason
	r.Condition = raw.Condition
	r.Priority = raw.Priority
	r.FallbackTemplate = raw.FallbackTemplate
}

func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var raw ruleAliases
	if err := node.Decode(&raw); err != nil {
		return err
	}
	r.fromAliases(raw)
	return nil
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleAliases
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.fromAliases(raw)
	return nil
}

// Validate checks structural correctness. Rules never install partially: a
// failed validation aborts the whole load.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("policy rule: name is required")
	}
	if !r.Action.Valid() {
		return fmt.Errorf("policy rule %q: unknown action %q", r.Name, r.Action)
	}
	if len(r.Boundaries) == 0 {
		return fmt.Errorf("policy rule %q: at least one boundary is required", r.Name)
	}
	for _, b := range r.Boundaries {
		switch b {
		case BoundaryInput, BoundaryOutput, BoundaryAction:
		default:
			return fmt.Errorf("policy rule %q: boundary %q is not one of input, output, action", r.Name, b)
		}
	}
	if r.Priority < 0 {
		return fmt.Errorf("policy rule %q: priority must be non-negative, got %d", r.Name, r.Priority)
	}
	return nil
}

// Context is the evaluation input for one boundary event.
type Context struct {
	Boundary   Boundary
	DataTags   []string
	AgentID    string
	ToolName   string
	ActionType string
}

// Decision is the evaluation output. PolicyName is empty for the default
// deny. ApprovalRequestID is set when approval gating created or matched a
// durable approval request.
type Decision struct {
	Action            Action `json:"action"`
	PolicyName        string `json:"policy_name,omitempty"`
	Reason            string `json:"reason"`
	FallbackTemplate  string `json:"fallback_template,omitempty"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
}

// Allowed reports whether the decision lets the operation proceed unchanged.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// DefaultDeny is the decision returned when no rule matches.
func DefaultDeny() Decision {
	return Decision{Action: ActionBlock, Reason: "default deny"}
}

// Allow builds an allow decision attributed to a named source.
func Allow(policyName, reason string) Decision {
	return Decision{Action: ActionAllow, PolicyName: policyName, Reason: reason}
}

// Block builds a block decision attributed to a named source.
func Block(policyName, reason string) Decision {
	return Decision{Action: ActionBlock, PolicyName: policyName, Reason: reason}
}

// normalizedCondition is the compiled matching state of one rule.
type normalizedCondition struct {
	tags   []string
	tools  map[string]struct{}
	agents map[string]struct{}
}

func normalizeCondition(c Condition) normalizedCondition {
	nc := normalizedCondition{tags: tag.NormalizeAll(c.DataTags)}
	if len(c.Tools) > 0 {
		nc.tools = make(map[string]struct{}, len(c.Tools))
		for _, t := range c.Tools {
			nc.tools[t] = struct{}{}
		}
	}
	if len(c.Agents) > 0 {
		nc.agents = make(map[string]struct{}, len(c.Agents))
		for _, a := range c.Agents {
			nc.agents[a] = struct{}{}
		}
	}
	return nc
}
