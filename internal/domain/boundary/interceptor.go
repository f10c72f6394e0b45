package boundary

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/safeai-dev/safeai/internal/domain/approval"
	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/capability"
	"github.com/safeai-dev/safeai/internal/domain/classify"
	"github.com/safeai-dev/safeai/internal/domain/contract"
	"github.com/safeai-dev/safeai/internal/domain/identity"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// Synthetic policy names attributing non-policy decisions to their stage.
const (
	sourceCapability = "capability-token"
	sourceContract   = "tool-contract"
	sourceIdentity   = "agent-identity"
	sourceApproval   = "approval-gate"
)

// defaultCapabilityAction is assumed when a call carries a token but no
// explicit capability action.
const defaultCapabilityAction = "invoke"

// defaultApprovalTTL bounds how long an auto-created approval request stays
// pending.
const defaultApprovalTTL = "1h"

// ActionInterceptor enforces the action boundary over the tool call
// lifecycle. The request pipeline runs capability, contract, identity,
// field filter, policy, and approval gating in that order, short-circuiting
// at the first non-allow stage; the response pipeline re-classifies each
// response field and filters by identity, contract, and policy.
//
// The interceptor holds references to its registries and never the reverse;
// it is built by the composition root.
type ActionInterceptor struct {
	engine       *policy.Engine
	contracts    *contract.Registry
	identities   *identity.Registry
	capabilities *capability.Manager
	approvals    *approval.Manager
	classifier   *classify.Classifier
	emitter      audit.Emitter
	approvalTTL  string
}

// InterceptorOption configures the interceptor.
type InterceptorOption func(*ActionInterceptor)

// WithApprovalTTL sets the TTL for auto-created approval requests, in the
// compact duration grammar.
func WithApprovalTTL(ttl string) InterceptorOption {
	return func(ai *ActionInterceptor) { ai.approvalTTL = ttl }
}

// NewActionInterceptor wires the action pipeline.
func NewActionInterceptor(
	engine *policy.Engine,
	contracts *contract.Registry,
	identities *identity.Registry,
	capabilities *capability.Manager,
	approvals *approval.Manager,
	classifier *classify.Classifier,
	emitter audit.Emitter,
	opts ...InterceptorOption,
) *ActionInterceptor {
	if emitter == nil {
		emitter = audit.Discard
	}
	ai := &ActionInterceptor{
		engine:       engine,
		contracts:    contracts,
		identities:   identities,
		capabilities: capabilities,
		approvals:    approvals,
		classifier:   classifier,
		emitter:      emitter,
		approvalTTL:  defaultApprovalTTL,
	}
	for _, opt := range opts {
		opt(ai)
	}
	return ai
}

// InterceptRequest runs the request-phase pipeline. Every return path emits
// exactly one audit event whose metadata.decision_source names the stage
// that decided.
func (ai *ActionInterceptor) InterceptRequest(ctx context.Context, call ToolCall) InterceptResult {
	tags := tag.NormalizeAll(call.DataTags)

	// Capability comes first so decision_source stays stable when both the
	// token and the contract would fail.
	if call.CapabilityTokenID != "" {
		action := call.CapabilityAction
		if action == "" {
			action = defaultCapabilityAction
		}
		cv := ai.capabilities.Validate(call.CapabilityTokenID, call.AgentID, call.ToolName, action, call.SessionID)
		if !cv.Allowed {
			return ai.conclude(call, tags, policy.Block(sourceCapability, cv.Reason), nil, paramKeys(call.Parameters), "capability")
		}
	}

	cr := ai.contracts.ValidateRequest(call.ToolName, tags)
	if !cr.Allowed {
		return ai.conclude(call, tags, policy.Block(sourceContract, cr.Reason), nil, paramKeys(call.Parameters), "contract")
	}

	iv := ai.identities.Validate(call.AgentID, call.ToolName, tags)
	if !iv.Allowed {
		return ai.conclude(call, tags, policy.Block(sourceIdentity, iv.Reason), nil, paramKeys(call.Parameters), "identity")
	}

	// Field filter: a non-empty accepts.fields list is a strict allow-list.
	filtered := make(map[string]any, len(call.Parameters))
	var stripped []string
	for k, v := range call.Parameters {
		if cr.Contract != nil && !cr.Contract.AllowsRequestField(k) {
			stripped = append(stripped, k)
			continue
		}
		filtered[k] = v
	}
	sort.Strings(stripped)

	decision := ai.engine.Evaluate(policy.Context{
		Boundary:   policy.BoundaryAction,
		DataTags:   tags,
		AgentID:    call.AgentID,
		ToolName:   call.ToolName,
		ActionType: call.ActionType,
	})

	source := "policy"
	if decision.Action == policy.ActionRequireApproval {
		decision = ai.gateApproval(call, tags, filtered, decision)
		source = "approval-gate"
	}

	// Final gate: anything but allow withholds the parameters.
	if decision.Action != policy.ActionAllow {
		stripped = unionStrings(stripped, paramKeys(filtered))
		filtered = map[string]any{}
	}

	return ai.conclude(call, tags, decision, filtered, stripped, source)
}

// gateApproval resolves a require_approval decision against the durable
// approval workflow. Downstream policy rules never run after the gate
// rewrites the decision.
func (ai *ActionInterceptor) gateApproval(call ToolCall, tags []string, filtered map[string]any, decision policy.Decision) policy.Decision {
	if call.ApprovalRequestID != "" {
		av := ai.approvals.Validate(call.ApprovalRequestID, call.AgentID, call.ToolName, call.SessionID)
		switch {
		case av.Allowed:
			name := decision.PolicyName
			if name == "" {
				name = sourceApproval
			}
			out := policy.Allow(name, fmt.Sprintf("approval request %q approved", call.ApprovalRequestID))
			out.ApprovalRequestID = call.ApprovalRequestID
			return out
		case av.Status == approval.StatusDenied:
			out := policy.Block(sourceApproval, av.Reason)
			out.ApprovalRequestID = call.ApprovalRequestID
			return out
		default:
			// Pending, expired, or unknown keeps the call waiting.
			out := decision
			out.Action = policy.ActionRequireApproval
			out.Reason = av.Reason
			out.ApprovalRequestID = call.ApprovalRequestID
			return out
		}
	}

	req, err := ai.approvals.Create(approval.CreateRequest{
		Reason:     decision.Reason,
		PolicyName: decision.PolicyName,
		AgentID:    call.AgentID,
		ToolName:   call.ToolName,
		SessionID:  call.SessionID,
		ActionType: call.ActionType,
		DataTags:   tags,
		TTL:        ai.approvalTTL,
		DedupeKey:  approval.DedupeKey(call.AgentID, call.ToolName, call.SessionID, call.SourceAgentID, tags, paramKeys(filtered)),
	})
	out := decision
	if err != nil {
		out.Reason = fmt.Sprintf("approval required but request creation failed: %v", err)
		return out
	}
	out.Reason = fmt.Sprintf("approval required; request %q is pending", req.RequestID)
	out.ApprovalRequestID = req.RequestID
	return out
}

// conclude emits the request-phase audit event and packages the result.
func (ai *ActionInterceptor) conclude(call ToolCall, tags []string, decision policy.Decision, filtered map[string]any, stripped []string, source string) InterceptResult {
	if filtered == nil {
		filtered = map[string]any{}
	}

	e := audit.New(policy.BoundaryAction, audit.FromDecision(decision.Action), call.AgentID, decision.Reason)
	e.PolicyName = decision.PolicyName
	e.DataTags = tags
	e.ToolName = call.ToolName
	e.SessionID = call.SessionID
	e.SourceAgentID = call.SourceAgentID
	e.DestinationAgentID = call.DestinationAgentID
	e.Metadata = map[string]any{
		"phase":           "request",
		"decision_source": source,
		"param_keys":      paramKeys(call.Parameters),
		"stripped_fields": stripped,
	}
	if decision.ApprovalRequestID != "" {
		e.Metadata["approval_request_id"] = decision.ApprovalRequestID
	}
	_ = ai.emitter.Emit(e)

	return InterceptResult{
		Decision:       decision,
		FilteredParams: filtered,
		StrippedFields: stripped,
	}
}

// InterceptResponse runs the response-phase pipeline: per-field
// re-classification and filtering by identity clearance, contract emit
// declarations, and policy, then a final policy pass over the kept tags.
// Exactly one audit event is emitted with metadata.phase="response".
func (ai *ActionInterceptor) InterceptResponse(ctx context.Context, call ToolCall, response map[string]any) ResponseInterceptResult {
	callTags := tag.NormalizeAll(call.DataTags)

	c := ai.contracts.Get(call.ToolName)
	if c == nil {
		decision := policy.Block(sourceContract, fmt.Sprintf("tool %q has no declared contract", call.ToolName))
		return ai.concludeResponse(call, nil, decision, callTags, response, nil, nil, nil)
	}

	if iv := ai.identities.Validate(call.AgentID, call.ToolName, nil); !iv.Allowed {
		decision := policy.Block(sourceIdentity, iv.Reason)
		return ai.concludeResponse(call, c, decision, callTags, response, nil, nil, nil)
	}

	kept := make(map[string]any, len(response))
	var strippedFields []string
	strippedTags := make(map[string]struct{})
	keptTags := make(map[string]struct{})

	for _, field := range paramKeys(response) {
		value := response[field]
		fieldTags := ai.classifyValue(value)

		keep := true
		if iv := ai.identities.Validate(call.AgentID, call.ToolName, fieldTags); !iv.Allowed {
			keep = false
		}
		if keep && !c.AllowsResponseField(field) {
			keep = false
		}
		if keep {
			for _, t := range fieldTags {
				if !c.EmitsTag(t) {
					keep = false
					break
				}
			}
		}
		if keep && len(fieldTags) > 0 {
			d := ai.engine.Evaluate(policy.Context{
				Boundary:   policy.BoundaryAction,
				DataTags:   fieldTags,
				AgentID:    call.AgentID,
				ToolName:   call.ToolName,
				ActionType: call.ActionType,
			})
			if !d.Allowed() {
				keep = false
			}
		}

		if !keep {
			strippedFields = append(strippedFields, field)
			for _, t := range fieldTags {
				strippedTags[t] = struct{}{}
			}
			continue
		}
		kept[field] = value
		for _, t := range fieldTags {
			keptTags[t] = struct{}{}
		}
	}

	keptTagList := setToSorted(keptTags)
	decision := ai.engine.Evaluate(policy.Context{
		Boundary:   policy.BoundaryAction,
		DataTags:   keptTagList,
		AgentID:    call.AgentID,
		ToolName:   call.ToolName,
		ActionType: call.ActionType,
	})
	if !decision.Allowed() {
		strippedFields = unionStrings(strippedFields, paramKeys(kept))
		for t := range keptTags {
			strippedTags[t] = struct{}{}
		}
		kept = map[string]any{}
	} else if len(strippedFields) > 0 {
		decision = policy.Decision{
			Action:     policy.ActionRedact,
			PolicyName: sourceContract,
			Reason:     "tool response fields filtered by contract/policy",
		}
	}

	allTags := make(map[string]struct{}, len(keptTags)+len(strippedTags))
	for t := range keptTags {
		allTags[t] = struct{}{}
	}
	for t := range strippedTags {
		allTags[t] = struct{}{}
	}
	return ai.concludeResponse(call, c, decision, setToSorted(allTags), response, kept, strippedFields, setToSorted(strippedTags))
}

// classifyValue classifies one response field value. Strings classify
// directly; everything else is serialized to canonical JSON first.
func (ai *ActionInterceptor) classifyValue(v any) []string {
	text, ok := v.(string)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		text = string(data)
	}
	return classify.Tags(ai.classifier.Classify(text))
}

// concludeResponse emits the response-phase audit event and packages the
// result.
func (ai *ActionInterceptor) concludeResponse(call ToolCall, c *contract.Contract, decision policy.Decision, eventTags []string, response, kept map[string]any, strippedFields, strippedTags []string) ResponseInterceptResult {
	if kept == nil {
		kept = map[string]any{}
		strippedFields = unionStrings(strippedFields, paramKeys(response))
	}

	e := audit.New(policy.BoundaryAction, audit.FromDecision(decision.Action), call.AgentID, decision.Reason)
	e.PolicyName = decision.PolicyName
	e.DataTags = eventTags
	e.ToolName = call.ToolName
	e.SessionID = call.SessionID
	e.SourceAgentID = call.SourceAgentID
	e.DestinationAgentID = call.DestinationAgentID
	e.Metadata = map[string]any{
		"phase":                  "response",
		"response_keys":          paramKeys(response),
		"filtered_response_keys": paramKeys(kept),
		"stripped_fields":        strippedFields,
		"stripped_tags":          strippedTags,
	}
	if c != nil {
		e.Metadata["side_effects"] = map[string]any{
			"reversible":        c.SideEffects.Reversible,
			"requires_approval": c.SideEffects.RequiresApproval,
			"description":       c.SideEffects.Description,
		}
	}
	_ = ai.emitter.Emit(e)

	return ResponseInterceptResult{
		Decision:         decision,
		FilteredResponse: kept,
		StrippedFields:   strippedFields,
		StrippedTags:     strippedTags,
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
