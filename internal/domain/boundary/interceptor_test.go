package boundary

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/safeai-dev/safeai/internal/domain/approval"
	"github.com/safeai-dev/safeai/internal/domain/capability"
	"github.com/safeai-dev/safeai/internal/domain/contract"
	"github.com/safeai-dev/safeai/internal/domain/identity"
	"github.com/safeai-dev/safeai/internal/domain/policy"
)

// interceptorFixture bundles the registries behind one ActionInterceptor so
// tests can reach into them.
type interceptorFixture struct {
	interceptor  *ActionInterceptor
	contracts    *contract.Registry
	identities   *identity.Registry
	capabilities *capability.Manager
	approvals    *approval.Manager
	sink         *collector
}

func actionRules() []policy.Rule {
	return []policy.Rule{
		{
			Name:       "approve-credential-use",
			Boundaries: []policy.Boundary{policy.BoundaryAction},
			Action:     policy.ActionRequireApproval,
			Reason:     "credential use needs a human decision",
			Priority:   10,
			Condition:  policy.Condition{DataTags: policy.StringList{"secret.credential"}},
		},
		{
			Name:       "allow-actions",
			Boundaries: []policy.Boundary{policy.BoundaryAction},
			Action:     policy.ActionAllow,
			Reason:     "permitted",
			Priority:   1000,
		},
	}
}

func newInterceptorFixture(t *testing.T) *interceptorFixture {
	t.Helper()

	contracts := contract.NewRegistry()
	for _, c := range []contract.Contract{
		{
			ToolName: "crm",
			Accepts:  tagFields([]string{"personal.pii", "business.internal"}, []string{"customer_id", "query"}),
			Emits:    tagFields([]string{"personal.pii"}, nil),
		},
		{
			ToolName: "deploy",
			Accepts:  tagFields([]string{"secret.credential"}, nil),
		},
	} {
		if err := contracts.Register(c); err != nil {
			t.Fatalf("Register(%s) error: %v", c.ToolName, err)
		}
	}

	identities := identity.NewRegistry()
	if err := identities.Register(identity.Identity{
		AgentID:       "agent-1",
		Tools:         []string{"crm", "deploy"},
		ClearanceTags: []string{"personal.pii", "business.internal", "secret.credential"},
	}); err != nil {
		t.Fatalf("Register(agent-1) error: %v", err)
	}

	approvals, err := approval.NewManager(filepath.Join(t.TempDir(), "approvals.json"))
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	capabilities := capability.NewManager()
	sink := &collector{}

	return &interceptorFixture{
		interceptor: NewActionInterceptor(
			mustEngine(t, actionRules()),
			contracts,
			identities,
			capabilities,
			approvals,
			mustClassifier(t),
			sink,
		),
		contracts:    contracts,
		identities:   identities,
		capabilities: capabilities,
		approvals:    approvals,
		sink:         sink,
	}
}

// tagFields keeps fixture construction compact.
func tagFields(tags, fields []string) contract.TagFields {
	return contract.TagFields{Tags: tags, Fields: fields}
}

func TestInterceptRequestAllowWithFieldFilter(t *testing.T) {
	fx := newInterceptorFixture(t)

	res := fx.interceptor.InterceptRequest(context.Background(), ToolCall{
		ToolName: "crm",
		AgentID:  "agent-1",
		DataTags: []string{"personal.pii"},
		Parameters: map[string]any{
			"customer_id": "c-42",
			"query":       "billing",
			"debug":       true,
		},
	})

	if res.Decision.Action != policy.ActionAllow {
		t.Fatalf("action = %s (%s)", res.Decision.Action, res.Decision.Reason)
	}
	if _, ok := res.FilteredParams["debug"]; ok {
		t.Error("field outside the contract allow-list survived")
	}
	if res.FilteredParams["customer_id"] != "c-42" {
		t.Errorf("filtered params = %v", res.FilteredParams)
	}
	if !reflect.DeepEqual(res.StrippedFields, []string{"debug"}) {
		t.Errorf("stripped = %v", res.StrippedFields)
	}

	e := fx.sink.last(t)
	if e.Metadata["decision_source"] != "policy" {
		t.Errorf("decision_source = %v", e.Metadata["decision_source"])
	}
	if e.ToolName != "crm" || e.Boundary != policy.BoundaryAction {
		t.Errorf("audit event = %+v", e)
	}
}

func TestInterceptRequestStageOrder(t *testing.T) {
	fx := newInterceptorFixture(t)

	tests := []struct {
		name       string
		call       ToolCall
		wantPolicy string
		wantSource string
	}{
		{
			name: "capability decides first",
			call: ToolCall{
				ToolName:          "nonexistent",
				AgentID:           "agent-9",
				CapabilityTokenID: "cap_bogus",
				DataTags:          []string{"medical.phi"},
			},
			wantPolicy: "capability-token",
			wantSource: "capability",
		},
		{
			name: "contract before identity",
			call: ToolCall{
				ToolName: "crm",
				AgentID:  "agent-9", // unknown agent, but contract fails first
				DataTags: []string{"medical.phi"},
			},
			wantPolicy: "tool-contract",
			wantSource: "contract",
		},
		{
			name: "identity after contract passes",
			call: ToolCall{
				ToolName: "crm",
				AgentID:  "agent-9",
				DataTags: []string{"personal.pii"},
			},
			wantPolicy: "agent-identity",
			wantSource: "identity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.call.Parameters = map[string]any{"x": 1}
			res := fx.interceptor.InterceptRequest(context.Background(), tt.call)
			if res.Decision.Action != policy.ActionBlock {
				t.Fatalf("action = %s (%s)", res.Decision.Action, res.Decision.Reason)
			}
			if res.Decision.PolicyName != tt.wantPolicy {
				t.Errorf("policy name = %q, want %q", res.Decision.PolicyName, tt.wantPolicy)
			}
			if len(res.FilteredParams) != 0 {
				t.Errorf("blocked call leaked params: %v", res.FilteredParams)
			}
			if got := fx.sink.last(t).Metadata["decision_source"]; got != tt.wantSource {
				t.Errorf("decision_source = %v, want %s", got, tt.wantSource)
			}
		})
	}
}

func TestInterceptRequestCapabilityToken(t *testing.T) {
	fx := newInterceptorFixture(t)
	tok, err := fx.capabilities.Issue(capability.IssueRequest{
		AgentID:  "agent-1",
		ToolName: "crm",
		Actions:  []string{"invoke"},
		TTL:      "1h",
	})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	call := ToolCall{
		ToolName:          "crm",
		AgentID:           "agent-1",
		CapabilityTokenID: tok.TokenID,
		Parameters:        map[string]any{"customer_id": "c-1"},
	}
	if res := fx.interceptor.InterceptRequest(context.Background(), call); res.Decision.Action != policy.ActionAllow {
		t.Errorf("valid token should pass: %s (%s)", res.Decision.Action, res.Decision.Reason)
	}

	// Token bound to a different tool fails at the capability stage.
	call.ToolName = "deploy"
	res := fx.interceptor.InterceptRequest(context.Background(), call)
	if res.Decision.Action != policy.ActionBlock || res.Decision.PolicyName != "capability-token" {
		t.Errorf("decision = %+v", res.Decision)
	}
}

func TestInterceptRequestApprovalLifecycle(t *testing.T) {
	fx := newInterceptorFixture(t)
	call := ToolCall{
		ToolName:   "deploy",
		AgentID:    "agent-1",
		SessionID:  "sess-1",
		DataTags:   []string{"secret.credential"},
		Parameters: map[string]any{"target": "prod"},
	}

	// First submission auto-creates a pending request and withholds params.
	res := fx.interceptor.InterceptRequest(context.Background(), call)
	if res.Decision.Action != policy.ActionRequireApproval {
		t.Fatalf("action = %s (%s)", res.Decision.Action, res.Decision.Reason)
	}
	reqID := res.Decision.ApprovalRequestID
	if reqID == "" {
		t.Fatal("no approval request created")
	}
	if len(res.FilteredParams) != 0 {
		t.Error("pending call leaked params")
	}
	if got := fx.sink.last(t).Metadata["decision_source"]; got != "approval-gate" {
		t.Errorf("decision_source = %v", got)
	}

	// Resubmission while pending stays gated on the same request.
	call.ApprovalRequestID = reqID
	if res := fx.interceptor.InterceptRequest(context.Background(), call); res.Decision.Action != policy.ActionRequireApproval {
		t.Fatalf("pending resubmission action = %s", res.Decision.Action)
	}

	// Approval converts the resubmission into an allow that carries the
	// original rule's name.
	if !fx.approvals.Approve(reqID, "alice", "go ahead") {
		t.Fatal("Approve() = false")
	}
	res = fx.interceptor.InterceptRequest(context.Background(), call)
	if res.Decision.Action != policy.ActionAllow {
		t.Fatalf("approved resubmission action = %s (%s)", res.Decision.Action, res.Decision.Reason)
	}
	if res.Decision.PolicyName != "approve-credential-use" {
		t.Errorf("policy name = %q", res.Decision.PolicyName)
	}
	if res.FilteredParams["target"] != "prod" {
		t.Errorf("approved call params = %v", res.FilteredParams)
	}

	// A denied request blocks its resubmission.
	call.ApprovalRequestID = ""
	call.Parameters = map[string]any{"target": "staging"}
	res = fx.interceptor.InterceptRequest(context.Background(), call)
	if res.Decision.Action != policy.ActionRequireApproval {
		t.Fatalf("second request action = %s", res.Decision.Action)
	}
	if !fx.approvals.Deny(res.Decision.ApprovalRequestID, "alice", "not today") {
		t.Fatal("Deny() = false")
	}
	call.ApprovalRequestID = res.Decision.ApprovalRequestID
	res = fx.interceptor.InterceptRequest(context.Background(), call)
	if res.Decision.Action != policy.ActionBlock || res.Decision.PolicyName != "approval-gate" {
		t.Errorf("denied resubmission decision = %+v", res.Decision)
	}
}

func TestInterceptResponseFiltersUndeclaredTags(t *testing.T) {
	fx := newInterceptorFixture(t)
	call := ToolCall{ToolName: "crm", AgentID: "agent-1"}

	res := fx.interceptor.InterceptResponse(context.Background(), call, map[string]any{
		"email":   "customer is alice@example.com",
		"summary": "paid in full",
		"token":   "leaked sk-ABCDEF1234567890ABCDEF",
	})

	// personal.pii is declared in emits; secret.credential is not.
	if res.Decision.Action != policy.ActionRedact || res.Decision.PolicyName != "tool-contract" {
		t.Fatalf("decision = %+v", res.Decision)
	}
	if _, ok := res.FilteredResponse["token"]; ok {
		t.Error("undeclared-tag field survived")
	}
	if res.FilteredResponse["summary"] != "paid in full" {
		t.Errorf("clean field lost: %v", res.FilteredResponse)
	}
	if !strings.Contains(res.FilteredResponse["email"].(string), "alice@example.com") {
		t.Error("declared-tag field should pass unmodified")
	}
	if !reflect.DeepEqual(res.StrippedFields, []string{"token"}) {
		t.Errorf("stripped fields = %v", res.StrippedFields)
	}
	if !reflect.DeepEqual(res.StrippedTags, []string{"secret.credential"}) {
		t.Errorf("stripped tags = %v", res.StrippedTags)
	}
	if got := fx.sink.last(t).Metadata["phase"]; got != "response" {
		t.Errorf("phase = %v", got)
	}
}

func TestInterceptResponseCleanPassThrough(t *testing.T) {
	fx := newInterceptorFixture(t)
	res := fx.interceptor.InterceptResponse(context.Background(), ToolCall{
		ToolName: "crm",
		AgentID:  "agent-1",
	}, map[string]any{"status": "ok", "count": float64(3)})

	if res.Decision.Action != policy.ActionAllow {
		t.Fatalf("decision = %+v", res.Decision)
	}
	if len(res.FilteredResponse) != 2 || len(res.StrippedFields) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestInterceptResponseUnknownToolFailsClosed(t *testing.T) {
	fx := newInterceptorFixture(t)
	res := fx.interceptor.InterceptResponse(context.Background(), ToolCall{
		ToolName: "ghost",
		AgentID:  "agent-1",
	}, map[string]any{"data": "x"})

	if res.Decision.Action != policy.ActionBlock || res.Decision.PolicyName != "tool-contract" {
		t.Fatalf("decision = %+v", res.Decision)
	}
	if len(res.FilteredResponse) != 0 {
		t.Errorf("blocked response leaked fields: %v", res.FilteredResponse)
	}
	if !reflect.DeepEqual(res.StrippedFields, []string{"data"}) {
		t.Errorf("stripped = %v", res.StrippedFields)
	}
}

func TestMessagePipeline(t *testing.T) {
	approvals, err := approval.NewManager(filepath.Join(t.TempDir(), "approvals.json"))
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	rules := []policy.Rule{
		{
			Name:       "approve-credential-share",
			Boundaries: []policy.Boundary{policy.BoundaryAction},
			Action:     policy.ActionRequireApproval,
			Reason:     "sharing credentials needs sign-off",
			Priority:   10,
			Condition:  policy.Condition{DataTags: policy.StringList{"secret.credential"}},
		},
		{
			Name:       "redact-pii-messages",
			Boundaries: []policy.Boundary{policy.BoundaryAction},
			Action:     policy.ActionRedact,
			Reason:     "pii is masked between agents",
			Priority:   20,
			Condition:  policy.Condition{DataTags: policy.StringList{"personal.pii"}},
		},
		{
			Name:       "allow-messages",
			Boundaries: []policy.Boundary{policy.BoundaryAction},
			Action:     policy.ActionAllow,
			Priority:   1000,
		},
	}
	sink := &collector{}
	p := NewMessagePipeline(mustClassifier(t), mustEngine(t, rules), approvals, sink)

	t.Run("supplied and classified tags union", func(t *testing.T) {
		res := p.Send(context.Background(), AgentMessage{
			Message:            "customer email is alice@example.com",
			SourceAgentID:      "agent-1",
			DestinationAgentID: "agent-2",
			DataTags:           []string{"business.internal"},
		})
		if res.Decision.Action != policy.ActionRedact {
			t.Fatalf("action = %s (%s)", res.Decision.Action, res.Decision.Reason)
		}
		if !reflect.DeepEqual(res.DataTags, []string{"business.internal", "personal.pii"}) {
			t.Errorf("tags = %v", res.DataTags)
		}
		if strings.Contains(res.FilteredMessage, "alice@example.com") {
			t.Errorf("message body not redacted: %q", res.FilteredMessage)
		}
		e := sink.last(t)
		if e.SourceAgentID != "agent-1" || e.DestinationAgentID != "agent-2" {
			t.Errorf("audit routing = %+v", e)
		}
	})

	t.Run("approval gate", func(t *testing.T) {
		msg := AgentMessage{
			Message:            "here is the deploy key",
			SourceAgentID:      "agent-1",
			DestinationAgentID: "agent-2",
			SessionID:          "sess-1",
			DataTags:           []string{"secret.credential"},
		}
		res := p.Send(context.Background(), msg)
		if res.Decision.Action != policy.ActionRequireApproval || res.ApprovalRequestID == "" {
			t.Fatalf("result = %+v", res)
		}
		if res.FilteredMessage != "" {
			t.Error("pending message body must be withheld")
		}

		if !approvals.Approve(res.ApprovalRequestID, "alice", "") {
			t.Fatal("Approve() = false")
		}
		msg.ApprovalRequestID = res.ApprovalRequestID
		res = p.Send(context.Background(), msg)
		if res.Decision.Action != policy.ActionAllow {
			t.Fatalf("approved resend action = %s (%s)", res.Decision.Action, res.Decision.Reason)
		}
		if res.FilteredMessage != msg.Message {
			t.Errorf("approved message = %q", res.FilteredMessage)
		}
	})
}
