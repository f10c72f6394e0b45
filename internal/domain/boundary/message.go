package boundary

import (
	"context"
	"fmt"

	"github.com/safeai-dev/safeai/internal/domain/approval"
	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/classify"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// messageToolName is the synthetic tool name under which inter-agent
// messages are policy-matched and approval-deduped.
const messageToolName = "agent_message"

// MessagePipeline enforces the action boundary over inter-agent messages:
// classifier, policy, approval gating, and redaction of the message body.
type MessagePipeline struct {
	classifier  *classify.Classifier
	engine      *policy.Engine
	approvals   *approval.Manager
	emitter     audit.Emitter
	approvalTTL string
}

// NewMessagePipeline wires the agent-to-agent message pipeline.
func NewMessagePipeline(classifier *classify.Classifier, engine *policy.Engine, approvals *approval.Manager, emitter audit.Emitter) *MessagePipeline {
	if emitter == nil {
		emitter = audit.Discard
	}
	return &MessagePipeline{
		classifier:  classifier,
		engine:      engine,
		approvals:   approvals,
		emitter:     emitter,
		approvalTTL: defaultApprovalTTL,
	}
}

// Send evaluates one message from source to destination. Supplied data tags
// union with classifier findings; the decision applies to the message body
// the same way the input scanner treats text. require_approval gates
// through the durable approval workflow keyed to the sending agent.
func (p *MessagePipeline) Send(ctx context.Context, msg AgentMessage) AgentMessageResult {
	detections := p.classifier.Classify(msg.Message)
	tags := tag.NormalizeAll(append(classify.Tags(detections), msg.DataTags...))

	decision := p.engine.Evaluate(policy.Context{
		Boundary:   policy.BoundaryAction,
		DataTags:   tags,
		AgentID:    msg.SourceAgentID,
		ToolName:   messageToolName,
		ActionType: "agent_message",
	})

	if decision.Action == policy.ActionRequireApproval {
		decision = p.gateApproval(msg, tags, decision)
	}

	filtered := applyTextAction(msg.Message, decision.Action, detections)

	e := audit.New(policy.BoundaryAction, audit.FromDecision(decision.Action), msg.SourceAgentID, decision.Reason)
	e.PolicyName = decision.PolicyName
	e.DataTags = tags
	e.SessionID = msg.SessionID
	e.SourceAgentID = msg.SourceAgentID
	e.DestinationAgentID = msg.DestinationAgentID
	e.Metadata = map[string]any{
		"phase":      "agent_message",
		"detections": len(detections),
	}
	if decision.ApprovalRequestID != "" {
		e.Metadata["approval_request_id"] = decision.ApprovalRequestID
	}
	_ = p.emitter.Emit(e)

	return AgentMessageResult{
		Decision:          decision,
		DataTags:          tags,
		FilteredMessage:   filtered,
		ApprovalRequestID: decision.ApprovalRequestID,
	}
}

func (p *MessagePipeline) gateApproval(msg AgentMessage, tags []string, decision policy.Decision) policy.Decision {
	if msg.ApprovalRequestID != "" {
		av := p.approvals.Validate(msg.ApprovalRequestID, msg.SourceAgentID, messageToolName, msg.SessionID)
		switch {
		case av.Allowed:
			name := decision.PolicyName
			if name == "" {
				name = sourceApproval
			}
			out := policy.Allow(name, fmt.Sprintf("approval request %q approved", msg.ApprovalRequestID))
			out.ApprovalRequestID = msg.ApprovalRequestID
			return out
		case av.Status == approval.StatusDenied:
			out := policy.Block(sourceApproval, av.Reason)
			out.ApprovalRequestID = msg.ApprovalRequestID
			return out
		default:
			out := decision
			out.Action = policy.ActionRequireApproval
			out.Reason = av.Reason
			out.ApprovalRequestID = msg.ApprovalRequestID
			return out
		}
	}

	req, err := p.approvals.Create(approval.CreateRequest{
		Reason:     decision.Reason,
		PolicyName: decision.PolicyName,
		AgentID:    msg.SourceAgentID,
		ToolName:   messageToolName,
		SessionID:  msg.SessionID,
		ActionType: "agent_message",
		DataTags:   tags,
		TTL:        p.approvalTTL,
		DedupeKey:  approval.DedupeKey(msg.SourceAgentID, messageToolName, msg.SessionID, msg.SourceAgentID, tags, []string{msg.DestinationAgentID}),
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
