package boundary

import (
	"context"

	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/classify"
	"github.com/safeai-dev/safeai/internal/domain/policy"
)

// OutputGuard enforces the output boundary. It is the input pipeline with
// boundary=output plus fallback-template rendering on block and redact.
type OutputGuard struct {
	classifier *classify.Classifier
	engine     *policy.Engine
	emitter    audit.Emitter
}

// NewOutputGuard wires the output pipeline.
func NewOutputGuard(classifier *classify.Classifier, engine *policy.Engine, emitter audit.Emitter) *OutputGuard {
	if emitter == nil {
		emitter = audit.Discard
	}
	return &OutputGuard{classifier: classifier, engine: engine, emitter: emitter}
}

// Guard classifies text leaving a model and applies the output-boundary
// decision. When the decision is block or redact and the matched rule
// carries a fallback template, the template rendering replaces the filtered
// text. Exactly one audit event is emitted before returning.
func (g *OutputGuard) Guard(ctx context.Context, text, agentID, sessionID string) GuardResult {
	detections := g.classifier.Classify(text)
	tags := classify.Tags(detections)

	decision := g.engine.Evaluate(policy.Context{
		Boundary: policy.BoundaryOutput,
		DataTags: tags,
		AgentID:  agentID,
	})

	filtered := applyTextAction(text, decision.Action, detections)

	fallbackUsed := false
	if decision.FallbackTemplate != "" &&
		(decision.Action == policy.ActionBlock || decision.Action == policy.ActionRedact) {
		redacted := redactSpans(text, detections)
		filtered = renderFallback(decision.FallbackTemplate, fallbackVars(
			text, redacted, decision.Reason, decision.PolicyName,
			string(decision.Action), agentID, tags, len(detections),
		))
		fallbackUsed = true
	}

	e := audit.New(policy.BoundaryOutput, audit.FromDecision(decision.Action), agentID, decision.Reason)
	e.PolicyName = decision.PolicyName
	e.DataTags = tags
	e.SessionID = sessionID
	e.Metadata = map[string]any{
		"phase":         "output_guard",
		"detections":    len(detections),
		"fallback_used": fallbackUsed,
	}
	_ = g.emitter.Emit(e)

	return GuardResult{
		Decision:     decision,
		DataTags:     tags,
		Detections:   detections,
		Filtered:     filtered,
		FallbackUsed: fallbackUsed,
	}
}
