package boundary

import (
	"context"

	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/classify"
	"github.com/safeai-dev/safeai/internal/domain/policy"
)

// InputScanner enforces the input boundary: classify, evaluate, apply the
// decided action to the text, audit.
type InputScanner struct {
	classifier *classify.Classifier
	engine     *policy.Engine
	emitter    audit.Emitter
}

// NewInputScanner wires the input pipeline.
func NewInputScanner(classifier *classify.Classifier, engine *policy.Engine, emitter audit.Emitter) *InputScanner {
	if emitter == nil {
		emitter = audit.Discard
	}
	return &InputScanner{classifier: classifier, engine: engine, emitter: emitter}
}

// Scan classifies text entering a model and applies the input-boundary
// decision: block empties the text, redact masks every detected span, allow
// passes it through. Exactly one audit event is emitted before returning.
func (s *InputScanner) Scan(ctx context.Context, text, agentID, sessionID string) ScanResult {
	detections := s.classifier.Classify(text)
	tags := classify.Tags(detections)

	decision := s.engine.Evaluate(policy.Context{
		Boundary: policy.BoundaryInput,
		DataTags: tags,
		AgentID:  agentID,
	})

	filtered := applyTextAction(text, decision.Action, detections)

	e := audit.New(policy.BoundaryInput, audit.FromDecision(decision.Action), agentID, decision.Reason)
	e.PolicyName = decision.PolicyName
	e.DataTags = tags
	e.SessionID = sessionID
	e.Metadata = map[string]any{
		"phase":      "input_scan",
		"detections": len(detections),
	}
	_ = s.emitter.Emit(e)

	return ScanResult{
		Decision:   decision,
		DataTags:   tags,
		Detections: detections,
		Filtered:   filtered,
	}
}

// applyTextAction maps a decision action onto scalar text.
func applyTextAction(text string, action policy.Action, detections []classify.Detection) string {
	switch action {
	case policy.ActionAllow:
		return text
	case policy.ActionRedact:
		return redactSpans(text, detections)
	default:
		// block and require_approval withhold the text entirely.
		return ""
	}
}
