package boundary

import (
	"context"
	"fmt"

	"github.com/safeai-dev/safeai/internal/domain/audit"
	"github.com/safeai-dev/safeai/internal/domain/classify"
	"github.com/safeai-dev/safeai/internal/domain/policy"
	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// StructuredScanner enforces the input boundary over JSON-like payloads:
// every leaf string is classified under its path, the tag union drives one
// policy evaluation, and redaction rewrites only the detected leaves.
type StructuredScanner struct {
	classifier *classify.Classifier
	engine     *policy.Engine
	emitter    audit.Emitter
}

// NewStructuredScanner wires the structured pipeline.
func NewStructuredScanner(classifier *classify.Classifier, engine *policy.Engine, emitter audit.Emitter) *StructuredScanner {
	if emitter == nil {
		emitter = audit.Discard
	}
	return &StructuredScanner{classifier: classifier, engine: engine, emitter: emitter}
}

// Scan walks payload, classifies each string leaf, and applies the
// input-boundary decision. Block and require_approval withhold the payload
// (Filtered is nil); redact rebuilds it with detected leaves rewritten;
// allow returns it unchanged. Exactly one audit event is emitted.
func (s *StructuredScanner) Scan(ctx context.Context, payload any, agentID, sessionID string) StructuredScanResult {
	walk := newWalker(s.classifier)
	walk.visit("$", payload)

	tags := tag.NormalizeAll(walk.tags)

	decision := s.engine.Evaluate(policy.Context{
		Boundary: policy.BoundaryInput,
		DataTags: tags,
		AgentID:  agentID,
	})

	var filtered any
	switch decision.Action {
	case policy.ActionAllow:
		filtered = payload
	case policy.ActionRedact:
		filtered = rebuild("$", payload, walk.detections)
	default:
		filtered = nil
	}

	e := audit.New(policy.BoundaryInput, audit.FromDecision(decision.Action), agentID, decision.Reason)
	e.PolicyName = decision.PolicyName
	e.DataTags = tags
	e.SessionID = sessionID
	e.Metadata = map[string]any{
		"phase":         "structured_scan",
		"nodes_scanned": walk.nodes,
		"detections":    walk.total,
	}
	_ = s.emitter.Emit(e)

	return StructuredScanResult{
		Decision:     decision,
		DataTags:     tags,
		Detections:   walk.detections,
		Filtered:     filtered,
		NodesScanned: walk.nodes,
	}
}

// walker accumulates per-path detections over one payload traversal.
type walker struct {
	classifier *classify.Classifier
	detections map[string][]classify.Detection
	tags       []string
	nodes      int
	total      int
}

func newWalker(classifier *classify.Classifier) *walker {
	return &walker{
		classifier: classifier,
		detections: make(map[string][]classify.Detection),
	}
}

// visit descends v, emitting JSONPath-like paths: "$" for the root, ".key"
// for map keys, "[i]" for list indexes.
func (w *walker) visit(path string, v any) {
	w.nodes++
	switch tv := v.(type) {
	case string:
		found := w.classifier.Classify(tv)
		if len(found) > 0 {
			w.detections[path] = found
			w.total += len(found)
			for _, d := range found {
				w.tags = append(w.tags, d.Tag)
			}
		}
	case map[string]any:
		for k, inner := range tv {
			w.visit(path+"."+k, inner)
		}
	case []any:
		for i, inner := range tv {
			w.visit(fmt.Sprintf("%s[%d]", path, i), inner)
		}
	}
}

// rebuild returns a copy of v with detected string leaves redacted. Leaves
// without detections are shared, not copied.
func rebuild(path string, v any, detections map[string][]classify.Detection) any {
	switch tv := v.(type) {
	case string:
		if found, ok := detections[path]; ok {
			return redactSpans(tv, found)
		}
		return tv
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			out[k] = rebuild(path+"."+k, inner, detections)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, inner := range tv {
			out[i] = rebuild(fmt.Sprintf("%s[%d]", path, i), inner, detections)
		}
		return out
	default:
		return v
	}
}
