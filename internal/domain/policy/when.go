package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// maxWhenLength bounds `when` expressions; anything longer is a config error.
const maxWhenLength = 1024

// maxWhenCost is the CEL runtime cost limit, guarding against pathological
// expressions burning CPU on the hot path.
const maxWhenCost = 100_000

// whenEvalTimeout bounds a single expression evaluation.
const whenEvalTimeout = 2 * time.Second

// newWhenEnvironment builds the CEL environment available to rule `when`
// expressions. Variables mirror the evaluation context exactly.
func newWhenEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),
		cel.Variable("boundary", cel.StringType),
		cel.Variable("data_tags", cel.ListType(cel.StringType)),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("action_type", cel.StringType),
	)
}

// compileWhen parses, checks, and plans one expression. Empty expressions
// return a nil program, meaning the rule has no expression guard.
func compileWhen(env *cel.Env, expr string) (cel.Program, error) {
	if expr == "" {
		return nil, nil
	}
	if len(expr) > maxWhenLength {
		return nil, fmt.Errorf("when expression too long: %d characters (max %d)", len(expr), maxWhenLength)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("when expression: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxWhenCost),
	)
	if err != nil {
		return nil, fmt.Errorf("when expression program: %w", err)
	}
	return prg, nil
}

// evalWhen runs a compiled expression against a context. Non-boolean results
// are errors.
func evalWhen(prg cel.Program, pctx Context, normalizedTags []string) (bool, error) {
	tags := normalizedTags
	if tags == nil {
		tags = []string{}
	}
	activation := map[string]any{
		"boundary":    string(pctx.Boundary),
		"data_tags":   tags,
		"agent_id":    pctx.AgentID,
		"tool_name":   pctx.ToolName,
		"action_type": pctx.ActionType,
	}

	ctx, cancel := context.WithTimeout(context.Background(), whenEvalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("when evaluation: %w", err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("when expression returned %T, want bool", result.Value())
	}
	return matched, nil
}
