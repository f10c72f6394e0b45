package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/safeai-dev/safeai/internal/domain/tag"
)

// ErrNoLoader reports a reload request on an engine constructed without a
// loader callback.
var ErrNoLoader = errors.New("policy engine has no loader")

// missingFileMtime encodes "file does not exist" in the mtime snapshot, so
// deletion counts as a change.
const missingFileMtime = int64(-1)

// defaultCacheSize bounds the decision cache unless overridden.
const defaultCacheSize = 1000

// LoaderFunc produces a full replacement rule list. It must return either a
// fully-valid list or an error; the engine never installs partial state.
type LoaderFunc func() ([]Rule, error)

// compiledRule is one rule ready for evaluation.
type compiledRule struct {
	rule    Rule
	bounds  map[Boundary]struct{}
	cond    normalizedCondition
	program cel.Program
}

// matches applies the condition keys in order of cost: boundary, tool,
// agent, tags, then the optional expression guard.
func (cr *compiledRule) matches(pctx Context, expanded tag.Set, normalizedTags []string, logger *slog.Logger) bool {
	if _, ok := cr.bounds[pctx.Boundary]; !ok {
		return false
	}
	if cr.cond.tools != nil {
		if _, ok := cr.cond.tools[pctx.ToolName]; !ok {
			return false
		}
	}
	if cr.cond.agents != nil {
		if _, ok := cr.cond.agents[pctx.AgentID]; !ok {
			return false
		}
	}
	if len(cr.cond.tags) > 0 {
		hit := false
		for _, t := range cr.cond.tags {
			if _, ok := expanded[t]; ok {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if cr.program != nil {
		matched, err := evalWhen(cr.program, pctx, normalizedTags)
		if err != nil {
			// A failing guard never matches; evaluation continues to
			// lower-priority rules and ultimately default deny.
			logger.Warn("policy when guard failed", "rule", cr.rule.Name, "error", err)
			return false
		}
		return matched
	}
	return true
}

// Engine evaluates boundary events against a sorted rule list. Evaluation
// takes a snapshot of the list under a read lock and runs lock-free; reload
// swaps the list under the write lock, so readers see either the old or the
// new list, never a mix.
type Engine struct {
	mu      sync.RWMutex
	rules   []compiledRule
	gen     uint64
	mtimes  map[string]int64
	watched []string
	loader  LoaderFunc
	env     *cel.Env
	cache   *decisionCache
	logger  *slog.Logger
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithWatchedFiles registers the policy files whose mtimes drive
// ReloadIfChanged.
func WithWatchedFiles(paths ...string) EngineOption {
	return func(e *Engine) {
		e.watched = append(e.watched, paths...)
	}
}

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) EngineOption {
	return func(e *Engine) {
		e.cache = newDecisionCache(size)
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine builds an engine and performs the initial load when a loader is
// supplied. Load or validation failures abort construction; the engine never
// starts with a partially-valid rule set.
func NewEngine(loader LoaderFunc, opts ...EngineOption) (*Engine, error) {
	env, err := newWhenEnvironment()
	if err != nil {
		return nil, fmt.Errorf("policy expression environment: %w", err)
	}
	e := &Engine{
		loader: loader,
		env:    env,
		cache:  newDecisionCache(defaultCacheSize),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "policy_engine")

	if loader != nil {
		if err := e.Reload(); err != nil {
			return nil, err
		}
	} else {
		e.mtimes = statMtimes(e.watched)
	}
	return e, nil
}

// SetRules validates, compiles, and installs a replacement rule list.
func (e *Engine) SetRules(rules []Rule) error {
	compiled, err := e.compile(rules)
	if err != nil {
		return err
	}
	e.install(compiled, statMtimes(e.watched))
	return nil
}

// Rules returns a copy of the installed rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}
	return out
}

// Evaluate returns the first matching rule's decision, or default deny.
// Given a fixed rule list, Evaluate is a pure function of the context.
func (e *Engine) Evaluate(pctx Context) Decision {
	normalizedTags := tag.NormalizeAll(pctx.DataTags)

	e.mu.RLock()
	rules := e.rules
	gen := e.gen
	e.mu.RUnlock()

	key := cacheKey(gen, pctx, normalizedTags)
	if d, ok := e.cache.get(key); ok {
		return d
	}

	expanded := tag.Expand(normalizedTags...)
	for i := range rules {
		cr := &rules[i]
		if !cr.matches(pctx, expanded, normalizedTags, e.logger) {
			continue
		}
		d := Decision{
			Action:           cr.rule.Action,
			PolicyName:       cr.rule.Name,
			Reason:           cr.rule.Reason,
			FallbackTemplate: cr.rule.FallbackTemplate,
		}
		if d.Reason == "" {
			d.Reason = fmt.Sprintf("matched policy %q", cr.rule.Name)
		}
		e.cache.put(key, d)
		return d
	}

	d := DefaultDeny()
	e.cache.put(key, d)
	return d
}

// Reload invokes the loader unconditionally and swaps in the result. On
// loader or compile failure the previous rule list stays installed and the
// mtime snapshot is left untouched, so the next poll retries.
func (e *Engine) Reload() error {
	if e.loader == nil {
		return ErrNoLoader
	}
	rules, err := e.loader()
	if err != nil {
		return fmt.Errorf("policy loader: %w", err)
	}
	compiled, err := e.compile(rules)
	if err != nil {
		return err
	}
	e.install(compiled, statMtimes(e.watched))
	e.logger.Info("policies loaded", "rules", len(compiled), "watched_files", len(e.watched))
	return nil
}

// ReloadIfChanged reloads only when any watched file's mtime differs from
// the snapshot, including files that appeared or disappeared. Returns whether
// a reload happened.
func (e *Engine) ReloadIfChanged() (bool, error) {
	if len(e.watched) == 0 {
		return false, nil
	}
	current := statMtimes(e.watched)
	e.mu.RLock()
	changed := !mtimesEqual(e.mtimes, current)
	e.mu.RUnlock()
	if !changed {
		return false, nil
	}
	if err := e.Reload(); err != nil {
		return false, err
	}
	return true, nil
}

// CacheSize returns the number of cached decisions, for metrics.
func (e *Engine) CacheSize() int {
	return e.cache.size()
}

// compile validates every rule, compiles expression guards, and sorts by
// ascending priority. The sort is stable: equal priorities keep their
// insertion order.
func (e *Engine) compile(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		prg, err := compileWhen(e.env, r.Condition.When)
		if err != nil {
			return nil, fmt.Errorf("policy rule %q: %w", r.Name, err)
		}
		bounds := make(map[Boundary]struct{}, len(r.Boundaries))
		for _, b := range r.Boundaries {
			bounds[b] = struct{}{}
		}
		compiled = append(compiled, compiledRule{
			rule:    r,
			bounds:  bounds,
			cond:    normalizeCondition(r.Condition),
			program: prg,
		})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority < compiled[j].rule.Priority
	})
	return compiled, nil
}

// install swaps the rule list and mtime snapshot under the write lock, bumps
// the cache generation, and drops stale entries.
func (e *Engine) install(compiled []compiledRule, mtimes map[string]int64) {
	e.mu.Lock()
	e.rules = compiled
	e.mtimes = mtimes
	e.gen++
	e.mu.Unlock()
	e.cache.clear()
}

// statMtimes captures mtimes in nanoseconds; missing files record -1.
func statMtimes(paths []string) map[string]int64 {
	out := make(map[string]int64, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			out[p] = missingFileMtime
			continue
		}
		out[p] = fi.ModTime().UnixNano()
	}
	return out
}

func mtimesEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
