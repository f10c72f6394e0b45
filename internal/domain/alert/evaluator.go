package alert

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safeai-dev/safeai/internal/domain/audit"
)

// sample is one buffered matching event.
type sample struct {
	at      time.Time
	eventID string
	agentID string
}

// window is the per-rule sliding buffer. Eviction runs on every observation
// so the buffer stays O(window-size) in steady state.
type window struct {
	rule        Rule
	samples     []sample
	lastFiredAt time.Time
}

// Evaluator observes the audit stream and fires alerts. Adding an event and
// checking the threshold happen atomically under one lock; channel dispatch
// happens outside it.
type Evaluator struct {
	mu       sync.Mutex
	windows  map[string]*window
	order    []string
	channels map[string]Channel
	now      func() time.Time
	logger   *slog.Logger
}

// EvaluatorOption configures the evaluator.
type EvaluatorOption func(*Evaluator)

// WithClock overrides the evaluator's time source.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// WithLogger sets the evaluator logger.
func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

// NewEvaluator builds an evaluator over a validated rule set.
func NewEvaluator(rules []Rule, opts ...EvaluatorOption) (*Evaluator, error) {
	e := &Evaluator{
		windows:  make(map[string]*window, len(rules)),
		channels: make(map[string]Channel),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "alert_evaluator")

	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := e.windows[r.RuleID]; dup {
			return nil, fmt.Errorf("alert rule %q: duplicate rule_id", r.RuleID)
		}
		e.windows[r.RuleID] = &window{rule: r}
		e.order = append(e.order, r.RuleID)
	}
	return e, nil
}

// RegisterChannel installs a dispatch channel under its own name.
func (e *Evaluator) RegisterChannel(c Channel) {
	e.mu.Lock()
	e.channels[c.Name()] = c
	e.mu.Unlock()
}

// Rules returns the installed rules in registration order.
func (e *Evaluator) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.windows[id].rule)
	}
	return out
}

// Observe feeds one audit event through every rule and dispatches any fired
// alerts. The returned map records per-channel delivery per alert; channel
// failures never affect other channels or the caller.
func (e *Evaluator) Observe(event *audit.Event) []Alert {
	now := e.now()

	e.mu.Lock()
	var fired []Alert
	for _, id := range e.order {
		w := e.windows[id]
		if a, ok := w.observe(event, now); ok {
			fired = append(fired, a)
		}
	}
	channels := e.channels
	e.mu.Unlock()

	for _, a := range fired {
		e.dispatch(a, channels)
	}
	return fired
}

// observe evicts stale samples, appends on match, and fires when the buffer
// crosses the threshold outside the cooldown.
func (w *window) observe(event *audit.Event, now time.Time) (Alert, bool) {
	cutoff := now.Add(-w.rule.window())
	kept := w.samples[:0]
	for _, s := range w.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.samples = kept

	if !w.rule.Filters.Match(event) {
		return Alert{}, false
	}
	w.samples = append(w.samples, sample{at: now, eventID: event.EventID, agentID: event.AgentID})

	if len(w.samples) < w.rule.Threshold {
		return Alert{}, false
	}
	if cd := w.rule.cooldown(); cd > 0 && !w.lastFiredAt.IsZero() && now.Sub(w.lastFiredAt) <= cd {
		return Alert{}, false
	}
	w.lastFiredAt = now

	tenants := make(map[string]struct{})
	samples := make([]string, 0, maxSampleEventIDs)
	for _, s := range w.samples {
		tenants[s.agentID] = struct{}{}
		if len(samples) < maxSampleEventIDs {
			samples = append(samples, s.eventID)
		}
	}
	tenantIDs := make([]string, 0, len(tenants))
	for t := range tenants {
		tenantIDs = append(tenantIDs, t)
	}

	return Alert{
		AlertID:        uuid.NewString(),
		RuleID:         w.rule.RuleID,
		RuleName:       w.rule.Name,
		Threshold:      w.rule.Threshold,
		Window:         w.rule.Window,
		Count:          len(w.samples),
		Channels:       append([]string{}, w.rule.Channels...),
		TenantIDs:      tenantIDs,
		SampleEventIDs: samples,
		Timestamp:      now.UTC(),
	}, true
}

// dispatch delivers one alert to each of its configured channels. Panics
// and errors are contained per channel.
func (e *Evaluator) dispatch(a Alert, channels map[string]Channel) map[string]bool {
	results := make(map[string]bool, len(a.Channels))
	for _, name := range a.Channels {
		c, ok := channels[name]
		if !ok {
			e.logger.Warn("alert channel not registered", "channel", name, "rule_id", a.RuleID)
			results[name] = false
			continue
		}
		results[name] = e.send(c, a)
	}
	return results
}

func (e *Evaluator) send(c Channel, a Alert) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("alert channel panicked", "channel", c.Name(), "panic", r)
			ok = false
		}
	}()
	if err := c.Send(a); err != nil {
		e.logger.Error("alert channel failed", "channel", c.Name(), "rule_id", a.RuleID, "error", err)
		return false
	}
	return true
}
