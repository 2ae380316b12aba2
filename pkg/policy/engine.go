// Package policy evaluates principal × resource × action requests against a
// rule set with wildcard patterns and attribute conditions. Deny always beats
// allow; the configured default applies when nothing matches.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// EvaluationContext is one authorization request.
type EvaluationContext struct {
	Principal  string         `json:"principal"`
	Resource   string         `json:"resource"`
	Action     string         `json:"action"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Result is the outcome of an evaluation. Matched lists the rule that denied,
// or every allow rule that matched.
type Result struct {
	Allowed bool                  `json:"allowed"`
	Matched []contracts.PolicyRule `json:"matched,omitempty"`
	Reason  string                `json:"reason"`
}

// Options configures an Engine.
type Options struct {
	// DefaultAllow flips the default effect from deny to allow.
	DefaultAllow bool
}

// Engine holds the rule set. Compiled patterns are cached per rule.
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]*compiledRule
	order    []string
	opts     Options
	now      func() time.Time
}

type compiledRule struct {
	rule      contracts.PolicyRule
	principal *regexp.Regexp
	resource  *regexp.Regexp
}

// New creates an empty Engine.
func New(opts Options) *Engine {
	return &Engine{
		rules: make(map[string]*compiledRule),
		opts:  opts,
		now:   time.Now,
	}
}

// AddRule compiles and registers a rule. A missing id is assigned.
func (e *Engine) AddRule(rule contracts.PolicyRule) (string, error) {
	if rule.Principal == "" || rule.Resource == "" {
		return "", fmt.Errorf("policy: rule requires principal and resource patterns: %w", contracts.ErrInvalidArgument)
	}
	if rule.Effect != contracts.EffectAllow && rule.Effect != contracts.EffectDeny {
		return "", fmt.Errorf("policy: rule effect %q: %w", rule.Effect, contracts.ErrInvalidArgument)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	principal, err := compilePattern(rule.Principal)
	if err != nil {
		return "", fmt.Errorf("policy: principal pattern: %w", err)
	}
	resource, err := compilePattern(rule.Resource)
	if err != nil {
		return "", fmt.Errorf("policy: resource pattern: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.ID]; !exists {
		e.order = append(e.order, rule.ID)
	}
	e.rules[rule.ID] = &compiledRule{rule: rule, principal: principal, resource: resource}
	return rule.ID, nil
}

// RemoveRule deletes a rule by id.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("policy: rule %q: %w", id, contracts.ErrNotFound)
	}
	delete(e.rules, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Evaluate applies the rule set to a request.
//
// Order: select applicable rules (unexpired, principal and resource patterns
// match), evaluate deny conditions first — any match denies — then allows.
// No match falls through to the configured default.
func (e *Engine) Evaluate(ctx EvaluationContext) Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	attrs := ctx.Attributes
	if ctx.Action != "" {
		merged := make(map[string]any, len(attrs)+1)
		for k, v := range attrs {
			merged[k] = v
		}
		merged["action"] = ctx.Action
		attrs = merged
	}

	now := e.now()
	var applicable []*compiledRule
	for _, id := range e.order {
		cr := e.rules[id]
		if cr.rule.ExpiresAt != nil && !now.Before(*cr.rule.ExpiresAt) {
			continue
		}
		if cr.principal.MatchString(ctx.Principal) && cr.resource.MatchString(ctx.Resource) {
			applicable = append(applicable, cr)
		}
	}

	for _, cr := range applicable {
		if cr.rule.Effect != contracts.EffectDeny {
			continue
		}
		if evalConditions(cr.rule.Conditions, attrs) {
			return Result{
				Allowed: false,
				Matched: []contracts.PolicyRule{cr.rule},
				Reason:  fmt.Sprintf("denied by rule %s", ruleLabel(cr.rule)),
			}
		}
	}

	var matchedAllows []contracts.PolicyRule
	for _, cr := range applicable {
		if cr.rule.Effect != contracts.EffectAllow {
			continue
		}
		if evalConditions(cr.rule.Conditions, attrs) {
			matchedAllows = append(matchedAllows, cr.rule)
		}
	}
	if len(matchedAllows) > 0 {
		return Result{
			Allowed: true,
			Matched: matchedAllows,
			Reason:  fmt.Sprintf("allowed by rule %s", ruleLabel(matchedAllows[0])),
		}
	}

	if e.opts.DefaultAllow {
		return Result{Allowed: true, Reason: "no matching rule; default allow"}
	}
	return Result{Allowed: false, Reason: "no matching rule; default deny"}
}

// ExportJSON serializes the rule set.
func (e *Engine) ExportJSON() ([]byte, error) {
	e.mu.RLock()
	rules := make([]contracts.PolicyRule, 0, len(e.order))
	for _, id := range e.order {
		rules = append(rules, e.rules[id].rule)
	}
	e.mu.RUnlock()

	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("policy: export: %w", err)
	}
	return data, nil
}

// ImportJSON replaces the rule set with rules parsed from data.
func (e *Engine) ImportJSON(data []byte) error {
	var rules []contracts.PolicyRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("policy: import: %w", err)
	}

	e.mu.Lock()
	e.rules = make(map[string]*compiledRule, len(rules))
	e.order = e.order[:0]
	e.mu.Unlock()

	for _, rule := range rules {
		if _, err := e.AddRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// Rules returns a snapshot of the rule set in insertion order.
func (e *Engine) Rules() []contracts.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]contracts.PolicyRule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].rule)
	}
	return out
}

// compilePattern turns a wildcard pattern into an anchored regexp: every
// regex metacharacter is escaped except "*", which becomes ".*".
func compilePattern(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	return regexp.Compile("^" + escaped + "$")
}

func ruleLabel(r contracts.PolicyRule) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}
