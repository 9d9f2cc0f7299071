package rules

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// Engine runs rules in ascending priority and returns the first Exit.
// Skip and NoAction both advance to the next rule; a rule error is
// logged and treated as Skip.
type Engine struct {
	rules []Rule
}

// NewEngine sorts the given rules by priority. Order of registration
// breaks priority ties.
func NewEngine(rules ...Rule) *Engine {
	rs := make([]Rule, len(rules))
	copy(rs, rules)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority() < rs[j].Priority() })
	return &Engine{rules: rs}
}

// DefaultRules is the built-in policy set in priority order.
func DefaultRules() []Rule {
	return []Rule{
		SessionEndRule{},
		StopLossRule{},
		TakeProfitRule{},
		SecureProfitRule{},
		TimeBasedExitRule{},
		PeakDrawdownRule{},
		TrailingStopRule{},
		UnderlyingExitRule{},
	}
}

// NewDefaultEngine builds an engine with the built-in rule set.
func NewDefaultEngine() *Engine {
	return NewEngine(DefaultRules()...)
}

// Rules exposes the sorted rule set.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Evaluate runs the position through the rule chain. Terminal and
// synthetic trackers are never evaluated.
func (e *Engine) Evaluate(ctx *Context) RuleResult {
	if ctx == nil || ctx.Position == nil || ctx.Tracker == nil {
		return resultSkip
	}
	if ctx.Tracker.IsTerminal() || ctx.Tracker.IsSynthetic() {
		return resultSkip
	}

	for _, r := range e.rules {
		if !r.Enabled(ctx) {
			continue
		}
		res, err := r.Evaluate(ctx)
		if err != nil {
			log.Warn().Err(err).
				Str("rule", r.Name()).
				Str("tracker_id", ctx.Tracker.ID).
				Msg("Rule evaluation failed")
			continue
		}
		if res.Action == Exit {
			log.Debug().
				Str("rule", r.Name()).
				Str("tracker_id", ctx.Tracker.ID).
				Str("reason", res.Reason).
				Str("detail", res.Detail).
				Msg("Exit rule triggered")
			return res
		}
	}
	return resultNoAction
}
