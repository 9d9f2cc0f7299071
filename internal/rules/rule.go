// Package rules evaluates prioritized exit policy against live position
// snapshots. Rules decide; they never place orders or mutate state.
package rules

import (
	"github.com/niftyninja9/autosentry/internal/domain"
)

// Action is a rule's verdict for one position.
type Action int

const (
	// NoAction: rule applies, nothing triggered.
	NoAction Action = iota
	// Skip: rule cannot judge this position (missing data, disabled).
	Skip
	// Exit: close the position now.
	Exit
)

func (a Action) String() string {
	switch a {
	case Exit:
		return "exit"
	case Skip:
		return "skip"
	default:
		return "no_action"
	}
}

// Base exit reasons. The exit engine appends the final net PnL figure;
// rules never do.
const (
	ReasonStopLoss                 = "SL HIT"
	ReasonTakeProfit               = "TP HIT"
	ReasonTrailingStop             = "TRAILING STOP"
	ReasonTimeExit                 = "time-based exit"
	ReasonSessionEnd               = "session end"
	ReasonSecureProfit             = "secure_profit_exit"
	ReasonUnderlyingTrendWeak      = "underlying_trend_weak"
	ReasonUnderlyingStructureBreak = "underlying_structure_break"
	ReasonUnderlyingATRCollapse    = "underlying_atr_collapse"
)

// RuleResult carries the verdict plus the reason/kind pair an exit needs.
// Detail is free-form context for logs only.
type RuleResult struct {
	Action Action
	Reason string
	Kind   domain.ExitKind
	Detail string
}

var (
	resultNoAction = RuleResult{Action: NoAction}
	resultSkip     = RuleResult{Action: Skip}
)

// ExitVerdict builds an Exit result.
func ExitVerdict(reason string, kind domain.ExitKind, detail string) RuleResult {
	return RuleResult{Action: Exit, Reason: reason, Kind: kind, Detail: detail}
}

// Rule is one exit policy. Enabled is consulted first; a disabled rule
// is skipped without evaluation. Evaluate must be side-effect free.
type Rule interface {
	Name() string
	Priority() int
	Enabled(ctx *Context) bool
	Evaluate(ctx *Context) (RuleResult, error)
}
