package rules

import (
	"fmt"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// TimeBasedExitRule books qualifying positions in the pre-close window.
// A minimum-profit floor keeps it from flattening runners early; the
// session-end rule owns everything past the close.
type TimeBasedExitRule struct{}

func (TimeBasedExitRule) Name() string  { return "time_based_exit" }
func (TimeBasedExitRule) Priority() int { return 40 }

func (TimeBasedExitRule) Enabled(ctx *Context) bool {
	return ctx.Session != nil && ctx.Risk.TimeExitHHMM != ""
}

func (TimeBasedExitRule) Evaluate(ctx *Context) (RuleResult, error) {
	if !ctx.Session.AtOrAfter(ctx.Now, ctx.Risk.TimeExitHHMM) {
		return resultNoAction, nil
	}
	if closeAt := ctx.Risk.MarketCloseHHMM; closeAt != "" && ctx.Session.AtOrAfter(ctx.Now, closeAt) {
		return resultNoAction, nil
	}
	if floor := ctx.Risk.MinProfitRupees; floor > 0 && ctx.Position.PnL < floor {
		return resultNoAction, nil
	}
	return ExitVerdict(ReasonTimeExit, domain.ExitTimeBased,
		fmt.Sprintf("past %s with pnl %.0f", ctx.Risk.TimeExitHHMM, ctx.Position.PnL)), nil
}
