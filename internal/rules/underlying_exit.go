package rules

import (
	"fmt"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// UnderlyingExitRule closes positions the index context no longer
// supports: a structure break against the position, a trend score that
// flipped past the threshold, or realized movement collapsing (long
// options bleed premium without it). Lowest priority; PnL rules win.
type UnderlyingExitRule struct{}

func (UnderlyingExitRule) Name() string  { return "underlying_exit" }
func (UnderlyingExitRule) Priority() int { return 60 }

func (UnderlyingExitRule) Enabled(ctx *Context) bool {
	if !ctx.Flags.EnableUnderlyingAwareExits || ctx.Underlying == nil {
		return false
	}
	return ctx.Risk.UnderlyingTrendScoreThreshold > 0 ||
		ctx.Risk.UnderlyingATRCollapseMultiplier > 1
}

func (UnderlyingExitRule) Evaluate(ctx *Context) (RuleResult, error) {
	pos := ctx.Position
	if pos.IndexKey == "" {
		return resultSkip, nil
	}
	sig, ok := ctx.Underlying.Signal(ctx.callCtx(), pos.IndexKey)
	if !ok {
		return resultNoAction, nil
	}

	if sig.StructureBreak && sig.BreakDirection != "" && sig.BreakDirection != pos.Direction {
		return ExitVerdict(ReasonUnderlyingStructureBreak, domain.ExitUnderlying,
			fmt.Sprintf("%s break against %s position", sig.BreakDirection, pos.Direction)), nil
	}

	if thr := ctx.Risk.UnderlyingTrendScoreThreshold; thr > 0 {
		aligned := sig.TrendScore
		if pos.Direction == domain.DirectionBearish {
			aligned = -aligned
		}
		if aligned <= -thr {
			return ExitVerdict(ReasonUnderlyingTrendWeak, domain.ExitUnderlying,
				fmt.Sprintf("trend score %.2f against %s position (threshold %.2f)",
					sig.TrendScore, pos.Direction, thr)), nil
		}
	}

	if mult := ctx.Risk.UnderlyingATRCollapseMultiplier; mult > 1 && sig.ATRRatio > 0 {
		if sig.ATRRatio*mult <= 1 {
			return ExitVerdict(ReasonUnderlyingATRCollapse, domain.ExitUnderlying,
				fmt.Sprintf("atr ratio %.2f below 1/%.1f", sig.ATRRatio, mult)), nil
		}
	}
	return resultNoAction, nil
}
