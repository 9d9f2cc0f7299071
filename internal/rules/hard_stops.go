package rules

import (
	"fmt"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// SessionEndRule flattens everything once the force-exit window opens.
// Highest priority: nothing holds through the close.
type SessionEndRule struct{}

func (SessionEndRule) Name() string  { return "session_end" }
func (SessionEndRule) Priority() int { return 10 }

func (SessionEndRule) Enabled(ctx *Context) bool {
	return ctx.Session != nil
}

func (SessionEndRule) Evaluate(ctx *Context) (RuleResult, error) {
	if !ctx.Session.ShouldForceExit(ctx.Now) {
		return resultNoAction, nil
	}
	at := ctx.Now.In(ctx.Session.Location()).Format("15:04:05")
	return ExitVerdict(ReasonSessionEnd, domain.ExitSessionEnd,
		fmt.Sprintf("force-exit window reached at %s", at)), nil
}

// StopLossRule exits when the loss breaches the regime-scaled stop.
type StopLossRule struct{}

func (StopLossRule) Name() string  { return "stop_loss" }
func (StopLossRule) Priority() int { return 20 }

func (StopLossRule) Enabled(ctx *Context) bool {
	return ctx.Risk.SLPct > 0
}

func (StopLossRule) Evaluate(ctx *Context) (RuleResult, error) {
	if !ctx.HasPrice() {
		return resultSkip, nil
	}
	limit := ctx.EffectiveSLPct()
	if ctx.Position.PnLPct > -limit {
		return resultNoAction, nil
	}
	return ExitVerdict(ReasonStopLoss, domain.ExitStopLoss,
		fmt.Sprintf("pnl %.2f%% breached -%.2f%%", ctx.Position.PnLPct, limit)), nil
}

// TakeProfitRule exits at the regime-scaled percentage target, or at the
// regime's rupee cap when one is set for the current window.
type TakeProfitRule struct{}

func (TakeProfitRule) Name() string  { return "take_profit" }
func (TakeProfitRule) Priority() int { return 30 }

func (TakeProfitRule) Enabled(ctx *Context) bool {
	return ctx.Risk.TPPct > 0
}

func (TakeProfitRule) Evaluate(ctx *Context) (RuleResult, error) {
	if !ctx.HasPrice() {
		return resultSkip, nil
	}

	target := ctx.EffectiveTPPct()
	if ctx.Position.PnLPct >= target {
		return ExitVerdict(ReasonTakeProfit, domain.ExitTakeProfit,
			fmt.Sprintf("pnl %.2f%% reached %.2f%%", ctx.Position.PnLPct, target)), nil
	}

	if rupeeCap := ctx.Regime.Window.MaxTPRupees; rupeeCap > 0 && ctx.Position.PnL >= rupeeCap {
		return ExitVerdict(ReasonTakeProfit, domain.ExitTakeProfit,
			fmt.Sprintf("pnl %.0f reached regime cap %.0f (%s)", ctx.Position.PnL, rupeeCap, ctx.Regime.Name)), nil
	}
	return resultNoAction, nil
}
