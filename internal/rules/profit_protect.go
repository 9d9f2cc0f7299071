package rules

import (
	"fmt"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
)

// SecureProfitRule locks in a large gain once it starts giving back.
// Both legs must be configured; either at zero disables the rule.
type SecureProfitRule struct{}

func (SecureProfitRule) Name() string  { return "secure_profit" }
func (SecureProfitRule) Priority() int { return 35 }

func (SecureProfitRule) Enabled(ctx *Context) bool {
	return ctx.Risk.SecureProfitThresholdRupees > 0 && ctx.Risk.SecureProfitDrawdownPct > 0
}

func (SecureProfitRule) Evaluate(ctx *Context) (RuleResult, error) {
	if !ctx.HasPrice() {
		return resultSkip, nil
	}
	pos := ctx.Position
	if pos.PnL < ctx.Risk.SecureProfitThresholdRupees {
		return resultNoAction, nil
	}
	giveback := pos.PeakProfitPct - pos.PnLPct
	if giveback < ctx.Risk.SecureProfitDrawdownPct {
		return resultNoAction, nil
	}
	return ExitVerdict(ReasonSecureProfit, domain.ExitSecureProfit,
		fmt.Sprintf("pnl %.0f above %.0f gave back %.2f%% from peak %.2f%%",
			pos.PnL, ctx.Risk.SecureProfitThresholdRupees, giveback, pos.PeakProfitPct)), nil
}

// PeakDrawdownRule exits when profit surrenders a tiered share of its
// peak. With the activation flag on, it stays quiet until the trailing
// stop has been walked close enough to the peak.
type PeakDrawdownRule struct{}

func (PeakDrawdownRule) Name() string  { return "peak_drawdown" }
func (PeakDrawdownRule) Priority() int { return 45 }

func (PeakDrawdownRule) Enabled(ctx *Context) bool {
	return ctx.Risk.PeakDrawdownPct > 0 || len(drawdownTiers(ctx.Risk)) > 0
}

func (PeakDrawdownRule) Evaluate(ctx *Context) (RuleResult, error) {
	if !ctx.HasPrice() {
		return resultSkip, nil
	}
	pos := ctx.Position
	peak := pos.PeakProfitPct
	if peak <= 0 {
		return resultNoAction, nil
	}

	threshold := ctx.Risk.PeakDrawdownPct
	if threshold <= 0 {
		threshold = drawdownTierFor(drawdownTiers(ctx.Risk), peak)
	}
	if threshold <= 0 {
		return resultNoAction, nil
	}

	if ctx.Flags.EnablePeakDrawdownActivation {
		if peak < ctx.Risk.ActivationProfitPct {
			return resultNoAction, nil
		}
		if required := ctx.Risk.ActivationSLOffsetPct * peak; required > 0 {
			if pos.SLOffsetPct <= 0 || pos.SLOffsetPct > required {
				return resultNoAction, nil
			}
		}
	}

	drawdown := peak - pos.PnLPct
	if drawdown < threshold {
		return resultNoAction, nil
	}
	reason := fmt.Sprintf("peak_drawdown_exit (drawdown: %.2f%%, threshold: %.2f%%, peak: %.2f%%)",
		drawdown, threshold, peak)
	return ExitVerdict(reason, domain.ExitPeakDrawdown, ""), nil
}

func drawdownTiers(risk config.RiskConfig) []config.DrawdownTier {
	if len(risk.PeakDrawdownTiers) > 0 {
		return risk.PeakDrawdownTiers
	}
	return config.DefaultDrawdownTiers()
}

// drawdownTierFor picks the tightest tier whose floor the peak clears.
// A peak below every floor returns zero (no exit at small peaks).
func drawdownTierFor(tiers []config.DrawdownTier, peak float64) float64 {
	var bestFloor, threshold float64
	found := false
	for _, t := range tiers {
		if peak >= t.PeakAbovePct && (!found || t.PeakAbovePct >= bestFloor) {
			bestFloor = t.PeakAbovePct
			threshold = t.DrawdownPct
			found = true
		}
	}
	return threshold
}

// TrailingStopRule exits when rupee PnL gives back the configured
// fraction of its high-water mark.
type TrailingStopRule struct{}

func (TrailingStopRule) Name() string  { return "trailing_stop" }
func (TrailingStopRule) Priority() int { return 50 }

func (TrailingStopRule) Enabled(ctx *Context) bool {
	return ctx.Risk.ExitDropPct > 0
}

func (TrailingStopRule) Evaluate(ctx *Context) (RuleResult, error) {
	if !ctx.HasPrice() {
		return resultSkip, nil
	}
	pos := ctx.Position
	if pos.HighWaterMark <= 0 {
		return resultNoAction, nil
	}
	drop := (pos.HighWaterMark - pos.PnL) / pos.HighWaterMark
	if drop < ctx.Risk.ExitDropPct {
		return resultNoAction, nil
	}
	return ExitVerdict(ReasonTrailingStop, domain.ExitTrailingStop,
		fmt.Sprintf("gave back %.0f%% of hwm %.0f", drop*100, pos.HighWaterMark)), nil
}
