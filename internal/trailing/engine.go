// Package trailing maintains protective stops for live positions. It
// ratchets the stop upward as profit grows and delegates the one exit it
// owns, peak drawdown, to the exit engine.
package trailing

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/exits"
	"github.com/niftyninja9/autosentry/internal/positions"
	"github.com/niftyninja9/autosentry/internal/rules"
)

const (
	modeDirect = "direct"

	// NSE/BSE option premiums move in 5 paise steps. Stops round down to
	// the tick so amendments are never rejected for price granularity.
	tickSize = 0.05
)

// ExitExecutor closes positions. The exit engine satisfies it.
type ExitExecutor interface {
	ExecuteExit(ctx context.Context, trackerID, reason string, kind domain.ExitKind) exits.ExitResult
}

// StopAmender rewrites the protective leg at the broker. The gateway
// satisfies it; the paper gateway records the stop without a resting order.
type StopAmender interface {
	AmendProtectiveStop(ctx context.Context, segment domain.Segment, securityID string, stopPrice float64) error
}

// Result reports what one ProcessTick pass did.
type Result struct {
	Exited    bool
	Amended   bool
	NewSL     float64
	OffsetPct float64
}

// Engine walks stops upward, never down. Stop selection is either a fixed
// offset below the current price (direct) or a profit-tiered offset.
type Engine struct {
	risk    config.RiskConfig
	flags   config.FeatureFlags
	amender StopAmender
	active  *positions.ActiveCache
	exec    ExitExecutor
	peak    rules.PeakDrawdownRule
	now     func() time.Time
}

// NewEngine builds a trailing engine. amender and exec may be nil in
// report-only setups; the corresponding steps become no-ops.
func NewEngine(risk config.RiskConfig, flags config.FeatureFlags, amender StopAmender, active *positions.ActiveCache, exec ExitExecutor) *Engine {
	return &Engine{
		risk:    risk,
		flags:   flags,
		amender: amender,
		active:  active,
		exec:    exec,
		now:     time.Now,
	}
}

// ProcessTick runs one trailing pass over a position snapshot: peak
// drawdown first, then peak upkeep, then the stop ratchet.
func (e *Engine) ProcessTick(ctx context.Context, pos domain.PositionData) Result {
	var out Result
	if pos.TrackerID == "" || pos.EntryPrice <= 0 || pos.CurrentLTP <= 0 {
		return out
	}

	if verdict, ok := e.peakVerdict(ctx, &pos); ok && e.exec != nil {
		res := e.exec.ExecuteExit(ctx, pos.TrackerID, verdict.Reason, verdict.Kind)
		if res.Success {
			out.Exited = true
			return out
		}
		// Exit failed; keep the stop current while the position lives on.
		log.Warn().Err(res.Err).
			Str("tracker_id", pos.TrackerID).
			Msg("Peak drawdown exit failed, continuing stop maintenance")
	}

	if pos.PnLPct > pos.PeakProfitPct {
		peak := pos.PnLPct
		pos.PeakProfitPct = peak
		if e.active != nil {
			e.active.Update(pos.TrackerID, func(p *domain.PositionData) {
				if peak > p.PeakProfitPct {
					p.PeakProfitPct = peak
				}
			})
		}
	}

	newSL, offset, ok := e.nextStop(pos)
	if !ok {
		return out
	}
	if e.amender != nil {
		if err := e.amender.AmendProtectiveStop(ctx, pos.Segment, pos.SecurityID, newSL); err != nil {
			log.Warn().Err(err).
				Str("tracker_id", pos.TrackerID).
				Float64("stop", newSL).
				Msg("Protective stop amend failed")
			return out
		}
	}
	if e.active != nil {
		e.active.Update(pos.TrackerID, func(p *domain.PositionData) {
			if newSL > p.SLPrice {
				p.SLPrice = newSL
				p.SLOffsetPct = offset
			}
		})
	}

	out.Amended = true
	out.NewSL = newSL
	out.OffsetPct = offset
	log.Debug().
		Str("tracker_id", pos.TrackerID).
		Float64("stop", newSL).
		Float64("offset_pct", offset).
		Float64("pnl_pct", pos.PnLPct).
		Msg("Trailing stop advanced")
	return out
}

// peakVerdict reuses the peak-drawdown rule so the trailing path and the
// risk loop apply identical activation and tier logic.
func (e *Engine) peakVerdict(ctx context.Context, pos *domain.PositionData) (rules.RuleResult, bool) {
	rctx := &rules.Context{Ctx: ctx, Position: pos, Risk: e.risk, Flags: e.flags, Now: e.now()}
	if !e.peak.Enabled(rctx) {
		return rules.RuleResult{}, false
	}
	verdict, err := e.peak.Evaluate(rctx)
	if err != nil || verdict.Action != rules.Exit {
		return rules.RuleResult{}, false
	}
	return verdict, true
}

// nextStop proposes a strictly higher stop, or ok=false when the current
// one stands.
func (e *Engine) nextStop(pos domain.PositionData) (price, offset float64, ok bool) {
	offset = e.offsetPct(pos.PnLPct)
	if offset <= 0 {
		return 0, 0, false
	}
	price = roundToTick(pos.CurrentLTP * (1 - offset/100))
	if price <= 0 || price <= pos.SLPrice {
		return 0, 0, false
	}
	return price, offset, true
}

func (e *Engine) offsetPct(profitPct float64) float64 {
	if e.risk.TrailingMode == modeDirect {
		return e.risk.TrailingOffsetPct
	}
	return trailTierOffset(trailTiers(e.risk), profitPct)
}

func trailTiers(risk config.RiskConfig) []config.TrailTier {
	if len(risk.TrailingTiers) > 0 {
		return risk.TrailingTiers
	}
	return config.DefaultTrailTiers()
}

// trailTierOffset picks the offset of the highest tier floor the profit
// clears. Below every floor the position trails nothing yet.
func trailTierOffset(tiers []config.TrailTier, profitPct float64) float64 {
	var bestFloor, offset float64
	found := false
	for _, t := range tiers {
		if profitPct >= t.ProfitAbovePct && (!found || t.ProfitAbovePct >= bestFloor) {
			bestFloor = t.ProfitAbovePct
			offset = t.SLOffsetPct
			found = true
		}
	}
	return offset
}

func roundToTick(p float64) float64 {
	return math.Floor(p/tickSize+1e-9) * tickSize
}
