package rules

import (
	"context"
	"time"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/session"
	"github.com/niftyninja9/autosentry/internal/underlying"
)

// Context carries everything one evaluation reads. The driver builds it
// once per position per cycle; rules treat it as read-only.
type Context struct {
	Ctx        context.Context
	Position   *domain.PositionData
	Tracker    *domain.Tracker
	Risk       config.RiskConfig
	Regime     session.Regime
	Session    *session.TradingSession
	Underlying underlying.Monitor
	Flags      config.FeatureFlags
	Now        time.Time
}

// EffectiveSLPct is the stop-loss threshold scaled by the active regime.
func (c *Context) EffectiveSLPct() float64 {
	return c.Risk.SLPct * c.Regime.SLMultiplier()
}

// EffectiveTPPct is the take-profit threshold scaled by the active regime.
func (c *Context) EffectiveTPPct() float64 {
	return c.Risk.TPPct * c.Regime.TPMultiplier()
}

// HasPrice reports whether the snapshot carries PnL figures a rule can
// trust. Without a traded LTP every percentage is undefined.
func (c *Context) HasPrice() bool {
	return c.Position != nil && c.Position.EntryPrice > 0 && c.Position.CurrentLTP > 0
}

func (c *Context) callCtx() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}
