package session

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/config"
)

// Regime is a classified intraday phase together with its overrides.
type Regime struct {
	Name   string
	Window config.RegimeWindow
}

// SLMultiplier returns the regime stop-loss scale, 1.0 when unset.
func (r Regime) SLMultiplier() float64 {
	if r.Window.SLMultiplier <= 0 {
		return 1.0
	}
	return r.Window.SLMultiplier
}

// TPMultiplier returns the regime take-profit scale, 1.0 when unset.
func (r Regime) TPMultiplier() float64 {
	if r.Window.TPMultiplier <= 0 {
		return 1.0
	}
	return r.Window.TPMultiplier
}

// RegimeService classifies wall-clock time into intraday phases and
// combines the per-phase gates with the session-wide entry cutoff.
type RegimeService struct {
	session *TradingSession
	regimes *config.RegimesConfig
}

// NewRegimeService wires a classifier over the given windows. A nil
// regimes config falls back to the built-in defaults.
func NewRegimeService(session *TradingSession, regimes *config.RegimesConfig) *RegimeService {
	if regimes == nil || len(regimes.Regimes) == 0 {
		regimes = config.DefaultRegimesConfig()
	}
	if problems := regimes.Validate(); len(problems) > 0 {
		log.Warn().Strs("problems", problems).Msg("Regime config has validation problems, classification may be ambiguous")
	}
	return &RegimeService{session: session, regimes: regimes}
}

// Classify maps now to its regime. Minutes not covered by any window
// classify as post_market so everything stays shut.
func (rs *RegimeService) Classify(now time.Time) Regime {
	for _, name := range config.RegimeNames {
		w, ok := rs.regimes.Regimes[name]
		if !ok {
			continue
		}
		if rs.session.WithinWindow(now, w.Start, w.End) {
			return Regime{Name: name, Window: w}
		}
	}
	// Shouldn't happen with a tiled day.
	return Regime{Name: "post_market", Window: config.RegimeWindow{SLMultiplier: 1, TPMultiplier: 1}}
}

// EntriesOpen combines the regime entry gate with the hard cutoff.
func (rs *RegimeService) EntriesOpen(now time.Time) bool {
	return rs.Classify(now).Window.AllowEntries && rs.session.EntriesAllowed(now)
}

// TrailingOpen reports whether trailing adjustments run right now.
func (rs *RegimeService) TrailingOpen(now time.Time) bool {
	return rs.Classify(now).Window.AllowTrailing
}
