package session

import (
	"fmt"
	"time"

	"github.com/niftyninja9/autosentry/internal/config"
)

// TradingSession answers wall-clock questions in the exchange time zone.
// All comparisons use minutes-since-midnight so windows stay exact across
// DST-free IST.
type TradingSession struct {
	loc       *time.Location
	openMin   int
	closeMin  int
	forceMin  int
	cutoffMin int
}

// New builds a TradingSession from the session block plus the entry
// cutoff. The configured times must already be validated.
func New(cfg config.SessionConfig, entryCutoffHHMM string) (*TradingSession, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load session timezone %q: %w", tz, err)
	}

	openMin, err := config.ParseHHMM(cfg.MarketOpenHHMM)
	if err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	closeMin, err := config.ParseHHMM(cfg.MarketCloseHHMM)
	if err != nil {
		return nil, fmt.Errorf("market close: %w", err)
	}
	forceMin, err := config.ParseHHMM(cfg.ForceExitHHMM)
	if err != nil {
		return nil, fmt.Errorf("force exit: %w", err)
	}

	cutoffMin := closeMin
	if entryCutoffHHMM != "" {
		cutoffMin, err = config.ParseHHMM(entryCutoffHHMM)
		if err != nil {
			return nil, fmt.Errorf("entry cutoff: %w", err)
		}
	}

	return &TradingSession{
		loc:       loc,
		openMin:   openMin,
		closeMin:  closeMin,
		forceMin:  forceMin,
		cutoffMin: cutoffMin,
	}, nil
}

// Location returns the exchange time zone.
func (s *TradingSession) Location() *time.Location {
	return s.loc
}

// Now returns the current exchange-local time.
func (s *TradingSession) Now() time.Time {
	return time.Now().In(s.loc)
}

// TradingDate returns the YYYY-MM-DD exchange-local date for now.
func (s *TradingSession) TradingDate(now time.Time) string {
	return now.In(s.loc).Format("2006-01-02")
}

// IsMarketOpen reports whether now falls inside [open, close).
func (s *TradingSession) IsMarketOpen(now time.Time) bool {
	m := s.minuteOfDay(now)
	return m >= s.openMin && m < s.closeMin
}

// ShouldForceExit reports whether now is at or past the force-exit time
// but still before close. After close the market itself flattens.
func (s *TradingSession) ShouldForceExit(now time.Time) bool {
	m := s.minuteOfDay(now)
	return m >= s.forceMin && m < s.closeMin
}

// EntriesAllowed reports whether the hard entry cutoff has not yet
// passed. This is the global override on top of any regime gate.
func (s *TradingSession) EntriesAllowed(now time.Time) bool {
	m := s.minuteOfDay(now)
	return m >= s.openMin && m < s.cutoffMin
}

// AtOrAfter reports whether now has reached the given HH:MM today.
func (s *TradingSession) AtOrAfter(now time.Time, hhmm string) bool {
	target, err := config.ParseHHMM(hhmm)
	if err != nil {
		return false
	}
	return s.minuteOfDay(now) >= target
}

// WithinWindow reports whether now is inside [start, end). Windows that
// cross midnight (start > end, e.g. 23:00 -> 02:00) match either side.
func (s *TradingSession) WithinWindow(now time.Time, startHHMM, endHHMM string) bool {
	start, err := config.ParseHHMM(startHHMM)
	if err != nil {
		return false
	}
	end, err := config.ParseHHMM(endHHMM)
	if err != nil {
		return false
	}
	m := s.minuteOfDay(now)
	if start <= end {
		return m >= start && m < end
	}
	// Overnight window.
	return m >= start || m < end
}

func (s *TradingSession) minuteOfDay(t time.Time) int {
	lt := t.In(s.loc)
	return lt.Hour()*60 + lt.Minute()
}
