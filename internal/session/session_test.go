package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/config"
)

func newTestSession(t *testing.T) *TradingSession {
	t.Helper()
	s, err := New(config.SessionConfig{
		Timezone:        "Asia/Kolkata",
		MarketOpenHHMM:  "09:15",
		MarketCloseHHMM: "15:30",
		ForceExitHHMM:   "15:12",
	}, "15:00")
	require.NoError(t, err)
	return s
}

// ist builds an exchange-local timestamp for a fixed trading day.
func ist(t *testing.T, hhmm string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	parsed, err := time.ParseInLocation("2006-01-02 15:04", "2026-08-24 "+hhmm, loc)
	require.NoError(t, err)
	return parsed
}

func TestIsMarketOpen(t *testing.T) {
	s := newTestSession(t)

	assert.False(t, s.IsMarketOpen(ist(t, "09:14")))
	assert.True(t, s.IsMarketOpen(ist(t, "09:15")))
	assert.True(t, s.IsMarketOpen(ist(t, "12:00")))
	assert.True(t, s.IsMarketOpen(ist(t, "15:29")))
	assert.False(t, s.IsMarketOpen(ist(t, "15:30")))
}

func TestShouldForceExit(t *testing.T) {
	s := newTestSession(t)

	assert.False(t, s.ShouldForceExit(ist(t, "15:11")))
	assert.True(t, s.ShouldForceExit(ist(t, "15:12")))
	assert.True(t, s.ShouldForceExit(ist(t, "15:29")))
	assert.False(t, s.ShouldForceExit(ist(t, "15:30")))
}

func TestEntriesAllowedCutoff(t *testing.T) {
	s := newTestSession(t)

	assert.False(t, s.EntriesAllowed(ist(t, "09:00")))
	assert.True(t, s.EntriesAllowed(ist(t, "09:15")))
	assert.True(t, s.EntriesAllowed(ist(t, "14:59")))
	assert.False(t, s.EntriesAllowed(ist(t, "15:00")))
	assert.False(t, s.EntriesAllowed(ist(t, "15:20")))
}

func TestWithinWindowOvernight(t *testing.T) {
	s := newTestSession(t)

	assert.True(t, s.WithinWindow(ist(t, "23:30"), "23:00", "02:00"))
	assert.True(t, s.WithinWindow(ist(t, "01:59"), "23:00", "02:00"))
	assert.False(t, s.WithinWindow(ist(t, "02:00"), "23:00", "02:00"))
	assert.False(t, s.WithinWindow(ist(t, "12:00"), "23:00", "02:00"))

	// Same-day window, end exclusive.
	assert.True(t, s.WithinWindow(ist(t, "10:00"), "09:15", "10:30"))
	assert.False(t, s.WithinWindow(ist(t, "10:30"), "09:15", "10:30"))
}

func TestWithinWindowConvertsZones(t *testing.T) {
	s := newTestSession(t)

	// 06:30 UTC == 12:00 IST.
	utc := time.Date(2026, 8, 24, 6, 30, 0, 0, time.UTC)
	assert.True(t, s.WithinWindow(utc, "11:00", "13:00"))
	assert.False(t, s.WithinWindow(utc, "13:00", "14:00"))
}

func TestRegimeClassification(t *testing.T) {
	s := newTestSession(t)
	rs := NewRegimeService(s, nil)

	cases := []struct {
		hhmm string
		want string
	}{
		{"08:00", "pre_market"},
		{"09:15", "open_expansion"},
		{"10:29", "open_expansion"},
		{"10:30", "trend_continuation"},
		{"13:30", "chop_decay"},
		{"14:45", "close_gamma"},
		{"15:30", "post_market"},
		{"23:59", "post_market"},
	}
	for _, tc := range cases {
		got := rs.Classify(ist(t, tc.hhmm))
		assert.Equal(t, tc.want, got.Name, "at %s", tc.hhmm)
	}
}

func TestRegimeEntriesOpenRespectsCutoff(t *testing.T) {
	s := newTestSession(t)
	rs := NewRegimeService(s, nil)

	// trend_continuation allows entries and cutoff is 15:00.
	assert.True(t, rs.EntriesOpen(ist(t, "11:00")))

	// chop_decay allows entries; still before cutoff.
	assert.True(t, rs.EntriesOpen(ist(t, "14:00")))

	// close_gamma blocks entries on its own.
	assert.False(t, rs.EntriesOpen(ist(t, "14:50")))

	// pre_market blocks via both regime and session.
	assert.False(t, rs.EntriesOpen(ist(t, "08:00")))
}

func TestRegimeMultiplierDefaults(t *testing.T) {
	r := Regime{Name: "x"}
	assert.Equal(t, 1.0, r.SLMultiplier())
	assert.Equal(t, 1.0, r.TPMultiplier())

	r.Window.SLMultiplier = 0.7
	r.Window.TPMultiplier = 0.6
	assert.Equal(t, 0.7, r.SLMultiplier())
	assert.Equal(t, 0.6, r.TPMultiplier())
}
