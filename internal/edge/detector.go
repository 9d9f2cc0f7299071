// Package edge watches realized exits for signs the day's edge is gone,
// clustered losses, stop-loss streaks, chop-session bleed, and pauses new
// entries while the damage window cools off. It never blocks exits.
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/limits"
	"github.com/niftyninja9/autosentry/internal/session"
)

// Pause reasons, also the last key segment of the pause records.
const (
	PauseRollingWindow = "rolling_window_loss"
	PauseConsecutiveSL = "consecutive_sl"
	PauseChopDecay     = "chop_decay_sl"
)

var pauseReasons = []string{PauseRollingWindow, PauseConsecutiveSL, PauseChopDecay}

// regimeChopDecay is the session phase with its own tighter SL budget.
const regimeChopDecay = "chop_decay"

// State keys carry a day-scale TTL so stale counters cannot leak into the
// next session.
const stateTTL = 25 * time.Hour

// WindowKey holds the last-N exit PnLs as a JSON FIFO.
func WindowKey(scope string) string {
	return "edge_failure:rolling_window:" + scope
}

// ConsecutiveKey counts back-to-back stop-loss exits.
func ConsecutiveKey(scope string) string {
	return "edge_failure:consecutive_sl:" + scope
}

// PauseKey stores one active pause record.
func PauseKey(scope, reason string) string {
	return fmt.Sprintf("edge_failure:pause:%s:%s", scope, reason)
}

// PauseState is the stored pause record. The key's TTL expires at
// ResumeAt, so presence alone almost answers "paused?"; ResumeAt is still
// checked to be safe against clock drift.
type PauseState struct {
	Reason   string    `json:"reason"`
	ResumeAt time.Time `json:"resume_at"`
	PausedAt time.Time `json:"paused_at"`
	Details  string    `json:"details"`
}

type windowEntry struct {
	PnL  float64 `json:"pnl"`
	Kind string  `json:"kind"`
	At   int64   `json:"at"`
}

// Detector implements the three entry breakers: rolling-window loss,
// consecutive stop-losses, and the chop-session variant that pauses until
// the next phase opens. All reads fail open; only entries are gated.
type Detector struct {
	rdb     redis.Cmdable
	cfg     config.EdgeFailureConfig
	session *session.TradingSession
	regimes *session.RegimeService
	now     func() time.Time
}

// New wires the detector. regimes may be nil, which disables the
// session-based breaker.
func New(rdb redis.Cmdable, cfg config.EdgeFailureConfig, sess *session.TradingSession, regimes *session.RegimeService) *Detector {
	return &Detector{rdb: rdb, cfg: cfg, session: sess, regimes: regimes, now: time.Now}
}

// RecordExit feeds one finalized exit into the index and GLOBAL breakers.
// Best-effort: the first store error is returned after all scopes ran.
func (d *Detector) RecordExit(ctx context.Context, indexKey string, pnlRupees float64, kind domain.ExitKind, at time.Time) error {
	if !d.cfg.Enabled {
		return nil
	}
	var firstErr error
	for _, scope := range scopesFor(indexKey) {
		if err := d.recordScope(ctx, scope, pnlRupees, kind, at); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Detector) recordScope(ctx context.Context, scope string, pnl float64, kind domain.ExitKind, at time.Time) error {
	if err := d.updateWindow(ctx, scope, pnl, kind, at); err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("Edge rolling window update failed")
		return err
	}
	if err := d.updateConsecutive(ctx, scope, kind, at); err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("Edge consecutive counter update failed")
		return err
	}
	return nil
}

func (d *Detector) updateWindow(ctx context.Context, scope string, pnl float64, kind domain.ExitKind, at time.Time) error {
	size := d.windowSize()
	key := WindowKey(scope)
	entry, err := json.Marshal(windowEntry{PnL: pnl, Kind: kind.String(), At: at.Unix()})
	if err != nil {
		return err
	}

	pipe := d.rdb.Pipeline()
	pipe.LPush(ctx, key, string(entry))
	pipe.LTrim(ctx, key, 0, int64(size-1))
	pipe.Expire(ctx, key, stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	raw, err := d.rdb.LRange(ctx, key, 0, int64(size-1)).Result()
	if err != nil {
		return err
	}
	var sum float64
	for _, item := range raw {
		var e windowEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			log.Warn().Err(err).Str("scope", scope).Msg("Corrupt edge window entry ignored")
			continue
		}
		sum += e.PnL
	}
	if threshold := d.cfg.RollingWindowThresholdRupees; threshold > 0 && sum <= -threshold {
		details := fmt.Sprintf("last %d exits sum %.0f <= -%.0f", len(raw), sum, threshold)
		return d.pause(ctx, scope, PauseRollingWindow, at, at.Add(d.pauseDuration()), details)
	}
	return nil
}

func (d *Detector) updateConsecutive(ctx context.Context, scope string, kind domain.ExitKind, at time.Time) error {
	key := ConsecutiveKey(scope)
	if kind != domain.ExitStopLoss {
		return d.rdb.Del(ctx, key).Err()
	}

	pipe := d.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	streak := int(incr.Val())

	if d.cfg.SessionBasedPause && d.inChopDecay(at) {
		if maxSLs := d.cfg.S3MaxConsecutiveSLs; maxSLs > 0 && streak >= maxSLs {
			details := fmt.Sprintf("%d stop-losses in chop_decay", streak)
			if err := d.pause(ctx, scope, PauseChopDecay, at, d.chopResumeAt(at), details); err != nil {
				return err
			}
		}
	}
	if maxSLs := d.cfg.MaxConsecutiveSLs; maxSLs > 0 && streak >= maxSLs {
		details := fmt.Sprintf("%d consecutive stop-losses", streak)
		return d.pause(ctx, scope, PauseConsecutiveSL, at, at.Add(d.pauseDuration()), details)
	}
	return nil
}

func (d *Detector) pause(ctx context.Context, scope, reason string, pausedAt, resumeAt time.Time, details string) error {
	state := PauseState{Reason: reason, ResumeAt: resumeAt, PausedAt: pausedAt, Details: details}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ttl := resumeAt.Sub(pausedAt)
	if ttl <= 0 {
		return nil
	}
	log.Warn().
		Str("scope", scope).
		Str("reason", reason).
		Time("resume_at", resumeAt).
		Str("details", details).
		Msg("Entries paused")
	return d.rdb.Set(ctx, PauseKey(scope, reason), data, ttl).Err()
}

// EntriesPaused returns the active pause with the latest resume time
// across the index and GLOBAL scopes. Store failures report not paused;
// this breaker only gates entries, never exits.
func (d *Detector) EntriesPaused(ctx context.Context, indexKey string) (PauseState, bool) {
	if !d.cfg.Enabled {
		return PauseState{}, false
	}
	now := d.now()
	var tightest PauseState
	found := false
	for _, scope := range scopesFor(indexKey) {
		for _, reason := range pauseReasons {
			raw, err := d.rdb.Get(ctx, PauseKey(scope, reason)).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				log.Debug().Err(err).Str("scope", scope).Msg("Edge pause read failed, treating as not paused")
				continue
			}
			var state PauseState
			if err := json.Unmarshal([]byte(raw), &state); err != nil {
				log.Warn().Err(err).Str("scope", scope).Str("reason", reason).Msg("Corrupt edge pause record ignored")
				continue
			}
			if !state.ResumeAt.After(now) {
				continue
			}
			if !found || state.ResumeAt.After(tightest.ResumeAt) {
				tightest = state
				found = true
			}
		}
	}
	return tightest, found
}

// ClearPauses drops every pause record for a scope, for the ops reset.
func (d *Detector) ClearPauses(ctx context.Context, indexKey string) error {
	keys := make([]string, 0, len(pauseReasons))
	for _, reason := range pauseReasons {
		keys = append(keys, PauseKey(scopeFor(indexKey), reason))
	}
	return d.rdb.Del(ctx, keys...).Err()
}

func (d *Detector) windowSize() int {
	if d.cfg.RollingWindowSize <= 0 {
		return 5
	}
	return d.cfg.RollingWindowSize
}

func (d *Detector) pauseDuration() time.Duration {
	if d.cfg.PauseDurationMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(d.cfg.PauseDurationMinutes) * time.Minute
}

func (d *Detector) inChopDecay(at time.Time) bool {
	return d.regimes != nil && d.regimes.Classify(at).Name == regimeChopDecay
}

// chopResumeAt pauses until the next phase boundary instead of a fixed
// duration. Past the boundary (or misconfigured) it falls back to the
// standard pause.
func (d *Detector) chopResumeAt(at time.Time) time.Time {
	mins, err := config.ParseHHMM(d.cfg.S4StartTime)
	if err != nil || d.session == nil {
		return at.Add(d.pauseDuration())
	}
	lt := at.In(d.session.Location())
	resume := time.Date(lt.Year(), lt.Month(), lt.Day(), mins/60, mins%60, 0, 0, d.session.Location())
	if !resume.After(lt) {
		return at.Add(d.pauseDuration())
	}
	return resume
}

func scopesFor(indexKey string) []string {
	scope := scopeFor(indexKey)
	if scope == limits.ScopeGlobal {
		return []string{limits.ScopeGlobal}
	}
	return []string{scope, limits.ScopeGlobal}
}

func scopeFor(indexKey string) string {
	key := strings.ToUpper(strings.TrimSpace(indexKey))
	if key == "" {
		return limits.ScopeGlobal
	}
	return key
}
