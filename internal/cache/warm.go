package cache

import (
	"context"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// WarmTTL bounds how long warm entries outlive their last write. One
// trading day fits comfortably inside it.
const WarmTTL = 6 * time.Hour

// WarmPnL is the per-tracker snapshot mirrored into Redis so a restarted
// process resumes from recent numbers instead of zeros.
type WarmPnL struct {
	PnL       float64
	PnLPct    float64
	LTP       float64
	HWM       float64
	TS        int64
	UpdatedAt int64
}

// Age returns how stale the snapshot is.
func (w WarmPnL) Age(now time.Time) time.Duration {
	if w.UpdatedAt <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(time.Unix(w.UpdatedAt, 0))
}

// WarmCache mirrors hot state into Redis. Every operation degrades
// gracefully: failures are counted and logged, never propagated into the
// tick or risk paths.
type WarmCache struct {
	rdb      redis.Cmdable
	writeErr atomic.Int64
	readErr  atomic.Int64
	corrupt  atomic.Int64
}

// NewWarmCache wraps an established Redis client.
func NewWarmCache(rdb redis.Cmdable) *WarmCache {
	return &WarmCache{rdb: rdb}
}

// StoreTick mirrors one tick. Errors are swallowed after counting.
func (w *WarmCache) StoreTick(ctx context.Context, t domain.Tick) {
	key := TickKey(t.Segment, t.SecurityID)
	pipe := w.rdb.Pipeline()
	pipe.HSet(ctx, key,
		"ltp", strconv.FormatFloat(t.LTP, 'f', -1, 64),
		"ts", strconv.FormatInt(t.TS, 10),
		"updated_at", strconv.FormatInt(t.ReceivedAt.Unix(), 10),
	)
	pipe.Expire(ctx, key, WarmTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		w.writeErr.Add(1)
		log.Debug().Err(err).Str("key", key).Msg("Warm tick write failed")
	}
}

// ReadTickLTP returns the warm LTP and its write time for an instrument.
func (w *WarmCache) ReadTickLTP(ctx context.Context, key domain.InstrumentKey) (float64, time.Time, bool) {
	vals, err := w.rdb.HGetAll(ctx, TickKey(key.Segment, key.SecurityID)).Result()
	if err != nil {
		w.readErr.Add(1)
		return 0, time.Time{}, false
	}
	if len(vals) == 0 {
		return 0, time.Time{}, false
	}
	ltp, err1 := strconv.ParseFloat(vals["ltp"], 64)
	upd, err2 := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err1 != nil || err2 != nil || ltp <= 0 {
		w.corrupt.Add(1)
		return 0, time.Time{}, false
	}
	return ltp, time.Unix(upd, 0), true
}

// StorePnL mirrors a tracker PnL snapshot.
func (w *WarmCache) StorePnL(ctx context.Context, trackerID string, snap WarmPnL) {
	key := PnLKey(trackerID)
	pipe := w.rdb.Pipeline()
	pipe.HSet(ctx, key,
		"pnl", strconv.FormatFloat(snap.PnL, 'f', -1, 64),
		"pnl_pct", strconv.FormatFloat(snap.PnLPct, 'f', -1, 64),
		"ltp", strconv.FormatFloat(snap.LTP, 'f', -1, 64),
		"hwm_pnl", strconv.FormatFloat(snap.HWM, 'f', -1, 64),
		"ts", strconv.FormatInt(snap.TS, 10),
		"updated_at", strconv.FormatInt(snap.UpdatedAt, 10),
	)
	pipe.Expire(ctx, key, WarmTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		w.writeErr.Add(1)
		log.Debug().Err(err).Str("tracker", trackerID).Msg("Warm pnl write failed")
	}
}

// ReadPnL loads a tracker snapshot. Corrupt entries count as absent.
func (w *WarmCache) ReadPnL(ctx context.Context, trackerID string) (WarmPnL, bool) {
	vals, err := w.rdb.HGetAll(ctx, PnLKey(trackerID)).Result()
	if err != nil {
		w.readErr.Add(1)
		return WarmPnL{}, false
	}
	if len(vals) == 0 {
		return WarmPnL{}, false
	}

	var snap WarmPnL
	var parseErr error
	parse := func(field string) float64 {
		v, err := strconv.ParseFloat(vals[field], 64)
		if err != nil && parseErr == nil {
			parseErr = err
		}
		return v
	}
	snap.PnL = parse("pnl")
	snap.PnLPct = parse("pnl_pct")
	snap.LTP = parse("ltp")
	snap.HWM = parse("hwm_pnl")
	if ts, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		snap.TS = ts
	}
	upd, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil && parseErr == nil {
		parseErr = err
	}
	snap.UpdatedAt = upd

	if parseErr != nil {
		w.corrupt.Add(1)
		log.Warn().Err(parseErr).Str("tracker", trackerID).Msg("Corrupt warm pnl entry ignored")
		return WarmPnL{}, false
	}
	return snap, true
}

// DeletePnL drops a tracker snapshot after exit.
func (w *WarmCache) DeletePnL(ctx context.Context, trackerID string) {
	if err := w.rdb.Del(ctx, PnLKey(trackerID)).Err(); err != nil {
		w.writeErr.Add(1)
	}
}

// Stats exposes degradation counters for ops endpoints and metrics.
func (w *WarmCache) Stats() map[string]int64 {
	return map[string]int64{
		"write_errors":    w.writeErr.Load(),
		"read_errors":     w.readErr.Load(),
		"corrupt_entries": w.corrupt.Load(),
	}
}
