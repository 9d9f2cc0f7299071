package entry

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Reentry stamps survive restarts but not the day; an hour comfortably
// covers every configured cooldown window.
const cooldownTTL = time.Hour

// CooldownKey builds the reentry-stamp key for a symbol.
func CooldownKey(symbol string) string {
	norm := strings.ToUpper(strings.TrimSpace(symbol))
	return "cooldown:reentry:" + strings.ReplaceAll(norm, " ", "_")
}

// Cooldown tracks per-symbol reentry stamps in Redis so a freshly exited
// strike is not re-bought on the next signal. Reads fail open: a store
// hiccup must not freeze all entries, it only weakens one gate.
type Cooldown struct {
	rdb redis.Cmdable
}

// NewCooldown wraps an established Redis client.
func NewCooldown(rdb redis.Cmdable) *Cooldown {
	return &Cooldown{rdb: rdb}
}

// Touch records symbol activity (entry or exit) at the given time.
func (c *Cooldown) Touch(ctx context.Context, symbol string, at time.Time) error {
	if symbol == "" {
		return nil
	}
	return c.rdb.Set(ctx, CooldownKey(symbol), at.Unix(), cooldownTTL).Err()
}

// Blocked reports whether the symbol's last stamp is younger than the
// window, and the time remaining when it is.
func (c *Cooldown) Blocked(ctx context.Context, symbol string, window time.Duration, now time.Time) (time.Duration, bool) {
	if symbol == "" || window <= 0 {
		return 0, false
	}
	ts, err := c.rdb.Get(ctx, CooldownKey(symbol)).Int64()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("Cooldown read failed, gate open")
		return 0, false
	}
	elapsed := now.Sub(time.Unix(ts, 0))
	if elapsed < 0 {
		// Stamp from a skewed clock; treat the full window as remaining.
		return window, true
	}
	if elapsed < window {
		return window - elapsed, true
	}
	return 0, false
}
