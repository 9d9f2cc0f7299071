// Package limits keeps the day's realized loss, profit and trade counters
// in Redis and turns them into a go/no-go answer for new entries.
package limits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/session"
)

// ScopeGlobal aggregates every index into one counter.
const ScopeGlobal = "GLOBAL"

// Counters outlive the trading day by one hour so a restart right after
// midnight still sees yesterday until the new date key takes over.
const CountersTTL = 25 * time.Hour

const (
	kindLoss   = "loss"
	kindProfit = "profit"
	kindTrades = "trades"
)

// CanTrade rejection reasons.
const (
	ReasonProfitTarget     = "daily_profit_target_reached"
	ReasonIndexLossLimit   = "daily_loss_limit_reached"
	ReasonGlobalLossLimit  = "global_daily_loss_limit_reached"
	ReasonStoreUnavailable = "store_unavailable"
)

// Decision is the CanTrade verdict handed to the entry guard.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Counters is one scope's numbers for the day.
type Counters struct {
	Loss   float64 `json:"loss"`
	Profit float64 `json:"profit"`
	Trades int64   `json:"trades"`
}

// Key builds a counter key: daily_limits:{kind}:{YYYY-MM-DD}:{scope}.
func Key(kind, date, scope string) string {
	return fmt.Sprintf("daily_limits:%s:%s:%s", kind, date, scope)
}

// DailyLimits gates entries on the day's realized numbers. Counters are
// written per index and mirrored into GLOBAL; dates roll in the exchange
// time zone.
type DailyLimits struct {
	rdb     redis.Cmdable
	risk    config.RiskConfig
	session *session.TradingSession
	now     func() time.Time
}

// New wires the limits store. session provides the trading-date clock.
func New(rdb redis.Cmdable, risk config.RiskConfig, sess *session.TradingSession) *DailyLimits {
	return &DailyLimits{rdb: rdb, risk: risk, session: sess, now: time.Now}
}

// CanTrade decides whether a new entry may proceed.
//
// The profit target is a hard ceiling: once global profit reaches it, the
// day is done. Loss limits bind only after global profit has crossed the
// profit threshold; below it losses never block so the system keeps
// hunting for its target. A store failure fails closed.
func (d *DailyLimits) CanTrade(ctx context.Context, indexKey string) Decision {
	date := d.date()

	globalProfit, err := d.read(ctx, kindProfit, date, ScopeGlobal)
	if err != nil {
		log.Warn().Err(err).Msg("Daily limits unreadable, blocking entries")
		return Decision{Allowed: false, Reason: ReasonStoreUnavailable}
	}
	if target := d.risk.MaxDailyProfit; target > 0 && globalProfit >= target {
		return Decision{Allowed: false, Reason: ReasonProfitTarget}
	}
	if globalProfit < d.risk.ProfitThreshold() {
		return Decision{Allowed: true}
	}

	capital := d.risk.CapitalRupees
	if capital <= 0 {
		return Decision{Allowed: true}
	}
	if pct := d.risk.MaxDailyLossPct; pct > 0 {
		loss, err := d.read(ctx, kindLoss, date, scopeFor(indexKey))
		if err != nil {
			return Decision{Allowed: false, Reason: ReasonStoreUnavailable}
		}
		if loss >= capital*pct/100 {
			return Decision{Allowed: false, Reason: ReasonIndexLossLimit}
		}
	}
	if pct := d.risk.MaxGlobalDailyLossPct; pct > 0 {
		loss, err := d.read(ctx, kindLoss, date, ScopeGlobal)
		if err != nil {
			return Decision{Allowed: false, Reason: ReasonStoreUnavailable}
		}
		if loss >= capital*pct/100 {
			return Decision{Allowed: false, Reason: ReasonGlobalLossLimit}
		}
	}
	return Decision{Allowed: true}
}

// RecordLoss adds a realized loss (positive rupees) to the index and
// global counters.
func (d *DailyLimits) RecordLoss(ctx context.Context, indexKey string, rupees float64) error {
	if rupees < 0 {
		rupees = -rupees
	}
	return d.bump(ctx, kindLoss, scopeFor(indexKey), rupees)
}

// RecordProfit adds a realized profit to the index and global counters.
func (d *DailyLimits) RecordProfit(ctx context.Context, indexKey string, rupees float64) error {
	if rupees < 0 {
		rupees = -rupees
	}
	return d.bump(ctx, kindProfit, scopeFor(indexKey), rupees)
}

// RecordTrade counts one admitted entry. Observational only.
func (d *DailyLimits) RecordTrade(ctx context.Context, indexKey string) error {
	date := d.date()
	scope := scopeFor(indexKey)
	pipe := d.rdb.Pipeline()
	for _, sc := range scopes(scope) {
		key := Key(kindTrades, date, sc)
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, CountersTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ResetDailyCounters clears today's counters for one scope.
func (d *DailyLimits) ResetDailyCounters(ctx context.Context, indexKey string) error {
	date := d.date()
	scope := scopeFor(indexKey)
	keys := []string{
		Key(kindLoss, date, scope),
		Key(kindProfit, date, scope),
		Key(kindTrades, date, scope),
	}
	return d.rdb.Del(ctx, keys...).Err()
}

// DailyLoss returns today's realized loss for a scope.
func (d *DailyLimits) DailyLoss(ctx context.Context, indexKey string) (float64, error) {
	return d.read(ctx, kindLoss, d.date(), scopeFor(indexKey))
}

// DailyProfit returns today's realized profit for a scope.
func (d *DailyLimits) DailyProfit(ctx context.Context, indexKey string) (float64, error) {
	return d.read(ctx, kindProfit, d.date(), scopeFor(indexKey))
}

// DailyTrades returns today's admitted entry count for a scope.
func (d *DailyLimits) DailyTrades(ctx context.Context, indexKey string) (int64, error) {
	val, err := d.rdb.Get(ctx, Key(kindTrades, d.date(), scopeFor(indexKey))).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// Snapshot reads one scope's full counter set, for ops endpoints.
func (d *DailyLimits) Snapshot(ctx context.Context, indexKey string) (Counters, error) {
	var c Counters
	var err error
	if c.Loss, err = d.DailyLoss(ctx, indexKey); err != nil {
		return c, err
	}
	if c.Profit, err = d.DailyProfit(ctx, indexKey); err != nil {
		return c, err
	}
	c.Trades, err = d.DailyTrades(ctx, indexKey)
	return c, err
}

func (d *DailyLimits) bump(ctx context.Context, kind, scope string, delta float64) error {
	date := d.date()
	pipe := d.rdb.Pipeline()
	for _, sc := range scopes(scope) {
		key := Key(kind, date, sc)
		pipe.IncrByFloat(ctx, key, delta)
		pipe.Expire(ctx, key, CountersTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("kind", kind).Str("scope", scope).Msg("Daily limit write failed")
		return err
	}
	return nil
}

func (d *DailyLimits) read(ctx context.Context, kind, date, scope string) (float64, error) {
	val, err := d.rdb.Get(ctx, Key(kind, date, scope)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

func (d *DailyLimits) date() string {
	return d.session.TradingDate(d.now())
}

// scopes lists the counters a write touches. Index writes mirror into
// GLOBAL; a write already scoped GLOBAL touches it once.
func scopes(scope string) []string {
	if scope == ScopeGlobal {
		return []string{ScopeGlobal}
	}
	return []string{scope, ScopeGlobal}
}

func scopeFor(indexKey string) string {
	key := strings.ToUpper(strings.TrimSpace(indexKey))
	if key == "" {
		return ScopeGlobal
	}
	return key
}
