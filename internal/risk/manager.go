// Package risk drives the evaluation loop: refresh prices, recompute
// PnL, run the rule chain and dispatch exits or stop maintenance. One
// goroutine owns the cadence; everything it calls is context-bounded.
package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/exits"
	"github.com/niftyninja9/autosentry/internal/persistence"
	"github.com/niftyninja9/autosentry/internal/positions"
	"github.com/niftyninja9/autosentry/internal/rules"
	"github.com/niftyninja9/autosentry/internal/session"
	"github.com/niftyninja9/autosentry/internal/trailing"
	"github.com/niftyninja9/autosentry/internal/underlying"
)

const (
	// maintenanceEvery throttles the store sweep inside the fast loop.
	maintenanceEvery = 5 * time.Second
	// closedInterval is the cadence with the market shut and nothing held.
	closedInterval = 60 * time.Second
	// warmSyncMaxAge bounds how old a warm snapshot may be and still
	// override a staler hot tick.
	warmSyncMaxAge = 30 * time.Second
)

// ExitExecutor dispatches one exit. The exit engine satisfies it.
type ExitExecutor interface {
	ExecuteExit(ctx context.Context, trackerID, reason string, kind domain.ExitKind) exits.ExitResult
}

// TickProcessor maintains trailing stops. The trailing engine satisfies it.
type TickProcessor interface {
	ProcessTick(ctx context.Context, pos domain.PositionData) trailing.Result
}

// Subscriber re-arms feed subscriptions during maintenance.
type Subscriber interface {
	Subscribe(ctx context.Context, keys ...domain.InstrumentKey) error
}

// CycleStats summarizes one loop pass.
type CycleStats struct {
	Positions int
	Refreshed int
	Exits     int
	Trails    int
	Fallbacks int
	Errors    int
	Duration  time.Duration
	At        time.Time
}

// LoopStats aggregates across cycles for ops endpoints and metrics.
type LoopStats struct {
	Cycles      int64   `json:"cycles"`
	Exits       int64   `json:"exits"`
	Errors      int64   `json:"errors"`
	MinCycleMS  float64 `json:"min_cycle_ms"`
	MaxCycleMS  float64 `json:"max_cycle_ms"`
	MeanCycleMS float64 `json:"mean_cycle_ms"`
}

// Deps wires the manager. Store, Active, Hot, Engine and Exits are
// required for useful operation; the rest degrade to skipped steps.
type Deps struct {
	Store      persistence.TrackerStore
	Active     *positions.ActiveCache
	Hot        *cache.TickCache
	Warm       *cache.WarmCache
	Engine     *rules.Engine
	Exits      ExitExecutor
	Trailing   TickProcessor
	Feed       Subscriber
	Session    *session.TradingSession
	Regimes    *session.RegimeService
	Underlying underlying.Monitor
	Refresher  *PaperRefresher

	Risk  config.RiskConfig
	Flags config.FeatureFlags

	// OnCycle observes every completed cycle. Optional.
	OnCycle func(CycleStats)
	// Now is injectable for tests.
	Now func() time.Time
}

type warmRead struct {
	snap cache.WarmPnL
	ok   bool
}

// Manager owns the driver goroutine and the per-cycle pipeline.
type Manager struct {
	deps Deps
	now  func() time.Time

	lastMaint time.Time
	rowIDs    []string

	statsMu    sync.Mutex
	cycles     int64
	exitCount  int64
	errorCount int64
	minCycle   time.Duration
	maxCycle   time.Duration
	totalCycle time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager over the given dependencies.
func NewManager(deps Deps) *Manager {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{deps: deps, now: now}
}

// Name identifies the manager in supervisor logs.
func (m *Manager) Name() string { return "risk-manager" }

// Start launches the driver goroutine. The loop outlives the start
// context; Stop ends it.
func (m *Manager) Start(context.Context) error {
	if m.deps.Store == nil || m.deps.Active == nil || m.deps.Engine == nil || m.deps.Exits == nil {
		return errors.New("risk manager: store, active cache, rule engine and exit executor required")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(runCtx)
	return nil
}

// Stop cancels the driver and waits for it within ctx.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	log.Info().
		Dur("active_interval", m.deps.Risk.ActiveInterval()).
		Dur("idle_interval", m.deps.Risk.IdleInterval()).
		Msg("Risk loop started")
	for {
		m.RunCycle(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("Risk loop stopped")
			return
		case <-time.After(m.interval(m.now())):
		}
	}
}

// interval picks the next sleep: fast while holding positions, slow and
// idle otherwise, near-dormant when the market is shut.
func (m *Manager) interval(now time.Time) time.Duration {
	if m.deps.Active != nil && m.deps.Active.Len() > 0 {
		return m.deps.Risk.ActiveInterval()
	}
	if m.deps.Session != nil && !m.deps.Session.IsMarketOpen(now) {
		return closedInterval
	}
	return m.deps.Risk.IdleInterval()
}

// RunCycle executes one full pass and returns its stats. Exported so
// tests and the paper CLI can drive the pipeline synchronously.
func (m *Manager) RunCycle(ctx context.Context) CycleStats {
	start := m.now()
	stats := CycleStats{At: start}

	if start.Sub(m.lastMaint) >= maintenanceEvery {
		m.maintain(ctx, start, &stats)
		m.lastMaint = start
	}

	snapshot := m.deps.Active.AllPositions()
	stats.Positions = len(snapshot)

	if m.deps.Refresher != nil && len(snapshot) > 0 {
		n, err := m.deps.Refresher.Refresh(ctx, m.deps.Active.ActiveInstruments())
		stats.Refreshed = n
		if err != nil {
			stats.Errors++
		}
	}

	rows := m.loadRows(ctx, snapshot, &stats)
	memo := make(map[string]warmRead, len(rows))
	regime := m.regime(start)
	trailingOpen := m.deps.Regimes == nil || m.deps.Regimes.TrailingOpen(start)

	for _, pos := range snapshot {
		trk := rows[pos.TrackerID]
		if trk == nil {
			continue
		}
		if trk.IsTerminal() {
			// Store and cache drifted; the row is authoritative.
			m.deps.Active.Remove(pos.TrackerID)
			continue
		}
		m.refreshPosition(ctx, &pos, memo, start)

		res := m.deps.Engine.Evaluate(&rules.Context{
			Ctx:        ctx,
			Position:   &pos,
			Tracker:    trk,
			Risk:       m.deps.Risk,
			Regime:     regime,
			Session:    m.deps.Session,
			Underlying: m.deps.Underlying,
			Flags:      m.deps.Flags,
			Now:        start,
		})
		if res.Action == rules.Exit {
			out := m.deps.Exits.ExecuteExit(ctx, pos.TrackerID, res.Reason, res.Kind)
			if out.Success {
				stats.Exits++
			} else if !out.AlreadyExited {
				stats.Errors++
			}
			continue
		}
		if trailingOpen && m.deps.Trailing != nil {
			tr := m.deps.Trailing.ProcessTick(ctx, pos)
			if tr.Exited {
				stats.Exits++
			} else if tr.Amended {
				stats.Trails++
			}
		}
	}

	// Active rows with no cached snapshot still get hard-stop cover.
	for id, trk := range rows {
		if trk.Status != domain.StatusActive || trk.IsSynthetic() || m.deps.Active.Has(id) {
			continue
		}
		m.fallbackCheck(ctx, trk, memo, regime, &stats)
	}

	stats.Duration = m.now().Sub(start)
	m.record(stats)
	if m.deps.OnCycle != nil {
		m.deps.OnCycle(stats)
	}
	return stats
}

// maintain re-adopts active rows the cache lost, re-arms subscriptions
// and refreshes the fallback id list. Runs at most every 5 s.
func (m *Manager) maintain(ctx context.Context, now time.Time, stats *CycleStats) {
	rows, err := m.deps.Store.ListByStatus(ctx, domain.StatusActive)
	if err != nil {
		stats.Errors++
		log.Warn().Err(err).Msg("Active tracker sweep failed")
		return
	}

	ids := make([]string, 0, len(rows))
	keys := make([]domain.InstrumentKey, 0, len(rows))
	for _, trk := range rows {
		if trk.IsSynthetic() {
			continue
		}
		ids = append(ids, trk.ID)
		keys = append(keys, trk.Key())
		if !m.deps.Active.Has(trk.ID) {
			m.deps.Active.Add(domain.PositionFromTracker(trk, now))
			log.Info().
				Str("tracker_id", trk.ID).
				Str("symbol", trk.Symbol).
				Msg("Re-adopted active tracker into cache")
		}
	}
	m.rowIDs = ids

	if m.deps.Feed != nil && len(keys) > 0 {
		if err := m.deps.Feed.Subscribe(ctx, keys...); err != nil {
			log.Warn().Err(err).Msg("Subscription sweep failed")
		}
	}
}

// loadRows is the cycle's single batched tracker fetch: cached positions
// plus any ids the last maintenance sweep knew about.
func (m *Manager) loadRows(ctx context.Context, snapshot []domain.PositionData, stats *CycleStats) map[string]*domain.Tracker {
	ids := make([]string, 0, len(snapshot)+len(m.rowIDs))
	seen := make(map[string]bool, len(snapshot))
	for _, pos := range snapshot {
		ids = append(ids, pos.TrackerID)
		seen[pos.TrackerID] = true
	}
	for _, id := range m.rowIDs {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	rows, err := m.deps.Store.GetByIDs(ctx, ids)
	if err != nil {
		stats.Errors++
		log.Warn().Err(err).Int("ids", len(ids)).Msg("Tracker batch load failed")
		return nil
	}
	return rows
}

func (m *Manager) regime(now time.Time) session.Regime {
	if m.deps.Regimes == nil {
		return session.Regime{}
	}
	return m.deps.Regimes.Classify(now)
}

func (m *Manager) warmPnL(ctx context.Context, trackerID string, memo map[string]warmRead) (cache.WarmPnL, bool) {
	if r, done := memo[trackerID]; done {
		return r.snap, r.ok
	}
	var r warmRead
	if m.deps.Warm != nil {
		r.snap, r.ok = m.deps.Warm.ReadPnL(ctx, trackerID)
	}
	memo[trackerID] = r
	return r.snap, r.ok
}

// refreshPosition reprices one position from the hot cache, falls back
// to a recent warm snapshot when the hot tick is older, mirrors the
// result back into warm, and rewrites *pos with the updated snapshot.
func (m *Manager) refreshPosition(ctx context.Context, pos *domain.PositionData, memo map[string]warmRead, now time.Time) {
	tick, hasTick := m.deps.Hot.Get(pos.Key())
	if hasTick && tick.LTP > 0 {
		m.deps.Active.Update(pos.TrackerID, func(p *domain.PositionData) {
			p.RecalculatePnL(tick.LTP, now)
		})
	}

	if snap, ok := m.warmPnL(ctx, pos.TrackerID, memo); ok && snap.Age(now) < warmSyncMaxAge {
		hotOlder := !hasTick || tick.ReceivedAt.Unix() < snap.UpdatedAt
		if hotOlder {
			m.deps.Active.Update(pos.TrackerID, func(p *domain.PositionData) {
				p.ApplyPnLSnapshot(snap.PnL, snap.PnLPct, snap.LTP, snap.HWM, now)
			})
		}
	}

	if updated, ok := m.deps.Active.GetByTrackerID(pos.TrackerID); ok {
		*pos = updated
	}

	if m.deps.Warm != nil && pos.CurrentLTP > 0 {
		m.deps.Warm.StorePnL(ctx, pos.TrackerID, cache.WarmPnL{
			PnL:       pos.PnL,
			PnLPct:    pos.PnLPct,
			LTP:       pos.CurrentLTP,
			HWM:       pos.HighWaterMark,
			TS:        now.Unix(),
			UpdatedAt: now.Unix(),
		})
	}
}

// fallbackCheck guards active rows missing from the cache with an
// SL/TP-only test against the warm snapshot.
func (m *Manager) fallbackCheck(ctx context.Context, trk *domain.Tracker, memo map[string]warmRead, regime session.Regime, stats *CycleStats) {
	stats.Fallbacks++
	snap, ok := m.warmPnL(ctx, trk.ID, memo)
	if !ok {
		return
	}

	slPct := m.deps.Risk.SLPct * regime.SLMultiplier()
	tpPct := m.deps.Risk.TPPct * regime.TPMultiplier()

	var reason string
	var kind domain.ExitKind
	switch {
	case slPct > 0 && snap.PnLPct <= -slPct:
		reason, kind = rules.ReasonStopLoss, domain.ExitStopLoss
	case tpPct > 0 && snap.PnLPct >= tpPct:
		reason, kind = rules.ReasonTakeProfit, domain.ExitTakeProfit
	default:
		return
	}

	log.Warn().
		Str("tracker_id", trk.ID).
		Str("symbol", trk.Symbol).
		Float64("pnl_pct", snap.PnLPct).
		Str("reason", reason).
		Msg("Fallback hard stop for uncached tracker")
	out := m.deps.Exits.ExecuteExit(ctx, trk.ID, reason, kind)
	if out.Success {
		stats.Exits++
	} else if !out.AlreadyExited {
		stats.Errors++
	}
}

func (m *Manager) record(stats CycleStats) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.cycles++
	m.exitCount += int64(stats.Exits)
	m.errorCount += int64(stats.Errors)
	m.totalCycle += stats.Duration
	if m.minCycle == 0 || stats.Duration < m.minCycle {
		m.minCycle = stats.Duration
	}
	if stats.Duration > m.maxCycle {
		m.maxCycle = stats.Duration
	}
}

// Stats returns the loop aggregates.
func (m *Manager) Stats() LoopStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	out := LoopStats{
		Cycles: m.cycles,
		Exits:  m.exitCount,
		Errors: m.errorCount,
	}
	if m.cycles > 0 {
		out.MinCycleMS = float64(m.minCycle) / float64(time.Millisecond)
		out.MaxCycleMS = float64(m.maxCycle) / float64(time.Millisecond)
		out.MeanCycleMS = float64(m.totalCycle) / float64(m.cycles) / float64(time.Millisecond)
	}
	return out
}
