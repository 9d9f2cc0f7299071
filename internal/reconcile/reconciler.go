// Package reconcile repairs drift between the tracker store, the
// in-process caches, the feed subscription set and the broker's own
// position book. It observes and patches state only: it never places,
// amends or cancels orders.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/broker"
	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/persistence"
	"github.com/niftyninja9/autosentry/internal/positions"
	"github.com/niftyninja9/autosentry/internal/session"
)

const (
	// defaultInterval is the sweep cadence.
	defaultInterval = 30 * time.Second
	// pnlToleranceRupees is the warm-vs-row divergence below which the
	// row is left alone.
	pnlToleranceRupees = 1.0
)

// Fix kinds reported to the OnFix observer and the Stats map.
const (
	FixResubscribed = "resubscribed"
	FixReadopted    = "readopted"
	FixPnLSynced    = "pnl_synced"
	FixSynthetic    = "synthetic_adopted"
)

// Feed is the subscription slice of the market feed hub.
type Feed interface {
	IsSubscribed(key domain.InstrumentKey) bool
	Subscribe(ctx context.Context, keys ...domain.InstrumentKey) error
}

// PositionSource exposes the broker's open position book.
type PositionSource interface {
	OpenPositions(ctx context.Context) ([]broker.BrokerPosition, error)
}

// Deps wires the reconciler. Store and Active are required; nil Feed,
// Warm or Gateway simply skip the corresponding check.
type Deps struct {
	Store   persistence.TrackerStore
	Active  *positions.ActiveCache
	Warm    *cache.WarmCache
	Feed    Feed
	Gateway PositionSource
	Session *session.TradingSession

	// Interval overrides the 30 s sweep cadence. Zero keeps the default.
	Interval time.Duration
	// OnFix observes every repair by kind. Optional.
	OnFix func(kind string)
	// Now is injectable for tests.
	Now func() time.Time
}

// Summary reports one sweep.
type Summary struct {
	ActiveRows   int
	Resubscribed int
	Readopted    int
	PnLSynced    int
	Synthetic    int
	Errors       int
	Duration     time.Duration
}

// Reconciler owns the periodic sweep goroutine.
type Reconciler struct {
	deps Deps
	now  func() time.Time

	mu        sync.Mutex
	fixes     map[string]int64
	sweeps    int64
	lastSweep time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler builds a reconciler over the given dependencies.
func NewReconciler(deps Deps) *Reconciler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{deps: deps, now: now, fixes: make(map[string]int64)}
}

// Name identifies the reconciler in supervisor logs.
func (r *Reconciler) Name() string { return "reconciler" }

// Start launches the sweep goroutine. The loop outlives the start
// context; Stop ends it.
func (r *Reconciler) Start(context.Context) error {
	if r.deps.Store == nil || r.deps.Active == nil {
		return fmt.Errorf("reconciler: tracker store and active cache required")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(runCtx)
	return nil
}

// Stop cancels the sweep loop and waits for it within ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) interval() time.Duration {
	if r.deps.Interval > 0 {
		return r.deps.Interval
	}
	return defaultInterval
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	log.Info().Dur("interval", r.interval()).Msg("Reconciler started")
	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciler stopped")
			return
		case <-time.After(r.interval()):
		}
	}
}

// Sweep executes one reconciliation pass and returns its summary.
// Exported so tests and ops commands can force a pass.
func (r *Reconciler) Sweep(ctx context.Context) Summary {
	start := r.now()
	var sum Summary

	rows, err := r.deps.Store.ListByStatus(ctx, domain.StatusPending, domain.StatusActive)
	if err != nil {
		sum.Errors++
		log.Warn().Err(err).Msg("Reconcile sweep: tracker list failed")
		r.finish(start, &sum)
		return sum
	}

	held := make(map[domain.InstrumentKey]bool, len(rows))
	var missingKeys []domain.InstrumentKey
	for _, trk := range rows {
		held[trk.Key()] = true
		if trk.Status != domain.StatusActive || trk.IsSynthetic() {
			continue
		}
		sum.ActiveRows++

		if r.deps.Feed != nil && !r.deps.Feed.IsSubscribed(trk.Key()) {
			missingKeys = append(missingKeys, trk.Key())
			sum.Resubscribed++
			r.fixed(FixResubscribed)
		}
		if !r.deps.Active.Has(trk.ID) {
			r.deps.Active.Add(domain.PositionFromTracker(trk, start))
			sum.Readopted++
			r.fixed(FixReadopted)
			log.Warn().
				Str("tracker_id", trk.ID).
				Str("symbol", trk.Symbol).
				Msg("Reconcile: active tracker was missing from cache")
		}
		r.syncPnL(ctx, trk, &sum)
	}

	if len(missingKeys) > 0 {
		if err := r.deps.Feed.Subscribe(ctx, missingKeys...); err != nil {
			sum.Errors++
			log.Warn().Err(err).Int("keys", len(missingKeys)).Msg("Reconcile: resubscribe failed")
		}
	}

	r.syncBroker(ctx, held, start, &sum)

	r.finish(start, &sum)
	return sum
}

// syncPnL pushes a fresher warm snapshot into the tracker row when the
// two have drifted apart by more than the tolerance.
func (r *Reconciler) syncPnL(ctx context.Context, trk *domain.Tracker, sum *Summary) {
	if r.deps.Warm == nil {
		return
	}
	snap, ok := r.deps.Warm.ReadPnL(ctx, trk.ID)
	if !ok {
		return
	}
	if math.Abs(snap.PnL-trk.LastPnLRupees) <= pnlToleranceRupees {
		return
	}
	if err := r.deps.Store.UpdatePnL(ctx, trk.ID, snap.PnL, snap.PnLPct, snap.HWM); err != nil {
		sum.Errors++
		log.Warn().Err(err).Str("tracker_id", trk.ID).Msg("Reconcile: pnl sync failed")
		return
	}
	sum.PnLSynced++
	r.fixed(FixPnLSynced)
	log.Info().
		Str("tracker_id", trk.ID).
		Float64("row_pnl", trk.LastPnLRupees).
		Float64("warm_pnl", snap.PnL).
		Msg("Reconcile: tracker pnl synced from warm cache")
}

// syncBroker adopts broker-side positions that have no local tracker as
// synthetic report-only rows. Nothing is ever sent back to the broker.
func (r *Reconciler) syncBroker(ctx context.Context, held map[domain.InstrumentKey]bool, now time.Time, sum *Summary) {
	if r.deps.Gateway == nil {
		return
	}
	book, err := r.deps.Gateway.OpenPositions(ctx)
	if err != nil {
		sum.Errors++
		log.Warn().Err(err).Msg("Reconcile: broker position fetch failed")
		return
	}

	for _, bp := range book {
		if bp.NetQty <= 0 || bp.SecurityID == "" {
			continue
		}
		key := domain.InstrumentKey{Segment: bp.Segment, SecurityID: bp.SecurityID}
		if held[key] {
			continue
		}

		trk := r.syntheticTracker(bp, now)
		if err := r.deps.Store.Create(ctx, trk); err != nil {
			sum.Errors++
			log.Warn().Err(err).Str("security_id", bp.SecurityID).Msg("Reconcile: synthetic tracker create failed")
			continue
		}
		held[key] = true
		sum.Synthetic++
		r.fixed(FixSynthetic)
		log.Warn().
			Str("tracker_id", trk.ID).
			Str("symbol", bp.Symbol).
			Int("qty", bp.NetQty).
			Msg("Reconcile: broker position with no local tracker adopted as synthetic")
	}
}

// syntheticTracker fabricates a report-only row for an orphan broker
// position. The deterministic id keeps one row per instrument per day.
func (r *Reconciler) syntheticTracker(bp broker.BrokerPosition, now time.Time) *domain.Tracker {
	date := now.Format("2006-01-02")
	if r.deps.Session != nil {
		date = r.deps.Session.TradingDate(now)
	}
	id := fmt.Sprintf("SYNC-%s-%s", bp.SecurityID, date)

	side := domain.SideLongCE
	if strings.HasSuffix(strings.TrimSpace(bp.Symbol), " PE") {
		side = domain.SideLongPE
	}
	indexKey := ""
	if fields := strings.Fields(bp.Symbol); len(fields) > 0 {
		indexKey = fields[0]
	}

	trk := &domain.Tracker{
		ID:         id,
		OrderNo:    id,
		SecurityID: bp.SecurityID,
		Segment:    bp.Segment,
		Symbol:     bp.Symbol,
		IndexKey:   indexKey,
		Side:       side,
		Quantity:   bp.NetQty,
		EntryPrice: bp.BuyAvg,
		AvgPrice:   bp.BuyAvg,
		Status:     domain.StatusActive,
		Meta:       map[string]string{domain.MetaSynthetic: "true"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if bp.LTP > 0 && bp.BuyAvg > 0 {
		trk.LastPnLRupees = (bp.LTP - bp.BuyAvg) * float64(bp.NetQty)
		trk.LastPnLPct = (bp.LTP - bp.BuyAvg) / bp.BuyAvg * 100
	}
	return trk
}

func (r *Reconciler) fixed(kind string) {
	r.mu.Lock()
	r.fixes[kind]++
	r.mu.Unlock()
	if r.deps.OnFix != nil {
		r.deps.OnFix(kind)
	}
}

func (r *Reconciler) finish(start time.Time, sum *Summary) {
	sum.Duration = r.now().Sub(start)
	r.mu.Lock()
	r.sweeps++
	r.lastSweep = start
	r.mu.Unlock()

	if sum.Resubscribed+sum.Readopted+sum.PnLSynced+sum.Synthetic+sum.Errors > 0 {
		log.Info().
			Int("active_rows", sum.ActiveRows).
			Int("resubscribed", sum.Resubscribed).
			Int("readopted", sum.Readopted).
			Int("pnl_synced", sum.PnLSynced).
			Int("synthetic", sum.Synthetic).
			Int("errors", sum.Errors).
			Msg("Reconcile sweep repaired drift")
	}
}

// Stats returns cumulative fix counters plus sweep bookkeeping.
func (r *Reconciler) Stats() (fixes map[string]int64, sweeps int64, lastSweep time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fixes = make(map[string]int64, len(r.fixes))
	for k, v := range r.fixes {
		fixes[k] = v
	}
	return fixes, r.sweeps, r.lastSweep
}
