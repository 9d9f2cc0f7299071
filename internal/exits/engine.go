package exits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/broker"
	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/persistence"
	"github.com/niftyninja9/autosentry/internal/positions"
)

// LimitsRecorder receives realized PnL so daily counters stay current.
type LimitsRecorder interface {
	RecordLoss(ctx context.Context, indexKey string, rupees float64) error
	RecordProfit(ctx context.Context, indexKey string, rupees float64) error
}

// EdgeRecorder feeds the edge-failure detector with finalized exits.
type EdgeRecorder interface {
	RecordExit(ctx context.Context, indexKey string, pnlRupees float64, kind domain.ExitKind, at time.Time) error
}

// CooldownToucher stamps the symbol's reentry clock after an exit.
type CooldownToucher interface {
	Touch(ctx context.Context, symbol string, at time.Time) error
}

// Unsubscriber drops feed subscriptions once no tracker needs the sid.
// The feed hub satisfies it.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, keys ...domain.InstrumentKey) error
}

// Deps wires the engine's collaborators. Store and Gateway are required;
// everything else degrades to a no-op when nil.
type Deps struct {
	Store    persistence.TrackerStore
	Gateway  broker.Gateway
	Hot      *cache.TickCache
	Warm     *cache.WarmCache
	Active   *positions.ActiveCache
	Feed     Unsubscriber
	Limits   LimitsRecorder
	Edge     EdgeRecorder
	Cooldown CooldownToucher

	// FlatFeePerOrder is charged once per leg; a round trip pays it twice.
	FlatFeePerOrder float64

	// OnExit observes finalized exits (metrics).
	OnExit func(kind domain.ExitKind)

	Now func() time.Time
}

// ExitResult reports one ExecuteExit call.
type ExitResult struct {
	Success       bool
	AlreadyExited bool
	TrackerID     string
	OrderNo       string
	ExitPrice     float64
	PnLRupees     float64
	PnLPct        float64
	Reason        string
	Kind          domain.ExitKind
	Err           error
}

// Engine is the sole authority for exit orders and tracker finalization.
// Every exit path, rule verdicts, trailing delegation, session force-close
// and manual requests, funnels through ExecuteExit so the close-once
// guarantee lives in one place.
type Engine struct {
	deps  Deps
	locks *keyedMutex
}

// NewEngine builds an exit engine around its collaborators.
func NewEngine(deps Deps) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{deps: deps, locks: newKeyedMutex()}
}

// ExecuteExit closes the tracker's position and finalizes the row. Repeat
// calls for an already-terminal tracker succeed without touching the
// broker. Gateway failure leaves the tracker untouched so the next risk
// cycle retries.
func (e *Engine) ExecuteExit(ctx context.Context, trackerID, reason string, kind domain.ExitKind) ExitResult {
	res := ExitResult{TrackerID: trackerID, Reason: reason, Kind: kind}
	if trackerID == "" || reason == "" {
		res.Err = errors.New("exit requires tracker id and reason")
		return res
	}
	if e.deps.Store == nil || e.deps.Gateway == nil {
		res.Err = errors.New("exit engine missing store or gateway")
		return res
	}

	unlock := e.locks.Lock(trackerID)
	defer unlock()

	trk, err := e.deps.Store.GetByID(ctx, trackerID)
	if err != nil {
		res.Err = fmt.Errorf("load tracker: %w", err)
		return res
	}
	if trk.IsTerminal() {
		return e.repeatSuccess(trk, reason)
	}
	if trk.IsSynthetic() {
		res.Err = errors.New("synthetic tracker is report-only")
		return res
	}

	ltp := e.bestLTP(ctx, trk)

	flat, err := e.deps.Gateway.FlatPosition(ctx, trk.Segment, trk.SecurityID, trk.Quantity)
	if err != nil {
		// An async order update may have finalized the row while we held
		// only the in-process lock.
		if cur, gerr := e.deps.Store.GetByID(ctx, trackerID); gerr == nil && cur.IsTerminal() {
			return e.repeatSuccess(cur, reason)
		}
		log.Error().Err(err).
			Str("tracker_id", trackerID).
			Str("symbol", trk.Symbol).
			Str("reason", reason).
			Msg("Exit order failed, position retained")
		res.Err = fmt.Errorf("flat position: %w", err)
		return res
	}

	exitPrice := flat.AvgPrice
	if exitPrice <= 0 {
		exitPrice = ltp
	}

	netPnL, netPct := e.netPnL(trk, exitPrice)
	finalReason := fmt.Sprintf("%s %.2f%%", reason, netPct)

	final, applied, err := e.deps.Store.MarkExited(ctx, trackerID, persistence.ExitFinalization{
		ExitPrice: exitPrice,
		Reason:    finalReason,
		Kind:      kind,
		PnLRupees: netPnL,
		PnLPct:    netPct,
	})
	if err != nil {
		// The broker side is already flat; the row must not stay live.
		log.Error().Err(err).
			Str("tracker_id", trackerID).
			Float64("exit_price", exitPrice).
			Msg("Exit filled but finalize failed, tracker left live")
		res.Err = fmt.Errorf("finalize exit: %w", err)
		return res
	}
	if !applied {
		return e.repeatSuccess(final, reason)
	}

	res.Success = true
	res.OrderNo = flat.OrderNo
	res.ExitPrice = exitPrice
	res.PnLRupees = netPnL
	res.PnLPct = netPct
	res.Reason = finalReason

	log.Info().
		Str("tracker_id", trackerID).
		Str("symbol", trk.Symbol).
		Str("index", trk.IndexKey).
		Str("kind", kind.String()).
		Str("reason", finalReason).
		Float64("exit_price", exitPrice).
		Float64("pnl", netPnL).
		Msg("Position exited")

	e.afterExit(ctx, final, netPnL, kind)
	return res
}

// repeatSuccess maps an already-terminal row to an idempotent result.
func (e *Engine) repeatSuccess(trk *domain.Tracker, requested string) ExitResult {
	log.Debug().
		Str("tracker_id", trk.ID).
		Str("status", string(trk.Status)).
		Str("requested_reason", requested).
		Msg("Exit repeat ignored, tracker already terminal")
	return ExitResult{
		Success:       true,
		AlreadyExited: true,
		TrackerID:     trk.ID,
		ExitPrice:     trk.ExitPrice,
		PnLRupees:     trk.LastPnLRupees,
		PnLPct:        trk.LastPnLPct,
		Reason:        trk.ExitReason,
		Kind:          trk.ExitKind,
	}
}

// bestLTP fetches the freshest known price without ever failing the exit.
func (e *Engine) bestLTP(ctx context.Context, trk *domain.Tracker) float64 {
	key := trk.Key()
	if e.deps.Hot != nil {
		if ltp, ok := e.deps.Hot.LTP(key); ok {
			return ltp
		}
	}
	if e.deps.Warm != nil {
		if ltp, _, ok := e.deps.Warm.ReadTickLTP(ctx, key); ok {
			return ltp
		}
	}
	return 0
}

// netPnL computes realized PnL net of both order legs' flat fee.
func (e *Engine) netPnL(trk *domain.Tracker, exitPrice float64) (rupees, pct float64) {
	entry := trk.AvgPrice
	if entry <= 0 {
		entry = trk.EntryPrice
	}
	if entry <= 0 || trk.Quantity <= 0 || exitPrice <= 0 {
		return 0, 0
	}
	gross := (exitPrice - entry) * float64(trk.Quantity)
	rupees = gross - e.deps.FlatFeePerOrder*2
	pct = rupees / (entry * float64(trk.Quantity)) * 100
	return rupees, pct
}

// afterExit runs the best-effort bookkeeping that follows a finalized exit.
func (e *Engine) afterExit(ctx context.Context, trk *domain.Tracker, pnl float64, kind domain.ExitKind) {
	now := e.deps.Now()

	if e.deps.Limits != nil && trk.IndexKey != "" {
		var err error
		switch {
		case pnl < 0:
			err = e.deps.Limits.RecordLoss(ctx, trk.IndexKey, -pnl)
		case pnl > 0:
			err = e.deps.Limits.RecordProfit(ctx, trk.IndexKey, pnl)
		}
		if err != nil {
			log.Warn().Err(err).Str("tracker_id", trk.ID).Msg("Daily limit record failed")
		}
	}
	if e.deps.Edge != nil && trk.IndexKey != "" {
		if err := e.deps.Edge.RecordExit(ctx, trk.IndexKey, pnl, kind, now); err != nil {
			log.Warn().Err(err).Str("tracker_id", trk.ID).Msg("Edge exit record failed")
		}
	}
	if e.deps.Cooldown != nil && trk.Symbol != "" {
		if err := e.deps.Cooldown.Touch(ctx, trk.Symbol, now); err != nil {
			log.Warn().Err(err).Str("symbol", trk.Symbol).Msg("Cooldown touch failed")
		}
	}
	if e.deps.Warm != nil {
		e.deps.Warm.DeletePnL(ctx, trk.ID)
	}

	key := trk.Key()
	if e.deps.Active != nil {
		e.deps.Active.Remove(trk.ID)
		if e.deps.Feed != nil && len(e.deps.Active.TrackerIDsForSID(key)) == 0 {
			if err := e.deps.Feed.Unsubscribe(ctx, key); err != nil {
				log.Debug().Err(err).Str("instrument", key.String()).Msg("Unsubscribe after exit failed")
			}
		}
	}

	if e.deps.OnExit != nil {
		e.deps.OnExit(kind)
	}
}
