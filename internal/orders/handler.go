// Package orders applies broker order-stream events to tracker state:
// BUY fills activate pending trackers, SELL fills finalize live ones,
// rejections cancel. It is the asynchronous counterpart of the exit
// engine; both converge on the same terminal row and the store's
// transition rules keep them from double-applying.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/persistence"
	"github.com/niftyninja9/autosentry/internal/positions"
)

// ReasonBrokerExit is the base reason stamped on exits observed only
// through the order stream (manual broker-terminal flats, or fills whose
// local finalization failed).
const ReasonBrokerExit = "BROKER EXIT"

// Outcome labels for the OnApplied hook.
const (
	AppliedBuyFill   = "buy_fill"
	AppliedSellFill  = "sell_fill"
	AppliedCancelled = "cancelled"
	AppliedDropped   = "dropped"
)

// Subscriber is the feed surface the handler needs for strike lifecycle.
type Subscriber interface {
	Subscribe(ctx context.Context, keys ...domain.InstrumentKey) error
	Unsubscribe(ctx context.Context, keys ...domain.InstrumentKey) error
}

// PnLRecorder feeds realized PnL into the daily-limit counters.
type PnLRecorder interface {
	RecordLoss(ctx context.Context, indexKey string, rupees float64) error
	RecordProfit(ctx context.Context, indexKey string, rupees float64) error
}

// Deps wires the handler. Store is required; everything else degrades to
// a skipped side effect when nil.
type Deps struct {
	Store  persistence.TrackerStore
	Active *positions.ActiveCache
	Feed   Subscriber
	Warm   *cache.WarmCache
	Limits PnLRecorder

	FlatFeePerOrder float64

	// OnApplied observes each update's outcome. Optional.
	OnApplied func(outcome string)
	// Now is injectable for tests.
	Now func() time.Time
}

// Handler applies normalized order updates.
type Handler struct {
	deps Deps
	now  func() time.Time
}

// NewHandler builds a handler over the given dependencies.
func NewHandler(deps Deps) *Handler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{deps: deps, now: now}
}

// Apply routes one order update. Unknown or stale events are logged and
// dropped; nothing here returns an error to the stream.
func (h *Handler) Apply(ctx context.Context, u domain.OrderUpdate) {
	if h.deps.Store == nil || u.OrderNo == "" {
		h.drop(u, "missing store or order number")
		return
	}
	switch {
	case u.IsFill() && u.TransactionType == domain.TxnBuy:
		h.applyBuyFill(ctx, u)
	case u.IsFill() && u.TransactionType == domain.TxnSell:
		h.applySellFill(ctx, u)
	case u.IsTerminalReject():
		h.applyReject(ctx, u)
	default:
		h.drop(u, "unhandled status")
	}
}

func (h *Handler) applyBuyFill(ctx context.Context, u domain.OrderUpdate) {
	trk, err := h.deps.Store.GetByOrderNo(ctx, u.OrderNo)
	if err != nil {
		h.drop(u, "no tracker for buy fill")
		return
	}
	if err := h.deps.Store.MarkActive(ctx, trk.ID, u.AverageTradedPrice, u.FilledQuantity); err != nil {
		h.drop(u, fmt.Sprintf("activate %s: %v", trk.ID, err))
		return
	}

	now := h.now()
	trk.Status = domain.StatusActive
	if u.AverageTradedPrice > 0 {
		trk.AvgPrice = u.AverageTradedPrice
		if trk.EntryPrice <= 0 {
			trk.EntryPrice = u.AverageTradedPrice
		}
	}
	if u.FilledQuantity > 0 {
		trk.Quantity = u.FilledQuantity
	}
	if h.deps.Active != nil {
		h.deps.Active.Add(domain.PositionFromTracker(trk, now))
	}
	if h.deps.Feed != nil {
		if err := h.deps.Feed.Subscribe(ctx, trk.Key()); err != nil {
			log.Warn().Err(err).Str("key", trk.Key().String()).Msg("Subscribe after buy fill failed")
		}
	}

	log.Info().
		Str("tracker_id", trk.ID).
		Str("order_no", u.OrderNo).
		Str("symbol", trk.Symbol).
		Float64("avg_price", u.AverageTradedPrice).
		Int("qty", u.FilledQuantity).
		Msg("Buy fill activated tracker")
	h.applied(AppliedBuyFill)
}

func (h *Handler) applySellFill(ctx context.Context, u domain.OrderUpdate) {
	trk := h.matchSell(ctx, u)
	if trk == nil {
		h.drop(u, "no live tracker for sell fill")
		return
	}
	if trk.IsTerminal() {
		// Normal case: the exit engine finalized this row synchronously
		// before the stream delivered the fill.
		h.drop(u, "tracker already terminal")
		return
	}

	pnl, pct := h.netPnL(trk, u.AverageTradedPrice)
	fin := persistence.ExitFinalization{
		ExitPrice: u.AverageTradedPrice,
		Reason:    fmt.Sprintf("%s %.2f%%", ReasonBrokerExit, pct),
		Kind:      domain.ExitManual,
		PnLRupees: pnl,
		PnLPct:    pct,
	}
	_, applied, err := h.deps.Store.MarkExited(ctx, trk.ID, fin)
	if err != nil {
		h.drop(u, fmt.Sprintf("finalize %s: %v", trk.ID, err))
		return
	}
	if !applied {
		h.drop(u, "tracker already terminal")
		return
	}

	if h.deps.Limits != nil {
		var recErr error
		if pnl < 0 {
			recErr = h.deps.Limits.RecordLoss(ctx, trk.IndexKey, -pnl)
		} else if pnl > 0 {
			recErr = h.deps.Limits.RecordProfit(ctx, trk.IndexKey, pnl)
		}
		if recErr != nil {
			log.Warn().Err(recErr).Str("tracker_id", trk.ID).Msg("Daily limit update failed after sell fill")
		}
	}
	if h.deps.Warm != nil {
		h.deps.Warm.DeletePnL(ctx, trk.ID)
	}
	if h.deps.Active != nil {
		h.deps.Active.Remove(trk.ID)
		if h.deps.Feed != nil && len(h.deps.Active.TrackerIDsForSID(trk.Key())) == 0 {
			if err := h.deps.Feed.Unsubscribe(ctx, trk.Key()); err != nil {
				log.Debug().Err(err).Str("key", trk.Key().String()).Msg("Unsubscribe after sell fill failed")
			}
		}
	}

	log.Info().
		Str("tracker_id", trk.ID).
		Str("order_no", u.OrderNo).
		Str("symbol", trk.Symbol).
		Float64("exit_price", u.AverageTradedPrice).
		Float64("pnl", pnl).
		Msg("Sell fill finalized tracker")
	h.applied(AppliedSellFill)
}

func (h *Handler) applyReject(ctx context.Context, u domain.OrderUpdate) {
	trk, err := h.deps.Store.GetByOrderNo(ctx, u.OrderNo)
	if err != nil {
		h.drop(u, "no tracker for rejection")
		return
	}
	if trk.Status != domain.StatusPending {
		// Exit-order rejections leave the position live; the risk loop
		// retries on its next cycle.
		h.drop(u, "rejection for non-pending tracker")
		return
	}
	reason := "order " + u.OrderStatus
	if err := h.deps.Store.MarkCancelled(ctx, trk.ID, reason); err != nil {
		h.drop(u, fmt.Sprintf("cancel %s: %v", trk.ID, err))
		return
	}

	log.Info().
		Str("tracker_id", trk.ID).
		Str("order_no", u.OrderNo).
		Str("status", u.OrderStatus).
		Msg("Order rejected, tracker cancelled")
	h.applied(AppliedCancelled)
}

// matchSell resolves the tracker a SELL fill belongs to. Exit orders
// carry their own order numbers, so a miss falls back to the instrument
// on the update: a single live tracker on that strike is unambiguous,
// as is a single live tracker matching the filled quantity.
func (h *Handler) matchSell(ctx context.Context, u domain.OrderUpdate) *domain.Tracker {
	if trk, err := h.deps.Store.GetByOrderNo(ctx, u.OrderNo); err == nil {
		return trk
	}
	if h.deps.Active == nil || u.SecurityID == "" || u.Segment == "" {
		return nil
	}

	key := domain.InstrumentKey{Segment: u.Segment, SecurityID: u.SecurityID}
	var live []*domain.Tracker
	for _, id := range h.deps.Active.TrackerIDsForSID(key) {
		trk, err := h.deps.Store.GetByID(ctx, id)
		if err != nil || trk.IsTerminal() {
			continue
		}
		live = append(live, trk)
	}
	if len(live) == 1 {
		return live[0]
	}
	var qtyMatch []*domain.Tracker
	for _, trk := range live {
		if trk.Quantity == u.FilledQuantity {
			qtyMatch = append(qtyMatch, trk)
		}
	}
	if len(qtyMatch) == 1 {
		return qtyMatch[0]
	}
	return nil
}

// netPnL mirrors the exit engine's arithmetic: gross minus the flat fee
// on both legs, percentage against entry notional.
func (h *Handler) netPnL(trk *domain.Tracker, exitPrice float64) (float64, float64) {
	entry := trk.AvgPrice
	if entry <= 0 {
		entry = trk.EntryPrice
	}
	if entry <= 0 || trk.Quantity <= 0 || exitPrice <= 0 {
		return 0, 0
	}
	gross := (exitPrice - entry) * float64(trk.Quantity)
	net := gross - 2*h.deps.FlatFeePerOrder
	pct := net / (entry * float64(trk.Quantity)) * 100
	return net, pct
}

func (h *Handler) drop(u domain.OrderUpdate, why string) {
	log.Debug().
		Str("order_no", u.OrderNo).
		Str("status", u.OrderStatus).
		Str("txn", u.TransactionType).
		Str("why", why).
		Msg("Order update dropped")
	h.applied(AppliedDropped)
}

func (h *Handler) applied(outcome string) {
	if h.deps.OnApplied != nil {
		h.deps.OnApplied(outcome)
	}
}
