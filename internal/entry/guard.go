// Package entry admits new signal picks: it runs the exposure, cooldown,
// limit and pause gates, sizes the order, places the market buy and seeds
// the pending tracker. Every failure path returns false; the guard never
// panics into the signal source.
package entry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/alloc"
	"github.com/niftyninja9/autosentry/internal/broker"
	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/edge"
	"github.com/niftyninja9/autosentry/internal/instruments"
	"github.com/niftyninja9/autosentry/internal/limits"
	"github.com/niftyninja9/autosentry/internal/persistence"
	"github.com/niftyninja9/autosentry/internal/positions"
)

// A second position on the same strike is only pyramided onto a first
// that has held profit this long.
const pyramidHoldTime = 5 * time.Minute

// Rejection reasons, used as counter labels and log fields.
const (
	RejectIndexDisabled     = "index_disabled"
	RejectEntriesClosed     = "entries_closed"
	RejectDailyLimits       = "daily_limits"
	RejectEdgePaused        = "edge_paused"
	RejectUnknownInstrument = "unknown_instrument"
	RejectMaxExposure       = "max_exposure"
	RejectPyramiding        = "pyramiding_blocked"
	RejectCooldown          = "cooldown_active"
	RejectNoPrice           = "no_price"
	RejectZeroQuantity      = "zero_quantity"
	RejectOrderFailed       = "order_rejected"
	RejectTrackerCreate     = "tracker_create_failed"
)

// Pick is one tradable candidate handed in by a signal source. LTP is
// optional; a zero value makes the guard resolve the price itself.
type Pick struct {
	SecurityID string         `json:"security_id"`
	Segment    domain.Segment `json:"segment"`
	Symbol     string         `json:"symbol"`
	LTP        float64        `json:"ltp"`
}

// TradeGate answers whether daily limits still admit a trade and counts
// the ones that go through.
type TradeGate interface {
	CanTrade(ctx context.Context, indexKey string) limits.Decision
	RecordTrade(ctx context.Context, indexKey string) error
}

// PauseGate reports an active edge-failure pause for an index.
type PauseGate interface {
	EntriesPaused(ctx context.Context, indexKey string) (edge.PauseState, bool)
}

// EntryWindow reports whether the current regime and the hard cutoff
// still allow entries.
type EntryWindow interface {
	EntriesOpen(now time.Time) bool
}

// Feed is the market-feed surface the guard needs: connectivity for the
// price-resolution decision and subscription for freshly opened strikes.
type Feed interface {
	IsConnected() bool
	Subscribe(ctx context.Context, keys ...domain.InstrumentKey) error
}

// OrderPlacer is the slice of the broker gateway used on the entry path.
type OrderPlacer interface {
	PlaceMarket(ctx context.Context, req broker.OrderRequest) (*broker.OrderAck, error)
	LTPBatch(ctx context.Context, req map[domain.Segment][]string) (map[domain.Segment]map[string]float64, error)
}

// Deps wires the guard. Registry, Store, Gateway and Alloc are required;
// the rest degrade to skipped gates when nil.
type Deps struct {
	Registry *instruments.Registry
	Active   *positions.ActiveCache
	Store    persistence.TrackerStore
	Gateway  OrderPlacer
	Feed     Feed
	Hot      *cache.TickCache
	Cooldown *Cooldown
	Alloc    alloc.Allocator
	Limits   TradeGate
	Edge     PauseGate
	Regimes  EntryWindow

	// OnReject observes every rejection by reason. Optional.
	OnReject func(reason string)
	// Now is injectable for tests.
	Now func() time.Time
}

// Guard is the entry admission controller.
type Guard struct {
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	rejects map[string]int64
}

// NewGuard builds a guard over the given dependencies.
func NewGuard(deps Deps) *Guard {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Guard{deps: deps, now: now, rejects: make(map[string]int64)}
}

// TryEnter runs the full admission chain for one pick and places the
// market buy when every gate passes. It returns true only once the order
// is acknowledged and the pending tracker is persisted.
func (g *Guard) TryEnter(ctx context.Context, idx config.IndexConfig, pick Pick, direction domain.Direction, scaleMultiplier float64) bool {
	if g.deps.Registry == nil || g.deps.Store == nil || g.deps.Gateway == nil || g.deps.Alloc == nil {
		return g.reject(idx.Key, pick.Symbol, RejectOrderFailed, "guard missing required dependencies")
	}
	now := g.now()

	if !idx.Enabled {
		return g.reject(idx.Key, pick.Symbol, RejectIndexDisabled, "")
	}
	if g.deps.Regimes != nil && !g.deps.Regimes.EntriesOpen(now) {
		return g.reject(idx.Key, pick.Symbol, RejectEntriesClosed, "")
	}
	if g.deps.Limits != nil {
		if dec := g.deps.Limits.CanTrade(ctx, idx.Key); !dec.Allowed {
			return g.reject(idx.Key, pick.Symbol, RejectDailyLimits, dec.Reason)
		}
	}
	if g.deps.Edge != nil {
		if state, paused := g.deps.Edge.EntriesPaused(ctx, idx.Key); paused {
			detail := fmt.Sprintf("%s until %s", state.Reason, state.ResumeAt.Format("15:04:05"))
			return g.reject(idx.Key, pick.Symbol, RejectEdgePaused, detail)
		}
	}

	inst, ok := g.deps.Registry.Resolve(pick.Segment, pick.SecurityID)
	if !ok {
		return g.reject(idx.Key, pick.Symbol, RejectUnknownInstrument, pick.SecurityID)
	}
	symbol := inst.Symbol
	if symbol == "" {
		symbol = pick.Symbol
	}
	side := domain.SideForDirection(direction)
	key := inst.Key()

	same := g.sameSide(key, side)
	maxSame := idx.MaxSameSide
	if maxSame <= 0 {
		maxSame = 1
	}
	if len(same) >= maxSame {
		return g.reject(idx.Key, symbol, RejectMaxExposure, fmt.Sprintf("%d open, max %d", len(same), maxSame))
	}
	if len(same) == 1 {
		first := same[0]
		if first.PnL <= 0 || !first.ProfitableFor(pyramidHoldTime, now) {
			return g.reject(idx.Key, symbol, RejectPyramiding, fmt.Sprintf("first position pnl %.2f", first.PnL))
		}
	}

	if g.deps.Cooldown != nil {
		if remaining, blocked := g.deps.Cooldown.Blocked(ctx, symbol, idx.Cooldown(), now); blocked {
			return g.reject(idx.Key, symbol, RejectCooldown, fmt.Sprintf("%.0fs remaining", remaining.Seconds()))
		}
	}

	ltp := g.resolveLTP(ctx, key, pick)
	if ltp <= 0 {
		return g.reject(idx.Key, symbol, RejectNoPrice, "")
	}

	lotSize := g.deps.Registry.LotSize(pick.Segment, pick.SecurityID, idx.LotSize)
	mult := scaleMultiplier
	if mult <= 0 {
		mult = 1
	}
	if idx.CapitalMultiplier > 0 {
		mult *= idx.CapitalMultiplier
	}
	qty := g.deps.Alloc.Quantity(ltp, lotSize, mult)
	if qty <= 0 {
		return g.reject(idx.Key, symbol, RejectZeroQuantity, fmt.Sprintf("ltp %.2f lot %d", ltp, lotSize))
	}

	req := broker.OrderRequest{
		ClientOrderID:   ClientOrderID(idx.Key, pick.SecurityID, now),
		Segment:         inst.Segment,
		SecurityID:      inst.SecurityID,
		Symbol:          symbol,
		TransactionType: domain.TxnBuy,
		Quantity:        qty,
	}
	ack, err := g.deps.Gateway.PlaceMarket(ctx, req)
	if err != nil || ack == nil || ack.OrderNo == "" {
		detail := "no order number"
		if err != nil {
			detail = err.Error()
		}
		log.Error().Err(err).
			Str("index", idx.Key).
			Str("symbol", symbol).
			Int("qty", qty).
			Msg("Entry order rejected by broker")
		return g.reject(idx.Key, symbol, RejectOrderFailed, detail)
	}

	trk := &domain.Tracker{
		ID:         uuid.NewString(),
		OrderNo:    ack.OrderNo,
		SecurityID: inst.SecurityID,
		Segment:    inst.Segment,
		Symbol:     symbol,
		IndexKey:   idx.Key,
		Side:       side,
		Quantity:   qty,
		EntryPrice: ltp,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.deps.Store.Create(ctx, trk); err != nil {
		// The order is live at the broker; reconciliation adopts it as a
		// synthetic position on its next sweep.
		log.Error().Err(err).
			Str("order_no", ack.OrderNo).
			Str("symbol", symbol).
			Msg("Order placed but tracker create failed")
		return g.reject(idx.Key, symbol, RejectTrackerCreate, err.Error())
	}

	if g.deps.Feed != nil {
		if err := g.deps.Feed.Subscribe(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("Subscribe after entry failed")
		}
	}
	if g.deps.Limits != nil {
		if err := g.deps.Limits.RecordTrade(ctx, idx.Key); err != nil {
			log.Warn().Err(err).Str("index", idx.Key).Msg("Trade counter bump failed")
		}
	}

	log.Info().
		Str("tracker_id", trk.ID).
		Str("order_no", ack.OrderNo).
		Str("index", idx.Key).
		Str("symbol", symbol).
		Str("side", string(side)).
		Int("qty", qty).
		Float64("ltp", ltp).
		Msg("Entry admitted")
	return true
}

// Rejections returns a copy of the per-reason rejection counters.
func (g *Guard) Rejections() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int64, len(g.rejects))
	for k, v := range g.rejects {
		out[k] = v
	}
	return out
}

func (g *Guard) reject(indexKey, symbol, reason, detail string) bool {
	g.mu.Lock()
	g.rejects[reason]++
	g.mu.Unlock()
	if g.deps.OnReject != nil {
		g.deps.OnReject(reason)
	}
	log.Debug().
		Str("index", indexKey).
		Str("symbol", symbol).
		Str("reason", reason).
		Str("detail", detail).
		Msg("Entry rejected")
	return false
}

func (g *Guard) sameSide(key domain.InstrumentKey, side domain.Side) []domain.PositionData {
	if g.deps.Active == nil {
		return nil
	}
	ids := g.deps.Active.TrackerIDsForSID(key)
	same := make([]domain.PositionData, 0, len(ids))
	for _, id := range ids {
		if pos, ok := g.deps.Active.GetByTrackerID(id); ok && pos.Side == side {
			same = append(same, pos)
		}
	}
	return same
}

// resolveLTP prefers the pick's own price, then the hot cache while the
// feed is live, then a single quote RPC. Disconnected feeds skip the hot
// cache: its last tick may be arbitrarily stale.
func (g *Guard) resolveLTP(ctx context.Context, key domain.InstrumentKey, pick Pick) float64 {
	if pick.LTP > 0 {
		return pick.LTP
	}
	if g.deps.Hot != nil && g.deps.Feed != nil && g.deps.Feed.IsConnected() {
		if ltp, ok := g.deps.Hot.LTP(key); ok && ltp > 0 {
			return ltp
		}
	}
	out, err := g.deps.Gateway.LTPBatch(ctx, map[domain.Segment][]string{key.Segment: {key.SecurityID}})
	if err != nil {
		log.Debug().Err(err).Str("key", key.String()).Msg("Quote RPC failed during entry")
		return 0
	}
	return out[key.Segment][key.SecurityID]
}

// ClientOrderID builds the broker correlation id
// AS-{KEY0..3}-{SID}-{last6(unix)}. The broker caps correlation ids at
// 25 chars; with the security id clipped to its last 10 digits the
// worst case lands exactly on the cap.
func ClientOrderID(indexKey, securityID string, at time.Time) string {
	key := strings.ToUpper(strings.TrimSpace(indexKey))
	if len(key) > 4 {
		key = key[:4]
	}
	sid := securityID
	if len(sid) > 10 {
		sid = sid[len(sid)-10:]
	}
	ts := strconv.FormatInt(at.Unix(), 10)
	if len(ts) > 6 {
		ts = ts[len(ts)-6:]
	}
	return fmt.Sprintf("AS-%s-%s-%s", key, sid, ts)
}
