package domain

import (
	"time"
)

// PositionData is the live in-memory snapshot of one active position.
// It is owned by the active-position cache; only the risk loop, the trailing
// engine and the order-update handler mutate it, and always under the cache's
// per-tracker serialization. It references its tracker by id only.
type PositionData struct {
	TrackerID       string     `json:"tracker_id"`
	SecurityID      string     `json:"security_id"`
	Segment         Segment    `json:"segment"`
	Symbol          string     `json:"symbol"`
	IndexKey        string     `json:"index_key"`
	Side            Side       `json:"side"`
	Direction       Direction  `json:"direction"`
	EntryPrice      float64    `json:"entry_price"`
	Quantity        int        `json:"quantity"`
	CurrentLTP      float64    `json:"current_ltp"`
	PnL             float64    `json:"pnl"`
	PnLPct          float64    `json:"pnl_pct"`
	PeakProfitPct   float64    `json:"peak_profit_pct"`
	HighWaterMark   float64    `json:"high_water_mark"`
	SLPrice         float64    `json:"sl_price"`
	SLOffsetPct     float64    `json:"sl_offset_pct"`
	ProfitableSince *time.Time `json:"profitable_since,omitempty"`
	LastUpdatedAt   time.Time  `json:"last_updated_at"`
}

// Key returns the position's instrument cache key.
func (p *PositionData) Key() InstrumentKey {
	return InstrumentKey{Segment: p.Segment, SecurityID: p.SecurityID}
}

// RecalculatePnL refreshes PnL, PnL%, peak profit and high-water mark from a
// new LTP. Peak and HWM only ever move up. Returns false without touching the
// position when the inputs cannot produce a defined result (zero entry price,
// zero quantity or a non-positive LTP).
func (p *PositionData) RecalculatePnL(ltp float64, at time.Time) bool {
	if p.EntryPrice <= 0 || p.Quantity <= 0 || ltp <= 0 {
		return false
	}

	p.CurrentLTP = ltp
	p.PnL = (ltp - p.EntryPrice) * float64(p.Quantity)
	// Subtraction form: exact at round percentage boundaries. The ratio
	// form ltp/entry-1 gives 19.999999999999996 for 100 to 120 and slips
	// under the 20% tier floor.
	p.PnLPct = (ltp - p.EntryPrice) / p.EntryPrice * 100

	if p.PnLPct > p.PeakProfitPct {
		p.PeakProfitPct = p.PnLPct
	}
	if p.PnL > p.HighWaterMark {
		p.HighWaterMark = p.PnL
	}

	// Pyramiding needs to know how long the position has been in profit.
	if p.PnL > 0 {
		if p.ProfitableSince == nil {
			since := at
			p.ProfitableSince = &since
		}
	} else {
		p.ProfitableSince = nil
	}

	p.LastUpdatedAt = at
	return true
}

// ApplyPnLSnapshot overwrites the PnL figures from an external snapshot
// (warm cache), preserving peak/HWM monotonicity.
func (p *PositionData) ApplyPnLSnapshot(pnl, pnlPct, ltp, hwm float64, at time.Time) {
	p.PnL = pnl
	p.PnLPct = pnlPct
	if ltp > 0 {
		p.CurrentLTP = ltp
	}
	if pnlPct > p.PeakProfitPct {
		p.PeakProfitPct = pnlPct
	}
	if hwm > p.HighWaterMark {
		p.HighWaterMark = hwm
	}
	if pnl > p.HighWaterMark {
		p.HighWaterMark = pnl
	}
	p.LastUpdatedAt = at
}

// ProfitableFor reports whether the position has been continuously profitable
// for at least d.
func (p *PositionData) ProfitableFor(d time.Duration, now time.Time) bool {
	return p.ProfitableSince != nil && now.Sub(*p.ProfitableSince) >= d
}

// Clone returns an independent copy safe to hand outside the cache.
func (p *PositionData) Clone() *PositionData {
	cp := *p
	if p.ProfitableSince != nil {
		since := *p.ProfitableSince
		cp.ProfitableSince = &since
	}
	return &cp
}

// PositionFromTracker seeds a live snapshot from a freshly activated tracker.
func PositionFromTracker(t *Tracker, now time.Time) *PositionData {
	entry := t.EntryPrice
	if t.AvgPrice > 0 {
		entry = t.AvgPrice
	}
	return &PositionData{
		TrackerID:     t.ID,
		SecurityID:    t.SecurityID,
		Segment:       t.Segment,
		Symbol:        t.Symbol,
		IndexKey:      t.IndexKey,
		Side:          t.Side,
		Direction:     t.Direction(),
		EntryPrice:    entry,
		Quantity:      t.Quantity,
		CurrentLTP:    entry,
		HighWaterMark: t.HighWaterMarkPnL,
		LastUpdatedAt: now,
	}
}
