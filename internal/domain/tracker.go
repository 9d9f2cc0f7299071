package domain

import (
	"time"
)

// Side is the option leg a position is long.
type Side string

const (
	SideLongCE Side = "long_ce"
	SideLongPE Side = "long_pe"
)

// Direction is the underlying view that produced the position.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
)

// SideForDirection maps an underlying view to the option leg bought for it.
func SideForDirection(d Direction) Side {
	if d == DirectionBullish {
		return SideLongCE
	}
	return SideLongPE
}

// TrackerStatus is the lifecycle state of a persisted position.
type TrackerStatus string

const (
	StatusPending   TrackerStatus = "pending"
	StatusActive    TrackerStatus = "active"
	StatusExited    TrackerStatus = "exited"
	StatusCancelled TrackerStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TrackerStatus) IsTerminal() bool {
	return s == StatusExited || s == StatusCancelled
}

// CanTransitionTo enforces the tracker state machine:
// pending -> active -> exited|cancelled, with pending -> cancelled allowed
// for rejected orders. Terminal states never transition.
func (s TrackerStatus) CanTransitionTo(next TrackerStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCancelled
	case StatusActive:
		return next == StatusExited || next == StatusCancelled
	default:
		return false
	}
}

// MetaSynthetic marks trackers created by reconciliation for broker positions
// with no local origin. Synthetic trackers are report-only: rules skip them
// and they never feed daily-limit accounting.
const MetaSynthetic = "synthetic"

// Tracker is the authoritative persisted record of one position.
// Once exited, only exit price, exit reason/kind and the PnL fields may change.
type Tracker struct {
	ID               string            `db:"id" json:"id"`
	OrderNo          string            `db:"order_no" json:"order_no"`
	SecurityID       string            `db:"security_id" json:"security_id"`
	Segment          Segment           `db:"segment" json:"segment"`
	Symbol           string            `db:"symbol" json:"symbol"`
	IndexKey         string            `db:"index_key" json:"index_key"`
	Side             Side              `db:"side" json:"side"`
	Quantity         int               `db:"quantity" json:"quantity"`
	EntryPrice       float64           `db:"entry_price" json:"entry_price"`
	AvgPrice         float64           `db:"avg_price" json:"avg_price"`
	Status           TrackerStatus     `db:"status" json:"status"`
	LastPnLRupees    float64           `db:"last_pnl_rupees" json:"last_pnl_rupees"`
	LastPnLPct       float64           `db:"last_pnl_pct" json:"last_pnl_pct"`
	HighWaterMarkPnL float64           `db:"high_water_mark_pnl" json:"high_water_mark_pnl"`
	ExitPrice        float64           `db:"exit_price" json:"exit_price"`
	ExitReason       string            `db:"exit_reason" json:"exit_reason"`
	ExitKind         ExitKind          `db:"exit_kind" json:"exit_kind"`
	Meta             map[string]string `db:"-" json:"meta,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

// Key returns the tracker's instrument cache key.
func (t *Tracker) Key() InstrumentKey {
	return InstrumentKey{Segment: t.Segment, SecurityID: t.SecurityID}
}

// IsTerminal reports whether the tracker reached a terminal state.
func (t *Tracker) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsSynthetic reports whether the tracker was fabricated by reconciliation
// for a broker-side position with no local origin.
func (t *Tracker) IsSynthetic() bool {
	return t.Meta[MetaSynthetic] == "true"
}

// Direction derives the underlying view from the held side.
func (t *Tracker) Direction() Direction {
	if t.Side == SideLongCE {
		return DirectionBullish
	}
	return DirectionBearish
}

// MetaValue reads a sparse meta field, tolerating a nil map.
func (t *Tracker) MetaValue(key string) string {
	if t.Meta == nil {
		return ""
	}
	return t.Meta[key]
}

// SetMeta writes a sparse meta field, allocating the map on first use.
func (t *Tracker) SetMeta(key, value string) {
	if t.Meta == nil {
		t.Meta = make(map[string]string, 2)
	}
	t.Meta[key] = value
}
