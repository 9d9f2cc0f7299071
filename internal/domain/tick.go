package domain

import (
	"fmt"
	"time"
)

// Segment identifies the exchange segment an instrument trades on,
// using the broker's short codes.
type Segment string

const (
	SegmentIndex  Segment = "IDX_I"   // Index spot feed (NIFTY, BANKNIFTY, SENSEX)
	SegmentNSEFNO Segment = "NSE_FNO" // NSE futures & options
	SegmentBSEFNO Segment = "BSE_FNO" // BSE futures & options
	SegmentNSEEq  Segment = "NSE_EQ"  // NSE equity cash
)

// IsIndex reports whether the segment carries index spot ticks.
// Index ticks are never pruned from the warm cache.
func (s Segment) IsIndex() bool {
	return s == SegmentIndex
}

// TickKind classifies the feed packet a tick was decoded from.
type TickKind string

const (
	TickKindTicker    TickKind = "ticker"
	TickKindQuote     TickKind = "quote"
	TickKindFull      TickKind = "full"
	TickKindPrevClose TickKind = "prev_close"
)

// Tick is the latest traded-price observation for one instrument.
// TS is the broker-provided epoch in seconds; ReceivedAt is local receipt time.
type Tick struct {
	Segment    Segment   `json:"segment"`
	SecurityID string    `json:"security_id"`
	LTP        float64   `json:"ltp"`
	Kind       TickKind  `json:"kind"`
	TS         int64     `json:"ts"`
	ReceivedAt time.Time `json:"received_at"`
}

// Key returns the cache key for this tick's instrument.
func (t Tick) Key() InstrumentKey {
	return InstrumentKey{Segment: t.Segment, SecurityID: t.SecurityID}
}

// Age returns how old the tick is relative to now, based on local receipt time.
func (t Tick) Age(now time.Time) time.Duration {
	return now.Sub(t.ReceivedAt)
}

// InstrumentKey is the broker's instrument-identifying pair. It is comparable
// and used directly as a map key.
type InstrumentKey struct {
	Segment    Segment
	SecurityID string
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s:%s", k.Segment, k.SecurityID)
}

// Instrument describes one tradable contract as resolved from the
// instrument master.
type Instrument struct {
	Segment    Segment `json:"segment"`
	SecurityID string  `json:"security_id"`
	Symbol     string  `json:"symbol"`
	LotSize    int     `json:"lot_size"`
}

// Key returns the instrument's cache key.
func (i Instrument) Key() InstrumentKey {
	return InstrumentKey{Segment: i.Segment, SecurityID: i.SecurityID}
}
