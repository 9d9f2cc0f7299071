// Package underlying carries index-level context for underlying-aware
// exits. Signal values are produced outside this process (the strategy
// side owns indicators); this package only stores and serves them.
package underlying

import (
	"context"
	"sync"
	"time"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// Signal is one index's current state as published by the signal side.
//
// TrendScore is signed: positive supports bullish positions, negative
// supports bearish ones. ATRRatio is current ATR over the session
// reference ATR; values well below 1.0 mean realized movement has dried
// up. BreakDirection is set only while StructureBreak is true.
type Signal struct {
	IndexKey       string
	Spot           float64
	TrendScore     float64
	StructureBreak bool
	BreakDirection domain.Direction
	ATRRatio       float64
	UpdatedAt      time.Time
}

// Monitor serves the latest signal per index. ok=false means no usable
// signal exists; callers treat that as "no opinion", never as an exit.
type Monitor interface {
	Signal(ctx context.Context, indexKey string) (Signal, bool)
}

// StaticMonitor is a thread-safe signal store fed by Publish. Signals
// older than maxAge stop being served.
type StaticMonitor struct {
	mu      sync.RWMutex
	signals map[string]Signal
	maxAge  time.Duration
	now     func() time.Time
}

// NewStaticMonitor builds a monitor. maxAge <= 0 defaults to 5 minutes.
func NewStaticMonitor(maxAge time.Duration) *StaticMonitor {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &StaticMonitor{
		signals: make(map[string]Signal),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Publish stores or replaces the signal for its index. A zero UpdatedAt
// is stamped with the current time.
func (m *StaticMonitor) Publish(sig Signal) {
	if sig.IndexKey == "" {
		return
	}
	if sig.UpdatedAt.IsZero() {
		sig.UpdatedAt = m.now()
	}
	m.mu.Lock()
	m.signals[sig.IndexKey] = sig
	m.mu.Unlock()
}

// UpdateSpot refreshes only the spot level, keeping the rest of the
// signal intact. Used by the feed listener on index ticks.
func (m *StaticMonitor) UpdateSpot(indexKey string, spot float64, at time.Time) {
	if indexKey == "" || spot <= 0 {
		return
	}
	m.mu.Lock()
	sig := m.signals[indexKey]
	sig.IndexKey = indexKey
	sig.Spot = spot
	if sig.UpdatedAt.IsZero() {
		sig.UpdatedAt = at
	}
	m.signals[indexKey] = sig
	m.mu.Unlock()
}

// Signal returns the stored signal when present and fresh.
func (m *StaticMonitor) Signal(_ context.Context, indexKey string) (Signal, bool) {
	m.mu.RLock()
	sig, ok := m.signals[indexKey]
	m.mu.RUnlock()

	if !ok || sig.UpdatedAt.IsZero() {
		return Signal{}, false
	}
	if m.now().Sub(sig.UpdatedAt) > m.maxAge {
		return Signal{}, false
	}
	return sig, true
}

// Snapshot returns a copy of every stored signal, fresh or not.
func (m *StaticMonitor) Snapshot() map[string]Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Signal, len(m.signals))
	for k, v := range m.signals {
		out[k] = v
	}
	return out
}
