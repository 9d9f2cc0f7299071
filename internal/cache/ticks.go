package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// TickCache is the hot in-process price store. Producers (the feed hub)
// never block on it and consumers read the latest tick in constant time.
type TickCache struct {
	ticks   sync.Map // domain.InstrumentKey -> domain.Tick
	size    atomic.Int64
	dropped atomic.Int64
}

// NewTickCache creates an empty hot cache.
func NewTickCache() *TickCache {
	return &TickCache{}
}

// Put stores a tick. Ticks older than the stored one (by exchange
// timestamp) are dropped so replays and reconnect bursts cannot move
// prices backwards.
func (c *TickCache) Put(t domain.Tick) bool {
	key := t.Key()
	for {
		prev, loaded := c.ticks.Load(key)
		if !loaded {
			if _, raced := c.ticks.LoadOrStore(key, t); raced {
				continue
			}
			c.size.Add(1)
			return true
		}
		old := prev.(domain.Tick)
		if t.TS < old.TS {
			c.dropped.Add(1)
			return false
		}
		if c.ticks.CompareAndSwap(key, prev, t) {
			return true
		}
	}
}

// Get returns the latest tick for an instrument.
func (c *TickCache) Get(key domain.InstrumentKey) (domain.Tick, bool) {
	v, ok := c.ticks.Load(key)
	if !ok {
		return domain.Tick{}, false
	}
	return v.(domain.Tick), true
}

// LTP returns the last traded price for an instrument.
func (c *TickCache) LTP(key domain.InstrumentKey) (float64, bool) {
	t, ok := c.Get(key)
	if !ok || t.LTP <= 0 {
		return 0, false
	}
	return t.LTP, true
}

// FreshLTP returns the price only when the tick was received within
// maxAge.
func (c *TickCache) FreshLTP(key domain.InstrumentKey, maxAge time.Duration, now time.Time) (float64, bool) {
	t, ok := c.Get(key)
	if !ok || t.LTP <= 0 {
		return 0, false
	}
	if now.Sub(t.ReceivedAt) > maxAge {
		return 0, false
	}
	return t.LTP, true
}

// Delete removes an instrument from the hot cache.
func (c *TickCache) Delete(key domain.InstrumentKey) {
	if _, loaded := c.ticks.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Snapshot copies out all current ticks.
func (c *TickCache) Snapshot() []domain.Tick {
	out := make([]domain.Tick, 0, c.size.Load())
	c.ticks.Range(func(_, v interface{}) bool {
		out = append(out, v.(domain.Tick))
		return true
	})
	return out
}

// Len returns the number of cached instruments.
func (c *TickCache) Len() int {
	return int(c.size.Load())
}

// Dropped returns how many out-of-order ticks were rejected.
func (c *TickCache) Dropped() int64 {
	return c.dropped.Load()
}
