package positions

import (
	"sync"
	"time"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// entry wraps one position with its own mutex so concurrent tick applies
// and risk-loop updates to the same tracker serialize without a global
// write lock.
type entry struct {
	mu  sync.Mutex
	pos *domain.PositionData
}

// ActiveCache is the in-process registry of open positions, indexed by
// tracker id and by instrument for tick fan-out.
type ActiveCache struct {
	mu        sync.RWMutex
	byTracker map[string]*entry
	bySID     map[domain.InstrumentKey]map[string]struct{}
	bus       *Bus
}

// NewActiveCache creates an empty registry. bus may be nil.
func NewActiveCache(bus *Bus) *ActiveCache {
	return &ActiveCache{
		byTracker: make(map[string]*entry),
		bySID:     make(map[domain.InstrumentKey]map[string]struct{}),
		bus:       bus,
	}
}

// Add registers (or replaces) a position and publishes positions.added.
func (c *ActiveCache) Add(pos *domain.PositionData) {
	if pos == nil || pos.TrackerID == "" {
		return
	}
	key := domain.InstrumentKey{Segment: pos.Segment, SecurityID: pos.SecurityID}

	c.mu.Lock()
	if old, ok := c.byTracker[pos.TrackerID]; ok {
		oldKey := domain.InstrumentKey{Segment: old.pos.Segment, SecurityID: old.pos.SecurityID}
		if oldKey != key {
			c.unindexLocked(oldKey, pos.TrackerID)
		}
	}
	c.byTracker[pos.TrackerID] = &entry{pos: pos}
	if c.bySID[key] == nil {
		c.bySID[key] = make(map[string]struct{})
	}
	c.bySID[key][pos.TrackerID] = struct{}{}
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(Event{Kind: EventAdded, TrackerID: pos.TrackerID, Instrument: key, At: time.Now()})
	}
}

// Remove drops a position and publishes positions.removed. The removed
// snapshot is returned so callers can log final numbers.
func (c *ActiveCache) Remove(trackerID string) (domain.PositionData, bool) {
	c.mu.Lock()
	e, ok := c.byTracker[trackerID]
	if !ok {
		c.mu.Unlock()
		return domain.PositionData{}, false
	}
	delete(c.byTracker, trackerID)
	key := domain.InstrumentKey{Segment: e.pos.Segment, SecurityID: e.pos.SecurityID}
	c.unindexLocked(key, trackerID)
	c.mu.Unlock()

	e.mu.Lock()
	snap := *e.pos.Clone()
	e.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(Event{Kind: EventRemoved, TrackerID: trackerID, Instrument: key, At: time.Now()})
	}
	return snap, true
}

func (c *ActiveCache) unindexLocked(key domain.InstrumentKey, trackerID string) {
	if set, ok := c.bySID[key]; ok {
		delete(set, trackerID)
		if len(set) == 0 {
			delete(c.bySID, key)
		}
	}
}

// GetByTrackerID returns a copy of the position.
func (c *ActiveCache) GetByTrackerID(trackerID string) (domain.PositionData, bool) {
	c.mu.RLock()
	e, ok := c.byTracker[trackerID]
	c.mu.RUnlock()
	if !ok {
		return domain.PositionData{}, false
	}
	e.mu.Lock()
	snap := *e.pos.Clone()
	e.mu.Unlock()
	return snap, true
}

// Update runs fn under the position's own lock. Returns false when the
// tracker is not active.
func (c *ActiveCache) Update(trackerID string, fn func(*domain.PositionData)) bool {
	c.mu.RLock()
	e, ok := c.byTracker[trackerID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	fn(e.pos)
	e.mu.Unlock()
	return true
}

// ApplyTick recalculates PnL for every tracker on the instrument and
// returns the ids it touched.
func (c *ActiveCache) ApplyTick(key domain.InstrumentKey, ltp float64, at time.Time) []string {
	ids := c.TrackerIDsForSID(key)
	touched := make([]string, 0, len(ids))
	for _, id := range ids {
		ok := c.Update(id, func(p *domain.PositionData) {
			p.RecalculatePnL(ltp, at)
		})
		if ok {
			touched = append(touched, id)
		}
	}
	return touched
}

// AllPositions returns copies of every active position.
func (c *ActiveCache) AllPositions() []domain.PositionData {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.byTracker))
	for _, e := range c.byTracker {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]domain.PositionData, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, *e.pos.Clone())
		e.mu.Unlock()
	}
	return out
}

// TrackerIDsForSID returns the tracker ids holding the instrument.
func (c *ActiveCache) TrackerIDsForSID(key domain.InstrumentKey) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.bySID[key]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// ActiveInstruments returns every instrument with at least one position.
func (c *ActiveCache) ActiveInstruments() []domain.InstrumentKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]domain.InstrumentKey, 0, len(c.bySID))
	for k := range c.bySID {
		keys = append(keys, k)
	}
	return keys
}

// Has reports whether the tracker is active.
func (c *ActiveCache) Has(trackerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byTracker[trackerID]
	return ok
}

// Len returns the number of active positions.
func (c *ActiveCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byTracker)
}

// CountSameSide counts active positions on an index with the given side.
func (c *ActiveCache) CountSameSide(indexKey string, side domain.Side) int {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.byTracker))
	for _, e := range c.byTracker {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.pos.IndexKey == indexKey && e.pos.Side == side {
			n++
		}
		e.mu.Unlock()
	}
	return n
}
