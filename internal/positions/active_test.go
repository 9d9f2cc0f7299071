package positions

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/domain"
)

func pos(trackerID, sid string, entry float64, qty int) *domain.PositionData {
	return &domain.PositionData{
		TrackerID:  trackerID,
		SecurityID: sid,
		Segment:    domain.SegmentNSEFNO,
		Symbol:     "NIFTY 24800 CE",
		IndexKey:   "NIFTY",
		Side:       domain.SideLongCE,
		EntryPrice: entry,
		Quantity:   qty,
		CurrentLTP: entry,
	}
}

func TestActiveCacheAddGetRemove(t *testing.T) {
	c := NewActiveCache(nil)

	c.Add(pos("trk-1", "49081", 112.5, 75))
	require.Equal(t, 1, c.Len())

	got, ok := c.GetByTrackerID("trk-1")
	require.True(t, ok)
	assert.Equal(t, "49081", got.SecurityID)

	ids := c.TrackerIDsForSID(domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: "49081"})
	assert.Equal(t, []string{"trk-1"}, ids)

	removed, ok := c.Remove("trk-1")
	require.True(t, ok)
	assert.Equal(t, "trk-1", removed.TrackerID)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.TrackerIDsForSID(domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: "49081"}))

	_, ok = c.Remove("trk-1")
	assert.False(t, ok)
}

func TestActiveCacheSnapshotsAreCopies(t *testing.T) {
	c := NewActiveCache(nil)
	c.Add(pos("trk-1", "49081", 100, 75))

	snap, _ := c.GetByTrackerID("trk-1")
	snap.PnL = 99999 // must not leak back

	got, _ := c.GetByTrackerID("trk-1")
	assert.Equal(t, 0.0, got.PnL)
}

func TestActiveCacheApplyTick(t *testing.T) {
	c := NewActiveCache(nil)
	c.Add(pos("trk-1", "49081", 100, 75))
	c.Add(pos("trk-2", "49081", 110, 75))
	c.Add(pos("trk-3", "49082", 100, 75))

	key := domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: "49081"}
	touched := c.ApplyTick(key, 105, time.Now())
	assert.Len(t, touched, 2)

	p1, _ := c.GetByTrackerID("trk-1")
	assert.InDelta(t, 375.0, p1.PnL, 1e-9) // (105-100)*75
	assert.InDelta(t, 5.0, p1.PnLPct, 1e-9)

	p3, _ := c.GetByTrackerID("trk-3")
	assert.Equal(t, 0.0, p3.PnL, "other instrument untouched")
}

func TestActiveCacheConcurrentTickAndUpdate(t *testing.T) {
	c := NewActiveCache(nil)
	c.Add(pos("trk-1", "49081", 100, 75))
	key := domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: "49081"}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.ApplyTick(key, 100+float64(j%10), time.Now())
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Update("trk-1", func(p *domain.PositionData) {
					p.SLPrice = 98
				})
				c.GetByTrackerID("trk-1")
			}
		}()
	}
	wg.Wait()

	got, ok := c.GetByTrackerID("trk-1")
	require.True(t, ok)
	assert.Equal(t, 98.0, got.SLPrice)
	// Peak only moves up, so after ticks in [100,109] it is the max seen.
	assert.InDelta(t, 9.0, got.PeakProfitPct, 1e-9)
}

func TestActiveCacheCountSameSide(t *testing.T) {
	c := NewActiveCache(nil)
	c.Add(pos("trk-1", "49081", 100, 75))
	c.Add(pos("trk-2", "49082", 100, 75))

	pe := pos("trk-3", "49083", 100, 75)
	pe.Side = domain.SideLongPE
	c.Add(pe)

	other := pos("trk-4", "49084", 100, 75)
	other.IndexKey = "BANKNIFTY"
	c.Add(other)

	assert.Equal(t, 2, c.CountSameSide("NIFTY", domain.SideLongCE))
	assert.Equal(t, 1, c.CountSameSide("NIFTY", domain.SideLongPE))
	assert.Equal(t, 1, c.CountSameSide("BANKNIFTY", domain.SideLongCE))
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	c := NewActiveCache(bus)

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	c.Add(pos("trk-1", "49081", 100, 75))
	c.Remove("trk-1")

	added := <-ch
	assert.Equal(t, EventAdded, added.Kind)
	assert.Equal(t, "trk-1", added.TrackerID)

	removed := <-ch
	assert.Equal(t, EventRemoved, removed.Kind)
	assert.Equal(t, "49081", removed.Instrument.SecurityID)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Kind: EventAdded, TrackerID: "a"})
	bus.Publish(Event{Kind: EventAdded, TrackerID: "b"}) // dropped, buffer full

	first := <-ch
	assert.Equal(t, "a", first.TrackerID)
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %v", e)
	default:
	}
}

func TestBusUnsubscribeCloses(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Kind: EventAdded, TrackerID: "x"})
}
