package underlying

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/domain"
)

func TestPublishAndSignal(t *testing.T) {
	m := NewStaticMonitor(5 * time.Minute)
	m.Publish(Signal{
		IndexKey:   "NIFTY",
		Spot:       24812.4,
		TrendScore: 3.2,
		ATRRatio:   0.9,
	})

	sig, ok := m.Signal(context.Background(), "NIFTY")
	require.True(t, ok)
	assert.Equal(t, 24812.4, sig.Spot)
	assert.Equal(t, 3.2, sig.TrendScore)
	assert.False(t, sig.UpdatedAt.IsZero())

	_, ok = m.Signal(context.Background(), "BANKNIFTY")
	assert.False(t, ok)
}

func TestStaleSignalNotServed(t *testing.T) {
	m := NewStaticMonitor(time.Minute)
	base := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.Publish(Signal{IndexKey: "NIFTY", TrendScore: 1.0})

	m.now = func() time.Time { return base.Add(30 * time.Second) }
	_, ok := m.Signal(context.Background(), "NIFTY")
	assert.True(t, ok)

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok = m.Signal(context.Background(), "NIFTY")
	assert.False(t, ok)
}

func TestUpdateSpotKeepsSignalFields(t *testing.T) {
	m := NewStaticMonitor(5 * time.Minute)
	m.Publish(Signal{
		IndexKey:       "SENSEX",
		TrendScore:     -2.5,
		StructureBreak: true,
		BreakDirection: domain.DirectionBearish,
	})

	m.UpdateSpot("SENSEX", 81210.5, time.Now())

	sig, ok := m.Signal(context.Background(), "SENSEX")
	require.True(t, ok)
	assert.Equal(t, 81210.5, sig.Spot)
	assert.Equal(t, -2.5, sig.TrendScore)
	assert.True(t, sig.StructureBreak)
	assert.Equal(t, domain.DirectionBearish, sig.BreakDirection)
}

func TestUpdateSpotIgnoresJunk(t *testing.T) {
	m := NewStaticMonitor(5 * time.Minute)
	m.UpdateSpot("", 100, time.Now())
	m.UpdateSpot("NIFTY", 0, time.Now())
	assert.Empty(t, m.Snapshot())
}
