package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/domain"
)

func pendingTracker(id string) *domain.Tracker {
	return &domain.Tracker{
		ID:         id,
		OrderNo:    "ORD-" + id,
		SecurityID: "49081",
		Segment:    domain.SegmentNSEFNO,
		Symbol:     "NIFTY 24800 CE",
		IndexKey:   "NIFTY",
		Side:       domain.SideLongCE,
		Quantity:   75,
		EntryPrice: 100,
		Status:     domain.StatusPending,
	}
}

func TestCreateAndLookup(t *testing.T) {
	s := NewMemStore()
	trk := pendingTracker("trk-1")
	require.NoError(t, s.Create(context.Background(), trk))
	assert.False(t, trk.CreatedAt.IsZero(), "zero created_at must be stamped")

	byID, err := s.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-trk-1", byID.OrderNo)

	byOrder, err := s.GetByOrderNo(context.Background(), "ORD-trk-1")
	require.NoError(t, err)
	assert.Equal(t, "trk-1", byOrder.ID)

	_, err = s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByOrderNo(context.Background(), "ORD-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReturnedRowsAreClones(t *testing.T) {
	s := NewMemStore()
	trk := pendingTracker("trk-1")
	trk.Meta = map[string]string{"note": "original"}
	require.NoError(t, s.Create(context.Background(), trk))

	got, err := s.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	got.Symbol = "tampered"
	got.Meta["note"] = "tampered"

	again, err := s.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.Equal(t, "NIFTY 24800 CE", again.Symbol)
	assert.Equal(t, "original", again.Meta["note"])
}

func TestMarkActiveBackfillsEntryPrice(t *testing.T) {
	s := NewMemStore()
	trk := pendingTracker("trk-1")
	trk.EntryPrice = 0 // no price was resolvable at placement
	require.NoError(t, s.Create(context.Background(), trk))

	require.NoError(t, s.MarkActive(context.Background(), "trk-1", 101.5, 150))

	row, err := s.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, row.Status)
	assert.InDelta(t, 101.5, row.AvgPrice, 0.001)
	assert.InDelta(t, 101.5, row.EntryPrice, 0.001)
	assert.Equal(t, 150, row.Quantity)
}

func TestMarkActiveKeepsSeededEntryPrice(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Create(context.Background(), pendingTracker("trk-1")))

	require.NoError(t, s.MarkActive(context.Background(), "trk-1", 100.9, 75))

	row, err := s.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, row.EntryPrice, 0.001, "seeded entry survives the fill")
	assert.InDelta(t, 100.9, row.AvgPrice, 0.001)
}

func TestStateMachineRejectsBackwardMoves(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Create(context.Background(), pendingTracker("trk-1")))
	require.NoError(t, s.MarkCancelled(context.Background(), "trk-1", "order REJECTED"))

	assert.ErrorIs(t, s.MarkActive(context.Background(), "trk-1", 100, 75), ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkCancelled(context.Background(), "trk-1", "again"), ErrInvalidTransition)

	row, err := s.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, row.Status)
	assert.Equal(t, "order REJECTED", row.ExitReason)
}

func TestMarkExitedIsIdempotent(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Create(context.Background(), pendingTracker("trk-1")))
	require.NoError(t, s.MarkActive(context.Background(), "trk-1", 100, 75))

	first, applied, err := s.MarkExited(context.Background(), "trk-1", ExitFinalization{
		ExitPrice: 96,
		Reason:    "SL HIT -4.00%",
		Kind:      domain.ExitStopLoss,
		PnLRupees: -300,
		PnLPct:    -4,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.StatusExited, first.Status)
	assert.InDelta(t, 96.0, first.ExitPrice, 0.001)

	// The losing race sees the already-final row, untouched.
	second, applied, err := s.MarkExited(context.Background(), "trk-1", ExitFinalization{
		ExitPrice: 95,
		Reason:    "BROKER EXIT -5.00%",
		Kind:      domain.ExitManual,
		PnLRupees: -375,
		PnLPct:    -5,
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "SL HIT -4.00%", second.ExitReason)
	assert.InDelta(t, 96.0, second.ExitPrice, 0.001)
}

func TestMarkExitedBumpsHighWaterMark(t *testing.T) {
	s := NewMemStore()
	trk := pendingTracker("trk-1")
	trk.HighWaterMarkPnL = 100
	require.NoError(t, s.Create(context.Background(), trk))
	require.NoError(t, s.MarkActive(context.Background(), "trk-1", 100, 75))

	row, applied, err := s.MarkExited(context.Background(), "trk-1", ExitFinalization{
		ExitPrice: 107, Reason: "TP HIT 7.00%", Kind: domain.ExitTakeProfit,
		PnLRupees: 525, PnLPct: 7,
	})
	require.NoError(t, err)
	require.True(t, applied)
	assert.InDelta(t, 525.0, row.HighWaterMarkPnL, 0.001)
}

func TestUpdatePnLKeepsPeak(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Create(context.Background(), pendingTracker("trk-1")))
	require.NoError(t, s.MarkActive(context.Background(), "trk-1", 100, 75))

	require.NoError(t, s.UpdatePnL(context.Background(), "trk-1", 300, 4, 300))
	require.NoError(t, s.UpdatePnL(context.Background(), "trk-1", 150, 2, 150))

	row, err := s.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.InDelta(t, 150.0, row.LastPnLRupees, 0.001)
	assert.InDelta(t, 300.0, row.HighWaterMarkPnL, 0.001, "hwm never walks down")

	assert.ErrorIs(t, s.UpdatePnL(context.Background(), "missing", 1, 1, 1), ErrNotFound)
}

func TestGetByIDsSkipsMissing(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Create(context.Background(), pendingTracker("trk-1")))
	require.NoError(t, s.Create(context.Background(), pendingTracker("trk-2")))

	rows, err := s.GetByIDs(context.Background(), []string{"trk-1", "ghost", "trk-2"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Contains(t, rows, "trk-1")
	assert.Contains(t, rows, "trk-2")
	assert.NotContains(t, rows, "ghost")
}

func TestListByStatusOldestFirst(t *testing.T) {
	s := NewMemStore()
	base := time.Date(2025, 8, 25, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"trk-c", "trk-a", "trk-b"} {
		trk := pendingTracker(id)
		trk.CreatedAt = base.Add(time.Duration(2-i) * time.Minute)
		require.NoError(t, s.Create(context.Background(), trk))
	}
	require.NoError(t, s.MarkActive(context.Background(), "trk-a", 100, 75))

	pendings, err := s.ListByStatus(context.Background(), domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pendings, 2)
	assert.Equal(t, "trk-b", pendings[0].ID)
	assert.Equal(t, "trk-c", pendings[1].ID)

	both, err := s.ListByStatus(context.Background(), domain.StatusPending, domain.StatusActive)
	require.NoError(t, err)
	assert.Len(t, both, 3)
}

func TestSetMetaUpserts(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Create(context.Background(), pendingTracker("trk-1")))

	require.NoError(t, s.SetMeta(context.Background(), "trk-1", domain.MetaSynthetic, "true"))

	row, err := s.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.True(t, row.IsSynthetic())
	assert.ErrorIs(t, s.SetMeta(context.Background(), "ghost", "k", "v"), ErrNotFound)
}
