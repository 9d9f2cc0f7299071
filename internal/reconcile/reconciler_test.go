package reconcile

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/broker"
	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/persistence"
	"github.com/niftyninja9/autosentry/internal/positions"
	"github.com/niftyninja9/autosentry/internal/session"
)

type fakeFeed struct {
	mu         sync.Mutex
	subscribed map[domain.InstrumentKey]bool
	calls      []domain.InstrumentKey
	err        error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subscribed: make(map[domain.InstrumentKey]bool)}
}

func (f *fakeFeed) IsSubscribed(key domain.InstrumentKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[key]
}

func (f *fakeFeed) Subscribe(_ context.Context, keys ...domain.InstrumentKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, k := range keys {
		f.subscribed[k] = true
		f.calls = append(f.calls, k)
	}
	return nil
}

func (f *fakeFeed) callList() []domain.InstrumentKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.InstrumentKey, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeBook struct {
	mu        sync.Mutex
	positions []broker.BrokerPosition
	err       error
	calls     int
}

func (f *fakeBook) OpenPositions(context.Context) ([]broker.BrokerPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]broker.BrokerPosition, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func istTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return time.Date(2025, 8, 25, hour, min, 0, 0, loc)
}

type reconFixture struct {
	rec    *Reconciler
	store  *persistence.MemStore
	active *positions.ActiveCache
	feed   *fakeFeed
	book   *fakeBook
	now    time.Time
}

func newReconFixture(t *testing.T) *reconFixture {
	t.Helper()
	sess, err := session.New(config.SessionConfig{
		Timezone:        "Asia/Kolkata",
		MarketOpenHHMM:  "09:15",
		MarketCloseHHMM: "15:30",
		ForceExitHHMM:   "15:12",
	}, "15:00")
	require.NoError(t, err)

	f := &reconFixture{
		store:  persistence.NewMemStore(),
		active: positions.NewActiveCache(nil),
		feed:   newFakeFeed(),
		book:   &fakeBook{},
		now:    istTime(t, 11, 0),
	}
	f.rec = NewReconciler(Deps{
		Store:   f.store,
		Active:  f.active,
		Feed:    f.feed,
		Gateway: f.book,
		Session: sess,
		Now:     func() time.Time { return f.now },
	})
	return f
}

// seedActive creates a filled tracker and optionally mirrors it into the
// cache and the subscription set, modelling a fully healthy position.
func (f *reconFixture) seedActive(t *testing.T, id string, cached, subscribed bool) *domain.Tracker {
	t.Helper()
	trk := &domain.Tracker{
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
		CreatedAt:  f.now.Add(-30 * time.Minute),
	}
	require.NoError(t, f.store.Create(context.Background(), trk))
	require.NoError(t, f.store.MarkActive(context.Background(), id, 100, trk.Quantity))
	row, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	if cached {
		f.active.Add(domain.PositionFromTracker(row, f.now))
	}
	if subscribed {
		f.feed.subscribed[row.Key()] = true
	}
	return row
}

func TestSweepHealthyStateUntouched(t *testing.T) {
	f := newReconFixture(t)
	f.seedActive(t, "trk-1", true, true)

	sum := f.rec.Sweep(context.Background())

	assert.Equal(t, 1, sum.ActiveRows)
	assert.Zero(t, sum.Resubscribed)
	assert.Zero(t, sum.Readopted)
	assert.Zero(t, sum.PnLSynced)
	assert.Zero(t, sum.Synthetic)
	assert.Zero(t, sum.Errors)
	assert.Empty(t, f.feed.callList())
}

func TestSweepResubscribesMissingKey(t *testing.T) {
	f := newReconFixture(t)
	row := f.seedActive(t, "trk-1", true, false)

	sum := f.rec.Sweep(context.Background())

	assert.Equal(t, 1, sum.Resubscribed)
	calls := f.feed.callList()
	require.Len(t, calls, 1)
	assert.Equal(t, row.Key(), calls[0])

	// Repaired state stays quiet on the next pass.
	sum = f.rec.Sweep(context.Background())
	assert.Zero(t, sum.Resubscribed)
}

func TestSweepReadoptsMissingPosition(t *testing.T) {
	f := newReconFixture(t)
	f.seedActive(t, "trk-1", false, true)

	sum := f.rec.Sweep(context.Background())

	assert.Equal(t, 1, sum.Readopted)
	assert.True(t, f.active.Has("trk-1"))
	pos, ok := f.active.GetByTrackerID("trk-1")
	require.True(t, ok)
	assert.InDelta(t, 100.0, pos.EntryPrice, 0.001)
}

func TestSweepSyncsDivergentPnL(t *testing.T) {
	f := newReconFixture(t)
	f.seedActive(t, "trk-1", true, true)

	db, mock := redismock.NewClientMock()
	f.rec.deps.Warm = cache.NewWarmCache(db)

	fresh := strconv.FormatInt(f.now.Add(-3*time.Second).Unix(), 10)
	mock.ExpectHGetAll(cache.PnLKey("trk-1")).SetVal(map[string]string{
		"pnl": "120.5", "pnl_pct": "1.2", "ltp": "101.6", "hwm_pnl": "150",
		"ts": fresh, "updated_at": fresh,
	})

	sum := f.rec.Sweep(context.Background())

	assert.Equal(t, 1, sum.PnLSynced)
	row, err := f.store.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.InDelta(t, 120.5, row.LastPnLRupees, 0.001)
	assert.InDelta(t, 1.2, row.LastPnLPct, 0.001)
	assert.InDelta(t, 150.0, row.HighWaterMarkPnL, 0.001)

	// Within the rupee tolerance nothing is written.
	mock.ExpectHGetAll(cache.PnLKey("trk-1")).SetVal(map[string]string{
		"pnl": "120.6", "pnl_pct": "1.21", "ltp": "101.6", "hwm_pnl": "150",
		"ts": fresh, "updated_at": fresh,
	})
	sum = f.rec.Sweep(context.Background())
	assert.Zero(t, sum.PnLSynced)
	row, err = f.store.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.InDelta(t, 120.5, row.LastPnLRupees, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepAdoptsOrphanBrokerPosition(t *testing.T) {
	f := newReconFixture(t)
	f.book.positions = []broker.BrokerPosition{{
		Segment:    domain.SegmentNSEFNO,
		SecurityID: "49081",
		Symbol:     "NIFTY 24800 CE",
		NetQty:     75,
		BuyAvg:     100,
		LTP:        103,
	}}

	sum := f.rec.Sweep(context.Background())

	assert.Equal(t, 1, sum.Synthetic)
	row, err := f.store.GetByID(context.Background(), "SYNC-49081-2025-08-25")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, row.Status)
	assert.True(t, row.IsSynthetic())
	assert.Equal(t, domain.SideLongCE, row.Side)
	assert.Equal(t, "NIFTY", row.IndexKey)
	assert.Equal(t, 75, row.Quantity)
	assert.InDelta(t, 100.0, row.EntryPrice, 0.001)
	assert.InDelta(t, 225.0, row.LastPnLRupees, 0.001)

	// The synthetic row now matches the broker book: no duplicate.
	sum = f.rec.Sweep(context.Background())
	assert.Zero(t, sum.Synthetic)
	assert.Zero(t, sum.ActiveRows, "synthetic rows are report-only")
	assert.False(t, f.active.Has("SYNC-49081-2025-08-25"))
}

func TestSweepSyntheticPutSide(t *testing.T) {
	f := newReconFixture(t)
	f.book.positions = []broker.BrokerPosition{{
		Segment:    domain.SegmentNSEFNO,
		SecurityID: "49099",
		Symbol:     "BANKNIFTY 52000 PE",
		NetQty:     30,
		BuyAvg:     210,
	}}

	f.rec.Sweep(context.Background())

	row, err := f.store.GetByID(context.Background(), "SYNC-49099-2025-08-25")
	require.NoError(t, err)
	assert.Equal(t, domain.SideLongPE, row.Side)
	assert.Equal(t, "BANKNIFTY", row.IndexKey)
	assert.Zero(t, row.LastPnLRupees, "no ltp means no pnl estimate")
}

func TestSweepPendingTrackerCoversBrokerPosition(t *testing.T) {
	f := newReconFixture(t)
	trk := &domain.Tracker{
		ID: "trk-p", OrderNo: "ORD-p", SecurityID: "49081",
		Segment: domain.SegmentNSEFNO, Symbol: "NIFTY 24800 CE",
		IndexKey: "NIFTY", Side: domain.SideLongCE, Quantity: 75,
		EntryPrice: 100, Status: domain.StatusPending, CreatedAt: f.now,
	}
	require.NoError(t, f.store.Create(context.Background(), trk))
	f.book.positions = []broker.BrokerPosition{{
		Segment: domain.SegmentNSEFNO, SecurityID: "49081",
		Symbol: "NIFTY 24800 CE", NetQty: 75, BuyAvg: 100,
	}}

	sum := f.rec.Sweep(context.Background())

	assert.Zero(t, sum.Synthetic, "an in-flight order already accounts for the position")
}

func TestSweepIgnoresShortBrokerPositions(t *testing.T) {
	f := newReconFixture(t)
	f.book.positions = []broker.BrokerPosition{{
		Segment: domain.SegmentNSEFNO, SecurityID: "49081",
		Symbol: "NIFTY 24800 CE", NetQty: -75, BuyAvg: 100,
	}}

	sum := f.rec.Sweep(context.Background())

	assert.Zero(t, sum.Synthetic)
	_, err := f.store.GetByID(context.Background(), "SYNC-49081-2025-08-25")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestSweepCountsBrokerErrors(t *testing.T) {
	f := newReconFixture(t)
	f.book.err = assert.AnError

	sum := f.rec.Sweep(context.Background())

	assert.Equal(t, 1, sum.Errors)
}

func TestStatsAccumulateAcrossSweeps(t *testing.T) {
	f := newReconFixture(t)
	var kinds []string
	f.rec.deps.OnFix = func(kind string) { kinds = append(kinds, kind) }
	f.seedActive(t, "trk-1", false, false)

	f.rec.Sweep(context.Background())
	f.rec.Sweep(context.Background())

	fixes, sweeps, last := f.rec.Stats()
	assert.Equal(t, int64(2), sweeps)
	assert.Equal(t, f.now, last)
	assert.Equal(t, int64(1), fixes[FixResubscribed])
	assert.Equal(t, int64(1), fixes[FixReadopted])
	assert.ElementsMatch(t, []string{FixResubscribed, FixReadopted}, kinds)
}

func TestStartRequiresStore(t *testing.T) {
	rec := NewReconciler(Deps{})
	assert.Error(t, rec.Start(context.Background()))
	assert.NoError(t, rec.Stop(context.Background()))
}

func TestReconcilerLifecycle(t *testing.T) {
	f := newReconFixture(t)
	f.rec.deps.Interval = 10 * time.Millisecond
	assert.Equal(t, "reconciler", f.rec.Name())

	require.NoError(t, f.rec.Start(context.Background()))
	assert.Eventually(t, func() bool {
		_, sweeps, _ := f.rec.Stats()
		return sweeps >= 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.rec.Stop(ctx))
}
