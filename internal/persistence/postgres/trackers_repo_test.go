package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/persistence"
)

func newMockRepo(t *testing.T) (persistence.TrackerStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTrackersRepo(sqlx.NewDb(db, "sqlmock"), 2*time.Second), mock
}

func trackerRows(id string, status domain.TrackerStatus, exitPrice float64, exitReason, exitKind string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "order_no", "security_id", "segment", "symbol", "index_key", "side",
		"quantity", "entry_price", "avg_price", "status", "last_pnl_rupees", "last_pnl_pct",
		"high_water_mark_pnl", "exit_price", "exit_reason", "exit_kind", "meta",
		"created_at", "updated_at",
	}).AddRow(
		id, "1124090355", "49081", "NSE_FNO", "NIFTY 24800 CE", "NIFTY", "long_ce",
		75, 112.5, 112.5, string(status), 0.0, 0.0,
		0.0, exitPrice, exitReason, exitKind, []byte(`{}`),
		now, now,
	)
}

func TestGetByID(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .+ FROM trackers WHERE id = \$1`).
		WithArgs("trk-1").
		WillReturnRows(trackerRows("trk-1", domain.StatusActive, 0, "", "unknown"))

	trk, err := repo.GetByID(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.Equal(t, "trk-1", trk.ID)
	assert.Equal(t, domain.StatusActive, trk.Status)
	assert.Equal(t, domain.SideLongCE, trk.Side)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .+ FROM trackers WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExitedAppliesUnderRowLock(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM trackers WHERE id = \$1 FOR UPDATE`).
		WithArgs("trk-1").
		WillReturnRows(trackerRows("trk-1", domain.StatusActive, 0, "", "unknown"))
	mock.ExpectExec(`UPDATE trackers`).
		WithArgs("trk-1", 108.0, "SL HIT -4.00%", "stop_loss", -337.5, -4.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	trk, applied, err := repo.MarkExited(context.Background(), "trk-1", persistence.ExitFinalization{
		ExitPrice: 108.0,
		Reason:    "SL HIT -4.00%",
		Kind:      domain.ExitStopLoss,
		PnLRupees: -337.5,
		PnLPct:    -4.0,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.StatusExited, trk.Status)
	assert.Equal(t, domain.ExitStopLoss, trk.ExitKind)
	assert.InDelta(t, 108.0, trk.ExitPrice, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExitedIdempotentOnTerminal(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM trackers WHERE id = \$1 FOR UPDATE`).
		WithArgs("trk-1").
		WillReturnRows(trackerRows("trk-1", domain.StatusExited, 104.2, "TP HIT 7.00%", "take_profit"))
	mock.ExpectCommit()

	trk, applied, err := repo.MarkExited(context.Background(), "trk-1", persistence.ExitFinalization{
		ExitPrice: 99.0,
		Reason:    "SL HIT",
		Kind:      domain.ExitStopLoss,
	})
	require.NoError(t, err)
	assert.False(t, applied)
	// The stored finalization wins; the repeat changes nothing.
	assert.InDelta(t, 104.2, trk.ExitPrice, 1e-9)
	assert.Equal(t, "TP HIT 7.00%", trk.ExitReason)
	assert.Equal(t, domain.ExitTakeProfit, trk.ExitKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePnLMissingTracker(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE trackers`).
		WithArgs("ghost", 10.0, 1.0, 10.0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdatePnL(context.Background(), "ghost", 10.0, 1.0, 10.0)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsZeroQuantity(t *testing.T) {
	repo, _ := newMockRepo(t)

	err := repo.Create(context.Background(), &domain.Tracker{
		ID:       "trk-2",
		Quantity: 0,
	})
	assert.Error(t, err)
}

func TestGetByIDsBatch(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := trackerRows("trk-1", domain.StatusActive, 0, "", "unknown")
	now := time.Now()
	rows.AddRow(
		"trk-2", "1124090356", "49082", "NSE_FNO", "NIFTY 24800 PE", "NIFTY", "long_pe",
		75, 98.0, 98.0, "active", 0.0, 0.0,
		0.0, 0.0, "", "unknown", []byte(`{}`),
		now, now,
	)
	mock.ExpectQuery(`SELECT .+ FROM trackers WHERE id IN`).
		WithArgs("trk-1", "trk-2").
		WillReturnRows(rows)

	got, err := repo.GetByIDs(context.Background(), []string{"trk-1", "trk-2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.SideLongPE, got["trk-2"].Side)
	assert.NoError(t, mock.ExpectationsWereMet())
}
