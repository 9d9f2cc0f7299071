package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/niftyninja9/autosentry/internal/domain"
	"github.com/niftyninja9/autosentry/internal/persistence"
)

// trackerColumns is the canonical select list for the trackers table.
const trackerColumns = `id, order_no, security_id, segment, symbol, index_key, side,
	quantity, entry_price, avg_price, status, last_pnl_rupees, last_pnl_pct,
	high_water_mark_pnl, exit_price, exit_reason, exit_kind, meta, created_at, updated_at`

// trackersRepo implements TrackerStore for PostgreSQL.
type trackersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTrackersRepo creates a new PostgreSQL tracker repository.
func NewTrackersRepo(db *sqlx.DB, timeout time.Duration) persistence.TrackerStore {
	return &trackersRepo{
		db:      db,
		timeout: timeout,
	}
}

// Create persists a new tracker row.
func (r *trackersRepo) Create(ctx context.Context, t *domain.Tracker) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if t.Quantity <= 0 {
		return fmt.Errorf("tracker quantity must be positive, got %d", t.Quantity)
	}

	metaJSON, err := json.Marshal(metaOrEmpty(t.Meta))
	if err != nil {
		return fmt.Errorf("failed to marshal tracker meta: %w", err)
	}

	query := `
		INSERT INTO trackers (id, order_no, security_id, segment, symbol, index_key, side,
			quantity, entry_price, avg_price, status, high_water_mark_pnl, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	err = r.db.QueryRowxContext(ctx, query,
		t.ID, t.OrderNo, t.SecurityID, t.Segment, t.Symbol, t.IndexKey, t.Side,
		t.Quantity, t.EntryPrice, t.AvgPrice, t.Status, t.HighWaterMarkPnL, metaJSON).
		Scan(&t.CreatedAt, &t.UpdatedAt)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate tracker %s: %w", t.ID, err)
		}
		return fmt.Errorf("failed to insert tracker: %w", err)
	}

	return nil
}

// GetByID loads a single tracker row.
func (r *trackersRepo) GetByID(ctx context.Context, id string) (*domain.Tracker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + trackerColumns + ` FROM trackers WHERE id = $1`
	row := r.db.QueryRowxContext(ctx, query, id)
	t, err := scanTracker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query tracker %s: %w", id, err)
	}
	return t, nil
}

// GetByIDs loads a batch of trackers in one query.
func (r *trackersRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Tracker, error) {
	if len(ids) == 0 {
		return map[string]*domain.Tracker{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args, err := sqlx.In(`SELECT `+trackerColumns+` FROM trackers WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch query: %w", err)
	}
	query = r.db.Rebind(query)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracker batch: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*domain.Tracker, len(ids))
	for rows.Next() {
		t, err := scanTracker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracker in batch: %w", err)
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}

// GetByOrderNo resolves a tracker from its broker order number.
func (r *trackersRepo) GetByOrderNo(ctx context.Context, orderNo string) (*domain.Tracker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + trackerColumns + ` FROM trackers WHERE order_no = $1 ORDER BY created_at DESC LIMIT 1`
	row := r.db.QueryRowxContext(ctx, query, orderNo)
	t, err := scanTracker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query tracker by order %s: %w", orderNo, err)
	}
	return t, nil
}

// ListByStatus returns trackers in any of the given states, oldest first.
func (r *trackersRepo) ListByStatus(ctx context.Context, statuses ...domain.TrackerStatus) ([]*domain.Tracker, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	query, args, err := sqlx.In(`SELECT `+trackerColumns+` FROM trackers WHERE status IN (?) ORDER BY created_at ASC`, vals)
	if err != nil {
		return nil, fmt.Errorf("failed to build status query: %w", err)
	}
	query = r.db.Rebind(query)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trackers by status: %w", err)
	}
	defer rows.Close()

	var out []*domain.Tracker
	for rows.Next() {
		t, err := scanTracker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracker: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdatePnL refreshes the rolling PnL columns. The high-water mark only
// moves up.
func (r *trackersRepo) UpdatePnL(ctx context.Context, id string, pnl, pnlPct, hwm float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trackers
		SET last_pnl_rupees = $2,
		    last_pnl_pct = $3,
		    high_water_mark_pnl = GREATEST(high_water_mark_pnl, $4),
		    updated_at = now()
		WHERE id = $1 AND status NOT IN ('exited', 'cancelled')`

	res, err := r.db.ExecContext(ctx, query, id, pnl, pnlPct, hwm)
	if err != nil {
		return fmt.Errorf("failed to update tracker pnl: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// MarkActive transitions pending -> active on a buy fill.
func (r *trackersRepo) MarkActive(ctx context.Context, id string, avgPrice float64, qty int) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trackers
		SET status = 'active',
		    avg_price = CASE WHEN $2 > 0 THEN $2 ELSE avg_price END,
		    entry_price = CASE WHEN entry_price <= 0 AND $2 > 0 THEN $2 ELSE entry_price END,
		    quantity = CASE WHEN $3 > 0 THEN $3 ELSE quantity END,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, query, id, avgPrice, qty)
	if err != nil {
		return fmt.Errorf("failed to activate tracker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := r.GetByID(ctx, id); errors.Is(gerr, persistence.ErrNotFound) {
			return persistence.ErrNotFound
		}
		return persistence.ErrInvalidTransition
	}
	return nil
}

// MarkCancelled transitions a non-terminal tracker to cancelled.
func (r *trackersRepo) MarkCancelled(ctx context.Context, id, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trackers
		SET status = 'cancelled', exit_reason = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ('exited', 'cancelled')`

	res, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to cancel tracker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := r.GetByID(ctx, id); errors.Is(gerr, persistence.ErrNotFound) {
			return persistence.ErrNotFound
		}
		return persistence.ErrInvalidTransition
	}
	return nil
}

// MarkExited finalizes a tracker under a row lock. A row that is already
// terminal is returned unchanged with applied=false; repeated exits are
// therefore idempotent for the caller.
func (r *trackersRepo) MarkExited(ctx context.Context, id string, fin persistence.ExitFinalization) (*domain.Tracker, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin exit transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowxContext(ctx, `SELECT `+trackerColumns+` FROM trackers WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTracker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, persistence.ErrNotFound
		}
		return nil, false, fmt.Errorf("failed to lock tracker %s: %w", id, err)
	}

	if t.IsTerminal() {
		// Finalized concurrently (order-update handler or another exit).
		return t, false, tx.Commit()
	}
	if !t.Status.CanTransitionTo(domain.StatusExited) {
		return nil, false, persistence.ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE trackers
		SET status = 'exited',
		    exit_price = $2,
		    exit_reason = $3,
		    exit_kind = $4,
		    last_pnl_rupees = $5,
		    last_pnl_pct = $6,
		    high_water_mark_pnl = GREATEST(high_water_mark_pnl, $5),
		    updated_at = now()
		WHERE id = $1`,
		id, fin.ExitPrice, fin.Reason, fin.Kind.String(), fin.PnLRupees, fin.PnLPct)
	if err != nil {
		return nil, false, fmt.Errorf("failed to finalize tracker exit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit tracker exit: %w", err)
	}

	t.Status = domain.StatusExited
	t.ExitPrice = fin.ExitPrice
	t.ExitReason = fin.Reason
	t.ExitKind = fin.Kind
	t.LastPnLRupees = fin.PnLRupees
	t.LastPnLPct = fin.PnLPct
	if fin.PnLRupees > t.HighWaterMarkPnL {
		t.HighWaterMarkPnL = fin.PnLRupees
	}
	return t, true, nil
}

// SetMeta upserts one sparse meta field into the JSONB column.
func (r *trackersRepo) SetMeta(ctx context.Context, id, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trackers
		SET meta = jsonb_set(COALESCE(meta, '{}'::jsonb), ARRAY[$2], to_jsonb($3::text), true),
		    updated_at = now()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, key, value)
	if err != nil {
		return fmt.Errorf("failed to set tracker meta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// rowScanner covers both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTracker(row rowScanner) (*domain.Tracker, error) {
	var (
		t        domain.Tracker
		kindStr  string
		metaJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.OrderNo, &t.SecurityID, &t.Segment, &t.Symbol, &t.IndexKey, &t.Side,
		&t.Quantity, &t.EntryPrice, &t.AvgPrice, &t.Status, &t.LastPnLRupees, &t.LastPnLPct,
		&t.HighWaterMarkPnL, &t.ExitPrice, &t.ExitReason, &kindStr, &metaJSON,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ExitKind = domain.ParseExitKind(kindStr)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tracker meta: %w", err)
		}
	}
	return &t, nil
}

func metaOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
