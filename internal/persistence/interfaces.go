package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// ErrNotFound is returned when no tracker matches the lookup.
var ErrNotFound = errors.New("tracker not found")

// ErrInvalidTransition is returned when a mutation would violate the
// tracker state machine.
var ErrInvalidTransition = errors.New("invalid tracker state transition")

// ExitFinalization carries everything MarkExited persists in one step.
type ExitFinalization struct {
	ExitPrice float64
	Reason    string
	Kind      domain.ExitKind
	PnLRupees float64
	PnLPct    float64
}

// TrackerStore is the authoritative persistence contract for position
// trackers. Implementations must keep the state machine monotone:
// pending -> active -> exited|cancelled.
type TrackerStore interface {
	// Create persists a new tracker (normally status pending).
	Create(ctx context.Context, t *domain.Tracker) error

	// GetByID loads one tracker. ErrNotFound when absent.
	GetByID(ctx context.Context, id string) (*domain.Tracker, error)

	// GetByIDs loads a batch in a single query. Missing ids are simply
	// absent from the result map.
	GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Tracker, error)

	// GetByOrderNo resolves a tracker from a broker order number.
	GetByOrderNo(ctx context.Context, orderNo string) (*domain.Tracker, error)

	// ListByStatus returns trackers in any of the given states,
	// oldest first.
	ListByStatus(ctx context.Context, statuses ...domain.TrackerStatus) ([]*domain.Tracker, error)

	// UpdatePnL refreshes the rolling PnL columns of a live tracker.
	UpdatePnL(ctx context.Context, id string, pnl, pnlPct, hwm float64) error

	// MarkActive transitions pending -> active on a buy fill.
	MarkActive(ctx context.Context, id string, avgPrice float64, qty int) error

	// MarkCancelled transitions a non-terminal tracker to cancelled.
	MarkCancelled(ctx context.Context, id, reason string) error

	// MarkExited finalizes a tracker under a row-level lock. When the row
	// is already terminal it returns the stored row and applied=false
	// without mutating anything, so callers can treat repeats as
	// idempotent success.
	MarkExited(ctx context.Context, id string, fin ExitFinalization) (t *domain.Tracker, applied bool, err error)

	// SetMeta upserts one sparse meta field.
	SetMeta(ctx context.Context, id, key, value string) error
}

// Repository aggregates the persistence interfaces handed to components.
type Repository struct {
	Trackers TrackerStore
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
	Stats(ctx context.Context) map[string]interface{}
}
