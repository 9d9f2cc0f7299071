// Package broker defines the order-gateway contract the controller
// trades through, plus the paper implementation used for dry runs.
package broker

import (
	"context"
	"time"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// OrderRequest is one market order. ClientOrderID is the caller's
// correlation id and travels back on the broker's order stream.
type OrderRequest struct {
	ClientOrderID   string
	Segment         domain.Segment
	SecurityID      string
	Symbol          string
	TransactionType string
	Quantity        int
}

// OrderAck acknowledges order acceptance, not execution. Fills arrive
// asynchronously as OrderUpdates.
type OrderAck struct {
	OrderNo  string
	Status   string
	PlacedAt time.Time
}

// FlatAck reports a completed flatten with its executed price.
type FlatAck struct {
	OrderNo  string
	AvgPrice float64
	Quantity int
	PlacedAt time.Time
}

// BrokerPosition is the broker's view of one open position.
type BrokerPosition struct {
	Segment    domain.Segment
	SecurityID string
	Symbol     string
	NetQty     int
	BuyAvg     float64
	LTP        float64
}

// Wallet is a snapshot of tradable funds and the day's realized flow.
type Wallet struct {
	CashRupees  float64
	RealizedPnL float64
	FeesPaid    float64
}

// Gateway is the full broker surface. Implementations return typed
// results and explicit errors; nothing here panics or retries.
type Gateway interface {
	PlaceMarket(ctx context.Context, req OrderRequest) (*OrderAck, error)
	FlatPosition(ctx context.Context, segment domain.Segment, securityID string, quantity int) (*FlatAck, error)
	Position(ctx context.Context, segment domain.Segment, securityID string) (*BrokerPosition, error)
	OpenPositions(ctx context.Context) ([]BrokerPosition, error)
	WalletSnapshot(ctx context.Context) (*Wallet, error)
	LTPBatch(ctx context.Context, req map[domain.Segment][]string) (map[domain.Segment]map[string]float64, error)
	// AmendProtectiveStop moves the resting stop for an instrument.
	// Brokers without resting stops treat this as a soft no-op; the
	// controller's own watch remains authoritative either way.
	AmendProtectiveStop(ctx context.Context, segment domain.Segment, securityID string, stopPrice float64) error
}
