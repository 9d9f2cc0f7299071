package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// ErrNoPosition is returned when the broker holds nothing for the key.
var ErrNoPosition = errors.New("no open position")

// QuoteSource provides last traded prices for simulated fills. The hot
// tick cache satisfies it directly.
type QuoteSource interface {
	LTP(key domain.InstrumentKey) (float64, bool)
}

type paperPosition struct {
	segment domain.Segment
	sid     string
	symbol  string
	qty     int
	buyAvg  float64
}

// PaperGateway simulates the broker in-process: market orders fill at
// the last known LTP, a flat fee is charged per executed order, and
// synthesized fills stream from Updates() exactly like the live order
// feed would deliver them.
type PaperGateway struct {
	quotes  QuoteSource
	flatFee float64

	mu        sync.Mutex
	cash      float64
	realized  float64
	fees      float64
	positions map[domain.InstrumentKey]*paperPosition
	stops     map[domain.InstrumentKey]float64

	updates chan domain.OrderUpdate
	limiter *rate.Limiter
	now     func() time.Time
}

func NewPaperGateway(quotes QuoteSource, startingCash, flatFeePerOrder float64) *PaperGateway {
	return &PaperGateway{
		quotes:    quotes,
		flatFee:   flatFeePerOrder,
		cash:      startingCash,
		positions: make(map[domain.InstrumentKey]*paperPosition),
		stops:     make(map[domain.InstrumentKey]float64),
		updates:   make(chan domain.OrderUpdate, 256),
		// Shaped like a broker quote-API budget so paper runs surface
		// the same pacing the live gateway would.
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		now:     time.Now,
	}
}

// Updates streams synthesized order fills. Never closed; the consumer
// stops reading at shutdown.
func (g *PaperGateway) Updates() <-chan domain.OrderUpdate {
	return g.updates
}

func (g *PaperGateway) PlaceMarket(_ context.Context, req OrderRequest) (*OrderAck, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("paper order rejected: quantity %d", req.Quantity)
	}
	if req.SecurityID == "" || req.Segment == "" {
		return nil, errors.New("paper order rejected: missing instrument")
	}
	if req.TransactionType != domain.TxnBuy && req.TransactionType != domain.TxnSell {
		return nil, fmt.Errorf("paper order rejected: transaction type %q", req.TransactionType)
	}

	key := domain.InstrumentKey{Segment: req.Segment, SecurityID: req.SecurityID}
	ltp, ok := g.quotes.LTP(key)
	if !ok || ltp <= 0 {
		return nil, fmt.Errorf("paper order rejected: no quote for %s", key)
	}

	now := g.now()
	orderNo := newPaperOrderNo()

	g.mu.Lock()
	if req.TransactionType == domain.TxnBuy {
		g.applyBuy(key, req.Symbol, req.Quantity, ltp)
	} else {
		g.applySell(key, req.Quantity, ltp)
	}
	g.mu.Unlock()

	g.emit(domain.OrderUpdate{
		OrderNo:            orderNo,
		OrderStatus:        domain.OrderStatusTraded,
		TransactionType:    req.TransactionType,
		AverageTradedPrice: ltp,
		FilledQuantity:     req.Quantity,
		SecurityID:         req.SecurityID,
		Segment:            req.Segment,
		TS:                 now.Unix(),
	})

	log.Debug().
		Str("order_no", orderNo).
		Str("txn", req.TransactionType).
		Str("instrument", key.String()).
		Int("qty", req.Quantity).
		Float64("price", ltp).
		Msg("Paper order filled")

	return &OrderAck{OrderNo: orderNo, Status: domain.OrderStatusTraded, PlacedAt: now}, nil
}

func (g *PaperGateway) FlatPosition(_ context.Context, segment domain.Segment, securityID string, quantity int) (*FlatAck, error) {
	key := domain.InstrumentKey{Segment: segment, SecurityID: securityID}

	g.mu.Lock()
	if quantity <= 0 {
		if pos, ok := g.positions[key]; ok {
			quantity = pos.qty
		}
	}
	if quantity <= 0 {
		g.mu.Unlock()
		return nil, fmt.Errorf("flatten %s: %w", key, ErrNoPosition)
	}

	ltp, ok := g.quotes.LTP(key)
	if !ok || ltp <= 0 {
		// Without a quote fall back to the broker-side average so the
		// position can always be closed out.
		if pos, exists := g.positions[key]; exists && pos.buyAvg > 0 {
			ltp = pos.buyAvg
		} else {
			g.mu.Unlock()
			return nil, fmt.Errorf("flatten %s: no quote", key)
		}
	}
	g.applySell(key, quantity, ltp)
	g.mu.Unlock()

	now := g.now()
	orderNo := newPaperOrderNo()
	g.emit(domain.OrderUpdate{
		OrderNo:            orderNo,
		OrderStatus:        domain.OrderStatusTraded,
		TransactionType:    domain.TxnSell,
		AverageTradedPrice: ltp,
		FilledQuantity:     quantity,
		SecurityID:         securityID,
		Segment:            segment,
		TS:                 now.Unix(),
	})

	return &FlatAck{OrderNo: orderNo, AvgPrice: ltp, Quantity: quantity, PlacedAt: now}, nil
}

func (g *PaperGateway) Position(_ context.Context, segment domain.Segment, securityID string) (*BrokerPosition, error) {
	key := domain.InstrumentKey{Segment: segment, SecurityID: securityID}

	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[key]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", key, ErrNoPosition)
	}
	return g.export(pos), nil
}

func (g *PaperGateway) OpenPositions(_ context.Context) ([]BrokerPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]BrokerPosition, 0, len(g.positions))
	for _, pos := range g.positions {
		out = append(out, *g.export(pos))
	}
	return out, nil
}

func (g *PaperGateway) WalletSnapshot(_ context.Context) (*Wallet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &Wallet{CashRupees: g.cash, RealizedPnL: g.realized, FeesPaid: g.fees}, nil
}

func (g *PaperGateway) LTPBatch(ctx context.Context, req map[domain.Segment][]string) (map[domain.Segment]map[string]float64, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out := make(map[domain.Segment]map[string]float64, len(req))
	for segment, sids := range req {
		for _, sid := range sids {
			ltp, ok := g.quotes.LTP(domain.InstrumentKey{Segment: segment, SecurityID: sid})
			if !ok || ltp <= 0 {
				continue
			}
			if out[segment] == nil {
				out[segment] = make(map[string]float64, len(sids))
			}
			out[segment][sid] = ltp
		}
	}
	return out, nil
}

// AmendProtectiveStop records the requested stop. Paper trading has no
// resting orders; the controller's own stop watch does the work.
func (g *PaperGateway) AmendProtectiveStop(_ context.Context, segment domain.Segment, securityID string, stopPrice float64) error {
	if stopPrice <= 0 {
		return fmt.Errorf("amend stop %s:%s: price %.2f", segment, securityID, stopPrice)
	}
	g.mu.Lock()
	g.stops[domain.InstrumentKey{Segment: segment, SecurityID: securityID}] = stopPrice
	g.mu.Unlock()
	return nil
}

// ProtectiveStop returns the last amended stop for an instrument.
func (g *PaperGateway) ProtectiveStop(segment domain.Segment, securityID string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	stop, ok := g.stops[domain.InstrumentKey{Segment: segment, SecurityID: securityID}]
	return stop, ok
}

// applyBuy and applySell require g.mu held.

func (g *PaperGateway) applyBuy(key domain.InstrumentKey, symbol string, qty int, price float64) {
	pos, ok := g.positions[key]
	if !ok {
		pos = &paperPosition{segment: key.Segment, sid: key.SecurityID, symbol: symbol}
		g.positions[key] = pos
	}
	total := pos.buyAvg*float64(pos.qty) + price*float64(qty)
	pos.qty += qty
	pos.buyAvg = total / float64(pos.qty)
	if symbol != "" {
		pos.symbol = symbol
	}

	g.cash -= price*float64(qty) + g.flatFee
	g.fees += g.flatFee
}

func (g *PaperGateway) applySell(key domain.InstrumentKey, qty int, price float64) {
	g.cash += price*float64(qty) - g.flatFee
	g.fees += g.flatFee

	pos, ok := g.positions[key]
	if !ok {
		return
	}
	sold := qty
	if sold > pos.qty {
		sold = pos.qty
	}
	g.realized += (price - pos.buyAvg) * float64(sold)
	pos.qty -= sold
	if pos.qty <= 0 {
		delete(g.positions, key)
		delete(g.stops, key)
	}
}

func (g *PaperGateway) export(pos *paperPosition) *BrokerPosition {
	ltp, _ := g.quotes.LTP(domain.InstrumentKey{Segment: pos.segment, SecurityID: pos.sid})
	return &BrokerPosition{
		Segment:    pos.segment,
		SecurityID: pos.sid,
		Symbol:     pos.symbol,
		NetQty:     pos.qty,
		BuyAvg:     pos.buyAvg,
		LTP:        ltp,
	}
}

func (g *PaperGateway) emit(u domain.OrderUpdate) {
	select {
	case g.updates <- u:
	default:
		log.Warn().Str("order_no", u.OrderNo).Msg("Paper update channel full, dropping")
	}
}

func newPaperOrderNo() string {
	return "PAPER-" + uuid.New().String()[:8]
}
