package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/domain"
)

// QuoteGateway is the quote slice of the broker gateway.
type QuoteGateway interface {
	LTPBatch(ctx context.Context, req map[domain.Segment][]string) (map[domain.Segment]map[string]float64, error)
}

// PaperRefresher pulls quotes for held strikes when no live feed runs
// (paper sessions). Each segment is one RPC behind a circuit breaker so
// a dead quote API degrades the refresh instead of stalling the cadence.
type PaperRefresher struct {
	gateway QuoteGateway
	hot     *cache.TickCache
	warm    *cache.WarmCache
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

// NewPaperRefresher wraps the gateway quote path. The breaker opens after
// five consecutive failures and probes again after 60 s.
func NewPaperRefresher(gateway QuoteGateway, hot *cache.TickCache, warm *cache.WarmCache) *PaperRefresher {
	settings := gobreaker.Settings{
		Name:    "paper-quotes",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Quote breaker state changed")
		},
	}
	return &PaperRefresher{
		gateway: gateway,
		hot:     hot,
		warm:    warm,
		breaker: gobreaker.NewCircuitBreaker(settings),
		now:     time.Now,
	}
}

// Refresh fetches LTPs for the given instruments, one RPC per segment,
// and writes them into the hot and warm caches. It returns the number of
// prices applied and the last per-segment error, if any.
func (r *PaperRefresher) Refresh(ctx context.Context, keys []domain.InstrumentKey) (int, error) {
	if len(keys) == 0 || r.gateway == nil {
		return 0, nil
	}

	bySegment := make(map[domain.Segment][]string)
	seen := make(map[domain.InstrumentKey]bool, len(keys))
	for _, k := range keys {
		if k.SecurityID == "" || seen[k] {
			continue
		}
		seen[k] = true
		bySegment[k.Segment] = append(bySegment[k.Segment], k.SecurityID)
	}

	applied := 0
	var lastErr error
	for segment, sids := range bySegment {
		res, err := r.breaker.Execute(func() (interface{}, error) {
			return r.gateway.LTPBatch(ctx, map[domain.Segment][]string{segment: sids})
		})
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("segment", string(segment)).Msg("Quote batch failed")
			continue
		}
		quotes, ok := res.(map[domain.Segment]map[string]float64)
		if !ok {
			continue
		}
		applied += r.apply(ctx, quotes)
	}
	return applied, lastErr
}

func (r *PaperRefresher) apply(ctx context.Context, quotes map[domain.Segment]map[string]float64) int {
	now := r.now()
	applied := 0
	for segment, sids := range quotes {
		for sid, ltp := range sids {
			if ltp <= 0 {
				continue
			}
			t := domain.Tick{
				Segment:    segment,
				SecurityID: sid,
				LTP:        ltp,
				Kind:       domain.TickKindQuote,
				TS:         now.Unix(),
				ReceivedAt: now,
			}
			if r.hot != nil {
				r.hot.Put(t)
			}
			if r.warm != nil {
				r.warm.StoreTick(ctx, t)
			}
			applied++
		}
	}
	return applied
}

// BreakerState exposes the quote breaker for health endpoints.
func (r *PaperRefresher) BreakerState() gobreaker.State {
	return r.breaker.State()
}
