package entry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
)

// PickQueueKey is the Redis list external signal generators push picks
// onto. The intake pops from the tail so picks are admitted in arrival
// order.
const PickQueueKey = "signals:picks"

// pollTimeout bounds each blocking pop so shutdown stays responsive.
const pollTimeout = time.Second

// QueuedPick is the wire form of one entry signal.
type QueuedPick struct {
	Index           string           `json:"index"`
	SecurityID      string           `json:"security_id"`
	Segment         domain.Segment   `json:"segment"`
	Symbol          string           `json:"symbol"`
	LTP             float64          `json:"ltp"`
	Direction       domain.Direction `json:"direction"`
	ScaleMultiplier float64          `json:"scale_multiplier"`
}

// Intake drains the pick queue and runs each signal through the guard.
// Signal generation itself lives outside this process; the queue is the
// only coupling.
type Intake struct {
	rdb     redis.Cmdable
	guard   *Guard
	indices []config.IndexConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewIntake builds the queue consumer.
func NewIntake(rdb redis.Cmdable, guard *Guard, indices []config.IndexConfig) *Intake {
	return &Intake{rdb: rdb, guard: guard, indices: indices}
}

// Name identifies the intake in supervisor logs.
func (i *Intake) Name() string { return "signal-intake" }

// Start launches the queue drain goroutine.
func (i *Intake) Start(context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.loop(runCtx)
	return nil
}

// Stop cancels the drain loop and waits for it within ctx.
func (i *Intake) Stop(ctx context.Context) error {
	if i.cancel == nil {
		return nil
	}
	i.cancel()
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Intake) loop(ctx context.Context) {
	defer close(i.done)
	log.Info().Str("queue", PickQueueKey).Msg("Signal intake started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Signal intake stopped")
			return
		default:
		}
		vals, err := i.rdb.BRPop(ctx, pollTimeout, PickQueueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Signal intake stopped")
				return
			}
			log.Warn().Err(err).Msg("Pick queue read failed")
			select {
			case <-ctx.Done():
			case <-time.After(pollTimeout):
			}
			continue
		}
		// BRPop returns [key, value].
		if len(vals) == 2 {
			i.Process(ctx, []byte(vals[1]))
		}
	}
}

// Process admits one encoded pick. Exported so tests and replay tools
// can push picks without the queue.
func (i *Intake) Process(ctx context.Context, payload []byte) bool {
	var qp QueuedPick
	if err := json.Unmarshal(payload, &qp); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed pick")
		return false
	}
	idx, ok := i.indexByKey(qp.Index)
	if !ok {
		log.Warn().Str("index", qp.Index).Msg("Dropping pick for unconfigured index")
		return false
	}
	if !idx.Enabled {
		log.Debug().Str("index", qp.Index).Msg("Dropping pick, index disabled")
		return false
	}
	direction := qp.Direction
	if direction != domain.DirectionBullish && direction != domain.DirectionBearish {
		log.Warn().Str("direction", string(qp.Direction)).Msg("Dropping pick with unknown direction")
		return false
	}
	scale := qp.ScaleMultiplier
	if scale <= 0 {
		scale = 1.0
	}
	pick := Pick{
		SecurityID: qp.SecurityID,
		Segment:    qp.Segment,
		Symbol:     qp.Symbol,
		LTP:        qp.LTP,
	}
	admitted := i.guard.TryEnter(ctx, idx, pick, direction, scale)
	log.Info().
		Str("index", qp.Index).
		Str("symbol", qp.Symbol).
		Bool("admitted", admitted).
		Msg("Pick processed")
	return admitted
}

func (i *Intake) indexByKey(key string) (config.IndexConfig, bool) {
	for _, idx := range i.indices {
		if idx.Key == key {
			return idx, true
		}
	}
	return config.IndexConfig{}, false
}
