package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// Pruner sweeps stale warm tick entries. Index instruments and the
// protected set (watchlist plus live position sids) are never pruned,
// and pnl:* keys are outside its match entirely.
type Pruner struct {
	rdb        redis.Cmdable
	interval   time.Duration
	staleAfter time.Duration
	protected  func(domain.InstrumentKey) bool
	now        func() time.Time

	pruned  atomic.Int64
	scanErr atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPruner builds a sweeper. protected may be nil.
func NewPruner(rdb redis.Cmdable, interval, staleAfter time.Duration, protected func(domain.InstrumentKey) bool) *Pruner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &Pruner{
		rdb:        rdb,
		interval:   interval,
		staleAfter: staleAfter,
		protected:  protected,
		now:        time.Now,
	}
}

func (p *Pruner) Name() string { return "cache-pruner" }

// Start launches the sweep loop.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	done := make(chan struct{})
	p.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				n := p.Sweep(runCtx)
				if n > 0 {
					log.Debug().Int("pruned", n).Msg("Pruned stale warm ticks")
				}
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (p *Pruner) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass and returns how many keys were deleted.
func (p *Pruner) Sweep(ctx context.Context) int {
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, tickKeyPrefix+"*", 200).Result()
		if err != nil {
			p.scanErr.Add(1)
			log.Debug().Err(err).Msg("Warm cache scan failed, aborting sweep")
			return deleted
		}
		for _, key := range keys {
			if p.sweepKey(ctx, key) {
				deleted++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	p.pruned.Add(int64(deleted))
	return deleted
}

func (p *Pruner) sweepKey(ctx context.Context, key string) bool {
	ik, ok := ParseTickKey(key)
	if !ok {
		return false
	}
	// Index spots drive underlying checks; they stay warm all day.
	if ik.Segment.IsIndex() {
		return false
	}
	if p.protected != nil && p.protected(ik) {
		return false
	}

	updStr, err := p.rdb.HGet(ctx, key, "updated_at").Result()
	if err == redis.Nil {
		// No write stamp means the entry is junk.
		return p.del(ctx, key)
	}
	if err != nil {
		p.scanErr.Add(1)
		return false
	}
	upd, err := strconv.ParseInt(updStr, 10, 64)
	if err != nil {
		return p.del(ctx, key)
	}
	if p.now().Sub(time.Unix(upd, 0)) > p.staleAfter {
		return p.del(ctx, key)
	}
	return false
}

func (p *Pruner) del(ctx context.Context, key string) bool {
	if err := p.rdb.Del(ctx, key).Err(); err != nil {
		p.scanErr.Add(1)
		return false
	}
	return true
}

// Pruned returns the lifetime count of deleted keys.
func (p *Pruner) Pruned() int64 {
	return p.pruned.Load()
}
