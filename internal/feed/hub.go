package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
)

// FeedTicks is the health-registry name for the market stream.
const FeedTicks = "ticks"

// TickListener consumes fanned-out ticks. Errors are logged and
// swallowed; a listener can never stall or kill the feed.
type TickListener func(domain.Tick) error

type listener struct {
	name    string
	fn      TickListener
	ch      chan domain.Tick
	dropped atomic.Int64
}

// Hub is the single streaming gateway: one upstream transport, a hot
// cache writer, a warm mirror and bounded listener fan-out.
type Hub struct {
	cfg       config.FeedConfig
	transport Transport
	hot       *cache.TickCache
	warm      *cache.WarmCache
	health    *FeedHealth

	mu         sync.RWMutex
	subscribed map[domain.InstrumentKey]struct{}
	listeners  []*listener
	running    bool
	cancel     context.CancelFunc
	loopsDone  chan struct{}

	pumpCh      chan domain.Tick
	pumpDropped atomic.Int64
	lastTickNS  atomic.Int64
}

// NewHub wires the hub. warm may be nil (hot-only operation).
func NewHub(cfg config.FeedConfig, transport Transport, hot *cache.TickCache, warm *cache.WarmCache, health *FeedHealth) *Hub {
	if health == nil {
		health = NewFeedHealth()
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	health.Register(FeedTicks, staleAfter)

	return &Hub{
		cfg:        cfg,
		transport:  transport,
		hot:        hot,
		warm:       warm,
		health:     health,
		subscribed: make(map[domain.InstrumentKey]struct{}),
		pumpCh:     make(chan domain.Tick, 4096),
	}
}

// Start connects and launches the read and fan-out loops. A false
// return means the connect failed and everything was torn down.
func (h *Hub) Start(ctx context.Context) bool {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return true
	}

	if err := h.transport.Connect(ctx); err != nil {
		h.mu.Unlock()
		h.health.RecordError(FeedTicks, err)
		log.Error().Err(err).Msg("Feed hub start failed")
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.loopsDone = make(chan struct{})
	h.running = true
	h.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.readLoop(runCtx) }()
	go func() { defer wg.Done(); h.pumpLoop(runCtx) }()
	go func() { wg.Wait(); close(h.loopsDone) }()

	log.Info().Msg("Feed hub started")
	return true
}

// Stop tears down the transport and waits for the loops to drain.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	done := h.loopsDone
	h.mu.Unlock()

	cancel()
	h.transport.Close()
	<-done

	// Listener queues close after the pump stops feeding them.
	h.mu.Lock()
	ls := h.listeners
	h.listeners = nil
	h.mu.Unlock()
	for _, l := range ls {
		close(l.ch)
	}

	log.Info().Msg("Feed hub stopped")
}

// IsRunning reports whether Start succeeded and Stop has not run.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// IsConnected is true when a tick arrived recently or the transport
// itself reports a live connection.
func (h *Hub) IsConnected() bool {
	staleAfter := h.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	if ns := h.lastTickNS.Load(); ns > 0 {
		if time.Since(time.Unix(0, ns)) <= staleAfter {
			return true
		}
	}
	return h.transport.IsConnected()
}

// Health exposes the feed health registry.
func (h *Hub) Health() *FeedHealth {
	return h.health
}

// Subscribe registers instruments. Already-subscribed keys are not
// re-sent upstream. Send failures are swallowed: the subscription set is
// authoritative and is replayed after reconnect.
func (h *Hub) Subscribe(ctx context.Context, keys ...domain.InstrumentKey) error {
	h.mu.Lock()
	fresh := make([]domain.InstrumentKey, 0, len(keys))
	for _, k := range keys {
		if k.SecurityID == "" {
			continue
		}
		if _, dup := h.subscribed[k]; dup {
			continue
		}
		h.subscribed[k] = struct{}{}
		fresh = append(fresh, k)
	}
	h.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	h.sendBatched(ctx, ActionSubscribe, fresh)
	return nil
}

// Unsubscribe removes instruments from the set and tells the upstream.
func (h *Hub) Unsubscribe(ctx context.Context, keys ...domain.InstrumentKey) error {
	h.mu.Lock()
	gone := make([]domain.InstrumentKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := h.subscribed[k]; ok {
			delete(h.subscribed, k)
			gone = append(gone, k)
		}
	}
	h.mu.Unlock()

	if len(gone) == 0 {
		return nil
	}
	h.sendBatched(ctx, ActionUnsubscribe, gone)
	return nil
}

// IsSubscribed reports membership in the subscription set.
func (h *Hub) IsSubscribed(key domain.InstrumentKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subscribed[key]
	return ok
}

// SubscribedCount returns the size of the subscription set.
func (h *Hub) SubscribedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribed)
}

// OnTick registers a named listener with a bounded queue. Slow
// listeners drop ticks; they never back-pressure the feed.
func (h *Hub) OnTick(name string, fn TickListener) {
	l := &listener{
		name: name,
		fn:   fn,
		ch:   make(chan domain.Tick, 1024),
	}
	go func() {
		for tick := range l.ch {
			if err := l.fn(tick); err != nil {
				log.Warn().Err(err).Str("listener", l.name).Msg("Tick listener error")
			}
		}
	}()

	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// sendBatched splits instrument lists to the configured cap per frame.
func (h *Hub) sendBatched(ctx context.Context, action SubscriptionAction, keys []domain.InstrumentKey) {
	batch := h.cfg.SubscribeBatchSize
	if batch <= 0 || batch > 100 {
		batch = 100
	}
	for start := 0; start < len(keys); start += batch {
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		req := SubscriptionRequest{Action: action, Instruments: keys[start:end]}
		if err := h.transport.Send(ctx, req); err != nil {
			h.health.RecordError(FeedTicks, err)
			log.Warn().Err(err).Str("action", string(action)).Int("instruments", end-start).
				Msg("Subscription send failed, will replay after reconnect")
		}
	}
}

func (h *Hub) readLoop(ctx context.Context) {
	minBackoff := h.cfg.ReconnectMin
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	maxBackoff := h.cfg.ReconnectMax
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	backoff := minBackoff

	for ctx.Err() == nil {
		tick, err := h.transport.ReadTick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.health.RecordError(FeedTicks, err)
			log.Warn().Err(err).Msg("Feed read failed, reconnecting")

			h.transport.Close()
			if !h.reconnect(ctx, &backoff, maxBackoff, minBackoff) {
				return
			}
			continue
		}

		backoff = minBackoff
		h.lastTickNS.Store(tick.ReceivedAt.UnixNano())
		h.health.RecordSuccess(FeedTicks)
		if h.hot != nil {
			h.hot.Put(tick)
		}

		select {
		case h.pumpCh <- tick:
		default:
			h.pumpDropped.Add(1)
		}
	}
}

// reconnect dials with exponential backoff and replays the subscription
// set. Returns false only when ctx died.
func (h *Hub) reconnect(ctx context.Context, backoff *time.Duration, maxBackoff, minBackoff time.Duration) bool {
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(*backoff):
		}

		if err := h.transport.Connect(ctx); err != nil {
			h.health.RecordError(FeedTicks, err)
			log.Warn().Err(err).Dur("backoff", *backoff).Msg("Feed reconnect failed")
			*backoff *= 2
			if *backoff > maxBackoff {
				*backoff = maxBackoff
			}
			continue
		}

		h.mu.RLock()
		all := make([]domain.InstrumentKey, 0, len(h.subscribed))
		for k := range h.subscribed {
			all = append(all, k)
		}
		h.mu.RUnlock()

		h.sendBatched(ctx, ActionSubscribe, all)
		*backoff = minBackoff
		log.Info().Int("resubscribed", len(all)).Msg("Feed reconnected")
		return true
	}
	return false
}

func (h *Hub) pumpLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-h.pumpCh:
			if h.warm != nil && tick.LTP > 0 {
				h.warm.StoreTick(ctx, tick)
			}
			h.fanOut(tick)
		}
	}
}

func (h *Hub) fanOut(tick domain.Tick) {
	h.mu.RLock()
	ls := h.listeners
	h.mu.RUnlock()

	for _, l := range ls {
		select {
		case l.ch <- tick:
		default:
			if n := l.dropped.Add(1); n == 1 || n%1000 == 0 {
				log.Warn().Str("listener", l.name).Int64("dropped", n).Msg("Slow tick listener dropping")
			}
		}
	}
}

// Dropped returns (pump, listener-total) drop counts for metrics.
func (h *Hub) Dropped() (int64, int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var listenerDrops int64
	for _, l := range h.listeners {
		listenerDrops += l.dropped.Load()
	}
	return h.pumpDropped.Load(), listenerDrops
}
