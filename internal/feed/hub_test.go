package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
)

// fakeTransport feeds ticks and errors from channels and records every
// control frame it is asked to send.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
	closes     int
	sends      []SubscriptionRequest

	ticks    chan domain.Tick
	readErrs chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		ticks:    make(chan domain.Tick, 64),
		readErrs: make(chan error, 4),
	}
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Send(_ context.Context, req SubscriptionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	return nil
}

func (f *fakeTransport) ReadTick(ctx context.Context) (domain.Tick, error) {
	select {
	case <-ctx.Done():
		return domain.Tick{}, ctx.Err()
	case tick := <-f.ticks:
		return tick, nil
	case err := <-f.readErrs:
		return domain.Tick{}, err
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closes++
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) sentFrames() []SubscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SubscriptionRequest, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeTransport) resetSends() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = nil
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeTransport) pushTick(t *testing.T, tick domain.Tick) {
	t.Helper()
	tick.ReceivedAt = time.Now()
	select {
	case f.ticks <- tick:
	case <-time.After(2 * time.Second):
		t.Fatal("fake transport tick buffer stuck")
	}
}

func fnoKey(sid string) domain.InstrumentKey {
	return domain.InstrumentKey{Segment: domain.SegmentNSEFNO, SecurityID: sid}
}

func hubConfig() config.FeedConfig {
	return config.FeedConfig{
		ReconnectMin:       5 * time.Millisecond,
		ReconnectMax:       20 * time.Millisecond,
		SubscribeBatchSize: 100,
		StaleAfter:         30 * time.Second,
	}
}

func startHub(t *testing.T, cfg config.FeedConfig, ft *fakeTransport) *Hub {
	t.Helper()
	h := NewHub(cfg, ft, cache.NewTickCache(), nil, NewFeedHealth())
	require.True(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)
	return h
}

func TestHubStartFailsWhenConnectFails(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnectErr(errors.New("dial refused"))

	h := NewHub(hubConfig(), ft, cache.NewTickCache(), nil, NewFeedHealth())
	assert.False(t, h.Start(context.Background()))
	assert.False(t, h.IsRunning())
}

func TestHubSubscribeDedupesAndBatches(t *testing.T) {
	ft := newFakeTransport()
	cfg := hubConfig()
	cfg.SubscribeBatchSize = 2
	h := startHub(t, cfg, ft)

	keys := []domain.InstrumentKey{
		fnoKey("49081"), fnoKey("49082"), fnoKey("49083"),
		fnoKey("49084"), fnoKey("49085"),
		fnoKey("49081"), // duplicate in the same call
	}
	require.NoError(t, h.Subscribe(context.Background(), keys...))

	frames := ft.sentFrames()
	require.Len(t, frames, 3)
	assert.Len(t, frames[0].Instruments, 2)
	assert.Len(t, frames[1].Instruments, 2)
	assert.Len(t, frames[2].Instruments, 1)
	for _, fr := range frames {
		assert.Equal(t, ActionSubscribe, fr.Action)
	}
	assert.Equal(t, 5, h.SubscribedCount())
	assert.True(t, h.IsSubscribed(fnoKey("49083")))

	// A repeat subscription sends nothing upstream.
	ft.resetSends()
	require.NoError(t, h.Subscribe(context.Background(), fnoKey("49081"), fnoKey("49085")))
	assert.Empty(t, ft.sentFrames())
	assert.Equal(t, 5, h.SubscribedCount())
}

func TestHubUnsubscribeIgnoresUnknownKeys(t *testing.T) {
	ft := newFakeTransport()
	h := startHub(t, hubConfig(), ft)

	require.NoError(t, h.Subscribe(context.Background(), fnoKey("49081"), fnoKey("49082")))
	ft.resetSends()

	require.NoError(t, h.Unsubscribe(context.Background(), fnoKey("49082"), fnoKey("77777")))

	frames := ft.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, ActionUnsubscribe, frames[0].Action)
	require.Len(t, frames[0].Instruments, 1)
	assert.Equal(t, "49082", frames[0].Instruments[0].SecurityID)
	assert.Equal(t, 1, h.SubscribedCount())
	assert.False(t, h.IsSubscribed(fnoKey("49082")))
}

func TestHubDeliversTicksToCacheAndListeners(t *testing.T) {
	ft := newFakeTransport()
	hot := cache.NewTickCache()
	h := NewHub(hubConfig(), ft, hot, nil, NewFeedHealth())
	require.True(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)

	var got atomic.Int64
	h.OnTick("counter", func(domain.Tick) error {
		got.Add(1)
		return nil
	})

	for i := 1; i <= 3; i++ {
		ft.pushTick(t, domain.Tick{
			Segment:    domain.SegmentNSEFNO,
			SecurityID: "49081",
			LTP:        100 + float64(i),
			Kind:       domain.TickKindTicker,
			TS:         int64(i),
		})
	}

	assert.Eventually(t, func() bool { return got.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	ltp, ok := hot.LTP(fnoKey("49081"))
	require.True(t, ok)
	assert.Equal(t, 103.0, ltp)
	assert.False(t, h.Health().IsStale(FeedTicks, time.Now()))
}

func TestHubListenerErrorsDoNotStopDelivery(t *testing.T) {
	ft := newFakeTransport()
	h := startHub(t, hubConfig(), ft)

	var calls atomic.Int64
	h.OnTick("flaky", func(domain.Tick) error {
		calls.Add(1)
		return errors.New("downstream hiccup")
	})

	for i := 1; i <= 5; i++ {
		ft.pushTick(t, domain.Tick{
			Segment:    domain.SegmentNSEFNO,
			SecurityID: "49081",
			LTP:        100,
			TS:         int64(i),
		})
	}

	assert.Eventually(t, func() bool { return calls.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubReconnectReplaysSubscriptions(t *testing.T) {
	ft := newFakeTransport()
	h := startHub(t, hubConfig(), ft)

	require.NoError(t, h.Subscribe(context.Background(),
		fnoKey("49081"), fnoKey("49082"), fnoKey("49083")))
	ft.resetSends()

	ft.readErrs <- errors.New("connection reset by peer")

	assert.Eventually(t, func() bool { return ft.connectCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, fr := range ft.sentFrames() {
			if fr.Action == ActionSubscribe && len(fr.Instruments) == 3 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The stream still works after the reconnect.
	var got atomic.Int64
	h.OnTick("post-reconnect", func(domain.Tick) error {
		got.Add(1)
		return nil
	})
	ft.pushTick(t, domain.Tick{Segment: domain.SegmentNSEFNO, SecurityID: "49081", LTP: 101, TS: 10})
	assert.Eventually(t, func() bool { return got.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubIsConnectedTracksTickRecency(t *testing.T) {
	ft := newFakeTransport()
	cfg := hubConfig()
	cfg.StaleAfter = 60 * time.Millisecond
	h := startHub(t, cfg, ft)

	// Transport is live, so the hub is connected even before any tick.
	assert.True(t, h.IsConnected())

	ft.pushTick(t, domain.Tick{Segment: domain.SegmentNSEFNO, SecurityID: "49081", LTP: 100, TS: 1})

	// Kill the transport and keep reconnects failing. Once the last tick
	// ages past the staleness window the hub reports disconnected.
	ft.setConnectErr(errors.New("dial refused"))
	ft.readErrs <- errors.New("connection reset by peer")

	assert.Eventually(t, func() bool { return !h.IsConnected() }, 2*time.Second, 10*time.Millisecond)
}

func TestHubSlowListenerDropsWithoutBlockingOthers(t *testing.T) {
	ft := newFakeTransport()
	h := startHub(t, hubConfig(), ft)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.OnTick("stuck", func(domain.Tick) error {
		<-release
		return nil
	})

	var healthy atomic.Int64
	h.OnTick("healthy", func(domain.Tick) error {
		healthy.Add(1)
		return nil
	})

	const total = 1200
	for i := 1; i <= total; i++ {
		ft.pushTick(t, domain.Tick{
			Segment:    domain.SegmentNSEFNO,
			SecurityID: "49081",
			LTP:        100,
			TS:         int64(i),
		})
	}

	assert.Eventually(t, func() bool { return healthy.Load() == total }, 5*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, listenerDrops := h.Dropped()
		return listenerDrops > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubStopIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	h := NewHub(hubConfig(), ft, cache.NewTickCache(), nil, NewFeedHealth())
	require.True(t, h.Start(context.Background()))
	assert.True(t, h.IsRunning())

	h.Stop()
	h.Stop()
	assert.False(t, h.IsRunning())
}
