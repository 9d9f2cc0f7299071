package feed

import (
	"sync"
	"time"
)

// FeedStatus is one feed's health snapshot.
type FeedStatus struct {
	LastSuccessAt time.Time     `json:"last_success_at"`
	Threshold     time.Duration `json:"threshold"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorAt   time.Time     `json:"last_error_at,omitempty"`
}

// Stale reports whether the feed has gone quiet past its threshold.
func (s FeedStatus) Stale(now time.Time) bool {
	if s.LastSuccessAt.IsZero() {
		return true
	}
	return now.Sub(s.LastSuccessAt) > s.Threshold
}

// FeedHealth tracks liveness per feed name ("ticks", "orders", ...).
type FeedHealth struct {
	mu    sync.RWMutex
	feeds map[string]FeedStatus
}

// NewFeedHealth creates an empty health registry.
func NewFeedHealth() *FeedHealth {
	return &FeedHealth{feeds: make(map[string]FeedStatus)}
}

// Register declares a feed and its staleness threshold.
func (h *FeedHealth) Register(name string, threshold time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.feeds[name]
	s.Threshold = threshold
	h.feeds[name] = s
}

// RecordSuccess stamps a fresh observation.
func (h *FeedHealth) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.feeds[name]
	s.LastSuccessAt = time.Now()
	h.feeds[name] = s
}

// RecordError stores the latest failure without resetting success.
func (h *FeedHealth) RecordError(name string, err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.feeds[name]
	s.LastError = err.Error()
	s.LastErrorAt = time.Now()
	h.feeds[name] = s
}

// IsStale applies the feed's threshold at the given instant.
func (h *FeedHealth) IsStale(name string, now time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.feeds[name]
	if !ok {
		return true
	}
	return s.Stale(now)
}

// LastSuccess returns the last success stamp for a feed.
func (h *FeedHealth) LastSuccess(name string) time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.feeds[name].LastSuccessAt
}

// Snapshot copies out all feed states.
func (h *FeedHealth) Snapshot() map[string]FeedStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]FeedStatus, len(h.feeds))
	for k, v := range h.feeds {
		out[k] = v
	}
	return out
}
