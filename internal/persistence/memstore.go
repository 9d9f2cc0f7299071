package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// MemStore is an in-process TrackerStore used when database persistence is
// disabled (paper sessions, tests). It mirrors the Postgres repo's
// transition rules, including idempotent exit finalization.
type MemStore struct {
	mu       sync.RWMutex
	trackers map[string]*domain.Tracker
	byOrder  map[string]string
}

// NewMemStore returns an empty in-memory tracker store.
func NewMemStore() *MemStore {
	return &MemStore{
		trackers: make(map[string]*domain.Tracker),
		byOrder:  make(map[string]string),
	}
}

func (s *MemStore) Create(_ context.Context, t *domain.Tracker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := cloneTracker(t)
	s.trackers[t.ID] = cp
	if t.OrderNo != "" {
		s.byOrder[t.OrderNo] = t.ID
	}
	return nil
}

func (s *MemStore) GetByID(_ context.Context, id string) (*domain.Tracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trackers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTracker(t), nil
}

func (s *MemStore) GetByIDs(_ context.Context, ids []string) (map[string]*domain.Tracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*domain.Tracker, len(ids))
	for _, id := range ids {
		if t, ok := s.trackers[id]; ok {
			out[id] = cloneTracker(t)
		}
	}
	return out, nil
}

func (s *MemStore) GetByOrderNo(_ context.Context, orderNo string) (*domain.Tracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOrder[orderNo]
	if !ok {
		return nil, ErrNotFound
	}
	t, ok := s.trackers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTracker(t), nil
}

func (s *MemStore) ListByStatus(_ context.Context, statuses ...domain.TrackerStatus) ([]*domain.Tracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[domain.TrackerStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*domain.Tracker
	for _, t := range s.trackers {
		if want[t.Status] {
			out = append(out, cloneTracker(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdatePnL(_ context.Context, id string, pnl, pnlPct, hwm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[id]
	if !ok {
		return ErrNotFound
	}
	t.LastPnLRupees = pnl
	t.LastPnLPct = pnlPct
	if hwm > t.HighWaterMarkPnL {
		t.HighWaterMarkPnL = hwm
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) MarkActive(_ context.Context, id string, avgPrice float64, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[id]
	if !ok {
		return ErrNotFound
	}
	if !t.Status.CanTransitionTo(domain.StatusActive) {
		return ErrInvalidTransition
	}
	t.Status = domain.StatusActive
	if avgPrice > 0 {
		t.AvgPrice = avgPrice
		if t.EntryPrice <= 0 {
			t.EntryPrice = avgPrice
		}
	}
	if qty > 0 {
		t.Quantity = qty
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) MarkCancelled(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[id]
	if !ok {
		return ErrNotFound
	}
	if !t.Status.CanTransitionTo(domain.StatusCancelled) {
		return ErrInvalidTransition
	}
	t.Status = domain.StatusCancelled
	t.ExitReason = reason
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) MarkExited(_ context.Context, id string, fin ExitFinalization) (*domain.Tracker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if t.IsTerminal() {
		return cloneTracker(t), false, nil
	}
	if !t.Status.CanTransitionTo(domain.StatusExited) {
		return nil, false, ErrInvalidTransition
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
	t.UpdatedAt = time.Now()
	return cloneTracker(t), true, nil
}

func (s *MemStore) SetMeta(_ context.Context, id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[id]
	if !ok {
		return ErrNotFound
	}
	t.SetMeta(key, value)
	t.UpdatedAt = time.Now()
	return nil
}

func cloneTracker(t *domain.Tracker) *domain.Tracker {
	cp := *t
	if t.Meta != nil {
		cp.Meta = make(map[string]string, len(t.Meta))
		for k, v := range t.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
