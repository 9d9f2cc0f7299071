// Package supervisor owns process lifecycle: components start in wiring
// order and stop in reverse, each within a bounded window. Components are
// independent goroutine owners; the supervisor never reaches into them
// beyond Start and Stop.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Component is one supervised unit. Start must return promptly after
// launching any internal goroutines; Stop must be idempotent and honour
// the context deadline.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StopTimeout bounds each component's shutdown.
const StopTimeout = 10 * time.Second

// Supervisor starts and stops an ordered component list.
type Supervisor struct {
	mu          sync.Mutex
	components  []Component
	started     []Component
	running     bool
	stopTimeout time.Duration
}

// New builds a supervisor over components in start order.
func New(components ...Component) *Supervisor {
	return &Supervisor{components: components, stopTimeout: StopTimeout}
}

// Add appends a component. Only valid before Start.
func (s *Supervisor) Add(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		log.Error().Str("component", c.Name()).Msg("Cannot add component while running")
		return
	}
	s.components = append(s.components, c)
}

// Start brings every component up in order. The first failure tears down
// what already started, in reverse, and returns the error.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	for _, c := range s.components {
		log.Info().Str("component", c.Name()).Msg("Starting component")
		if err := c.Start(ctx); err != nil {
			log.Error().Err(err).Str("component", c.Name()).Msg("Component failed to start")
			s.teardownLocked()
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		s.started = append(s.started, c)
	}
	s.running = true
	log.Info().Int("components", len(s.started)).Msg("Supervisor running")
	return nil
}

// Stop shuts everything down in reverse start order. Each component gets
// its own timeout; one slow or failing component never blocks the rest.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running && len(s.started) == 0 {
		return
	}
	s.teardownLocked()
	s.running = false
	log.Info().Msg("Supervisor stopped")
}

// IsRunning reports whether Start completed and Stop has not run.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) teardownLocked() {
	for i := len(s.started) - 1; i >= 0; i-- {
		c := s.started[i]
		ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		if err := c.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("component", c.Name()).Msg("Component stop failed")
		} else {
			log.Info().Str("component", c.Name()).Msg("Component stopped")
		}
		cancel()
	}
	s.started = nil
}

// Func adapts start/stop closures into a Component, for units whose
// lifecycle does not match the interface directly (the feed hub reports
// start failure as a bool, goroutine-free caches need no stop, and so on).
type Func struct {
	ComponentName string
	OnStart       func(ctx context.Context) error
	OnStop        func(ctx context.Context) error
}

// Name identifies the adapter in supervisor logs.
func (f Func) Name() string { return f.ComponentName }

// Start runs the start closure; a nil closure is a no-op.
func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

// Stop runs the stop closure; a nil closure is a no-op.
func (f Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}
