package reconcile

import (
	"sync"
	"time"
)

const DefaultSettleDelay = 150 * time.Millisecond

type SchedulerOptions[K comparable] struct {
	// SettleDelay is how long a key waits before its pull fires, so the source
	// of truth has caught up with the write that caused the signal.
	SettleDelay time.Duration
	Fire        func(key K)
	// OnCoalesce is called when a Schedule collapses into an armed timer.
	OnCoalesce func(key K)
	// OnFire is called just before Fire with the time since the key was armed.
	OnFire func(key K, waited time.Duration)
}

type pendingPull struct {
	timer   *time.Timer
	armedAt time.Time
}

// Scheduler debounces pulls per key: the first Schedule arms a timer, later
// calls while it is armed are absorbed without restarting it.
type Scheduler[K comparable] struct {
	delay      time.Duration
	fire       func(K)
	onCoalesce func(K)
	onFire     func(K, time.Duration)

	mu      sync.Mutex
	pending map[K]*pendingPull
}

func NewScheduler[K comparable](opts SchedulerOptions[K]) *Scheduler[K] {
	delay := opts.SettleDelay
	if delay <= 0 {
		delay = DefaultSettleDelay
	}
	return &Scheduler[K]{
		delay:      delay,
		fire:       opts.Fire,
		onCoalesce: opts.OnCoalesce,
		onFire:     opts.OnFire,
		pending:    map[K]*pendingPull{},
	}
}

func (s *Scheduler[K]) SettleDelay() time.Duration {
	return s.delay
}

// Schedule arms the timer for key and reports whether it did; false means a
// pull for key was already pending.
func (s *Scheduler[K]) Schedule(key K) bool {
	s.mu.Lock()
	if _, armed := s.pending[key]; armed {
		s.mu.Unlock()
		if s.onCoalesce != nil {
			s.onCoalesce(key)
		}
		return false
	}
	p := &pendingPull{armedAt: time.Now()}
	p.timer = time.AfterFunc(s.delay, func() { s.run(key, p) })
	s.pending[key] = p
	s.mu.Unlock()
	return true
}

func (s *Scheduler[K]) Pending(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Stop disarms every pending timer. The scheduler stays usable.
func (s *Scheduler[K]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
}

func (s *Scheduler[K]) run(key K, p *pendingPull) {
	s.mu.Lock()
	// Stop may have raced with the timer firing.
	if s.pending[key] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()
	if s.onFire != nil {
		s.onFire(key, time.Since(p.armedAt))
	}
	if s.fire != nil {
		s.fire(key)
	}
}
