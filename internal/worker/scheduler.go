package worker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Scheduler feeds jobs to a single consumer no faster than its limiter
// allows. Offering a job that is already queued is a no-op.
type Scheduler[T comparable] struct {
	jobs    chan T
	limiter *rate.Limiter

	mu     sync.Mutex
	queued map[T]struct{}
}

func NewScheduler[T comparable](limit rate.Limit, burst, queue int) *Scheduler[T] {
	if burst <= 0 {
		burst = 1
	}
	if queue <= 0 {
		queue = 64
	}
	return &Scheduler[T]{
		jobs:    make(chan T, queue),
		limiter: rate.NewLimiter(limit, burst),
		queued:  make(map[T]struct{}),
	}
}

// Offer queues job without blocking. It reports false when the job could
// not be queued because the queue is full; the caller offers it again later.
func (s *Scheduler[T]) Offer(job T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[job]; ok {
		return true
	}
	select {
	case s.jobs <- job:
		s.queued[job] = struct{}{}
		return true
	default:
		// consumer busy
		return false
	}
}

func (s *Scheduler[T]) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// Run hands queued jobs to fn until ctx is done.
func (s *Scheduler[T]) Run(ctx context.Context, fn func(ctx context.Context, job T)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.jobs:
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			s.mu.Lock()
			delete(s.queued, job)
			s.mu.Unlock()
			fn(ctx, job)
		}
	}
}
