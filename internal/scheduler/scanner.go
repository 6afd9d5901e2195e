package scheduler

import (
	"context"
	"sync"
	"time"

	"post-scheduler/internal/observability"
)

const (
	defaultScanInterval = 60 * time.Second
	defaultPoolSize     = 4
	defaultScanLimit    = 100
)

// Scanner drives the publish engine: on every tick it selects due posts and
// hands them to the worker pool. It keeps an in-process in-flight set so a
// slow attempt from a previous tick is never dispatched a second time.
type Scanner struct {
	store    Store
	worker   *Worker
	logger   *observability.Logger
	interval time.Duration
	poolSize int
	limit    int

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewScanner(store Store, worker *Worker, logger *observability.Logger) *Scanner {
	return &Scanner{
		store:    store,
		worker:   worker,
		logger:   logger,
		interval: defaultScanInterval,
		poolSize: defaultPoolSize,
		limit:    defaultScanLimit,
		inflight: make(map[string]struct{}),
	}
}

func (s *Scanner) WithInterval(interval time.Duration) {
	if interval > 0 {
		s.interval = interval
	}
}

func (s *Scanner) WithPoolSize(size int) {
	if size > 0 {
		s.poolSize = size
	}
}

// Run ticks until the context is cancelled, then waits for in-flight
// attempts to finish.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	sem := make(chan struct{}, s.poolSize)
	var wg sync.WaitGroup

	s.logger.Info("scheduler_started", map[string]any{
		"interval_seconds": int(s.interval.Seconds()),
		"pool_size":        s.poolSize,
	})

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("scheduler_stopped", nil)
			return
		case <-ticker.C:
			s.tick(ctx, sem, &wg)
		}
	}
}

func (s *Scanner) tick(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	due, err := s.store.ListDue(ctx, time.Now().UTC(), s.limit)
	if err != nil {
		s.logger.Error("due_scan_failed", map[string]any{"error": err.Error()})
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("due_scan_completed", map[string]any{"due": len(due)})

	for _, item := range due {
		if !s.acquire(item.ID) {
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer s.release(id)

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			s.worker.Process(ctx, id)
		}(item.ID)
	}
}

func (s *Scanner) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scanner) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}
