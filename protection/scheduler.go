package protection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eth2030/mevguard/log"
	"github.com/eth2030/mevguard/txpool/batchpool"
)

// TickResult summarises one scheduler pass.
type TickResult struct {
	ExpiredCommits      int
	ExpiredTransactions int
	BatchesCreated      int
	BatchesExecuted     int
}

// Scheduler drives the engine's periodic duties: expiring commits and
// transactions, cutting batches when a trigger fires and executing ordered
// batches.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	log      *log.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	doneCh  chan struct{}
	running bool
}

// NewScheduler creates a scheduler ticking every interval.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: interval,
		log:      engine.log.Module("scheduler"),
	}
}

// Start runs the loop in the background until Stop or until ctx is done.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.doneCh)
		s.Run(ctx)
	}()
}

// Stop cancels the loop, including any batch being executed, and waits for
// it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

// Run ticks until ctx is done and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one pass. Batches left ordered by an earlier pass or an
// earlier process are executed before a new one is cut.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	e := s.engine

	res.ExpiredCommits = e.ExpireCommits()
	res.ExpiredTransactions = e.RemoveExpiredTransactions()
	if !e.config.Level.Mempool() {
		return res
	}

	if e.executor != nil {
		for _, b := range e.GetPendingBatches() {
			if b.Status != batchpool.BatchOrdered || ctx.Err() != nil {
				continue
			}
			if s.execute(ctx, b.ID) {
				res.BatchesExecuted++
			}
		}
	}

	if !e.ShouldCreateBatch() {
		return res
	}
	b, err := e.CreateBatch(nil)
	if err != nil {
		if !errors.Is(err, batchpool.ErrNoPendingTransactions) {
			s.log.Error("create batch", "err", err)
		}
		return res
	}
	res.BatchesCreated++
	if e.executor != nil && s.execute(ctx, b.ID) {
		res.BatchesExecuted++
	}
	return res
}

func (s *Scheduler) execute(ctx context.Context, id string) bool {
	if _, err := s.engine.ExecuteBatch(ctx, id); err != nil {
		s.log.Error("execute batch", "id", id, "err", err)
		return false
	}
	return true
}
