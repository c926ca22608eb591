// Package dispatcher implements the execution gate: bounded-concurrency
// admission of schedule firings with a deduplicated FIFO wait queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/queue/memory"
)

// Admission is the gate's answer to an execution request.
type Admission int

// Possible admissions.
const (
	Dropped Admission = iota
	Admitted
	Queued
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Queued:
		return "queued"
	default:
		return "dropped"
	}
}

// RunFunc performs one firing for a schedule ID.
type RunFunc func(ctx context.Context, scheduleID string)

// Gate admits at most max concurrent firings and queues the rest.
type Gate struct {
	mu     sync.Mutex
	max    int
	active map[string]struct{}
	queue  *memory.Queue
	closed bool

	run    RunFunc
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a Gate that runs admitted firings with run.
func New(maxConcurrent int, run RunFunc, logger *zap.Logger) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		max:    maxConcurrent,
		active: make(map[string]struct{}),
		queue:  memory.NewQueue(),
		run:    run,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Request asks to run scheduleID. Requests for a schedule that is already
// executing are dropped; requests beyond capacity wait in FIFO order.
func (g *Gate) Request(scheduleID string) Admission {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return Dropped
	}
	if _, busy := g.active[scheduleID]; busy {
		g.logger.Debug("firing dropped, schedule already executing", zap.String("schedule_id", scheduleID))
		return Dropped
	}
	if len(g.active) < g.max {
		g.admitLocked(scheduleID)
		return Admitted
	}
	if g.queue.Push(scheduleID) {
		g.logger.Debug("firing queued",
			zap.String("schedule_id", scheduleID),
			zap.Int("queue_depth", g.queue.Len()),
		)
	}
	return Queued
}

// Remove purges scheduleID from the wait queue.
func (g *Gate) Remove(scheduleID string) bool {
	return g.queue.Remove(scheduleID)
}

// IsActive reports whether scheduleID is executing.
func (g *Gate) IsActive(scheduleID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[scheduleID]
	return busy
}

// Active returns the number of executing firings.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Queued returns the number of waiting firings.
func (g *Gate) Queued() int {
	return g.queue.Len()
}

// Waiting returns the queued schedule IDs in admission order.
func (g *Gate) Waiting() []string {
	return g.queue.Snapshot()
}

// Close stops admitting firings and clears the wait queue.
// In-flight firings keep running; use Wait to join them.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.queue.Clear()
}

// Wait blocks until in-flight firings finish. If ctx ends first their
// context is canceled and ctx's error is returned.
func (g *Gate) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.cancel()
		return fmt.Errorf("wait for firings: %w", ctx.Err())
	}
}

func (g *Gate) admitLocked(scheduleID string) {
	g.active[scheduleID] = struct{}{}
	g.wg.Add(1)
	go g.execute(scheduleID)
}

func (g *Gate) execute(scheduleID string) {
	defer g.wg.Done()
	defer g.release(scheduleID)
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("firing panicked",
				zap.String("schedule_id", scheduleID),
				zap.Any("panic", rec),
			)
		}
	}()
	g.run(g.ctx, scheduleID)
}

func (g *Gate) release(scheduleID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, scheduleID)
	if g.closed {
		return
	}
	for len(g.active) < g.max {
		next, ok := g.queue.Pop()
		if !ok {
			return
		}
		if _, busy := g.active[next]; busy {
			continue
		}
		g.admitLocked(next)
	}
}
