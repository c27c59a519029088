package network

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Dispatcher runs background tasks on a bounded number of goroutines.
//
// Go never blocks the caller; tasks beyond the limit wait for a slot.
// Spawn runs long-lived tasks outside the limit so they cannot starve Go.
type Dispatcher struct {
	sem    *semaphore.Weighted
	logger logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher running at most maxWorkers tasks at once.
func NewDispatcher(maxWorkers int, logger logrus.FieldLogger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go schedules task. The task's context is cancelled when the dispatcher closes.
// It returns false once the dispatcher is closed.
func (d *Dispatcher) Go(task func(ctx context.Context)) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.logger.Debugf("dispatcher: task dropped: %v", err)
			return
		}
		defer d.sem.Release(1)
		if d.ctx.Err() != nil {
			return
		}
		task(d.ctx)
	}()
	return true
}

// Spawn runs task on its own goroutine without taking a worker slot.
// The task's context is cancelled when the dispatcher closes.
// It returns false once the dispatcher is closed.
func (d *Dispatcher) Spawn(task func(ctx context.Context)) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		task(d.ctx)
	}()
	return true
}

// Close cancels running tasks and waits for them to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
