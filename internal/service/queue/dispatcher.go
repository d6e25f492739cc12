// Package queue schedules batch jobs over a bounded pool of workers.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned when the work channel is at capacity.
	ErrQueueFull = errors.New("work queue is full")
	// ErrDispatcherStopped is returned when trying to enqueue after the dispatcher is stopped.
	ErrDispatcherStopped = errors.New("dispatcher has been stopped")
)

// Processor handles one work item.
type Processor[T any] func(ctx context.Context, item T)

// Dispatcher manages a fixed pool of workers pulling items from a channel.
type Dispatcher[T any] struct {
	name       string
	items      chan T
	workerWg   sync.WaitGroup
	numWorkers int
	processor  Processor[T]
	stopped    atomic.Bool
	stopCh     chan struct{}
	active     atomic.Int32
}

// NewDispatcher creates a new Dispatcher with the given configuration.
func NewDispatcher[T any](name string, numWorkers, queueSize int, processor Processor[T]) *Dispatcher[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 10
	}

	return &Dispatcher[T]{
		name:       name,
		items:      make(chan T, queueSize),
		numWorkers: numWorkers,
		processor:  processor,
		stopCh:     make(chan struct{}),
	}
}

// Start starts the worker pool.
func (d *Dispatcher[T]) Start(ctx context.Context) {
	slog.Debug("Starting dispatcher",
		"dispatcher", d.name,
		"workers", d.numWorkers,
		"queue_size", cap(d.items),
	)

	for i := 0; i < d.numWorkers; i++ {
		d.workerWg.Add(1)
		go d.worker(ctx, i)
	}
}

func (d *Dispatcher[T]) worker(ctx context.Context, id int) {
	defer d.workerWg.Done()

	for {
		// Stop signals win over pending items.
		select {
		case <-ctx.Done():
			slog.Debug("Worker stopping (context canceled)", "dispatcher", d.name, "worker_id", id)
			return
		case <-d.stopCh:
			slog.Debug("Worker stopping (stop signal)", "dispatcher", d.name, "worker_id", id)
			return
		default:
		}

		select {
		case item, ok := <-d.items:
			if !ok {
				slog.Debug("Worker stopping (channel closed)", "dispatcher", d.name, "worker_id", id)
				return
			}
			if d.processor != nil {
				d.active.Add(1)
				d.processor(ctx, item)
				d.active.Add(-1)
			}

		case <-ctx.Done():
			slog.Debug("Worker stopping (context canceled)", "dispatcher", d.name, "worker_id", id)
			return

		case <-d.stopCh:
			slog.Debug("Worker stopping (stop signal)", "dispatcher", d.name, "worker_id", id)
			return
		}
	}
}

// Enqueue adds an item without blocking.
// Returns ErrQueueFull if the queue is at capacity.
func (d *Dispatcher[T]) Enqueue(item T) error {
	if d.stopped.Load() {
		return ErrDispatcherStopped
	}

	select {
	case d.items <- item:
		return nil
	default:
		slog.Warn("Queue is full",
			"dispatcher", d.name,
			"queue_size", len(d.items),
		)
		return ErrQueueFull
	}
}

// Drain stops accepting items and waits until workers have processed
// everything already queued, or the context passed to Start is done.
func (d *Dispatcher[T]) Drain() {
	if d.stopped.Swap(true) {
		d.workerWg.Wait()
		return
	}
	close(d.items)
	d.workerWg.Wait()
}

// Stop makes workers exit after their current item and waits for them.
// Queued items are dropped.
func (d *Dispatcher[T]) Stop() {
	if d.stopped.Swap(true) {
		d.workerWg.Wait()
		return
	}

	slog.Debug("Stopping dispatcher", "dispatcher", d.name)

	close(d.stopCh)
	close(d.items)
	d.workerWg.Wait()

	slog.Debug("Dispatcher stopped", "dispatcher", d.name)
}

// QueueSize returns the current number of queued items.
func (d *Dispatcher[T]) QueueSize() int {
	return len(d.items)
}

// ActiveWorkers returns how many workers are processing an item.
func (d *Dispatcher[T]) ActiveWorkers() int {
	return int(d.active.Load())
}

// WorkerCount returns the number of workers.
func (d *Dispatcher[T]) WorkerCount() int {
	return d.numWorkers
}
