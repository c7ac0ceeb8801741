package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Enqueue when the queue has no room. The report
// stays pending and is picked up by the recovery sweep.
var ErrQueueFull = errors.New("pipeline queue full")

// ErrStopped is returned by Enqueue after Shutdown.
var ErrStopped = errors.New("pipeline stopped")

type Processor interface {
	Process(ctx context.Context, reportID string) error
}

// Dispatcher runs a fixed pool of workers over a bounded queue of report ids.
type Dispatcher struct {
	proc   Processor
	queue  chan string
	logger logrus.FieldLogger

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(proc Processor, workers, queueSize int, logger logrus.FieldLogger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		proc:   proc,
		queue:  make(chan string, queueSize),
		logger: logger.WithField("component", "dispatcher"),
		ctx:    ctx,
		cancel: cancel,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker(i)
	}
	return d
}

// Enqueue never blocks.
func (d *Dispatcher) Enqueue(reportID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- reportID:
		return nil
	default:
		d.logger.WithField("report", reportID).Warn("queue full, leaving report for recovery")
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	log := d.logger.WithField("worker", n)
	for id := range d.queue {
		if err := d.proc.Process(d.ctx, id); err != nil {
			log.WithError(err).WithField("report", id).Error("processing failed")
		}
	}
}

// Shutdown stops accepting work and waits for queued and in-flight reports.
// When ctx expires first, in-flight work is cancelled and ctx.Err is returned
// once the workers exit.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
