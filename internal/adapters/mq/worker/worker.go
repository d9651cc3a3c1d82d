// Package worker drains the notification queue into a delivery sink.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rollcall/internal/adapters/mq/queue"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

const (
	defaultWorkerCount     = 2
	defaultRetries         = 2
	defaultBackoff         = 200 * time.Millisecond
	defaultDeliveryTimeout = 5 * time.Second
	poolShutdownTimeout    = 30 * time.Second
)

// Event is what workers read off the queue.
type Event = queue.Event

// Sink delivers one status change to the outside world.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Queue defines how workers receive events.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Event
}

// InMemoryWorker delivers events from a queue to a sink.
type InMemoryWorker struct {
	queue   Queue
	sink    Sink
	name    string
	retries int
	backoff time.Duration
	timeout time.Duration
	active  *atomic.Int32

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a worker.
func NewInMemoryWorker(q Queue, sink Sink, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		sink:     sink,
		name:     "worker",
		retries:  defaultRetries,
		backoff:  defaultBackoff,
		timeout:  defaultDeliveryTimeout,
		active:   &atomic.Int32{},
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run consumes events until the queue closes, shutdown is signalled or ctx ends.
// After shutdown it keeps draining whatever is already buffered.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	events := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			w.drain(ctx, events)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			w.handle(ctx, e)
		}
	}
}

func (w *InMemoryWorker) drain(ctx context.Context, events <-chan Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			w.handle(ctx, e)
		default:
			return
		}
	}
}

func (w *InMemoryWorker) handle(ctx context.Context, e Event) {
	metrics.RecordQueueDequeue()
	metrics.UpdateWorkerActiveCount(int(w.active.Add(1)))
	defer func() { metrics.UpdateWorkerActiveCount(int(w.active.Add(-1))) }()

	if err := w.deliver(ctx, e); err != nil {
		w.logger.Error(ctx, "notification delivery failed",
			logger.String("event_id", e.EventID),
			logger.String("sink", w.sink.Name()),
			logger.Error(err),
		)
	}
}

// deliver attempts the sink with exponential backoff between retries.
func (w *InMemoryWorker) deliver(ctx context.Context, e Event) error {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	wait := w.backoff
	var err error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("delivery aborted: %w", ctx.Err())
			case <-time.After(wait):
			}
			wait *= 2
		}
		actx, cancel := context.WithTimeout(ctx, w.timeout)
		err = w.sink.Deliver(actx, e)
		cancel()
		if err == nil {
			metrics.RecordNotificationSent(w.sink.Name(), "ok")
			return nil
		}
		metrics.RecordNotificationSent(w.sink.Name(), "error")
	}
	metrics.RecordWorkerError()
	metrics.RecordErrorByComponent("worker", "delivery")
	return fmt.Errorf("after %d attempts: %w", w.retries+1, err)
}

// Shutdown signals the worker and waits for it to finish.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	close(w.shutdown)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Pool manages several workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	once    sync.Once
	logger  logger.Logger
}

// NewPool creates workerCount workers sharing q and sink. Options apply to
// every worker; names are assigned per worker.
func NewPool(workerCount int, q Queue, sink Sink, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = defaultWorkerCount
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Nop(),
	}
	active := &atomic.Int32{}
	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{WithName("notify-worker-" + strconv.Itoa(i))}, opts...)
		w := NewInMemoryWorker(q, sink, wopts...)
		w.active = active
		p.workers[i] = w
		p.logger = w.logger
	}
	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(0)
	return p
}

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Shutdown closes the queue, lets workers drain it and waits for them.
func (p *Pool) Shutdown(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		if closer, ok := p.queue.(interface{ Close() error }); ok {
			if cerr := closer.Close(); cerr != nil {
				p.logger.Error(ctx, "error closing queue", logger.Error(cerr))
			}
		}
		sctx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
		defer cancel()
		for i, w := range p.workers {
			close(w.shutdown)
			select {
			case <-w.done:
			case <-sctx.Done():
				p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
				err = fmt.Errorf("shutdown timed out: %w", sctx.Err())
			}
		}
	})
	return err
}
