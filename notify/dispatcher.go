/*
dispatcher.go - Asynchronous notification delivery

PURPOSE:
  Implements ledger.Notifier without blocking ledger operations. Notify only
  enqueues; a fixed pool of workers hands messages to a Sink.

DESIGN:
  - Buffered queue; when it is full the message is dropped with a warning
    and Notify returns ErrQueueFull (the ledger logs and ignores it)
  - Workers deliver with a per-message timeout
  - Stop refuses new messages, drains what is queued, then returns

USAGE:
  d := notify.NewDispatcher(notify.NewLogSink(logger), notify.WithWorkers(2))
  d.Start()
  defer d.Stop(context.Background())

  svc := ledger.NewService(store, ledger.WithNotifier(d))

SEE ALSO:
  - sinks.go: LogSink, KafkaSink
  - ledger/effects.go: Where notifications are raised
*/
package notify

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("notification queue is full")
	ErrStopped   = errors.New("notification dispatcher is stopped")
)

// Message is one notification waiting for delivery.
type Message struct {
	Template string         `json:"template"`
	Data     map[string]any `json:"data"`
	QueuedAt time.Time      `json:"queued_at"`
}

// Sink delivers a message to its destination.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithSendTimeout bounds each Sink.Send call.
func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// Dispatcher is a ledger.Notifier backed by a worker pool.
type Dispatcher struct {
	sink      Sink
	log       *slog.Logger
	workers   int
	queueSize int
	timeout   time.Duration

	mu      sync.RWMutex
	queue   chan Message
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:      sink,
		log:       slog.Default(),
		workers:   2,
		queueSize: 256,
		timeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan Message, d.queueSize)
	return d
}

// Start launches the workers. Calling it twice has no effect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.log.Info("notification dispatcher started", "workers", d.workers, "queue", d.queueSize)
}

// Notify enqueues a copy of data. It never blocks.
func (d *Dispatcher) Notify(ctx context.Context, template string, data map[string]any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrStopped
	}
	msg := Message{Template: template, Data: maps.Clone(data), QueuedAt: time.Now().UTC()}
	select {
	case d.queue <- msg:
		return nil
	default:
		d.log.WarnContext(ctx, "notification dropped", "template", template, "reason", "queue full")
		return ErrQueueFull
	}
}

// Stop closes the queue and waits until the workers have drained it or ctx
// is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Send(ctx, msg); err != nil {
		d.log.Warn("notification delivery failed", "template", msg.Template, "error", err.Error())
	}
}
