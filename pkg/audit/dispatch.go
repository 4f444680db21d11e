package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sink receives events off the request path. Errors are logged and
// dropped; the audit pipeline must never push back on requests.
type Sink interface {
	Write(ctx context.Context, evt Event) error
}

// Dispatcher decouples emission from delivery with a bounded queue.
// When the queue is full the event is dropped and counted, which is
// preferable to stalling request handling during an attack burst.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	timeout time.Duration
	dropped func()
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

type DispatcherOption func(*Dispatcher)

// WithDropCounter registers a callback invoked on each dropped event.
func WithDropCounter(fn func()) DispatcherOption {
	return func(d *Dispatcher) { d.dropped = fn }
}

func NewDispatcher(buffer int, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Dispatcher{
		queue:   make(chan Event, buffer),
		sinks:   sinks,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Emit queues an event without blocking. Events emitted after Close
// are dropped silently; sending on the closed queue would panic.
func (d *Dispatcher) Emit(ctx context.Context, evt Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
	default:
		if d.dropped != nil {
			d.dropped()
		}
	}
}

func (d *Dispatcher) run() {
	for evt := range d.queue {
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := sink.Write(ctx, evt); err != nil {
				log.Printf("audit: sink write failed: %v", err)
			}
			cancel()
		}
	}
	close(d.done)
}

// Close drains the queue and stops the worker. Safe to call more
// than once; concurrent Emit calls observe the closed flag first.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

// WriterSink adapts the durable Writer to the Sink interface.
type WriterSink struct{ Writer *Writer }

func (s WriterSink) Write(ctx context.Context, evt Event) error {
	return s.Writer.Append(ctx, evt)
}

// FuncSink adapts a function to the Sink interface.
type FuncSink func(ctx context.Context, evt Event) error

func (f FuncSink) Write(ctx context.Context, evt Event) error { return f(ctx, evt) }
