package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops routine events when the buffer is full instead of
	// blocking the caller.
	DropIfFull bool
	// Critical lists event types that are never dropped for a full buffer.
	// Emit blocks for them until there is room, the caller's context ends or
	// the dispatcher closes.
	Critical map[string]bool
	// Logger receives a WARN line for every dropped event.
	Logger *slog.Logger
}

// Dispatcher forwards events to a sink from one background worker, so a slow
// audit store never sits on the authentication path.
type Dispatcher struct {
	cfg     Config
	sink    Sink
	queue   chan Event
	stop    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:   cfg,
		sink:  sink,
		queue: make(chan Event, cfg.BufferSize),
		stop:  make(chan struct{}),
	}
	d.stopped.Add(1)
	go d.worker()
	return d
}

func (d *Dispatcher) worker() {
	defer d.stopped.Done()
	ctx := context.Background()

	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(ctx, event)
		case <-d.stop:
			d.drain(ctx)
			return
		}
	}
}

// drain delivers whatever was queued before Close.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(ctx, event)
		default:
			return
		}
	}
}

// Emit queues event. Routine events are dropped and counted when the buffer
// is full and DropIfFull is set; everything else waits for room or for ctx.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull && !d.cfg.Critical[event.EventType] {
		select {
		case d.queue <- event:
		case <-d.stop:
		default:
			d.drop(event, "buffer full")
		}
		return
	}

	select {
	case d.queue <- event:
	case <-d.stop:
	case <-ctx.Done():
		d.drop(event, "caller gave up")
	}
}

func (d *Dispatcher) drop(event Event, reason string) {
	d.dropped.Add(1)
	d.cfg.Logger.Warn("audit event dropped",
		"event_type", event.EventType,
		"account_id", event.AccountID,
		"success", event.Success,
		"reason", reason,
	)
}

// Close stops accepting events, delivers the queued ones and waits for the
// worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.stop)
		d.stopped.Wait()
	})
}

// Dropped counts events lost to backpressure or cancelled callers.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
