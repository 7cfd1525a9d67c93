package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
)

// Sink receives committed lifecycle events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev models.Event) error
}

const (
	DefaultTimeout = 5 * time.Second
	// DefaultQueueSize bounds the events waiting for one sink.
	DefaultQueueSize = 1024
)

// Fanout hands every event to each sink. Each sink has its own worker and
// queue, so a sink sees events in publish order and a slow sink never
// delays the others. Failures are logged and counted, never returned to the
// publisher.
type Fanout struct {
	Sinks     []Sink
	Timeout   time.Duration
	QueueSize int
	Logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	queues []chan queued
	wg     sync.WaitGroup
}

type queued struct {
	ctx context.Context
	ev  models.Event
}

func NewFanout(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Fanout {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fanout{Sinks: sinks, Timeout: timeout, QueueSize: DefaultQueueSize, Logger: logger}
}

// start launches the sink workers; callers hold f.mu.
func (f *Fanout) start() {
	if f.queues != nil {
		return
	}
	size := f.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	f.queues = make([]chan queued, len(f.Sinks))
	for i, s := range f.Sinks {
		q := make(chan queued, size)
		f.queues[i] = q
		f.wg.Add(1)
		go f.run(s, q)
	}
}

func (f *Fanout) Publish(ctx context.Context, ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.Logger.Warn("event dropped after shutdown", "event_id", ev.ID, "type", ev.Type)
		return
	}
	f.start()
	// deliveries outlive the request that produced them
	item := queued{ctx: context.WithoutCancel(ctx), ev: ev}
	for i, q := range f.queues {
		select {
		case q <- item:
		default:
			name := f.Sinks[i].Name()
			observability.EventsDeliveredTotal.WithLabelValues(name, "dropped").Inc()
			f.Logger.Error("sink queue full, event dropped", "sink", name, "event_id", ev.ID, "type", ev.Type, "ride_id", ev.RideID)
		}
	}
}

func (f *Fanout) run(s Sink, q <-chan queued) {
	defer f.wg.Done()
	for item := range q {
		f.deliver(item.ctx, s, item.ev)
	}
}

func (f *Fanout) deliver(ctx context.Context, s Sink, ev models.Event) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return s.Deliver(ctx, ev)
	}()
	if err != nil {
		observability.EventsDeliveredTotal.WithLabelValues(s.Name(), "error").Inc()
		f.Logger.Error("event delivery failed", "sink", s.Name(), "event_id", ev.ID, "type", ev.Type, "ride_id", ev.RideID, "error", err)
		return
	}
	observability.EventsDeliveredTotal.WithLabelValues(s.Name(), "ok").Inc()
}

// Close stops accepting events and waits until every queued event has been
// delivered or ctx ends.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		for _, q := range f.queues {
			close(q)
		}
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes every event to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(ctx context.Context, ev models.Event) error {
	l.Logger.InfoContext(ctx, "lifecycle event",
		"event_id", ev.ID,
		"type", ev.Type,
		"ride_id", ev.RideID,
		"booking_id", ev.BookingID,
		"actor_id", ev.ActorID,
		"status", ev.Status,
		"reason", ev.Reason,
	)
	return nil
}
