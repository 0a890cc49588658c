package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/protocol"
)

const (
	DefaultQueueSize    = 64
	DefaultAlertTimeout = 20 * time.Second
)

var (
	// ErrQueueFull is returned when an alert is dropped because delivery is
	// behind
	ErrQueueFull = errors.New("alert queue full")
	// ErrDispatcherClosed is returned for alerts published after Close
	ErrDispatcherClosed = errors.New("alert dispatcher closed")
)

// Dispatcher delivers alerts to a sink on its own goroutine so the caller
// never waits on a broker or mail server. Each delivery runs under its own
// timeout.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan *protocol.DeadFishAlert
	done   chan struct{}

	delivered uint64
	failed    uint64
	dropped   uint64
}

// DispatcherStats contains delivery counters
type DispatcherStats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
	Queued    int
}

// NewDispatcher starts the delivery goroutine. Close must be called to stop
// it.
func NewDispatcher(sink Sink, size int, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultAlertTimeout
	}
	d := &Dispatcher{
		sink:    sink,
		timeout: timeout,
		log:     log.With().Str("component", "alerts").Logger(),
		queue:   make(chan *protocol.DeadFishAlert, size),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// PublishAlert implements ingest.AlertSink. It only enqueues; ctx is not
// carried over to the delivery.
func (d *Dispatcher) PublishAlert(_ context.Context, alert *protocol.DeadFishAlert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- alert:
		return nil
	default:
		d.dropped++
		d.log.Warn().Int64("reading_id", alert.ReadingID).Msg("alert queue full, dropping alert")
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for alert := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.PublishAlert(ctx, alert)
		cancel()

		d.mu.Lock()
		if err != nil {
			d.failed++
		} else {
			d.delivered++
		}
		d.mu.Unlock()

		if err != nil {
			d.log.Warn().Err(err).Int64("reading_id", alert.ReadingID).Msg("failed to deliver dead-fish alert")
		}
	}
}

// Close stops accepting alerts and waits for the queued ones to be delivered
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

// Stats returns delivery counters
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherStats{
		Delivered: d.delivered,
		Failed:    d.failed,
		Dropped:   d.dropped,
		Queued:    len(d.queue),
	}
}
