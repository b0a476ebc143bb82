package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
)

// Queue hands notifications to a sink from a single worker goroutine so
// producers never wait on I/O. When the buffer is full new records are
// dropped and counted.
type Queue struct {
	sink    Sink
	log     zerolog.Logger
	timeout time.Duration
	ch      chan model.Notification
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewQueue(sink Sink, size int, timeout time.Duration, log zerolog.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	q := &Queue{sink: sink, log: log, timeout: timeout, ch: make(chan model.Notification, size)}
	q.wg.Add(1)
	go q.loop()
	return q
}

// Enqueue never blocks. It reports whether n was accepted.
func (q *Queue) Enqueue(n model.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- n:
		return true
	default:
		metrics.NotificationDeliveries.WithLabelValues("queue", "dropped").Inc()
		q.log.Warn().Str("vehicle", n.VehicleID).Str("stop", n.StopID).Msg("notification queue full; dropped")
		return false
	}
}

// Emit makes Queue usable as a Sink.
func (q *Queue) Emit(_ context.Context, n model.Notification) error {
	q.Enqueue(n)
	return nil
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for n := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.sink.Emit(ctx, n); err != nil {
			q.log.Error().Err(err).Str("id", n.ID).Str("vehicle", n.VehicleID).Msg("notification delivery failed")
		}
		cancel()
	}
}

// Close stops accepting records and waits for the backlog to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
