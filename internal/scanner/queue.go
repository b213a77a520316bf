package scanner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/b0gdan00/keywatch/internal/logging"
)

var queueLog = logging.ForComponent(logging.CompScanner)

// SendQueue executes jobs strictly one at a time in enqueue order. All
// deliveries of one worker funnel through a single queue so a multi-chunk
// forward is never interleaved with another message's chunks on the
// destination. A failed job is reported to its error callback and the
// queue moves on.
type SendQueue struct {
	mu     sync.Mutex
	jobs   []job
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type job struct {
	run   func(ctx context.Context) error
	onErr func(err error)
}

// NewSendQueue creates the queue and starts its single worker goroutine.
func NewSendQueue() *SendQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &SendQueue{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.loop()
	return q
}

// Enqueue appends a job. onErr (optional) receives the job's failure;
// enqueueing never blocks on delivery.
func (q *SendQueue) Enqueue(run func(ctx context.Context) error, onErr func(err error)) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job{run: run, onErr: onErr})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of jobs not yet started.
func (q *SendQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops the queue. Queued jobs that have not started are dropped;
// an in-flight job sees its context cancelled.
func (q *SendQueue) Close() {
	q.cancel()
	<-q.done
}

func (q *SendQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		var next *job
		if len(q.jobs) > 0 {
			next = &q.jobs[0]
			q.jobs = q.jobs[1:]
		}
		q.mu.Unlock()

		if next == nil {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		if q.ctx.Err() != nil {
			return
		}

		if err := next.run(q.ctx); err != nil {
			queueLog.Warn("send_job_failed", slog.Any("error", err))
			if next.onErr != nil {
				next.onErr(err)
			}
		}
	}
}
