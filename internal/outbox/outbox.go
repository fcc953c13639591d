// Package outbox runs best-effort remote writes off the request path.
// A job runs once; failures are logged and counted, never retried.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Job is one deferred remote write.
type Job func(ctx context.Context) error

type entry struct {
	name string
	job  Job
	at   time.Time
}

// Stats reports queue depth and lifetime outcome counters.
type Stats struct {
	Pending int    `json:"pending"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
}

type Outbox struct {
	logger     *slog.Logger
	jobTimeout time.Duration

	mu    sync.Mutex
	queue []entry

	// drain serializes Flush between the scheduler and Stop.
	drain sync.Mutex

	sent   atomic.Uint64
	failed atomic.Uint64

	sched gocron.Scheduler
}

func New(logger *slog.Logger, jobTimeout time.Duration) *Outbox {
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Second
	}
	return &Outbox{logger: logger.With("component", "outbox"), jobTimeout: jobTimeout}
}

// Enqueue queues job for the next drain. It never blocks on I/O.
func (o *Outbox) Enqueue(name string, job Job) {
	o.mu.Lock()
	o.queue = append(o.queue, entry{name: name, job: job, at: time.Now()})
	o.mu.Unlock()
}

// Flush runs every job queued so far and returns how many ran.
func (o *Outbox) Flush(ctx context.Context) int {
	o.drain.Lock()
	defer o.drain.Unlock()

	o.mu.Lock()
	batch := o.queue
	o.queue = nil
	o.mu.Unlock()

	for _, e := range batch {
		o.run(ctx, e)
	}
	return len(batch)
}

func (o *Outbox) run(ctx context.Context, e entry) {
	ctx, cancel := context.WithTimeout(ctx, o.jobTimeout)
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, e.job)
	if err != nil {
		o.failed.Add(1)
		o.logger.Warn("remote write failed",
			"job", e.name, "error", err, "queued_for", start.Sub(e.at).String())
		return
	}
	o.sent.Add(1)
	o.logger.Debug("remote write done", "job", e.name, "duration", time.Since(start).String())
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

// Start drains the queue every interval on a gocron duration job. Overlapping
// runs are skipped, not stacked.
func (o *Outbox) Start(interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n := o.Flush(context.Background()); n > 0 {
				o.logger.Debug("outbox drained", "jobs", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("outbox-drain"),
	)
	if err != nil {
		return fmt.Errorf("schedule drain: %w", err)
	}

	o.sched = sched
	sched.Start()
	o.logger.Info("outbox started", "interval", interval.String(), "job_timeout", o.jobTimeout.String())
	return nil
}

// Stop shuts the scheduler down and drains what is left once.
func (o *Outbox) Stop(ctx context.Context) error {
	var shutdownErr error
	if o.sched != nil {
		shutdownErr = o.sched.Shutdown()
	}
	n := o.Flush(ctx)
	stats := o.Stats()
	o.logger.Info("outbox stopped", "final_jobs", n, "sent", stats.Sent, "failed", stats.Failed)
	return shutdownErr
}

func (o *Outbox) Stats() Stats {
	o.mu.Lock()
	pending := len(o.queue)
	o.mu.Unlock()
	return Stats{Pending: pending, Sent: o.sent.Load(), Failed: o.failed.Load()}
}
