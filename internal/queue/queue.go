package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/process"
)

const (
	jobTimeout = 30 * time.Second
	// A failed job is retried this many times in total before it is dropped.
	maxJobAttempts      = 3
	defaultRetryBackoff = time.Second
)

// ErrQueueClosed is returned by Enqueue once Close has been called
var ErrQueueClosed = errors.New("cleanup queue is closed")

// CleanupJob asks a worker to clean up after a backing process exit
type CleanupJob struct {
	InstanceID string
	PID        int
	Port       int
	Reason     string
	Requested  bool
	Err        error
	Attempts   int
}

// NewCleanupJob builds a job from a process exit event
func NewCleanupJob(ev process.ExitEvent) *CleanupJob {
	reason := "crashed"
	if ev.Requested {
		reason = "terminated"
	} else if ev.Err == nil {
		reason = "exited"
	}
	return &CleanupJob{
		InstanceID: ev.InstanceID,
		PID:        ev.PID,
		Port:       ev.Port,
		Reason:     reason,
		Requested:  ev.Requested,
		Err:        ev.Err,
	}
}

// ExitEvent converts the job back into the event it came from
func (j *CleanupJob) ExitEvent() process.ExitEvent {
	return process.ExitEvent{
		InstanceID: j.InstanceID,
		PID:        j.PID,
		Port:       j.Port,
		Err:        j.Err,
		Requested:  j.Requested,
	}
}

// JobQueue manages the job queue with a channel-based system
type JobQueue struct {
	jobs chan *CleanupJob
	done chan struct{}
	once sync.Once
	mu   sync.RWMutex
}

// NewJobQueue creates a new job queue with the specified buffer size
func NewJobQueue(bufferSize int) *JobQueue {
	return &JobQueue{
		jobs: make(chan *CleanupJob, bufferSize),
		done: make(chan struct{}),
	}
}

// Enqueue adds a job to the queue. It blocks while the queue is full.
func (jq *JobQueue) Enqueue(job *CleanupJob) error {
	jq.mu.RLock()
	defer jq.mu.RUnlock()

	select {
	case <-jq.done:
		return ErrQueueClosed
	default:
	}

	select {
	case jq.jobs <- job:
		logger.WithFields(map[string]interface{}{
			"instance_id": job.InstanceID,
			"pid":         job.PID,
			"reason":      job.Reason,
		}).Debug("Cleanup job enqueued")
		return nil
	case <-jq.done:
		logger.WithField("instance_id", job.InstanceID).Warn("Failed to enqueue job: queue is closed")
		return ErrQueueClosed
	}
}

// Jobs returns the underlying channel for job consumption
func (jq *JobQueue) Jobs() <-chan *CleanupJob {
	return jq.jobs
}

// Close closes the queue. Jobs already queued are still delivered.
func (jq *JobQueue) Close() {
	jq.once.Do(func() {
		close(jq.done)
		// Wait for in-flight Enqueue calls before closing the channel.
		jq.mu.Lock()
		close(jq.jobs)
		jq.mu.Unlock()
	})
}

// Pump feeds process exits into the queue until exits is closed or ctx is
// done. Exits that followed a termination request need no cleanup and are
// dropped.
func (jq *JobQueue) Pump(ctx context.Context, exits <-chan process.ExitEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-exits:
			if !ok {
				return
			}
			if ev.Requested {
				continue
			}
			if err := jq.Enqueue(NewCleanupJob(ev)); err != nil {
				logger.WithInstance(ev.InstanceID).WithError(err).Error("Dropping process exit, cleanup queue unavailable")
				return
			}
		}
	}
}

// Handler processes one cleanup job
type Handler func(ctx context.Context, job *CleanupJob) error

// WorkerPool manages multiple workers processing jobs
type WorkerPool struct {
	queue   *JobQueue
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	maxAttempts int
	backoff     time.Duration
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue *JobQueue, numWorkers int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:       queue,
		workers:     numWorkers,
		ctx:         ctx,
		cancel:      cancel,
		maxAttempts: maxJobAttempts,
		backoff:     defaultRetryBackoff,
	}
}

// Start starts all workers
func (wp *WorkerPool) Start(handler Handler) {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(handler)
	}
}

// worker processes jobs until the queue is closed and drained, or Stop is called
func (wp *WorkerPool) worker(handler Handler) {
	defer wp.wg.Done()

	for {
		select {
		case job, ok := <-wp.queue.Jobs():
			if !ok {
				logger.Debug("Worker exiting: jobs channel closed")
				return
			}
			wp.run(handler, job)
		case <-wp.ctx.Done():
			logger.Debug("Worker exiting: stop signal received")
			return
		}
	}
}

// run processes job, retrying with a growing backoff when the handler
// fails. Handlers must be safe to call again for the same job.
func (wp *WorkerPool) run(handler Handler, job *CleanupJob) {
	log := logger.WithInstance(job.InstanceID).WithField("reason", job.Reason)

	for {
		job.Attempts++
		err := wp.attempt(handler, job)
		if err == nil {
			log.WithField("attempts", job.Attempts).Debug("Worker completed cleanup job")
			return
		}
		if wp.ctx.Err() != nil {
			log.WithError(err).Warn("Worker stopped before cleanup job succeeded")
			return
		}
		if job.Attempts >= wp.maxAttempts {
			log.WithError(err).WithField("attempts", job.Attempts).Error("Worker gave up on cleanup job")
			return
		}
		log.WithError(err).WithField("attempt", job.Attempts).Warn("Cleanup job failed, retrying")

		select {
		case <-time.After(wp.backoff * time.Duration(job.Attempts)):
		case <-wp.ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) attempt(handler Handler, job *CleanupJob) error {
	ctx, cancel := context.WithTimeout(wp.ctx, jobTimeout)
	defer cancel()
	return handler(ctx, job)
}

// Stop stops all workers without draining the queue
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
}

// Wait waits for all workers to finish
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}
