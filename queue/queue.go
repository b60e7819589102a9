// Package queue implements the durable task queue: it accepts job
// requests, persists them, promotes pending jobs to running under a
// concurrency cap, invokes the worker, and records terminal outcomes.
//
// The queue exclusively owns its Store and Lock for the lifetime of the
// process. Every multi-step mutation of the store happens inside a scoped
// lock acquisition, so concurrent producers and the dispatch path never
// interleave a partial write. The lock is held only for the brief
// bookkeeping transitions around dispatch and completion, never while the
// worker runs, which is what lets up to MaxItems jobs execute
// concurrently while queue bookkeeping stays strictly serialized.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/joshfire/hookmachine"
	"github.com/joshfire/hookmachine/id"
	"github.com/joshfire/hookmachine/job"
	"github.com/joshfire/hookmachine/lock"
	"github.com/joshfire/hookmachine/store"
)

// Worker executes one job's payload. The queue treats params as opaque and
// records the outcome: a nil error marks the job successful with the
// returned result attached; a non-nil error marks it failed, classified
// through the job.Failure taxonomy. Workers must not hold references to
// params after returning.
type Worker func(ctx context.Context, params job.Params) (job.Result, error)

// Queue is the scheduler. Create one with New; all state hangs off the
// value, there are no package-level singletons.
type Queue struct {
	store    *store.Store
	lock     *lock.Lock
	worker   Worker
	maxItems int
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	laidOut bool

	wg sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxItems bounds how many jobs may run simultaneously. Zero or a
// negative value means unbounded. The cap applies to running jobs only;
// pending jobs accumulate without limit.
func WithMaxItems(n int) Option {
	return func(q *Queue) { q.maxItems = n }
}

// WithLogger sets the structured logger for the queue.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a Queue rooted at taskDir. The queue builds and owns its
// durable store and its lock; producers must go through Push/Get and
// never touch the task directory directly.
func New(taskDir string, worker Worker, opts ...Option) *Queue {
	q := &Queue{
		maxItems: 1,
		worker:   worker,
		logger:   slog.Default(),
		running:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.store = store.New(taskDir, store.WithLogger(q.logger))
	q.lock = lock.New(q.store.LockPath(), lock.WithLogger(q.logger))
	return q
}

// Init prepares the task directory before the queue starts serving.
// Running the layout inspection here, rather than waiting for the first
// push, surfaces crash evidence (a non-empty running bucket, a leftover
// lock file) in the logs at process startup. Push still ensures the
// layout lazily, so calling Init is not required for correctness.
func (q *Queue) Init(ctx context.Context) error {
	return q.withLock(ctx, id.NewOwnerID().String(), q.ensureLayout)
}

// Push validates params, persists a new pending job, and returns its ID
// without waiting for execution. A dequeue check is scheduled
// asynchronously, decoupled from the caller.
func (q *Queue) Push(ctx context.Context, params job.Params) (id.JobID, error) {
	if params == nil {
		return id.Nil, hookmachine.ErrNilParams
	}

	j := job.New(params)

	// The acquisition request is identified by the new job's ID.
	err := q.withLock(ctx, j.ID.String(), func() error {
		if layoutErr := q.ensureLayout(); layoutErr != nil {
			return layoutErr
		}
		if saveErr := q.store.Save(j, store.BucketIndex); saveErr != nil {
			return saveErr
		}
		return q.store.Save(j, store.BucketPending)
	})
	if err != nil {
		return id.Nil, err
	}

	q.logger.Info("job accepted",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name()),
	)

	q.spawn(q.checkNext)
	return j.ID, nil
}

// Get returns a copy of the persisted record for jobID, or
// hookmachine.ErrJobNotFound. Reads go through the same lock as writes so
// a half-written record can never be observed.
func (q *Queue) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j *job.Job
	err := q.withLock(ctx, id.NewOwnerID().String(), func() error {
		got, readErr := q.store.ReadIndex(jobID)
		if readErr != nil {
			return readErr
		}
		j = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// RunningCount returns the number of jobs currently executing. The
// periodic checker uses it to skip enqueueing while the queue is busy.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Drain waits for in-flight dispatch and execution goroutines to finish,
// or for ctx to expire. Jobs still pending when the queue goes quiet stay
// durably pending and are picked up on the next push after restart.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and releases the advisory lock file.
func (q *Queue) Close(ctx context.Context) error {
	err := q.Drain(ctx)
	if closeErr := q.lock.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// checkNext promotes at most one pending job to running. Invoked after
// every push and after every completion; when the concurrency cap is
// reached it defers silently; the next completion or push retries.
func (q *Queue) checkNext() {
	if q.maxItems > 0 && q.RunningCount() >= q.maxItems {
		return
	}

	var next *job.Job
	err := q.withLock(context.Background(), id.NewOwnerID().String(), func() error {
		// Re-check under the lock: promotions are serialized here, so
		// this is what actually enforces the cap.
		q.mu.Lock()
		full := q.maxItems > 0 && len(q.running) >= q.maxItems
		q.mu.Unlock()
		if full {
			return nil
		}

		pending, listErr := q.store.ListPending()
		if listErr != nil {
			return listErr
		}

		// Walk candidates in creation order. A record that vanished (lost
		// race) or is unreadable is skipped, not retried: dequeue is
		// deterministic FIFO, so stopping at a corrupt head would starve
		// every record behind it.
		var j *job.Job
		for _, jobID := range pending {
			cand, readErr := q.store.Read(store.BucketPending, jobID)
			if readErr != nil {
				q.logger.Warn("pending record vanished or unreadable, skipping",
					slog.String("job_id", jobID.String()),
					slog.String("error", readErr.Error()),
				)
				continue
			}
			j = cand
			break
		}
		if j == nil {
			return nil
		}

		j.Status = job.StatusRunning

		// Index write happens-before the bucket move, so Get never
		// observes a bucket placement inconsistent with the status.
		if saveErr := q.store.Save(j, store.BucketIndex); saveErr != nil {
			return saveErr
		}
		if saveErr := q.store.Save(j, store.BucketRunning); saveErr != nil {
			return saveErr
		}
		if removeErr := q.store.Remove(j, store.BucketPending); removeErr != nil {
			return removeErr
		}

		q.mu.Lock()
		q.running[j.ID.String()] = struct{}{}
		q.mu.Unlock()

		next = j
		return nil
	})
	if err != nil {
		q.logger.Error("dequeue check failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if next == nil {
		return
	}

	q.spawn(func() { q.runTask(next) })
}

// runTask invokes the worker and records the terminal outcome. Bookkeeping
// failures after the worker has completed are logged and not re-raised:
// the in-memory outcome is final even if the on-disk record is stale.
func (q *Queue) runTask(j *job.Job) {
	q.logger.Info("job started",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name()),
	)

	start := time.Now()
	result, workErr := q.worker(context.Background(), j.Params)
	elapsed := time.Since(start)

	now := time.Now().UTC()
	j.DateFinished = &now

	if workErr != nil {
		kind := job.Classify(workErr)
		j.Status = job.StatusFailure
		j.Error = workErr.Error()
		j.ErrorCode = kind.ErrorCode()

		q.logger.Error("job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name()),
			slog.String("kind", kind.String()),
			slog.Int("error_code", j.ErrorCode),
			slog.Duration("elapsed", elapsed),
			slog.String("error", workErr.Error()),
		)
	} else {
		j.Status = job.StatusSuccess
		j.Result = result

		q.logger.Info("job completed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name()),
			slog.Duration("elapsed", elapsed),
		)
	}

	// Free the running slot first; the durable bookkeeping below is
	// best-effort once the worker has already finished.
	q.mu.Lock()
	delete(q.running, j.ID.String())
	q.mu.Unlock()

	err := q.withLock(context.Background(), id.NewOwnerID().String(), func() error {
		if saveErr := q.store.Save(j, store.BucketIndex); saveErr != nil {
			return saveErr
		}
		return q.store.Remove(j, store.BucketRunning)
	})
	if err != nil {
		q.logger.Error("completion bookkeeping failed, on-disk record is stale",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	q.spawn(q.checkNext)
}

// withLock runs fn while holding the queue lock under the given owner
// identity. The lock is released on every exit path.
func (q *Queue) withLock(ctx context.Context, owner string, fn func() error) error {
	if err := q.lock.Acquire(ctx, owner); err != nil {
		return err
	}
	defer func() {
		if err := q.lock.Release(owner); err != nil {
			q.logger.Error("lock release failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		}
	}()
	return fn()
}

// ensureLayout lazily creates the bucket layout. Retried on failure
// rather than cached, so a transient filesystem problem at first push
// does not wedge the queue.
func (q *Queue) ensureLayout() error {
	q.mu.Lock()
	done := q.laidOut
	q.mu.Unlock()
	if done {
		return nil
	}

	if err := q.store.EnsureLayout(); err != nil {
		return err
	}

	q.mu.Lock()
	q.laidOut = true
	q.mu.Unlock()
	return nil
}

// spawn runs fn on a tracked goroutine so Drain can wait for it.
func (q *Queue) spawn(fn func()) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		fn()
	}()
}
