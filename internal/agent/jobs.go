package agent

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrJobExists is returned when a job with the same instance id is
	// already running.
	ErrJobExists = errors.New("job already running")
	// ErrAtCapacity is returned when MaxParallel jobs are running.
	ErrAtCapacity = errors.New("agent at capacity")
	// ErrDraining is returned once the host stopped accepting jobs.
	ErrDraining = errors.New("agent is draining")
)

// JobFunc is the body of a job. It must return when ctx is cancelled.
type JobFunc func(ctx context.Context) error

// JobResult is reported when a job finishes.
type JobResult struct {
	InstanceID string
	Err        error
	Cancelled  bool
}

// Jobs tracks running jobs by process instance id.
type Jobs struct {
	mu       sync.Mutex
	running  map[string]context.CancelFunc
	limit    int
	draining bool
	wg       sync.WaitGroup
	onDone   func(JobResult)
}

// NewJobs creates a tracker running at most limit jobs. onDone may be nil.
func NewJobs(limit int, onDone func(JobResult)) *Jobs {
	return &Jobs{
		running: make(map[string]context.CancelFunc),
		limit:   limit,
		onDone:  onDone,
	}
}

// Start runs fn in its own goroutine under a cancellable context derived
// from parent.
func (j *Jobs) Start(parent context.Context, instanceID string, fn JobFunc) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.draining {
		return ErrDraining
	}
	if _, ok := j.running[instanceID]; ok {
		return ErrJobExists
	}
	if j.limit > 0 && len(j.running) >= j.limit {
		return ErrAtCapacity
	}

	ctx, cancel := context.WithCancel(parent)
	j.running[instanceID] = cancel
	j.wg.Add(1)

	go func() {
		defer j.wg.Done()
		err := fn(ctx)
		cancelled := ctx.Err() != nil

		j.mu.Lock()
		delete(j.running, instanceID)
		j.mu.Unlock()
		cancel()

		if j.onDone != nil {
			j.onDone(JobResult{InstanceID: instanceID, Err: err, Cancelled: cancelled})
		}
	}()
	return nil
}

// Cancel cancels one job. It reports whether the job was running.
func (j *Jobs) Cancel(instanceID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	cancel, ok := j.running[instanceID]
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every running job and returns how many there were.
func (j *Jobs) CancelAll() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, cancel := range j.running {
		cancel()
	}
	return len(j.running)
}

// Running returns the number of running jobs.
func (j *Jobs) Running() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.running)
}

// Drain stops accepting jobs and waits for the running ones, or ctx.
func (j *Jobs) Drain(ctx context.Context) error {
	j.mu.Lock()
	j.draining = true
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
