// Package job defines the Job record persisted by the task queue and the
// closed failure taxonomy used to classify worker outcomes.
package job

import (
	"time"

	"github.com/joshfire/hookmachine/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be picked up by the scheduler.
	StatusPending Status = "pending"
	// StatusRunning means the worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusSuccess means the job finished successfully. Terminal.
	StatusSuccess Status = "success"
	// StatusFailure means the job finished with an error. Terminal.
	StatusFailure Status = "failure"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Params is the opaque payload supplied by a producer. The queue never
// inspects its shape beyond requiring it to be non-nil; the worker
// interprets it.
type Params map[string]any

// Result is the opaque payload returned by the worker on success.
type Result map[string]any

// Job is one unit of queued work. The persisted index record is the
// authoritative copy; presence in the pending or running bucket is a
// secondary traversal index kept consistent with Status.
type Job struct {
	ID           id.JobID   `json:"id"`
	Params       Params     `json:"params"`
	Status       Status     `json:"status"`
	DateCreated  time.Time  `json:"dateCreated"`
	DateFinished *time.Time `json:"dateFinished,omitempty"`

	// Error and ErrorCode are set only when Status is StatusFailure.
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"errorCode,omitempty"`

	// Result is set only when Status is StatusSuccess.
	Result Result `json:"result,omitempty"`
}

// New creates a pending Job with a fresh time-ordered ID.
func New(params Params) *Job {
	return &Job{
		ID:          id.NewJobID(),
		Params:      params,
		Status:      StatusPending,
		DateCreated: time.Now().UTC(),
	}
}

// Name returns the job's "name" param, used for logging. Producers are
// expected to set one; missing names come back empty.
func (j *Job) Name() string {
	if j.Params == nil {
		return ""
	}
	name, _ := j.Params["name"].(string)
	return name
}

// Clone returns a deep copy of the job. Get hands clones to callers so
// queue-internal state can never be mutated through the returned value.
func (j *Job) Clone() *Job {
	cp := *j
	if j.DateFinished != nil {
		t := *j.DateFinished
		cp.DateFinished = &t
	}
	cp.Params = cloneMap(j.Params)
	cp.Result = cloneMap(j.Result)
	return &cp
}

func cloneMap[M ~map[string]any](m M) M {
	if m == nil {
		return nil
	}
	cp := make(M, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			cp[k] = cloneMap(nested)
			continue
		}
		cp[k] = v
	}
	return cp
}
