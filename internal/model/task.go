// Package model defines the data structures for orchestra's tasks,
// results, configuration, and metrics counters.
package model

import "time"

// Task is the unit of work tracked through the lifecycle. The queue owns
// the canonical copy; every other component operates on snapshots.
type Task struct {
	ID                   string
	Title                string
	Description          string
	Status               Status
	Priority             Priority
	AssigneeWorkerID     string
	Dependencies         []string
	RequiredCapabilities []string
	Context              map[string]string
	Result               *TaskResult
	RetryCount           int
	MaxRetries           int
	Timeout              time.Duration
	StartedAt            *time.Time
	CompletedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time

	// Seq is the queue-assigned insertion sequence, used for FIFO
	// tie-breaking within a priority band.
	Seq uint64
}

// Clone returns a deep copy so callers can hand tasks around without
// aliasing the queue's canonical record.
func (t *Task) Clone() *Task {
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.RequiredCapabilities != nil {
		c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	}
	if t.Context != nil {
		c.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	if t.Result != nil {
		r := t.Result.Clone()
		c.Result = &r
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// TaskResult records the outcome of one execution attempt. Immutable once
// attached to a task.
type TaskResult struct {
	Success       bool
	Output        string
	ExecutionTime time.Duration
	Logs          []string
}

func (r TaskResult) Clone() TaskResult {
	c := r
	if r.Logs != nil {
		c.Logs = append([]string(nil), r.Logs...)
	}
	return c
}

// TaskSubmission is the caller-facing descriptor for a new task. Zero
// values fall back to queue defaults; MaxRetries is a pointer so an
// explicit zero (no retries) is distinguishable from unset.
type TaskSubmission struct {
	Title                string
	Description          string
	Priority             Priority
	Dependencies         []string
	RequiredCapabilities []string
	Context              map[string]string
	MaxRetries           *int
	Timeout              time.Duration
}
