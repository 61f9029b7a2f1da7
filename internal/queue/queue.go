// Package queue implements the canonical task store: priority-ordered
// selection, dependency gating, the retry/fail result policy, and change
// notification.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/orchestra/internal/model"
)

// Listener receives a snapshot of all tasks after every mutating
// operation, plus once immediately on Subscribe. Invocation is
// synchronous; panics are recovered so a broken listener cannot break
// the caller.
type Listener func(tasks []model.Task)

// TaskQueue owns the canonical task map. All operations are atomic under
// a single mutex; snapshots are returned to callers, never internal
// pointers.
type TaskQueue struct {
	mu        sync.Mutex
	tasks     map[string]*model.Task
	claimed   map[string]bool
	seq       uint64
	listeners map[int]Listener
	nextSub   int
}

func New() *TaskQueue {
	return &TaskQueue{
		tasks:     make(map[string]*model.Task),
		claimed:   make(map[string]bool),
		listeners: make(map[int]Listener),
	}
}

// Add validates the submission, applies defaults (status pending,
// priority medium, max retries 3, timeout 5m), stores the task, and
// notifies subscribers. Malformed priority or negative budgets are
// rejected up front.
func (q *TaskQueue) Add(sub model.TaskSubmission) (*model.Task, error) {
	priority, err := model.ParsePriority(string(sub.Priority))
	if err != nil {
		return nil, err
	}
	if sub.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative: %s", sub.Timeout)
	}
	maxRetries := model.DefaultMaxRetries
	if sub.MaxRetries != nil {
		if *sub.MaxRetries < 0 {
			return nil, fmt.Errorf("max retries must not be negative: %d", *sub.MaxRetries)
		}
		maxRetries = *sub.MaxRetries
	}
	timeout := sub.Timeout
	if timeout == 0 {
		timeout = time.Duration(model.DefaultTimeoutMs) * time.Millisecond
	}

	id, err := model.NewID(model.IDTypeTask)
	if err != nil {
		return nil, fmt.Errorf("generate task ID: %w", err)
	}

	var taskContext map[string]string
	if sub.Context != nil {
		taskContext = make(map[string]string, len(sub.Context))
		for k, v := range sub.Context {
			taskContext[k] = v
		}
	}

	now := time.Now().UTC()
	task := &model.Task{
		ID:                   id,
		Title:                sub.Title,
		Description:          sub.Description,
		Status:               model.StatusPending,
		Priority:             priority,
		Dependencies:         append([]string(nil), sub.Dependencies...),
		RequiredCapabilities: append([]string(nil), sub.RequiredCapabilities...),
		Context:              taskContext,
		MaxRetries:           maxRetries,
		Timeout:              timeout,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	q.mu.Lock()
	q.seq++
	task.Seq = q.seq
	q.tasks[task.ID] = task
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return task.Clone(), nil
}

// Get returns a snapshot of the task, or false for unknown IDs.
func (q *TaskQueue) Get(id string) (*model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Dequeue returns the best ready candidate and claims it so repeated
// calls do not hand out the same task. The claim is cleared by the next
// status write (or Release); the task itself is not deleted.
func (q *TaskQueue) Dequeue() (*model.Task, bool) {
	q.mu.Lock()
	best := q.selectLocked()
	if best == nil {
		q.mu.Unlock()
		return nil, false
	}
	q.claimed[best.ID] = true
	clone := best.Clone()
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return clone, true
}

// Peek returns the task Dequeue would return, without claiming it.
func (q *TaskQueue) Peek() (*model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	best := q.selectLocked()
	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

// Release clears a Dequeue claim without changing status, returning the
// task to eligibility. Used when dispatch is abandoned (e.g. no worker).
func (q *TaskQueue) Release(id string) {
	q.mu.Lock()
	delete(q.claimed, id)
	q.mu.Unlock()
}

// UpdateStatus writes a status unconditionally; legality checking belongs
// to higher layers. StartedAt is stamped on first entry to running and
// CompletedAt on entry to any terminal status. Unknown IDs and unknown
// statuses return false.
func (q *TaskQueue) UpdateStatus(id string, status model.Status) (*model.Task, bool) {
	if !model.ValidStatus(status) {
		return nil, false
	}

	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	q.updateStatusLocked(task, status)
	clone := task.Clone()
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return clone, true
}

// SetAssignee records the worker a task is bound to. The binding is kept
// for history even after the task leaves the worker.
func (q *TaskQueue) SetAssignee(id, workerID string) (*model.Task, bool) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	task.AssigneeWorkerID = workerID
	task.UpdatedAt = time.Now().UTC()
	clone := task.Clone()
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return clone, true
}

// SetResult applies the outcome of an execution attempt. Success
// transitions to completed and attaches the result. Failure consumes one
// retry from the budget when any remains (status retrying, no result
// attached); an exhausted budget transitions to failed with the result
// attached. RetryCount never exceeds MaxRetries.
func (q *TaskQueue) SetResult(id string, result model.TaskResult) (*model.Task, bool) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return nil, false
	}

	if result.Success {
		r := result.Clone()
		task.Result = &r
		q.updateStatusLocked(task, model.StatusCompleted)
	} else if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		q.updateStatusLocked(task, model.StatusRetrying)
	} else {
		r := result.Clone()
		task.Result = &r
		q.updateStatusLocked(task, model.StatusFailed)
	}

	clone := task.Clone()
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return clone, true
}

// Remove deletes a task outright. Terminal tasks stay queryable until
// removed by the caller.
func (q *TaskQueue) Remove(id string) bool {
	q.mu.Lock()
	_, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.tasks, id)
	delete(q.claimed, id)
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return true
}

// Cancel forces a non-terminal task to cancelled. Already-terminal tasks
// are left untouched.
func (q *TaskQueue) Cancel(id string) (*model.Task, bool) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || model.IsTerminal(task.Status) {
		q.mu.Unlock()
		return nil, false
	}
	q.updateStatusLocked(task, model.StatusCancelled)
	clone := task.Clone()
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return clone, true
}

// Retry re-queues a failed or cancelled task. This is the caller-facing
// shortcut that bypasses the state machine's failed→retrying→queued
// chain; it is the single canonical manual-retry path. RetryCount is
// consumed but clamped at MaxRetries; the previous result is discarded
// so the result-iff-terminal invariant holds.
func (q *TaskQueue) Retry(id string) (*model.Task, bool) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || (task.Status != model.StatusFailed && task.Status != model.StatusCancelled) {
		q.mu.Unlock()
		return nil, false
	}
	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
	}
	task.Result = nil
	task.CompletedAt = nil
	q.updateStatusLocked(task, model.StatusQueued)
	clone := task.Clone()
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return clone, true
}

// Requeue moves a retrying task back to queued. This is the engine's
// auto-retry leg; the retry itself was already accounted by SetResult.
func (q *TaskQueue) Requeue(id string) (*model.Task, bool) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Status != model.StatusRetrying {
		q.mu.Unlock()
		return nil, false
	}
	q.updateStatusLocked(task, model.StatusQueued)
	clone := task.Clone()
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
	return clone, true
}

// All returns snapshots of every task in insertion order.
func (q *TaskQueue) All() []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allLocked()
}

func (q *TaskQueue) ByPriority(p model.Priority) []model.Task {
	return q.Filter(func(t model.Task) bool { return t.Priority == p })
}

func (q *TaskQueue) ByStatus(s model.Status) []model.Task {
	return q.Filter(func(t model.Task) bool { return t.Status == s })
}

// Filter returns snapshots of tasks matching the predicate, in insertion
// order.
func (q *TaskQueue) Filter(pred func(model.Task) bool) []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.Task
	for _, t := range q.sortedLocked() {
		if pred(*t) {
			out = append(out, *t.Clone())
		}
	}
	return out
}

// Stats counts tasks per status. Every status is present in the map even
// when zero.
func (q *TaskQueue) Stats() map[model.Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[model.Status]int, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		stats[s] = 0
	}
	for _, t := range q.tasks {
		stats[t.Status]++
	}
	return stats
}

// DependenciesMet reports whether every dependency of the task has
// completed. Unknown task IDs and unknown dependencies report false.
func (q *TaskQueue) DependenciesMet(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return false
	}
	return q.dependenciesMetLocked(task)
}

// ReadyTasks returns every task that would be a Dequeue candidate,
// best-first. Readiness is recomputed on each call, so a freshly
// completed dependency makes dependents eligible immediately.
func (q *TaskQueue) ReadyTasks() []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.Task
	for _, t := range q.candidatesLocked() {
		out = append(out, *t.Clone())
	}
	return out
}

// Subscribe registers a listener and invokes it once immediately with the
// current state. The returned function unsubscribes.
func (q *TaskQueue) Subscribe(l Listener) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.listeners[id] = l
	snapshot := q.allLocked()
	q.mu.Unlock()

	notify([]Listener{l}, snapshot)

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Clear drops all tasks and claims. Listeners stay registered.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	q.tasks = make(map[string]*model.Task)
	q.claimed = make(map[string]bool)
	snapshot, listeners := q.snapshotLocked()
	q.mu.Unlock()

	notify(listeners, snapshot)
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *TaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

// updateStatusLocked performs the canonical status write: timestamps,
// claim clearing, and UpdatedAt refresh.
func (q *TaskQueue) updateStatusLocked(task *model.Task, status model.Status) {
	now := time.Now().UTC()
	if status == model.StatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if model.IsTerminal(status) && task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	task.Status = status
	task.UpdatedAt = now
	delete(q.claimed, task.ID)
}

func (q *TaskQueue) dependenciesMetLocked(task *model.Task) bool {
	for _, depID := range task.Dependencies {
		dep, ok := q.tasks[depID]
		if !ok || dep.Status != model.StatusCompleted {
			return false
		}
	}
	return true
}

// candidatesLocked returns ready tasks sorted by priority ordinal
// descending, then insertion sequence ascending (FIFO within a band).
func (q *TaskQueue) candidatesLocked() []*model.Task {
	var candidates []*model.Task
	for _, t := range q.tasks {
		if t.Status != model.StatusPending && t.Status != model.StatusQueued {
			continue
		}
		if q.claimed[t.ID] {
			continue
		}
		if !q.dependenciesMetLocked(t) {
			continue
		}
		candidates = append(candidates, t)
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Priority.Ordinal(), candidates[j].Priority.Ordinal()
		if pi != pj {
			return pi > pj
		}
		return candidates[i].Seq < candidates[j].Seq
	})
	return candidates
}

func (q *TaskQueue) selectLocked() *model.Task {
	candidates := q.candidatesLocked()
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

func (q *TaskQueue) sortedLocked() []*model.Task {
	all := make([]*model.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	return all
}

func (q *TaskQueue) allLocked() []model.Task {
	var out []model.Task
	for _, t := range q.sortedLocked() {
		out = append(out, *t.Clone())
	}
	return out
}

// snapshotLocked captures the state and listener list for post-mutation
// notification outside the lock.
func (q *TaskQueue) snapshotLocked() ([]model.Task, []Listener) {
	listeners := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		listeners = append(listeners, l)
	}
	return q.allLocked(), listeners
}

func notify(listeners []Listener, snapshot []model.Task) {
	for _, l := range listeners {
		func() {
			defer func() {
				// A panicking listener must not break the mutation path.
				_ = recover()
			}()
			l(snapshot)
		}()
	}
}
