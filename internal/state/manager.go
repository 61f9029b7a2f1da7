package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/orchestra/internal/model"
	"github.com/msageha/orchestra/internal/queue"
)

// ErrTaskNotFound is returned by manager verbs for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Manager composes the queue and the state machine so callers get
// "queue mutation + legality" as single operations. The machine runs on
// snapshots; every canonical write goes back through the queue.
type Manager struct {
	queue   *queue.TaskQueue
	machine *Machine
}

func NewManager(q *queue.TaskQueue, m *Machine) *Manager {
	return &Manager{queue: q, machine: m}
}

func (mg *Manager) Queue() *queue.TaskQueue { return mg.queue }
func (mg *Manager) Machine() *Machine       { return mg.machine }

// SubmitTask admits a task and immediately queues it, so callers receive
// a task already eligible for dispatch.
func (mg *Manager) SubmitTask(ctx context.Context, sub model.TaskSubmission) (*model.Task, error) {
	task, err := mg.queue.Add(sub)
	if err != nil {
		return nil, err
	}
	if err := mg.machine.Queue(ctx, task); err != nil {
		return nil, err
	}
	updated, _ := mg.queue.UpdateStatus(task.ID, model.StatusQueued)
	return updated, nil
}

// NextTask hands out the best ready task (queue dequeue semantics).
func (mg *Manager) NextTask() (*model.Task, bool) {
	return mg.queue.Dequeue()
}

// PeekTask inspects the best ready task without claiming it.
func (mg *Manager) PeekTask() (*model.Task, bool) {
	return mg.queue.Peek()
}

// AssignTask binds a task to a worker: queued → assigned.
func (mg *Manager) AssignTask(ctx context.Context, id, workerID string) (*model.Task, error) {
	task, ok := mg.queue.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := mg.machine.Assign(ctx, task); err != nil {
		return nil, err
	}
	mg.queue.SetAssignee(id, workerID)
	updated, _ := mg.queue.UpdateStatus(id, model.StatusAssigned)
	return updated, nil
}

// StartTask moves an assigned task to running.
func (mg *Manager) StartTask(ctx context.Context, id string) (*model.Task, error) {
	return mg.applyVerb(ctx, id, mg.machine.Start, model.StatusRunning)
}

// PauseTask moves a running task to paused.
func (mg *Manager) PauseTask(ctx context.Context, id string) (*model.Task, error) {
	return mg.applyVerb(ctx, id, mg.machine.Pause, model.StatusPaused)
}

// ResumeTask moves a paused task back to running.
func (mg *Manager) ResumeTask(ctx context.Context, id string) (*model.Task, error) {
	return mg.applyVerb(ctx, id, mg.machine.Resume, model.StatusRunning)
}

// CancelTask cancels from any non-terminal state.
func (mg *Manager) CancelTask(ctx context.Context, id string) (*model.Task, error) {
	return mg.applyVerb(ctx, id, mg.machine.Cancel, model.StatusCancelled)
}

// CompleteTask validates running → completed and persists the result.
func (mg *Manager) CompleteTask(ctx context.Context, id string, result model.TaskResult) (*model.Task, error) {
	task, ok := mg.queue.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := mg.machine.Complete(ctx, task, result); err != nil {
		return nil, err
	}
	updated, _ := mg.queue.SetResult(id, result)
	return updated, nil
}

// FailTask validates that failing is legal, then lets the queue's result
// policy pick the final state. When the budget grants a retry the
// failed→retrying leg is recorded in history as well, so the audit trail
// matches the machine's canonical path.
func (mg *Manager) FailTask(ctx context.Context, id string, result model.TaskResult) (*model.Task, error) {
	task, ok := mg.queue.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := mg.machine.Fail(ctx, task, result); err != nil {
		return nil, err
	}
	updated, _ := mg.queue.SetResult(id, result)
	if updated != nil && updated.Status == model.StatusRetrying {
		_ = mg.machine.Retry(ctx, task)
	}
	return updated, nil
}

// RetryTask is the manual re-queue of a failed or cancelled task,
// delegating to the queue's direct shortcut.
func (mg *Manager) RetryTask(id string) (*model.Task, bool) {
	return mg.queue.Retry(id)
}

// RequeueTask moves a retrying task back to queued (auto-retry leg).
func (mg *Manager) RequeueTask(ctx context.Context, id string) (*model.Task, error) {
	return mg.applyVerb(ctx, id, mg.machine.Requeue, model.StatusQueued)
}

// TaskHistory returns the recorded transitions for a task.
func (mg *Manager) TaskHistory(id string) []TransitionRecord {
	return mg.machine.History(id)
}

// Stats delegates to the queue's per-status counts.
func (mg *Manager) Stats() map[model.Status]int {
	return mg.queue.Stats()
}

func (mg *Manager) applyVerb(ctx context.Context, id string, verb func(context.Context, *model.Task) error, to model.Status) (*model.Task, error) {
	task, ok := mg.queue.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := verb(ctx, task); err != nil {
		return nil, err
	}
	updated, _ := mg.queue.UpdateStatus(id, to)
	return updated, nil
}
