package state

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestra/internal/model"
)

func newTask(status model.Status) *model.Task {
	return &model.Task{ID: "task_01ARZ3NDEKTSV4RRFFQ69G5FAV", Title: "t", Status: status}
}

func TestSelfTransitionsIllegal(t *testing.T) {
	m, err := NewMachine()
	require.NoError(t, err)

	for _, s := range model.AllStatuses {
		if m.CanTransition(newTask(s), s) {
			t.Errorf("self-transition %s → %s should be illegal", s, s)
		}
	}
}

func TestTerminalStatesAreClosed(t *testing.T) {
	m, err := NewMachine()
	require.NoError(t, err)

	for _, s := range []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusCancelled} {
		assert.Empty(t, m.ValidTransitions(newTask(s)), "terminal status %s must have no outgoing transitions", s)
	}
}

func TestTransitionTable(t *testing.T) {
	m, err := NewMachine()
	require.NoError(t, err)

	tests := []struct {
		from  model.Status
		to    model.Status
		legal bool
	}{
		{model.StatusPending, model.StatusQueued, true},
		{model.StatusPending, model.StatusRunning, false},
		{model.StatusPending, model.StatusAssigned, false},
		{model.StatusQueued, model.StatusAssigned, true},
		{model.StatusQueued, model.StatusRunning, false},
		{model.StatusAssigned, model.StatusRunning, true},
		{model.StatusRunning, model.StatusPaused, true},
		{model.StatusRunning, model.StatusCompleted, true},
		{model.StatusRunning, model.StatusFailed, true},
		{model.StatusRunning, model.StatusQueued, false},
		{model.StatusPaused, model.StatusRunning, true},
		{model.StatusPaused, model.StatusCompleted, false},
		{model.StatusFailed, model.StatusRetrying, true},
		{model.StatusRetrying, model.StatusQueued, true},
		{model.StatusRetrying, model.StatusRunning, false},
		{model.StatusCompleted, model.StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.legal, m.CanTransition(newTask(tt.from), tt.to))
		})
	}
}

func TestCancelLegalFromEveryNonTerminalState(t *testing.T) {
	m, err := NewMachine()
	require.NoError(t, err)

	for _, s := range model.AllStatuses {
		task := newTask(s)
		if model.IsTerminal(s) {
			assert.False(t, m.CanCancel(task), "cancel from %s", s)
		} else {
			assert.True(t, m.CanCancel(task), "cancel from %s", s)
		}
	}
}

func TestTransitionIllegalLeavesTaskUntouched(t *testing.T) {
	m, err := NewMachine()
	require.NoError(t, err)

	task := newTask(model.StatusPending)
	err = m.Transition(context.Background(), task, model.StatusRunning)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Empty(t, m.History(task.ID))
}

func TestValidatorRejectionBlocksTransition(t *testing.T) {
	var errHookTask *model.Task
	var errHookErr error

	m, err := NewMachine(
		WithValidator(model.StatusPending, model.StatusQueued, func(ctx context.Context, task *model.Task) error {
			return errors.New("not ready")
		}),
		WithOnError(func(task *model.Task, err error) {
			errHookTask = task
			errHookErr = err
		}),
	)
	require.NoError(t, err)

	task := newTask(model.StatusPending)
	err = m.Transition(context.Background(), task, model.StatusQueued)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, model.StatusPending, task.Status, "rejected transition must not mutate status")
	assert.Empty(t, m.History(task.ID))

	require.NotNil(t, errHookTask)
	assert.Equal(t, task.ID, errHookTask.ID)
	assert.EqualError(t, errHookErr, "not ready")
}

func TestValidatorPanicBecomesError(t *testing.T) {
	m, err := NewMachine(
		WithValidator(model.StatusPending, model.StatusQueued, func(ctx context.Context, task *model.Task) error {
			panic("validator exploded")
		}),
	)
	require.NoError(t, err)

	task := newTask(model.StatusPending)
	err = m.Transition(context.Background(), task, model.StatusQueued)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validator panic")
	assert.Equal(t, model.StatusPending, task.Status)
}

func TestHooksObserveTransition(t *testing.T) {
	type call struct {
		from, to model.Status
	}
	var enter, global []call

	m, err := NewMachine(
		WithOnEnter(model.StatusPending, model.StatusQueued, func(task *model.Task, from, to model.Status) {
			enter = append(enter, call{from, to})
		}),
		WithOnTransition(func(task *model.Task, from, to model.Status) {
			global = append(global, call{from, to})
		}),
	)
	require.NoError(t, err)

	task := newTask(model.StatusPending)
	require.NoError(t, m.Queue(context.Background(), task))
	require.NoError(t, m.Assign(context.Background(), task))

	require.Len(t, enter, 1, "per-rule hook fires only for its pair")
	assert.Equal(t, call{model.StatusPending, model.StatusQueued}, enter[0])

	require.Len(t, global, 2)
	assert.Equal(t, call{model.StatusPending, model.StatusQueued}, global[0])
	assert.Equal(t, call{model.StatusQueued, model.StatusAssigned}, global[1])
}

func TestHistoryRecordsActions(t *testing.T) {
	m, err := NewMachine()
	require.NoError(t, err)

	ctx := context.Background()
	task := newTask(model.StatusPending)
	require.NoError(t, m.Queue(ctx, task))
	require.NoError(t, m.Assign(ctx, task))
	require.NoError(t, m.Start(ctx, task))
	require.NoError(t, m.Fail(ctx, task, model.TaskResult{Success: false}))
	require.NoError(t, m.Retry(ctx, task))
	require.NoError(t, m.Requeue(ctx, task))

	history := m.History(task.ID)
	require.Len(t, history, 6)

	wantActions := []string{"queue", "assign", "start", "fail", "retry", "re-queue"}
	for i, rec := range history {
		assert.Equal(t, wantActions[i], rec.Action, "record %d", i)
		assert.False(t, rec.Timestamp.IsZero())
	}
	assert.Equal(t, model.StatusRetrying, history[5].From)
	assert.Equal(t, model.StatusQueued, history[5].To)

	m.ClearHistory(task.ID)
	assert.Empty(t, m.History(task.ID))
}

func TestActionName(t *testing.T) {
	m, err := NewMachine()
	require.NoError(t, err)

	name, ok := m.ActionName(model.StatusRunning, model.StatusCompleted)
	require.True(t, ok)
	assert.Equal(t, "complete", name)

	_, ok = m.ActionName(model.StatusRunning, model.StatusQueued)
	assert.False(t, ok)
}

func TestCompleteAndFailAttachResult(t *testing.T) {
	m, err := NewMachine()
	require.NoError(t, err)

	task := newTask(model.StatusRunning)
	require.NoError(t, m.Complete(context.Background(), task, model.TaskResult{Success: true, Output: "ok"}))
	assert.Equal(t, model.StatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, "ok", task.Result.Output)

	task = newTask(model.StatusRunning)
	require.NoError(t, m.Fail(context.Background(), task, model.TaskResult{Success: false, Output: "boom"}))
	assert.Equal(t, model.StatusFailed, task.Status)
	require.NotNil(t, task.Result)
	assert.False(t, task.Result.Success)
}

func TestOptionOnMissingPairFailsConstruction(t *testing.T) {
	_, err := NewMachine(
		WithValidator(model.StatusCompleted, model.StatusQueued, func(ctx context.Context, task *model.Task) error {
			return nil
		}),
	)
	assert.Error(t, err)

	_, err = NewMachine(
		WithOnEnter(model.StatusPending, model.StatusRunning, func(task *model.Task, from, to model.Status) {}),
	)
	assert.Error(t, err)
}

func TestValidTransitionsRunning(t *testing.T) {
	m, err := NewMachine()
	require.NoError(t, err)

	got := m.ValidTransitions(newTask(model.StatusRunning))
	assert.ElementsMatch(t, []model.Status{
		model.StatusPaused,
		model.StatusCompleted,
		model.StatusFailed,
		model.StatusCancelled,
	}, got)
}
