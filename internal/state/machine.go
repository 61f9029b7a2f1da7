// Package state implements the task lifecycle: a transition-table state
// machine with per-rule validators and hooks, and a manager that
// composes the machine with the queue for common lifecycle sequences.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/orchestra/internal/model"
)

// ErrIllegalTransition marks a transition rejected by the table. Callers
// branch with errors.Is; no transition failure is ever a panic.
var ErrIllegalTransition = errors.New("illegal transition")

// Validator vets a transition before it is applied. A non-nil error
// blocks the transition without mutating status.
type Validator func(ctx context.Context, task *model.Task) error

// Hook observes a committed transition.
type Hook func(task *model.Task, from, to model.Status)

// ErrorHook observes validator failures.
type ErrorHook func(task *model.Task, err error)

// Rule is one entry of the transition table: the legal (from, to) pair,
// its action name, and optional validator and on-enter callback.
type Rule struct {
	From      model.Status
	To        model.Status
	Action    string
	Validator Validator
	OnEnter   Hook
}

// TransitionRecord is one line of a task's transition history.
type TransitionRecord struct {
	From      model.Status
	To        model.Status
	Action    string
	Timestamp time.Time
}

// Machine evaluates transition legality and applies transitions to task
// snapshots. It never touches queue storage; canonical writes stay with
// the queue.
type Machine struct {
	rules map[model.Status]map[model.Status]*Rule

	onTransition Hook
	onError      ErrorHook

	mu      sync.Mutex
	history map[string][]TransitionRecord
}

type Option func(*Machine) error

// WithOnTransition sets a hook invoked after every successful transition.
func WithOnTransition(h Hook) Option {
	return func(m *Machine) error {
		m.onTransition = h
		return nil
	}
}

// WithOnError sets a hook invoked when a validator rejects or fails.
func WithOnError(h ErrorHook) Option {
	return func(m *Machine) error {
		m.onError = h
		return nil
	}
}

// WithValidator attaches a validator to an existing table entry.
// Referencing a pair the table does not contain is a construction error.
func WithValidator(from, to model.Status, v Validator) Option {
	return func(m *Machine) error {
		rule, ok := m.rules[from][to]
		if !ok {
			return fmt.Errorf("no transition %q → %q to attach validator", from, to)
		}
		rule.Validator = v
		return nil
	}
}

// WithOnEnter attaches an on-enter callback to an existing table entry.
func WithOnEnter(from, to model.Status, h Hook) Option {
	return func(m *Machine) error {
		rule, ok := m.rules[from][to]
		if !ok {
			return fmt.Errorf("no transition %q → %q to attach hook", from, to)
		}
		rule.OnEnter = h
		return nil
	}
}

// defaultRules is the authoritative transition table. Terminal states
// have no outgoing entries; self-transitions are absent and therefore
// illegal; cancel is legal from every non-terminal state.
func defaultRules() []Rule {
	return []Rule{
		{From: model.StatusPending, To: model.StatusQueued, Action: "queue"},
		{From: model.StatusPending, To: model.StatusCancelled, Action: "cancel"},
		{From: model.StatusQueued, To: model.StatusAssigned, Action: "assign"},
		{From: model.StatusQueued, To: model.StatusCancelled, Action: "cancel"},
		{From: model.StatusAssigned, To: model.StatusRunning, Action: "start"},
		{From: model.StatusAssigned, To: model.StatusCancelled, Action: "cancel"},
		{From: model.StatusRunning, To: model.StatusPaused, Action: "pause"},
		{From: model.StatusRunning, To: model.StatusCompleted, Action: "complete"},
		{From: model.StatusRunning, To: model.StatusFailed, Action: "fail"},
		{From: model.StatusRunning, To: model.StatusCancelled, Action: "cancel"},
		{From: model.StatusPaused, To: model.StatusRunning, Action: "resume"},
		{From: model.StatusPaused, To: model.StatusCancelled, Action: "cancel"},
		{From: model.StatusFailed, To: model.StatusRetrying, Action: "retry"},
		{From: model.StatusFailed, To: model.StatusCancelled, Action: "cancel"},
		{From: model.StatusRetrying, To: model.StatusQueued, Action: "re-queue"},
	}
}

// NewMachine builds a machine over the default transition table. Options
// referencing nonexistent table entries fail construction.
func NewMachine(opts ...Option) (*Machine, error) {
	m := &Machine{
		rules:   make(map[model.Status]map[model.Status]*Rule),
		history: make(map[string][]TransitionRecord),
	}
	for _, r := range defaultRules() {
		rule := r
		if !model.ValidStatus(rule.From) || !model.ValidStatus(rule.To) {
			return nil, fmt.Errorf("malformed transition rule: %q → %q", rule.From, rule.To)
		}
		if m.rules[rule.From] == nil {
			m.rules[rule.From] = make(map[model.Status]*Rule)
		}
		m.rules[rule.From][rule.To] = &rule
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CanTransition is a table lookup with no side effects.
func (m *Machine) CanTransition(task *model.Task, to model.Status) bool {
	_, ok := m.rules[task.Status][to]
	return ok
}

// ValidTransitions enumerates the legal next statuses in a fixed order.
func (m *Machine) ValidTransitions(task *model.Task) []model.Status {
	var out []model.Status
	for _, s := range model.AllStatuses {
		if _, ok := m.rules[task.Status][s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ActionName returns the action associated with a (from, to) pair.
func (m *Machine) ActionName(from, to model.Status) (string, bool) {
	rule, ok := m.rules[from][to]
	if !ok {
		return "", false
	}
	return rule.Action, true
}

// CanCancel reports whether the task can still be cancelled.
func (m *Machine) CanCancel(task *model.Task) bool {
	return m.CanTransition(task, model.StatusCancelled)
}

// Transition applies a status change to the passed snapshot: legality
// lookup, validator, hooks, status write, history append. An illegal pair
// or failed validator yields an error and leaves the snapshot untouched.
func (m *Machine) Transition(ctx context.Context, task *model.Task, to model.Status) error {
	from := task.Status
	rule, ok := m.rules[from][to]
	if !ok {
		return fmt.Errorf("%w: %q → %q", ErrIllegalTransition, from, to)
	}

	if rule.Validator != nil {
		if err := m.runValidator(ctx, rule, task); err != nil {
			if m.onError != nil {
				m.onError(task, err)
			}
			return fmt.Errorf("transition %q → %q rejected: %w", from, to, err)
		}
	}

	if rule.OnEnter != nil {
		rule.OnEnter(task, from, to)
	}
	if m.onTransition != nil {
		m.onTransition(task, from, to)
	}

	task.Status = to
	task.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	m.history[task.ID] = append(m.history[task.ID], TransitionRecord{
		From:      from,
		To:        to,
		Action:    rule.Action,
		Timestamp: time.Now().UTC(),
	})
	m.mu.Unlock()

	return nil
}

// runValidator converts validator panics into errors so a broken
// validator cannot take down the caller.
func (m *Machine) runValidator(ctx context.Context, rule *Rule, task *model.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	return rule.Validator(ctx, task)
}

// History returns a copy of the task's transition records in order.
func (m *Machine) History(taskID string) []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransitionRecord(nil), m.history[taskID]...)
}

// ClearHistory drops the records for a task, e.g. after Remove.
func (m *Machine) ClearHistory(taskID string) {
	m.mu.Lock()
	delete(m.history, taskID)
	m.mu.Unlock()
}

// Named wrappers over Transition. Complete and Fail stamp the result
// before transitioning so hooks observe the full outcome.

func (m *Machine) Queue(ctx context.Context, task *model.Task) error {
	return m.Transition(ctx, task, model.StatusQueued)
}

func (m *Machine) Assign(ctx context.Context, task *model.Task) error {
	return m.Transition(ctx, task, model.StatusAssigned)
}

func (m *Machine) Start(ctx context.Context, task *model.Task) error {
	return m.Transition(ctx, task, model.StatusRunning)
}

func (m *Machine) Pause(ctx context.Context, task *model.Task) error {
	return m.Transition(ctx, task, model.StatusPaused)
}

func (m *Machine) Resume(ctx context.Context, task *model.Task) error {
	return m.Transition(ctx, task, model.StatusRunning)
}

func (m *Machine) Complete(ctx context.Context, task *model.Task, result model.TaskResult) error {
	r := result.Clone()
	task.Result = &r
	return m.Transition(ctx, task, model.StatusCompleted)
}

func (m *Machine) Fail(ctx context.Context, task *model.Task, result model.TaskResult) error {
	r := result.Clone()
	task.Result = &r
	return m.Transition(ctx, task, model.StatusFailed)
}

func (m *Machine) Retry(ctx context.Context, task *model.Task) error {
	return m.Transition(ctx, task, model.StatusRetrying)
}

func (m *Machine) Requeue(ctx context.Context, task *model.Task) error {
	return m.Transition(ctx, task, model.StatusQueued)
}

func (m *Machine) Cancel(ctx context.Context, task *model.Task) error {
	return m.Transition(ctx, task, model.StatusCancelled)
}
