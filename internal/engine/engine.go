// Package engine implements the scheduler loop: it polls the queue for
// ready tasks, matches them to workers, enforces per-task timeouts,
// drives retry on failure, and reports metrics and events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/msageha/orchestra/internal/events"
	"github.com/msageha/orchestra/internal/model"
	"github.com/msageha/orchestra/internal/queue"
	"github.com/msageha/orchestra/internal/state"
	"github.com/msageha/orchestra/internal/worker"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// TaskEvent names the lifecycle notifications delivered to task
// subscribers.
type TaskEvent string

const (
	TaskEventSubmitted TaskEvent = "submitted"
	TaskEventAssigned  TaskEvent = "assigned"
	TaskEventStarted   TaskEvent = "started"
	TaskEventCompleted TaskEvent = "completed"
	TaskEventFailed    TaskEvent = "failed"
	TaskEventRetried   TaskEvent = "retried"
	TaskEventCancelled TaskEvent = "cancelled"
)

type taskNotification struct {
	Task  model.Task
	Event TaskEvent
}

// EngineStatus is the snapshot handed to status subscribers.
type EngineStatus struct {
	Running    bool
	Paused     bool
	Uptime     time.Duration
	QueueDepth int
	InFlight   int
	Workers    worker.Summary
}

// ErrTaskNotFound mirrors the manager's sentinel for engine callers.
var ErrTaskNotFound = state.ErrTaskNotFound

// Engine is the top-level orchestrator. Construct with New, then Start.
type Engine struct {
	cfg      model.EngineConfig
	queue    *queue.TaskQueue
	machine  *state.Machine
	manager  *state.Manager
	registry *worker.Registry

	logger         *log.Logger
	logLevel       atomic.Int32
	pollIntervalNs atomic.Int64
	pollChanged    chan struct{}

	sem       *semaphore.Weighted
	taskBus   *events.Bus[taskNotification]
	statusBus *events.Bus[EngineStatus]
	prom      *promMetrics

	mu        sync.Mutex
	running   bool
	paused    bool
	startedAt time.Time
	cancel    context.CancelFunc
	inflight  map[string]context.CancelFunc

	countersMu sync.Mutex
	counters   model.MetricsCounters

	wg sync.WaitGroup

	// promReg is only consulted during construction.
	promReg prometheus.Registerer
}

type Option func(*Engine)

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithLogLevel(level LogLevel) Option {
	return func(e *Engine) { e.logLevel.Store(int32(level)) }
}

// WithRegisterer overrides the Prometheus registry used when metrics are
// enabled. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.promReg = reg }
}

// New builds an engine around an injected worker registry. The queue,
// state machine, and manager are constructed internally so all canonical
// task state lives behind one engine instance.
func New(cfg model.EngineConfig, registry *worker.Registry, opts ...Option) (*Engine, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if registry == nil {
		return nil, errors.New("engine requires a worker registry")
	}

	machine, err := state.NewMachine()
	if err != nil {
		return nil, fmt.Errorf("build state machine: %w", err)
	}

	q := queue.New()
	e := &Engine{
		cfg:         cfg,
		queue:       q,
		machine:     machine,
		manager:     state.NewManager(q, machine),
		registry:    registry,
		logger:      log.New(os.Stderr, "", 0),
		pollChanged: make(chan struct{}, 1),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		taskBus:     events.NewBus[taskNotification](0),
		statusBus:   events.NewBus[EngineStatus](0),
		inflight:    make(map[string]context.CancelFunc),
		promReg:     prometheus.DefaultRegisterer,
	}
	e.logLevel.Store(int32(LogLevelInfo))
	e.pollIntervalNs.Store(int64(cfg.PollInterval()))
	for _, opt := range opts {
		opt(e)
	}
	if cfg.EnableMetrics {
		e.prom = newPromMetrics(e.promReg)
	}
	e.promReg = nil
	return e, nil
}

// Start begins the poll loop. Idempotent: a second call logs and no-ops.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.log(LogLevelInfo, "engine_start skipped reason=already_running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.paused = false
	e.startedAt = time.Now().UTC()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.pollLoop(ctx)

	e.log(LogLevelInfo, "engine_started max_concurrent=%d poll_interval=%s",
		e.cfg.MaxConcurrentTasks, e.pollInterval())
	e.publishStatus()
}

// SetLogLevel changes the logging threshold at runtime, e.g. on config
// reload.
func (e *Engine) SetLogLevel(level LogLevel) {
	e.logLevel.Store(int32(level))
}

// SetPollInterval changes the dispatch cadence at runtime. The poll loop
// picks the new interval up immediately; non-positive values are
// ignored.
func (e *Engine) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if time.Duration(e.pollIntervalNs.Swap(int64(d))) == d {
		return
	}
	select {
	case e.pollChanged <- struct{}{}:
	default:
	}
	e.log(LogLevelInfo, "poll_interval_updated interval=%s", d)
}

func (e *Engine) pollInterval() time.Duration {
	return time.Duration(e.pollIntervalNs.Load())
}

// Pause stops dispatching new work without touching in-flight
// executions.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.log(LogLevelInfo, "engine_paused")
	e.publishStatus()
}

// Resume re-enables dispatch.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.log(LogLevelInfo, "engine_resumed")
	e.publishStatus()
}

// Stop halts the poll loop. With force false, in-flight executions are
// allowed to finish naturally; with force true they are signalled to
// cancel and not waited for.
func (e *Engine) Stop(force bool) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		e.log(LogLevelInfo, "engine_stop skipped reason=not_running")
		return
	}
	e.running = false
	e.paused = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	cancel()

	if force {
		e.mu.Lock()
		for id, cancelExec := range e.inflight {
			e.log(LogLevelWarn, "execution_abandoned task=%s", id)
			cancelExec()
		}
		e.mu.Unlock()
	} else {
		e.wg.Wait()
	}

	e.log(LogLevelInfo, "engine_stopped force=%v", force)
	e.publishStatus()
}

// SubmitTask validates the descriptor, applies engine-level defaults on
// top of queue defaults, and admits the task as queued.
func (e *Engine) SubmitTask(sub model.TaskSubmission) (*model.Task, error) {
	if strings.TrimSpace(sub.Title) == "" {
		return nil, errors.New("task title is required")
	}
	if sub.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative: %s", sub.Timeout)
	}
	if sub.MaxRetries != nil && *sub.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative: %d", *sub.MaxRetries)
	}
	if sub.Timeout == 0 {
		sub.Timeout = e.cfg.DefaultTimeout()
	}
	if sub.MaxRetries == nil {
		retries := e.cfg.DefaultMaxRetries
		sub.MaxRetries = &retries
	}

	task, err := e.manager.SubmitTask(context.Background(), sub)
	if err != nil {
		return nil, err
	}

	e.countersMu.Lock()
	e.counters.TasksSubmitted++
	e.countersMu.Unlock()
	if e.prom != nil {
		e.prom.tasksSubmitted.Inc()
	}

	e.log(LogLevelInfo, "task_submitted id=%s priority=%s deps=%d",
		task.ID, task.Priority, len(task.Dependencies))
	e.publishTask(task, TaskEventSubmitted)
	return task, nil
}

// CancelTask cancels a queued task directly, or signals an in-flight
// execution to stop waiting. Unknown IDs and already-terminal tasks
// return false.
func (e *Engine) CancelTask(id string) bool {
	e.mu.Lock()
	cancelExec, inflight := e.inflight[id]
	e.mu.Unlock()
	if inflight {
		cancelExec()
		e.log(LogLevelInfo, "task_cancel_signalled id=%s", id)
		return true
	}

	task, ok := e.queue.Get(id)
	if !ok || model.IsTerminal(task.Status) {
		return false
	}
	updated, err := e.manager.CancelTask(context.Background(), id)
	if err != nil {
		e.log(LogLevelWarn, "task_cancel_failed id=%s error=%v", id, err)
		return false
	}

	e.countersMu.Lock()
	e.counters.TasksCancelled++
	e.countersMu.Unlock()
	if e.prom != nil {
		e.prom.tasksCancelled.Inc()
	}

	e.log(LogLevelInfo, "task_cancelled id=%s", id)
	e.publishTask(updated, TaskEventCancelled)
	return true
}

// RetryTask re-queues a failed task via the queue's retry shortcut. Only
// the failed state is accepted here; retrying tasks are handled by
// auto-retry or the manager's requeue.
func (e *Engine) RetryTask(id string) (*model.Task, error) {
	task, ok := e.queue.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status != model.StatusFailed {
		return nil, fmt.Errorf("%w: %q → %q", state.ErrIllegalTransition, task.Status, model.StatusQueued)
	}
	updated, ok := e.manager.RetryTask(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	e.countersMu.Lock()
	e.counters.TasksRetried++
	e.countersMu.Unlock()
	if e.prom != nil {
		e.prom.tasksRetried.Inc()
	}

	e.log(LogLevelInfo, "task_retried id=%s retry_count=%d", updated.ID, updated.RetryCount)
	e.publishTask(updated, TaskEventRetried)
	return updated, nil
}

// ExecuteTask is the dispatch primitive: it races the worker's Execute
// against the task's timeout and normalizes every outcome into a
// TaskResult. It does not apply queue state; the poll loop's outcome
// handling does that.
func (e *Engine) ExecuteTask(task *model.Task, w worker.Worker) model.TaskResult {
	res, _ := e.executeTask(task, w)
	return res
}

// Read-only accessors.

func (e *Engine) GetTask(id string) (*model.Task, bool) { return e.queue.Get(id) }
func (e *Engine) Tasks() []model.Task                   { return e.queue.All() }
func (e *Engine) TasksByStatus(s model.Status) []model.Task {
	return e.queue.ByStatus(s)
}
func (e *Engine) QueueStats() map[model.Status]int { return e.queue.Stats() }
func (e *Engine) Workers() []worker.Worker         { return e.registry.Workers() }
func (e *Engine) WorkerStats() map[string]worker.Stats {
	return e.registry.Stats()
}

// FindWorkerForTask exposes the registry's capability lookup.
func (e *Engine) FindWorkerForTask(id string) (worker.Worker, bool) {
	task, ok := e.queue.Get(id)
	if !ok {
		return nil, false
	}
	return e.registry.FindForTask(task)
}

// TaskHistory returns the recorded state transitions of a task.
func (e *Engine) TaskHistory(id string) []state.TransitionRecord {
	return e.manager.TaskHistory(id)
}

// Status reports the loop flags, uptime, queue depth, and pool summary.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	running := e.running
	paused := e.paused
	var uptime time.Duration
	if running {
		uptime = time.Since(e.startedAt)
	}
	inflight := len(e.inflight)
	e.mu.Unlock()

	stats := e.queue.Stats()
	depth := stats[model.StatusPending] + stats[model.StatusQueued] + stats[model.StatusRetrying]

	return EngineStatus{
		Running:    running,
		Paused:     paused,
		Uptime:     uptime,
		QueueDepth: depth,
		InFlight:   inflight,
		Workers:    e.registry.Summary(),
	}
}

// Metrics returns the counter block with the derived success rate,
// zero-safe when nothing has finished yet.
func (e *Engine) Metrics() model.Metrics {
	e.countersMu.Lock()
	counters := e.counters
	e.countersMu.Unlock()
	return model.Metrics{
		MetricsCounters: counters,
		SuccessRate:     counters.ComputeSuccessRate(),
	}
}

// SubscribeStatus registers a status listener; returns unsubscribe.
func (e *Engine) SubscribeStatus(fn func(EngineStatus)) func() {
	return e.statusBus.Subscribe(fn)
}

// SubscribeTasks registers a task-event listener; returns unsubscribe.
func (e *Engine) SubscribeTasks(fn func(model.Task, TaskEvent)) func() {
	return e.taskBus.Subscribe(func(n taskNotification) {
		fn(n.Task, n.Event)
	})
}

// pollLoop drives dispatch at the configured interval until the engine
// context is cancelled.
func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.pollChanged:
			ticker.Reset(e.pollInterval())
		case <-ticker.C:
			if !e.isPaused() {
				e.dispatchReady(ctx)
			}
			e.publishStatus()
		}
	}
}

// dispatchReady fills free in-flight slots with ready tasks. The slot is
// acquired non-blocking before dequeue so the loop never over-claims. A
// task with no eligible worker is skipped for the rest of the tick (its
// claim held so selection moves past it) rather than blocking
// lower-priority tasks other workers could serve; skipped claims are
// returned when the tick ends.
func (e *Engine) dispatchReady(ctx context.Context) {
	var skipped []string
	defer func() {
		for _, id := range skipped {
			e.queue.Release(id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !e.sem.TryAcquire(1) {
			return
		}

		task, ok := e.manager.NextTask()
		if !ok {
			e.sem.Release(1)
			return
		}

		w, ok := e.registry.FindForTask(task)
		if !ok {
			skipped = append(skipped, task.ID)
			e.sem.Release(1)
			e.log(LogLevelDebug, "dispatch_skipped task=%s reason=no_worker", task.ID)
			continue
		}

		assigned, err := e.manager.AssignTask(ctx, task.ID, w.ID())
		if err != nil {
			e.queue.Release(task.ID)
			e.sem.Release(1)
			e.log(LogLevelWarn, "assign_failed task=%s worker=%s error=%v", task.ID, w.ID(), err)
			continue
		}
		e.publishTask(assigned, TaskEventAssigned)

		started, err := e.manager.StartTask(ctx, task.ID)
		if err != nil {
			e.sem.Release(1)
			e.log(LogLevelWarn, "start_failed task=%s error=%v", task.ID, err)
			continue
		}
		e.publishTask(started, TaskEventStarted)
		e.log(LogLevelInfo, "task_dispatched id=%s worker=%s timeout=%s",
			task.ID, w.ID(), started.Timeout)

		e.wg.Add(1)
		go func(t *model.Task, w worker.Worker) {
			defer e.wg.Done()
			defer e.sem.Release(1)
			e.runTask(t, w)
		}(started, w)
	}
}

// runTask executes one attempt and applies its outcome: completion,
// retry-or-fail policy, or cancellation.
func (e *Engine) runTask(task *model.Task, w worker.Worker) {
	if e.prom != nil {
		e.prom.inFlight.Inc()
		defer e.prom.inFlight.Dec()
	}

	res, cancelled := e.executeTask(task, w)
	if e.prom != nil {
		e.prom.executionSeconds.Observe(res.ExecutionTime.Seconds())
	}
	e.registry.RecordResult(w.ID(), res.Success && !cancelled)

	ctx := context.Background()

	if cancelled {
		updated, err := e.manager.CancelTask(ctx, task.ID)
		if err != nil {
			e.log(LogLevelWarn, "cancel_apply_failed task=%s error=%v", task.ID, err)
			return
		}
		e.countersMu.Lock()
		e.counters.TasksCancelled++
		e.countersMu.Unlock()
		if e.prom != nil {
			e.prom.tasksCancelled.Inc()
		}
		e.log(LogLevelInfo, "task_cancelled id=%s worker=%s", task.ID, w.ID())
		e.publishTask(updated, TaskEventCancelled)
		return
	}

	if res.Success {
		updated, err := e.manager.CompleteTask(ctx, task.ID, res)
		if err != nil {
			e.log(LogLevelWarn, "complete_apply_failed task=%s error=%v", task.ID, err)
			return
		}
		e.countersMu.Lock()
		e.counters.TasksCompleted++
		e.countersMu.Unlock()
		if e.prom != nil {
			e.prom.tasksCompleted.Inc()
		}
		e.log(LogLevelInfo, "task_completed id=%s worker=%s duration=%s",
			task.ID, w.ID(), res.ExecutionTime)
		e.publishTask(updated, TaskEventCompleted)
		return
	}

	updated, err := e.manager.FailTask(ctx, task.ID, res)
	if err != nil {
		e.log(LogLevelWarn, "fail_apply_failed task=%s error=%v", task.ID, err)
		return
	}

	switch updated.Status {
	case model.StatusRetrying:
		e.log(LogLevelInfo, "task_retrying id=%s retry_count=%d max_retries=%d",
			updated.ID, updated.RetryCount, updated.MaxRetries)
		if e.cfg.EnableAutoRetry {
			requeued, err := e.manager.RequeueTask(ctx, task.ID)
			if err != nil {
				e.log(LogLevelWarn, "requeue_failed task=%s error=%v", task.ID, err)
				return
			}
			e.countersMu.Lock()
			e.counters.TasksRetried++
			e.countersMu.Unlock()
			if e.prom != nil {
				e.prom.tasksRetried.Inc()
			}
			e.publishTask(requeued, TaskEventRetried)
		} else {
			e.publishTask(updated, TaskEventRetried)
		}
	case model.StatusFailed:
		e.countersMu.Lock()
		e.counters.TasksFailed++
		e.countersMu.Unlock()
		if e.prom != nil {
			e.prom.tasksFailed.Inc()
		}
		e.log(LogLevelInfo, "task_failed id=%s worker=%s retry_count=%d",
			updated.ID, w.ID(), updated.RetryCount)
		e.publishTask(updated, TaskEventFailed)
	}
}

// executeTask races the worker call against the task's deadline. Exactly
// one of success, error failure, timeout failure, or cancellation occurs;
// the loser is not awaited further.
func (e *Engine) executeTask(task *model.Task, w worker.Worker) (model.TaskResult, bool) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	e.mu.Lock()
	e.inflight[task.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, task.ID)
		e.mu.Unlock()
	}()

	type outcome struct {
		res model.TaskResult
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		res, err := callWorker(ctx, w, task)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			return model.TaskResult{
				Success:       false,
				ExecutionTime: elapsed,
				Logs:          []string{fmt.Sprintf("worker error: %v", out.err)},
			}, false
		}
		res := out.res
		if res.ExecutionTime == 0 {
			res.ExecutionTime = elapsed
		}
		return res, false
	case <-ctx.Done():
		elapsed := time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.TaskResult{
				Success:       false,
				ExecutionTime: elapsed,
				Logs:          []string{fmt.Sprintf("task timed out after %s", timeout)},
			}, false
		}
		return model.TaskResult{
			Success:       false,
			ExecutionTime: elapsed,
			Logs:          []string{"task cancelled"},
		}, true
	}
}

// callWorker shields the engine from panicking workers.
func callWorker(ctx context.Context, w worker.Worker, task *model.Task) (res model.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.Execute(ctx, task)
}

func (e *Engine) publishTask(task *model.Task, event TaskEvent) {
	e.taskBus.Publish(taskNotification{Task: *task.Clone(), Event: event})
}

func (e *Engine) publishStatus() {
	e.statusBus.Publish(e.Status())
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < LogLevel(e.logLevel.Load()) {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s engine: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
