// Package worker defines the worker contract consumed by the engine and
// an explicitly constructed, injectable registry — no process-wide
// singleton, so tests run against isolated pools.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/msageha/orchestra/internal/model"
)

// Worker is an external executor. Execute may block; it must honor ctx
// cancellation if it wants its underlying work halted — the engine only
// stops waiting.
type Worker interface {
	ID() string
	Capabilities() []string
	Available() bool
	Execute(ctx context.Context, task *model.Task) (model.TaskResult, error)
}

// ErrNoWorker is returned when no registered worker is eligible.
var ErrNoWorker = errors.New("no eligible worker")

// Stats counts execution outcomes for one worker.
type Stats struct {
	Executed  int
	Succeeded int
	Failed    int
}

// Summary is a pool overview for status reporting.
type Summary struct {
	Total     int
	Available int
}

// Registry holds the worker pool in registration order. Matching is
// capability overlap plus availability, first eligible wins — no load
// balancing.
type Registry struct {
	mu      sync.RWMutex
	workers []Worker
	byID    map[string]Worker
	stats   map[string]*Stats
}

func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]Worker),
		stats: make(map[string]*Stats),
	}
}

func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[w.ID()]; exists {
		return fmt.Errorf("worker %q already registered", w.ID())
	}
	r.workers = append(r.workers, w)
	r.byID[w.ID()] = w
	r.stats[w.ID()] = &Stats{}
	return nil
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; !exists {
		return false
	}
	delete(r.byID, id)
	delete(r.stats, id)
	for i, w := range r.workers {
		if w.ID() == id {
			r.workers = append(r.workers[:i], r.workers[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byID[id]
	return w, ok
}

func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Worker(nil), r.workers...)
}

// FindForTask returns the first available worker whose capabilities
// overlap the task's requirements. Tasks without requirements match any
// available worker.
func (r *Registry) FindForTask(task *model.Task) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		if !w.Available() {
			continue
		}
		if capabilitiesOverlap(task.RequiredCapabilities, w.Capabilities()) {
			return w, true
		}
	}
	return nil, false
}

// RecordResult accumulates per-worker outcome counts. Unknown worker IDs
// are ignored (the worker may have been unregistered mid-flight).
func (r *Registry) RecordResult(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[id]
	if !ok {
		return
	}
	s.Executed++
	if success {
		s.Succeeded++
	} else {
		s.Failed++
	}
}

func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.stats))
	for id, s := range r.stats {
		out[id] = *s
	}
	return out
}

func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{Total: len(r.workers)}
	for _, w := range r.workers {
		if w.Available() {
			s.Available++
		}
	}
	return s
}

func capabilitiesOverlap(required, offered []string) bool {
	if len(required) == 0 {
		return true
	}
	offeredSet := make(map[string]bool, len(offered))
	for _, c := range offered {
		offeredSet[c] = true
	}
	for _, c := range required {
		if offeredSet[c] {
			return true
		}
	}
	return false
}
