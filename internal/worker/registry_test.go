package worker

import (
	"context"
	"testing"

	"github.com/msageha/orchestra/internal/model"
)

type stubWorker struct {
	id        string
	caps      []string
	available bool
}

func (w *stubWorker) ID() string             { return w.id }
func (w *stubWorker) Capabilities() []string { return w.caps }
func (w *stubWorker) Available() bool        { return w.available }

func (w *stubWorker) Execute(ctx context.Context, task *model.Task) (model.TaskResult, error) {
	return model.TaskResult{Success: true}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	w := &stubWorker{id: "worker_a", available: true}

	if err := r.Register(w); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&stubWorker{id: "worker_a"}); err == nil {
		t.Fatal("duplicate registration should fail")
	}

	got, ok := r.Get("worker_a")
	if !ok || got.ID() != "worker_a" {
		t.Fatalf("Get(worker_a) = %v, %v", got, ok)
	}
	if _, ok := r.Get("worker_b"); ok {
		t.Fatal("Get of unknown worker should report false")
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubWorker{id: "worker_a"}); err != nil {
		t.Fatal(err)
	}

	if !r.Unregister("worker_a") {
		t.Fatal("Unregister should report true for a known worker")
	}
	if r.Unregister("worker_a") {
		t.Fatal("Unregister should report false the second time")
	}
	if len(r.Workers()) != 0 {
		t.Fatalf("expected empty pool, got %d workers", len(r.Workers()))
	}
}

func TestFindForTask(t *testing.T) {
	r := NewRegistry()
	busy := &stubWorker{id: "worker_busy", caps: []string{"shell"}, available: false}
	shell := &stubWorker{id: "worker_shell", caps: []string{"shell"}, available: true}
	py := &stubWorker{id: "worker_py", caps: []string{"python"}, available: true}
	for _, w := range []Worker{busy, shell, py} {
		if err := r.Register(w); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		required []string
		wantID   string
		wantOK   bool
	}{
		{"no requirements matches first available", nil, "worker_shell", true},
		{"capability overlap", []string{"python"}, "worker_py", true},
		{"unavailable workers are skipped", []string{"shell"}, "worker_shell", true},
		{"partial overlap is enough", []string{"go", "python"}, "worker_py", true},
		{"no matching capability", []string{"rust"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &model.Task{ID: "task_x", RequiredCapabilities: tt.required}
			got, ok := r.FindForTask(task)
			if ok != tt.wantOK {
				t.Fatalf("FindForTask ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.ID() != tt.wantID {
				t.Errorf("FindForTask = %s, want %s", got.ID(), tt.wantID)
			}
		})
	}
}

func TestRecordResultAndStats(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubWorker{id: "worker_a"}); err != nil {
		t.Fatal(err)
	}

	r.RecordResult("worker_a", true)
	r.RecordResult("worker_a", true)
	r.RecordResult("worker_a", false)
	r.RecordResult("worker_gone", true) // ignored

	stats := r.Stats()
	s, ok := stats["worker_a"]
	if !ok {
		t.Fatal("missing stats for worker_a")
	}
	if s.Executed != 3 || s.Succeeded != 2 || s.Failed != 1 {
		t.Errorf("stats = %+v, want Executed:3 Succeeded:2 Failed:1", s)
	}
	if _, ok := stats["worker_gone"]; ok {
		t.Error("stats must not invent entries for unknown workers")
	}
}

func TestSummary(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubWorker{id: "worker_a", available: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubWorker{id: "worker_b", available: false}); err != nil {
		t.Fatal(err)
	}

	s := r.Summary()
	if s.Total != 2 || s.Available != 1 {
		t.Errorf("summary = %+v, want Total:2 Available:1", s)
	}
}
