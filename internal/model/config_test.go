package model

import (
	"testing"
	"time"
)

func TestEngineConfigNormalized(t *testing.T) {
	cfg := EngineConfig{}.Normalized()

	if cfg.MaxConcurrentTasks != DefaultMaxConcurrentTasks {
		t.Errorf("MaxConcurrentTasks = %d, want %d", cfg.MaxConcurrentTasks, DefaultMaxConcurrentTasks)
	}
	if cfg.DefaultTimeoutMs != DefaultTimeoutMs {
		t.Errorf("DefaultTimeoutMs = %d, want %d", cfg.DefaultTimeoutMs, DefaultTimeoutMs)
	}
	if cfg.DefaultMaxRetries != DefaultMaxRetries {
		t.Errorf("DefaultMaxRetries = %d, want %d", cfg.DefaultMaxRetries, DefaultMaxRetries)
	}
	if cfg.PollIntervalMs != DefaultPollIntervalMs {
		t.Errorf("PollIntervalMs = %d, want %d", cfg.PollIntervalMs, DefaultPollIntervalMs)
	}

	// Explicit values survive normalization.
	cfg = EngineConfig{MaxConcurrentTasks: 2, PollIntervalMs: 50}.Normalized()
	if cfg.MaxConcurrentTasks != 2 || cfg.PollIntervalMs != 50 {
		t.Errorf("explicit values were overwritten: %+v", cfg)
	}
}

func TestEngineConfigValidate(t *testing.T) {
	if err := DefaultEngineConfig().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	bad := []EngineConfig{
		{MaxConcurrentTasks: -1},
		{DefaultTimeoutMs: -1},
		{DefaultMaxRetries: -1},
		{PollIntervalMs: -1},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: negative value should fail validation", i)
		}
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := EngineConfig{DefaultTimeoutMs: 1500, PollIntervalMs: 250}
	if got := cfg.DefaultTimeout(); got != 1500*time.Millisecond {
		t.Errorf("DefaultTimeout = %s", got)
	}
	if got := cfg.PollInterval(); got != 250*time.Millisecond {
		t.Errorf("PollInterval = %s", got)
	}
}

func TestComputeSuccessRate(t *testing.T) {
	tests := []struct {
		completed, failed int
		want              float64
	}{
		{0, 0, 0},
		{1, 0, 1},
		{0, 1, 0},
		{3, 1, 0.75},
	}
	for _, tt := range tests {
		c := MetricsCounters{TasksCompleted: tt.completed, TasksFailed: tt.failed}
		if got := c.ComputeSuccessRate(); got != tt.want {
			t.Errorf("ComputeSuccessRate(%d, %d) = %v, want %v", tt.completed, tt.failed, got, tt.want)
		}
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	started := time.Now().UTC()
	task := &Task{
		ID:           "task_01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Dependencies: []string{"task_dep"},
		Context:      map[string]string{"k": "v"},
		Result:       &TaskResult{Success: true, Logs: []string{"line"}},
		StartedAt:    &started,
	}

	clone := task.Clone()
	clone.Dependencies[0] = "mutated"
	clone.Context["k"] = "mutated"
	clone.Result.Logs[0] = "mutated"
	*clone.StartedAt = clone.StartedAt.Add(time.Hour)

	if task.Dependencies[0] != "task_dep" {
		t.Error("clone aliases Dependencies")
	}
	if task.Context["k"] != "v" {
		t.Error("clone aliases Context")
	}
	if task.Result.Logs[0] != "line" {
		t.Error("clone aliases Result logs")
	}
	if !task.StartedAt.Equal(started) {
		t.Error("clone aliases StartedAt")
	}
}
