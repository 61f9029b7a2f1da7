package model

// MetricsCounters is the engine's aggregate counter block.
type MetricsCounters struct {
	TasksSubmitted int `yaml:"tasks_submitted"`
	TasksCompleted int `yaml:"tasks_completed"`
	TasksFailed    int `yaml:"tasks_failed"`
	TasksRetried   int `yaml:"tasks_retried"`
	TasksCancelled int `yaml:"tasks_cancelled"`
}

// Metrics is the caller-facing metrics snapshot.
type Metrics struct {
	MetricsCounters
	SuccessRate float64
}

// ComputeSuccessRate derives completed/(completed+failed), zero-safe.
func (c MetricsCounters) ComputeSuccessRate() float64 {
	total := c.TasksCompleted + c.TasksFailed
	if total == 0 {
		return 0
	}
	return float64(c.TasksCompleted) / float64(total)
}
