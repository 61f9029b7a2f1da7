package model

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in a fixed order for deterministic
// enumeration in queries and tests.
var AllStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusAssigned,
	StatusRunning,
	StatusPaused,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusQueued:    true,
	StatusAssigned:  true,
	StatusRunning:   true,
	StatusPaused:    true,
	StatusRetrying:  true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Active statuses mean a worker currently owns the task.
var activeStatuses = map[Status]bool{
	StatusAssigned: true,
	StatusRunning:  true,
	StatusPaused:   true,
}

func ValidStatus(s Status) bool {
	return validStatuses[s]
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsActive(s Status) bool {
	return activeStatuses[s]
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityOrdinals = map[Priority]int{
	PriorityCritical: 3,
	PriorityHigh:     2,
	PriorityMedium:   1,
	PriorityLow:      0,
}

// Ordinal returns the numeric rank of a priority; higher dispatches earlier.
// Unknown priorities rank below low.
func (p Priority) Ordinal() int {
	ord, ok := priorityOrdinals[p]
	if !ok {
		return -1
	}
	return ord
}

func ValidPriority(p Priority) bool {
	_, ok := priorityOrdinals[p]
	return ok
}

// ParsePriority validates a priority value. The empty string maps to the
// default (medium); any other unknown value is rejected.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if !ValidPriority(p) {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}
