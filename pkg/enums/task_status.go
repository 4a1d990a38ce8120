package enums

// TaskStatus tracks a scheduled task row through the runner.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusFailed  TaskStatus = "failed"
	// TaskStatusMissed marks tasks that fired after their misfire grace window.
	TaskStatusMissed TaskStatus = "missed"
)

// IsTerminal reports whether the runner will never pick the task up again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusFailed || s == TaskStatusMissed
}
