package enums

// DispatchStatus is the last known outcome of a campaign's send job.
type DispatchStatus string

const (
	DispatchStatusIdle      DispatchStatus = "idle"
	DispatchStatusQueued    DispatchStatus = "queued"
	DispatchStatusScheduled DispatchStatus = "scheduled"
	DispatchStatusRetrying  DispatchStatus = "retrying"
	DispatchStatusCompleted DispatchStatus = "completed"
	DispatchStatusFailed    DispatchStatus = "failed"
)
