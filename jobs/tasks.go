package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskMonitorScan replays the persisted audit trail through the
	// security detections.
	TaskMonitorScan = "monitor:scan"
	// TaskRetentionSweep prunes aged audit events and expired delegations.
	TaskRetentionSweep = "retention:sweep"
)

// RetentionPayload tunes one retention sweep.
type RetentionPayload struct {
	// AuditRetentionHours bounds how far back audit events are kept.
	// Zero falls back to the job default.
	AuditRetentionHours int `json:"audit_retention_hours"`
}

// NewMonitorScanTask constructs the monitor scan task.
func NewMonitorScanTask() *asynq.Task {
	return asynq.NewTask(TaskMonitorScan, nil)
}

// NewRetentionSweepTask constructs a retention sweep task.
func NewRetentionSweepTask(payload RetentionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRetentionSweep, data), nil
}
