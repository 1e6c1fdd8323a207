package queue

import "time"

// Event types published on the bus.
const (
	EventTaskCompleted   = "queue.task.completed"
	EventTaskFailed      = "queue.task.failed"
	EventTaskRetry       = "queue.task.retry"
	EventTaskDeferred    = "queue.task.deferred"
	EventAdmissionDenied = "queue.admission.denied"
)

// TaskEvent is the payload of every queue event.
type TaskEvent struct {
	TaskID      int64         `json:"task_id"`
	Destination string        `json:"destination"`
	Amount      int           `json:"amount"`
	Attempts    int           `json:"attempts"`
	Status      string        `json:"status,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
}
