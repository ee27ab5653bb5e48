package model

import (
	"encoding/json"
	"time"
)

// Task kinds written to the outbox.
const (
	TaskBookingConfirmed = "booking.confirmed"
	TaskShowReminder     = "show.reminder"
)

// TaskStatus is the processing state of an outbox task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskDone       TaskStatus = "DONE"
	TaskFailed     TaskStatus = "FAILED"
)

// OutboxTask is a unit of post-commit work recorded in the same
// transaction as the state change that caused it.
type OutboxTask struct {
	ID          string          // outbox_tasks.id
	BookingID   string          // outbox_tasks.booking_id
	Kind        string          // outbox_tasks.kind
	Payload     json.RawMessage // outbox_tasks.payload
	Status      TaskStatus      // outbox_tasks.status
	Attempts    int             // outbox_tasks.attempts
	LastError   string          // outbox_tasks.last_error
	AvailableAt time.Time       // outbox_tasks.available_at
	CreatedAt   time.Time       // outbox_tasks.created_at
}
