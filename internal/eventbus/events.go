package eventbus

import "time"

// Event types published by the reminder schedulers and the reconciler.
const (
	TypeTaskCreated       = "task.created"
	TypeTaskDeleted       = "task.deleted"
	TypeFireCompleted     = "fire.completed"
	TypeDeliverySucceeded = "delivery.succeeded"
	TypeDeliveryFailed    = "delivery.failed"
	TypeArmFailed         = "alarm.arm_failed"
	TypeReconcileRepaired = "reconcile.repaired"
)

// TaskEvent is the payload of task.* and delivery.* events.
type TaskEvent struct {
	Key        string `json:"key"`
	TaskID     string `json:"task_id"`
	ReminderAt int64  `json:"reminder_at"`
	PoolSize   int    `json:"pool_size"`
	Error      string `json:"error,omitempty"`
}

// FireEvent is the payload of fire.completed.
type FireEvent struct {
	Key       string        `json:"key"`
	Due       int           `json:"due"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
	Took      time.Duration `json:"took"`
}

// AlarmEvent is the payload of alarm.arm_failed and reconcile.repaired.
type AlarmEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Clear bool      `json:"clear,omitempty"`
	Error string    `json:"error,omitempty"`
}
