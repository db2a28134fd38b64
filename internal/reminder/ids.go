package reminder

import (
	"time"

	"github.com/google/uuid"
)

// NewTaskID mints a random (v4) task id.
func NewTaskID() string { return uuid.NewString() }

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis converts epoch milliseconds to a UTC time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
