package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"reminderd/internal/reminder"
)

// Timestamp accepts epoch milliseconds (JSON number) or an RFC 3339 string.
type Timestamp struct {
	time.Time
	set bool
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("reminderAt: want epoch milliseconds or RFC 3339, got %q", s)
		}
		t.Time, t.set = v, true
		return nil
	}
	var ms json.Number
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("reminderAt: %w", err)
	}
	n, err := ms.Int64()
	if err != nil {
		f, ferr := ms.Float64()
		if ferr != nil {
			return fmt.Errorf("reminderAt: %w", err)
		}
		n = int64(f)
	}
	t.Time, t.set = time.UnixMilli(n).UTC(), true
	return nil
}

type CreateRequest struct {
	ReminderAt Timestamp `json:"reminderAt"`
	Content    string    `json:"content"`
	UserID     string    `json:"userId"`
}

type CreateResponse struct {
	Status string `json:"status"`
	TaskID string `json:"taskId"`
}

type DeleteResponse struct {
	Status string `json:"status"`
	TaskID string `json:"taskId"`
}

type ListResponse struct {
	Tasks []reminder.Task `json:"tasks"`
}
