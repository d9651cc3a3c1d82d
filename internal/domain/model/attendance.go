package model

import (
	"time"

	"github.com/okian/rollcall/internal/domain/types"
)

// DateLayout is the calendar-day key format used throughout.
const DateLayout = "2006-01-02"

// AttendanceEvent is the immutable record that an identity was seen on a day.
type AttendanceEvent struct {
	ID             string            `json:"id"`
	IdentityID     string            `json:"identity_id"`
	Date           string            `json:"date"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         types.Status      `json:"status"`
	Confidence     float64           `json:"confidence"`
	SourceFrameRef string            `json:"source_frame_ref,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	DeviceMetadata map[string]string `json:"device_metadata,omitempty"`
}

// Correction is an append-only annotation on a recorded event.
// A non-empty Status overrides the event's status in summaries.
type Correction struct {
	ID         string       `json:"id"`
	EventID    string       `json:"event_id"`
	Annotation string       `json:"annotation"`
	Status     types.Status `json:"status,omitempty"`
	Author     string       `json:"author,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// StatusChange is published after an event is persisted.
type StatusChange struct {
	EventID    string       `json:"event_id"`
	IdentityID string       `json:"identity_id"`
	Date       string       `json:"date"`
	Status     types.Status `json:"status"`
	Timestamp  time.Time    `json:"timestamp"`
}

// DayKey returns the local calendar date of ts in loc.
func DayKey(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format(DateLayout)
}
