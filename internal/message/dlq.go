package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the dead-letter timestamp format: RFC3339 in UTC with
// exactly three fractional digits.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// DLQMessage wraps a notification that could not be processed with failure
// metadata for later inspection.
type DLQMessage struct {
	OriginalMessage *Notification `json:"original_message"`
	FailureReason   string        `json:"failure_reason"`
	FailedAt        time.Time     `json:"failed_at"`
}

// NewDLQMessage builds a DLQMessage with failedAt normalized to UTC and
// truncated to millisecond precision.
func NewDLQMessage(msg *Notification, reason string, failedAt time.Time) *DLQMessage {
	return &DLQMessage{
		OriginalMessage: msg,
		FailureReason:   reason,
		FailedAt:        failedAt.UTC().Truncate(time.Millisecond),
	}
}

type dlqWire struct {
	OriginalMessage *Notification `json:"original_message"`
	FailureReason   string        `json:"failure_reason"`
	FailedAt        string        `json:"failed_at"`
}

// MarshalJSON implements json.Marshaler.
func (m DLQMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(dlqWire{
		OriginalMessage: m.OriginalMessage,
		FailureReason:   m.FailureReason,
		FailedAt:        m.FailedAt.UTC().Format(TimestampLayout),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *DLQMessage) UnmarshalJSON(data []byte) error {
	var w dlqWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	failedAt, err := time.Parse(time.RFC3339Nano, w.FailedAt)
	if err != nil {
		return fmt.Errorf("parse failed_at %q: %w", w.FailedAt, err)
	}

	m.OriginalMessage = w.OriginalMessage
	m.FailureReason = w.FailureReason
	m.FailedAt = failedAt.UTC()
	return nil
}
