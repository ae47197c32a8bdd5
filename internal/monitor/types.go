package monitor

import (
	"time"

	"smart-exec/internal/events"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventExecutionState EventType = EventType(events.TypeExecutionState)
	EventExecutionStep  EventType = EventType(events.TypeExecutionStep)
	EventRiskDenied     EventType = EventType(events.TypeRiskDenied)
	EventWarningRaised  EventType = EventType(events.TypeWarningRaised)
	EventWarningCleared EventType = EventType(events.TypeWarningCleared)
	EventLoanChanged    EventType = EventType(events.TypeLoanChanged)
	EventError          EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        int64       `json:"id,omitempty"`
	Type      EventType   `json:"type"`
	AccountID string      `json:"account_id,omitempty"`
	SubjectID string      `json:"subject_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Query 为事件检索条件，零值表示不过滤。
type Query struct {
	Type      EventType
	AccountID string
	Limit     int
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
