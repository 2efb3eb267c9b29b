package types

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a progress event
type EventType string

// EventType constants
const (
	EventStageStarted               EventType = "stage_started"
	EventStageProgress              EventType = "stage_progress"
	EventStageCompleted             EventType = "stage_completed"
	EventTaskCompleted              EventType = "task_completed"
	EventTaskFailed                 EventType = "task_failed"
	EventChapterGenerationCompleted EventType = "chapter_generation_completed"
	EventOptimizeCompleted          EventType = "optimize_completed"
	EventError                      EventType = "error"
)

// EventData is the payload of a progress event
type EventData struct {
	Current    int     `json:"current,omitempty"`
	Total      int     `json:"total,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`
	Message    string  `json:"message,omitempty"`
	Result     any     `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Event is one progress notification. Delivery is at-least-once and
// best effort; the task itself is the source of truth.
type Event struct {
	Event     EventType `json:"event"`
	TaskID    uuid.UUID `json:"task_id"`
	Stage     StageType `json:"stage,omitempty"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time
func NewEvent(kind EventType, taskID uuid.UUID, stage StageType, data EventData) Event {
	return Event{Event: kind, TaskID: taskID, Stage: stage, Data: data, Timestamp: time.Now().UTC()}
}

// Progress fills Current, Total and Percentage
func Progress(current, total int, message string) EventData {
	d := EventData{Current: current, Total: total, Message: message}
	if total > 0 {
		d.Percentage = float64(current) * 100 / float64(total)
	}
	return d
}
