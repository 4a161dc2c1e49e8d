package domain

import "time"

// EventType enumerates the progress events carried on the sse:events channel.
type EventType string

const (
	EventImageGenerating EventType = "image:generating"
	EventImageCompleted  EventType = "image:completed"
	EventImageFailed     EventType = "image:failed"
	EventModelGenerating EventType = "model:generating"
	EventModelProgress   EventType = "model:progress"
	EventModelCompleted  EventType = "model:completed"
	EventModelFailed     EventType = "model:failed"
	EventTaskUpdated     EventType = "task:updated"
	EventTaskInit        EventType = "task:init"
	EventHeartbeat       EventType = "heartbeat"
	EventError           EventType = "error"
)

// Event is the envelope published on the bus and streamed to clients.
// TaskID is the request id the event belongs to.
type Event struct {
	TaskID string         `json:"taskId"`
	Type   EventType      `json:"eventType"`
	Data   map[string]any `json:"data"`
}

// HeartbeatEvent builds the periodic keep-alive sent to each subscriber.
func HeartbeatEvent(requestID RequestID) Event {
	return Event{
		TaskID: string(requestID),
		Type:   EventHeartbeat,
		Data:   map[string]any{"timestamp": time.Now().Unix()},
	}
}
