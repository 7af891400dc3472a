package events

import (
	"time"
)

type EventType string

const (
	RunStarted     EventType = "run.started"
	StageStarted   EventType = "stage.started"
	StageCompleted EventType = "stage.completed"
	RunCompleted   EventType = "run.completed"
	RunFailed      EventType = "run.failed"
	ImagePublished EventType = "image.published"
)

type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	State     string    `json:"state,omitempty"`
	Image     string    `json:"image,omitempty"`
	Commit    string    `json:"commit,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type EventHandler interface {
	Handle(event Event) error
	CanHandle(eventType EventType) bool
}

type EventBus interface {
	Publish(event Event) error
	Subscribe(handler EventHandler) error
	Unsubscribe(handler EventHandler) error
	Start() error
	Stop() error
}
