package models

import "time"

// Message is a single entry in the chat panel. Only the assistant message that is the target of an
// in-flight stream has its Content, Status and Notice mutated; every other message is final.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time

	Status Status
	// Notice is a transient status line shown alongside the content, e.g. while the stream is stalled.
	// It is cleared by the next content update.
	Notice string
}

// Role represents the role of a message participant.
type Role string

// Status is the streaming state of a message.
type Status string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the AI backend.
	RoleAssistant Role = "assistant"

	// StatusLoading marks a placeholder shown before any stream event arrived.
	StatusLoading Status = "loading"
	// StatusStreaming marks a message whose content is being extended or replaced.
	StatusStreaming Status = "streaming"
	// StatusFinal marks a message that will not change anymore.
	StatusFinal Status = "final"
)

// Ongoing reports whether the message is still the target of a stream.
func (m Message) Ongoing() bool {
	return m.Status == StatusLoading || m.Status == StatusStreaming
}
