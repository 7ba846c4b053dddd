package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

const (
	TypeInstanceSpawned    = "instance_spawned"
	TypeInstanceState      = "instance_state_changed"
	TypeInstanceTerminated = "instance_terminated"
	TypeSpawnFailed        = "instance_spawn_failed"
	TypeMessageSent        = "message_sent"
	TypeMessageReplied     = "message_replied"
	TypeMessageTimeout     = "message_timeout"
	TypeMessageCancelled   = "message_cancelled"
	TypeIntervention       = "intervention"
	TypeIssueEscalated     = "issue_escalated"
	TypeConfigReloaded     = "config_reloaded"
)

// InstanceEvent captures instance lifecycle changes.
type InstanceEvent struct {
	EventType  string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	From       string    `json:"from,omitempty"`
	State      string    `json:"state,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewInstanceEvent(instanceID, eventType string) InstanceEvent {
	return InstanceEvent{
		EventType:  eventType,
		InstanceID: instanceID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e InstanceEvent) Type() string {
	return e.EventType
}

func (e InstanceEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// MessageEvent captures envelope status changes in the router.
type MessageEvent struct {
	EventType   string    `json:"type"`
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func NewMessageEvent(eventType, messageID, senderID, recipientID, status string) MessageEvent {
	return MessageEvent{
		EventType:   eventType,
		MessageID:   messageID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Status:      status,
		OccurredAt:  time.Now().UTC(),
	}
}

func (e MessageEvent) Type() string {
	return e.EventType
}

func (e MessageEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// InterventionEvent is published for every supervisor action, including escalations.
type InterventionEvent struct {
	EventType  string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	Issue      string    `json:"issue"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e InterventionEvent) Type() string {
	return e.EventType
}

func (e InterventionEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// ConfigEvent reports a hot reload attempt.
type ConfigEvent struct {
	EventType  string    `json:"type"`
	Path       string    `json:"path"`
	Sections   []string  `json:"sections,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e ConfigEvent) Type() string {
	return e.EventType
}

func (e ConfigEvent) Timestamp() time.Time {
	return e.OccurredAt
}
