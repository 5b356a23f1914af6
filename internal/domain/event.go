package domain

import "time"

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventLiked   EventType = "liked"
	EventUnliked EventType = "unliked"
	EventDeleted EventType = "deleted"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventUpdated, EventLiked, EventUnliked, EventDeleted:
		return true
	}
	return false
}

// Payload carries the type-specific data of an event. Only the fields
// relevant to the event type are set.
//
// Publishing marks the scheduled -> published transition on an updated event.
type Payload struct {
	AuthorID       string     `json:"author_id,omitempty"`
	Content        string     `json:"content,omitempty"`
	ContentChanged bool       `json:"content_changed,omitempty"`
	Published      *bool      `json:"published,omitempty"`
	PublishAt      *time.Time `json:"publish_at,omitempty"`
	Publishing     bool       `json:"publishing,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
}

// Event is an immutable record of one state transition.
type Event struct {
	AggregateID string
	Type        EventType
	Version     int64
	Payload     Payload
	OccurredAt  time.Time
	// Sequence is assigned by the event log on append; zero before that.
	Sequence int64
}
