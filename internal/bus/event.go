package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, so "message." matches both added and updated.
const (
	KindMessageAdded   = "message.added"
	KindMessageUpdated = "message.updated"
	KindSessionUpdated = "session.updated"
	KindContactUpdated = "contact.updated"
	KindTopicUpdated   = "topic.updated"
	KindConnectStatus  = "connect.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
