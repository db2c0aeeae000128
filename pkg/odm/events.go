package odm

import "github.com/conduit-lang/odm/internal/events"

type (
	// Event names a lifecycle event
	Event = events.Event
	// EventArgs is passed to listeners
	EventArgs = events.Args
	// Listener handles one event
	Listener = events.Listener
)

// Lifecycle events
const (
	PrePersist  = events.PrePersist
	PostPersist = events.PostPersist
	PreUpdate   = events.PreUpdate
	PostUpdate  = events.PostUpdate
	PreRemove   = events.PreRemove
	PostRemove  = events.PostRemove
	PostLoad    = events.PostLoad
	PreFlush    = events.PreFlush
	OnFlush     = events.OnFlush
	PostFlush   = events.PostFlush
)

// NewEventManager creates an empty event manager
func NewEventManager() *EventManager {
	return events.NewManager()
}
