// Package events provides the lifecycle event manager of the ODM. Events
// are dispatched synchronously; a listener error aborts the operation that
// raised the event.
package events

import (
	"context"
	"fmt"

	"github.com/conduit-lang/odm/internal/mapping"
)

// Event identifies a lifecycle event
type Event int

const (
	PrePersist Event = iota
	PostPersist
	PreUpdate
	PostUpdate
	PreRemove
	PostRemove
	PostLoad
	PreFlush
	OnFlush
	PostFlush
)

// String returns the string representation of the event
func (e Event) String() string {
	switch e {
	case PrePersist:
		return "prePersist"
	case PostPersist:
		return "postPersist"
	case PreUpdate:
		return "preUpdate"
	case PostUpdate:
		return "postUpdate"
	case PreRemove:
		return "preRemove"
	case PostRemove:
		return "postRemove"
	case PostLoad:
		return "postLoad"
	case PreFlush:
		return "preFlush"
	case OnFlush:
		return "onFlush"
	case PostFlush:
		return "postFlush"
	default:
		return "unknown"
	}
}

// Args is passed to listeners. Document and Meta are nil for flush events.
type Args struct {
	Document any
	Meta     *mapping.ClassMetadata
	// Changes holds the changed fields of a PreUpdate/PostUpdate document,
	// keyed by Go field name with [old, new] values
	Changes map[string][2]any
}

// Listener handles one event
type Listener func(ctx context.Context, args *Args) error

// Per-document callbacks, invoked before registered listeners
type (
	PrePersister  interface{ PrePersist(ctx context.Context) error }
	PostPersister interface{ PostPersist(ctx context.Context) error }
	PreUpdater    interface{ PreUpdate(ctx context.Context) error }
	PostUpdater   interface{ PostUpdate(ctx context.Context) error }
	PreRemover    interface{ PreRemove(ctx context.Context) error }
	PostRemover   interface{ PostRemove(ctx context.Context) error }
	PostLoader    interface{ PostLoad(ctx context.Context) error }
)

// Manager holds registered listeners
type Manager struct {
	listeners map[Event][]Listener
}

// NewManager creates an empty event manager
func NewManager() *Manager {
	return &Manager{
		listeners: make(map[Event][]Listener),
	}
}

// On registers a listener for an event
func (m *Manager) On(event Event, fn Listener) {
	m.listeners[event] = append(m.listeners[event], fn)
}

// Has returns true if any listener is registered for the event
func (m *Manager) Has(event Event) bool {
	return len(m.listeners[event]) > 0
}

// Dispatch invokes the document callback for the event, then every
// listener in registration order
func (m *Manager) Dispatch(ctx context.Context, event Event, args *Args) error {
	if args == nil {
		args = &Args{}
	}
	if args.Document != nil {
		if err := callback(ctx, event, args.Document); err != nil {
			return fmt.Errorf("%s callback failed: %w", event, err)
		}
	}
	for _, fn := range m.listeners[event] {
		if err := fn(ctx, args); err != nil {
			return fmt.Errorf("%s listener failed: %w", event, err)
		}
	}
	return nil
}

func callback(ctx context.Context, event Event, doc any) error {
	switch event {
	case PrePersist:
		if d, ok := doc.(PrePersister); ok {
			return d.PrePersist(ctx)
		}
	case PostPersist:
		if d, ok := doc.(PostPersister); ok {
			return d.PostPersist(ctx)
		}
	case PreUpdate:
		if d, ok := doc.(PreUpdater); ok {
			return d.PreUpdate(ctx)
		}
	case PostUpdate:
		if d, ok := doc.(PostUpdater); ok {
			return d.PostUpdate(ctx)
		}
	case PreRemove:
		if d, ok := doc.(PreRemover); ok {
			return d.PreRemove(ctx)
		}
	case PostRemove:
		if d, ok := doc.(PostRemover); ok {
			return d.PostRemove(ctx)
		}
	case PostLoad:
		if d, ok := doc.(PostLoader); ok {
			return d.PostLoad(ctx)
		}
	}
	return nil
}
