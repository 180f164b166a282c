package order

import (
	"context"
	"time"
)

// EventType names a kitchen broadcast event.
type EventType string

const (
	EventUpdated   EventType = "order.updated"
	EventServed    EventType = "order.served"
	EventCancelled EventType = "order.cancelled"
	EventShifted   EventType = "order.shifted"
)

// Event is a committed order change announced to kitchen displays.
type Event struct {
	Type  EventType
	Order *Order
	At    time.Time
}

// Broadcaster announces committed order changes. A failed publish never
// fails the operation that produced the event.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
}
