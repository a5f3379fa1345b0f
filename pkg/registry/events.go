package registry

import (
	"time"

	"github.com/marmos91/dittousb/pkg/device"
)

// EventType classifies registry events.
type EventType int

// Event types. EventLost is an exported device disappearing; EventRemoved
// is an available one disappearing.
const (
	EventAdded EventType = iota
	EventRemoved
	EventExported
	EventReleased
	EventLost
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventExported:
		return "exported"
	case EventReleased:
		return "released"
	case EventLost:
		return "lost"
	}
	return "unknown"
}

// Event describes one registry state change.
type Event struct {
	Type      EventType
	BusID     string
	SessionID string
	Device    *device.Device
	Time      time.Time
}

// Observer receives registry events. Observers run outside the registry
// lock, so they may query the registry, but they delay the caller of the
// operation that produced the event and should return quickly.
type Observer func(Event)
