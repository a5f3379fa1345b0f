// Package registry tracks which devices are exportable and which session,
// if any, each one is exported to.
//
// A device is either Available or Exported to exactly one session. All
// state changes go through one mutex that is never held while calling out
// to the backend or the network; observers are notified after it is
// released.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittousb/internal/logger"
	"github.com/marmos91/dittousb/pkg/device"
)

var (
	// ErrNotFound is returned by Reserve for an unknown bus id.
	ErrNotFound = errors.New("registry: device not found")

	// ErrBindConflict is returned by Reserve when the device is already
	// exported to another session.
	ErrBindConflict = errors.New("registry: device already exported")
)

// State is the binding state of a device.
type State int

const (
	StateAvailable State = iota
	StateExported
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateExported:
		return "exported"
	}
	return "unknown"
}

// Entry is a snapshot of one registered device.
type Entry struct {
	Device    *device.Device
	State     State
	SessionID string    // set when Exported
	Since     time.Time // time of the last state change
}

// Binding is the exclusive hold a session has on an exported device.
type Binding struct {
	busID     string
	sessionID string
	device    *device.Device
	revoked   chan struct{}
	once      sync.Once
}

// BusID returns the bound device's bus id.
func (b *Binding) BusID() string { return b.busID }

// SessionID returns the owning session.
func (b *Binding) SessionID() string { return b.sessionID }

// Device returns the device description captured when the binding was made.
func (b *Binding) Device() *device.Device { return b.device }

// Revoked is closed when the registry force-releases the binding because
// the device disappeared. The owning session must then shut down.
func (b *Binding) Revoked() <-chan struct{} { return b.revoked }

func (b *Binding) revoke() {
	b.once.Do(func() { close(b.revoked) })
}

type slot struct {
	dev     *device.Device
	binding *Binding
	since   time.Time
}

// Registry is the device export table. The zero value is not usable; call
// New.
type Registry struct {
	mu        sync.Mutex
	devices   map[string]*slot
	observers []Observer
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers o to receive every Event.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		devices: make(map[string]*slot),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds an observer after construction. Observers run
// synchronously, in registration order, outside the registry lock.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// List returns every known device with its binding state, ordered by bus id.
// The device descriptions are copies.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.devices))
	for _, s := range r.devices {
		out = append(out, s.entry())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.BusID < out[j].Device.BusID })
	return out
}

// Get returns the entry for busID.
func (r *Registry) Get(busID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.devices[busID]
	if !ok {
		return Entry{}, false
	}
	return s.entry(), true
}

func (s *slot) entry() Entry {
	e := Entry{Device: s.dev.Clone(), State: StateAvailable, Since: s.since}
	if s.binding != nil {
		e.State = StateExported
		e.SessionID = s.binding.sessionID
	}
	return e
}

// Counts returns the number of available and exported devices.
func (r *Registry) Counts() (available, exported int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.devices {
		if s.binding != nil {
			exported++
		} else {
			available++
		}
	}
	return available, exported
}

// Reserve atomically binds busID to sessionID. It fails with ErrNotFound or
// ErrBindConflict; a session reserving a device it already holds gets
// ErrBindConflict too, since a session binds at most one device.
func (r *Registry) Reserve(busID, sessionID string) (*Binding, error) {
	r.mu.Lock()
	s, ok := r.devices[busID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.binding != nil {
		r.mu.Unlock()
		return nil, ErrBindConflict
	}

	b := &Binding{
		busID:     busID,
		sessionID: sessionID,
		device:    s.dev.Clone(),
		revoked:   make(chan struct{}),
	}
	s.binding = b
	s.since = r.now()
	ev := Event{Type: EventExported, BusID: busID, SessionID: sessionID, Device: b.device, Time: s.since}
	r.mu.Unlock()

	logger.Debug("Device reserved", logger.KeyBusID, busID, logger.KeySessionID, sessionID)
	r.emit(ev)
	return b, nil
}

// Release unbinds busID if and only if it is held by sessionID. Releasing a
// device the session does not hold, or releasing twice, does nothing. It
// reports whether a binding was removed.
func (r *Registry) Release(busID, sessionID string) bool {
	r.mu.Lock()
	s, ok := r.devices[busID]
	if !ok || s.binding == nil || s.binding.sessionID != sessionID {
		r.mu.Unlock()
		return false
	}
	s.binding = nil
	s.since = r.now()
	ev := Event{Type: EventReleased, BusID: busID, SessionID: sessionID, Device: s.dev.Clone(), Time: s.since}
	r.mu.Unlock()

	logger.Debug("Device released", logger.KeyBusID, busID, logger.KeySessionID, sessionID)
	r.emit(ev)
	return true
}

// RefreshResult summarizes what Refresh changed.
type RefreshResult struct {
	Added   []string
	Removed []string
	Lost    []string // removed while exported; their bindings were revoked
	Invalid []string // skipped because they cannot be described on the wire
}

// Refresh replaces the device catalogue with devices. Devices that
// disappeared while exported are force-released: their Binding is revoked
// and the owning session is expected to close. Exported devices that are
// still present keep their binding. Devices that fail validation are
// skipped and treated as absent.
func (r *Registry) Refresh(devices []*device.Device) RefreshResult {
	var res RefreshResult
	present := make(map[string]*device.Device, len(devices))
	for _, d := range devices {
		if d == nil {
			continue
		}
		if err := d.Validate(); err != nil {
			logger.Warn("Skipping invalid device", logger.KeyBusID, d.BusID, logger.Err(err))
			res.Invalid = append(res.Invalid, d.BusID)
			continue
		}
		present[d.BusID] = d
	}

	var (
		events  []Event
		revoked []*Binding
	)

	r.mu.Lock()
	now := r.now()
	for id, s := range r.devices {
		if d, ok := present[id]; ok {
			s.dev = d.Clone()
			continue
		}
		delete(r.devices, id)
		if s.binding != nil {
			res.Lost = append(res.Lost, id)
			revoked = append(revoked, s.binding)
			events = append(events, Event{Type: EventLost, BusID: id, SessionID: s.binding.sessionID, Device: s.dev, Time: now})
		} else {
			res.Removed = append(res.Removed, id)
			events = append(events, Event{Type: EventRemoved, BusID: id, Device: s.dev, Time: now})
		}
	}
	for id, d := range present {
		if _, ok := r.devices[id]; ok {
			continue
		}
		r.devices[id] = &slot{dev: d.Clone(), since: now}
		res.Added = append(res.Added, id)
		events = append(events, Event{Type: EventAdded, BusID: id, Device: d.Clone(), Time: now})
	}
	r.mu.Unlock()

	for _, b := range revoked {
		logger.Warn("Exported device disappeared, revoking binding",
			logger.KeyBusID, b.busID, logger.KeySessionID, b.sessionID)
		b.revoke()
	}
	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	sort.Strings(res.Lost)
	sort.SliceStable(events, func(i, j int) bool { return events[i].BusID < events[j].BusID })
	for _, ev := range events {
		r.emit(ev)
	}
	return res
}

func (r *Registry) emit(ev Event) {
	r.mu.Lock()
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o(ev)
	}
}
