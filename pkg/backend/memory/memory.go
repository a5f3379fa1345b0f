// Package memory provides a Backend of virtual USB devices living in the
// server process. Each device answers the standard requests on its default
// control pipe and loops data back on its other endpoints: bytes written
// with an OUT transfer on endpoint N are returned by IN transfers on
// endpoint N. IN transfers wait until data is available, so they stay in
// flight and can be cancelled.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/dittousb/internal/logger"
	"github.com/marmos91/dittousb/pkg/backend"
	"github.com/marmos91/dittousb/pkg/device"
)

// Name is the backend type name used in configuration.
const Name = "memory"

// Backend is an in-process backend.Backend. Create it with New.
type Backend struct {
	mu       sync.Mutex
	devices  map[string]*virtualDevice
	inflight map[backend.Handle]*transfer
	next     backend.Handle
	closed   bool

	queue   *completionQueue
	changes chan struct{}
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Watcher = (*Backend)(nil)
)

type transfer struct {
	handle backend.Handle
	dev    *virtualDevice
	req    *backend.Request
}

// New creates a backend exposing the given devices.
func New(devices ...*device.Device) (*Backend, error) {
	b := &Backend{
		devices:  make(map[string]*virtualDevice),
		inflight: make(map[backend.Handle]*transfer),
		queue:    newCompletionQueue(),
		changes:  make(chan struct{}, 1),
	}
	for _, d := range devices {
		if err := b.add(d); err != nil {
			b.queue.close()
			return nil, err
		}
	}
	return b, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// Enumerate implements backend.Backend. Devices are returned sorted by bus id.
func (b *Backend) Enumerate(ctx context.Context) ([]*device.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, backend.ErrClosed
	}

	out := make([]*device.Device, 0, len(b.devices))
	for _, vd := range b.devices {
		out = append(out, vd.desc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out, nil
}

// Add plugs in a new virtual device.
func (b *Backend) Add(d *device.Device) error {
	b.mu.Lock()
	err := b.add(d)
	b.mu.Unlock()
	if err == nil {
		b.notify()
	}
	return err
}

func (b *Backend) add(d *device.Device) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid device: %w", err)
	}
	if _, ok := b.devices[d.BusID]; ok {
		return fmt.Errorf("device %s already present", d.BusID)
	}
	b.devices[d.BusID] = newVirtualDevice(d.Clone())
	return nil
}

// Remove unplugs a device. Transfers still in flight on it complete with
// backend.StatusNoDevice.
func (b *Backend) Remove(busID string) error {
	b.mu.Lock()
	vd, ok := b.devices[busID]
	if !ok {
		b.mu.Unlock()
		return backend.ErrNoDevice
	}
	delete(b.devices, busID)
	b.failInflight(vd, backend.StatusNoDevice)
	b.mu.Unlock()

	b.notify()
	logger.Debug("Virtual device removed", logger.KeyBusID, busID)
	return nil
}

// SetDevices replaces the device set. Devices whose description is unchanged
// keep their state (claim, buffered data, pending transfers); the others are
// added or removed.
func (b *Backend) SetDevices(devices []*device.Device) error {
	want := make(map[string]*device.Device, len(devices))
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("invalid device %q: %w", d.BusID, err)
		}
		if _, dup := want[d.BusID]; dup {
			return fmt.Errorf("duplicate device %q", d.BusID)
		}
		want[d.BusID] = d
	}

	b.mu.Lock()
	changed := false
	for id, vd := range b.devices {
		if d, ok := want[id]; ok && sameDevice(vd.desc, d) {
			delete(want, id)
			continue
		}
		delete(b.devices, id)
		b.failInflight(vd, backend.StatusNoDevice)
		changed = true
	}
	for _, d := range want {
		b.devices[d.BusID] = newVirtualDevice(d.Clone())
		changed = true
	}
	b.mu.Unlock()

	if changed {
		b.notify()
	}
	return nil
}

// Claim implements backend.Backend.
func (b *Backend) Claim(busID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backend.ErrClosed
	}
	vd, ok := b.devices[busID]
	if !ok {
		return backend.ErrNoDevice
	}
	if vd.claimed {
		return backend.ErrAlreadyClaimed
	}
	vd.claimed = true
	vd.reset()
	return nil
}

// Release implements backend.Backend. Transfers still in flight complete
// with backend.StatusShutdown.
func (b *Backend) Release(busID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	vd, ok := b.devices[busID]
	if !ok || !vd.claimed {
		return nil
	}
	vd.claimed = false
	b.failInflight(vd, backend.StatusShutdown)
	return nil
}

// SubmitTransfer implements backend.Backend.
func (b *Backend) SubmitTransfer(dev *device.Device, req *backend.Request) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, backend.ErrClosed
	}
	vd, ok := b.devices[dev.BusID]
	if !ok {
		return 0, backend.ErrNoDevice
	}
	if !vd.claimed {
		return 0, backend.ErrNotClaimed
	}

	b.next++
	t := &transfer{handle: b.next, dev: vd, req: req}

	res, done := vd.execute(req)
	if done {
		b.queue.push(backend.Completion{Handle: t.handle, Result: res})
		if !req.In && !req.IsControl() {
			b.drain(vd, req.Endpoint)
		}
		return t.handle, nil
	}

	b.inflight[t.handle] = t
	vd.pending[req.Endpoint] = append(vd.pending[req.Endpoint], t)
	return t.handle, nil
}

// CancelTransfer implements backend.Backend. The cancelled transfer
// completes with backend.StatusConnReset.
func (b *Backend) CancelTransfer(h backend.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.inflight[h]
	if !ok {
		return backend.ErrUnknownHandle
	}
	delete(b.inflight, h)
	t.dev.dropPending(t)
	b.queue.push(backend.Completion{Handle: h, Result: backend.Result{Status: backend.StatusConnReset}})
	return nil
}

// Completions implements backend.Backend.
func (b *Backend) Completions() <-chan backend.Completion {
	return b.queue.out
}

// Changes implements backend.Watcher.
func (b *Backend) Changes() <-chan struct{} {
	return b.changes
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, vd := range b.devices {
		vd.claimed = false
	}
	b.inflight = make(map[backend.Handle]*transfer)
	b.mu.Unlock()

	b.queue.close()
	return nil
}

// Pending returns the number of transfers waiting for data. Used by tests
// and diagnostics.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Halt sets or clears the halt feature of the endpoint with the given
// address (bit 7 set for IN). Transfers on a halted endpoint complete with
// backend.StatusStall until the host clears it with CLEAR_FEATURE.
func (b *Backend) Halt(busID string, address uint8, halted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	vd, ok := b.devices[busID]
	if !ok {
		return backend.ErrNoDevice
	}
	vd.halted[address] = halted
	return nil
}

// failInflight completes every pending transfer of vd with status.
// Callers hold b.mu.
func (b *Backend) failInflight(vd *virtualDevice, status int32) {
	for ep, list := range vd.pending {
		for _, t := range list {
			delete(b.inflight, t.handle)
			b.queue.push(backend.Completion{Handle: t.handle, Result: backend.Result{Status: status}})
		}
		delete(vd.pending, ep)
	}
}

// drain satisfies pending IN transfers on ep from buffered data.
// Callers hold b.mu.
func (b *Backend) drain(vd *virtualDevice, ep uint8) {
	for len(vd.pending[ep]) > 0 && len(vd.loop[ep]) > 0 {
		t := vd.pending[ep][0]
		vd.pending[ep] = vd.pending[ep][1:]
		delete(b.inflight, t.handle)
		b.queue.push(backend.Completion{Handle: t.handle, Result: vd.readLoop(ep, t.req.Length)})
	}
}

func (b *Backend) notify() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

func sameDevice(a, b *device.Device) bool {
	if a.BusNum != b.BusNum || a.DevNum != b.DevNum || a.VendorID != b.VendorID ||
		a.ProductID != b.ProductID || a.Speed != b.Speed || a.Path != b.Path ||
		len(a.Interfaces) != len(b.Interfaces) {
		return false
	}
	for i := range a.Interfaces {
		if a.Interfaces[i].Class != b.Interfaces[i].Class ||
			len(a.Interfaces[i].Endpoints) != len(b.Interfaces[i].Endpoints) {
			return false
		}
	}
	return true
}
