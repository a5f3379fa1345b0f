package registry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittousb/pkg/device"
)

func dev(busID string) *device.Device {
	return &device.Device{BusID: busID, BusNum: 1, DevNum: 2, VendorID: 0x1209}
}

func newRegistry(t *testing.T, ids ...string) *Registry {
	t.Helper()
	r := New()
	devs := make([]*device.Device, len(ids))
	for i, id := range ids {
		devs[i] = dev(id)
	}
	r.Refresh(devs)
	return r
}

func TestListUnfilteredAndSorted(t *testing.T) {
	r := newRegistry(t, "2-1", "1-1")
	_, err := r.Reserve("2-1", "s1")
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "1-1", list[0].Device.BusID)
	assert.Equal(t, StateAvailable, list[0].State)
	assert.Equal(t, "2-1", list[1].Device.BusID)
	assert.Equal(t, StateExported, list[1].State)
	assert.Equal(t, "s1", list[1].SessionID)

	avail, exported := r.Counts()
	assert.Equal(t, 1, avail)
	assert.Equal(t, 1, exported)
}

func TestReserveErrors(t *testing.T) {
	r := newRegistry(t, "1-1")

	_, err := r.Reserve("9-9", "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	b, err := r.Reserve("1-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "1-1", b.BusID())
	assert.Equal(t, "s1", b.SessionID())
	assert.Equal(t, uint16(0x1209), b.Device().VendorID)

	_, err = r.Reserve("1-1", "s2")
	assert.ErrorIs(t, err, ErrBindConflict)

	_, err = r.Reserve("1-1", "s1")
	assert.ErrorIs(t, err, ErrBindConflict)
}

func TestReleaseOnlyByOwnerAndIdempotent(t *testing.T) {
	r := newRegistry(t, "1-1")
	_, err := r.Reserve("1-1", "s1")
	require.NoError(t, err)

	assert.False(t, r.Release("1-1", "s2"), "non-owner cannot release")
	e, _ := r.Get("1-1")
	assert.Equal(t, StateExported, e.State)

	assert.True(t, r.Release("1-1", "s1"))
	assert.False(t, r.Release("1-1", "s1"))
	assert.False(t, r.Release("unknown", "s1"))

	e, _ = r.Get("1-1")
	assert.Equal(t, StateAvailable, e.State)

	_, err = r.Reserve("1-1", "s2")
	assert.NoError(t, err)
}

func TestReserveExclusiveUnderConcurrency(t *testing.T) {
	r := newRegistry(t, "1-1")

	const sessions = 64
	var (
		wins      atomic.Int32
		conflicts atomic.Int32
		wg        sync.WaitGroup
		start     = make(chan struct{})
	)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := r.Reserve("1-1", id)
			switch err {
			case nil:
				wins.Add(1)
			case ErrBindConflict:
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("s%d", i))
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(sessions-1), conflicts.Load())
}

func TestRefreshRevokesLostBinding(t *testing.T) {
	r := newRegistry(t, "1-1", "1-2")
	b, err := r.Reserve("1-1", "s1")
	require.NoError(t, err)

	res := r.Refresh([]*device.Device{dev("1-2"), dev("1-3")})
	assert.Equal(t, []string{"1-3"}, res.Added)
	assert.Equal(t, []string{"1-1"}, res.Lost)
	assert.Empty(t, res.Removed)

	select {
	case <-b.Revoked():
	default:
		t.Fatal("binding not revoked")
	}

	_, ok := r.Get("1-1")
	assert.False(t, ok)
	assert.False(t, r.Release("1-1", "s1"), "release after revocation is a no-op")
}

func TestRefreshSkipsInvalidDevices(t *testing.T) {
	r := newRegistry(t, "1-1", "1-2")
	b, err := r.Reserve("1-2", "s1")
	require.NoError(t, err)

	long := strings.Repeat("9", device.MaxBusIDLen+1)
	bad := dev("1-2")
	bad.DevNum = 0x10000
	res := r.Refresh([]*device.Device{dev("1-1"), dev(long), bad, nil})

	assert.Equal(t, []string{long, "1-2"}, res.Invalid)
	assert.Empty(t, res.Added)
	assert.Equal(t, []string{"1-2"}, res.Lost, "an exported device reported invalid counts as gone")
	select {
	case <-b.Revoked():
	default:
		t.Fatal("binding not revoked")
	}

	entries := r.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "1-1", entries[0].Device.BusID)
}

func TestRefreshKeepsPresentBinding(t *testing.T) {
	r := newRegistry(t, "1-1")
	b, err := r.Reserve("1-1", "s1")
	require.NoError(t, err)

	updated := dev("1-1")
	updated.DevNum = 9
	res := r.Refresh([]*device.Device{updated})
	assert.Empty(t, res.Lost)

	select {
	case <-b.Revoked():
		t.Fatal("binding revoked for a present device")
	default:
	}

	e, _ := r.Get("1-1")
	assert.Equal(t, StateExported, e.State)
	assert.Equal(t, uint32(9), e.Device.DevNum)
}

func TestObserverEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	r := New(WithObserver(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	r.now = func() time.Time { return time.Unix(100, 0) }

	r.Refresh([]*device.Device{dev("1-1"), dev("1-2")})
	_, err := r.Reserve("1-1", "s1")
	require.NoError(t, err)
	r.Release("1-1", "s1")
	_, err = r.Reserve("1-2", "s2")
	require.NoError(t, err)
	r.Refresh(nil)

	mu.Lock()
	defer mu.Unlock()
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	assert.Equal(t, []EventType{
		EventAdded, EventAdded,
		EventExported, EventReleased,
		EventExported,
		EventRemoved, EventLost,
	}, types)
	assert.Equal(t, "s2", events[6].SessionID)
	assert.Equal(t, time.Unix(100, 0), events[2].Time)
}

func TestObserverMayQueryRegistry(t *testing.T) {
	r := New()
	var seen State
	r.Subscribe(func(ev Event) {
		if ev.Type == EventExported {
			e, _ := r.Get(ev.BusID)
			seen = e.State
		}
	})
	r.Refresh([]*device.Device{dev("1-1")})
	_, err := r.Reserve("1-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, StateExported, seen)
}

func TestListReturnsCopies(t *testing.T) {
	r := newRegistry(t, "1-1")
	r.List()[0].Device.BusID = "mutated"
	e, ok := r.Get("1-1")
	require.True(t, ok)
	assert.Equal(t, "1-1", e.Device.BusID)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "available", StateAvailable.String())
	assert.Equal(t, "exported", StateExported.String())
	assert.Equal(t, "lost", EventLost.String())
}
