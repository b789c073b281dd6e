package state

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus(quietLogger())

	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(Event{Type: EventDeviceUpdate})

	evtA := recvEvent(t, a)
	evtB := recvEvent(t, b)
	assert.Equal(t, EventDeviceUpdate, evtA.Type)
	assert.Equal(t, EventDeviceUpdate, evtB.Type)
	assert.False(t, evtA.Timestamp.IsZero(), "publish stamps untimestamped events")

	unsubA()
	bus.Publish(Event{Type: EventStreamOpened})
	evtB = recvEvent(t, b)
	assert.Equal(t, EventStreamOpened, evtB.Type)
	assert.Empty(t, a, "unsubscribed channel receives nothing further")
}

func TestEventBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewEventBus(quietLogger())
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventDeviceUpdate})
	bus.Publish(Event{Type: EventStreamOpened}) // dropped, never blocks

	evt := recvEvent(t, ch)
	assert.Equal(t, EventDeviceUpdate, evt.Type)
	assert.Empty(t, ch)
}

func TestDeviceRegistry(t *testing.T) {
	bus := NewEventBus(quietLogger())
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	reg := NewDeviceRegistry(bus, quietLogger())

	bs := Device{DeviceID: "BS1", DeviceType: DeviceBasestation, State: "provisioned"}
	cam := Device{DeviceID: "C1", ParentID: "BS1", DeviceType: DeviceCamera, DeviceName: "Porch", State: "provisioned"}
	reg.SetAll([]Device{bs, cam})

	evt := recvEvent(t, ch)
	assert.Equal(t, EventDeviceUpdate, evt.Type)

	assert.Len(t, reg.Devices(), 2)

	got, ok := reg.Device("C1")
	require.True(t, ok)
	assert.Equal(t, "Porch", got.DeviceName)

	_, ok = reg.Device("nope")
	assert.False(t, ok)

	cams := reg.ByType(DeviceCamera)
	require.Len(t, cams, 1)
	assert.Equal(t, "C1", cams[0].DeviceID)
}

func TestRegistryBasestationResolution(t *testing.T) {
	bus := NewEventBus(quietLogger())
	reg := NewDeviceRegistry(bus, quietLogger())

	bs := Device{DeviceID: "BS1", DeviceType: DeviceBasestation}
	cam := Device{DeviceID: "C1", ParentID: "BS1", DeviceType: DeviceCamera}
	orphan := Device{DeviceID: "C2", ParentID: "GONE", DeviceType: DeviceCamera}
	reg.SetAll([]Device{bs, cam})

	got, ok := reg.Basestation(bs)
	require.True(t, ok)
	assert.Equal(t, "BS1", got.DeviceID, "a basestation routes for itself")

	got, ok = reg.Basestation(cam)
	require.True(t, ok)
	assert.Equal(t, "BS1", got.DeviceID)

	_, ok = reg.Basestation(orphan)
	assert.False(t, ok)
}

func TestRegistryRename(t *testing.T) {
	bus := NewEventBus(quietLogger())
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	reg := NewDeviceRegistry(bus, quietLogger())
	reg.SetAll([]Device{{DeviceID: "C1", DeviceType: DeviceCamera, DeviceName: "Porch"}})
	recvEvent(t, ch) // the SetAll update

	reg.Rename("C1", "Backyard")
	evt := recvEvent(t, ch)
	assert.Equal(t, EventDeviceRenamed, evt.Type)
	assert.Equal(t, "C1", evt.DeviceID)
	assert.Equal(t, "Backyard", evt.Data)

	d, _ := reg.Device("C1")
	assert.Equal(t, "Backyard", d.DeviceName)

	// Renaming an unknown device neither panics nor publishes.
	reg.Rename("nope", "X")
	assert.Empty(t, ch)
}

func TestDeviceProvisioned(t *testing.T) {
	assert.True(t, Device{State: "provisioned"}.Provisioned())
	assert.False(t, Device{State: "deactivated"}.Provisioned())
	assert.False(t, Device{}.Provisioned())
}
