package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkbird/thermal-daemon/internal/busadapter"
	"github.com/inkbird/thermal-daemon/internal/model"
	"github.com/inkbird/thermal-daemon/internal/register"
	"github.com/inkbird/thermal-daemon/internal/slot"
)

func newHarness(t *testing.T) (*Supervisor, *busadapter.FakeBus, *slot.Allocator, *register.Register, []model.Path) {
	t.Helper()
	log, _ := test.NewNullLogger()
	bus := busadapter.NewFakeBus()
	alloc := slot.New()
	reg := register.New()

	var requeued []model.Path
	sup := New(bus, alloc, reg, log, 2*time.Second, 16*time.Second, func(p model.Path) {
		requeued = append(requeued, p)
	})
	return sup, bus, alloc, reg, requeued
}

func fullRecord(path model.Path) *model.Record {
	rec := model.NewRecord(path, "IDT-34c-B", 2*time.Second)
	rec.Temperature = path + "/service0/char1"
	rec.Command = path + "/service0/char2"
	rec.Battery = path + "/service0/char3"
	rec.Auxiliary = []model.Path{path + "/service0/char4", path + "/service0/char5", path + "/service0/char6"}
	return rec
}

func TestSupervisor_HappyPath(t *testing.T) {
	sup, bus, alloc, reg, _ := newHarness(t)
	ctx := context.Background()

	rec := fullRecord("/org/bluez/hci0/dev_d1")
	sup.HandleInterfaceAdded(ctx, rec, false)
	assert.Equal(t, model.Connecting, rec.GetState())
	assert.True(t, bus.IsConnected(rec.Path))

	sup.OnConnected(rec)
	assert.Equal(t, model.Connected, rec.GetState())

	sup.OnServicesResolved(ctx, rec)
	require.Equal(t, model.Active, rec.GetState())
	assert.True(t, bus.IsNotifying(rec.Temperature))
	assert.Equal(t, 2*time.Second, rec.Backoff)

	// WriteValue is called once for the kickoff plus 18 for the burst.
	writes := 0
	for _, c := range bus.Calls {
		if c == "WriteValue" {
			writes++
		}
	}
	assert.Equal(t, 1+len(initializationBurst), writes)

	sup.HandleTemperatureNotification(rec, []byte{0x3C, 0x81, 0x5A, 0x81, 0x78, 0x81, 0x96, 0x81, 0xFE, 0x7F, 0xFE, 0x7F})
	require.True(t, rec.HasOffset)
	assert.Equal(t, 0, rec.Offset)

	snap := reg.Snapshot()
	assert.InDelta(t, -1820.666667, snap[0], 1e-4)
	assert.Equal(t, 1, alloc.Len())
}

func TestSupervisor_ServiceSizeSanityCheck(t *testing.T) {
	sup, bus, _, _, _ := newHarness(t)
	ctx := context.Background()

	rec := model.NewRecord("/org/bluez/hci0/dev_d1", "IDT-34c-B", 2*time.Second)
	rec.Temperature = "/org/bluez/hci0/dev_d1/char1" // only one bound characteristic

	sup.HandleInterfaceAdded(ctx, rec, false)
	sup.OnConnected(rec)

	sup.OnServicesResolved(ctx, rec)
	assert.Equal(t, model.ServicesResolved, rec.GetState())
	assert.True(t, rec.ServicePartial)

	sup.OnServicesResolved(ctx, rec)
	assert.Equal(t, model.Disconnected, rec.GetState())
	found := false
	for _, c := range bus.Calls {
		if c == "Disconnect" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSupervisor_RetryWithBackoff(t *testing.T) {
	sup, bus, _, _, _ := newHarness(t)
	ctx := context.Background()
	bus.Fail["Connect"] = errors.New("no route to device")

	rec := model.NewRecord("/org/bluez/hci0/dev_d1", "IDT-34c-B", 2*time.Second)

	sup.HandleInterfaceAdded(ctx, rec, false)
	assert.Equal(t, model.Disconnected, rec.GetState())
	assert.Equal(t, 4*time.Second, rec.Backoff)

	sup.Retry(ctx, rec)
	assert.Equal(t, 8*time.Second, rec.Backoff)

	sup.Retry(ctx, rec)
	assert.Equal(t, 16*time.Second, rec.Backoff)

	delete(bus.Fail, "Connect")
	sup.Retry(ctx, rec)
	assert.True(t, bus.IsConnected(rec.Path))
}

func TestSupervisor_RecoverCorruptedConnection(t *testing.T) {
	sup, bus, alloc, _, _ := newHarness(t)
	ctx := context.Background()

	rec := fullRecord("/org/bluez/hci0/dev_d1")
	rec.SetState(model.Active)
	offset, err := alloc.Allocate(string(rec.Path))
	require.NoError(t, err)
	rec.Offset = offset
	rec.HasOffset = true

	sup.HandleInterfaceAdded(ctx, rec, true)

	assert.Equal(t, model.Connecting, rec.GetState())
	assert.False(t, rec.HasOffset)
	assert.Equal(t, 0, alloc.Len())
	found := false
	for _, c := range bus.Calls {
		if c == "Disconnect" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSupervisor_TeardownIdempotent(t *testing.T) {
	sup, bus, alloc, _, _ := newHarness(t)
	ctx := context.Background()

	rec := fullRecord("/org/bluez/hci0/dev_d1")
	offset, err := alloc.Allocate(string(rec.Path))
	require.NoError(t, err)
	rec.Offset = offset
	rec.HasOffset = true
	rec.NotifySubscribed = []model.Path{rec.Temperature, rec.Battery}
	rec.SetState(model.Active)

	sup.Teardown(ctx, rec)
	callsAfterFirst := len(bus.Calls)
	assert.Equal(t, model.Teardown, rec.GetState())
	assert.False(t, rec.HasOffset)
	assert.Equal(t, 0, alloc.Len())

	sup.Teardown(ctx, rec)
	assert.Equal(t, callsAfterFirst, len(bus.Calls), "second teardown must be a no-op")
}

func TestSupervisor_DroppedNotificationWhenNotConnected(t *testing.T) {
	sup, _, alloc, reg, _ := newHarness(t)

	rec := fullRecord("/org/bluez/hci0/dev_d1")
	// still Disconnected: notification must be dropped, no slot consumed.
	sup.HandleTemperatureNotification(rec, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xFE, 0x7F, 0xFE, 0x7F})

	assert.False(t, rec.HasOffset)
	assert.Equal(t, 0, alloc.Len())
	snap := reg.Snapshot()
	assert.True(t, math.IsNaN(snap[0]))
}

func TestSupervisor_CapacityExhausted(t *testing.T) {
	sup, _, alloc, _, _ := newHarness(t)

	for i := 0; i < slot.Count; i++ {
		_, err := alloc.Allocate(fmt.Sprintf("/hog%d", i))
		require.NoError(t, err)
	}

	rec := fullRecord("/org/bluez/hci0/dev_d1")
	rec.SetState(model.Active)
	sup.HandleTemperatureNotification(rec, []byte{0x3C, 0x81, 0x5A, 0x81, 0x78, 0x81, 0x96, 0x81, 0xFE, 0x7F, 0xFE, 0x7F})

	assert.False(t, rec.HasOffset)
	assert.Equal(t, model.Active, rec.GetState(), "capacity exhaustion leaves the device in its current state")
}
