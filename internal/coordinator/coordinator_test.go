package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkbird/thermal-daemon/internal/busadapter"
	"github.com/inkbird/thermal-daemon/internal/model"
	"github.com/inkbird/thermal-daemon/internal/register"
	"github.com/inkbird/thermal-daemon/internal/slot"
	"github.com/inkbird/thermal-daemon/internal/supervisor"
)

const devicePath = model.Path("/org/bluez/hci0/dev_D1")
const servicePath = model.Path("/org/bluez/hci0/dev_D1/service0028")

func newTestCoordinator(t *testing.T) (*Coordinator, *busadapter.FakeBus, context.Context, context.CancelFunc) {
	t.Helper()
	log, _ := test.NewNullLogger()
	bus := busadapter.NewFakeBus()
	alloc := slot.New()
	reg := register.New()
	sup := supervisor.New(bus, alloc, reg, log, 2*time.Second, 16*time.Second, nil)
	c := New(bus, sup, log, time.Hour) // sweep never fires on its own during the test
	ctx, cancel := context.WithCancel(context.Background())
	return c, bus, ctx, cancel
}

func characteristicProps(uuid, service string) map[string]any {
	return map[string]any{"UUID": uuid, "Service": service}
}

func TestCoordinator_SingleDeviceHappyPath(t *testing.T) {
	c, bus, ctx, cancel := newTestCoordinator(t)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	bus.EmitInterfacesAdded(devicePath, map[string]map[string]any{
		busadapter.DeviceIface: {"Name": "IDT-34c-B", "Connected": false},
	})
	require.Eventually(t, func() bool {
		rec, ok := c.devices.Get(devicePath)
		return ok && rec.GetState() == model.Connecting
	}, time.Second, time.Millisecond, "device should reach Connecting")

	bus.EmitPropertiesChanged(devicePath, busadapter.DeviceIface, map[string]any{"Connected": true}, nil)
	require.Eventually(t, func() bool {
		rec, _ := c.devices.Get(devicePath)
		return rec.GetState() == model.Connected
	}, time.Second, time.Millisecond)

	bus.EmitInterfacesAdded(servicePath, map[string]map[string]any{
		busadapter.GattServiceIface: {"UUID": model.ServiceUUID, "Device": string(devicePath)},
	})

	charBase := string(servicePath) + "/char"
	chars := []string{
		model.TemperatureCharUUID,
		model.CommandCharUUID,
		model.BatteryCharUUID,
		"0000ff03-0000-1000-8000-00805f9b34fb",
		"0000ff04-0000-1000-8000-00805f9b34fb",
		"0000ff06-0000-1000-8000-00805f9b34fb",
	}
	for i, uuid := range chars {
		path := model.Path(charBase + string(rune('0'+i)))
		bus.EmitInterfacesAdded(path, map[string]map[string]any{
			busadapter.GattCharIface: characteristicProps(uuid, string(servicePath)),
		})
	}

	bus.EmitPropertiesChanged(devicePath, busadapter.DeviceIface, map[string]any{"ServicesResolved": true}, nil)
	require.Eventually(t, func() bool {
		rec, _ := c.devices.Get(devicePath)
		return rec.GetState() == model.Active
	}, time.Second, time.Millisecond, "device should reach Active after pseudo-pairing")

	rec, _ := c.devices.Get(devicePath)
	tempPayload := []byte{0x3C, 0x81, 0x5A, 0x81, 0x78, 0x81, 0x96, 0x81, 0xFE, 0x7F, 0xFE, 0x7F}
	bus.EmitPropertiesChanged(rec.Temperature, busadapter.GattCharIface, map[string]any{"Value": tempPayload}, nil)

	require.Eventually(t, func() bool {
		rec, _ := c.devices.Get(devicePath)
		return rec.HasOffset
	}, time.Second, time.Millisecond, "first temperature notification should allocate a slot")
	assert.Equal(t, 0, rec.Offset)
}

func TestCoordinator_SweepTearsDownMissingDevice(t *testing.T) {
	c, bus, ctx, cancel := newTestCoordinator(t)
	defer cancel()

	bus.SetManaged(devicePath, map[string]map[string]any{
		busadapter.DeviceIface: {"Name": "IDT-34c-B", "Connected": false},
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return c.Devices() == 1
	}, time.Second, time.Millisecond, "initial sweep should discover the device")

	rec, _ := c.devices.Get(devicePath)
	rec.SetState(model.Active)
	rec.HasOffset = true
	rec.Offset = 0

	bus.RemoveManaged(devicePath)

	c.events.Send(busEvent{kind: evSweep})

	require.Eventually(t, func() bool {
		return c.Devices() == 0
	}, time.Second, time.Millisecond, "sweep should tear down a device absent from enumeration")
}
