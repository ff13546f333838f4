// Package coordinator owns the set of known devices, routes Bus Adapter
// events and periodic ticks to the right Device Supervisor, and runs the
// periodic reconciliation sweep (spec §4.F). Every method that touches
// shared state runs on the single event-loop goroutine that calls Run, per
// spec §5;
// external producers (bus callbacks, timers) only ever push events onto the
// typed queue.
package coordinator

import (
	"context"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/inkbird/thermal-daemon/internal/busadapter"
	"github.com/inkbird/thermal-daemon/internal/evqueue"
	"github.com/inkbird/thermal-daemon/internal/groutine"
	"github.com/inkbird/thermal-daemon/internal/model"
	"github.com/inkbird/thermal-daemon/internal/sink"
	"github.com/inkbird/thermal-daemon/internal/supervisor"
)

type eventKind int

const (
	evInterfacesAdded eventKind = iota
	evInterfacesRemoved
	evPropertiesChanged
	evRetryTick
	evSweep
	evLoggerTick
)

// loggerPeriod is the Logger's tick interval (spec §4.G: "runs every 1 s").
const loggerPeriod = 1 * time.Second

type busEvent struct {
	kind eventKind
	path model.Path

	interfaces    map[string]map[string]any
	removedIfaces []string

	iface       string
	changed     map[string]any
	invalidated []string
}

// eventQueueCapacity bounds how many undelivered events may queue up
// between sweeps before a producer blocks; six devices times a handful of
// characteristics leaves ample headroom.
const eventQueueCapacity = 256

// charOwner identifies which device and dispatch role a characteristic
// path was bound to by Coordinator's GATT discovery (spec §4.F).
type charOwner struct {
	device model.Path
	role   model.CharRole
}

// Coordinator is the Coordinator component (spec §4.F).
type Coordinator struct {
	Bus         busadapter.Bus
	Supervisor  *supervisor.Supervisor
	Sink        *sink.Logger
	Log         *logrus.Logger
	WatchPeriod time.Duration

	// TargetNames is the set of BLE "Name" property values worth
	// supervising. New initializes it to model.TargetNames; a nil map
	// matches no device.
	TargetNames map[string]bool

	devices *hashmap.Map[model.Path, *model.Record]
	events  *evqueue.Queue[busEvent]

	// serviceDevice maps a GATT service's object path to its owning
	// device, populated when the service's InterfacesAdded is observed.
	serviceDevice map[model.Path]model.Path
	// charOwners maps a characteristic's object path to the device and
	// role it was classified into.
	charOwners map[model.Path]charOwner
}

// New returns a Coordinator ready for Run.
func New(bus busadapter.Bus, sup *supervisor.Supervisor, log *logrus.Logger, watchPeriod time.Duration) *Coordinator {
	return &Coordinator{
		Bus:           bus,
		Supervisor:    sup,
		Log:           log,
		WatchPeriod:   watchPeriod,
		TargetNames:   model.TargetNames,
		devices:       hashmap.New[model.Path, *model.Record](),
		events:        evqueue.New[busEvent](eventQueueCapacity),
		serviceDevice: make(map[model.Path]model.Path),
		charOwners:    make(map[model.Path]charOwner),
	}
}

// Run wires the bus's signal handlers to the event queue, runs the initial
// enumeration and the periodic sweep, and drives the single event loop
// until ctx is cancelled. On cancellation it tears down every known device
// before returning (spec §4.H).
func (c *Coordinator) Run(ctx context.Context) error {
	c.Supervisor.Requeue = func(path model.Path) {
		c.events.Send(busEvent{kind: evRetryTick, path: path})
	}

	c.Bus.OnInterfacesAdded(func(path model.Path, interfaces map[string]map[string]any) {
		c.events.Send(busEvent{kind: evInterfacesAdded, path: path, interfaces: interfaces})
	})
	c.Bus.OnInterfacesRemoved(func(path model.Path, interfaces []string) {
		c.events.Send(busEvent{kind: evInterfacesRemoved, path: path, removedIfaces: interfaces})
	})
	c.Bus.OnPropertiesChanged(func(path model.Path, iface string, changed map[string]any, invalidated []string) {
		c.events.Send(busEvent{kind: evPropertiesChanged, path: path, iface: iface, changed: changed, invalidated: invalidated})
	})

	busErrs := make(chan error, 1)
	groutine.Go(ctx, "bus-signal-pump", func(ctx context.Context) {
		busErrs <- c.Bus.Run(ctx)
	})

	ticker := time.NewTicker(c.WatchPeriod)
	defer ticker.Stop()
	groutine.Go(ctx, "sweep-ticker", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.events.Send(busEvent{kind: evSweep})
			}
		}
	})

	loggerTicker := time.NewTicker(loggerPeriod)
	defer loggerTicker.Stop()
	groutine.Go(ctx, "logger-ticker", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-loggerTicker.C:
				c.events.Send(busEvent{kind: evLoggerTick})
			}
		}
	})

	c.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			c.teardownAll(ctx)
			return ctx.Err()
		case err := <-busErrs:
			if err != nil && ctx.Err() == nil {
				c.Log.WithError(err).Error("bus signal loop exited unexpectedly")
			}
		case ev := <-c.events.C():
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev busEvent) {
	switch ev.kind {
	case evInterfacesAdded:
		c.handleInterfacesAdded(ctx, ev.path, ev.interfaces)
	case evInterfacesRemoved:
		c.handleInterfacesRemoved(ctx, ev.path, ev.removedIfaces)
	case evPropertiesChanged:
		c.handlePropertiesChanged(ctx, ev.path, ev.iface, ev.changed)
	case evRetryTick:
		if rec, ok := c.devices.Get(ev.path); ok {
			c.Supervisor.Retry(ctx, rec)
		}
	case evSweep:
		c.sweep(ctx)
	case evLoggerTick:
		if c.Sink != nil {
			c.Sink.Tick(time.Now())
		}
	}
}

// ReadyDevices returns the temperature characteristic path for every
// device currently Active, for the Logger's stall-recovery path (spec
// §4.G).
func (c *Coordinator) ReadyDevices() []model.Path {
	var ready []model.Path
	c.devices.Range(func(_ model.Path, rec *model.Record) bool {
		if rec.GetState() == model.Active && rec.Temperature != "" {
			ready = append(ready, rec.Temperature)
		}
		return true
	})
	return ready
}

func (c *Coordinator) handleInterfacesAdded(ctx context.Context, path model.Path, interfaces map[string]map[string]any) {
	if deviceProps, ok := interfaces[busadapter.DeviceIface]; ok {
		c.handleDeviceAdded(ctx, path, deviceProps)
	}
	if svcProps, ok := interfaces[busadapter.GattServiceIface]; ok {
		c.handleServiceAdded(path, svcProps)
	}
	if charProps, ok := interfaces[busadapter.GattCharIface]; ok {
		c.handleCharacteristicAdded(path, charProps)
	}
}

func (c *Coordinator) handleDeviceAdded(ctx context.Context, path model.Path, props map[string]any) {
	name, _ := props["Name"].(string)
	if !c.TargetNames[name] {
		return
	}
	rec, _ := c.devices.GetOrInsert(path, model.NewRecord(path, name, c.Supervisor.InitialBackoff))
	connected, _ := props["Connected"].(bool)
	c.Supervisor.HandleInterfaceAdded(ctx, rec, connected)
}

func (c *Coordinator) handleServiceAdded(path model.Path, props map[string]any) {
	uuid, _ := props["UUID"].(string)
	if model.NormalizeUUID(uuid) != model.NormalizeUUID(model.ServiceUUID) {
		return
	}
	devicePath, _ := props["Device"].(string)
	if devicePath == "" {
		return
	}
	if _, ok := c.devices.Get(model.Path(devicePath)); !ok {
		return
	}
	c.serviceDevice[path] = model.Path(devicePath)
	if rec, ok := c.devices.Get(model.Path(devicePath)); ok {
		rec.ServiceKnown = true
	}
}

func (c *Coordinator) handleCharacteristicAdded(path model.Path, props map[string]any) {
	servicePath, _ := props["Service"].(string)
	device, ok := c.serviceDevice[model.Path(servicePath)]
	if !ok {
		return
	}
	rec, ok := c.devices.Get(device)
	if !ok {
		return
	}

	uuid, _ := props["UUID"].(string)
	role, known := model.ClassifyCharacteristic(uuid)
	if !known {
		return
	}

	switch role {
	case model.RoleTemperature:
		if rec.Temperature != "" {
			return
		}
		rec.Temperature = path
	case model.RoleCommand:
		if rec.Command != "" {
			return
		}
		rec.Command = path
	case model.RoleBattery:
		if rec.Battery != "" {
			return
		}
		rec.Battery = path
	case model.RoleAuxiliary:
		for _, existing := range rec.Auxiliary {
			if existing == path {
				return
			}
		}
		rec.Auxiliary = append(rec.Auxiliary, path)
	}

	c.charOwners[path] = charOwner{device: device, role: role}
	rec.Pending.Set(path, model.Binding{CharPath: path, Role: role, Device: device})
}

func (c *Coordinator) handlePropertiesChanged(ctx context.Context, path model.Path, iface string, changed map[string]any) {
	switch iface {
	case busadapter.DeviceIface:
		c.handleDevicePropertiesChanged(ctx, path, changed)
	case busadapter.GattCharIface:
		c.handleCharacteristicPropertiesChanged(path, changed)
	}
}

func (c *Coordinator) handleDevicePropertiesChanged(ctx context.Context, path model.Path, changed map[string]any) {
	rec, ok := c.devices.Get(path)
	if !ok {
		return
	}
	if v, present := changed["Connected"]; present {
		if connected, _ := v.(bool); connected {
			c.Supervisor.OnConnected(rec)
		}
	}
	if v, present := changed["ServicesResolved"]; present {
		resolved, _ := v.(bool)
		if resolved {
			c.Supervisor.OnServicesResolved(ctx, rec)
		} else {
			c.Supervisor.OnServicesUnresolved(ctx, rec)
			c.removeRecord(path)
		}
	}
}

func (c *Coordinator) handleCharacteristicPropertiesChanged(path model.Path, changed map[string]any) {
	v, present := changed["Value"]
	if !present {
		return
	}
	data, _ := v.([]byte)

	owner, ok := c.charOwners[path]
	if !ok {
		return
	}
	rec, ok := c.devices.Get(owner.device)
	if !ok {
		return
	}

	switch owner.role {
	case model.RoleTemperature:
		c.Supervisor.HandleTemperatureNotification(rec, data)
	case model.RoleBattery:
		c.Supervisor.HandleBatteryNotification(rec, data)
	case model.RoleAuxiliary:
		c.Supervisor.HandleAuxiliaryNotification(rec, path, data)
	}
}

func (c *Coordinator) handleInterfacesRemoved(ctx context.Context, path model.Path, interfaces []string) {
	for _, iface := range interfaces {
		if iface == busadapter.DeviceIface {
			if rec, ok := c.devices.Get(path); ok {
				c.Supervisor.Teardown(ctx, rec)
				c.removeRecord(path)
			}
			return
		}
	}
}

// sweep re-enumerates the bus, drives InterfacesAdded for any object the
// Coordinator hasn't seen yet, and tears down any known device absent from
// the enumeration (spec §4.F — covers missed removal signals).
func (c *Coordinator) sweep(ctx context.Context) {
	managed, err := c.Bus.Enumerate(ctx)
	if err != nil {
		c.Log.WithError(err).Warn("reconciliation sweep: enumerate failed")
		return
	}

	// Devices first, then services, then characteristics, so a
	// characteristic's parent service is always already recorded by the
	// time it's processed within the same sweep.
	for path, ifaces := range managed {
		if _, ok := ifaces[busadapter.DeviceIface]; ok {
			if _, known := c.devices.Get(path); known {
				continue
			}
			c.handleInterfacesAdded(ctx, path, ifaces)
		}
	}
	for path, ifaces := range managed {
		if _, ok := ifaces[busadapter.GattServiceIface]; ok {
			c.handleInterfacesAdded(ctx, path, ifaces)
		}
	}
	for path, ifaces := range managed {
		if _, ok := ifaces[busadapter.GattCharIface]; ok {
			c.handleInterfacesAdded(ctx, path, ifaces)
		}
	}

	var stale []*model.Record
	c.devices.Range(func(path model.Path, rec *model.Record) bool {
		if _, present := managed[path]; !present {
			stale = append(stale, rec)
		}
		return true
	})
	for _, rec := range stale {
		c.Supervisor.Teardown(ctx, rec)
		c.removeRecord(rec.Path)
	}
}

func (c *Coordinator) removeRecord(path model.Path) {
	c.devices.Del(path)
	delete(c.serviceDevice, path)
	for charPath, owner := range c.charOwners {
		if owner.device == path {
			delete(c.charOwners, charPath)
		}
	}
	for svcPath, dev := range c.serviceDevice {
		if dev == path {
			delete(c.serviceDevice, svcPath)
		}
	}
}

func (c *Coordinator) teardownAll(ctx context.Context) {
	var all []*model.Record
	c.devices.Range(func(_ model.Path, rec *model.Record) bool {
		all = append(all, rec)
		return true
	})
	for _, rec := range all {
		c.Supervisor.Teardown(ctx, rec)
		c.removeRecord(rec.Path)
	}
}

// Devices returns the number of currently known devices, for tests and
// metrics.
func (c *Coordinator) Devices() int {
	return c.devices.Len()
}
