// Package busadapter is the thin, typed facade over the external BLE stack
// exposed on the system message bus (BlueZ over D-Bus). It is the only
// component aware of the underlying transport (spec §4.E); everything
// above it deals in model.Path and plain Go errors.
package busadapter

import (
	"context"

	"github.com/inkbird/thermal-daemon/internal/model"
)

// PropertiesChangedHandler is invoked once per PropertiesChanged signal.
type PropertiesChangedHandler func(path model.Path, iface string, changed map[string]any, invalidated []string)

// InterfacesAddedHandler is invoked once per InterfacesAdded signal.
// Enumerate does not invoke it; the Coordinator's reconciliation sweep
// handles enumerated objects itself.
type InterfacesAddedHandler func(path model.Path, interfaces map[string]map[string]any)

// InterfacesRemovedHandler is invoked once per InterfacesRemoved signal.
type InterfacesRemovedHandler func(path model.Path, interfaces []string)

// Bus is the typed interface the Coordinator and Supervisor depend on.
// The real implementation (DBusBus) talks to BlueZ; tests use a fake.
type Bus interface {
	// Enumerate lists every currently managed object and its interface
	// properties, equivalent to ObjectManager.GetManagedObjects.
	Enumerate(ctx context.Context) (map[model.Path]map[string]map[string]any, error)

	// OnPropertiesChanged, OnInterfacesAdded and OnInterfacesRemoved
	// register the Coordinator's dispatch callbacks. Each may be called
	// only once; the Bus delivers events to the most recently registered
	// handler of each kind.
	OnPropertiesChanged(h PropertiesChangedHandler)
	OnInterfacesAdded(h InterfacesAddedHandler)
	OnInterfacesRemoved(h InterfacesRemovedHandler)

	// Device method proxies.
	Connect(ctx context.Context, device model.Path) error
	Disconnect(device model.Path) error
	SetTrusted(device model.Path, trusted bool) error

	// Characteristic method proxies.
	StartNotify(char model.Path) error
	StopNotify(char model.Path) error
	WriteValue(char model.Path, data []byte, options map[string]any) error
	ReadValue(char model.Path, options map[string]any) ([]byte, error)

	// RemoveDevice flushes the adapter's BlueZ object cache for device.
	RemoveDevice(ctx context.Context, device model.Path) error

	// Run blocks, dispatching signals to the registered handlers, until
	// ctx is cancelled.
	Run(ctx context.Context) error
}

// D-Bus interface and member names this core depends on (spec §6).
const (
	ServiceName = "org.bluez"

	DeviceIface        = "org.bluez.Device1"
	AdapterIface       = "org.bluez.Adapter1"
	GattServiceIface   = "org.bluez.GattService1"
	GattCharIface      = "org.bluez.GattCharacteristic1"
	PropertiesIface    = "org.freedesktop.DBus.Properties"
	ObjectManagerIface = "org.freedesktop.DBus.ObjectManager"

	PropertiesChangedMember = "PropertiesChanged"
	InterfacesAddedMember   = "InterfacesAdded"
	InterfacesRemovedMember = "InterfacesRemoved"
)
