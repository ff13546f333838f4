package busadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/inkbird/thermal-daemon/internal/model"
)

// DBusBus is the production Bus implementation: BlueZ exposed on the
// system message bus, consumed via github.com/godbus/dbus/v5.
type DBusBus struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath

	mu                  sync.Mutex
	onPropertiesChanged PropertiesChangedHandler
	onInterfacesAdded   InterfacesAddedHandler
	onInterfacesRemoved InterfacesRemovedHandler
}

// NewDBusBus connects to the system bus and matches the ObjectManager and
// Properties signals BlueZ emits for every managed object.
func NewDBusBus(adapterPath string) (*DBusBus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("busadapter: connect to system bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(PropertiesIface),
		dbus.WithMatchMember(PropertiesChangedMember),
	); err != nil {
		return nil, fmt.Errorf("busadapter: match PropertiesChanged: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(ObjectManagerIface),
		dbus.WithMatchMember(InterfacesAddedMember),
	); err != nil {
		return nil, fmt.Errorf("busadapter: match InterfacesAdded: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(ObjectManagerIface),
		dbus.WithMatchMember(InterfacesRemovedMember),
	); err != nil {
		return nil, fmt.Errorf("busadapter: match InterfacesRemoved: %w", err)
	}

	return &DBusBus{
		conn:        conn,
		adapterPath: dbus.ObjectPath(adapterPath),
	}, nil
}

func (b *DBusBus) OnPropertiesChanged(h PropertiesChangedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPropertiesChanged = h
}

func (b *DBusBus) OnInterfacesAdded(h InterfacesAddedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onInterfacesAdded = h
}

func (b *DBusBus) OnInterfacesRemoved(h InterfacesRemovedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onInterfacesRemoved = h
}

// Run dispatches signals to the registered handlers until ctx is
// cancelled. It must be called after the handlers are registered.
func (b *DBusBus) Run(ctx context.Context) error {
	ch := make(chan *dbus.Signal, 256)
	b.conn.Signal(ch)
	defer b.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return fmt.Errorf("busadapter: signal channel closed")
			}
			b.dispatch(sig)
		}
	}
}

func (b *DBusBus) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case PropertiesIface + "." + PropertiesChangedMember:
		if len(sig.Body) < 3 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changedVariants, _ := sig.Body[1].(map[string]dbus.Variant)
		invalidated, _ := sig.Body[2].([]string)
		if h := b.propertiesChangedHandler(); h != nil {
			h(model.Path(sig.Path), iface, unwrapVariants(changedVariants), invalidated)
		}

	case ObjectManagerIface + "." + InterfacesAddedMember:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		raw, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if h := b.interfacesAddedHandler(); h != nil {
			h(model.Path(path), unwrapInterfaces(raw))
		}

	case ObjectManagerIface + "." + InterfacesRemovedMember:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		if h := b.interfacesRemovedHandler(); h != nil {
			h(model.Path(path), ifaces)
		}
	}
}

func (b *DBusBus) propertiesChangedHandler() PropertiesChangedHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onPropertiesChanged
}

func (b *DBusBus) interfacesAddedHandler() InterfacesAddedHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onInterfacesAdded
}

func (b *DBusBus) interfacesRemovedHandler() InterfacesRemovedHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onInterfacesRemoved
}

func unwrapVariants(in map[string]dbus.Variant) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = canonicalize(v.Value())
	}
	return out
}

// canonicalize converts bus-specific value types to the plain Go types the
// rest of the core deals in, so no package above busadapter needs to import
// godbus/dbus/v5 itself.
func canonicalize(v any) any {
	if op, ok := v.(dbus.ObjectPath); ok {
		return string(op)
	}
	return v
}

func unwrapInterfaces(in map[string]map[string]dbus.Variant) map[string]map[string]any {
	out := make(map[string]map[string]any, len(in))
	for iface, props := range in {
		out[iface] = unwrapVariants(props)
	}
	return out
}

// Enumerate implements Bus.
func (b *DBusBus) Enumerate(ctx context.Context) (map[model.Path]map[string]map[string]any, error) {
	root := b.conn.Object(ServiceName, "/")
	call := root.CallWithContext(ctx, ObjectManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("busadapter: GetManagedObjects: %w", call.Err)
	}

	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&managed); err != nil {
		return nil, fmt.Errorf("busadapter: decode GetManagedObjects: %w", err)
	}

	out := make(map[model.Path]map[string]map[string]any, len(managed))
	for path, ifaces := range managed {
		out[model.Path(path)] = unwrapInterfaces(ifaces)
	}
	return out, nil
}

func (b *DBusBus) Connect(ctx context.Context, device model.Path) error {
	obj := b.conn.Object(ServiceName, dbus.ObjectPath(device))
	call := obj.CallWithContext(ctx, DeviceIface+".Connect", 0)
	if call.Err != nil {
		return &model.TransportError{Op: "Connect", Path: device, Err: call.Err}
	}
	return nil
}

func (b *DBusBus) Disconnect(device model.Path) error {
	obj := b.conn.Object(ServiceName, dbus.ObjectPath(device))
	call := obj.Call(DeviceIface+".Disconnect", 0)
	if call.Err != nil {
		return &model.TransportError{Op: "Disconnect", Path: device, Err: call.Err}
	}
	return nil
}

func (b *DBusBus) SetTrusted(device model.Path, trusted bool) error {
	obj := b.conn.Object(ServiceName, dbus.ObjectPath(device))
	call := obj.Call(PropertiesIface+".Set", 0, DeviceIface, "Trusted", dbus.MakeVariant(trusted))
	if call.Err != nil {
		return &model.TransportError{Op: "SetTrusted", Path: device, Err: call.Err}
	}
	return nil
}

func (b *DBusBus) StartNotify(char model.Path) error {
	obj := b.conn.Object(ServiceName, dbus.ObjectPath(char))
	call := obj.Call(GattCharIface+".StartNotify", 0)
	if call.Err != nil {
		return &model.TransportError{Op: "StartNotify", Path: char, Err: call.Err}
	}
	return nil
}

func (b *DBusBus) StopNotify(char model.Path) error {
	obj := b.conn.Object(ServiceName, dbus.ObjectPath(char))
	call := obj.Call(GattCharIface+".StopNotify", 0)
	if call.Err != nil {
		return &model.TransportError{Op: "StopNotify", Path: char, Err: call.Err}
	}
	return nil
}

func (b *DBusBus) WriteValue(char model.Path, data []byte, options map[string]any) error {
	obj := b.conn.Object(ServiceName, dbus.ObjectPath(char))
	call := obj.Call(GattCharIface+".WriteValue", 0, data, wrapVariants(options))
	if call.Err != nil {
		return &model.TransportError{Op: "WriteValue", Path: char, Err: call.Err}
	}
	return nil
}

func (b *DBusBus) ReadValue(char model.Path, options map[string]any) ([]byte, error) {
	obj := b.conn.Object(ServiceName, dbus.ObjectPath(char))
	call := obj.Call(GattCharIface+".ReadValue", 0, wrapVariants(options))
	if call.Err != nil {
		return nil, &model.TransportError{Op: "ReadValue", Path: char, Err: call.Err}
	}
	var value []byte
	if err := call.Store(&value); err != nil {
		return nil, &model.TransportError{Op: "ReadValue", Path: char, Err: err}
	}
	return value, nil
}

func (b *DBusBus) RemoveDevice(ctx context.Context, device model.Path) error {
	obj := b.conn.Object(ServiceName, b.adapterPath)
	call := obj.CallWithContext(ctx, AdapterIface+".RemoveDevice", 0, dbus.ObjectPath(device))
	if call.Err != nil {
		return &model.TransportError{Op: "RemoveDevice", Path: device, Err: call.Err}
	}
	return nil
}

func wrapVariants(in map[string]any) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(in))
	for k, v := range in {
		out[k] = dbus.MakeVariant(v)
	}
	return out
}
