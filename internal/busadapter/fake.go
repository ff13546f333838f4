package busadapter

import (
	"context"
	"sync"

	"github.com/inkbird/thermal-daemon/internal/model"
)

// FakeBus is an in-memory Bus double for tests. Calls are recorded in Calls
// and can be made to fail by populating Fail with the desired error, keyed
// by operation name ("Connect", "StartNotify", ...).
type FakeBus struct {
	mu sync.Mutex

	Calls []string
	Fail  map[string]error

	devices map[model.Path]bool
	trusted map[model.Path]bool
	notify  map[model.Path]bool
	reads   map[model.Path][]byte

	managed map[model.Path]map[string]map[string]any

	onPropertiesChanged PropertiesChangedHandler
	onInterfacesAdded   InterfacesAddedHandler
	onInterfacesRemoved InterfacesRemovedHandler
}

// NewFakeBus returns an empty FakeBus ready for use.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		Fail:    make(map[string]error),
		devices: make(map[model.Path]bool),
		trusted: make(map[model.Path]bool),
		notify:  make(map[model.Path]bool),
		reads:   make(map[model.Path][]byte),
		managed: make(map[model.Path]map[string]map[string]any),
	}
}

func (f *FakeBus) record(op string) error {
	f.Calls = append(f.Calls, op)
	return f.Fail[op]
}

// SetManaged seeds the object returned by Enumerate for path.
func (f *FakeBus) SetManaged(path model.Path, ifaces map[string]map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.managed[path] = ifaces
}

// RemoveManaged deletes path from the set Enumerate returns, simulating
// the device vanishing from the bus without an explicit signal.
func (f *FakeBus) RemoveManaged(path model.Path) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.managed, path)
}

// SetReadValue fixes the bytes ReadValue returns for char.
func (f *FakeBus) SetReadValue(char model.Path, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[char] = data
}

// EmitPropertiesChanged synchronously invokes the registered handler, as
// the real Bus would while Run is pumping signals.
func (f *FakeBus) EmitPropertiesChanged(path model.Path, iface string, changed map[string]any, invalidated []string) {
	f.mu.Lock()
	h := f.onPropertiesChanged
	f.mu.Unlock()
	if h != nil {
		h(path, iface, changed, invalidated)
	}
}

// EmitInterfacesAdded synchronously invokes the registered handler.
func (f *FakeBus) EmitInterfacesAdded(path model.Path, interfaces map[string]map[string]any) {
	f.mu.Lock()
	h := f.onInterfacesAdded
	f.mu.Unlock()
	if h != nil {
		h(path, interfaces)
	}
}

// EmitInterfacesRemoved synchronously invokes the registered handler.
func (f *FakeBus) EmitInterfacesRemoved(path model.Path, interfaces []string) {
	f.mu.Lock()
	h := f.onInterfacesRemoved
	f.mu.Unlock()
	if h != nil {
		h(path, interfaces)
	}
}

func (f *FakeBus) OnPropertiesChanged(h PropertiesChangedHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPropertiesChanged = h
}

func (f *FakeBus) OnInterfacesAdded(h InterfacesAddedHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onInterfacesAdded = h
}

func (f *FakeBus) OnInterfacesRemoved(h InterfacesRemovedHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onInterfacesRemoved = h
}

func (f *FakeBus) Enumerate(ctx context.Context) (map[model.Path]map[string]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Enumerate"); err != nil {
		return nil, err
	}
	out := make(map[model.Path]map[string]map[string]any, len(f.managed))
	for k, v := range f.managed {
		out[k] = v
	}
	return out, nil
}

func (f *FakeBus) Connect(ctx context.Context, device model.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Connect"); err != nil {
		return err
	}
	f.devices[device] = true
	return nil
}

func (f *FakeBus) Disconnect(device model.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Disconnect"); err != nil {
		return err
	}
	delete(f.devices, device)
	return nil
}

func (f *FakeBus) SetTrusted(device model.Path, trusted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetTrusted"); err != nil {
		return err
	}
	f.trusted[device] = trusted
	return nil
}

func (f *FakeBus) StartNotify(char model.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("StartNotify"); err != nil {
		return err
	}
	f.notify[char] = true
	return nil
}

func (f *FakeBus) StopNotify(char model.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("StopNotify"); err != nil {
		return err
	}
	f.notify[char] = false
	return nil
}

func (f *FakeBus) WriteValue(char model.Path, data []byte, options map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("WriteValue")
}

func (f *FakeBus) ReadValue(char model.Path, options map[string]any) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ReadValue"); err != nil {
		return nil, err
	}
	return f.reads[char], nil
}

func (f *FakeBus) RemoveDevice(ctx context.Context, device model.Path) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveDevice"); err != nil {
		return err
	}
	delete(f.managed, device)
	return nil
}

func (f *FakeBus) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// IsNotifying reports whether StartNotify has been called for char without
// a later StopNotify.
func (f *FakeBus) IsNotifying(char model.Path) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notify[char]
}

// IsConnected reports whether Connect has been called for device without a
// later Disconnect.
func (f *FakeBus) IsConnected(device model.Path) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[device]
}
