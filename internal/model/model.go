// Package model holds the data types shared by the Bus Adapter, Device
// Supervisor and Coordinator: device state, the per-device record, and the
// BLE identifiers the supervisor looks for.
package model

import (
	"fmt"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Path is a BLE bus object path, the opaque identifier the host stack
// assigns to every managed entity (adapter, device, service,
// characteristic). It is the primary key for everything device-scoped.
type Path string

// DeviceState is the device's position in the Device Supervisor's state
// machine (spec §3, §4.D).
type DeviceState int

const (
	Disconnected DeviceState = iota
	Connecting
	Connected
	ServicesResolved
	PseudoPairing
	Active
	Teardown
)

func (s DeviceState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServicesResolved:
		return "services-resolved"
	case PseudoPairing:
		return "pseudo-pairing"
	case Active:
		return "active"
	case Teardown:
		return "teardown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CharRole classifies a GATT characteristic by its UUID (spec §3, §6).
type CharRole int

const (
	RoleTemperature CharRole = iota
	RoleCommand
	RoleBattery
	RoleAuxiliary
)

// Binding is a (characteristic path, dispatch role, owning device path)
// triple queued during discovery and flushed on transition into
// PseudoPairing: subscribe to property-change notifications on the
// characteristic, then request notification delivery start.
type Binding struct {
	CharPath Path
	Role     CharRole
	Device   Path
}

// Record owns everything the Coordinator and Supervisor know about one
// physical device: its known characteristic handles, its state, its
// backoff clock, and the bindings queued while GATT discovery is still in
// progress. A Record is the sole strong owner of its characteristic
// handles (spec §9): Teardown drops them explicitly, no weak maps needed.
type Record struct {
	Path  Path
	Name  string
	State DeviceState

	Temperature Path
	Command     Path
	Battery     Path
	Auxiliary   []Path

	// ServiceKnown marks whether the ff00 GATT service object has been
	// seen for this device yet (spec §4.F).
	ServiceKnown bool
	// ServicePartial records whether a previous resolution attempt found
	// an incomplete characteristic set, per spec §4.D's re-enumeration
	// guard.
	ServicePartial bool

	// Pending holds bindings queued during discovery, in arrival order,
	// flushed when the device enters PseudoPairing.
	Pending *orderedmap.OrderedMap[Path, Binding]

	// Offset is the slot this device owns in the Sample Register, set
	// only once a temperature notification actually arrives (spec §4.E
	// note) and cleared on Teardown.
	Offset    int
	HasOffset bool

	// NotifySubscribed lists every characteristic currently StartNotify'd
	// for this device, so Teardown knows exactly what to StopNotify
	// (spec §4.D step 2).
	NotifySubscribed []Path

	Backoff time.Duration

	// retryTimer is the single pending retry handle for this device;
	// nil if no retry is scheduled. mu guards both State and retryTimer,
	// since the timer callback fires on a different goroutine than the
	// coordinator's event loop (spec §5).
	mu         sync.Mutex
	retryTimer *time.Timer
}

// SetState sets the device's state under the record's lock.
func (r *Record) SetState(s DeviceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = s
}

// GetState reads the device's state under the record's lock.
func (r *Record) GetState() DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State
}

// ScheduleRetry cancels any pending retry timer and arms a new one,
// guaranteeing at most one pending retry per device (spec §4.D, §5).
func (r *Record) ScheduleRetry(after time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retryTimer != nil {
		r.retryTimer.Stop()
	}
	r.retryTimer = time.AfterFunc(after, fn)
}

// CancelRetry stops any pending retry timer. Safe to call when none is
// pending.
func (r *Record) CancelRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

// NewRecord creates a fresh record for path in the Disconnected state with
// an empty binding queue and the initial backoff.
func NewRecord(path Path, name string, initialBackoff time.Duration) *Record {
	return &Record{
		Path:    path,
		Name:    name,
		State:   Disconnected,
		Pending: orderedmap.New[Path, Binding](),
		Backoff: initialBackoff,
	}
}

// BoundCharCount reports how many characteristic handles are currently
// known: one each for temperature, command and battery if set, plus every
// auxiliary. Used by the service-size sanity check in spec §4.D.
func (r *Record) BoundCharCount() int {
	n := 0
	if r.Temperature != "" {
		n++
	}
	if r.Command != "" {
		n++
	}
	if r.Battery != "" {
		n++
	}
	n += len(r.Auxiliary)
	return n
}
