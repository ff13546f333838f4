// Package supervisor drives a single device through discovery, connection,
// GATT service resolution, the vendor pseudo-pairing handshake, notification
// subscription, sample ingestion and teardown (spec §4.D). A Supervisor has
// no goroutines of its own: every exported method is expected to run on the
// Coordinator's single event-loop goroutine (spec §5), so the DeviceRecord
// it's handed needs no locking beyond the State/retry-timer guard it already
// carries.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/inkbird/thermal-daemon/internal/busadapter"
	"github.com/inkbird/thermal-daemon/internal/decoder"
	"github.com/inkbird/thermal-daemon/internal/model"
	"github.com/inkbird/thermal-daemon/internal/register"
	"github.com/inkbird/thermal-daemon/internal/slot"
)

// expectedBindings is the number of characteristic handles a fully resolved
// temperature service should have yielded (temperature, command, battery,
// and at least three auxiliary ff0x characteristics) before pseudo-pairing
// is attempted (spec §4.D, §5 supplemented "service-size sanity check").
const expectedBindings = 6

// activationCommand kicks off the vendor pseudo-pairing handshake.
var activationCommand = []byte{0xFD, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// initializationBurst is written, in order, immediately after
// activationCommand (spec §6).
var initializationBurst = [][]byte{
	{0x02, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x02, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x06, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x08},
	{0x0A, 0x0F, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x0C, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x0F, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x11, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x13, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x18},
	{0x24},
	{0x26, 0x01},
	{0x26, 0x02},
	{0x26, 0x04},
	{0x26, 0x08},
}

// writeOptions is the WriteValue option map every command-characteristic
// write carries (spec §6: option `type = "request"`).
var writeOptions = map[string]any{"type": "request"}

// RequeueFunc hands a device path back to the Coordinator's event queue so
// a retry, once its timer fires on its own goroutine, is actually re-driven
// from the single loop goroutine rather than racing it (spec §5).
type RequeueFunc func(path model.Path)

// Supervisor holds the collaborators a Device Supervisor needs but does not
// own: the bus facade, the shared slot allocator and sample register, and
// the logger. None of these are mutated concurrently by more than one
// Supervisor method call at a time, by construction (see package doc).
type Supervisor struct {
	Bus      busadapter.Bus
	Alloc    *slot.Allocator
	Register *register.Register
	Log      *logrus.Logger

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Requeue RequeueFunc
}

// New returns a Supervisor wired to its collaborators.
func New(bus busadapter.Bus, alloc *slot.Allocator, reg *register.Register, log *logrus.Logger, initialBackoff, maxBackoff time.Duration, requeue RequeueFunc) *Supervisor {
	return &Supervisor{
		Bus:            bus,
		Alloc:          alloc,
		Register:       reg,
		Log:            log,
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
		Requeue:        requeue,
	}
}

// HandleInterfaceAdded drives a freshly-seen or re-seen device through the
// Disconnected → Connecting transition. alreadyConnected reflects the
// Connected property carried on the InterfacesAdded payload itself; when
// true the device is recovering from a corrupted/stale handle rather than
// starting fresh (spec.md's distillation dropped this case; carried over
// from the original's interface_added_callback).
func (s *Supervisor) HandleInterfaceAdded(ctx context.Context, rec *model.Record, alreadyConnected bool) {
	if alreadyConnected {
		s.recoverCorrupted(rec)
	}
	if rec.GetState() != model.Disconnected {
		return
	}
	s.connect(ctx, rec)
}

func (s *Supervisor) recoverCorrupted(rec *model.Record) {
	s.Log.WithField("device", rec.Path).Warn("device re-added while still reporting connected, recovering stale handle")
	if rec.HasOffset {
		s.Alloc.Deallocate(string(rec.Path))
		rec.HasOffset = false
	}
	if err := s.Bus.Disconnect(rec.Path); err != nil {
		s.Log.WithError(err).WithField("device", rec.Path).Debug("disconnect during stale-handle recovery failed")
	}
	rec.SetState(model.Disconnected)
}

func (s *Supervisor) connect(ctx context.Context, rec *model.Record) {
	rec.SetState(model.Connecting)
	if err := s.Bus.Connect(ctx, rec.Path); err != nil {
		rec.SetState(model.Disconnected)
		s.Log.WithError(err).WithField("device", rec.Path).Debug("connect failed, retry scheduled")
		s.arm(rec)
		return
	}
	if err := s.Bus.SetTrusted(rec.Path, true); err != nil {
		s.Log.WithError(err).WithField("device", rec.Path).Debug("set trusted failed")
	}
}

// OnConnected handles the Connecting → Connected transition.
func (s *Supervisor) OnConnected(rec *model.Record) {
	if rec.GetState() != model.Connecting {
		return
	}
	rec.SetState(model.Connected)
}

// OnServicesUnresolved tears the device down (ServicesResolved flips false
// from any state, per spec §4.D).
func (s *Supervisor) OnServicesUnresolved(ctx context.Context, rec *model.Record) {
	s.Teardown(ctx, rec)
}

// OnServicesResolved handles Connected → ServicesResolved, the service-size
// sanity check, and the automatic ServicesResolved → PseudoPairing → Active
// run that follows a clean resolution.
func (s *Supervisor) OnServicesResolved(ctx context.Context, rec *model.Record) {
	// Accepted from Connected (first resolution) and from ServicesResolved
	// itself (a second resolution after the service-size check deferred
	// activation and more characteristics arrived in the meantime).
	if state := rec.GetState(); state != model.Connected && state != model.ServicesResolved {
		return
	}
	rec.SetState(model.ServicesResolved)

	if rec.BoundCharCount() < expectedBindings {
		if rec.ServicePartial {
			s.Log.WithField("device", rec.Path).Warn("GATT service still incomplete on second resolution, disconnecting to re-enumerate")
			if err := s.Bus.Disconnect(rec.Path); err != nil {
				s.Log.WithError(err).WithField("device", rec.Path).Debug("defensive disconnect failed")
			}
			rec.SetState(model.Disconnected)
			return
		}
		rec.ServicePartial = true
		return
	}
	rec.ServicePartial = false

	s.activate(ctx, rec)
}

func (s *Supervisor) activate(ctx context.Context, rec *model.Record) {
	rec.SetState(model.PseudoPairing)

	if rec.Temperature != "" {
		if err := s.Bus.StartNotify(rec.Temperature); err != nil {
			s.transientError(rec, "StartNotify", rec.Temperature, err)
			return
		}
		rec.NotifySubscribed = append(rec.NotifySubscribed, rec.Temperature)
	}

	if err := s.writeCommand(rec, activationCommand); err != nil {
		s.transientError(rec, "WriteValue", rec.Command, err)
		return
	}
	for _, seq := range initializationBurst {
		if err := s.writeCommand(rec, seq); err != nil {
			s.transientError(rec, "WriteValue", rec.Command, err)
			return
		}
	}

	for pair := rec.Pending.Oldest(); pair != nil; pair = pair.Next() {
		binding := pair.Value
		if err := s.Bus.StartNotify(binding.CharPath); err != nil {
			s.Log.WithError(err).WithFields(logrus.Fields{"device": rec.Path, "char": binding.CharPath}).Warn("start notify on bound characteristic failed")
			continue
		}
		rec.NotifySubscribed = append(rec.NotifySubscribed, binding.CharPath)
	}
	rec.Pending = orderedmap.New[model.Path, model.Binding]()

	// No activation acknowledgement is parsed: a completed write burst is
	// treated as success (spec §9, "activation success detection").
	rec.SetState(model.Active)
	rec.Backoff = s.InitialBackoff
}

func (s *Supervisor) writeCommand(rec *model.Record, payload []byte) error {
	return s.Bus.WriteValue(rec.Command, payload, writeOptions)
}

func (s *Supervisor) transientError(rec *model.Record, op string, path model.Path, err error) {
	s.Log.WithError(&model.TransportError{Op: op, Path: path, Err: err}).WithField("device", rec.Path).Debug("transient error during pseudo-pairing, retry scheduled")
	s.arm(rec)
}

// arm schedules exactly one retry for rec, at the current backoff, and
// doubles the backoff for next time, clamped to MaxBackoff. A successful
// activation (see activate) resets Backoff to InitialBackoff.
func (s *Supervisor) arm(rec *model.Record) {
	after := rec.Backoff
	if after > s.MaxBackoff {
		after = s.MaxBackoff
	}
	next := after * 2
	if next > s.MaxBackoff {
		next = s.MaxBackoff
	}
	rec.Backoff = next

	path := rec.Path
	requeue := s.Requeue
	rec.ScheduleRetry(after, func() {
		if requeue != nil {
			requeue(path)
		}
	})
}

// Retry re-drives the action for rec's current phase, per spec §4.D's
// "re-drive the current state's action".
func (s *Supervisor) Retry(ctx context.Context, rec *model.Record) {
	switch rec.GetState() {
	case model.Disconnected, model.Connecting:
		s.connect(ctx, rec)
	case model.ServicesResolved, model.PseudoPairing:
		s.activate(ctx, rec)
	}
}

// HandleTemperatureNotification decodes and accepts a temperature payload,
// allocating a sample-register slot on the first accepted notification for
// this device rather than at Active entry (spec §4.E note).
func (s *Supervisor) HandleTemperatureNotification(rec *model.Record, raw []byte) {
	state := rec.GetState()
	if state != model.Active && state != model.PseudoPairing {
		return
	}

	values, err := decoder.Decode(raw)
	if err != nil {
		return
	}

	if !rec.HasOffset {
		offset, err := s.Alloc.Allocate(string(rec.Path))
		if err != nil {
			s.Log.WithError(err).WithField("device", rec.Path).Warn("no free sample-register slot, dropping sample")
			return
		}
		rec.Offset = offset
		rec.HasOffset = true
	}

	s.Register.Update(rec.Offset, values)
}

// HandleBatteryNotification logs the battery percentage at Debug level
// (spec.md's distillation dropped the original's battery print; carried
// over as observability rather than a UI, see SPEC_FULL.md §5).
func (s *Supervisor) HandleBatteryNotification(rec *model.Record, data []byte) {
	pct := -1
	if len(data) > 0 {
		pct = int(data[0])
	}
	s.Log.WithFields(logrus.Fields{"device": rec.Path, "percent": pct}).Debug("battery level")
}

// HandleAuxiliaryNotification logs an auxiliary characteristic's raw
// payload at Debug level; the core has no interpretation for these bytes.
func (s *Supervisor) HandleAuxiliaryNotification(rec *model.Record, char model.Path, data []byte) {
	s.Log.WithFields(logrus.Fields{"device": rec.Path, "char": char, "payload": fmt.Sprintf("% x", data)}).Debug("auxiliary characteristic notification")
}

// Teardown runs the idempotent teardown sequence (spec §4.D): it is safe to
// call more than once for the same record.
func (s *Supervisor) Teardown(ctx context.Context, rec *model.Record) {
	if rec.GetState() == model.Teardown {
		return
	}
	rec.SetState(model.Teardown)
	rec.CancelRetry()

	for _, char := range rec.NotifySubscribed {
		if err := s.Bus.StopNotify(char); err != nil {
			s.Log.WithError(err).WithFields(logrus.Fields{"device": rec.Path, "char": char}).Debug("stop notify failed during teardown")
		}
	}
	rec.NotifySubscribed = nil

	if err := s.Bus.Disconnect(rec.Path); err != nil {
		s.Log.WithError(err).WithField("device", rec.Path).Debug("disconnect failed during teardown")
	}

	rec.Temperature, rec.Command, rec.Battery = "", "", ""
	rec.Auxiliary = nil
	rec.ServiceKnown, rec.ServicePartial = false, false
	rec.Pending = orderedmap.New[model.Path, model.Binding]()

	if rec.HasOffset {
		s.Alloc.Deallocate(string(rec.Path))
		rec.HasOffset = false
	}

	if err := s.Bus.RemoveDevice(ctx, rec.Path); err != nil {
		s.Log.WithError(err).WithField("device", rec.Path).Debug("remove device failed during teardown")
	}
}
