// Package sink implements the Logger component (spec §4.G): a periodic
// flush of the Sample Register to the output file, with a stall detector
// that forces a re-read when nothing has been stamped in too long.
package sink

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inkbird/thermal-daemon/internal/busadapter"
	"github.com/inkbird/thermal-daemon/internal/model"
	"github.com/inkbird/thermal-daemon/internal/register"
)

// ReadyLister returns the temperature-notify characteristic path for every
// device currently believed to be streaming, so a stalled Logger can
// provoke a fresh notification out of each of them.
type ReadyLister func() []model.Path

// readOptions is the ReadValue option map the stall-recovery path sends,
// mirroring the original's `{'type': Variant('s', 'request')}`.
var readOptions = map[string]any{"type": "request"}

// Logger owns the output file and the stall bookkeeping; it holds no other
// state of its own, reading everything it emits from Register each tick.
type Logger struct {
	Register *register.Register
	Bus      busadapter.Bus
	Log      *logrus.Logger
	Ready    ReadyLister
	Writer   io.Writer

	StallTimeout time.Duration

	lastStamp time.Time
}

// New returns a Logger ready for Tick, with lastStamp seeded to now so a
// freshly started daemon doesn't immediately believe it has stalled.
func New(reg *register.Register, bus busadapter.Bus, log *logrus.Logger, ready ReadyLister, w io.Writer, stallTimeout time.Duration, now time.Time) *Logger {
	return &Logger{
		Register:     reg,
		Bus:          bus,
		Log:          log,
		Ready:        ready,
		Writer:       w,
		StallTimeout: stallTimeout,
		lastStamp:    now,
	}
}

// Tick runs one Logger cycle, as if invoked by the 1s timer described in
// spec §4.G. Every tick reads and advances the Register, and stall recovery
// also issues reads on the Bus; callers must invoke Tick from the same
// goroutine that mutates the Register (spec §5).
func (l *Logger) Tick(now time.Time) {
	defer l.Register.Advance()

	if !l.Register.Stamped() {
		if now.Sub(l.lastStamp) > l.StallTimeout {
			l.recover(now)
		}
		return
	}

	snapshot := l.Register.Snapshot()
	l.Register.Clear()
	l.lastStamp = now

	l.writeLine(now, snapshot)
}

func (l *Logger) recover(now time.Time) {
	for _, char := range l.Ready() {
		if _, err := l.Bus.ReadValue(char, readOptions); err != nil {
			l.Log.WithError(err).WithField("char", char).Debug("stall-recovery read failed")
		}
	}
	l.lastStamp = now
}

func (l *Logger) writeLine(now time.Time, values [register.Channels]float64) {
	fmt.Fprintf(l.Writer, "%6.2f  ", float64(now.UnixNano())/1e9)
	for _, v := range values {
		if math.IsNaN(v) {
			fmt.Fprintf(l.Writer, "% 6.1f ", math.NaN())
		} else {
			fmt.Fprintf(l.Writer, "% 6.1f ", v)
		}
	}
	fmt.Fprint(l.Writer, "  [°C] \n")

	if f, ok := l.Writer.(interface{ Sync() error }); ok {
		if err := f.Sync(); err != nil {
			l.Log.WithError(err).Debug("sink flush failed")
		}
	} else if f, ok := l.Writer.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			l.Log.WithError(err).Debug("sink flush failed")
		}
	}
}
