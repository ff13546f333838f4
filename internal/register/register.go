// Package register implements the shared Sample Register: a fixed-width
// array of per-channel temperature samples with a redundancy filter, plus
// the global "something changed" flag the Logger polls.
//
// A Register has a single owner — the Coordinator — and every method here
// assumes the caller has already serialized access to it (see spec §5);
// the type itself does no locking.
package register

import "math"

// Channels is the total number of channels in the register: six device
// slots of four channels each.
const Channels = 24

// MaxWait bounds how long a channel's count can go without a fresh stamp
// before the redundancy filter forces one anyway.
const MaxWait = 20

// MaxTemp is the sentinel ceiling above which a value is considered "not a
// real reading" and rendered as NaN in the log.
const MaxTemp = 1802.5

// Register holds the three parallel sample arrays described in spec §3 and
// the stamp bookkeeping the Logger consumes.
type Register struct {
	value  [Channels]float64
	filter [Channels]float64
	count  [Channels]int

	stamped bool
}

// New returns a Register with every channel initialized to "never observed".
func New() *Register {
	r := &Register{}
	for i := range r.value {
		r.value[i] = math.NaN()
	}
	return r
}

// Update feeds four newly decoded values into the channels starting at
// offset, applying the redundancy filter described in spec §4.B.
func (r *Register) Update(offset int, values [4]float64) {
	for i, v := range values {
		c := offset + i
		r.updateChannel(c, v)
	}
}

func (r *Register) updateChannel(c int, v float64) {
	vlast := r.value[c]
	vfilt := r.filter[c]
	n := r.count[c]

	// Suppress redundant: same value seen recently, but not so long that
	// we've gone MaxWait cycles without a fresh stamp.
	if n > 0 && n < MaxWait && (v == vlast || v == vfilt) {
		return
	}

	if math.Abs(v-vlast) > 1.5 && v < MaxTemp && vlast < MaxTemp {
		// Smooth large jumps rather than accepting them outright.
		r.value[c] = (v + vlast) / 2
		r.filter[c] = r.value[c]
	} else {
		r.filter[c] = r.value[c]
		r.value[c] = v
	}

	r.count[c] = 0
	r.stamped = true
}

// Stamped reports whether any channel accepted a non-redundant update
// since the last Clear.
func (r *Register) Stamped() bool {
	return r.stamped
}

// Advance runs once per Logger tick (spec §4.G), regardless of whether the
// tick ends up emitting a line: it advances every channel's redundancy
// counter by one, clamped to MaxWait. Gating the advance behind the stamp
// flag (as the original did) would freeze a channel's counter the moment a
// single value repeats, since nothing would ever bump it again; advancing
// unconditionally is what actually lets MaxWait force a periodic stamp for
// a quiet channel (see spec §8 scenario 4).
func (r *Register) Advance() {
	for i := range r.count {
		if r.count[i] < MaxWait {
			r.count[i]++
		}
	}
}

// Clear clears the stamp flag. Call after reading Snapshot for a tick
// where Stamped reported true.
func (r *Register) Clear() {
	r.stamped = false
}

// Snapshot returns a copy of the current values, with entries at or above
// MaxTemp (or never observed) rendered as NaN.
func (r *Register) Snapshot() [Channels]float64 {
	var out [Channels]float64
	for i, v := range r.value {
		if v >= MaxTemp || math.IsNaN(v) {
			out[i] = math.NaN()
		} else {
			out[i] = v
		}
	}
	return out
}

// Count returns a copy of the per-channel redundancy counters, for tests
// and invariant checks.
func (r *Register) Count() [Channels]int {
	return r.count
}
