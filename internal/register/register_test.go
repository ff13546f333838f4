package register

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inkbird/thermal-daemon/internal/decoder"
)

// cycle feeds one value to a channel and advances the register the way the
// Logger does once per second: read the stamp, clear it, then advance all
// counters.
func cycle(t *testing.T, r *Register, offset int, values [4]float64) bool {
	t.Helper()
	r.Update(offset, values)
	stamped := r.Stamped()
	if stamped {
		r.Clear()
	}
	r.Advance()
	return stamped
}

func TestRegister_RedundancyCap(t *testing.T) {
	r := New()
	var stampedCycles []int
	for i := 1; i <= 25; i++ {
		if cycle(t, r, 0, [4]float64{21.5, 21.5, 21.5, 21.5}) {
			stampedCycles = append(stampedCycles, i)
		}
	}
	assert.Equal(t, []int{1, 21}, stampedCycles)
}

func TestRegister_CountInvariant(t *testing.T) {
	r := New()
	for i := 0; i < 100; i++ {
		cycle(t, r, 4, [4]float64{10, 10, 10, 10})
	}
	for _, c := range r.Count() {
		assert.GreaterOrEqual(t, c, 0)
		assert.LessOrEqual(t, c, MaxWait)
	}
}

func TestRegister_BadSentinelNoMutation(t *testing.T) {
	r := New()
	before := r.Snapshot()
	// A decoder rejection never reaches Update, so a payload with a bad
	// trailer must leave the register untouched.
	payload := make([]byte, 12) // trailer is all zero, not FE 7F FE 7F
	if values, err := decoder.Decode(payload); err == nil {
		r.Update(0, values)
	}
	after := r.Snapshot()
	for i := range before {
		if math.IsNaN(before[i]) {
			assert.True(t, math.IsNaN(after[i]))
		} else {
			assert.Equal(t, before[i], after[i])
		}
	}
}

func TestRegister_JumpSmoothing(t *testing.T) {
	r := New()
	r.Update(0, [4]float64{20, 20, 20, 20})
	r.Clear()
	r.Advance()

	r.Update(0, [4]float64{25, 25, 25, 25}) // jump of 5 > 1.5
	snap := r.Snapshot()
	assert.InDelta(t, 22.5, snap[0], 1e-9) // (20+25)/2
}

func TestRegister_MaxTempRendersNaN(t *testing.T) {
	r := New()
	r.Update(0, [4]float64{MaxTemp + 1, 0, 0, 0})
	snap := r.Snapshot()
	assert.True(t, math.IsNaN(snap[0]))
}
