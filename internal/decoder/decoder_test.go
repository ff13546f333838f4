package decoder

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SamplePacket(t *testing.T) {
	// From spec scenario 2: channel 0 raw = (0x81^0x80)<<8 | 0x3C = 0x013C,
	// signed = 0x013C - 0x8000 = -32452, celsius = (-32452-320)/18.
	payload := []byte{0x3C, 0x81, 0x5A, 0x81, 0x78, 0x81, 0x96, 0x81, 0xFE, 0x7F, 0xFE, 0x7F}

	values, err := Decode(payload)
	require.NoError(t, err)
	assert.InDelta(t, -1820.666667, values[0], 1e-4)
}

func TestDecode_ShortPayload(t *testing.T) {
	_, err := Decode(make([]byte, 11))
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestDecode_BadSentinel(t *testing.T) {
	payload := make([]byte, 12) // trailer is all zero, not FE 7F FE 7F
	_, err := Decode(payload)
	assert.ErrorIs(t, err, ErrBadSentinel)
}

func TestDecode_RoundTrip(t *testing.T) {
	cases := [][Channels]float64{
		{-50, 0, 18.5, 200},
		{21.5, 22.0, -10.25, 99.9},
		{-49.9, 199.9, 0.1, -0.1},
	}

	for _, want := range cases {
		packet := Encode(want)
		got, err := Decode(packet)
		require.NoError(t, err)
		for i := range want {
			assert.True(t, math.Abs(got[i]-want[i]) <= 1.0/18.0+1e-9,
				"channel %d: want %.4f got %.4f", i, want[i], got[i])
		}
	}
}
