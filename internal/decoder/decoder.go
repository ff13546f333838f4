// Package decoder turns raw GATT notification payloads from an Inkbird
// IDT-34c-B temperature characteristic into four Celsius readings.
package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Channels is the fixed number of temperature probes a single notification
// payload carries.
const Channels = 4

// ErrShortPayload is returned when a payload is too small to contain a
// temperature packet.
var ErrShortPayload = errors.New("decoder: payload too short")

// ErrBadSentinel is returned when the trailing sentinel bytes don't match
// the device's "this is a temperature packet" marker.
var ErrBadSentinel = errors.New("decoder: missing temperature sentinel")

// sentinel is the fixed trailer that identifies a genuine temperature
// packet. Anything else is some other notification shape and is rejected.
var sentinel = [4]byte{0xFE, 0x7F, 0xFE, 0x7F}

// Decode parses a raw notification payload into four Celsius values.
//
// The wire format packs each channel as two bytes: a low byte and a high
// byte whose sign bit has been flipped by the device. Undoing the flip and
// subtracting the 0x8000 bias yields tenths of a degree Fahrenheit;
// subtracting 320 (32 °F) and dividing by 18 converts that to Celsius.
func Decode(data []byte) ([Channels]float64, error) {
	var out [Channels]float64

	if len(data) < 12 {
		return out, fmt.Errorf("%w: got %d bytes, need at least 12", ErrShortPayload, len(data))
	}
	if !trailerMatches(data[8:12]) {
		return out, ErrBadSentinel
	}

	for i := 0; i < Channels; i++ {
		lo, hi := data[2*i], data[2*i+1]
		raw := (uint16(hi^0x80) << 8) | uint16(lo)
		signed := int32(raw) - 0x8000
		out[i] = float64(signed-320) / 18.0
	}
	return out, nil
}

func trailerMatches(trailer []byte) bool {
	return trailer[0] == sentinel[0] && trailer[1] == sentinel[1] &&
		trailer[2] == sentinel[2] && trailer[3] == sentinel[3]
}

// Encode builds a 12-byte payload that Decode will parse back into values,
// to within the encoding's 1/18 degree resolution. It exists for tests that
// exercise the round-trip property; the real device never needs it.
func Encode(values [Channels]float64) []byte {
	buf := make([]byte, 12)
	for i, v := range values {
		signed := int32(v*18.0) + 320 + 0x8000
		raw := uint16(signed)
		lo := byte(raw & 0xFF)
		hi := byte(raw>>8) ^ 0x80
		buf[2*i] = lo
		buf[2*i+1] = hi
	}
	binary.BigEndian.PutUint16(buf[8:10], 0xFE7F)
	binary.BigEndian.PutUint16(buf[10:12], 0xFE7F)
	return buf
}
