package dtmf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpack_RoundTrip(t *testing.T) {
	for _, r := range "0123456789*#ABCD" {
		for _, end := range []bool{false, true} {
			d, err := ParseDigit(r)
			require.NoError(t, err)

			data, err := Pack(d, end, 10, 1280)
			require.NoError(t, err)
			require.Len(t, data, PayloadSize)

			ev, err := Unpack(data)
			require.NoError(t, err)
			assert.Equal(t, d, ev.Digit)
			assert.Equal(t, end, ev.End)
			assert.Equal(t, uint16(1280), ev.Duration)
			assert.Equal(t, uint8(10), ev.Volume)
			assert.Equal(t, string(r), ev.Digit.String())
		}
	}
}

func TestPack_WireLayout(t *testing.T) {
	data, err := Pack(DigitPound, true, 63, 0x0320)
	require.NoError(t, err)
	assert.Equal(t, []byte{11, 0x80 | 63, 0x03, 0x20}, data)

	data, err = Pack(Digit5, false, 100, 160)
	require.NoError(t, err)
	assert.Equal(t, byte(63), data[1], "громкость ограничивается 63")

	data, err = Pack(Digit5, false, -5, 160)
	require.NoError(t, err)
	assert.Equal(t, byte(0), data[1])
}

func TestPackUnpack_Errors(t *testing.T) {
	_, err := Pack(Digit(16), false, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = Unpack([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = Unpack([]byte{16, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestParseDigits(t *testing.T) {
	digits, err := ParseDigits("12*#ab")
	require.NoError(t, err)
	assert.Equal(t, []Digit{Digit1, Digit2, DigitStar, DigitPound, DigitA, DigitB}, digits)

	_, err = ParseDigits("12x")
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
