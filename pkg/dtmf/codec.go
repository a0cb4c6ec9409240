// Package dtmf реализует RFC 2833 события, прием цифр из RTP потока и из
// SIP INFO, и общий поток цифр для IVR логики.
package dtmf

import (
	"errors"
	"fmt"
)

// Digit код DTMF события RFC 2833
type Digit uint8

const (
	Digit0     Digit = 0
	Digit1     Digit = 1
	Digit2     Digit = 2
	Digit3     Digit = 3
	Digit4     Digit = 4
	Digit5     Digit = 5
	Digit6     Digit = 6
	Digit7     Digit = 7
	Digit8     Digit = 8
	Digit9     Digit = 9
	DigitStar  Digit = 10 // *
	DigitPound Digit = 11 // #
	DigitA     Digit = 12
	DigitB     Digit = 13
	DigitC     Digit = 14
	DigitD     Digit = 15
)

const (
	// PayloadSize размер payload telephone-event
	PayloadSize = 4
	// MaxVolume наибольшее ослабление в дБ
	MaxVolume = 63
)

// ErrInvalidEvent код события вне алфавита 0-9 * # A-D
var ErrInvalidEvent = errors.New("invalid dtmf event")

const alphabet = "0123456789*#ABCD"

func (d Digit) String() string {
	if d.Valid() {
		return string(alphabet[d])
	}
	return "?"
}

// Valid сообщает, входит ли код в алфавит
func (d Digit) Valid() bool {
	return d <= DigitD
}

// ParseDigit преобразует символ в Digit
func ParseDigit(r rune) (Digit, error) {
	switch {
	case r >= '0' && r <= '9':
		return Digit(r - '0'), nil
	case r == '*':
		return DigitStar, nil
	case r == '#':
		return DigitPound, nil
	case r >= 'A' && r <= 'D':
		return DigitA + Digit(r-'A'), nil
	case r >= 'a' && r <= 'd':
		return DigitA + Digit(r-'a'), nil
	}
	return 0, fmt.Errorf("%w: символ %q", ErrInvalidEvent, r)
}

// ParseDigits преобразует строку в последовательность цифр
func ParseDigits(s string) ([]Digit, error) {
	digits := make([]Digit, 0, len(s))
	for _, r := range s {
		d, err := ParseDigit(r)
		if err != nil {
			return nil, err
		}
		digits = append(digits, d)
	}
	return digits, nil
}

// Event декодированное RFC 2833 событие
type Event struct {
	Digit    Digit
	End      bool
	Volume   uint8
	Duration uint16 // в единицах RTP timestamp
}

// Pack кодирует событие в 4 байта: код события, E|R|volume, длительность
// big-endian. Громкость ограничивается диапазоном 0-63.
func Pack(digit Digit, end bool, volume int, duration uint16) ([]byte, error) {
	if !digit.Valid() {
		return nil, fmt.Errorf("%w: код %d", ErrInvalidEvent, digit)
	}
	if volume < 0 {
		volume = 0
	}
	if volume > MaxVolume {
		volume = MaxVolume
	}

	data := make([]byte, PayloadSize)
	data[0] = byte(digit)
	if end {
		data[1] |= 0x80
	}
	data[1] |= byte(volume) & 0x3F
	data[2] = byte(duration >> 8)
	data[3] = byte(duration)
	return data, nil
}

// Unpack декодирует payload telephone-event. Лишние байты игнорируются.
func Unpack(data []byte) (Event, error) {
	if len(data) < PayloadSize {
		return Event{}, fmt.Errorf("некорректный размер DTMF payload: %d", len(data))
	}
	digit := Digit(data[0])
	if !digit.Valid() {
		return Event{}, fmt.Errorf("%w: код %d", ErrInvalidEvent, data[0])
	}
	return Event{
		Digit:    digit,
		End:      data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}
