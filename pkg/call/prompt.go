package call

import (
	"bytes"
	"time"
)

const frameDuration = 20 * time.Millisecond

// SilencePrompts PromptSource, который для любой подсказки возвращает
// тишину заданной длительности
type SilencePrompts struct {
	Duration time.Duration
}

// Frames кадры тишины по 160 отсчетов. Для PCMU и PCMA используются
// значения тишины соответствующего закона, для остальных нули.
func (s SilencePrompts) Frames(name string, payloadType uint8) ([][]byte, error) {
	d := s.Duration
	if d <= 0 {
		d = time.Second
	}
	fill := byte(0)
	switch payloadType {
	case 0:
		fill = 0xFF
	case 8:
		fill = 0xD5
	}
	frame := bytes.Repeat([]byte{fill}, 160)

	n := int(d / frameDuration)
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = frame
	}
	return frames, nil
}
