package dtmf

import (
	"context"
	"time"
)

// DefaultPollSlice длительность одного ожидания в RTP потоке
const DefaultPollSlice = 50 * time.Millisecond

// Origin источник цифры
type Origin string

const (
	OriginInfo   Origin = "info"
	OriginInband Origin = "rfc2833"
)

// DigitReader источник цифр с ограниченным ожиданием
type DigitReader interface {
	GetDigit(timeout time.Duration) (Digit, bool)
}

// Source объединяет цифры SIP INFO и RTP потока. Очередь INFO
// проверяется первой и без ожидания, затем короткое ожидание в RTP
// потоке, и так до истечения timeout.
type Source struct {
	info      *InfoQueue
	inband    DigitReader
	pollSlice time.Duration
	onDigit   func(Digit, Origin)
}

// NewSource создает Source. info и inband могут быть nil.
func NewSource(info *InfoQueue, inband DigitReader, pollSlice time.Duration) *Source {
	if pollSlice <= 0 {
		pollSlice = DefaultPollSlice
	}
	return &Source{info: info, inband: inband, pollSlice: pollSlice}
}

// OnDigit задает обработчик каждой выданной цифры
func (s *Source) OnDigit(fn func(Digit, Origin)) {
	s.onDigit = fn
}

// NextDigit возвращает следующую цифру или false по истечении timeout
// или отмене ctx
func (s *Source) NextDigit(ctx context.Context, timeout time.Duration) (Digit, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if s.info != nil {
			if d, ok := s.info.Pop(); ok {
				return s.emit(d, OriginInfo)
			}
		}
		if ctx.Err() != nil {
			return 0, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false
		}
		wait := s.pollSlice
		if remaining < wait {
			wait = remaining
		}

		if s.inband != nil {
			if d, ok := s.inband.GetDigit(wait); ok {
				return s.emit(d, OriginInband)
			}
			continue
		}
		s.sleep(ctx, wait)
	}
}

// sleep ждет wait, пробуждаясь раньше при новой цифре INFO или отмене
func (s *Source) sleep(ctx context.Context, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var notify <-chan struct{}
	if s.info != nil {
		notify = s.info.Notify()
	}
	select {
	case <-timer.C:
	case <-notify:
	case <-ctx.Done():
	}
}

func (s *Source) emit(d Digit, origin Origin) (Digit, bool) {
	if s.onDigit != nil {
		s.onDigit(d, origin)
	}
	return d, true
}
