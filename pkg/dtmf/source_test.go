package dtmf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader выдает цифру после delay и считает вызовы
type scriptedReader struct {
	digits chan Digit
	calls  int
}

func (r *scriptedReader) GetDigit(timeout time.Duration) (Digit, bool) {
	r.calls++
	select {
	case d := <-r.digits:
		return d, true
	case <-time.After(timeout):
		return 0, false
	}
}

func TestSource_InfoHasPriority(t *testing.T) {
	info := NewInfoQueue(8)
	inband := &scriptedReader{digits: make(chan Digit, 1)}
	inband.digits <- Digit9
	info.Push(Digit1)

	var origins []Origin
	s := NewSource(info, inband, 10*time.Millisecond)
	s.OnDigit(func(_ Digit, o Origin) { origins = append(origins, o) })

	d, ok := s.NextDigit(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, Digit1, d)
	assert.Zero(t, inband.calls, "очередь INFO проверяется без ожидания RTP")

	d, ok = s.NextDigit(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, Digit9, d)
	assert.Equal(t, []Origin{OriginInfo, OriginInband}, origins)
}

func TestSource_InfoArrivesWhileWaiting(t *testing.T) {
	info := NewInfoQueue(8)
	inband := &scriptedReader{digits: make(chan Digit)}
	s := NewSource(info, inband, 10*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		info.Push(DigitPound)
	}()

	d, ok := s.NextDigit(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, DigitPound, d)
	assert.Greater(t, inband.calls, 1)
}

func TestSource_TimeoutIsBounded(t *testing.T) {
	s := NewSource(NewInfoQueue(8), &scriptedReader{digits: make(chan Digit)}, 20*time.Millisecond)

	started := time.Now()
	_, ok := s.NextDigit(context.Background(), 70*time.Millisecond)
	elapsed := time.Since(started)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestSource_InfoOnly(t *testing.T) {
	info := NewInfoQueue(8)
	s := NewSource(info, nil, 0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		info.Push(Digit4)
	}()

	d, ok := s.NextDigit(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, Digit4, d)
}

func TestSource_ContextCancel(t *testing.T) {
	s := NewSource(NewInfoQueue(8), nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	_, ok := s.NextDigit(ctx, 5*time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(started), time.Second)
}
