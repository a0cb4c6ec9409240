package rtp_relay

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted в пуле нет свободных пар портов
	ErrResourceExhausted = errors.New("rtp port pool exhausted")
	// ErrRelayIO ошибка сокета реле: bind, resolve, чтение или
	// устойчивая ошибка записи
	ErrRelayIO = errors.New("relay i/o error")
)

// RelayError ошибка операции реле с контекстом звонка.
// errors.Is(err, ErrRelayIO) истинно для любого RelayError.
type RelayError struct {
	Op     string // bind, resolve, read, write
	CallID string
	Port   uint16
	Err    error
}

func (e *RelayError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[реле:%s] звонок %s порт %d: %v", e.Op, e.CallID, e.Port, e.Err)
	}
	return fmt.Sprintf("[реле:%s] порт %d: %v", e.Op, e.Port, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is позволяет сравнивать с ErrRelayIO без явного оборачивания
func (e *RelayError) Is(target error) bool {
	return target == ErrRelayIO
}

func newRelayError(op, callID string, port uint16, err error) *RelayError {
	return &RelayError{Op: op, CallID: callID, Port: port, Err: err}
}
