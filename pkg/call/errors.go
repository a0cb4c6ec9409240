package call

import (
	"errors"
	"fmt"

	"github.com/arzzra/soft_pbx/pkg/codec_policy"
	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
)

var (
	// ErrCallNotFound звонок с таким идентификатором не существует
	ErrCallNotFound = errors.New("call not found")
	// ErrCallExists звонок с таким идентификатором уже создан
	ErrCallExists = errors.New("call already exists")
	// ErrInvalidState операция недопустима в текущем состоянии звонка
	ErrInvalidState = errors.New("invalid call state")
	// ErrInfoQueueFull очередь цифр SIP INFO переполнена
	ErrInfoQueueFull = errors.New("info digit queue full")
	// ErrDTMFNotNegotiated telephone-event не вошел в ответ
	ErrDTMFNotNegotiated = errors.New("telephone-event not negotiated")
)

// ErrorCode классификация ошибки установления звонка
type ErrorCode string

const (
	CodeResourceExhausted ErrorCode = "resource_exhausted"
	CodeNegotiationFailed ErrorCode = "negotiation_failed"
	CodeRelayIO           ErrorCode = "relay_io"
	CodeInternal          ErrorCode = "internal"
)

// SetupError ошибка Setup. Оборачивает исходную ошибку, поэтому
// errors.Is(err, rtp_relay.ErrResourceExhausted) работает напрямую.
type SetupError struct {
	Code   ErrorCode
	CallID string
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("[звонок:%s] %s: %v", e.Code, e.CallID, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по коду
func (e *SetupError) Is(target error) bool {
	if t, ok := target.(*SetupError); ok {
		return e.Code == t.Code
	}
	return false
}

func newSetupError(callID string, err error) *SetupError {
	return &SetupError{Code: classify(err), CallID: callID, Err: err}
}

func classify(err error) ErrorCode {
	switch {
	case errors.Is(err, rtp_relay.ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, codec_policy.ErrNegotiationFailed):
		return CodeNegotiationFailed
	case errors.Is(err, rtp_relay.ErrRelayIO):
		return CodeRelayIO
	default:
		return CodeInternal
	}
}
