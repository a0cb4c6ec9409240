package call

import (
	"context"
	"time"

	"github.com/arzzra/soft_pbx/pkg/dtmf"
	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
)

// Recorder учет звонков. Вызовы выполняются асинхронно, ошибки и паники
// только логируются.
type Recorder interface {
	StartRecord(callID, from, to string) error
	AddMetadata(callID, key, value string) error
}

// Signaler обратный канал к сигнальному уровню для звонков, которые
// завершает или переводит само ядро
type Signaler interface {
	Hangup(ctx context.Context, callID string) error
	Transfer(ctx context.Context, callID, target string) error
}

// ActionKind действие, которое выбрал обработчик меню
type ActionKind string

const (
	ActionContinue ActionKind = "continue"
	ActionPlay     ActionKind = "play"
	ActionTransfer ActionKind = "transfer"
	ActionHangup   ActionKind = "hangup"
)

// Action ответ обработчика меню
type Action struct {
	Kind ActionKind
	// Prompt имя подсказки для ActionPlay
	Prompt string
	// Target адрес перевода для ActionTransfer
	Target string
	// Node следующий узел меню, пустое значение оставляет текущий
	Node string
}

// MenuState текущее состояние меню звонка
type MenuState struct {
	CallID string
	From   string
	To     string
	Node   string
	// Digits цифры, принятые в текущем узле
	Digits []dtmf.Digit
}

// MenuHandler логика IVR. Ядро поставляет поток цифр и проигрывание
// подсказок, сам сценарий меню живет снаружи.
type MenuHandler interface {
	// Enter вызывается один раз после соединения
	Enter(ctx context.Context, state MenuState) (Action, error)
	HandleDigit(ctx context.Context, state MenuState, digit dtmf.Digit) (Action, error)
}

// MenuAudio необязательное расширение MenuHandler: получатель аудио
// вызывающего в меню, например для записи голосового сообщения.
// nil оставляет аудио без получателя.
type MenuAudio interface {
	AudioSink(callID string) rtp_relay.Sink
}

// Device устройство зоны оповещения
type Device struct {
	ID     string
	SIPURI string
	IP     string
	Port   uint16
}

// DeviceDirectory справочник устройств оповещения
type DeviceDirectory interface {
	GetDACDevices() ([]Device, error)
}

// StaticDirectory фиксированный список устройств из конфигурации
type StaticDirectory []Device

func (d StaticDirectory) GetDACDevices() ([]Device, error) {
	return append([]Device(nil), d...), nil
}

// PromptSource аудио подсказок в виде кадров по 20 мс
type PromptSource interface {
	Frames(name string, payloadType uint8) ([][]byte, error)
}

// Observer события звонков для метрик
type Observer interface {
	CallStarted()
	CallTransition(from, to string)
	CallEnded(duration time.Duration)
	SetupFailed(reason string)
	DigitReceived(origin string)
	RecorderFailed()
}

// NopObserver игнорирует все события
type NopObserver struct{}

func (NopObserver) CallStarted() {}
func (NopObserver) CallTransition(string, string) {}
func (NopObserver) CallEnded(time.Duration) {}
func (NopObserver) SetupFailed(string) {}
func (NopObserver) DigitReceived(string) {}
func (NopObserver) RecorderFailed() {}
