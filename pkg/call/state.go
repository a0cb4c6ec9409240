package call

import (
	"context"

	"github.com/looplab/fsm"
)

// State состояние звонка
type State string

const (
	StateCreated   State = "created"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

const (
	eventRing   = "ring"
	eventAnswer = "answer"
	eventEnd    = "end"
)

// newCallStateMachine автомат created -> ringing -> connected -> ended.
// Ответ без ringing допустим, ended достижим из любого состояния, обратных
// переходов нет.
func newCallStateMachine(onChange func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateCreated),
		fsm.Events{
			{Name: eventRing, Src: []string{string(StateCreated)}, Dst: string(StateRinging)},
			{Name: eventAnswer, Src: []string{string(StateCreated), string(StateRinging)}, Dst: string(StateConnected)},
			{Name: eventEnd, Src: []string{string(StateCreated), string(StateRinging), string(StateConnected)}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(State(e.Src), State(e.Dst))
				}
			},
		},
	)
}
