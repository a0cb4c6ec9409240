package rtp_relay

import (
	"context"

	"github.com/looplab/fsm"
)

// Состояния реле
const (
	StateIdle     = "idle"
	StateBound    = "bound"
	StateLearning = "learning"
	StateRelaying = "relaying"
	StateClosed   = "closed"
)

const (
	eventBind    = "bind"
	eventStart   = "start"
	eventLearned = "learned"
	eventClose   = "close"
)

// newRelayStateMachine автомат idle -> bound -> learning -> relaying,
// closed достижим из любого состояния
func newRelayStateMachine(onChange func(from, to string)) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventBind, Src: []string{StateIdle}, Dst: StateBound},
			{Name: eventStart, Src: []string{StateBound}, Dst: StateLearning},
			{Name: eventLearned, Src: []string{StateLearning}, Dst: StateRelaying},
			{Name: eventClose, Src: []string{StateIdle, StateBound, StateLearning, StateRelaying}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(e.Src, e.Dst)
				}
			},
		},
	)
}
