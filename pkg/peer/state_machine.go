package peer

import (
	"context"

	"github.com/looplab/fsm"
)

// События конечного автомата сессии
const (
	eventAllocate         = "allocate"
	eventLocalDescription = "local_description"
	eventConnect          = "connect"
	eventFail             = "fail"
	eventClose            = "close"
)

// newSessionFSM создает автомат состояний сессии.
//
//	idle --allocate--> negotiating_description --local_description--> negotiating_gathering
//	negotiating_gathering --connect--> connected
//	idle/negotiating_* --fail--> failed
//	idle/negotiating_*/connected --close--> closed
//
// onEnter вызывается изнутри fsm.Event; из него нельзя вызывать методы автомата.
func newSessionFSM(onEnter func(from, to SessionState)) *fsm.FSM {
	negotiating := []string{string(StateNegotiatingDescription), string(StateNegotiatingGathering)}

	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventAllocate, Src: []string{string(StateIdle)}, Dst: string(StateNegotiatingDescription)},
			{Name: eventLocalDescription, Src: []string{string(StateNegotiatingDescription)}, Dst: string(StateNegotiatingGathering)},
			{Name: eventConnect, Src: []string{string(StateNegotiatingGathering)}, Dst: string(StateConnected)},
			{Name: eventFail, Src: append([]string{string(StateIdle)}, negotiating...), Dst: string(StateFailed)},
			{Name: eventClose, Src: append([]string{string(StateIdle), string(StateConnected)}, negotiating...), Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(SessionState(e.Src), SessionState(e.Dst))
			},
		},
	)
}
