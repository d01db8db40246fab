package session

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/remotecar/bluelink-proxy/internal/log"
	"github.com/remotecar/bluelink-proxy/internal/metrics"
)

// State is the readiness of the upstream session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// States lists every State.
var States = []State{StateUninitialized, StateInitializing, StateReady, StateFailed}

const (
	// eventInitialize starts the first attempt, or a retry after a failure.
	eventInitialize = "initialize"
	// eventReinitialize discards a ready session in favor of a new login.
	eventReinitialize = "reinitialize"
	eventSucceed      = "succeed"
	eventFail         = "fail"
)

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = string(s)
	}
	return names
}

func newStateMachine() *fsm.FSM {
	events := fsm.Events{
		{Name: eventInitialize, Src: []string{string(StateUninitialized), string(StateFailed)}, Dst: string(StateInitializing)},
		{Name: eventReinitialize, Src: []string{string(StateReady)}, Dst: string(StateInitializing)},
		{Name: eventSucceed, Src: []string{string(StateInitializing)}, Dst: string(StateReady)},
		{Name: eventFail, Src: []string{string(StateInitializing)}, Dst: string(StateFailed)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			log.Debug("Session state %s -> %s (%s)", e.Src, e.Dst, e.Event)
			metrics.SetSessionState(e.Dst, stateNames())
		},
	}

	metrics.SetSessionState(string(StateUninitialized), stateNames())
	return fsm.NewFSM(string(StateUninitialized), events, callbacks)
}
