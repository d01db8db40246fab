//go:generate mockgen -package mocks -destination ../../mocks/vehicle.go . Vehicle

package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownAction indicates a client requested an action the gateway does not support.
var ErrUnknownAction = errors.New("unknown vehicle action")

// Action names a remote command.
type Action string

const (
	ActionLock   Action = "lock"
	ActionUnlock Action = "unlock"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionStatus Action = "status"
)

// Actions lists every supported Action in a stable order.
var Actions = []Action{ActionLock, ActionUnlock, ActionStart, ActionStop, ActionStatus}

// ParseAction converts a case-insensitive name into an Action.
func ParseAction(name string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: '%s'", ErrUnknownAction, name)
}

// Mutating returns true for actions that change vehicle state. A timed-out mutating action may
// still have been carried out by the car.
func (a Action) Mutating() bool {
	return a != ActionStatus
}

// StartOptions configures remote start. The zero value asks the upstream service for its
// defaults.
type StartOptions struct {
	Temperature float64 `json:"temperature,omitempty"` // Cabin target, in the account's unit.
	Duration    int     `json:"duration,omitempty"`    // Minutes.
	Defrost     bool    `json:"defrost,omitempty"`
	Heating     bool    `json:"heating,omitempty"`
}

// A Vehicle is a handle for one car on an authenticated account. Results are the upstream
// service's JSON payloads, passed through without interpretation.
type Vehicle interface {
	VIN() string
	Name() string

	Lock(ctx context.Context) (json.RawMessage, error)
	Unlock(ctx context.Context) (json.RawMessage, error)
	Start(ctx context.Context, options StartOptions) (json.RawMessage, error)
	Stop(ctx context.Context) (json.RawMessage, error)
	Status(ctx context.Context) (json.RawMessage, error)
}

// Do invokes the method of v that corresponds to action. The options are only used by
// ActionStart.
func Do(ctx context.Context, v Vehicle, action Action, options StartOptions) (json.RawMessage, error) {
	switch action {
	case ActionLock:
		return v.Lock(ctx)
	case ActionUnlock:
		return v.Unlock(ctx)
	case ActionStart:
		return v.Start(ctx, options)
	case ActionStop:
		return v.Stop(ctx)
	case ActionStatus:
		return v.Status(ctx)
	}
	return nil, fmt.Errorf("%w: '%s'", ErrUnknownAction, action)
}
