package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/remotecar/bluelink-proxy/internal/dispatcher"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

// ErrInvalidBody indicates a request body that is not a JSON object.
var ErrInvalidBody = errors.New("invalid JSON: error occurred while parsing request parameters")

func missingParamError(key string) error {
	return fmt.Errorf("missing %s param", key)
}

func invalidParamError(key string) error {
	return fmt.Errorf("invalid %s param", key)
}

// RequestParameters holds the decoded JSON body of an action request.
type RequestParameters map[string]interface{}

func (p RequestParameters) getBool(key string, required bool) (bool, error) {
	if value, ok := p[key]; ok {
		if s, ok := value.(bool); ok {
			return s, nil
		} else {
			return false, invalidParamError(key)
		}
	} else if !required {
		return false, nil
	}
	return false, missingParamError(key)
}

func (p RequestParameters) getNumber(key string, required bool) (float64, error) {
	if value, ok := p[key]; ok {
		if s, ok := value.(float64); ok {
			return s, nil
		} else {
			return 0, invalidParamError(key)
		}
	} else if !required {
		return 0, nil
	}
	return 0, missingParamError(key)
}

func (p RequestParameters) startOptions() (vehicle.StartOptions, error) {
	var options vehicle.StartOptions
	var err error
	if options.Temperature, err = p.getNumber("temperature", false); err != nil {
		return options, err
	}
	if options.Temperature < 0 {
		return options, invalidParamError("temperature")
	}
	duration, err := p.getNumber("duration", false)
	if err != nil {
		return options, err
	}
	if duration < 0 || duration != math.Trunc(duration) {
		return options, invalidParamError("duration")
	}
	options.Duration = int(duration)
	if options.Defrost, err = p.getBool("defrost", false); err != nil {
		return options, err
	}
	if options.Heating, err = p.getBool("heating", false); err != nil {
		return options, err
	}
	return options, nil
}

// ExtractCommandAction returns the function the dispatcher runs for action. Only start reads
// params; other actions ignore them.
func ExtractCommandAction(action vehicle.Action, params RequestParameters) (dispatcher.Func, error) {
	var options vehicle.StartOptions
	switch action {
	case vehicle.ActionStart:
		var err error
		if options, err = params.startOptions(); err != nil {
			return nil, err
		}
	case vehicle.ActionLock, vehicle.ActionUnlock, vehicle.ActionStop, vehicle.ActionStatus:
	default:
		return nil, fmt.Errorf("%w: %s", vehicle.ErrUnknownAction, action)
	}
	return func(ctx context.Context, car vehicle.Vehicle) (json.RawMessage, error) {
		return vehicle.Do(ctx, car, action, options)
	}, nil
}

func extractCommandAction(req *http.Request, action vehicle.Action) (dispatcher.Func, error) {
	var params RequestParameters
	if req.Body != nil {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodyBytes+1))
		if err != nil {
			return nil, fmt.Errorf("could not read request body: %w", err)
		}
		if len(body) > maxRequestBodyBytes {
			return nil, errors.New("request body too large")
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &params); err != nil {
				return nil, ErrInvalidBody
			}
		}
	}
	return ExtractCommandAction(action, params)
}
