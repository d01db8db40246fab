package vehicle_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/remotecar/bluelink-proxy/mocks"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

func TestParseAction(t *testing.T) {
	for _, name := range []string{"lock", "UNLOCK", " start ", "Stop", "status"} {
		if _, err := vehicle.ParseAction(name); err != nil {
			t.Errorf("ParseAction(%q) failed: %s", name, err)
		}
	}
	if _, err := vehicle.ParseAction("honk"); !errors.Is(err, vehicle.ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestMutating(t *testing.T) {
	for _, action := range vehicle.Actions {
		if action.Mutating() == (action == vehicle.ActionStatus) {
			t.Errorf("unexpected Mutating() = %v for %s", action.Mutating(), action)
		}
	}
}

func TestDo(t *testing.T) {
	ctrl := gomock.NewController(t)
	car := mocks.NewMockVehicle(ctrl)
	options := vehicle.StartOptions{Temperature: 70, Duration: 10}

	gomock.InOrder(
		car.EXPECT().Lock(gomock.Any()).Return(json.RawMessage(`"lock"`), nil),
		car.EXPECT().Unlock(gomock.Any()).Return(json.RawMessage(`"unlock"`), nil),
		car.EXPECT().Start(gomock.Any(), options).Return(json.RawMessage(`"start"`), nil),
		car.EXPECT().Stop(gomock.Any()).Return(json.RawMessage(`"stop"`), nil),
		car.EXPECT().Status(gomock.Any()).Return(json.RawMessage(`"status"`), nil),
	)

	for _, action := range vehicle.Actions {
		result, err := vehicle.Do(context.Background(), car, action, options)
		if err != nil {
			t.Fatalf("%s: %s", action, err)
		}
		if string(result) != `"`+string(action)+`"` {
			t.Errorf("%s: unexpected result %s", action, result)
		}
	}

	if _, err := vehicle.Do(context.Background(), car, "honk", options); !errors.Is(err, vehicle.ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestStartOptionsJSON(t *testing.T) {
	encoded, err := json.Marshal(vehicle.StartOptions{Temperature: 72, Defrost: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(encoded) != `{"temperature":72,"defrost":true}` {
		t.Errorf("unexpected encoding %s", encoded)
	}
}
