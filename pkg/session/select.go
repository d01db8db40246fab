package session

import (
	"strings"

	"github.com/remotecar/bluelink-proxy/internal/log"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

// vinPrefixLength is the number of leading characters compared when no VIN matches exactly. It
// covers the manufacturer identifier and vehicle descriptor sections of a VIN.
const vinPrefixLength = 8

// Match describes how SelectVehicle chose a vehicle.
type Match int

const (
	MatchNone     Match = iota // No vehicles to choose from.
	MatchFirst                 // No target VIN configured; first vehicle chosen.
	MatchExact                 // Case-insensitive exact VIN match.
	MatchPrefix                // Case-insensitive match on the first eight characters.
	MatchFallback              // Target VIN not found; first vehicle chosen anyway.
)

func (m Match) String() string {
	switch m {
	case MatchFirst:
		return "first"
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	case MatchFallback:
		return "fallback"
	}
	return "none"
}

// SelectVehicle picks one vehicle from vehicles for the target VIN. The choice depends only on
// the order of vehicles and on target. A fallback to the first vehicle is always logged.
func SelectVehicle(vehicles []vehicle.Vehicle, target string) (vehicle.Vehicle, Match) {
	if len(vehicles) == 0 {
		return nil, MatchNone
	}
	target = strings.ToUpper(strings.TrimSpace(target))
	if target == "" {
		return vehicles[0], MatchFirst
	}

	for _, v := range vehicles {
		if strings.ToUpper(v.VIN()) == target {
			return v, MatchExact
		}
	}

	prefix := target
	if len(prefix) > vinPrefixLength {
		prefix = prefix[:vinPrefixLength]
	}
	for _, v := range vehicles {
		if strings.HasPrefix(strings.ToUpper(v.VIN()), prefix) {
			return v, MatchPrefix
		}
	}

	log.Warning("Configured VIN %s not found among %d vehicle(s); falling back to %s", target, len(vehicles), vehicles[0].VIN())
	return vehicles[0], MatchFallback
}
