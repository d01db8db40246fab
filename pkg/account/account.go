//go:generate mockgen -package mocks -destination ../../mocks/account.go . Account

// Package account describes the upstream telematics account: the credentials used to log in and
// the capability set the gateway needs from it.
package account

import (
	"context"
	"strings"

	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

// Region selects the regional deployment of the upstream service.
type Region string

const (
	RegionUS Region = "US"
	RegionCA Region = "CA"
	RegionEU Region = "EU"
)

// Brand selects the manufacturer program the account belongs to.
type Brand string

const (
	BrandHyundai Brand = "Hyundai"
	BrandKia     Brand = "Kia"
	BrandGenesis Brand = "Genesis"
)

// DefaultRegion and DefaultBrand are used when configuration is absent or unrecognized.
const (
	DefaultRegion = RegionUS
	DefaultBrand  = BrandHyundai
)

// ParseRegion normalizes a region name. Unrecognized or empty input yields DefaultRegion.
func ParseRegion(input string) Region {
	switch Region(strings.ToUpper(strings.TrimSpace(input))) {
	case RegionUS:
		return RegionUS
	case RegionCA:
		return RegionCA
	case RegionEU:
		return RegionEU
	}
	return DefaultRegion
}

// ParseBrand normalizes a brand name. Unrecognized or empty input yields DefaultBrand.
func ParseBrand(input string) Brand {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "HYUNDAI":
		return BrandHyundai
	case "KIA":
		return BrandKia
	case "GENESIS":
		return BrandGenesis
	}
	return DefaultBrand
}

// Credentials identify an upstream account. They are immutable once loaded.
type Credentials struct {
	Username string
	Password string
	PIN      string
	Region   Region
	Brand    Brand
}

// Complete returns true if the username, password, and PIN are all present.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != "" && c.PIN != ""
}

// Missing lists the names of absent required fields.
func (c Credentials) Missing() []string {
	var missing []string
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if c.PIN == "" {
		missing = append(missing, "pin")
	}
	return missing
}

// Account is an upstream telematics account.
//
// Login must be called before Vehicles. Implementations must be safe for use by one goroutine at
// a time; the session manager never shares an Account between login attempts.
type Account interface {
	// Login authenticates with the upstream service.
	Login(ctx context.Context) error

	// Vehicles lists the vehicles enrolled on the account.
	Vehicles(ctx context.Context) ([]vehicle.Vehicle, error)
}

// Factory builds a new, unauthenticated Account. Each login attempt uses a fresh Account.
type Factory func(creds Credentials) (Account, error)
