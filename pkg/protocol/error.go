package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by the part of the gateway that produced it. The HTTP layer maps
// kinds onto status codes.
type Kind int

const (
	KindUnknown   Kind = iota
	KindConfig         // Missing or invalid configuration (API secret at boot, credentials at runtime).
	KindAuth           // Caller did not present a valid API key.
	KindLogin          // Upstream rejected the account login.
	KindDiscovery      // Upstream vehicle discovery failed or returned nothing usable.
	KindAction         // A vehicle command failed upstream.
	KindNotReady       // The session is not ready to accept commands.
	KindTimeout        // An upstream call exceeded its deadline.
)

var kindNames = map[Kind]string{
	KindUnknown:   "unknown",
	KindConfig:    "config",
	KindAuth:      "auth",
	KindLogin:     "login",
	KindDiscovery: "discovery",
	KindAction:    "action",
	KindNotReady:  "not_ready",
	KindTimeout:   "timeout",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// Kind returns the error category.
	Kind() Kind

	// MayHaveSucceeded returns true if the Error was triggered by a command that might have been
	// executed. For example, if the gateway times out while waiting for the upstream service to
	// confirm a lock command, the car may still lock.
	MayHaveSucceeded() bool
}

var (
	// ErrMissingAPIKey indicates the gateway was started without an API secret.
	ErrMissingAPIKey = NewError(KindConfig, "API key is not configured", false)
	// ErrMissingCredentials indicates the account username, password, or PIN is absent.
	ErrMissingCredentials = NewError(KindConfig, "missing credentials", false)
	// ErrUnauthorized indicates a client request had a missing or incorrect API key.
	ErrUnauthorized = NewError(KindAuth, "unauthorized", false)
	// ErrNotReady indicates no authenticated session with a selected vehicle is available.
	ErrNotReady = NewError(KindNotReady, "not ready", false)
	// ErrNoVehicles indicates the account has no vehicles.
	ErrNoVehicles = NewError(KindDiscovery, "no vehicles found", false)
	// ErrVehicleNotFound indicates strict VIN selection found no vehicle matching the target VIN.
	ErrVehicleNotFound = NewError(KindDiscovery, "configured vehicle not found", false)
	// ErrUpstreamTimeout indicates an upstream call did not complete before its deadline.
	ErrUpstreamTimeout = NewError(KindTimeout, "upstream timeout", false)
)

type CommandError struct {
	Err             error
	ErrKind         Kind
	PossibleSuccess bool
}

func NewError(kind Kind, message string, mayHaveSucceeded bool) error {
	return &CommandError{Err: errors.New(message), ErrKind: kind, PossibleSuccess: mayHaveSucceeded}
}

// Wrap attaches kind to err. Wrapping nil returns nil. Errors that already carry a kind other
// than KindUnknown keep it, so a timeout surfaced by an action stays a timeout.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if existing := KindOf(err); existing != KindUnknown {
		return err
	}
	return &CommandError{Err: err, ErrKind: kind}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) Kind() Kind {
	return e.ErrKind
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

// Is matches sentinel CommandErrors by kind and message, so that a timeout produced for one
// command still satisfies errors.Is(err, ErrUpstreamTimeout).
func (e *CommandError) Is(target error) bool {
	t, ok := target.(*CommandError)
	if !ok {
		return false
	}
	return t.ErrKind == e.ErrKind && t.Err.Error() == e.Err.Error()
}

// Timeout returns an ErrUpstreamTimeout-equivalent error for a command that may or may not have
// been executed by the upstream service.
func Timeout(mayHaveSucceeded bool) error {
	return &CommandError{
		Err:             ErrUpstreamTimeout.(*CommandError).Err,
		ErrKind:         KindTimeout,
		PossibleSuccess: mayHaveSucceeded,
	}
}

// KindOf returns the Kind of the first categorized error in err's chain. Context deadline
// errors are reported as KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var protoErr Error
	if errors.As(err, &protoErr) {
		return protoErr.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// MayHaveSucceeded returns true if err is a CommandError that indicates the command may have been
// executed but the gateway did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	var protoErr Error
	if errors.As(err, &protoErr) {
		return protoErr.MayHaveSucceeded()
	}
	return false
}

// IsTimeout returns true if err represents an upstream deadline expiry.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}
