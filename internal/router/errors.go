package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoProvider              = errors.New("at least one provider must be provided")
	ErrCannotDetectNetworks    = errors.New("could not detect providers networks")
	ErrInconsistentNetworks    = errors.New("all providers must be connected to the same network")
	ErrInvalidConfiguration    = errors.New("invalid fallback options")
	ErrDestroyed               = errors.New("provider has been destroyed")
	ErrHalted                  = errors.New("chain has halted")
	ErrAllProvidersUnavailable = errors.New("all providers are unavailable")

	// ErrNoFallback is returned when the last upstream in a chain has a
	// closed connection.
	ErrNoFallback = errors.New("no fallback available")
)

// UpstreamExhaustedError is returned when a call failed on every upstream
// it was sent to. It unwraps to the error that ended the chain.
type UpstreamExhaustedError struct {
	Attempted []string
	Err       error
}

func (e *UpstreamExhaustedError) Error() string {
	return fmt.Sprintf("upstreams [%s] failed: %v", strings.Join(e.Attempted, ", "), e.Err)
}

func (e *UpstreamExhaustedError) Unwrap() error {
	return e.Err
}
