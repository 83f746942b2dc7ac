package placement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/latticectl/internal/lattice"
)

var (
	ErrInvalidRequest      = errors.New("placement: invalid request")
	ErrNoSuitableHosts     = fmt.Errorf("%w: no suitable hosts", lattice.ErrResolution)
	ErrAuction             = errors.New("placement: auction failed")
	ErrSubscribe           = errors.New("placement: event subscription failed")
	ErrDispatch            = errors.New("placement: dispatch failed")
	ErrRejected            = errors.New("placement: command rejected")
	ErrConfirmationFailed  = errors.New("placement: confirmation failed")
	ErrConfirmationTimeout = errors.New("placement: timed out waiting for confirmation")
)

// CommandError carries what was attempted alongside the failure cause.
type CommandError struct {
	Command Command
	Ref     string
	HostID  lattice.HostID
	State   State
	Err     error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s ref=%q", e.Command, e.Ref)
	if e.HostID != "" {
		fmt.Fprintf(&b, " host_id=%q", e.HostID)
	}
	fmt.Fprintf(&b, " state=%s: %v", e.State, e.Err)
	return b.String()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// outcomeLabel maps a terminal error to a metrics outcome.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, lattice.ErrResolution), errors.Is(err, ErrAuction):
		return "resolution_failed"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrConfirmationTimeout):
		return "timeout"
	case errors.Is(err, ErrConfirmationFailed):
		return "confirmation_failed"
	default:
		return "dispatch_failed"
	}
}
