package service

import (
	"errors"
	"fmt"

	"Deskwire/internal/model"
)

var (
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrClosedReasonRequired = errors.New("closing requires a closed reason")
	ErrInvalidClosedReason  = errors.New("closed reason not in the allowed set")
	ErrUnexpectedReason     = errors.New("closed reason only applies when closing")
)

// ValidateTransition checks a conversation lifecycle move. Rules:
// open <-> pending freely; {open,pending} -> closed only with a reason from
// the fixed enum; closed -> {open,pending} reopens (the reason is cleared by
// the write, not validated here).
func ValidateTransition(from, to, closedReason string) error {
	if !validStatus(from) {
		return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, from)
	}
	if !validStatus(to) {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, to)
	}

	if to == model.StatusClosed {
		if closedReason == "" {
			return ErrClosedReasonRequired
		}
		if !model.ValidClosedReason(closedReason) {
			return fmt.Errorf("%w: %q", ErrInvalidClosedReason, closedReason)
		}
		return nil
	}

	if closedReason != "" {
		return ErrUnexpectedReason
	}
	return nil
}

func validStatus(status string) bool {
	switch status {
	case model.StatusOpen, model.StatusPending, model.StatusClosed:
		return true
	}
	return false
}
