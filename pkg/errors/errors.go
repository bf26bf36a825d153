// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Registry and placement errors
var (
	ErrMemberNotFound   = errors.New("member not found")
	ErrSponsorNotFound  = errors.New("sponsor not found")
	ErrPlacementBlocked = errors.New("placement blocked: sponsor has no free slot")
	ErrTreeFull         = errors.New("tree full: maximum placement depth reached")
	ErrSlotOccupied     = errors.New("child slot already occupied")
	ErrInvalidPlacement = errors.New("invalid placement")
	ErrRootExists       = errors.New("root member already exists")
)

// Volume errors
var (
	ErrInvalidVolume  = errors.New("invalid volume")
	ErrDuplicateEvent = errors.New("volume event already processed")
	ErrEventMalformed = errors.New("malformed network event")
)

// Configuration errors
var (
	ErrRankConfigurationInvalid = errors.New("rank configuration invalid")
	ErrPlanConfigurationInvalid = errors.New("compensation plan configuration invalid")
)

// Ledger errors
var (
	ErrDuplicateCommission = errors.New("duplicate commission entry")
	ErrCommissionNotFound  = errors.New("commission entry not found")
	ErrInvalidTransition   = errors.New("invalid commission status transition")
)

// Engine errors
var (
	ErrEngineStopped = errors.New("network engine stopped")
	ErrInvalidPeriod = errors.New("invalid period key")
	ErrPeriodClosed  = errors.New("period already closed")
	ErrCycleCorrupt  = errors.New("group volume invariant violated")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
