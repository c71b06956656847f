package credential

import (
	"errors"
	"fmt"
)

// Status represents a pooled credential's availability for new requests.
type Status string

// ErrStatusUnknown is returned when a credential status is unknown.
var ErrStatusUnknown = errors.New("credential status unknown")

const (
	// StatusActive indicates the credential may be selected for requests.
	StatusActive Status = "ACTIVE"

	// StatusLimited indicates the upstream service rate limited the
	// credential. It becomes selectable again once its cooldown elapses.
	StatusLimited Status = "LIMITED"

	// StatusBanned indicates the credential was judged permanently unusable.
	// Banned is terminal; no operation ever reactivates a banned credential.
	StatusBanned Status = "BANNED"

	// StatusUnspecified is used when a credential status is unknown.
	StatusUnspecified Status = "UNSPECIFIED"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// ParseStatus converts a string to a Status.
func ParseStatus(s string) Status {
	switch s {
	case "ACTIVE":
		return StatusActive
	case "LIMITED":
		return StatusLimited
	case "BANNED":
		return StatusBanned
	default:
		return StatusUnspecified
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s Status) validateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid credential status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the credential lifecycle. Active and limited
// credentials move freely between each other and into banned; re-limiting a
// limited credential refreshes its cooldown; banned never leaves.
func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusActive:
		return target == StatusLimited || target == StatusBanned
	case StatusLimited:
		return target == StatusActive || target == StatusLimited || target == StatusBanned
	case StatusBanned:
		return false
	default:
		return false
	}
}
