// Package credential provides the domain model for the shared pool of
// reputation service API keys. The pool is a collective budget: any executor
// may use any credential, and per-credential state decides which keys are
// eligible at a given moment.
package credential

import (
	"time"
)

// Credential is one API key in the shared pool along with the bookkeeping
// that drives selection: its availability status, its cooldown deadline when
// rate limited, and a usage counter for least-used balancing.
type Credential struct {
	key        string
	status     Status
	resetTime  time.Time
	usageCount int64
	lastUsed   time.Time
}

// New creates an active credential with zero recorded usage.
func New(key string) *Credential {
	return &Credential{
		key:    key,
		status: StatusActive,
	}
}

// Reconstruct creates a Credential instance from persisted data without
// enforcing creation-time invariants. This should only be used by
// repositories when reconstructing from storage.
func Reconstruct(
	key string,
	status Status,
	resetTime time.Time,
	usageCount int64,
	lastUsed time.Time,
) *Credential {
	return &Credential{
		key:        key,
		status:     status,
		resetTime:  resetTime,
		usageCount: usageCount,
		lastUsed:   lastUsed,
	}
}

// Key returns the API key string presented to the upstream service.
func (c *Credential) Key() string { return c.key }

// Status returns the credential's current availability status.
func (c *Credential) Status() Status { return c.status }

// ResetTime returns the time at which a limited credential becomes eligible
// again. It is non-zero exactly when the status is LIMITED.
func (c *Credential) ResetTime() time.Time { return c.resetTime }

// UsageCount returns the number of network requests the credential has been
// charged for, regardless of their outcome.
func (c *Credential) UsageCount() int64 { return c.usageCount }

// LastUsed returns the time the credential was last charged for a request.
func (c *Credential) LastUsed() time.Time { return c.lastUsed }

// IsSelectable reports whether the credential may be handed out for a new
// request without consulting the clock. Limited credentials need
// MaybeReactivate first.
func (c *Credential) IsSelectable() bool { return c.status == StatusActive }

// RecordUse charges the credential for one network request. Every request
// counts, including those that come back rate limited or failed.
func (c *Credential) RecordUse(now time.Time) {
	c.usageCount++
	c.lastUsed = now
}

// MarkLimited takes the credential out of rotation until resetAt.
func (c *Credential) MarkLimited(resetAt time.Time) error {
	if err := c.status.validateTransition(StatusLimited); err != nil {
		return err
	}
	c.status = StatusLimited
	c.resetTime = resetAt
	return nil
}

// MarkBanned permanently removes the credential from rotation.
func (c *Credential) MarkBanned() error {
	if err := c.status.validateTransition(StatusBanned); err != nil {
		return err
	}
	c.status = StatusBanned
	c.resetTime = time.Time{}
	return nil
}

// MaybeReactivate returns a limited credential to active once its cooldown
// has elapsed. It reports whether a reactivation happened. Reactivation is a
// pure function of the clock, so calling it repeatedly is harmless.
func (c *Credential) MaybeReactivate(now time.Time) bool {
	if c.status != StatusLimited || now.Before(c.resetTime) {
		return false
	}
	c.status = StatusActive
	c.resetTime = time.Time{}
	return true
}
