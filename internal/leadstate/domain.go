// Package leadstate governs the operational lifecycle of a lead. The
// operational status decides whether the follow-up engine may act on a
// conversation; the business status is CRM information carried alongside.
package leadstate

import (
	"time"

	"aurum_backend/platform/apperr"
)

// Operational statuses.
const (
	StatusContactable       = "contactable"
	StatusPaused            = "paused"
	StatusOptOut            = "opt_out"
	StatusWon               = "won"
	StatusDiscarded         = "discarded"
	StatusStopped           = "stopped"
	StatusInvalid           = "invalid"
	StatusReminderScheduled = "reminder_scheduled"
)

// blockedStatuses are terminal for follow-ups: once a lead is here, state
// changes require force_reopen.
var blockedStatuses = map[string]struct{}{
	StatusWon:     {},
	StatusOptOut:  {},
	StatusInvalid: {},
	StatusStopped: {},
}

// IsBlocked reports whether the status is terminal for follow-up purposes.
func IsBlocked(status string) bool {
	_, ok := blockedStatuses[status]
	return ok
}

// ValidOperational reports whether s is a known operational status.
func ValidOperational(s string) bool {
	switch s {
	case StatusContactable, StatusPaused, StatusOptOut, StatusWon,
		StatusDiscarded, StatusStopped, StatusInvalid, StatusReminderScheduled:
		return true
	}
	return false
}

// Change is a requested state transition.
type Change struct {
	Operational string
	Business    *string
	PausedUntil *time.Time
	ReasonCode  *string
	Note        *string
	ForceReopen bool
}

// GuardTransition decides whether a change may be applied given the lead's
// current operational status. Blocked leads reject every change unless
// force_reopen is set; pausing requires a paused_until instant.
func GuardTransition(current string, change Change) error {
	if change.Operational != "" && !ValidOperational(change.Operational) {
		return apperr.Validation("unknown operational status").
			WithDetails(map[string]any{"operational": change.Operational})
	}

	if IsBlocked(current) && !change.ForceReopen {
		return apperr.Conflict("blocked_status").
			WithDetails(map[string]any{"current": current})
	}

	if change.Operational == StatusPaused && change.PausedUntil == nil {
		return apperr.Validation("paused_until required when pausing")
	}

	return nil
}
