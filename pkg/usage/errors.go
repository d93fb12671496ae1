package usage

import "errors"

// ErrNotActive is returned by Store.UpdateSessionUsage when the target
// session row is not the active one (already ended, or never created).
var ErrNotActive = errors.New("usage: session is not active")

// ErrSessionNotFound is returned when a session-scoped operation
// addresses a session_id with no existing row.
var ErrSessionNotFound = errors.New("usage: session not found")

// ErrAbuseEventNotFound is returned by MarkAbuseEventReviewed when no
// abuse event matches the given user_id/event id.
var ErrAbuseEventNotFound = errors.New("usage: abuse event not found")
