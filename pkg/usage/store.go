package usage

import (
	"context"
	"time"
)

// Store is the persistence contract of §4.B. Each operation is a single
// atomic write at the storage layer (upsert-increment), so Tracker may
// fire writes without waiting for acknowledgement. The increment
// operations are not idempotent: calling one twice adds the delta twice.
type Store interface {
	CreateSession(ctx context.Context, sessionID, userID string) (*Session, error)
	UpdateSessionUsage(ctx context.Context, sessionID string, deltaDurationMs, deltaChunks int64) (*Session, error)
	EndSession(ctx context.Context, sessionID string) error
	MarkSessionLimitReached(ctx context.Context, sessionID string, kind LimitKind) error

	UpsertDaily(ctx context.Context, userID, date string, deltaDurationMs, deltaChunks int64) (*Daily, error)
	UpsertMonthly(ctx context.Context, userID, yearMonth string, deltaDurationMs int64) (*Monthly, error)
	IncrementDailySessionCount(ctx context.Context, userID, date string) error
	IncrementDailyLimitReached(ctx context.Context, userID, date string) error
	IncrementMonthlySessionCount(ctx context.Context, userID, yearMonth string) error

	RecordLimitEvent(ctx context.Context, e LimitEvent) error
	RecordAbuseEvent(ctx context.Context, e AbuseEvent) error

	GetUsageSummary(ctx context.Context, userID, sessionID string) (Summary, error)
	RecentSessionCount(ctx context.Context, userID string, window time.Duration) (int, error)

	ResetUser(ctx context.Context, userID string) error
	CleanupOldSessions(ctx context.Context, olderThan time.Time) (int64, error)

	// ListUsage supports the admin surface (§6 /voice/management/*).
	ListUsage(ctx context.Context, userID string) ([]Session, error)

	// ListAllUsers supports GET /voice/management/all: every user_id
	// with at least one usage session on record.
	ListAllUsers(ctx context.Context) ([]string, error)

	// ListAbuseEvents and MarkAbuseEventReviewed back the abuse-event
	// review flag folded into GET/POST /voice/management/{user_id}: an
	// operator lists a user's recorded abuse events and marks the ones
	// they've triaged.
	ListAbuseEvents(ctx context.Context, userID string) ([]AbuseEvent, error)
	MarkAbuseEventReviewed(ctx context.Context, userID, eventID string) error
}

// DateKey and YearMonthKey compute UTC period bucket keys, matching
// §3's "system clock is UTC for all period bucketing".
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func YearMonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
