// Package usage meters outbound voice audio in real time, enforces
// session/daily/monthly quotas, and records advisory abuse events. The
// persistence contract (Store) and the real-time accounting logic
// (Tracker) are deliberately separate: Tracker holds authoritative
// in-memory counters and treats Store writes as fire-and-forget.
package usage

import "time"

// LimitKind identifies which quota period was exceeded.
type LimitKind string

const (
	LimitNone    LimitKind = ""
	LimitSession LimitKind = "session"
	LimitDaily   LimitKind = "daily"
	LimitMonthly LimitKind = "monthly"
)

// AbuseEventType is the closed set of advisory abuse heuristics.
type AbuseEventType string

const (
	AbuseExcessiveContinuousUse AbuseEventType = "excessive_continuous_use"
	AbuseRapidReconnection      AbuseEventType = "rapid_reconnection"
	AbuseLongSessionNoBreaks    AbuseEventType = "long_session_no_breaks"
)

// Session is the exactly-one-active-per-session_id usage record.
type Session struct {
	ID             string
	SessionID      string
	UserID         string
	DurationMs     int64
	ChunkCount     int64
	StartedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
	IsActive       bool
	VoiceDisabled  bool
	LimitReached   LimitKind
}

// Daily is keyed uniquely by (user_id, date).
type Daily struct {
	UserID            string
	Date              string // YYYY-MM-DD, UTC
	DurationMs        int64
	SessionCount      int64
	ChunkCount        int64
	LimitReachedCount int64
}

// Monthly is keyed uniquely by (user_id, year_month).
type Monthly struct {
	UserID       string
	YearMonth    string // YYYY-MM, UTC
	DurationMs   int64
	SessionCount int64
}

// LimitEvent is an append-only audit record of a quota being reached.
type LimitEvent struct {
	UserID        string
	SessionID     string
	Kind          LimitKind
	LimitMinutes  int
	UsedMinutes   float64
	RecordedAt    time.Time
}

// AbuseEvent is an append-only advisory audit record. Reviewed is a
// human-operator triage flag: false on record, set true through the
// admin management endpoint once an operator has looked at it.
type AbuseEvent struct {
	ID         string
	UserID     string
	SessionID  string
	EventType  AbuseEventType
	Details    map[string]any
	Reviewed   bool
	RecordedAt time.Time
}

// Summary is a point-in-time, non-transactional snapshot of a user's
// usage across all three periods, used to initialize a Tracker.
type Summary struct {
	SessionDurationMs int64
	DailyDurationMs   int64
	MonthlyDurationMs int64
}

// Config holds the quota and accounting parameters of §4.C.
type Config struct {
	SessionLimitMinutes int
	DailyLimitMinutes   int
	MonthlyLimitMinutes int
	BytesPerMs          int // default 32 (16kHz/16-bit/mono)
	WarningRatio        float64
	Enabled             bool

	// Abuse thresholds (§4.I).
	AbuseReconnectWindow       time.Duration
	AbuseReconnectThreshold    int
	AbuseContinuousThresholdMs int64
	AbuseContinuousGap         time.Duration
	AbuseLongSessionWallClock  time.Duration
	AbuseLongSessionActiveRatio float64
}

// DefaultConfig matches the defaults named in §4.C and §4.I.
func DefaultConfig() Config {
	return Config{
		BytesPerMs:                  32,
		WarningRatio:                0.8,
		Enabled:                     true,
		AbuseReconnectWindow:        300 * time.Second,
		AbuseReconnectThreshold:     10,
		AbuseContinuousThresholdMs:  30 * 60 * 1000,
		AbuseContinuousGap:          5 * time.Second,
		AbuseLongSessionWallClock:   2 * time.Hour,
		AbuseLongSessionActiveRatio: 0.5,
	}
}
