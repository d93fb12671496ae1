package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDateAndYearMonthKeysAreUTC(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	t1 := time.Date(2026, 7, 31, 23, 30, 0, 0, loc) // 2026-08-01 07:30 UTC
	assert.Equal(t, "2026-08-01", DateKey(t1))
	assert.Equal(t, "2026-08", YearMonthKey(t1))
}

func TestMongoSessionDocRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	doc := mongoSessionDoc{
		SessionID:      "sess-1",
		UserID:         "user-1",
		DurationMs:     4096,
		ChunkCount:     2,
		StartedAt:      now,
		LastActivityAt: now,
		IsActive:       true,
		LimitReached:   string(LimitSession),
	}
	sess := doc.toSession()
	assert.Equal(t, "sess-1", sess.SessionID)
	assert.Equal(t, int64(4096), sess.DurationMs)
	assert.Equal(t, LimitSession, sess.LimitReached)
	assert.True(t, sess.IsActive)
}

func TestMongoDailyAndMonthlyDocRoundTrip(t *testing.T) {
	d := mongoDailyDoc{UserID: "u", Date: "2026-07-31", DurationMs: 1000, SessionCount: 3}
	daily := d.toDaily()
	assert.Equal(t, int64(1000), daily.DurationMs)
	assert.Equal(t, int64(3), daily.SessionCount)

	m := mongoMonthlyDoc{UserID: "u", YearMonth: "2026-07", DurationMs: 5000, SessionCount: 9}
	monthly := m.toMonthly()
	assert.Equal(t, int64(5000), monthly.DurationMs)
	assert.Equal(t, int64(9), monthly.SessionCount)
}
