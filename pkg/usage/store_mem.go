package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by Tracker's tests and by any
// deployment that does not need cross-process persistence. It implements
// the same atomic upsert-increment semantics as the Mongo-backed Store,
// guarded by a single mutex rather than server-side atomicity.
type MemStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session // by session_id
	daily     map[string]*Daily   // by user_id|date
	monthly   map[string]*Monthly // by user_id|year_month
	limits    []LimitEvent
	abuses    []AbuseEvent
}

// NewMemStore constructs an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*Session),
		daily:    make(map[string]*Daily),
		monthly:  make(map[string]*Monthly),
	}
}

func dailyKey(userID, date string) string     { return userID + "|" + date }
func monthlyKey(userID, ym string) string     { return userID + "|" + ym }

func (s *MemStore) CreateSession(_ context.Context, sessionID, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	sess := &Session{
		ID:             sessionID,
		SessionID:      sessionID,
		UserID:         userID,
		StartedAt:      now,
		LastActivityAt: now,
		IsActive:       true,
	}
	s.sessions[sessionID] = sess
	cp := *sess
	return &cp, nil
}

func (s *MemStore) UpdateSessionUsage(_ context.Context, sessionID string, deltaDurationMs, deltaChunks int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.IsActive {
		return nil, ErrNotActive
	}
	sess.DurationMs += deltaDurationMs
	sess.ChunkCount += deltaChunks
	sess.LastActivityAt = time.Now()
	cp := *sess
	return &cp, nil
}

func (s *MemStore) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.IsActive = false
	now := time.Now()
	sess.EndedAt = &now
	return nil
}

func (s *MemStore) MarkSessionLimitReached(_ context.Context, sessionID string, kind LimitKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.LimitReached = kind
	sess.VoiceDisabled = true
	return nil
}

func (s *MemStore) UpsertDaily(_ context.Context, userID, date string, deltaDurationMs, deltaChunks int64) (*Daily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dailyKey(userID, date)
	d, ok := s.daily[key]
	if !ok {
		d = &Daily{UserID: userID, Date: date}
		s.daily[key] = d
	}
	d.DurationMs += deltaDurationMs
	d.ChunkCount += deltaChunks
	cp := *d
	return &cp, nil
}

func (s *MemStore) UpsertMonthly(_ context.Context, userID, yearMonth string, deltaDurationMs int64) (*Monthly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := monthlyKey(userID, yearMonth)
	m, ok := s.monthly[key]
	if !ok {
		m = &Monthly{UserID: userID, YearMonth: yearMonth}
		s.monthly[key] = m
	}
	m.DurationMs += deltaDurationMs
	cp := *m
	return &cp, nil
}

func (s *MemStore) IncrementDailySessionCount(_ context.Context, userID, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dailyKey(userID, date)
	d, ok := s.daily[key]
	if !ok {
		d = &Daily{UserID: userID, Date: date}
		s.daily[key] = d
	}
	d.SessionCount++
	return nil
}

func (s *MemStore) IncrementDailyLimitReached(_ context.Context, userID, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dailyKey(userID, date)
	d, ok := s.daily[key]
	if !ok {
		d = &Daily{UserID: userID, Date: date}
		s.daily[key] = d
	}
	d.LimitReachedCount++
	return nil
}

func (s *MemStore) IncrementMonthlySessionCount(_ context.Context, userID, yearMonth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := monthlyKey(userID, yearMonth)
	m, ok := s.monthly[key]
	if !ok {
		m = &Monthly{UserID: userID, YearMonth: yearMonth}
		s.monthly[key] = m
	}
	m.SessionCount++
	return nil
}

func (s *MemStore) RecordLimitEvent(_ context.Context, e LimitEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	s.limits = append(s.limits, e)
	return nil
}

func (s *MemStore) RecordAbuseEvent(_ context.Context, e AbuseEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.abuses = append(s.abuses, e)
	return nil
}

// ListAbuseEvents returns a user's recorded abuse events, most recent
// first.
func (s *MemStore) ListAbuseEvents(_ context.Context, userID string) ([]AbuseEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AbuseEvent
	for i := len(s.abuses) - 1; i >= 0; i-- {
		if s.abuses[i].UserID == userID {
			out = append(out, s.abuses[i])
		}
	}
	return out, nil
}

// MarkAbuseEventReviewed flips the Reviewed flag on one of a user's
// abuse events.
func (s *MemStore) MarkAbuseEventReviewed(_ context.Context, userID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.abuses {
		if s.abuses[i].UserID == userID && s.abuses[i].ID == eventID {
			s.abuses[i].Reviewed = true
			return nil
		}
	}
	return ErrAbuseEventNotFound
}

func (s *MemStore) GetUsageSummary(_ context.Context, userID, sessionID string) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum Summary
	if sess, ok := s.sessions[sessionID]; ok {
		sum.SessionDurationMs = sess.DurationMs
	}
	now := time.Now()
	if d, ok := s.daily[dailyKey(userID, DateKey(now))]; ok {
		sum.DailyDurationMs = d.DurationMs
	}
	if m, ok := s.monthly[monthlyKey(userID, YearMonthKey(now))]; ok {
		sum.MonthlyDurationMs = m.DurationMs
	}
	return sum, nil
}

func (s *MemStore) RecentSessionCount(_ context.Context, userID string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-window)
	count := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.StartedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *MemStore) ResetUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if d, ok := s.daily[dailyKey(userID, DateKey(now))]; ok {
		d.DurationMs = 0
	}
	if m, ok := s.monthly[monthlyKey(userID, YearMonthKey(now))]; ok {
		m.DurationMs = 0
	}
	return nil
}

func (s *MemStore) CleanupOldSessions(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if !sess.IsActive && sess.EndedAt != nil && sess.EndedAt.Before(olderThan) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ListUsage(_ context.Context, userID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *MemStore) ListAllUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, sess := range s.sessions {
		if _, ok := seen[sess.UserID]; ok {
			continue
		}
		seen[sess.UserID] = struct{}{}
		out = append(out, sess.UserID)
	}
	return out, nil
}
