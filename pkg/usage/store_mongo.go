package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names, matching §6's persistent state layout and
// original_source/lib_database/voice_usage_repository.py's collection
// constants.
const (
	collSessions    = "voice_usage_sessions"
	collDaily       = "voice_usage_daily"
	collMonthly     = "voice_usage_monthly"
	collLimitEvents = "voice_limit_events"
	collAbuseEvents = "voice_abuse_events"
)

// MongoStore is the production Store backed by MongoDB, translating the
// upsert-increment contract of §4.B directly onto
// FindOneAndUpdate($inc/$setOnInsert, upsert=true) — the same operation
// shape original_source uses, so no semantic reshaping is needed.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore wraps an already-connected database handle. Index
// creation is a separate, explicit step (EnsureIndexes) run once at
// process bootstrap, mirroring original_source's
// create_voice_usage_indexes.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// EnsureIndexes creates the unique/secondary indexes required by §4.B.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	sessionIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	sessionRecent := mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "started_at", Value: -1}},
	}
	if _, err := s.db.Collection(collSessions).Indexes().CreateMany(ctx, []mongo.IndexModel{sessionIdx, sessionRecent}); err != nil {
		return err
	}

	dailyIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "date", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.db.Collection(collDaily).Indexes().CreateOne(ctx, dailyIdx); err != nil {
		return err
	}

	monthlyIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "year_month", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := s.db.Collection(collMonthly).Indexes().CreateOne(ctx, monthlyIdx)
	return err
}

func (s *MongoStore) CreateSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	now := time.Now().UTC()
	doc := bson.M{
		"session_id":       sessionID,
		"user_id":          userID,
		"duration_ms":      int64(0),
		"chunk_count":      int64(0),
		"started_at":       now,
		"last_activity_at": now,
		"is_active":        true,
		"voice_disabled":   false,
		"limit_reached":    "",
	}
	if _, err := s.db.Collection(collSessions).InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return &Session{SessionID: sessionID, UserID: userID, StartedAt: now, LastActivityAt: now, IsActive: true}, nil
}

func (s *MongoStore) UpdateSessionUsage(ctx context.Context, sessionID string, deltaDurationMs, deltaChunks int64) (*Session, error) {
	filter := bson.M{"session_id": sessionID, "is_active": true}
	update := bson.M{
		"$inc": bson.M{"duration_ms": deltaDurationMs, "chunk_count": deltaChunks},
		"$set": bson.M{"last_activity_at": time.Now().UTC()},
	}
	after := options.After
	var out mongoSessionDoc
	err := s.db.Collection(collSessions).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(after)).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotActive
	}
	if err != nil {
		return nil, err
	}
	return out.toSession(), nil
}

func (s *MongoStore) EndSession(ctx context.Context, sessionID string) error {
	filter := bson.M{"session_id": sessionID}
	update := bson.M{"$set": bson.M{"is_active": false, "ended_at": time.Now().UTC()}}
	res, err := s.db.Collection(collSessions).UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *MongoStore) MarkSessionLimitReached(ctx context.Context, sessionID string, kind LimitKind) error {
	filter := bson.M{"session_id": sessionID}
	update := bson.M{"$set": bson.M{"limit_reached": string(kind), "voice_disabled": true}}
	res, err := s.db.Collection(collSessions).UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *MongoStore) UpsertDaily(ctx context.Context, userID, date string, deltaDurationMs, deltaChunks int64) (*Daily, error) {
	filter := bson.M{"user_id": userID, "date": date}
	update := bson.M{
		"$inc": bson.M{"duration_ms": deltaDurationMs, "chunk_count": deltaChunks},
		"$setOnInsert": bson.M{"session_count": int64(0), "limit_reached_count": int64(0)},
	}
	after := options.After
	var out mongoDailyDoc
	err := s.db.Collection(collDaily).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(after)).Decode(&out)
	if err != nil {
		return nil, err
	}
	return out.toDaily(), nil
}

func (s *MongoStore) UpsertMonthly(ctx context.Context, userID, yearMonth string, deltaDurationMs int64) (*Monthly, error) {
	filter := bson.M{"user_id": userID, "year_month": yearMonth}
	update := bson.M{
		"$inc":         bson.M{"duration_ms": deltaDurationMs},
		"$setOnInsert": bson.M{"session_count": int64(0)},
	}
	after := options.After
	var out mongoMonthlyDoc
	err := s.db.Collection(collMonthly).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(after)).Decode(&out)
	if err != nil {
		return nil, err
	}
	return out.toMonthly(), nil
}

func (s *MongoStore) IncrementDailySessionCount(ctx context.Context, userID, date string) error {
	return s.incrDaily(ctx, userID, date, "session_count")
}

func (s *MongoStore) IncrementDailyLimitReached(ctx context.Context, userID, date string) error {
	return s.incrDaily(ctx, userID, date, "limit_reached_count")
}

func (s *MongoStore) incrDaily(ctx context.Context, userID, date, field string) error {
	filter := bson.M{"user_id": userID, "date": date}
	update := bson.M{"$inc": bson.M{field: int64(1)}}
	_, err := s.db.Collection(collDaily).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *MongoStore) IncrementMonthlySessionCount(ctx context.Context, userID, yearMonth string) error {
	filter := bson.M{"user_id": userID, "year_month": yearMonth}
	update := bson.M{"$inc": bson.M{"session_count": int64(1)}}
	_, err := s.db.Collection(collMonthly).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *MongoStore) RecordLimitEvent(ctx context.Context, e LimitEvent) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(collLimitEvents).InsertOne(ctx, bson.M{
		"user_id":       e.UserID,
		"session_id":    e.SessionID,
		"kind":          string(e.Kind),
		"limit_minutes": e.LimitMinutes,
		"used_minutes":  e.UsedMinutes,
		"recorded_at":   e.RecordedAt,
	})
	return err
}

func (s *MongoStore) RecordAbuseEvent(ctx context.Context, e AbuseEvent) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.Collection(collAbuseEvents).InsertOne(ctx, bson.M{
		"event_id":    e.ID,
		"user_id":     e.UserID,
		"session_id":  e.SessionID,
		"event_type":  string(e.EventType),
		"details":     e.Details,
		"reviewed":    e.Reviewed,
		"recorded_at": e.RecordedAt,
	})
	return err
}

// ListAbuseEvents returns a user's recorded abuse events, most recent
// first.
func (s *MongoStore) ListAbuseEvents(ctx context.Context, userID string) ([]AbuseEvent, error) {
	cur, err := s.db.Collection(collAbuseEvents).Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "recorded_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []AbuseEvent
	for cur.Next(ctx) {
		var doc mongoAbuseEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, *doc.toAbuseEvent())
	}
	return out, cur.Err()
}

// MarkAbuseEventReviewed flips the Reviewed flag on one of a user's
// abuse events.
func (s *MongoStore) MarkAbuseEventReviewed(ctx context.Context, userID, eventID string) error {
	filter := bson.M{"user_id": userID, "event_id": eventID}
	update := bson.M{"$set": bson.M{"reviewed": true}}
	res, err := s.db.Collection(collAbuseEvents).UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrAbuseEventNotFound
	}
	return nil
}

// GetUsageSummary reads session/day/month in three independent reads; the
// tracker tolerates stale-by-one-write values (§4.B), so no
// transaction is required.
func (s *MongoStore) GetUsageSummary(ctx context.Context, userID, sessionID string) (Summary, error) {
	var sum Summary

	var sess mongoSessionDoc
	err := s.db.Collection(collSessions).FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&sess)
	if err != nil && err != mongo.ErrNoDocuments {
		return sum, err
	}
	if err == nil {
		sum.SessionDurationMs = sess.DurationMs
	}

	now := time.Now().UTC()
	var daily mongoDailyDoc
	err = s.db.Collection(collDaily).FindOne(ctx, bson.M{"user_id": userID, "date": DateKey(now)}).Decode(&daily)
	if err != nil && err != mongo.ErrNoDocuments {
		return sum, err
	}
	if err == nil {
		sum.DailyDurationMs = daily.DurationMs
	}

	var monthly mongoMonthlyDoc
	err = s.db.Collection(collMonthly).FindOne(ctx, bson.M{"user_id": userID, "year_month": YearMonthKey(now)}).Decode(&monthly)
	if err != nil && err != mongo.ErrNoDocuments {
		return sum, err
	}
	if err == nil {
		sum.MonthlyDurationMs = monthly.DurationMs
	}

	return sum, nil
}

func (s *MongoStore) RecentSessionCount(ctx context.Context, userID string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	n, err := s.db.Collection(collSessions).CountDocuments(ctx, bson.M{
		"user_id":    userID,
		"started_at": bson.M{"$gte": cutoff},
	})
	return int(n), err
}

func (s *MongoStore) ResetUser(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	if _, err := s.db.Collection(collDaily).UpdateOne(ctx,
		bson.M{"user_id": userID, "date": DateKey(now)},
		bson.M{"$set": bson.M{"duration_ms": int64(0)}}); err != nil {
		return err
	}
	_, err := s.db.Collection(collMonthly).UpdateOne(ctx,
		bson.M{"user_id": userID, "year_month": YearMonthKey(now)},
		bson.M{"$set": bson.M{"duration_ms": int64(0)}})
	return err
}

func (s *MongoStore) CleanupOldSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.Collection(collSessions).DeleteMany(ctx, bson.M{
		"is_active": false,
		"ended_at":  bson.M{"$lt": olderThan.UTC()},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) ListUsage(ctx context.Context, userID string) ([]Session, error) {
	cur, err := s.db.Collection(collSessions).Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Session
	for cur.Next(ctx) {
		var doc mongoSessionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, *doc.toSession())
	}
	return out, cur.Err()
}

func (s *MongoStore) ListAllUsers(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.Collection(collSessions).Distinct(ctx, "user_id", bson.M{}).Decode(&ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// BSON document shapes, kept separate from the domain types in types.go
// so the wire representation (snake_case field names matching
// original_source's document layout) can evolve independently.

type mongoSessionDoc struct {
	SessionID      string     `bson:"session_id"`
	UserID         string     `bson:"user_id"`
	DurationMs     int64      `bson:"duration_ms"`
	ChunkCount     int64      `bson:"chunk_count"`
	StartedAt      time.Time  `bson:"started_at"`
	LastActivityAt time.Time  `bson:"last_activity_at"`
	EndedAt        *time.Time `bson:"ended_at,omitempty"`
	IsActive       bool       `bson:"is_active"`
	VoiceDisabled  bool       `bson:"voice_disabled"`
	LimitReached   string     `bson:"limit_reached"`
}

func (d *mongoSessionDoc) toSession() *Session {
	return &Session{
		ID:             d.SessionID,
		SessionID:      d.SessionID,
		UserID:         d.UserID,
		DurationMs:     d.DurationMs,
		ChunkCount:     d.ChunkCount,
		StartedAt:      d.StartedAt,
		LastActivityAt: d.LastActivityAt,
		EndedAt:        d.EndedAt,
		IsActive:       d.IsActive,
		VoiceDisabled:  d.VoiceDisabled,
		LimitReached:   LimitKind(d.LimitReached),
	}
}

type mongoDailyDoc struct {
	UserID            string `bson:"user_id"`
	Date              string `bson:"date"`
	DurationMs        int64  `bson:"duration_ms"`
	SessionCount      int64  `bson:"session_count"`
	ChunkCount        int64  `bson:"chunk_count"`
	LimitReachedCount int64  `bson:"limit_reached_count"`
}

func (d *mongoDailyDoc) toDaily() *Daily {
	return &Daily{
		UserID:            d.UserID,
		Date:              d.Date,
		DurationMs:        d.DurationMs,
		SessionCount:      d.SessionCount,
		ChunkCount:        d.ChunkCount,
		LimitReachedCount: d.LimitReachedCount,
	}
}

type mongoMonthlyDoc struct {
	UserID       string `bson:"user_id"`
	YearMonth    string `bson:"year_month"`
	DurationMs   int64  `bson:"duration_ms"`
	SessionCount int64  `bson:"session_count"`
}

func (d *mongoMonthlyDoc) toMonthly() *Monthly {
	return &Monthly{
		UserID:       d.UserID,
		YearMonth:    d.YearMonth,
		DurationMs:   d.DurationMs,
		SessionCount: d.SessionCount,
	}
}

type mongoAbuseEventDoc struct {
	EventID    string         `bson:"event_id"`
	UserID     string         `bson:"user_id"`
	SessionID  string         `bson:"session_id"`
	EventType  string         `bson:"event_type"`
	Details    map[string]any `bson:"details"`
	Reviewed   bool           `bson:"reviewed"`
	RecordedAt time.Time      `bson:"recorded_at"`
}

func (d *mongoAbuseEventDoc) toAbuseEvent() *AbuseEvent {
	return &AbuseEvent{
		ID:         d.EventID,
		UserID:     d.UserID,
		SessionID:  d.SessionID,
		EventType:  AbuseEventType(d.EventType),
		Details:    d.Details,
		Reviewed:   d.Reviewed,
		RecordedAt: d.RecordedAt,
	}
}
