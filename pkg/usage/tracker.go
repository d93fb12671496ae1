package usage

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/voxrelay/orchestrator/pkg/audio"
	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

// Decision is the outcome of TrackAudioChunk.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Tracker meters outbound TTS audio for one session in real time,
// enforces quotas, and runs the advisory abuse heuristics of §4.I. One
// Tracker is constructed per session by the SessionSupervisor.
type Tracker struct {
	cfg       Config
	store     Store
	disp      *dispatcher.Dispatcher
	sessionID string
	userID    string
	logger    *slog.Logger

	mu           sync.Mutex
	sessionMs    int64
	dayMs        int64
	monthMs      int64
	voiceEnabled bool
	limitReached LimitKind
	warningSent  map[LimitKind]bool

	startedAt    time.Time
	lastChunkAt  time.Time
	continuousMs int64
	totalAudioMs int64
}

// New constructs a Tracker, creating the session row, bumping daily/
// monthly session counts, loading the current summary, and running the
// rapid-reconnection abuse check — all per §4.C "Initialization".
func New(ctx context.Context, cfg Config, store Store, disp *dispatcher.Dispatcher, sessionID, userID string, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:          cfg,
		store:        store,
		disp:         disp,
		sessionID:    sessionID,
		userID:       userID,
		logger:       logger.With("session_id", sessionID, "user_id", userID),
		voiceEnabled: true,
		warningSent:  make(map[LimitKind]bool),
		startedAt:    time.Now(),
	}

	if _, err := store.CreateSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	now := time.Now()
	_ = store.IncrementDailySessionCount(ctx, userID, DateKey(now))
	_ = store.IncrementMonthlySessionCount(ctx, userID, YearMonthKey(now))

	summary, err := store.GetUsageSummary(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	t.sessionMs = summary.SessionDurationMs
	t.dayMs = summary.DailyDurationMs
	t.monthMs = summary.MonthlyDurationMs

	if kind := t.firstExceededLimit(); kind != LimitNone {
		t.voiceEnabled = false
		t.limitReached = kind
		t.publishVoiceDisabled(kind)
	}

	t.checkRapidReconnection(ctx)

	return t, nil
}

// TrackAudioChunk implements the algorithm of §4.C for one outbound
// TTS audio chunk, given as a base64-encoded PCM blob.
func (t *Tracker) TrackAudioChunk(ctx context.Context, base64Blob string) (Decision, error) {
	if !t.cfg.Enabled {
		return Allow, nil
	}

	raw, err := base64.StdEncoding.DecodeString(base64Blob)
	if err != nil {
		return Deny, err
	}
	durationMs := t.chunkDurationMs(len(raw))

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessionMs += durationMs
	t.dayMs += durationMs
	t.monthMs += durationMs
	t.accumulateContinuousUse(ctx, durationMs)

	t.evaluateWarnings()

	if kind := t.firstExceededLimitLocked(); kind != LimitNone && t.limitReached == LimitNone {
		t.voiceEnabled = false
		t.limitReached = kind
		t.publishLimitReachedLocked(kind)
		t.scheduleLimitPersistence(kind)
		return Deny, nil
	}
	if t.limitReached != LimitNone {
		return Deny, nil
	}

	if durationMs > 0 {
		t.scheduleUsagePersistence(durationMs)
	}
	return Allow, nil
}

func (t *Tracker) chunkDurationMs(byteLen int) int64 {
	return audio.DurationMs(byteLen, t.cfg.BytesPerMs)
}

// evaluateWarnings fires USAGE_WARNING at most once per period per
// session, checked in session/daily/monthly order. Caller holds t.mu.
func (t *Tracker) evaluateWarnings() {
	type period struct {
		kind    LimitKind
		usedMs  int64
		limitMs int64
	}
	periods := []period{
		{LimitSession, t.sessionMs, minutesToMs(t.cfg.SessionLimitMinutes)},
		{LimitDaily, t.dayMs, minutesToMs(t.cfg.DailyLimitMinutes)},
		{LimitMonthly, t.monthMs, minutesToMs(t.cfg.MonthlyLimitMinutes)},
	}
	for _, p := range periods {
		if p.limitMs <= 0 || t.warningSent[p.kind] {
			continue
		}
		if float64(p.usedMs) >= t.cfg.WarningRatio*float64(p.limitMs) {
			t.warningSent[p.kind] = true
			remaining := float64(p.limitMs-p.usedMs) / 60000.0
			if remaining < 0 {
				remaining = 0
			}
			t.disp.Broadcast(t.sessionID, dispatcher.UsageWarning, map[string]any{
				"period":            string(p.kind),
				"remaining_minutes": remaining,
			})
		}
	}
}

// firstExceededLimitLocked evaluates limits in priority session → daily
// → monthly. Caller holds t.mu.
func (t *Tracker) firstExceededLimitLocked() LimitKind {
	if lim := minutesToMs(t.cfg.SessionLimitMinutes); lim > 0 && t.sessionMs >= lim {
		return LimitSession
	}
	if lim := minutesToMs(t.cfg.DailyLimitMinutes); lim > 0 && t.dayMs >= lim {
		return LimitDaily
	}
	if lim := minutesToMs(t.cfg.MonthlyLimitMinutes); lim > 0 && t.monthMs >= lim {
		return LimitMonthly
	}
	return LimitNone
}

// firstExceededLimit is used only at construction, before t.mu is ever
// contended, so it does not lock.
func (t *Tracker) firstExceededLimit() LimitKind {
	return t.firstExceededLimitLocked()
}

func (t *Tracker) publishLimitReachedLocked(kind LimitKind) {
	limitMinutes, usedMs := t.limitAndUsedFor(kind)
	t.disp.Broadcast(t.sessionID, dispatcher.UsageLimitReached, map[string]any{
		"kind":          string(kind),
		"limit_minutes": limitMinutes,
		"used_minutes":  float64(usedMs) / 60000.0,
		"message":       "voice " + string(kind) + " limit reached",
	})
	t.publishVoiceDisabled(kind)
}

func (t *Tracker) publishVoiceDisabled(kind LimitKind) {
	t.disp.Broadcast(t.sessionID, dispatcher.VoiceDisabled, map[string]any{
		"reason": string(kind) + "_limit_reached",
	})
}

func (t *Tracker) limitAndUsedFor(kind LimitKind) (int, int64) {
	switch kind {
	case LimitSession:
		return t.cfg.SessionLimitMinutes, t.sessionMs
	case LimitDaily:
		return t.cfg.DailyLimitMinutes, t.dayMs
	case LimitMonthly:
		return t.cfg.MonthlyLimitMinutes, t.monthMs
	default:
		return 0, 0
	}
}

// scheduleUsagePersistence and scheduleLimitPersistence are fire-and-
// forget: the in-memory counters above remain authoritative, and a
// failed write is logged and not retried (§7 "Persistence error on usage
// writes").
func (t *Tracker) scheduleUsagePersistence(deltaMs int64) {
	sessionID, userID, store, logger := t.sessionID, t.userID, t.store, t.logger
	now := time.Now()
	go func() {
		ctx := context.Background()
		if _, err := store.UpdateSessionUsage(ctx, sessionID, deltaMs, 1); err != nil {
			logger.Warn("update_session_usage failed", "error", err)
		}
		if _, err := store.UpsertDaily(ctx, userID, DateKey(now), deltaMs, 1); err != nil {
			logger.Warn("upsert_daily failed", "error", err)
		}
		if _, err := store.UpsertMonthly(ctx, userID, YearMonthKey(now), deltaMs); err != nil {
			logger.Warn("upsert_monthly failed", "error", err)
		}
	}()
}

func (t *Tracker) scheduleLimitPersistence(kind LimitKind) {
	sessionID, userID, store, logger := t.sessionID, t.userID, t.store, t.logger
	limitMinutes, usedMs := t.limitAndUsedFor(kind)
	now := time.Now()
	go func() {
		ctx := context.Background()
		event := LimitEvent{
			UserID:       userID,
			SessionID:    sessionID,
			Kind:         kind,
			LimitMinutes: limitMinutes,
			UsedMinutes:  float64(usedMs) / 60000.0,
		}
		if err := store.RecordLimitEvent(ctx, event); err != nil {
			logger.Warn("record_limit_event failed", "error", err)
		}
		if err := store.MarkSessionLimitReached(ctx, sessionID, kind); err != nil {
			logger.Warn("mark_session_limit_reached failed", "error", err)
		}
		if err := store.IncrementDailyLimitReached(ctx, userID, DateKey(now)); err != nil {
			logger.Warn("increment_daily_limit_reached failed", "error", err)
		}
	}()
}

func minutesToMs(minutes int) int64 {
	if minutes <= 0 {
		return 0
	}
	return int64(minutes) * 60 * 1000
}

// VoiceEnabled reports whether audio is currently permitted.
func (t *Tracker) VoiceEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.voiceEnabled
}

// EndSession finalizes the session row and runs the long-session-no-
// breaks abuse check, per §4.I.
func (t *Tracker) EndSession(ctx context.Context) error {
	t.mu.Lock()
	wallClock := time.Since(t.startedAt)
	totalAudioMs := t.totalAudioMs
	t.mu.Unlock()

	t.checkLongSessionNoBreaks(ctx, wallClock, totalAudioMs)

	return t.store.EndSession(ctx, t.sessionID)
}
