package usage

import (
	"context"
	"time"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

// abuse.go implements the three advisory heuristics of §4.I. None of
// them ever deny audio themselves — only quota evaluation in tracker.go
// does that; these only record an audit event and publish ABUSE_DETECTED.

// checkRapidReconnection runs once at Tracker construction.
func (t *Tracker) checkRapidReconnection(ctx context.Context) {
	count, err := t.store.RecentSessionCount(ctx, t.userID, t.cfg.AbuseReconnectWindow)
	if err != nil {
		t.logger.Warn("recent_session_count failed", "error", err)
		return
	}
	if count < t.cfg.AbuseReconnectThreshold {
		return
	}
	t.recordAndPublishAbuse(ctx, AbuseRapidReconnection, map[string]any{
		"session_count":  count,
		"window_seconds": int(t.cfg.AbuseReconnectWindow.Seconds()),
	})
}

// accumulateContinuousUse tracks a running "continuous ms" counter that
// accumulates across audio chunks whose inter-arrival gap is below
// AbuseContinuousGap. Caller holds t.mu.
func (t *Tracker) accumulateContinuousUse(ctx context.Context, deltaMs int64) {
	now := time.Now()
	if !t.lastChunkAt.IsZero() && now.Sub(t.lastChunkAt) < t.cfg.AbuseContinuousGap {
		t.continuousMs += deltaMs
	} else {
		t.continuousMs = deltaMs
	}
	t.lastChunkAt = now
	t.totalAudioMs += deltaMs

	if t.continuousMs >= t.cfg.AbuseContinuousThresholdMs {
		continuousMs := t.continuousMs
		t.continuousMs = 0
		go t.recordAndPublishAbuse(context.Background(), AbuseExcessiveContinuousUse, map[string]any{
			"continuous_ms": continuousMs,
		})
	}
}

// checkLongSessionNoBreaks runs once at session end.
func (t *Tracker) checkLongSessionNoBreaks(ctx context.Context, wallClock time.Duration, totalAudioMs int64) {
	if wallClock <= t.cfg.AbuseLongSessionWallClock {
		return
	}
	wallMs := float64(wallClock.Milliseconds())
	if wallMs <= 0 {
		return
	}
	activeRatio := float64(totalAudioMs) / wallMs
	if activeRatio <= t.cfg.AbuseLongSessionActiveRatio {
		return
	}
	t.recordAndPublishAbuse(ctx, AbuseLongSessionNoBreaks, map[string]any{
		"wall_clock_ms": wallClock.Milliseconds(),
		"audio_ms":      totalAudioMs,
		"active_ratio":  activeRatio,
	})
}

func (t *Tracker) recordAndPublishAbuse(ctx context.Context, eventType AbuseEventType, details map[string]any) {
	event := AbuseEvent{
		UserID:    t.userID,
		SessionID: t.sessionID,
		EventType: eventType,
		Details:   details,
	}
	if err := t.store.RecordAbuseEvent(ctx, event); err != nil {
		t.logger.Warn("record_abuse_event failed", "error", err, "event_type", eventType)
	}
	t.disp.Broadcast(t.sessionID, dispatcher.AbuseDetected, map[string]any{
		"event_type": string(eventType),
		"details":    details,
	})
}
