package usage

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SessionLimitMinutes = 0
	cfg.DailyLimitMinutes = 0
	cfg.MonthlyLimitMinutes = 0
	return cfg
}

// S1 — happy path: 4096 bytes at bytes_per_ms=32 => 128ms.
func TestTrackAudioChunkHappyPath(t *testing.T) {
	store := NewMemStore()
	disp := dispatcher.New()
	tr, err := New(context.Background(), testConfig(), store, disp, "sess-1", "u1", nil)
	require.NoError(t, err)

	blob := base64.StdEncoding.EncodeToString(make([]byte, 4096))
	decision, err := tr.TrackAudioChunk(context.Background(), blob)
	require.NoError(t, err)
	assert.Equal(t, Allow, decision)

	assert.Eventually(t, func() bool {
		sess, ok := store.sessions["sess-1"]
		return ok && sess.DurationMs == 128
	}, time.Second, time.Millisecond)
}

func TestTrackAudioChunkZeroBytesIsZeroMsAndAllowed(t *testing.T) {
	store := NewMemStore()
	disp := dispatcher.New()
	tr, err := New(context.Background(), testConfig(), store, disp, "sess-zero", "u1", nil)
	require.NoError(t, err)

	decision, err := tr.TrackAudioChunk(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Allow, decision)
	assert.True(t, tr.VoiceEnabled())
}

// S3 — session limit reached: warning already fired at 80%, then deny.
func TestSessionLimitReachedSequence(t *testing.T) {
	store := NewMemStore()
	disp := dispatcher.New()
	warnSub := disp.Subscribe("sess-limit", dispatcher.UsageWarning)
	defer warnSub.Close()
	limitSub := disp.Subscribe("sess-limit", dispatcher.UsageLimitReached)
	defer limitSub.Close()
	disabledSub := disp.Subscribe("sess-limit", dispatcher.VoiceDisabled)
	defer disabledSub.Close()

	cfg := testConfig()
	cfg.SessionLimitMinutes = 1 // 60,000 ms
	tr, err := New(context.Background(), cfg, store, disp, "sess-limit", "u2", nil)
	require.NoError(t, err)

	// 48,000 ms worth: 48000*32 = 1,536,000 bytes.
	warnBlob := base64.StdEncoding.EncodeToString(make([]byte, 48000*32))
	decision, err := tr.TrackAudioChunk(context.Background(), warnBlob)
	require.NoError(t, err)
	assert.Equal(t, Allow, decision)

	warnEvt := <-warnSub.Events()
	assert.Equal(t, "session", warnEvt.Data["period"])

	// Remaining 12,000ms to cross the limit.
	limitBlob := base64.StdEncoding.EncodeToString(make([]byte, 12000*32))
	decision, err = tr.TrackAudioChunk(context.Background(), limitBlob)
	require.NoError(t, err)
	assert.Equal(t, Deny, decision)

	limitEvt := <-limitSub.Events()
	assert.Equal(t, "session", limitEvt.Data["kind"])
	disabledEvt := <-disabledSub.Events()
	assert.Equal(t, "session_limit_reached", disabledEvt.Data["reason"])

	assert.False(t, tr.VoiceEnabled())

	// Further chunks keep denying.
	decision, err = tr.TrackAudioChunk(context.Background(), warnBlob)
	require.NoError(t, err)
	assert.Equal(t, Deny, decision)
}

// S4 — rapid reconnection: 11th session in window triggers ABUSE_DETECTED.
func TestRapidReconnectionAbuse(t *testing.T) {
	store := NewMemStore()
	disp := dispatcher.New()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		sid := "s" + string(rune('a'+i))
		_, err := store.CreateSession(ctx, sid, "u3")
		require.NoError(t, err)
	}

	abuseSub := disp.Subscribe("sess-11", dispatcher.AbuseDetected)
	defer abuseSub.Close()

	_, err := New(ctx, testConfig(), store, disp, "sess-11", "u3", nil)
	require.NoError(t, err)

	evt := <-abuseSub.Events()
	assert.Equal(t, string(AbuseRapidReconnection), evt.Data["event_type"])
}

func TestSessionStartingAtDailyLimitDisablesImmediately(t *testing.T) {
	store := NewMemStore()
	disp := dispatcher.New()
	ctx := context.Background()

	now := time.Now()
	_, err := store.UpsertDaily(ctx, "u4", DateKey(now), 60*60*1000, 1)
	require.NoError(t, err)

	disabledSub := disp.Subscribe("sess-daily", dispatcher.VoiceDisabled)
	defer disabledSub.Close()

	cfg := testConfig()
	cfg.DailyLimitMinutes = 60
	tr, err := New(ctx, cfg, store, disp, "sess-daily", "u4", nil)
	require.NoError(t, err)

	evt := <-disabledSub.Events()
	assert.Equal(t, "daily_limit_reached", evt.Data["reason"])
	assert.False(t, tr.VoiceEnabled())

	decision, err := tr.TrackAudioChunk(ctx, base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	assert.Equal(t, Deny, decision)
}

func TestResetUserThenTrackYieldsExactDuration(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now()
	_, err := store.UpsertDaily(ctx, "u5", DateKey(now), 999999, 5)
	require.NoError(t, err)

	require.NoError(t, store.ResetUser(ctx, "u5"))

	blob := make([]byte, 100)
	_, err = store.UpsertDaily(ctx, "u5", DateKey(now), int64(len(blob))/32, 1)
	require.NoError(t, err)

	d, ok := store.daily[dailyKey("u5", DateKey(now))]
	require.True(t, ok)
	assert.Equal(t, int64(len(blob))/32, d.DurationMs)
}
