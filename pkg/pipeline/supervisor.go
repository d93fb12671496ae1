package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
	"github.com/voxrelay/orchestrator/pkg/usage"
)

// SessionParams are the client-supplied connection parameters from
// §6's `/ws/{source}` handshake.
type SessionParams struct {
	Source    Source
	SessionID string // optional, validated 36-char form if supplied
	UserID    string
	Language  Language
	Role      Role
}

// SessionProviders bundles the three vendor clients a session needs.
type SessionProviders struct {
	STT STTProvider
	LLM LLMProvider
	TTS TTSProvider
}

// SessionSupervisor owns a session's lifecycle: it resolves the session
// id, composes the system prompt, instantiates UsageTracker, LLMDriver,
// STTClient, TTSClient and SocketManager, and runs all five as
// concurrent tasks under a failure-propagating group — the first task
// to fail cancels the rest, and every component releases its scoped
// resources on the way out.
type SessionSupervisor struct {
	disp       *dispatcher.Dispatcher
	store      usage.Store
	usageCfg   usage.Config
	sampleRate int
	channels   int
	logger     *slog.Logger
}

// NewSessionSupervisor constructs a supervisor bound to process-wide
// shared collaborators (dispatcher, usage store).
func NewSessionSupervisor(disp *dispatcher.Dispatcher, store usage.Store, usageCfg usage.Config, sampleRate, channels int, logger *slog.Logger) *SessionSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSupervisor{
		disp:       disp,
		store:      store,
		usageCfg:   usageCfg,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger,
	}
}

// ResolveSessionID validates a client-supplied id or mints a fresh one.
func ResolveSessionID(supplied string) (string, error) {
	if supplied == "" {
		return uuid.NewString(), nil
	}
	if _, err := uuid.Parse(supplied); err != nil {
		return "", ErrInvalidSessionID
	}
	return supplied, nil
}

// Serve runs one session to completion: it blocks until ctx is
// cancelled or a component task fails, then tears down cleanly.
func (s *SessionSupervisor) Serve(ctx context.Context, params SessionParams, providers SessionProviders, conn Conn, tools []Tool) error {
	sessionID, err := ResolveSessionID(params.SessionID)
	if err != nil {
		return err
	}
	if params.Language == "" {
		params.Language = LanguageEn
	}

	tracker, err := usage.New(ctx, s.usageCfg, s.store, s.disp, sessionID, params.UserID, s.logger)
	if err != nil {
		return err
	}

	systemPrompt := ComposeSystemPrompt(params.Role, params.Language)

	llm := NewLLMDriver(sessionID, providers.LLM, s.disp, systemPrompt, tools, s.logger)
	stt := NewSTTClient(sessionID, providers.STT, s.disp, s.sampleRate, s.channels, params.Language, params.Source, s.logger)
	tts := NewTTSClient(sessionID, providers.TTS, s.disp, tracker, params.Language, s.logger)
	sock := NewSocketManager(sessionID, params.Source, conn, s.disp, s.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sock.Run(gctx) })
	g.Go(func() error { return stt.Run(gctx) })
	g.Go(func() error { return llm.Run(gctx) })
	g.Go(func() error { return tts.Run(gctx) })
	g.Go(func() error { return s.runUsageTicker(gctx) })

	runErr := g.Wait()

	endCtx := context.Background()
	if err := tracker.EndSession(endCtx); err != nil {
		s.logger.Warn("end session persistence failed", "session_id", sessionID, "error", err)
	}
	s.disp.Broadcast(sessionID, dispatcher.SessionClose, map[string]any{"reason": "supervisor_teardown"})

	return runErr
}

// runUsageTicker is the fifth supervised task: it simply waits on ctx so
// the task group tracks the session's overall cancellation alongside
// the four pipeline components (the tracker itself has no blocking loop
// of its own — it's driven synchronously from TTSClient).
func (s *SessionSupervisor) runUsageTicker(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
