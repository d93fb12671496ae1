package pipeline

import "errors"

var (
	// ErrSessionClosed is returned by any component operation attempted
	// after the session's context has been cancelled.
	ErrSessionClosed = errors.New("session closed")

	// ErrProviderUnavailable is returned when an STT/LLM/TTS provider
	// exhausts its reconnect budget.
	ErrProviderUnavailable = errors.New("provider unavailable after reconnect attempts")

	// ErrBufferOverflow is returned when a component-internal buffer
	// exceeds its configured hard cap.
	ErrBufferOverflow = errors.New("buffer exceeded hard cap")

	// ErrInvalidSessionID is returned when a client-supplied session id
	// fails validation.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrUnknownSource is returned for a socket connection whose source
	// tag is not one of device/phone/web.
	ErrUnknownSource = errors.New("unknown connection source")

	// ErrVoiceDisabled is returned when TrackAudioChunk denies further
	// audio processing because a quota has been reached.
	ErrVoiceDisabled = errors.New("voice usage disabled for this user")
)
