package httpapi

import (
	"fmt"

	"github.com/voxrelay/orchestrator/internal/config"
	"github.com/voxrelay/orchestrator/pkg/pipeline"
	"github.com/voxrelay/orchestrator/pkg/providers/llm"
	"github.com/voxrelay/orchestrator/pkg/providers/stt"
	"github.com/voxrelay/orchestrator/pkg/providers/tts"
)

// buildProviders instantiates one fresh STT/LLM/TTS client per session,
// selected by the vendor names configured at process startup. Providers
// hold per-connection state (sockets, buffers), so they are never
// shared across sessions.
func buildProviders(cfg *config.Config) (pipeline.SessionProviders, error) {
	s, err := buildSTT(cfg)
	if err != nil {
		return pipeline.SessionProviders{}, err
	}
	l, err := buildLLM(cfg)
	if err != nil {
		return pipeline.SessionProviders{}, err
	}
	t, err := buildTTS(cfg)
	if err != nil {
		return pipeline.SessionProviders{}, err
	}
	return pipeline.SessionProviders{STT: s, LLM: l, TTS: t}, nil
}

func buildSTT(cfg *config.Config) (pipeline.STTProvider, error) {
	switch cfg.STTProvider {
	case "deepgram":
		return stt.NewDeepgramSTT(cfg.STTAPIKey), nil
	case "groq":
		return stt.NewGroqSTT(cfg.STTAPIKey, cfg.STTModel), nil
	case "openai":
		return stt.NewOpenAISTT(cfg.STTAPIKey, cfg.STTModel), nil
	case "assemblyai":
		return stt.NewAssemblyAISTT(cfg.STTAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown STT_PROVIDER %q", cfg.STTProvider)
	}
}

func buildLLM(cfg *config.Config) (pipeline.LLMProvider, error) {
	switch cfg.LLMProvider {
	case "openai":
		return llm.NewOpenAILLM(cfg.LLMAPIKey, cfg.LLMModel), nil
	case "anthropic":
		return llm.NewAnthropicLLM(cfg.LLMAPIKey, cfg.LLMModel), nil
	case "google":
		return llm.NewGoogleLLM(cfg.LLMAPIKey, cfg.LLMModel), nil
	case "groq":
		return llm.NewGroqLLM(cfg.LLMAPIKey, cfg.LLMModel), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

func buildTTS(cfg *config.Config) (pipeline.TTSProvider, error) {
	switch cfg.TTSProvider {
	case "lokutor":
		return tts.NewLokutorTTS(cfg.TTSAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown TTS_PROVIDER %q", cfg.TTSProvider)
	}
}
