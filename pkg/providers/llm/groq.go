package llm

import (
	"context"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

// GroqLLM speaks the same OpenAI-compatible chat-completions wire
// format as OpenAILLM, just against Groq's endpoint and model catalog.
type GroqLLM struct {
	apiKey string
	url    string
	model  string
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &GroqLLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
	}
}

func (l *GroqLLM) Name() string {
	return "groq-llm"
}

func (l *GroqLLM) StreamComplete(ctx context.Context, messages []pipeline.Message, tools []pipeline.Tool) (<-chan pipeline.LLMEvent, error) {
	return streamOpenAICompatible(ctx, l.url, l.apiKey, l.model, messages, tools)
}
