package llm

import (
	"context"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

type OpenAILLM struct {
	apiKey string
	url    string
	model  string
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/chat/completions",
		model:  model,
	}
}

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}

func (l *OpenAILLM) StreamComplete(ctx context.Context, messages []pipeline.Message, tools []pipeline.Tool) (<-chan pipeline.LLMEvent, error) {
	return streamOpenAICompatible(ctx, l.url, l.apiKey, l.model, messages, tools)
}
