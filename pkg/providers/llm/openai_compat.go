package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

// openAIToolDef mirrors the OpenAI/Groq function-calling tool shape.
type openAIToolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

func toOpenAIMessages(messages []pipeline.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		entry := map[string]any{"role": string(m.Role), "content": m.Content}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			var calls []map[string]any
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func toOpenAITools(tools []pipeline.Tool) []openAIToolDef {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAIToolDef, 0, len(tools))
	for _, t := range tools {
		var def openAIToolDef
		def.Type = "function"
		def.Function.Name = t.Name
		def.Function.Description = t.Description
		def.Function.Parameters = t.Parameters
		out = append(out, def)
	}
	return out
}

// openAICompatDelta is the SSE chunk shape shared by OpenAI and Groq's
// chat-completions streaming endpoint.
type openAICompatDelta struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// streamOpenAICompatible issues a streaming chat-completions request and
// translates server-sent-event chunks into pipeline.LLMEvent. It is
// shared by OpenAILLM and GroqLLM since both speak the same wire format.
func streamOpenAICompatible(ctx context.Context, url, apiKey, model string, messages []pipeline.Message, tools []pipeline.Tool) (<-chan pipeline.LLMEvent, error) {
	payload := map[string]any{
		"model":    model,
		"messages": toOpenAIMessages(messages),
		"stream":   true,
	}
	if defs := toOpenAITools(tools); defs != nil {
		payload["tools"] = defs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("llm error (status %d): %v", resp.StatusCode, errResp)
	}

	events := make(chan pipeline.LLMEvent, 32)
	// toolCallNames tracks each tool call's name by id so a later
	// fragment-only delta (arguments with no name) still reports one.
	toolCallIDByIndex := map[int]string{}
	toolCallNames := map[string]string{}

	go func() {
		defer resp.Body.Close()
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				events <- pipeline.LLMEvent{Variant: pipeline.VariantClosed}
				return
			}
			var chunk openAICompatDelta
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				select {
				case events <- pipeline.LLMEvent{Variant: pipeline.VariantFinal, TextDelta: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				id := tc.ID
				if id == "" {
					id = toolCallIDByIndex[tc.Index]
				} else {
					toolCallIDByIndex[tc.Index] = id
				}
				if tc.Function.Name != "" {
					toolCallNames[id] = tc.Function.Name
				}
				select {
				case events <- pipeline.LLMEvent{
					Variant:      pipeline.VariantFinal,
					ToolCallID:   id,
					ToolCallName: toolCallNames[id],
					ArgsDelta:    tc.Function.Arguments,
				}:
				case <-ctx.Done():
					return
				}
			}
			if choice.FinishReason == "tool_calls" {
				for id := range toolCallNames {
					select {
					case events <- pipeline.LLMEvent{Variant: pipeline.VariantFinal, ToolCallID: id, ToolCallName: toolCallNames[id], ToolCallDone: true}:
					case <-ctx.Done():
						return
					}
				}
			}
			if choice.FinishReason == "stop" || choice.FinishReason == "length" {
				events <- pipeline.LLMEvent{Variant: pipeline.VariantClosed}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case events <- pipeline.LLMEvent{Variant: pipeline.VariantError, Err: err}:
			default:
			}
		}
	}()

	return events, nil
}
