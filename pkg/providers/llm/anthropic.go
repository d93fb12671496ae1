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

type AnthropicLLM struct {
	apiKey string
	url    string
	model  string
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
	}
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}

type anthropicToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

func toAnthropicTools(tools []pipeline.Tool) []anthropicToolDef {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicToolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropicToolDef{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

func toAnthropicMessages(messages []pipeline.Message) (system string, out []map[string]any) {
	for _, m := range messages {
		switch m.Role {
		case pipeline.RoleSystem:
			system = m.Content
		case pipeline.RoleTool:
			out = append(out, map[string]any{
				"role": "user",
				"content": []map[string]any{
					{"type": "tool_result", "tool_use_id": m.ToolCallID, "content": m.Content},
				},
			})
		default:
			out = append(out, map[string]any{"role": string(m.Role), "content": m.Content})
		}
	}
	return system, out
}

// anthropicSSEEvent covers the subset of the Messages-API streaming
// event shapes this driver needs: text deltas and tool-use input deltas.
type anthropicSSEEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

// StreamComplete opens an Anthropic Messages-API streaming request and
// translates its SSE event sequence into pipeline.LLMEvent deltas, per
// §4.E's token-delta / tool-call-delta / terminal-marker contract.
func (l *AnthropicLLM) StreamComplete(ctx context.Context, messages []pipeline.Message, tools []pipeline.Tool) (<-chan pipeline.LLMEvent, error) {
	system, anthropicMessages := toAnthropicMessages(messages)

	payload := map[string]any{
		"model":      l.model,
		"messages":   anthropicMessages,
		"max_tokens": 1024,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
	}
	if defs := toAnthropicTools(tools); defs != nil {
		payload["tools"] = defs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("anthropic llm error (status %d): %v", resp.StatusCode, errResp)
	}

	events := make(chan pipeline.LLMEvent, 32)
	blockKind := map[int]string{}   // index -> "text" | "tool_use"
	blockToolID := map[int]string{}
	blockToolName := map[int]string{}

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
			var evt anthropicSSEEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				continue
			}
			switch evt.Type {
			case "content_block_start":
				blockKind[evt.Index] = evt.ContentBlock.Type
				if evt.ContentBlock.Type == "tool_use" {
					blockToolID[evt.Index] = evt.ContentBlock.ID
					blockToolName[evt.Index] = evt.ContentBlock.Name
				}
			case "content_block_delta":
				switch evt.Delta.Type {
				case "text_delta":
					select {
					case events <- pipeline.LLMEvent{Variant: pipeline.VariantFinal, TextDelta: evt.Delta.Text}:
					case <-ctx.Done():
						return
					}
				case "input_json_delta":
					select {
					case events <- pipeline.LLMEvent{
						Variant:      pipeline.VariantFinal,
						ToolCallID:   blockToolID[evt.Index],
						ToolCallName: blockToolName[evt.Index],
						ArgsDelta:    evt.Delta.PartialJSON,
					}:
					case <-ctx.Done():
						return
					}
				}
			case "content_block_stop":
				if blockKind[evt.Index] == "tool_use" {
					select {
					case events <- pipeline.LLMEvent{
						Variant:      pipeline.VariantFinal,
						ToolCallID:   blockToolID[evt.Index],
						ToolCallName: blockToolName[evt.Index],
						ToolCallDone: true,
					}:
					case <-ctx.Done():
						return
					}
				}
			case "message_stop":
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
