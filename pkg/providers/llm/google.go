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

type GoogleLLM struct {
	apiKey string
	url    string
	model  string
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":streamGenerateContent",
		model:  model,
	}
}

func (l *GoogleLLM) Name() string {
	return "google-llm"
}

type googlePart struct {
	Text         string          `json:"text,omitempty"`
	FunctionCall *googleFuncCall `json:"functionCall,omitempty"`
}

type googleFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type googleMessage struct {
	Role  string       `json:"role"`
	Parts []googlePart `json:"parts"`
}

func toGoogleMessages(messages []pipeline.Message) (system string, out []googleMessage) {
	for _, m := range messages {
		switch m.Role {
		case pipeline.RoleSystem:
			system = m.Content
		case pipeline.RoleTool:
			out = append(out, googleMessage{Role: "function", Parts: []googlePart{{Text: m.Content}}})
		case pipeline.RoleAssistant:
			out = append(out, googleMessage{Role: "model", Parts: []googlePart{{Text: m.Content}}})
		default:
			out = append(out, googleMessage{Role: "user", Parts: []googlePart{{Text: m.Content}}})
		}
	}
	return system, out
}

func toGoogleTools(tools []pipeline.Tool) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return []map[string]any{{"functionDeclarations": decls}}
}

type googleStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// StreamComplete issues a streamGenerateContent?alt=sse request and
// translates Gemini's incremental candidate chunks into
// pipeline.LLMEvent text/tool-call deltas. Gemini reports a whole
// function call per chunk rather than incremental JSON fragments, so
// each functionCall part is emitted as a single args-delta immediately
// followed by its terminal marker.
func (l *GoogleLLM) StreamComplete(ctx context.Context, messages []pipeline.Message, tools []pipeline.Tool) (<-chan pipeline.LLMEvent, error) {
	system, googleMessages := toGoogleMessages(messages)

	payload := map[string]any{"contents": googleMessages}
	if system != "" {
		payload["systemInstruction"] = map[string]any{"parts": []map[string]string{{"text": system}}}
	}
	if defs := toGoogleTools(tools); defs != nil {
		payload["tools"] = defs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?alt=sse&key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("google llm error (status %d): %v", resp.StatusCode, errResp)
	}

	events := make(chan pipeline.LLMEvent, 32)
	toolCallSeq := 0

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
			var chunk googleStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			cand := chunk.Candidates[0]
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					select {
					case events <- pipeline.LLMEvent{Variant: pipeline.VariantFinal, TextDelta: part.Text}:
					case <-ctx.Done():
						return
					}
				}
				if part.FunctionCall != nil {
					toolCallSeq++
					id := fmt.Sprintf("google-call-%d", toolCallSeq)
					select {
					case events <- pipeline.LLMEvent{
						Variant:      pipeline.VariantFinal,
						ToolCallID:   id,
						ToolCallName: part.FunctionCall.Name,
						ArgsDelta:    string(part.FunctionCall.Args),
					}:
					case <-ctx.Done():
						return
					}
					select {
					case events <- pipeline.LLMEvent{Variant: pipeline.VariantFinal, ToolCallID: id, ToolCallName: part.FunctionCall.Name, ToolCallDone: true}:
					case <-ctx.Done():
						return
					}
				}
			}
			if cand.FinishReason != "" {
				events <- pipeline.LLMEvent{Variant: pipeline.VariantClosed}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case events <- pipeline.LLMEvent{Variant: pipeline.VariantError, Err: err}:
			default:
			}
			return
		}
		events <- pipeline.LLMEvent{Variant: pipeline.VariantClosed}
	}()

	return events, nil
}
