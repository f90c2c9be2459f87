package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hivemail/mailsync/internal/config"
)

// Completer produces a text completion for a system/user prompt pair. A
// non-nil schema constrains the output to that JSON shape where the vendor
// supports structured responses.
type Completer interface {
	Complete(ctx context.Context, system, user string, schema json.RawMessage) (string, error)
	Model() string
}

// New selects the vendor client from config. A missing API key disables
// completions: callers get nil and skip the annotation step.
func New(cfg config.LLMConfig) (Completer, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "gemini":
		return &geminiClient{
			apiKey:  cfg.APIKey,
			baseURL: orDefault(cfg.BaseURL, "https://generativelanguage.googleapis.com/v1beta"),
			model:   orDefault(cfg.Model, "gemini-2.5-flash"),
			client:  &http.Client{Timeout: 60 * time.Second},
		}, nil
	case "openai":
		return &openAIClient{
			apiKey:  cfg.APIKey,
			baseURL: orDefault(cfg.BaseURL, "https://api.openai.com/v1"),
			model:   orDefault(cfg.Model, "gpt-4o-mini"),
			client:  &http.Client{Timeout: 60 * time.Second},
		}, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// geminiClient talks to the Gemini generateContent endpoint.
type geminiClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func (g *geminiClient) Model() string { return g.model }

func (g *geminiClient) Complete(ctx context.Context, system, user string, schema json.RawMessage) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)

	body := map[string]any{
		"system_instruction": map[string]any{
			"parts": []map[string]string{{"text": system}},
		},
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]string{{"text": user}}},
		},
	}
	if len(schema) > 0 {
		body["generationConfig"] = map[string]any{
			"response_mime_type": "application/json",
			"response_schema":    schema,
		}
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}

	if err := g.post(ctx, url, body, &result); err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("llm: empty completion")
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}

func (g *geminiClient) post(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llm: bad status %d: %s", resp.StatusCode, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// openAIClient talks to any OpenAI-compatible chat completions endpoint.
type openAIClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func (o *openAIClient) Model() string { return o.model }

func (o *openAIClient) Complete(ctx context.Context, system, user string, schema json.RawMessage) (string, error) {
	body := map[string]any{
		"model": o.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	if len(schema) > 0 {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": schema,
			},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("llm: bad status %d: %s", resp.StatusCode, string(raw))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("llm: empty completion")
	}
	return result.Choices[0].Message.Content, nil
}
