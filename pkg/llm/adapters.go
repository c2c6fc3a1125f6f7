package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// errHTTPStatus carries the upstream status for retry classification.
type errHTTPStatus struct {
	Status int
	Body   string
}

func (e *errHTTPStatus) Error() string {
	return fmt.Sprintf("llm: upstream status %d", e.Status)
}

// tokenOverflow reports a 400 whose body blames the context window.
func (e *errHTTPStatus) tokenOverflow() bool {
	if e.Status != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "token") || strings.Contains(body, "context length")
}

// PickAdapter chooses the transport from the endpoint shape: OpenAI-
// compatible paths (/v1/...) go to vLLM chat, everything else to the
// TGI prompt-string API.
func PickAdapter(endpoint string, client *http.Client) Adapter {
	if strings.Contains(endpoint, "/v1") {
		return &VLLMAdapter{client: client}
	}
	return &TGIAdapter{client: client}
}

// VLLMAdapter speaks the OpenAI-compatible chat completions API.
type VLLMAdapter struct {
	client *http.Client
}

func (a *VLLMAdapter) Name() string { return "vllm" }

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (a *VLLMAdapter) Generate(ctx context.Context, endpoint, model string, req Request) (*RawResult, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: req.Messages, MaxTokens: req.MaxTokens})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal chat request: %w", err)
	}
	raw, err := a.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("llm: decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty choices")
	}
	return &RawResult{Text: parsed.Choices[0].Message.Content}, nil
}

func (a *VLLMAdapter) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	return doPost(ctx, a.client, endpoint, body)
}

// TGIAdapter speaks the text-generation-inference prompt API.
type TGIAdapter struct {
	client *http.Client
}

func (a *TGIAdapter) Name() string { return "tgi" }

type tgiRequest struct {
	Inputs     string `json:"inputs"`
	Parameters struct {
		MaxNewTokens int `json:"max_new_tokens"`
	} `json:"parameters"`
}

type tgiResponse struct {
	GeneratedText string `json:"generated_text"`
}

func (a *TGIAdapter) Generate(ctx context.Context, endpoint, model string, req Request) (*RawResult, error) {
	var prompt strings.Builder
	for _, m := range req.Messages {
		prompt.WriteString(m.Role)
		prompt.WriteString(": ")
		prompt.WriteString(m.Content)
		prompt.WriteString("\n")
	}
	var treq tgiRequest
	treq.Inputs = prompt.String()
	treq.Parameters.MaxNewTokens = req.MaxTokens
	body, err := json.Marshal(treq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal tgi request: %w", err)
	}
	raw, err := doPost(ctx, a.client, endpoint, body)
	if err != nil {
		return nil, err
	}
	var parsed tgiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Some deployments return a one-element array.
		var list []tgiResponse
		if err2 := json.Unmarshal(raw, &list); err2 != nil || len(list) == 0 {
			return nil, fmt.Errorf("llm: decode tgi response: %w", err)
		}
		parsed = list[0]
	}
	return &RawResult{Text: parsed.GeneratedText}, nil
}

func doPost(ctx context.Context, client *http.Client, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: post %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errHTTPStatus{Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
