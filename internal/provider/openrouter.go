package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sgd/backend/internal/core"
)

// OpenRouterTransport speaks the OpenRouter-compatible REST surface:
// chat completions for text tasks and image generations for the image task.
type OpenRouterTransport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenRouterTransport creates the transport. The http.Client timeout stays
// generous; per-call deadlines come from the policy via context.
func NewOpenRouterTransport(baseURL, apiKey string) *OpenRouterTransport {
	return &OpenRouterTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (t *OpenRouterTransport) Invoke(ctx context.Context, model string, req *Request) (*Response, error) {
	if req.Task == TaskImage {
		return t.generateImages(ctx, model, req)
	}
	return t.chatCompletion(ctx, model, req)
}

func (t *OpenRouterTransport) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, core.NewError(core.KindProvider, "marshal provider request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, core.NewError(core.KindProvider, "build provider request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewError(core.KindProvider, "provider call failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 128<<20))
	if err != nil {
		return nil, core.NewError(core.KindProvider, "read provider response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, core.Errorf(core.KindProvider, "provider returned %d: %s",
			resp.StatusCode, truncate(string(raw), 512))
	}
	return raw, nil
}

func (t *OpenRouterTransport) chatCompletion(ctx context.Context, model string, req *Request) (*Response, error) {
	body := map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.Prompt},
		},
	}
	raw, err := t.post(ctx, "/api/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int     `json:"prompt_tokens"`
			CompletionTokens int     `json:"completion_tokens"`
			Cost             float64 `json:"cost"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, core.NewError(core.KindProvider, "parse chat completion", err)
	}
	if len(out.Choices) == 0 {
		return nil, core.Errorf(core.KindProvider, "empty choices from model %s", model)
	}

	return &Response{
		Text:             out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		CostUSD:          out.Usage.Cost,
	}, nil
}

func (t *OpenRouterTransport) generateImages(ctx context.Context, model string, req *Request) (*Response, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}
	body := map[string]interface{}{
		"model":           model,
		"prompt":          req.Prompt,
		"n":               count,
		"size":            fmt.Sprintf("%dx%d", req.Width, req.Height),
		"response_format": "b64_json",
	}
	raw, err := t.post(ctx, "/api/v1/images/generations", body)
	if err != nil {
		return nil, err
	}

	var out struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
		Usage struct {
			PromptTokens int     `json:"prompt_tokens"`
			Cost         float64 `json:"cost"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, core.NewError(core.KindProvider, "parse image generation", err)
	}

	images := make([]Image, 0, len(out.Data))
	for i, d := range out.Data {
		data, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, core.Errorf(core.KindProvider, "image %d is not valid base64", i)
		}
		images = append(images, Image{Data: data, Format: req.Format})
	}

	return &Response{
		Images:       images,
		PromptTokens: out.Usage.PromptTokens,
		CostUSD:      out.Usage.Cost,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
