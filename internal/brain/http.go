package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPOptions configures an OpenAI-compatible chat completions client.
type HTTPOptions struct {
	URL         string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float64
	Stream      bool
}

// HTTPAdapter posts the conversation to a /chat/completions style endpoint.
type HTTPAdapter struct {
	url         string
	apiKey      string
	model       string
	temperature float64
	stream      bool
	client      *http.Client
}

func NewHTTPAdapter(opts HTTPOptions) *HTTPAdapter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPAdapter{
		url:         strings.TrimSpace(opts.URL),
		apiKey:      strings.TrimSpace(opts.APIKey),
		model:       strings.TrimSpace(opts.Model),
		temperature: opts.Temperature,
		stream:      opts.Stream,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type completionRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type completionChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Text string `json:"text"`
}

type completionResponse struct {
	Choices []completionChoice `json:"choices"`
}

func (a *HTTPAdapter) Complete(ctx context.Context, messages []Message) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: a.temperature,
		Stream:      a.stream,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") {
		return a.consumeSSE(res.Body)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return extractCompletion(body), nil
}

func (a *HTTPAdapter) consumeSSE(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		out.WriteString(deltaText([]byte(data)))
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func extractCompletion(body []byte) string {
	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err == nil && len(resp.Choices) > 0 {
		c := resp.Choices[0]
		if c.Message.Content != "" {
			return c.Message.Content
		}
		return c.Text
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		return extractText(obj)
	}
	return strings.TrimSpace(string(body))
}

func deltaText(data []byte) string {
	var resp completionResponse
	if err := json.Unmarshal(data, &resp); err == nil && len(resp.Choices) > 0 {
		c := resp.Choices[0]
		if c.Delta.Content != "" {
			return c.Delta.Content
		}
		if c.Message.Content != "" {
			return c.Message.Content
		}
		return c.Text
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		return extractText(obj)
	}
	return ""
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "content", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
