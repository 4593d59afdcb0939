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

	"otto/internal/config"
	otterrors "otto/internal/errors"
	"otto/internal/logging"
	"otto/internal/observability"
)

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	metrics    *observability.MetricsCollector
}

// NewOpenAIClient builds a client against cfg. BaseURL defaults to the
// OpenAI endpoint; any OpenAI-compatible server (ollama, llama.cpp,
// openrouter) works through llm.base_url.
func NewOpenAIClient(cfg config.LLMConfig, logger logging.Logger, metrics *observability.MetricsCollector) Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openaiClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
		metrics:    metrics,
	}
}

func (c *openaiClient) Model() string { return c.model }

func (c *openaiClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.record(ctx, "error", start, nil)
		if ctx.Err() != nil {
			return nil, otterrors.OperationTimeout("llm chat", time.Since(start))
		}
		return nil, otterrors.NewTransientError(err, "llm request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		c.record(ctx, "error", start, nil)
		return nil, otterrors.NewTransientError(err, "read llm response")
	}

	if resp.StatusCode != http.StatusOK {
		c.record(ctx, fmt.Sprintf("http_%d", resp.StatusCode), start, nil)
		preview := strings.TrimSpace(string(raw))
		if len(preview) > 512 {
			preview = preview[:512]
		}
		err := fmt.Errorf("llm returned %d: %s", resp.StatusCode, preview)
		// 5xx and 429 are worth retrying; 4xx is a caller bug.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, otterrors.NewTransientError(err, "llm server error")
		}
		return nil, otterrors.NewPermanentError(err, "llm rejected request")
	}

	var out ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		c.record(ctx, "error", start, nil)
		return nil, otterrors.NewPermanentError(err, "unparseable llm response")
	}
	c.record(ctx, "ok", start, &out)
	c.logger.Debug("llm chat ok: model=%s tokens=%d elapsed=%s", out.Model, out.Usage.TotalTokens, time.Since(start))
	return &out, nil
}

func (c *openaiClient) record(ctx context.Context, status string, start time.Time, resp *ChatResponse) {
	if c.metrics == nil {
		return
	}
	in, out := 0, 0
	if resp != nil {
		in, out = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	c.metrics.RecordLLMRequest(ctx, c.model, status, time.Since(start), in, out)
}
