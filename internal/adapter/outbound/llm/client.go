// Package llm adapts an OpenAI-compatible chat-completions endpoint as
// the natural-language policy judge and the activation clarity checker.
// Transient provider failures are retried with exponential backoff; when
// retries are exhausted the judge returns an INDETERMINATE judgment so
// enforcement fails closed instead of erroring.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegis-gateway/aegis/internal/config"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
	"github.com/aegis-gateway/aegis/internal/domain/policy"
	"github.com/aegis-gateway/aegis/internal/port/outbound"
)

const defaultBaseURL = "https://api.openai.com/v1"

// maxErrorBody bounds how much of a provider error response is kept for
// logs and reasons.
const maxErrorBody = 1024

// Client calls an OpenAI-compatible chat-completions API.
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	temperature  float64
	maxAttempts  int
	initialDelay time.Duration
	backoff      float64
	httpClient   *http.Client
	logger       *slog.Logger
}

// New creates a client from the LLM configuration.
func New(cfg config.LLMConfig, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	initialDelay := time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = 250 * time.Millisecond
	}
	backoff := cfg.RetryBackoffFactor
	if backoff < 1 {
		backoff = 2
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		temperature:  temperature,
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		backoff:      backoff,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With("component", "llm_judge"),
	}
}

var _ outbound.LLMJudge = (*Client)(nil)

// Judge evaluates the context against the policy's natural-language
// text. One schema-repair re-prompt is allowed when the model's reply
// does not validate; it counts as a provider call.
func (c *Client) Judge(ctx context.Context, pol *policy.Policy, dctx *decision.Context) (outbound.Judgment, error) {
	messages := []chatMessage{
		{Role: "system", Content: judgeSystemPrompt},
		{Role: "user", Content: judgeUserPrompt(pol, dctx)},
	}

	attempts := 0
	repaired := false
	var lastErr error
	for attempts < c.maxAttempts {
		if err := c.wait(ctx, attempts); err != nil {
			return outbound.Judgment{}, err
		}
		attempts++

		content, usage, err := c.complete(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return outbound.Judgment{}, ctx.Err()
			}
			if !transient(err) {
				lastErr = err
				break
			}
			c.logger.Warn("provider call failed, retrying",
				"policy_id", pol.ID, "attempt", attempts, "error", err)
			lastErr = err
			continue
		}

		verdict, err := parseVerdict(content)
		if err != nil {
			if !repaired && attempts < c.maxAttempts {
				// One repair round: show the model its own reply and the
				// validation error, then re-ask.
				repaired = true
				messages = append(messages,
					chatMessage{Role: "assistant", Content: content},
					chatMessage{Role: "user", Content: repairPrompt(err)},
				)
				c.logger.Warn("verdict failed validation, re-prompting",
					"policy_id", pol.ID, "error", err)
				continue
			}
			lastErr = err
			break
		}

		j := verdict.judgment()
		j.Model = c.model
		j.Attempts = attempts
		j.PromptTokens = usage.PromptTokens
		j.CompletionTokens = usage.CompletionTokens
		return j, nil
	}

	c.logger.Error("llm judgment unavailable",
		"policy_id", pol.ID, "attempts", attempts, "error", lastErr)
	return outbound.Judgment{
		Outcome:    decision.Indeterminate,
		Reason:     fmt.Sprintf("language-model judgment unavailable: %v", lastErr),
		Confidence: 0,
		Model:      c.model,
		Attempts:   attempts,
	}, nil
}

// CheckClarity reviews policy text for ambiguity before activation.
// Unlike Judge this returns errors: the policy store logs them and
// activates without the check.
func (c *Client) CheckClarity(ctx context.Context, text string) ([]string, error) {
	messages := []chatMessage{
		{Role: "system", Content: claritySystemPrompt},
		{Role: "user", Content: text},
	}
	content, _, err := c.complete(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("clarity check: %w", err)
	}

	var issues []string
	if err := json.Unmarshal([]byte(stripFences(content)), &issues); err != nil {
		return nil, fmt.Errorf("clarity check: undecodable reply: %w", err)
	}
	return issues, nil
}

// wait sleeps the backoff delay before retry attempts. The first attempt
// does not wait.
func (c *Client) wait(ctx context.Context, attempt int) error {
	if attempt == 0 {
		return nil
	}
	delay := c.initialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.backoff)
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

// statusError marks provider responses by HTTP status so retry logic can
// distinguish transient failures from rejections.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.status, e.body)
}

// transient reports whether the error is worth retrying: network
// failures, 5xx, and rate limiting. 4xx rejections are not.
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	return true
}

// complete performs one chat-completions call.
func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, chatUsage, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", chatUsage{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", chatUsage{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", chatUsage{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", chatUsage{}, &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", chatUsage{}, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", chatUsage{}, errors.New("no choices in response")
	}
	return result.Choices[0].Message.Content, result.Usage, nil
}
