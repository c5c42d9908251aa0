package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cryptoscope/internal/config"
)

// Default base URLs for the OpenAI-compatible providers.
var providerBaseURLs = map[config.OracleProvider]string{
	config.ProviderQwen:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
	config.ProviderDeepSeek: "https://api.deepseek.com/v1",
	config.ProviderKimi:     "https://api.moonshot.cn/v1",
	config.ProviderOpenAI:   "https://api.openai.com/v1",
}

// compatGenerator speaks the OpenAI chat completions dialect, which the
// non-Gemini providers all expose.
type compatGenerator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func newCompatGenerator(cfg config.OracleConfig, logger *zap.Logger) (generator, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = providerBaseURLs[cfg.Provider]
	}
	if baseURL == "" {
		return nil, fmt.Errorf("oracle: provider %q requires base_url", cfg.Provider)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &compatGenerator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

func (g *compatGenerator) Generate(ctx context.Context, req generationRequest) (string, error) {
	payload := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
	}
	if req.ForceJSON {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	var text string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			g.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

		resp, err := g.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("chat completion request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			g.logger.Error("Chat API returned error status",
				zap.Int("status", resp.StatusCode),
				zap.String("response", truncateForLog(string(respBody))))
			return classifyStatus(resp.StatusCode,
				fmt.Errorf("chat API error: status %d, body: %s", resp.StatusCode, string(respBody)))
		}

		var parsed chatResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if parsed.Error != nil {
			return backoff.Permanent(fmt.Errorf("chat API error: %s", parsed.Error.Message))
		}
		if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
			return backoff.Permanent(fmt.Errorf("chat API returned no choices"))
		}
		text = parsed.Choices[0].Message.Content
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", fmt.Errorf("chat generation failed after retries: %w", err)
	}
	return text, nil
}

func (g *compatGenerator) Close() error {
	g.httpClient.CloseIdleConnections()
	return nil
}
