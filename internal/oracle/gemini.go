package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/cryptoscope/internal/config"
)

// geminiGenerator talks to the Gemini API through the official SDK.
type geminiGenerator struct {
	client *genai.Client
	logger *zap.Logger
}

func newGeminiGenerator(cfg config.OracleConfig, logger *zap.Logger) (generator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: creating gemini client: %w", err)
	}
	return &geminiGenerator{client: client, logger: logger}, nil
}

func (g *geminiGenerator) Generate(ctx context.Context, req generationRequest) (string, error) {
	genCfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.ForceJSON {
		genCfg.ResponseMIMEType = "application/json"
	}
	contents := []*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}

	var text string
	operation := func() error {
		resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, genCfg)
		if err != nil {
			return classifyAPIError(err)
		}
		text = resp.Text()
		if text == "" {
			return backoff.Permanent(fmt.Errorf("gemini returned an empty response"))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", fmt.Errorf("gemini generation failed after retries: %w", err)
	}
	return text, nil
}

func (g *geminiGenerator) Close() error {
	// The SDK client holds no closable resources.
	return nil
}
