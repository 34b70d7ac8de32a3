package llm

import (
	"context"
	"fmt"
	"time"

	"sidekick/internal/logging"
	"sidekick/internal/prompt"

	"google.golang.org/genai"
)

// GeminiClient streams from the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a client for apiKey. baseURL overrides the API
// endpoint when set.
func NewGeminiClient(ctx context.Context, apiKey, baseURL string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini %w", ErrMissingKey)
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// GeminiContents maps chat history to Gemini contents ("ai" becomes "model").
func GeminiContents(history []prompt.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := genai.Role(genai.RoleModel)
		if m.Role == prompt.RoleUser {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	return contents
}

func (c *GeminiClient) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	content := make(chan string, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(content)
		defer close(errs)

		start := time.Now()
		logging.APIDebug("[Gemini] stream: model=%s messages=%d", req.Model, len(req.History))

		cfg := &genai.GenerateContentConfig{}
		if req.System != "" {
			cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
		}

		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, GeminiContents(req.History), cfg) {
			if err != nil {
				logging.Get(logging.CategoryAPI).Error("[Gemini] stream failed after %v: %v", time.Since(start), err)
				errs <- fmt.Errorf("Gemini error: %w", err)
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case content <- text:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		logging.API("[Gemini] stream completed in %v", time.Since(start))
	}()

	return content, errs
}
