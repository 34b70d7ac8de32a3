package llm

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

	"sidekick/internal/logging"
	"sidekick/internal/prompt"
)

// DefaultDeepSeekURL is the DeepSeek API root.
const DefaultDeepSeekURL = "https://api.deepseek.com"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// DeepSeekClient streams from an OpenAI-compatible chat completions endpoint.
type DeepSeekClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewDeepSeekClient creates a client. An empty baseURL uses DefaultDeepSeekURL.
func NewDeepSeekClient(apiKey, baseURL string, timeout time.Duration) *DeepSeekClient {
	if baseURL == "" {
		baseURL = DefaultDeepSeekURL
	}
	return &DeepSeekClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// DeepSeekMessages maps chat history to chat messages with the system
// instruction first ("ai" becomes "assistant").
func DeepSeekMessages(system string, history []prompt.Message) []chatMessage {
	msgs := make([]chatMessage, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	for _, m := range history {
		role := "assistant"
		if m.Role == prompt.RoleUser {
			role = "user"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Text})
	}
	return msgs
}

func (c *DeepSeekClient) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	if c.apiKey == "" {
		return failed(fmt.Errorf("DeepSeek %w", ErrMissingKey))
	}

	content := make(chan string, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(content)
		defer close(errs)

		start := time.Now()
		logging.APIDebug("[DeepSeek] stream: model=%s messages=%d", req.Model, len(req.History))

		body, err := json.Marshal(chatRequest{
			Model:    req.Model,
			Messages: DeepSeekMessages(req.System, req.History),
			Stream:   true,
		})
		if err != nil {
			errs <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			errs <- fmt.Errorf("DeepSeek Error (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				break
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				errs <- fmt.Errorf("API error: %s", chunk.Error.Message)
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case content <- chunk.Choices[0].Delta.Content:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("stream error: %w", err)
			return
		}
		logging.API("[DeepSeek] stream completed in %v", time.Since(start))
	}()

	return content, errs
}
