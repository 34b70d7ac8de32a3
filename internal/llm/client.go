// Package llm streams chat completions from the supported providers.
package llm

import (
	"context"
	"errors"
	"strings"

	"sidekick/internal/prompt"
)

// ErrMissingKey is returned when the provider's API key is not available.
var ErrMissingKey = errors.New("API key missing")

// Request is one streamed completion.
type Request struct {
	Model   string
	History []prompt.Message
	System  string
}

// Client streams text deltas. The content channel closes when the stream
// ends; the error channel carries at most one error and is closed after it.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan string, <-chan error)
}

// IsGemini reports whether a model id is served by the Gemini API.
func IsGemini(model string) bool {
	return strings.HasPrefix(model, "gemini")
}

// Collect drains a stream, calling onDelta with the accumulated text after
// every delta. It returns the full text and the stream error, if any.
func Collect(content <-chan string, errs <-chan error, onDelta func(full string)) (string, error) {
	var b strings.Builder
	for delta := range content {
		b.WriteString(delta)
		if onDelta != nil {
			onDelta(b.String())
		}
	}
	for err := range errs {
		if err != nil {
			return b.String(), err
		}
	}
	return b.String(), nil
}

// failed returns a stream that yields only err.
func failed(err error) (<-chan string, <-chan error) {
	content := make(chan string)
	errs := make(chan error, 1)
	close(content)
	errs <- err
	close(errs)
	return content, errs
}
