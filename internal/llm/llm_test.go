package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sidekick/internal/prompt"
	"sidekick/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

var history = []prompt.Message{
	{Role: prompt.RoleUser, Text: "hi"},
	{Role: prompt.RoleAI, Text: "hello"},
	{Role: prompt.RoleUser, Text: "summarize"},
}

func TestDeepSeekMessages(t *testing.T) {
	msgs := DeepSeekMessages("be brief", history)
	require.Len(t, msgs, 4)
	assert.Equal(t, chatMessage{Role: "system", Content: "be brief"}, msgs[0])
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "summarize", msgs[3].Content)

	assert.Len(t, DeepSeekMessages("", history), 3)
}

func TestGeminiContents(t *testing.T) {
	contents := GeminiContents(history)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "hello", contents[1].Parts[0].Text)
}

func sseServer(t *testing.T, check func(*http.Request, chatRequest), lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if check != nil {
			check(r, req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
}

func TestDeepSeekStream(t *testing.T) {
	srv := sseServer(t, func(r *http.Request, req chatRequest) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.True(t, req.Stream)
		assert.Equal(t, "deepseek-chat", req.Model)
		assert.Equal(t, "system", req.Messages[0].Role)
	},
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`: keep-alive`,
		`data: not json`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{}}]}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
	)
	defer srv.Close()

	c := NewDeepSeekClient("sk-test", srv.URL, 5*time.Second)
	content, errs := c.Stream(context.Background(), Request{Model: "deepseek-chat", History: history, System: "sys"})

	var partials []string
	full, err := Collect(content, errs, func(s string) { partials = append(partials, s) })
	require.NoError(t, err)
	assert.Equal(t, "Hello", full)
	assert.Equal(t, []string{"Hel", "Hello"}, partials)
}

func TestDeepSeekStream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	content, errs := NewDeepSeekClient("sk-bad", srv.URL, time.Second).Stream(context.Background(), Request{Model: "deepseek-chat"})
	_, err := Collect(content, errs, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DeepSeek Error (401)")
}

func TestDeepSeekStream_APIErrorChunk(t *testing.T) {
	srv := sseServer(t, nil, `data: {"error":{"message":"overloaded"}}`)
	defer srv.Close()

	content, errs := NewDeepSeekClient("sk", srv.URL, time.Second).Stream(context.Background(), Request{Model: "deepseek-chat"})
	_, err := Collect(content, errs, nil)
	assert.EqualError(t, err, "API error: overloaded")
}

func TestDeepSeekStream_MissingKey(t *testing.T) {
	content, errs := NewDeepSeekClient("", "", time.Second).Stream(context.Background(), Request{})
	_, err := Collect(content, errs, nil)
	assert.ErrorIs(t, err, ErrMissingKey)
}

type staticKeys struct {
	keys vault.Keys
	ok   bool
}

func (s staticKeys) Keys() (vault.Keys, bool) { return s.keys, s.ok }

func TestRouter(t *testing.T) {
	srv := sseServer(t, nil, `data: {"choices":[{"delta":{"content":"ok"}}]}`, `data: [DONE]`)
	defer srv.Close()

	r := NewRouter(staticKeys{keys: vault.Keys{DeepSeek: "sk"}, ok: true}, RouterConfig{DeepSeekBaseURL: srv.URL, Timeout: time.Second})
	content, errs := r.Stream(context.Background(), Request{Model: "deepseek-chat"})
	full, err := Collect(content, errs, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", full)

	// Gemini model without a Gemini key.
	content, errs = r.Stream(context.Background(), Request{Model: "gemini-2.5-flash"})
	_, err = Collect(content, errs, nil)
	assert.ErrorIs(t, err, ErrMissingKey)

	locked := NewRouter(staticKeys{}, RouterConfig{})
	content, errs = locked.Stream(context.Background(), Request{Model: "deepseek-chat"})
	_, err = Collect(content, errs, nil)
	assert.True(t, errors.Is(err, ErrMissingKey))
}

func TestIsGemini(t *testing.T) {
	assert.True(t, IsGemini("gemini-2.5-pro"))
	assert.False(t, IsGemini("deepseek-reasoner"))
}
