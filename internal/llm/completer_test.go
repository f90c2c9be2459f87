package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemail/mailsync/internal/config"
	"github.com/hivemail/mailsync/internal/store"
)

func TestNewWithoutKeyDisablesCompletions(t *testing.T) {
	c, err := New(config.LLMConfig{Provider: "gemini"})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(config.LLMConfig{Provider: "mystery", APIKey: "k"})
	assert.Error(t, err)
}

func TestGeminiComplete(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": "a summary"}}}},
			},
		})
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "gemini", APIKey: "key-1", BaseURL: srv.URL, Model: "gemini-2.5-flash"})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "system", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, "a summary", out)
	assert.Equal(t, "/models/gemini-2.5-flash:generateContent", gotPath)
	assert.Equal(t, "key-1", gotKey)
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key-2", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"role":"system"`)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "done"}},
			},
		})
	}))
	defer srv.Close()

	c, err := New(config.LLMConfig{Provider: "openai", APIKey: "key-2", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "system", "user", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

type fakeCompleter struct {
	lastUser string
	reply    string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string, schema json.RawMessage) (string, error) {
	f.lastUser = user
	return f.reply, nil
}

func (f *fakeCompleter) Model() string { return "fake-model" }

type fakeThreadStore struct {
	messages  []store.ThreadMessage
	summaries map[string]string
}

func (f *fakeThreadStore) ThreadMessages(ctx context.Context, userID, threadID string) ([]store.ThreadMessage, error) {
	return f.messages, nil
}

func (f *fakeThreadStore) SaveThreadSummary(ctx context.Context, userID, threadID, summary, model string) error {
	f.summaries[threadID] = summary
	return nil
}

func TestSummarizeThread(t *testing.T) {
	ts := &fakeThreadStore{
		messages: []store.ThreadMessage{
			{FromEmail: "a@example.com", Subject: "Planning", BodyText: "Can we meet Tuesday?"},
			{FromEmail: "b@example.com", Subject: "Re: Planning", BodyText: "Tuesday works."},
		},
		summaries: map[string]string{},
	}
	completer := &fakeCompleter{reply: "They agreed to meet Tuesday."}
	s := &Summarizer{Completer: completer, Store: ts, Log: zerolog.Nop()}

	require.NoError(t, s.SummarizeThread(context.Background(), "user-1", "thread-1"))
	assert.Equal(t, "They agreed to meet Tuesday.", ts.summaries["thread-1"])
	assert.Contains(t, completer.lastUser, "Can we meet Tuesday?")
	assert.Contains(t, completer.lastUser, "Tuesday works.")
}

func TestSummarizeEmptyThreadIsNoop(t *testing.T) {
	ts := &fakeThreadStore{summaries: map[string]string{}}
	s := &Summarizer{Completer: &fakeCompleter{reply: "x"}, Store: ts, Log: zerolog.Nop()}

	require.NoError(t, s.SummarizeThread(context.Background(), "user-1", "thread-1"))
	assert.Empty(t, ts.summaries)
}
