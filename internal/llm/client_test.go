package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(t *testing.T, text string) []byte {
	t.Helper()
	body, err := json.Marshal(chatResponse{
		ID: "cmpl-1",
		Choices: []chatChoice{
			{Index: 0, Message: chatMessage{Role: "assistant", Content: text}, FinishReason: "stop"},
		},
	})
	require.NoError(t, err)
	return body
}

func TestClientComplete(t *testing.T) {
	t.Parallel()

	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(completionBody(t, "Yes, the evidence supports it."))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, APIKey: "test-key", Model: "tgi", MaxTokens: 512})
	require.NoError(t, err)

	text, err := client.Complete(context.Background(), Request{
		System:      "You are a careful assistant.",
		Prompt:      "Does semaglutide reduce weight?",
		Temperature: 0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, "Yes, the evidence supports it.", text)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, "tgi", captured.Model)
	assert.Equal(t, 512, captured.MaxTokens)
	assert.InDelta(t, 0.1, captured.Temperature, 1e-9)
}

func TestClientCompleteNoSystemMessage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		_, _ = w.Write(completionBody(t, "ok"))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	text, err := client.Complete(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestClientCompleteHTTPError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"model is loading","type":"unavailable"}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{Prompt: "hello"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "model is loading", apiErr.Message)
	assert.True(t, apiErr.IsTransient())
	assert.True(t, apiErr.IsColdStart())
}

func TestClientCompleteNetworkError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{Prompt: "hello"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 0, apiErr.StatusCode)
	assert.True(t, apiErr.IsTransient())
	assert.False(t, apiErr.IsColdStart())
}

func TestClientCompleteEmptyChoices(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[]}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{Prompt: "hello"})
	assert.ErrorContains(t, err, "empty choices")
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{})
	assert.Error(t, err)
}
