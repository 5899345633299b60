package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompleteWithSystemSendsMessagesAndParsesResponse(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: "package main"}}},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{APIKey: "k", BaseURL: srv.URL, Model: "test-model"})
	out, err := c.CompleteWithSystem(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	require.Equal(t, "package main", out)
	require.Equal(t, "test-model", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	require.Equal(t, "system", gotReq.Messages[0].Role)
}

func TestCompleteRejectsMissingAPIKey(t *testing.T) {
	c := NewHTTPClient(HTTPConfig{BaseURL: "http://unused"})
	_, err := c.Complete(context.Background(), "hi")
	require.Error(t, err)
}

func TestCompleteDoesNotRetryOnAuthFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	_, err := c.Complete(context.Background(), "hi")
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
