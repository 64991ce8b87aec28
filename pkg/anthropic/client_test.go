package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// messagesServer answers POST /v1/messages with reply and records the
// decoded request body.
func messagesServer(t *testing.T, status int, reply any) (*httptest.Server, *map[string]any) {
	t.Helper()
	got := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func testClient(url string) Client {
	return NewClient("test-key", option.WithBaseURL(url), option.WithMaxRetries(0))
}

func TestCreateMessage_DetectorCall(t *testing.T) {
	srv, got := messagesServer(t, http.StatusOK, map[string]any{
		"id":   "msg_01",
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": `{"has_hallucinations": false,`},
			{"type": "text", "text": ` "accuracy_score": 96}`},
		},
		"model":       "claude-haiku-4-5-20251001",
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":                1200,
			"output_tokens":               40,
			"cache_creation_input_tokens": 0,
			"cache_read_input_tokens":     900,
		},
	})

	temp := 0.0
	resp, err := testClient(srv.URL).CreateMessage(context.Background(), MessageRequest{
		Model:         "claude-haiku-4-5-20251001",
		MaxTokens:     512,
		System:        CachedSystem("You audit what an AI assistant said.", ""),
		Messages:      []Message{{Role: "user", Content: "Company: Acme"}},
		Temperature:   &temp,
		StopSequences: []string{"\n```"},
	})
	require.NoError(t, err)

	assert.Equal(t, "msg_01", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, `{"has_hallucinations": false, "accuracy_score": 96}`, resp.Text())
	assert.Equal(t, int64(900), resp.Usage.CacheReadInputTokens)
	assert.Equal(t, int64(40), resp.Usage.OutputTokens)

	body := *got
	assert.InDelta(t, 512, body["max_tokens"], 0.1)
	assert.InDelta(t, 0, body["temperature"], 0.001)
	assert.Equal(t, []any{"\n```"}, body["stop_sequences"])

	system, ok := body["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	block := system[0].(map[string]any)
	assert.Equal(t, "You audit what an AI assistant said.", block["text"])
	cc := block["cache_control"].(map[string]any)
	assert.Equal(t, "ephemeral", cc["type"])
	assert.Equal(t, "5m", cc["ttl"])

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestCreateMessage_AssistantTurnAndNoSystem(t *testing.T) {
	srv, got := messagesServer(t, http.StatusOK, map[string]any{
		"id": "msg_02", "type": "message", "role": "assistant",
		"content":     []map[string]any{{"type": "text", "text": "ok"}},
		"model":       "claude-haiku-4-5-20251001",
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
	})

	_, err := testClient(srv.URL).CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		Messages: []Message{
			{Role: "user", Content: "Rate the sentiment."},
			{Role: "assistant", Content: "{"},
		},
	})
	require.NoError(t, err)

	body := *got
	assert.NotContains(t, body, "system")
	assert.NotContains(t, body, "temperature")
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
}

func TestCreateMessage_APIError(t *testing.T) {
	srv, _ := messagesServer(t, http.StatusUnauthorized, map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "authentication_error", "message": "invalid x-api-key"},
	})

	_, err := testClient(srv.URL).CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")
}

func TestCachedSystem(t *testing.T) {
	blocks := CachedSystem("Extract brands.", "1h")
	require.Len(t, blocks, 1)
	assert.Equal(t, "Extract brands.", blocks[0].Text)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)

	assert.Equal(t, DefaultCacheTTL, CachedSystem("x", "")[0].CacheControl.TTL)
}

func TestMessageResponse_Text(t *testing.T) {
	var nilResp *MessageResponse
	assert.Empty(t, nilResp.Text())

	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "Acme"},
		{Type: "tool_use", Text: "ignored"},
		{Text: " CRM"},
	}}
	assert.Equal(t, "Acme CRM", resp.Text())
}
