package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
)

func newOpenAITestServer(t *testing.T, onChat func(body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model","created":1,"owned_by":"openai"}]}`))
		case "/v1/chat/completions":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if onChat != nil {
				onChat(body)
			}
			w.Write([]byte(`{
				"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
				"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"results\":[]}"}}],
				"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEngine_ChatWithSchema(t *testing.T) {
	var got map[string]any
	srv := newOpenAITestServer(t, func(body map[string]any) { got = body })

	e := NewOpenAIEngine("sk-test", srv.URL+"/v1", option.WithMaxRetries(0))
	schema := map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}
	out, err := e.Chat(context.Background(), "gpt-4o-mini", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}, schema)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != `{"results":[]}` {
		t.Errorf("content = %q", out)
	}

	rf, ok := got["response_format"].(map[string]any)
	if !ok {
		t.Fatalf("response_format missing from request: %v", got)
	}
	if rf["type"] != "json_schema" {
		t.Errorf("response_format.type = %v, want json_schema", rf["type"])
	}
	js, _ := rf["json_schema"].(map[string]any)
	if js["name"] != schemaName || js["strict"] != true {
		t.Errorf("json_schema = %v", js)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("sent %d messages, want 2", len(msgs))
	}
}

func TestOpenAIEngine_ChatPlain(t *testing.T) {
	var got map[string]any
	srv := newOpenAITestServer(t, func(body map[string]any) { got = body })

	e := NewOpenAIEngine("sk-test", srv.URL+"/v1", option.WithMaxRetries(0))
	if _, err := e.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}}, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, ok := got["response_format"]; ok {
		t.Error("response_format sent without a schema")
	}
}

func TestOpenAIEngine_Models(t *testing.T) {
	srv := newOpenAITestServer(t, nil)
	e := NewOpenAIEngine("sk-test", srv.URL+"/v1", option.WithMaxRetries(0))

	if !e.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
	if !e.HasModel(context.Background(), "gpt-4o-mini") {
		t.Error("HasModel(gpt-4o-mini) = false")
	}
	if e.HasModel(context.Background(), "claude") {
		t.Error("HasModel(claude) = true")
	}
	if err := e.PullModel(context.Background(), "gpt-4o-mini", nil); err == nil {
		t.Error("PullModel should fail for hosted models")
	}
}

func TestOpenAIEngine_ChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	e := NewOpenAIEngine("sk-bad", srv.URL+"/v1", option.WithMaxRetries(0))
	if _, err := e.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}}, nil); err == nil {
		t.Fatal("expected error on 401")
	}
}
