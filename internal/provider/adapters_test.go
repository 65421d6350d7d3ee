package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ShayCichocki/foreman/internal/reliability"
)

func TestOpenAIClient_Call(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{
			"id":"chatcmpl-1","model":"gpt-4.1",
			"choices":[{"finish_reason":"tool_calls","message":{"role":"assistant","content":null,
				"tool_calls":[{"id":"call_a","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"a.txt\"}"}}]}}],
			"usage":{"prompt_tokens":12,"completion_tokens":7}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	resp, err := c.Call(context.Background(), Request{
		Model:    "gpt-4.1",
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "read a.txt"}},
		Tools:    []ToolSpec{{Name: "read_file", Properties: map[string]any{"path": map[string]any{"type": "string"}}, Required: []string{"path"}}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("unexpected request messages: %+v", got.Messages)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "read_file" {
		t.Errorf("unexpected request tools: %+v", got.Tools)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_a" || string(resp.ToolCalls[0].Input) != `{"path":"a.txt"}` {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Payload.Kind != PayloadOpenAI || resp.Payload.OpenAI == nil || resp.Payload.OpenAI.ID != "chatcmpl-1" {
		t.Errorf("unexpected payload %+v", resp.Payload)
	}
}

func TestOpenAIClient_ToolResultsBecomeToolMessages(t *testing.T) {
	msgs := toOpenAIMessages("", []Message{
		{Role: RoleUser, Content: "go"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "list_dir", Input: json.RawMessage(`{}`)}}},
		{Role: RoleUser, ToolResults: []ToolResult{{CallID: "c1", Name: "list_dir", Content: "a.txt"}}},
	})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 1 || msgs[1].Content != nil {
		t.Errorf("unexpected assistant message %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "c1" || *msgs[2].Content != "a.txt" {
		t.Errorf("unexpected tool message %+v", msgs[2])
	}
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		rateLimit    bool
		nonRetryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests"}}`, true, false},
		{"bad key", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`, false, true},
		{"server error", http.StatusBadGateway, `upstream down`, false, false},
		{"unknown model", http.StatusNotFound, `{"error":{"message":"model not found","type":"invalid_request_error"}}`, false, true},
		{"request timeout", http.StatusRequestTimeout, `slow`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL})
			_, err := c.Call(context.Background(), Request{Model: "gpt-4.1", Messages: []Message{{Role: RoleUser, Content: "x"}}})
			var callErr *reliability.ProviderCallError
			if !errors.As(err, &callErr) {
				t.Fatalf("expected ProviderCallError, got %v", err)
			}
			if callErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", callErr.StatusCode, tt.status)
			}
			if reliability.IsRateLimit(err) != tt.rateLimit {
				t.Errorf("IsRateLimit = %v, want %v", !tt.rateLimit, tt.rateLimit)
			}
			if reliability.IsNonRetryable(err) != tt.nonRetryable {
				t.Errorf("IsNonRetryable = %v, want %v", !tt.nonRetryable, tt.nonRetryable)
			}
		})
	}
}

func TestOpenAIClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"gpt-4.1"},{"id":"text-embedding-3-small"}]}`)
	}))
	defer srv.Close()

	ids, err := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL}).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(ids) != 2 || ids[0] != "gpt-4.1" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestGeminiClient_Call(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{
			"candidates":[{"finishReason":"STOP","content":{"role":"model","parts":[
				{"text":"looking "},
				{"functionCall":{"name":"list_dir","args":{"path":"."}}},
				{"text":"now"}]}}],
			"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":4}}`)
	}))
	defer srv.Close()

	c := NewGeminiClient(GeminiConfig{APIKey: "g-key", BaseURL: srv.URL})
	resp, err := c.Call(context.Background(), Request{
		Model:    "models/gemini-2.5-flash",
		System:   "sys",
		Messages: []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "sys" {
		t.Errorf("system instruction not sent: %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 2 || got.Contents[1].Role != "model" {
		t.Errorf("unexpected contents %+v", got.Contents)
	}
	if resp.Content != "looking now" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Model != "gemini-2.5-flash" {
		t.Errorf("expected model to default to request model, got %q", resp.Model)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_1" || resp.ToolCalls[0].Name != "list_dir" {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 20 || resp.Usage.OutputTokens != 4 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestGeminiClient_QuotaIsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	_, err := NewGeminiClient(GeminiConfig{BaseURL: srv.URL}).Call(context.Background(), Request{Model: "gemini-2.5-pro"})
	if !reliability.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if !strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		t.Errorf("expected vendor status in message, got %v", err)
	}
}

func TestGeminiClient_ListModelsFiltersMethods(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"models":[
			{"name":"models/gemini-2.5-pro","supportedGenerationMethods":["generateContent","countTokens"]},
			{"name":"models/embedding-001","supportedGenerationMethods":["embedContent"]}]}`)
	}))
	defer srv.Close()

	ids, err := NewGeminiClient(GeminiConfig{BaseURL: srv.URL}).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(ids) != 1 || ids[0] != "gemini-2.5-pro" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestAnthropicClient_Call(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929",
			"content":[
				{"type":"text","text":"reading"},
				{"type":"tool_use","id":"toolu_1","name":"read_file","input":{"path":"go.mod"}}],
			"stop_reason":"tool_use","stop_sequence":null,
			"usage":{"input_tokens":30,"output_tokens":9}}`)
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(context.Background(), AnthropicConfig{APIKey: "ak", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}
	resp, err := c.Call(context.Background(), Request{
		Model:    "claude-sonnet-4-5-20250929",
		System:   "sys",
		Messages: []Message{{Role: RoleUser, Content: "read go.mod"}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if body["model"] != "claude-sonnet-4-5-20250929" {
		t.Errorf("unexpected model in request: %v", body["model"])
	}
	if resp.Content != "reading" || resp.StopReason != "tool_use" {
		t.Errorf("unexpected response %q %q", resp.Content, resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "toolu_1" || resp.ToolCalls[0].Name != "read_file" {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 30 || resp.Usage.OutputTokens != 9 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if resp.Payload.Kind != PayloadAnthropic || resp.Payload.Anthropic == nil {
		t.Errorf("unexpected payload %+v", resp.Payload)
	}
}

func TestAnthropicClient_RateLimitedNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(context.Background(), AnthropicConfig{APIKey: "ak", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Call(context.Background(), Request{Model: "claude-haiku-4-5-20251001", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if !reliability.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("expected exactly one attempt, got %d", n)
	}
}

func TestAnthropicClient_RequiresKey(t *testing.T) {
	if _, err := NewAnthropicClient(context.Background(), AnthropicConfig{Name: "anthropic"}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := map[string]string{
		"claude-sonnet-4-5-20250929":                  "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		"us.anthropic.claude-haiku-4-5-20251001-v1:0": "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		"claude-future-9":                             "us.anthropic.claude-future-9-v1:0",
	}
	for in, want := range tests {
		if got := translateModelForBedrock(in); got != want {
			t.Errorf("translateModelForBedrock(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStaticClient(t *testing.T) {
	c := NewStaticClient("", nil)
	if c.Name() != "static" {
		t.Errorf("default name = %q", c.Name())
	}
	resp, err := c.Call(context.Background(), Request{Model: "static-echo", Messages: []Message{{Role: RoleUser, Content: "ping"}}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "acknowledged: ping" || resp.Payload.Kind != PayloadStatic {
		t.Errorf("unexpected response %+v", resp)
	}

	scripted := NewStaticClient("fake", func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: "scripted"}, nil
	})
	resp, _ = scripted.Call(context.Background(), Request{})
	if resp.Payload.Static == nil || resp.Payload.Static.Echo != "scripted" {
		t.Errorf("expected payload filled in, got %+v", resp.Payload)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := scripted.Call(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if scripted.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", scripted.Calls())
	}
}
