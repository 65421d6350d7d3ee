package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// OpenAIPayload is the raw chat-completions response.
type OpenAIPayload struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	Tools     []openAITool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

// OpenAIClient speaks the OpenAI chat-completions protocol, which many
// hosted and self-hosted backends also implement.
type OpenAIClient struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewOpenAIClient creates an OpenAI-compatible adapter.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = defaultHTTPClient
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIClient{name: name, apiKey: cfg.APIKey, baseURL: base, http: hc}
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Call sends one chat-completions request.
func (c *OpenAIClient) Call(ctx context.Context, req Request) (*Response, error) {
	body := openAIRequest{
		Model:     req.Model,
		Messages:  toOpenAIMessages(req.System, req.Messages),
		MaxTokens: req.MaxTokens,
	}
	for _, s := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  jsonSchemaObject(s),
			},
		})
	}

	var payload OpenAIPayload
	if err := doJSON(ctx, c.http, c.name, http.MethodPost, c.baseURL+"/chat/completions", c.headers(), body, &payload); err != nil {
		return nil, err
	}
	return parseOpenAIResponse(&payload), nil
}

// ListModels lists models from the /models endpoint.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]string, error) {
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(ctx, c.http, c.name, http.MethodGet, c.baseURL+"/models", c.headers(), nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func toOpenAIMessages(system string, msgs []Message) []openAIMessage {
	var out []openAIMessage
	if system != "" {
		out = append(out, openAIMessage{Role: "system", Content: strPtr(system)})
	}
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			am := openAIMessage{Role: "assistant"}
			if m.Content != "" {
				am.Content = strPtr(m.Content)
			}
			for _, tc := range m.ToolCalls {
				call := openAIToolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = string(tc.Input)
				am.ToolCalls = append(am.ToolCalls, call)
			}
			out = append(out, am)
			continue
		}
		for _, tr := range m.ToolResults {
			out = append(out, openAIMessage{Role: "tool", ToolCallID: tr.CallID, Content: strPtr(tr.Content)})
		}
		if m.Content != "" {
			out = append(out, openAIMessage{Role: "user", Content: strPtr(m.Content)})
		}
	}
	return out
}

func parseOpenAIResponse(p *OpenAIPayload) *Response {
	resp := &Response{
		Model: p.Model,
		Usage: Usage{
			InputTokens:  p.Usage.PromptTokens,
			OutputTokens: p.Usage.CompletionTokens,
		},
		Payload: Payload{Kind: PayloadOpenAI, OpenAI: p},
	}
	if len(p.Choices) == 0 {
		return resp
	}
	choice := p.Choices[0]
	resp.StopReason = choice.FinishReason
	if choice.Message.Content != nil {
		resp.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return resp
}

// jsonSchemaObject renders a ToolSpec as a JSON schema object.
func jsonSchemaObject(s ToolSpec) map[string]any {
	props := s.Properties
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(s.Required) > 0 {
		schema["required"] = s.Required
	}
	return schema
}

func strPtr(s string) *string { return &s }

var (
	_ Client  = (*OpenAIClient)(nil)
	_ Catalog = (*OpenAIClient)(nil)
)
