package provider

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrCatalogUnsupported is returned by adapters that cannot list models.
var ErrCatalogUnsupported = errors.New("model catalog not supported")

// Client is the adapter every backend implements. Each adapter converts the
// normalized Request into its vendor wire format and parses the vendor
// response back into a Response.
type Client interface {
	// Name returns the provider name the client was built for.
	Name() string
	// Call performs one model invocation.
	Call(ctx context.Context, req Request) (*Response, error)
}

// Catalog is implemented by adapters that can list available models.
type Catalog interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the output of a tool call fed back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one turn of a conversation.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSpec declares a tool to the model as a JSON schema object.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Request is a provider-neutral model invocation.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// PayloadKind discriminates Payload.
type PayloadKind string

const (
	PayloadAnthropic PayloadKind = "anthropic"
	PayloadOpenAI    PayloadKind = "openai"
	PayloadGemini    PayloadKind = "gemini"
	PayloadStatic    PayloadKind = "static"
)

// Payload carries the raw vendor response. Exactly one field matching Kind is set.
type Payload struct {
	Kind      PayloadKind
	Anthropic *AnthropicPayload
	OpenAI    *OpenAIPayload
	Gemini    *GeminiPayload
	Static    *StaticPayload
}

// Response is the normalized result of a Call.
type Response struct {
	Model      string
	Content    string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
	Payload    Payload
}
