package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/foreman/internal/reliability"
)

// AnthropicPayload is the raw Anthropic Messages API response.
type AnthropicPayload struct {
	Message *anthropic.Message
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	// Name is the provider name the client reports.
	Name string
	// APIKey is required unless UseBedrock is set.
	APIKey  string
	BaseURL string
	// UseBedrock routes calls through AWS Bedrock using the default AWS credential chain.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
}

// AnthropicClient adapts the Anthropic SDK to Client and Catalog.
type AnthropicClient struct {
	name    string
	inner   anthropic.Client
	bedrock bool
}

// NewAnthropicClient creates an adapter over the Anthropic API or Bedrock.
func NewAnthropicClient(ctx context.Context, cfg AnthropicConfig) (*AnthropicClient, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider %q: missing API key", cfg.Name)
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Retries belong to the engine and queue; the SDK must not add a third layer.
	opts = append(opts, option.WithMaxRetries(0))

	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}
	return &AnthropicClient{
		name:    name,
		inner:   anthropic.NewClient(opts...),
		bedrock: cfg.UseBedrock,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string { return c.name }

// Call sends one Messages API request.
func (c *AnthropicClient) Call(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if c.bedrock {
		model = translateModelForBedrock(model)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, c.wrapError(err)
	}
	return parseAnthropicResponse(resp), nil
}

// ListModels lists models through the Models API. Bedrock has no listing.
func (c *AnthropicClient) ListModels(ctx context.Context) ([]string, error) {
	if c.bedrock {
		return nil, ErrCatalogUnsupported
	}
	var ids []string
	iter := c.inner.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})
	for iter.Next() {
		ids = append(ids, iter.Current().ID)
	}
	if err := iter.Err(); err != nil {
		return nil, c.wrapError(err)
	}
	return ids, nil
}

func (c *AnthropicClient) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	callErr := &reliability.ProviderCallError{Provider: c.name, Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		callErr.StatusCode = apiErr.StatusCode
		callErr.Message = apiErr.Error()
	}
	return callErr
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			input := tc.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		for _, tr := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        s.Name,
				Description: anthropic.String(s.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: s.Properties,
					Required:   s.Required,
				},
			},
		})
	}
	return tools
}

func parseAnthropicResponse(msg *anthropic.Message) *Response {
	resp := &Response{
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
		Payload: Payload{Kind: PayloadAnthropic, Anthropic: &AnthropicPayload{Message: msg}},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: variant.Input,
			})
		}
	}
	resp.Content = text.String()
	return resp
}

// translateModelForBedrock converts Anthropic model ids to Bedrock
// cross-region inference profile ids.
func translateModelForBedrock(model string) string {
	if strings.HasPrefix(model, "us.anthropic.") || strings.HasPrefix(model, "anthropic.") {
		return model
	}
	bedrockModels := map[string]string{
		"claude-sonnet-4-20250514":   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		"claude-sonnet-4-5-20250929": "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		"claude-haiku-4-5-20251001":  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		"claude-opus-4-1-20250805":   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		"claude-opus-4-5-20251101":   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		"claude-3-7-sonnet-20250219": "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		"claude-3-5-haiku-20241022":  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if m, ok := bedrockModels[model]; ok {
		return m
	}
	return "us.anthropic." + model + "-v1:0"
}

var (
	_ Client  = (*AnthropicClient)(nil)
	_ Catalog = (*AnthropicClient)(nil)
)
