package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GeminiPayload is the raw generateContent response.
type GeminiPayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTools   `json:"tools,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiTools struct {
	FunctionDeclarations []openAIFunction `json:"functionDeclarations"`
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

// GeminiClient adapts the Gemini generateContent REST API.
type GeminiClient struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewGeminiClient creates a Gemini adapter.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = defaultHTTPClient
	}
	name := cfg.Name
	if name == "" {
		name = "gemini"
	}
	return &GeminiClient{name: name, apiKey: cfg.APIKey, baseURL: base, http: hc}
}

// Name returns the provider name.
func (c *GeminiClient) Name() string { return c.name }

func (c *GeminiClient) headers() map[string]string {
	return map[string]string{"x-goog-api-key": c.apiKey}
}

// Call sends one generateContent request.
func (c *GeminiClient) Call(ctx context.Context, req Request) (*Response, error) {
	body := geminiRequest{Contents: toGeminiContents(req.Messages)}
	body.GenerationConfig.MaxOutputTokens = req.MaxTokens
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		var decls []openAIFunction
		for _, s := range req.Tools {
			decls = append(decls, openAIFunction{Name: s.Name, Description: s.Description, Parameters: jsonSchemaObject(s)})
		}
		body.Tools = []geminiTools{{FunctionDeclarations: decls}}
	}

	model := strings.TrimPrefix(req.Model, "models/")
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)

	var payload GeminiPayload
	if err := doJSON(ctx, c.http, c.name, http.MethodPost, url, c.headers(), body, &payload); err != nil {
		return nil, err
	}
	resp := parseGeminiResponse(&payload)
	if resp.Model == "" {
		resp.Model = model
	}
	return resp, nil
}

// ListModels lists models that support generateContent.
func (c *GeminiClient) ListModels(ctx context.Context) ([]string, error) {
	var out struct {
		Models []struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := doJSON(ctx, c.http, c.name, http.MethodGet, c.baseURL+"/models", c.headers(), nil, &out); err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range out.Models {
		if len(m.SupportedGenerationMethods) > 0 && !containsString(m.SupportedGenerationMethods, "generateContent") {
			continue
		}
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	return ids, nil
}

func toGeminiContents(msgs []Message) []geminiContent {
	var out []geminiContent
	for _, m := range msgs {
		var parts []geminiPart
		if m.Content != "" {
			parts = append(parts, geminiPart{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Input}})
		}
		for _, tr := range m.ToolResults {
			parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     tr.Name,
				Response: map[string]any{"content": tr.Content, "is_error": tr.IsError},
			}})
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	return out
}

func parseGeminiResponse(p *GeminiPayload) *Response {
	resp := &Response{
		Model: p.ModelVersion,
		Usage: Usage{
			InputTokens:  p.UsageMetadata.PromptTokenCount,
			OutputTokens: p.UsageMetadata.CandidatesTokenCount,
		},
		Payload: Payload{Kind: PayloadGemini, Gemini: p},
	}
	if len(p.Candidates) == 0 {
		return resp
	}
	cand := p.Candidates[0]
	resp.StopReason = cand.FinishReason

	var text strings.Builder
	for i, part := range cand.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			input := part.FunctionCall.Args
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			// Gemini does not assign call ids.
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    fmt.Sprintf("call_%d", i),
				Name:  part.FunctionCall.Name,
				Input: input,
			})
		}
	}
	resp.Content = text.String()
	return resp
}

var (
	_ Client  = (*GeminiClient)(nil)
	_ Catalog = (*GeminiClient)(nil)
)
