package provider

import (
	"context"
	"fmt"
	"sync"
)

// StaticPayload records what the static client answered.
type StaticPayload struct {
	Echo string
}

// Responder scripts the static client.
type Responder func(ctx context.Context, req Request) (*Response, error)

// StaticClient is an offline client. Without a Responder it echoes the last
// user message, which is enough for dry runs of the scheduling pipeline.
type StaticClient struct {
	name      string
	responder Responder

	// mu protects calls.
	mu    sync.Mutex
	calls int
}

// NewStaticClient creates an offline client. responder may be nil.
func NewStaticClient(name string, responder Responder) *StaticClient {
	if name == "" {
		name = "static"
	}
	return &StaticClient{name: name, responder: responder}
}

// Name returns the provider name.
func (c *StaticClient) Name() string { return c.name }

// Calls returns how many times Call ran.
func (c *StaticClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Call answers from the responder or echoes the prompt.
func (c *StaticClient) Call(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.responder != nil {
		resp, err := c.responder(ctx, req)
		if resp != nil && resp.Payload.Kind == "" {
			resp.Payload = Payload{Kind: PayloadStatic, Static: &StaticPayload{Echo: resp.Content}}
		}
		return resp, err
	}

	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser && req.Messages[i].Content != "" {
			prompt = req.Messages[i].Content
			break
		}
	}
	if len(prompt) > 200 {
		prompt = prompt[:200]
	}
	content := fmt.Sprintf("acknowledged: %s", prompt)
	return &Response{
		Model:      req.Model,
		Content:    content,
		StopReason: "end_turn",
		Usage: Usage{
			InputTokens:  int64(len(req.System)+len(prompt)) / 4,
			OutputTokens: int64(len(content)) / 4,
		},
		Payload: Payload{Kind: PayloadStatic, Static: &StaticPayload{Echo: content}},
	}, nil
}

var _ Client = (*StaticClient)(nil)
