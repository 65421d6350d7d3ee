// Package engine runs one task attempt against a provider: model
// selection, capacity-gated calls, the tool loop and cost accounting.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/foreman/internal/capacity"
	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/provider"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/internal/tools"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// Defaults for the corresponding options.
const (
	DefaultMaxToolRounds = 8
	DefaultCallTimeout   = 2 * time.Minute
	DefaultSelectWait    = 30 * time.Second
	defaultMaxTokens     = 8192
)

// ToolRunner executes tool calls and describes the tools a task may use.
type ToolRunner interface {
	Execute(ctx context.Context, name string, input json.RawMessage) tools.Result
	Definitions(allowed []string) []provider.ToolSpec
}

// Engine executes task attempts.
type Engine struct {
	registry      *provider.Registry
	tracker       *capacity.Tracker
	tools         ToolRunner
	metrics       *observability.Metrics
	tracer        trace.Tracer
	maxToolRounds int
	callTimeout   time.Duration
	selectWait    time.Duration
	maxTokens     int
	system        string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxToolRounds bounds how many rounds of tool calls one attempt runs.
func WithMaxToolRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxToolRounds = n
		}
	}
}

// WithCallTimeout bounds each provider call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithSelectWait bounds how long selection waits when every candidate is
// at capacity.
func WithSelectWait(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.selectWait = d
		}
	}
}

// WithMaxTokens sets the per-call output token limit.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithSystemPrompt sets the system prompt sent with every call.
func WithSystemPrompt(s string) Option {
	return func(e *Engine) { e.system = s }
}

// WithMetrics records provider calls, cost and fallbacks.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an engine. toolRunner may be nil for tasks without tools.
func New(registry *provider.Registry, tracker *capacity.Tracker, toolRunner ToolRunner, opts ...Option) *Engine {
	e := &Engine{
		registry:      registry,
		tracker:       tracker,
		tools:         toolRunner,
		tracer:        otel.Tracer("foreman/engine"),
		maxToolRounds: DefaultMaxToolRounds,
		callTimeout:   DefaultCallTimeout,
		selectWait:    DefaultSelectWait,
		maxTokens:     defaultMaxTokens,
		system:        "You are a worker agent. Complete the task using the tools provided, then reply with a concise report of what you did.",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteTask runs one attempt of task. A rate-limited provider is replaced
// once by re-selecting without it; any other error surfaces immediately.
func (e *Engine) ExecuteTask(ctx context.Context, task models.Task) (*models.JobResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ExecuteTask", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.project", task.ProjectID),
		attribute.String("task.priority", string(task.Priority)),
	))
	defer span.End()
	start := time.Now()
	defer func() { e.metrics.ObserveAttempt(time.Since(start)) }()

	req := provider.Requirements{
		Preferred: task.Constraints.PreferredProvider,
		Intent:    task.Constraints.Intent,
	}
	sel, err := e.selectProvider(ctx, req)
	if err != nil {
		return nil, spanError(span, err)
	}

	result, err := e.attempt(ctx, task, sel)
	if err != nil && reliability.IsRateLimit(err) && ctx.Err() == nil {
		req.Exclude = []string{sel.Provider.Name}
		next, selErr := e.registry.SelectModel(req)
		if selErr != nil {
			logging.Debug("[engine] task %s: no fallback after %s rate limit: %v", task.ID, sel.Provider.Name, selErr)
			return nil, spanError(span, err)
		}
		log.Printf("[engine] task %s: %s rate limited, falling back to %s", task.ID, sel.Provider.Name, next.Provider.Name)
		e.metrics.FellBack()
		span.AddEvent("fallback", trace.WithAttributes(
			attribute.String("from", sel.Provider.Name),
			attribute.String("to", next.Provider.Name),
		))
		result, err = e.attempt(ctx, task, next)
		if result != nil {
			result.FellBack = true
			result.Logs = append([]string{fmt.Sprintf("fell back from %s after rate limit", sel.Provider.Name)}, result.Logs...)
		}
	}
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(
		attribute.String("provider", result.Provider),
		attribute.String("model", result.Model),
		attribute.Float64("cost", result.Cost),
	)
	return result, nil
}

// selectProvider picks a provider. When every candidate is only at
// capacity it waits for a release, up to the select wait.
func (e *Engine) selectProvider(ctx context.Context, req provider.Requirements) (provider.Selection, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.selectWait)
	defer cancel()
	for {
		changed := e.tracker.Changed()
		sel, err := e.registry.SelectModel(req)
		if err == nil {
			return sel, nil
		}
		if !provider.IsSaturated(err) {
			return provider.Selection{}, err
		}
		logging.Debug("[engine] all candidates at capacity, waiting: %v", err)
		select {
		case <-changed:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return provider.Selection{}, ctx.Err()
			}
			// Saturation is transient, so it must stay retryable.
			return provider.Selection{}, fmt.Errorf("%w: %v", reliability.ErrRateLimited, err)
		}
	}
}

// attempt runs the conversation with one provider until the model stops
// asking for tools, the round limit is hit or the cost ceiling is crossed.
func (e *Engine) attempt(ctx context.Context, task models.Task, sel provider.Selection) (*models.JobResult, error) {
	name := sel.Provider.Name
	model, err := e.registry.ChooseModel(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("choose model for %s: %w", name, err)
	}

	var specs []provider.ToolSpec
	if e.tools != nil && len(task.AllowedTools) > 0 {
		specs = e.tools.Definitions(task.AllowedTools)
	}
	allowed := make(map[string]bool, len(task.AllowedTools))
	for _, t := range task.AllowedTools {
		allowed[t] = true
	}

	result := &models.JobResult{Provider: name, Model: model}
	messages := []provider.Message{{Role: provider.RoleUser, Content: task.Instruction}}
	pricing := e.registry.Pricing()

	for round := 0; ; round++ {
		resp, err := e.call(ctx, sel, provider.Request{
			Model:     model,
			System:    e.system,
			Messages:  messages,
			Tools:     specs,
			MaxTokens: e.maxTokens,
		})
		if err != nil {
			return nil, err
		}

		cost := pricing.EstimateCost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		result.InputTokens += resp.Usage.InputTokens
		result.OutputTokens += resp.Usage.OutputTokens
		result.Cost += cost
		e.registry.RecordCost(name, cost)
		if resp.Content != "" {
			result.Content = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			return result, nil
		}
		if round >= e.maxToolRounds {
			result.Logs = append(result.Logs, fmt.Sprintf("stopped after %d tool rounds", e.maxToolRounds))
			return result, nil
		}
		if limit := task.Constraints.MaxCost; limit > 0 && result.Cost > limit {
			result.Logs = append(result.Logs, fmt.Sprintf("stopped: estimated cost $%.4f exceeds limit $%.4f", result.Cost, limit))
			return result, nil
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		toolResults := make([]provider.ToolResult, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			if !allowed[tc.Name] || e.tools == nil {
				return nil, fmt.Errorf("task %s requested %q: %w", task.ID, tc.Name, reliability.ErrDisallowedTool)
			}
			res := e.tools.Execute(ctx, tc.Name, tc.Input)
			result.ToolCalls++
			result.Logs = append(result.Logs, toolLog(tc, res))
			if a, ok := artifactFor(tc, res); ok {
				result.Artifacts = append(result.Artifacts, a)
			}
			toolResults = append(toolResults, provider.ToolResult{
				CallID:  tc.ID,
				Name:    tc.Name,
				Content: res.Content,
				IsError: res.IsError,
			})
		}
		messages = append(messages, provider.Message{Role: provider.RoleUser, ToolResults: toolResults})
	}
}

// call sends one request once the provider's capacity window admits it.
func (e *Engine) call(ctx context.Context, sel provider.Selection, req provider.Request) (*provider.Response, error) {
	name := sel.Provider.Name
	release, err := e.tracker.Wait(ctx, sel.Key)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	callCtx, span := e.tracer.Start(callCtx, "provider.Call", trace.WithAttributes(
		attribute.String("provider", name),
		attribute.String("model", req.Model),
	))
	defer span.End()

	resp, err := sel.Client.Call(callCtx, req)
	switch {
	case err == nil:
		e.metrics.ProviderCalled(name, "ok")
		span.SetAttributes(
			attribute.Int64("tokens.input", resp.Usage.InputTokens),
			attribute.Int64("tokens.output", resp.Usage.OutputTokens),
		)
		return resp, nil
	case reliability.IsRateLimit(err):
		e.metrics.ProviderCalled(name, "rate_limited")
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		e.metrics.ProviderCalled(name, "timeout")
		err = fmt.Errorf("provider %s call exceeded %v: %w", name, e.callTimeout, reliability.ErrTimeout)
	default:
		e.metrics.ProviderCalled(name, "error")
	}
	return nil, spanError(span, err)
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func toolLog(tc provider.ToolCall, res tools.Result) string {
	status := "ok"
	if res.IsError {
		status = "error"
	}
	summary := res.Content
	if len(summary) > 200 {
		summary = summary[:200] + "..."
	}
	return fmt.Sprintf("tool %s (%s): %s", tc.Name, status, summary)
}

// artifactFor records files the task wrote.
func artifactFor(tc provider.ToolCall, res tools.Result) (models.Artifact, bool) {
	if tc.Name != tools.WriteFile || res.IsError {
		return models.Artifact{}, false
	}
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(tc.Input, &in); err != nil || in.Path == "" {
		return models.Artifact{}, false
	}
	return models.Artifact{Kind: "file", Path: in.Path, Size: len(in.Content)}, true
}
