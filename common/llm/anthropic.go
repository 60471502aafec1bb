package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Client is the low-level provider-facing call surface: single-shot and
// batched Anthropic Messages calls with full block fidelity.
type Client interface {
	Call(ctx context.Context, req Request) (*Response, error)
	CallBatch(ctx context.Context, reqs []BatchRequest) ([]BatchResult, error)
}

// RetryConfig controls Call's 429 backoff.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxRetries <= 0 {
		r.MaxRetries = 5
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = time.Second
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 30 * time.Second
	}
	return r
}

// BackoffStore persists a poll-backoff interval between process runs, so a
// relaunch mid-batch resumes polling where it left off instead of resetting
// to the initial interval. A nil store means in-memory-only backoff.
type BackoffStore interface {
	Get(ctx context.Context, key string) (time.Duration, bool)
	Set(ctx context.Context, key string, d time.Duration)
}

type anthropicClient struct {
	client   anthropic.Client
	retry    RetryConfig
	backoffs BackoffStore
}

// Option configures the client beyond its required parameters.
type Option func(*anthropicClient)

// WithBackoffStore shares the batch-poll backoff interval through an
// external store.
func WithBackoffStore(store BackoffStore) Option {
	return func(c *anthropicClient) { c.backoffs = store }
}

// NewClient builds a Client backed by the Anthropic API.
func NewClient(apiKey string, retry RetryConfig, opts ...Option) (Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	c := &anthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		retry:  retry.withDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *anthropicClient) Call(ctx context.Context, req Request) (*Response, error) {
	params := toMessageParams(req)

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		start := time.Now()
		msg, err := c.client.Messages.New(ctx, params)
		if err == nil {
			slog.DebugContext(ctx, "model call completed",
				"model", req.Model,
				"duration_ms", time.Since(start).Milliseconds(),
				"input_tokens", msg.Usage.InputTokens,
				"output_tokens", msg.Usage.OutputTokens,
				"stop_reason", msg.StopReason)
			return fromMessage(msg), nil
		}

		lastErr = err
		if !IsRetryable(ctx, err) || attempt == c.retry.MaxRetries {
			break
		}
		backoff := c.backoff(attempt)
		slog.WarnContext(ctx, "model call rate limited or transient, retrying",
			"attempt", attempt+1, "backoff_ms", backoff.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("model call: %w", lastErr)
}

// backoff implements min(maxDelay, initial*2^attempt) with a touch of jitter
// to avoid a thundering herd on shared rate limits.
func (c *anthropicClient) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.retry.InitialBackoff) * math.Pow(2, float64(attempt)))
	if d > c.retry.MaxBackoff {
		d = c.retry.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func (c *anthropicClient) CallBatch(ctx context.Context, reqs []BatchRequest) ([]BatchResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	batchReqs := make([]anthropic.MessageBatchNewParamsRequest, len(reqs))
	for i, r := range reqs {
		batchReqs[i] = anthropic.MessageBatchNewParamsRequest{
			CustomID: r.CustomID,
			Params:   toBatchMessageParams(r.Request),
		}
	}

	batch, err := c.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: batchReqs})
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}

	if err := c.pollUntilEnded(ctx, batch.ID); err != nil {
		return nil, err
	}

	return c.collectResults(ctx, batch.ID, reqs)
}

func (c *anthropicClient) pollUntilEnded(ctx context.Context, batchID string) error {
	const (
		minBackoff = 2 * time.Second
		maxBackoff = 60 * time.Second
		backoffKey = "batch-poll"
	)

	backoff := minBackoff
	if c.backoffs != nil {
		if d, ok := c.backoffs.Get(ctx, backoffKey); ok && d >= minBackoff && d <= maxBackoff {
			backoff = d
		}
	}

	for {
		batch, err := c.client.Messages.Batches.Get(ctx, batchID)
		if err != nil {
			return fmt.Errorf("poll batch status: %w", err)
		}
		if batch.ProcessingStatus == anthropic.MessageBatchProcessingStatusEnded {
			if c.backoffs != nil {
				c.backoffs.Set(ctx, backoffKey, minBackoff)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if c.backoffs != nil {
			c.backoffs.Set(ctx, backoffKey, backoff)
		}
	}
}

func (c *anthropicClient) collectResults(ctx context.Context, batchID string, reqs []BatchRequest) ([]BatchResult, error) {
	byID := make(map[string]int, len(reqs))
	for i, r := range reqs {
		byID[r.CustomID] = i
	}

	out := make([]BatchResult, len(reqs))
	seen := make([]bool, len(reqs))

	iter := c.client.Messages.Batches.ResultsStreaming(ctx, batchID)
	for iter.Next() {
		entry := iter.Current()
		idx, ok := byID[entry.CustomID]
		if !ok {
			continue
		}
		seen[idx] = true

		switch entry.Result.Type {
		case "succeeded":
			out[idx] = BatchResult{CustomID: entry.CustomID, Response: fromMessage(&entry.Result.Message)}
		case "errored":
			out[idx] = BatchResult{CustomID: entry.CustomID, Err: fmt.Errorf("batch request errored: %s", entry.Result.Error.Error.Message)}
		default:
			out[idx] = BatchResult{CustomID: entry.CustomID, Err: fmt.Errorf("batch request %s: %s", entry.CustomID, entry.Result.Type)}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stream batch results: %w", err)
	}

	var missing []string
	for i, ok := range seen {
		if !ok {
			missing = append(missing, reqs[i].CustomID)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("batch results missing for: %v", missing)
	}

	for _, r := range out {
		if r.Err != nil {
			return nil, r.Err
		}
	}
	return out, nil
}

func toMessageParams(req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toMessageParamSlice(req.Messages),
	}
	if len(req.System) > 0 {
		params.System = toSystemBlocks(req.System)
	}
	if len(req.Tools) > 0 {
		params.Tools = toToolParams(req.Tools)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.Thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.MaxTokens / 2))
	}
	return params
}

func toBatchMessageParams(req Request) anthropic.MessageBatchNewParamsRequestParams {
	params := anthropic.MessageBatchNewParamsRequestParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toMessageParamSlice(req.Messages),
	}
	if len(req.System) > 0 {
		params.System = toSystemBlocks(req.System)
	}
	if len(req.Tools) > 0 {
		params.Tools = toToolParams(req.Tools)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.Thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.MaxTokens / 2))
	}
	return params
}

func toSystemBlocks(blocks []SystemBlock) []anthropic.TextBlockParam {
	out := make([]anthropic.TextBlockParam, len(blocks))
	for i, b := range blocks {
		tb := anthropic.TextBlockParam{Text: b.Text}
		if b.CacheControl {
			tb.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		out[i] = tb
	}
	return out
}

func toMessageParamSlice(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var content []anthropic.ContentBlockParamUnion
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				content = append(content, anthropic.NewTextBlock(b.Text))
			case BlockToolUse:
				content = append(content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    b.ToolUseID,
						Name:  b.ToolName,
						Input: b.ToolInput,
					},
				})
			case BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolResultID, b.Content, b.IsError))
			case BlockThinking:
				content = append(content, anthropic.ContentBlockParamUnion{
					OfThinking: &anthropic.ThinkingBlockParam{
						Thinking:  b.Text,
						Signature: b.Signature,
					},
				})
			}
		}
		role := anthropic.MessageParamRoleUser
		if m.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: content})
	}
	return out
}

func toToolParams(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: "object"}
		if t.Properties != nil {
			schema.Properties = t.Properties
		}
		if len(t.Required) > 0 {
			schema.Required = t.Required
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		}
	}
	return out
}

func fromMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:        msg.Usage.InputTokens,
			OutputTokens:       msg.Usage.OutputTokens,
			CacheReadTokens:    msg.Usage.CacheReadInputTokens,
			CacheWrite5mTokens: msg.Usage.CacheCreationInputTokens,
		},
	}

	var blocks []Block
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			blocks = append(blocks, NewTextBlock(block.Text))
		case "tool_use":
			blocks = append(blocks, NewToolUseBlock(block.ID, block.Name, block.Input))
		case "thinking":
			blocks = append(blocks, Block{Type: BlockThinking, Text: block.Thinking, Signature: block.Signature})
		}
	}
	resp.Message = Message{Role: RoleAssistant, Blocks: blocks}
	return resp
}

// IsRetryable decides retryability the way this lineage's structured client
// does: context cancellation/deadline are never retried; 429 and 5xx are
// retried; other 4xx are not; unrecognized network errors default retryable.
func IsRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return true
		case apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	return true
}
