// Package tools defines the tools the model may call while generating
// a reply. The set is closed: every Request is one of the types in this
// file, and Execute switches over all of them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/yaebot/internal/fetch"
	"github.com/nugget/yaebot/internal/llm"
)

// Tool names as declared to the model.
const (
	NameFetchImage      = "fetchImage"
	NameFetchURLContent = "fetchURLContent"
)

// Request is a parsed tool call. Only types in this package implement it.
type Request interface {
	toolName() string
}

// FetchImageRequest asks for a viewable URL of a stored media reference.
type FetchImageRequest struct {
	MediaRef string
}

func (FetchImageRequest) toolName() string { return NameFetchImage }

// FetchURLContentRequest asks for the text content of a web page.
type FetchURLContentRequest struct {
	URL string
}

func (FetchURLContentRequest) toolName() string { return NameFetchURLContent }

// Parse turns a model tool call into a typed Request. Unknown tools
// yield *ErrToolUnavailable; bad arguments yield *ExecutionError.
func Parse(call llm.ToolCall) (Request, error) {
	switch call.Name {
	case NameFetchImage:
		ref, err := stringArg(call, "mediaRef")
		if err != nil {
			return nil, err
		}
		return FetchImageRequest{MediaRef: ref}, nil
	case NameFetchURLContent:
		u, err := stringArg(call, "url")
		if err != nil {
			return nil, err
		}
		return FetchURLContentRequest{URL: u}, nil
	}
	return nil, &ErrToolUnavailable{ToolName: call.Name}
}

func stringArg(call llm.ToolCall, key string) (string, error) {
	v, _ := call.Arguments[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", &ExecutionError{Tool: call.Name, Err: fmt.Errorf("argument %q is required", key)}
	}
	return strings.TrimSpace(v), nil
}

// Result is the outcome of one tool call. Exactly one of Text or Err
// describes it; ImageURL is additionally set when the result is an
// image the model should see.
type Result struct {
	CallID   string
	Tool     string
	Text     string
	ImageURL string
	Err      error
}

// Content is what the model receives as the tool's answer.
func (r Result) Content() string {
	if r.Err != nil {
		return "error: " + r.Err.Error()
	}
	return r.Text
}

// Message converts the result into a tool-role message.
func (r Result) Message() llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    r.Content(),
		ToolCallID: r.CallID,
		ToolName:   r.Tool,
		IsError:    r.Err != nil,
	}
}

// MediaResolver maps a stored media reference to a URL the inference
// provider can download.
type MediaResolver interface {
	ResolveMediaURL(ctx context.Context, mediaRef string) (string, error)
}

// ContentFetcher retrieves readable page content.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Result, error)
}

// Executor runs tool calls against their backends.
type Executor struct {
	media   MediaResolver
	fetcher ContentFetcher
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor returns an Executor. timeout bounds each individual call;
// zero leaves only the caller's deadline.
func NewExecutor(media MediaResolver, fetcher ContentFetcher, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		media:   media,
		fetcher: fetcher,
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// Definitions declares the tools to the model.
func (e *Executor) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        NameFetchImage,
			Description: "Get the content of an image from its image ID.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mediaRef": map[string]any{
						"type":        "string",
						"description": "The image ID exactly as it appears in the conversation.",
					},
				},
				"required": []string{"mediaRef"},
			},
		},
		{
			Name:        NameFetchURLContent,
			Description: "Get the text content of a web page from its URL.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "An absolute http or https URL.",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}

// Execute runs one call. Failures are returned inside the Result so the
// model can see them; Execute itself never fails.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) Result {
	res := Result{CallID: call.ID, Tool: call.Name}

	req, err := Parse(call)
	if err != nil {
		res.Err = err
		e.logResult(ctx, res, 0)
		return res
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	switch r := req.(type) {
	case FetchImageRequest:
		url, err := e.media.ResolveMediaURL(ctx, r.MediaRef)
		if err != nil {
			res.Err = &ExecutionError{Tool: NameFetchImage, Err: err}
			break
		}
		res.Text = url
		res.ImageURL = url
	case FetchURLContentRequest:
		page, err := e.fetcher.Fetch(ctx, r.URL)
		if err != nil {
			res.Err = &ExecutionError{Tool: NameFetchURLContent, Err: err}
			break
		}
		res.Text = page.Text()
	default:
		res.Err = &ErrToolUnavailable{ToolName: req.toolName()}
	}

	e.logResult(ctx, res, time.Since(start))
	return res
}

func (e *Executor) logResult(ctx context.Context, res Result, elapsed time.Duration) {
	attrs := []any{
		"chat_id", ChatIDFromContext(ctx),
		"tool", res.Tool,
		"call_id", res.CallID,
		"elapsed", elapsed.Round(time.Millisecond),
	}
	var unavailable *ErrToolUnavailable
	switch {
	case errors.As(res.Err, &unavailable):
		e.logger.Warn("model called unknown tool", attrs...)
	case res.Err != nil:
		e.logger.Warn("tool failed", append(attrs, "error", res.Err)...)
	default:
		e.logger.Debug("tool succeeded", append(attrs, "result_len", len(res.Text))...)
	}
}

// ExecuteAll runs calls concurrently and returns their results in call
// order once every call has finished. It fails only when ctx ends
// before all calls complete.
func (e *Executor) ExecuteAll(ctx context.Context, calls []llm.ToolCall) ([]Result, error) {
	results := make([]Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(gctx, call)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tool batch interrupted: %w", err)
	}
	return results, nil
}
