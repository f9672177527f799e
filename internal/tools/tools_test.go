package tools

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/yaebot/internal/fetch"
	"github.com/nugget/yaebot/internal/llm"
)

type fakeMedia struct {
	urls  map[string]string
	delay time.Duration
}

func (f *fakeMedia) ResolveMediaURL(ctx context.Context, ref string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	u, ok := f.urls[ref]
	if !ok {
		return "", errors.New("Bad Request: invalid file_id")
	}
	return u, nil
}

type fakeFetcher struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (*fetch.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if _, err := fetch.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &fetch.Result{URL: rawURL, Content: "content of " + rawURL}, nil
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestParse(t *testing.T) {
	req, err := Parse(call("1", NameFetchImage, map[string]any{"mediaRef": " AgAD "}))
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := req.(FetchImageRequest); !ok || got.MediaRef != "AgAD" {
		t.Errorf("Parse = %#v", req)
	}

	_, err = Parse(call("2", NameFetchURLContent, map[string]any{}))
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("missing url: err = %v, want *ExecutionError", err)
	}

	_, err = Parse(call("3", "launchRockets", nil))
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) || unavailable.ToolName != "launchRockets" {
		t.Errorf("unknown tool: err = %v", err)
	}
}

func TestExecute_FetchImage(t *testing.T) {
	e := NewExecutor(&fakeMedia{urls: map[string]string{"AgAD": "https://bot/download/photos/a.jpg"}}, &fakeFetcher{}, 0, nil)

	res := e.Execute(context.Background(), call("c1", NameFetchImage, map[string]any{"mediaRef": "AgAD"}))
	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if res.ImageURL != "https://bot/download/photos/a.jpg" || res.Text != res.ImageURL {
		t.Errorf("res = %+v", res)
	}
	msg := res.Message()
	if msg.Role != llm.RoleTool || msg.ToolCallID != "c1" || msg.IsError {
		t.Errorf("Message() = %+v", msg)
	}
}

func TestExecute_ErrorsBecomeResults(t *testing.T) {
	e := NewExecutor(&fakeMedia{}, &fakeFetcher{}, 0, nil)

	tests := []struct {
		name string
		call llm.ToolCall
		want string
	}{
		{"bad media ref", call("a", NameFetchImage, map[string]any{"mediaRef": "nope"}), "fetchImage failed"},
		{"invalid url", call("b", NameFetchURLContent, map[string]any{"url": "ftp://x"}), "invalid url"},
		{"unknown tool", call("c", "launchRockets", nil), "not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(context.Background(), tt.call)
			if res.Err == nil {
				t.Fatal("expected error result")
			}
			if res.ImageURL != "" {
				t.Error("failed call produced an image")
			}
			msg := res.Message()
			if !msg.IsError || !strings.HasPrefix(msg.Content, "error: ") || !strings.Contains(msg.Content, tt.want) {
				t.Errorf("Message() = %+v, want error containing %q", msg, tt.want)
			}
		})
	}
}

func TestExecute_PerCallTimeout(t *testing.T) {
	e := NewExecutor(&fakeMedia{delay: time.Second, urls: map[string]string{"a": "u"}}, &fakeFetcher{}, 20*time.Millisecond, nil)

	res := e.Execute(context.Background(), call("t", NameFetchImage, map[string]any{"mediaRef": "a"}))
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("Err = %v, want deadline exceeded", res.Err)
	}
}

func TestExecuteAll_ConcurrentAndOrdered(t *testing.T) {
	f := &fakeFetcher{delay: 50 * time.Millisecond}
	e := NewExecutor(&fakeMedia{}, f, 0, nil)

	calls := []llm.ToolCall{
		call("1", NameFetchURLContent, map[string]any{"url": "https://a.example"}),
		call("2", NameFetchURLContent, map[string]any{"url": "https://b.example"}),
		call("3", NameFetchURLContent, map[string]any{"url": "https://c.example"}),
	}
	start := time.Now()
	results, err := e.ExecuteAll(context.Background(), calls)
	if err != nil {
		t.Fatalf("ExecuteAll: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Errorf("calls ran serially: %v", elapsed)
	}
	if f.peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want > 1", f.peak.Load())
	}
	for i, r := range results {
		if r.CallID != calls[i].ID {
			t.Errorf("results[%d].CallID = %q, want %q", i, r.CallID, calls[i].ID)
		}
	}
	if !strings.Contains(results[1].Text, "b.example") {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestExecuteAll_Cancelled(t *testing.T) {
	e := NewExecutor(&fakeMedia{}, &fakeFetcher{delay: time.Second}, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.ExecuteAll(ctx, []llm.ToolCall{call("1", NameFetchURLContent, map[string]any{"url": "https://a.example"})})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestDefinitions(t *testing.T) {
	defs := NewExecutor(nil, nil, 0, nil).Definitions()
	if len(defs) != 2 || defs[0].Name != NameFetchImage || defs[1].Name != NameFetchURLContent {
		t.Errorf("Definitions() = %+v", defs)
	}
}

func TestChatIDContext(t *testing.T) {
	ctx := WithChatID(context.Background(), -1001)
	if got := ChatIDFromContext(ctx); got != -1001 {
		t.Errorf("ChatIDFromContext = %d", got)
	}
	if got := ChatIDFromContext(context.Background()); got != 0 {
		t.Errorf("empty ChatIDFromContext = %d", got)
	}
}
