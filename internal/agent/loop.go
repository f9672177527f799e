// Package agent runs the bounded tool-augmented generation loop: the
// model is called repeatedly, tool calls it requests are executed and
// fed back, until it finishes with a reply or a bound is hit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/yaebot/internal/events"
	"github.com/nugget/yaebot/internal/llm"
	"github.com/nugget/yaebot/internal/tools"
	"github.com/nugget/yaebot/internal/usage"
)

// DefaultMaxSteps bounds the number of inference steps per generation.
const DefaultMaxSteps = 5

// ReasonStepLimit is the abort reason when the model is still calling
// tools after the last allowed step.
const ReasonStepLimit llm.FinishReason = "step-limit"

// State is where a generation currently is.
type State string

// Loop states. A generation starts Running, alternates between
// AwaitingModel and ExecutingTools, and ends Stopped.
const (
	StateRunning        State = "running"
	StateAwaitingModel  State = "awaiting-model"
	StateExecutingTools State = "executing-tools"
	StateStopped        State = "stopped"
)

// GenerationAbortedError means generation ended without a final reply.
// Reason is the provider's finish reason, ReasonStepLimit, or
// llm.FinishError when a step failed outright (Err is then set).
type GenerationAbortedError struct {
	Reason llm.FinishReason
	Step   int
	Err    error
}

// Error implements the error interface.
func (e *GenerationAbortedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation aborted at step %d (%s): %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("generation aborted at step %d (%s)", e.Step, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *GenerationAbortedError) Unwrap() error { return e.Err }

// ToolRunner declares tools to the model and executes batches of calls.
// *tools.Executor implements it.
type ToolRunner interface {
	Definitions() []llm.ToolDefinition
	ExecuteAll(ctx context.Context, calls []llm.ToolCall) ([]tools.Result, error)
}

// UsageRecorder receives token usage for every completed step.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config bounds a Loop.
type Config struct {
	Model       string
	MaxSteps    int
	StepTimeout time.Duration // per inference call; zero means none
	ToolTimeout time.Duration // per tool batch; zero means none
}

// Request is one generation.
type Request struct {
	ChatID    int64
	TriggerID int64
	Messages  []llm.Message
}

// Response is a completed generation.
type Response struct {
	Content      string
	Model        string
	Steps        int
	InputTokens  int
	OutputTokens int
}

// Loop is the generation loop. It holds no per-generation state and is
// safe for concurrent use.
type Loop struct {
	logger *slog.Logger
	llm    llm.Client
	tools  ToolRunner
	usage  UsageRecorder
	events *events.Bus
	cfg    Config
}

// NewLoop creates a generation loop.
func NewLoop(logger *slog.Logger, client llm.Client, runner ToolRunner, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	return &Loop{
		logger: logger.With("component", "agent"),
		llm:    client,
		tools:  runner,
		cfg:    cfg,
	}
}

// SetUsageRecorder enables the usage ledger. Recording failures are
// logged and never fail a generation.
func (l *Loop) SetUsageRecorder(r UsageRecorder) {
	l.usage = r
}

// SetEventBus publishes step and tool events to bus.
func (l *Loop) SetEventBus(bus *events.Bus) {
	l.events = bus
}

// Run drives req to completion. The request's messages are not
// modified.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	ctx = tools.WithChatID(ctx, req.ChatID)
	log := l.logger.With("chat_id", req.ChatID, "trigger_id", req.TriggerID)

	msgs := make([]llm.Message, len(req.Messages), len(req.Messages)+4*l.cfg.MaxSteps)
	copy(msgs, req.Messages)
	defs := l.tools.Definitions()

	resp := &Response{Model: l.cfg.Model}
	state := StateRunning
	log.Info("generation started", "messages", len(msgs), "model", l.cfg.Model)

	for step := 0; ; step++ {
		state = StateAwaitingModel
		log.Log(ctx, llm.LevelTrace, "loop state", "state", state, "step", step, "messages", len(msgs))
		chat, err := l.chat(ctx, msgs, defs)
		if err != nil {
			log.Error("inference failed", "step", step, "error", err)
			return nil, &GenerationAbortedError{Reason: llm.FinishError, Step: step, Err: err}
		}
		resp.Steps = step + 1
		resp.InputTokens += chat.InputTokens
		resp.OutputTokens += chat.OutputTokens
		if chat.Model != "" {
			resp.Model = chat.Model
		}
		l.recordUsage(ctx, req, step, chat)
		l.events.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMResponse,
			Data: map[string]any{
				"chat_id":       req.ChatID,
				"step":          step,
				"model":         resp.Model,
				"finish_reason": string(chat.FinishReason),
				"tokens_in":     chat.InputTokens,
				"tokens_out":    chat.OutputTokens,
				"tool_calls":    len(chat.Message.ToolCalls),
			},
		})

		if len(chat.Message.ToolCalls) == 0 {
			if chat.FinishReason != llm.FinishStop {
				state = StateStopped
				log.Warn("generation stopped", "state", state, "reason", chat.FinishReason, "step", step)
				return nil, &GenerationAbortedError{Reason: chat.FinishReason, Step: step}
			}
			resp.Content = chat.Message.Content
			state = StateStopped
			log.Info("generation completed",
				"state", state,
				"steps", resp.Steps,
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
				"content_len", len(resp.Content),
			)
			return resp, nil
		}

		// The results could only be read by a step that is not allowed.
		if step+1 >= l.cfg.MaxSteps {
			state = StateStopped
			log.Warn("generation stopped", "state", state, "reason", ReasonStepLimit, "step", step+1,
				"pending_tool_calls", len(chat.Message.ToolCalls))
			return nil, &GenerationAbortedError{Reason: ReasonStepLimit, Step: step + 1}
		}

		state = StateExecutingTools
		log.Debug("loop state", "state", state, "step", step, "tool_calls", len(chat.Message.ToolCalls))
		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   chat.Message.Content,
			ToolCalls: chat.Message.ToolCalls,
		})

		results, err := l.executeTools(ctx, chat.Message.ToolCalls)
		if err != nil {
			log.Error("tool batch failed", "step", step, "error", err)
			return nil, &GenerationAbortedError{Reason: llm.FinishError, Step: step, Err: err}
		}
		for _, r := range results {
			l.events.Publish(events.Event{
				Source: events.SourceAgent,
				Kind:   events.KindToolDone,
				Data:   map[string]any{"chat_id": req.ChatID, "step": step, "tool": r.Tool, "ok": r.Err == nil},
			})
		}
		msgs = appendToolResults(msgs, results)
	}
}

func (l *Loop) chat(ctx context.Context, msgs []llm.Message, defs []llm.ToolDefinition) (*llm.ChatResponse, error) {
	if l.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.StepTimeout)
		defer cancel()
	}
	resp, err := l.llm.Chat(ctx, l.cfg.Model, msgs, defs)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("provider returned no response")
	}
	return resp, nil
}

func (l *Loop) executeTools(ctx context.Context, calls []llm.ToolCall) ([]tools.Result, error) {
	if l.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
		defer cancel()
	}
	return l.tools.ExecuteAll(ctx, calls)
}

// appendToolResults adds one tool message per result in call order,
// then a single user message carrying every image the batch produced.
func appendToolResults(msgs []llm.Message, results []tools.Result) []llm.Message {
	var images []string
	for _, r := range results {
		msgs = append(msgs, r.Message())
		if r.Err == nil && r.ImageURL != "" {
			images = append(images, r.ImageURL)
		}
	}
	if len(images) > 0 {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Images: images})
	}
	return msgs
}

func (l *Loop) recordUsage(ctx context.Context, req *Request, step int, chat *llm.ChatResponse) {
	if l.usage == nil {
		return
	}
	model := chat.Model
	if model == "" {
		model = l.cfg.Model
	}
	err := l.usage.Record(context.WithoutCancel(ctx), usage.Record{
		ChatID:       req.ChatID,
		TriggerID:    req.TriggerID,
		Step:         step,
		Model:        model,
		FinishReason: string(chat.FinishReason),
		InputTokens:  chat.InputTokens,
		OutputTokens: chat.OutputTokens,
	})
	if err != nil {
		l.logger.Warn("failed to record usage", "chat_id", req.ChatID, "step", step, "error", err)
	}
}
