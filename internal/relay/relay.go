// Package relay connects the chat transport to the store and the
// generation loop: every text or photo message is recorded, and
// messages that address the bot are answered.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/yaebot/internal/agent"
	"github.com/nugget/yaebot/internal/events"
	"github.com/nugget/yaebot/internal/llm"
	"github.com/nugget/yaebot/internal/markdown"
	"github.com/nugget/yaebot/internal/store"
	"github.com/nugget/yaebot/internal/telegram"
)

// TurnStore persists turns. *store.Store implements it.
type TurnStore interface {
	UpsertTurn(ctx context.Context, t store.Turn) error
	UpsertWithReply(ctx context.Context, t, placeholder store.Turn) error
}

// Messenger sends to the chat platform. *telegram.Client implements it.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (*telegram.Message, error)
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// ContextBuilder produces the model input for a chat at a moment.
// *history.Builder implements it.
type ContextBuilder interface {
	Context(ctx context.Context, chatID int64, now time.Time) ([]llm.Message, error)
}

// Generator runs a generation. *agent.Loop implements it.
type Generator interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// Relay handles webhook updates.
type Relay struct {
	logger  *slog.Logger
	store   TurnStore
	bot     Messenger
	builder ContextBuilder
	gen     Generator
	events  *events.Bus
	me      telegram.User
	command string
	now     func() time.Time
}

// New creates a Relay. me is the bot's own account (from getMe) and
// command the trigger command without its slash.
func New(logger *slog.Logger, st TurnStore, bot Messenger, builder ContextBuilder, gen Generator, me telegram.User, command string) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger:  logger.With("component", "relay"),
		store:   st,
		bot:     bot,
		builder: builder,
		gen:     gen,
		me:      me,
		command: strings.TrimPrefix(command, "/"),
		now:     time.Now,
	}
}

// SetEventBus publishes ingest and reply events to bus.
func (r *Relay) SetEventBus(bus *events.Bus) {
	r.events = bus
}

// HandleUpdate records the update's message and, when it is a trigger,
// generates and sends a reply. Updates without a text or photo message
// are ignored.
func (r *Relay) HandleUpdate(ctx context.Context, u *telegram.Update) error {
	msg, edited := u.Message, false
	if msg == nil {
		msg, edited = u.EditedMessage, true
	}
	if msg == nil || !storable(msg) {
		r.logger.Log(ctx, llm.LevelTrace, "ignoring update", "update_id", u.UpdateID)
		return nil
	}
	if msg.Chat.ID == 0 || msg.MessageID == 0 {
		return &MalformedTriggerError{UpdateID: u.UpdateID, Reason: "message has no chat or message id"}
	}

	if err := r.Ingest(ctx, msg); err != nil {
		return err
	}
	r.events.Publish(events.Event{
		Source: events.SourceRelay,
		Kind:   events.KindUpdateReceived,
		Data:   map[string]any{"chat_id": msg.Chat.ID, "message_id": msg.MessageID, "edited": edited},
	})

	// Edits update the record but never re-trigger a reply.
	if edited || !r.IsTrigger(msg) {
		return nil
	}
	return r.Respond(ctx, msg)
}

// Ingest stores msg, together with a placeholder for the message it
// replies to when there is one.
func (r *Relay) Ingest(ctx context.Context, msg *telegram.Message) error {
	turn := turnFromMessage(msg)
	if err := turn.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	placeholder, ok := placeholderFor(msg, r.me.ID)
	if !ok {
		if err := r.store.UpsertTurn(ctx, turn); err != nil {
			return fmt.Errorf("ingest %d/%d: %w", turn.ChatID, turn.MessageID, err)
		}
	} else {
		ref := placeholder.Key()
		turn.ReplyTo = &ref
		if err := r.store.UpsertWithReply(ctx, turn, placeholder); err != nil {
			return fmt.Errorf("ingest %d/%d: %w", turn.ChatID, turn.MessageID, err)
		}
	}

	r.logger.Debug("turn stored",
		"chat_id", turn.ChatID,
		"message_id", turn.MessageID,
		"kind", turn.Kind,
		"reply", turn.ReplyTo != nil,
	)
	return nil
}

// IsTrigger reports whether msg asks the bot to reply: a text message
// starting with the trigger command, or a text reply to one of the
// bot's own messages.
func (r *Relay) IsTrigger(msg *telegram.Message) bool {
	if msg.Text == "" {
		return false
	}
	if r.isCommand(msg.Text) {
		return true
	}
	reply := msg.ReplyToMessage
	return reply != nil && reply.From != nil && r.me.ID != 0 && reply.From.ID == r.me.ID
}

// isCommand matches "/c", "/c args" and "/c@botname args".
func (r *Relay) isCommand(text string) bool {
	first, _, _ := strings.Cut(text, " ")
	first, _, _ = strings.Cut(first, "\n")
	cmd, ok := strings.CutPrefix(first, "/")
	if !ok {
		return false
	}
	cmd, target, addressed := strings.Cut(cmd, "@")
	if cmd != r.command {
		return false
	}
	return !addressed || strings.EqualFold(target, r.me.Username)
}

// Respond generates a reply to the trigger msg, sends it, and stores
// the sent message. Failures leave the chat silent and nothing stored.
func (r *Relay) Respond(ctx context.Context, msg *telegram.Message) error {
	chatID := msg.Chat.ID
	start := time.Now()
	log := r.logger.With("chat_id", chatID, "message_id", msg.MessageID)
	log.Info("trigger received")
	r.events.Publish(events.Event{
		Source: events.SourceRelay,
		Kind:   events.KindTrigger,
		Data:   map[string]any{"chat_id": chatID, "message_id": msg.MessageID},
	})

	sent, steps, err := r.respond(ctx, msg)
	if err != nil {
		r.events.Publish(events.Event{
			Source: events.SourceRelay,
			Kind:   events.KindReplyFailed,
			Data:   map[string]any{"chat_id": chatID, "message_id": msg.MessageID, "error": err.Error()},
		})
		return err
	}

	elapsed := time.Since(start)
	log.Info("reply sent", "reply_id", sent.MessageID, "steps", steps, "elapsed", elapsed.Round(time.Millisecond))
	r.events.Publish(events.Event{
		Source: events.SourceRelay,
		Kind:   events.KindReplySent,
		Data: map[string]any{
			"chat_id":    chatID,
			"message_id": sent.MessageID,
			"reply_to":   msg.MessageID,
			"steps":      steps,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
	return nil
}

func (r *Relay) respond(ctx context.Context, msg *telegram.Message) (*telegram.Message, int, error) {
	chatID := msg.Chat.ID

	if err := r.bot.SendChatAction(ctx, chatID, "typing"); err != nil {
		r.logger.Debug("typing indicator failed", "chat_id", chatID, "error", err)
	}

	msgs, err := r.builder.Context(ctx, chatID, r.now())
	if err != nil {
		return nil, 0, fmt.Errorf("build context: %w", err)
	}

	resp, err := r.gen.Run(ctx, &agent.Request{
		ChatID:    chatID,
		TriggerID: msg.MessageID,
		Messages:  msgs,
	})
	if err != nil {
		return nil, 0, err
	}

	text, entities := markdown.Convert(resp.Content)
	if strings.TrimSpace(text) == "" {
		return nil, resp.Steps, ErrEmptyReply
	}

	sent, err := r.bot.SendMessage(ctx, chatID, text, telegram.SendOptions{
		ReplyTo:  msg.MessageID,
		Entities: entities,
	})
	if err != nil {
		return nil, resp.Steps, &DeliveryError{ChatID: chatID, ReplyTo: msg.MessageID, Err: err}
	}

	turn := generatedTurn(sent, text, msg, r.me)
	// The reply is already visible in the chat; record it even if the
	// request is being torn down.
	if err := r.store.UpsertTurn(context.WithoutCancel(ctx), turn); err != nil {
		return nil, resp.Steps, fmt.Errorf("store reply %d/%d: %w", turn.ChatID, turn.MessageID, err)
	}
	return sent, resp.Steps, nil
}

func generatedTurn(sent *telegram.Message, text string, trigger *telegram.Message, me telegram.User) store.Turn {
	body := sent.Text
	if body == "" {
		body = text
	}
	chatID := sent.Chat.ID
	if chatID == 0 {
		chatID = trigger.Chat.ID
	}
	return store.Turn{
		ChatID:     chatID,
		MessageID:  sent.MessageID,
		AuthorName: telegram.UserName(&me),
		Timestamp:  sent.Date,
		Kind:       store.KindGenerated,
		Body:       body,
		ReplyTo:    &store.Ref{ChatID: trigger.Chat.ID, MessageID: trigger.MessageID},
	}
}

// IsSilentFailure reports whether err is one of the expected
// generation or delivery failures that the chat never sees.
func IsSilentFailure(err error) bool {
	var aborted *agent.GenerationAbortedError
	var delivery *DeliveryError
	return errors.As(err, &aborted) || errors.As(err, &delivery) || errors.Is(err, ErrEmptyReply)
}
