// Package history turns stored turns into the dialogue the model sees.
// A Builder selects the recent turns of one chat, sorts them into
// chronological order and formats each into a role-tagged message
// behind a single system prompt.
package history

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nugget/yaebot/internal/llm"
	"github.com/nugget/yaebot/internal/prompts"
	"github.com/nugget/yaebot/internal/store"
)

// DefaultWindow is how far back a context reaches.
const DefaultWindow = 300 * time.Second

// WindowSource supplies turns newer than a cutoff. *store.Store
// satisfies it.
type WindowSource interface {
	QueryWindow(ctx context.Context, chatID, since int64) ([]store.Row, error)
}

// Builder assembles model context for a chat.
type Builder struct {
	src    WindowSource
	window time.Duration
	system string
}

// NewBuilder returns a Builder reading from src. A non-positive window
// means DefaultWindow.
func NewBuilder(src WindowSource, window time.Duration, systemPrompt string) *Builder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Builder{src: src, window: window, system: systemPrompt}
}

// Window returns the turns of chatID with a timestamp strictly after
// now minus the window, in whatever order the source produced them.
func (b *Builder) Window(ctx context.Context, chatID int64, now time.Time) ([]store.Row, error) {
	since := now.Add(-b.window).Unix()
	rows, err := b.src.QueryWindow(ctx, chatID, since)
	if err != nil {
		return nil, fmt.Errorf("window for chat %d: %w", chatID, err)
	}
	return rows, nil
}

// Context returns the full message sequence for a generation: the
// system prompt followed by the window in chronological order.
func (b *Builder) Context(ctx context.Context, chatID int64, now time.Time) ([]llm.Message, error) {
	rows, err := b.Window(ctx, chatID, now)
	if err != nil {
		return nil, err
	}
	Sort(rows)
	return Messages(b.system, rows), nil
}

// Sort orders rows by timestamp, oldest first. Turns sharing a second
// fall back to message id, which Telegram assigns in send order.
func Sort(rows []store.Row) {
	slices.SortStableFunc(rows, func(a, b store.Row) int {
		if a.Timestamp != b.Timestamp {
			return cmp.Compare(a.Timestamp, b.Timestamp)
		}
		return cmp.Compare(a.MessageID, b.MessageID)
	})
}

// Messages prepends exactly one system message to the formatted rows.
// Rows must already be sorted.
func Messages(system string, rows []store.Row) []llm.Message {
	out := make([]llm.Message, 0, len(rows)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, r := range rows {
		out = append(out, Format(r))
	}
	return out
}

// Anonymous names a sender whose display name is unknown.
const Anonymous = "anonymous"

// Format renders one row. Bot-generated turns become assistant
// messages holding their text verbatim. Everything else becomes a user
// message made of labelled blocks separated by blank lines. Missing
// optional fields are skipped.
func Format(r store.Row) llm.Message {
	if r.Kind == store.KindGenerated {
		return llm.Message{Role: llm.RoleAssistant, Content: r.Body}
	}

	author := r.AuthorName
	if author == "" {
		author = Anonymous
	}
	blocks := []string{"User: " + author}

	if r.Body != "" {
		blocks = append(blocks, "Sent message:\n"+r.Body)
	}
	if r.Kind == store.KindMedia && r.MediaRef != "" {
		blocks = append(blocks, "Sent image ID:\n"+r.MediaRef)
	}

	switch {
	case r.Reply != nil:
		if r.Reply.Body != "" {
			blocks = append(blocks, "Replied-to message:\n"+r.Reply.Body)
		}
		if r.Reply.Kind == store.KindMedia && r.Reply.MediaRef != "" {
			blocks = append(blocks, "Replied-to image ID:\n"+r.Reply.MediaRef)
		}
	case r.Unresolved():
		blocks = append(blocks, "Replied-to message:\n"+prompts.UnresolvedReply)
	}

	return llm.Message{Role: llm.RoleUser, Content: strings.Join(blocks, "\n\n")}
}
