package history

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/yaebot/internal/llm"
	"github.com/nugget/yaebot/internal/prompts"
	"github.com/nugget/yaebot/internal/store"
)

type fakeSource struct {
	rows      []store.Row
	err       error
	gotChat   int64
	gotSince  int64
	callCount int
}

func (f *fakeSource) QueryWindow(_ context.Context, chatID, since int64) ([]store.Row, error) {
	f.callCount++
	f.gotChat = chatID
	f.gotSince = since
	return f.rows, f.err
}

func row(id, ts int64, author, body string) store.Row {
	return store.Row{Turn: store.Turn{ChatID: 1, MessageID: id, Timestamp: ts, AuthorName: author, Kind: store.KindText, Body: body}}
}

func TestBuilder_WindowCutoff(t *testing.T) {
	src := &fakeSource{}
	b := NewBuilder(src, 0, "sys")
	now := time.Unix(10_000, 0)

	if _, err := b.Window(context.Background(), 42, now); err != nil {
		t.Fatal(err)
	}
	if src.gotChat != 42 {
		t.Errorf("chat = %d, want 42", src.gotChat)
	}
	if src.gotSince != 10_000-300 {
		t.Errorf("since = %d, want %d", src.gotSince, 10_000-300)
	}
}

func TestBuilder_ContextSortsBeforeFormatting(t *testing.T) {
	src := &fakeSource{rows: []store.Row{
		row(3, 103, "carol", "third"),
		row(1, 101, "alice", "first"),
		{Turn: store.Turn{ChatID: 1, MessageID: 2, Timestamp: 102, Kind: store.KindGenerated, Body: "second"}},
	}}
	b := NewBuilder(src, time.Minute, "sys")

	msgs, err := b.Context(context.Background(), 1, time.Unix(200, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != "sys" {
		t.Errorf("msgs[0] = %+v, want system prompt", msgs[0])
	}
	if !strings.Contains(msgs[1].Content, "first") {
		t.Errorf("msgs[1] = %q, want first", msgs[1].Content)
	}
	if msgs[2].Role != llm.RoleAssistant || msgs[2].Content != "second" {
		t.Errorf("msgs[2] = %+v, want assistant second", msgs[2])
	}
	if !strings.Contains(msgs[3].Content, "third") {
		t.Errorf("msgs[3] = %q, want third", msgs[3].Content)
	}
}

func TestBuilder_SourceError(t *testing.T) {
	boom := errors.New("disk gone")
	b := NewBuilder(&fakeSource{err: boom}, 0, "sys")
	if _, err := b.Context(context.Background(), 1, time.Now()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestBuilder_EmptyWindow(t *testing.T) {
	b := NewBuilder(&fakeSource{}, 0, "sys")
	msgs, err := b.Context(context.Background(), 1, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != llm.RoleSystem {
		t.Fatalf("msgs = %+v, want only the system prompt", msgs)
	}
}

func TestSort_TieBreaksOnMessageID(t *testing.T) {
	rows := []store.Row{row(9, 5, "", ""), row(7, 5, "", ""), row(8, 4, "", "")}
	Sort(rows)
	var got []int64
	for _, r := range rows {
		got = append(got, r.MessageID)
	}
	want := []int64{8, 7, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		row      store.Row
		wantRole string
		want     string
	}{
		{
			name:     "generated",
			row:      store.Row{Turn: store.Turn{Kind: store.KindGenerated, Body: "**hi**"}},
			wantRole: llm.RoleAssistant,
			want:     "**hi**",
		},
		{
			name:     "text",
			row:      row(1, 1, "alice", "hello"),
			wantRole: llm.RoleUser,
			want:     "User: alice\n\nSent message:\nhello",
		},
		{
			name:     "anonymous media without caption",
			row:      store.Row{Turn: store.Turn{Kind: store.KindMedia, MediaRef: "AgADphoto"}},
			wantRole: llm.RoleUser,
			want:     "User: anonymous\n\nSent image ID:\nAgADphoto",
		},
		{
			name: "reply to a photo",
			row: store.Row{
				Turn:  store.Turn{Kind: store.KindText, AuthorName: "bob", Body: "nice", ReplyTo: &store.Ref{ChatID: 1, MessageID: 5}},
				Reply: &store.Turn{Kind: store.KindMedia, Body: "my cat", MediaRef: "AgADcat"},
			},
			wantRole: llm.RoleUser,
			want:     "User: bob\n\nSent message:\nnice\n\nReplied-to message:\nmy cat\n\nReplied-to image ID:\nAgADcat",
		},
		{
			name: "unresolved reply",
			row: store.Row{
				Turn: store.Turn{Kind: store.KindText, AuthorName: "bob", Body: "what?", ReplyTo: &store.Ref{ChatID: 1, MessageID: 5}},
			},
			wantRole: llm.RoleUser,
			want:     "User: bob\n\nSent message:\nwhat?\n\nReplied-to message:\n" + prompts.UnresolvedReply,
		},
		{
			name: "reply to a bodiless placeholder",
			row: store.Row{
				Turn:  store.Turn{Kind: store.KindText, AuthorName: "bob", Body: "hm", ReplyTo: &store.Ref{ChatID: 2, MessageID: 5}},
				Reply: &store.Turn{Kind: store.KindText},
			},
			wantRole: llm.RoleUser,
			want:     "User: bob\n\nSent message:\nhm",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.row)
			if got.Role != tt.wantRole {
				t.Errorf("Role = %q, want %q", got.Role, tt.wantRole)
			}
			if got.Content != tt.want {
				t.Errorf("Content =\n%q\nwant\n%q", got.Content, tt.want)
			}
		})
	}
}
