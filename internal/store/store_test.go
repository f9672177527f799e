package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every pooled connection to :memory: would get its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustGet(t *testing.T, s *Store, chatID, messageID int64) *Turn {
	t.Helper()
	got, err := s.Get(context.Background(), Ref{ChatID: chatID, MessageID: messageID})
	if err != nil {
		t.Fatalf("Get(%d/%d): %v", chatID, messageID, err)
	}
	return got
}

func TestUpsertTurn_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	turn := Turn{ChatID: 1, MessageID: 10, AuthorName: "alice", Timestamp: 100, Kind: KindText, Body: "hi"}

	for i := 0; i < 3; i++ {
		if err := s.UpsertTurn(ctx, turn); err != nil {
			t.Fatalf("UpsertTurn #%d: %v", i, err)
		}
	}

	rows, err := s.QueryWindow(ctx, 1, 0)
	if err != nil {
		t.Fatalf("QueryWindow: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Body != "hi" || rows[0].AuthorName != "alice" {
		t.Errorf("row = %+v", rows[0].Turn)
	}
}

func TestUpsertTurn_EditUpdatesBodyAndAuthorOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	orig := Turn{ChatID: 1, MessageID: 7, AuthorName: "alice", Timestamp: 100, Kind: KindMedia, Body: "caption", MediaRef: "file-a"}
	if err := s.UpsertTurn(ctx, orig); err != nil {
		t.Fatal(err)
	}
	edit := Turn{ChatID: 1, MessageID: 7, AuthorName: "alice2", Timestamp: 999, Kind: KindMedia, Body: "new caption", MediaRef: "file-b"}
	if err := s.UpsertTurn(ctx, edit); err != nil {
		t.Fatal(err)
	}

	got := mustGet(t, s, 1, 7)
	if got.Body != "new caption" {
		t.Errorf("Body = %q, want new caption", got.Body)
	}
	if got.AuthorName != "alice2" {
		t.Errorf("AuthorName = %q, want alice2", got.AuthorName)
	}
	if got.Timestamp != 100 {
		t.Errorf("Timestamp = %d, want unchanged 100", got.Timestamp)
	}
	if got.MediaRef != "file-a" {
		t.Errorf("MediaRef = %q, want unchanged file-a", got.MediaRef)
	}
}

func TestUpsertTurn_AbsentFieldsDoNotRegress(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertTurn(ctx, Turn{ChatID: 1, MessageID: 1, AuthorName: "bob", Timestamp: 5, Kind: KindText, Body: "known"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTurn(ctx, Turn{ChatID: 1, MessageID: 1, Timestamp: 5, Kind: KindText}); err != nil {
		t.Fatal(err)
	}

	got := mustGet(t, s, 1, 1)
	if got.Body != "known" || got.AuthorName != "bob" {
		t.Errorf("fields regressed: %+v", got)
	}
}

func TestUpsertPlaceholder_NeverOverrides(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertTurn(ctx, Turn{ChatID: 1, MessageID: 2, AuthorName: "carol", Timestamp: 50, Kind: KindText, Body: "real"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPlaceholder(ctx, Turn{ChatID: 1, MessageID: 2, AuthorName: "stale", Kind: KindText, Body: "stale"}); err != nil {
		t.Fatal(err)
	}

	got := mustGet(t, s, 1, 2)
	if got.Body != "real" || got.AuthorName != "carol" || got.Timestamp != 50 {
		t.Errorf("placeholder overrode row: %+v", got)
	}
}

func TestUpsertPlaceholder_ThenRealTurn(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// (1,2) replies to (1,1) before (1,1) itself has been seen.
	reply := Turn{ChatID: 1, MessageID: 2, AuthorName: "bob", Timestamp: 110, Kind: KindText, Body: "nice",
		ReplyTo: &Ref{ChatID: 1, MessageID: 1}}
	placeholder := Turn{ChatID: 1, MessageID: 1, Kind: KindText}
	if err := s.UpsertWithReply(ctx, reply, placeholder); err != nil {
		t.Fatal(err)
	}

	real := Turn{ChatID: 1, MessageID: 1, AuthorName: "alice", Timestamp: 100, Kind: KindMedia, Body: "look", MediaRef: "file-1"}
	if err := s.UpsertTurn(ctx, real); err != nil {
		t.Fatal(err)
	}

	got := mustGet(t, s, 1, 1)
	if got.AuthorName != "alice" || got.Timestamp != 100 || got.Kind != KindMedia || got.Body != "look" || got.MediaRef != "file-1" {
		t.Errorf("placeholder not reconciled: %+v", got)
	}

	rows, err := s.QueryWindow(ctx, 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("window has %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if r.MessageID != 2 {
			continue
		}
		if r.Reply == nil || r.Reply.Kind != KindMedia || r.Reply.MediaRef != "file-1" || r.Reply.Body != "look" {
			t.Errorf("reply not resolved to the real turn: %+v", r.Reply)
		}
	}
}

func TestUpsertTurn_FillsMissingReplyLink(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertPlaceholder(ctx, Turn{ChatID: 1, MessageID: 5, Kind: KindText, Body: "quoted"}); err != nil {
		t.Fatal(err)
	}
	withLink := Turn{ChatID: 1, MessageID: 5, Timestamp: 40, Kind: KindText, Body: "full",
		ReplyTo: &Ref{ChatID: 1, MessageID: 4}}
	if err := s.UpsertTurn(ctx, withLink); err != nil {
		t.Fatal(err)
	}
	got := mustGet(t, s, 1, 5)
	if got.ReplyTo == nil || *got.ReplyTo != (Ref{ChatID: 1, MessageID: 4}) {
		t.Errorf("ReplyTo = %+v, want 1/4", got.ReplyTo)
	}

	// A known link is never replaced.
	other := withLink
	other.ReplyTo = &Ref{ChatID: 1, MessageID: 3}
	if err := s.UpsertTurn(ctx, other); err != nil {
		t.Fatal(err)
	}
	got = mustGet(t, s, 1, 5)
	if *got.ReplyTo != (Ref{ChatID: 1, MessageID: 4}) {
		t.Errorf("ReplyTo = %+v, want unchanged 1/4", got.ReplyTo)
	}
}

func TestUpsertWithReply(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := Turn{ChatID: 1, MessageID: 20, AuthorName: "dave", Timestamp: 200, Kind: KindText, Body: "agreed", ReplyTo: &Ref{ChatID: 1, MessageID: 19}}
	ph := Turn{ChatID: 1, MessageID: 19, AuthorName: "erin", Timestamp: 190, Kind: KindMedia, MediaRef: "photo-19"}
	if err := s.UpsertWithReply(ctx, msg, ph); err != nil {
		t.Fatalf("UpsertWithReply: %v", err)
	}

	rows, err := s.QueryWindow(ctx, 1, 195)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Reply == nil {
		t.Fatal("reply not resolved")
	}
	if rows[0].Reply.MediaRef != "photo-19" || rows[0].Reply.AuthorName != "erin" {
		t.Errorf("Reply = %+v", rows[0].Reply)
	}
	if rows[0].Unresolved() {
		t.Error("Unresolved() = true for joined reply")
	}
}

func TestUpsertWithReply_MismatchedPlaceholder(t *testing.T) {
	s := testStore(t)
	msg := Turn{ChatID: 1, MessageID: 20, Timestamp: 200, Kind: KindText, Body: "x", ReplyTo: &Ref{ChatID: 1, MessageID: 19}}
	ph := Turn{ChatID: 1, MessageID: 18, Kind: KindText}
	if err := s.UpsertWithReply(context.Background(), msg, ph); err == nil {
		t.Fatal("expected error for mismatched placeholder")
	}
}

func TestUpsertWithReply_AllOrNothing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := Turn{ChatID: 1, MessageID: 30, Timestamp: 300, Kind: KindText, Body: "x", ReplyTo: &Ref{ChatID: 1, MessageID: 29}}
	// An invalid placeholder fails the second write inside the transaction.
	bad := Turn{ChatID: 1, MessageID: 29, Kind: KindGenerated, MediaRef: "not allowed"}
	if err := s.UpsertWithReply(ctx, msg, bad); err == nil {
		t.Fatal("expected error")
	}

	_, err := s.Get(ctx, Ref{ChatID: 1, MessageID: 30})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("first write survived a failed transaction: err = %v", err)
	}
}

func TestQueryWindow_Bounds(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, turn := range []Turn{
		{ChatID: 1, MessageID: 1, Timestamp: 100, Kind: KindText, Body: "at boundary"},
		{ChatID: 1, MessageID: 2, Timestamp: 101, Kind: KindText, Body: "inside"},
		{ChatID: 2, MessageID: 3, Timestamp: 150, Kind: KindText, Body: "other chat"},
		{ChatID: 1, MessageID: 4, Timestamp: 0, Kind: KindText, Body: "placeholder"},
	} {
		if err := s.UpsertTurn(ctx, turn); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.QueryWindow(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].MessageID != 2 {
		t.Fatalf("rows = %+v, want only message 2", rows)
	}
}

func TestQueryWindow_UnresolvedReply(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	turn := Turn{ChatID: 1, MessageID: 5, Timestamp: 10, Kind: KindText, Body: "re", ReplyTo: &Ref{ChatID: 9, MessageID: 9}}
	if err := s.UpsertTurn(ctx, turn); err != nil {
		t.Fatal(err)
	}
	rows, err := s.QueryWindow(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || !rows[0].Unresolved() {
		t.Fatalf("rows = %+v, want one unresolved reply", rows)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		turn    Turn
		wantErr bool
	}{
		{"text", Turn{Kind: KindText}, false},
		{"media", Turn{Kind: KindMedia, MediaRef: "f"}, false},
		{"media without ref", Turn{Kind: KindMedia}, true},
		{"generated", Turn{Kind: KindGenerated, Body: "x"}, false},
		{"generated with media", Turn{Kind: KindGenerated, MediaRef: "f"}, true},
		{"unknown kind", Turn{Kind: "video"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.turn.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpen_ConcurrentWriters(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nested", "chat.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half the writers race on the same key.
			id := int64(i)
			if i%2 == 0 {
				id = 1000
			}
			msg := Turn{ChatID: 1, MessageID: id, Timestamp: 10, Kind: KindText, Body: "b", ReplyTo: &Ref{ChatID: 1, MessageID: 999}}
			ph := Turn{ChatID: 1, MessageID: 999, Kind: KindText, Body: "target"}
			errs <- s.UpsertWithReply(ctx, msg, ph)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent write: %v", err)
		}
	}

	rows, err := s.QueryWindow(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]int, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, int(r.MessageID))
	}
	sort.Ints(ids)
	// 20 odd ids plus the shared key 1000.
	if len(ids) != 21 {
		t.Errorf("got %d rows (%v), want 21", len(ids), ids)
	}
}
