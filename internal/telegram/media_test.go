package telegram

import (
	"context"
	"testing"
)

func TestMediaResolver(t *testing.T) {
	_, srv := newFakeBotAPI(t, map[string]string{
		"getFile": `{"file_id":"AgAD","file_path":"photos/file_12.jpg"}`,
	})
	m := NewMediaResolver(NewClient("tok", srv.URL, nil), "https://bot.example.com/download/")

	got, err := m.ResolveMediaURL(context.Background(), "AgAD")
	if err != nil {
		t.Fatalf("ResolveMediaURL: %v", err)
	}
	if want := "https://bot.example.com/download/photos/file_12.jpg"; got != want {
		t.Errorf("ResolveMediaURL = %q, want %q", got, want)
	}
}

func TestMediaResolver_FlatPath(t *testing.T) {
	_, srv := newFakeBotAPI(t, map[string]string{
		"getFile": `{"file_id":"AgAD","file_path":"orphan.jpg"}`,
	})
	m := NewMediaResolver(NewClient("tok", srv.URL, nil), "https://bot.example.com/download")
	if _, err := m.ResolveMediaURL(context.Background(), "AgAD"); err == nil {
		t.Fatal("expected error for path without a type directory")
	}
}

func TestMediaResolver_NestedPath(t *testing.T) {
	_, srv := newFakeBotAPI(t, map[string]string{
		"getFile": `{"file_id":"AgAD","file_path":"photos/2024/file_12.jpg"}`,
	})
	m := NewMediaResolver(NewClient("tok", srv.URL, nil), "https://bot.example.com/download")
	if got, err := m.ResolveMediaURL(context.Background(), "AgAD"); err == nil {
		t.Fatalf("ResolveMediaURL = %q, want error for a path the download route cannot serve", got)
	}
}
