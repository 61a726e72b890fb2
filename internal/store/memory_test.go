package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryUpsertChatByNaturalKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	svc, err := m.UpsertService(ctx, Service{Kind: "irc", Name: "libera", Identifier: "irc/libera", Enabled: true})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	first, err := m.UpsertChat(ctx, Chat{ServiceID: svc.ID, Kind: "irc", Identifier: "#lobby"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := m.UpsertChat(ctx, Chat{ServiceID: svc.ID, Kind: "irc", Identifier: "#lobby", Topic: "hi"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if first.ID == 0 || first.ID != second.ID {
		t.Fatalf("expected the same surrogate id, got %d and %d", first.ID, second.ID)
	}

	got, err := m.GetChatByIdentifier(ctx, svc.ID, "#lobby")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Topic != "hi" {
		t.Fatalf("expected updated topic, got %q", got.Topic)
	}

	chats, _ := m.ListChats(ctx, svc.ID)
	if len(chats) != 1 {
		t.Fatalf("expected one chat row, got %d", len(chats))
	}
}

func TestMemoryNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetUser(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetUserByIdentifier(ctx, 1, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.UpsertBridge(ctx, Bridge{ID: 9, Name: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for upsert by missing id, got %v", err)
	}
}

func TestMemoryUpsertByIDRenames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	b, _ := m.UpsertBridge(ctx, Bridge{Name: "old", Enabled: true})
	b.Name = "new"
	if _, err := m.UpsertBridge(ctx, b); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := m.GetBridgeByName(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old name to be released, got %v", err)
	}
	got, err := m.GetBridgeByName(ctx, "new")
	if err != nil || got.ID != b.ID {
		t.Fatalf("expected bridge under new name, got %+v %v", got, err)
	}
}

func TestMemoryBridgeChatPairIsUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	a, _ := m.UpsertBridgeChat(ctx, BridgeChat{BridgeID: 1, ChatID: 2, Enabled: true, Active: true})
	b, _ := m.UpsertBridgeChat(ctx, BridgeChat{BridgeID: 1, ChatID: 2, Enabled: true, Active: true})
	if a.ID != b.ID {
		t.Fatalf("expected one membership row, got ids %d and %d", a.ID, b.ID)
	}
	rows, _ := m.ListBridgeChats(ctx, 1)
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
}
