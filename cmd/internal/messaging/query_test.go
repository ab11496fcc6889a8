package messaging

import (
	"context"
	"testing"
	"time"

	"workkap/cmd/identity"
)

func TestListConversations(t *testing.T) {
	t.Parallel()

	log := testLogger()
	store := NewInMemoryStore()
	dir := NewDirectory(log, store, NopCache{})
	ctx := context.Background()

	uuidCara := "11111111-2222-4333-8444-000000000003"

	dirStore := identity.NewMemoryDirectory()
	dirStore.PutAccount(identity.Account{ID: uuidAlice, Email: "alice@example.com", FullName: "Alice", Username: "alice"})
	dirStore.PutAccount(identity.Account{ID: uuidBob, Email: "bob@example.com", FullName: "Bob", Username: "bob"})
	dirStore.PutAccount(identity.Account{ID: uuidCara, Email: "cara@example.com", FullName: "Cara", Username: "cara"})
	q := NewQueryService(log, store, identity.NewResolver(log, dirStore))

	convBob, err := dir.GetOrCreate(ctx,
		participant(uuidAlice), participant(uuidBob), "", "")
	if err != nil {
		t.Fatalf("convBob: %v", err)
	}
	convCara, err := dir.GetOrCreate(ctx,
		participant(uuidAlice), participant(uuidCara), "order:7", "Logo gig")
	if err != nil {
		t.Fatalf("convCara: %v", err)
	}

	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	mustInsert(t, store, Message{
		ID: "b1", ConversationID: convBob.ID,
		SenderID: uuidBob, ReceiverID: uuidAlice,
		Content: "old", CreatedAt: base,
	})
	mustInsert(t, store, Message{
		ID: "b2", ConversationID: convBob.ID,
		SenderID: uuidBob, ReceiverID: uuidAlice,
		Content: "older thread, two unread", CreatedAt: base.Add(time.Minute),
	})
	mustInsert(t, store, Message{
		ID: "c1", ConversationID: convCara.ID,
		SenderID: uuidCara, ReceiverID: uuidAlice,
		Content: "newest", CreatedAt: base.Add(time.Hour),
	})

	list, err := q.ListConversations(ctx, uuidAlice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if len(list.Conversations) != 2 {
		t.Fatalf("conversations=%d want 2", len(list.Conversations))
	}
	if list.TotalUnreadCount != 3 {
		t.Fatalf("total unread=%d want 3", list.TotalUnreadCount)
	}

	// Newest activity first.
	first, second := list.Conversations[0], list.Conversations[1]
	if first.ID != convCara.ID || second.ID != convBob.ID {
		t.Fatalf("ordering wrong: %s then %s", first.ID, second.ID)
	}

	if first.UnreadCount != 1 || second.UnreadCount != 2 {
		t.Fatalf("per-conversation unread: %d,%d want 1,2", first.UnreadCount, second.UnreadCount)
	}
	if first.UnreadCount+second.UnreadCount != list.TotalUnreadCount {
		t.Fatalf("total must equal the per-conversation sum")
	}

	if first.Topic != "Logo gig" || first.ContextKey != "order:7" {
		t.Fatalf("summary lost topic/context: %+v", first)
	}
	if first.LastMessage == nil || first.LastMessage.ID != "c1" {
		t.Fatalf("last message wrong: %+v", first.LastMessage)
	}
	if !first.LastActivityAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("last activity=%v want %v", first.LastActivityAt, base.Add(time.Hour))
	}

	if first.OtherUser == nil || first.OtherUser.Username != "cara" {
		t.Fatalf("counterparty summary wrong: %+v", first.OtherUser)
	}
	if second.OtherUser == nil || second.OtherUser.Username != "bob" {
		t.Fatalf("counterparty summary wrong: %+v", second.OtherUser)
	}
}

func TestListConversations_Empty(t *testing.T) {
	t.Parallel()

	log := testLogger()
	q := NewQueryService(log, NewInMemoryStore(), identity.NewResolver(log, identity.NewMemoryDirectory()))

	list, err := q.ListConversations(context.Background(), uuidAlice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Conversations) != 0 || list.TotalUnreadCount != 0 {
		t.Fatalf("expected empty listing, got %+v", list)
	}

	if _, err := q.ListConversations(context.Background(), ""); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input for missing user, got %v", err)
	}
}

func TestListConversations_NoMessagesUsesRowTimestamps(t *testing.T) {
	t.Parallel()

	log := testLogger()
	store := NewInMemoryStore()
	dir := NewDirectory(log, store, NopCache{})
	q := NewQueryService(log, store, identity.NewResolver(log, identity.NewMemoryDirectory()))
	ctx := context.Background()

	conv, err := dir.GetOrCreate(ctx, participant(uuidAlice), participant(uuidBob), "", "")
	if err != nil {
		t.Fatalf("conv: %v", err)
	}

	list, err := q.ListConversations(ctx, uuidAlice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Conversations) != 1 {
		t.Fatalf("conversations=%d want 1", len(list.Conversations))
	}

	row := list.Conversations[0]
	if row.LastMessage != nil {
		t.Fatalf("no messages expected, got %+v", row.LastMessage)
	}
	want := conv.UpdatedAt
	if want.IsZero() {
		want = conv.CreatedAt
	}
	if !row.LastActivityAt.Equal(want) {
		t.Fatalf("last activity=%v want %v", row.LastActivityAt, want)
	}
}
