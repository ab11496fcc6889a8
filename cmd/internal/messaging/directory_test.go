package messaging

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"workkap/cmd/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func participant(canonical string, aliases ...string) identity.Participant {
	return identity.Participant{
		Canonical: canonical,
		Aliases:   append([]string{canonical}, aliases...),
		Exists:    true,
	}
}

func newTestDirectory(store Store) *Directory {
	return NewDirectory(testLogger(), store, NopCache{})
}

func TestGetOrCreate_PairSymmetry(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	dir := newTestDirectory(store)
	ctx := context.Background()

	alice := participant("alice")
	bob := participant("bob")

	c1, err := dir.GetOrCreate(ctx, alice, bob, "", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	c2, err := dir.GetOrCreate(ctx, bob, alice, "", "")
	if err != nil {
		t.Fatalf("get or create reversed: %v", err)
	}

	if c1.ID != c2.ID {
		t.Fatalf("(a,b) and (b,a) must share one conversation: %s vs %s", c1.ID, c2.ID)
	}
	if c1.ParticipantA != "alice" || c1.ParticipantB != "bob" {
		t.Fatalf("pair must be stored in order: (%s,%s)", c1.ParticipantA, c1.ParticipantB)
	}
	if c1.ContextKey != DefaultContextKey {
		t.Fatalf("context key must default, got %q", c1.ContextKey)
	}
}

func TestGetOrCreate_ContextIsolation(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	dir := newTestDirectory(store)
	ctx := context.Background()

	alice := participant("alice")
	bob := participant("bob")

	def, err := dir.GetOrCreate(ctx, alice, bob, "", "")
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	order, err := dir.GetOrCreate(ctx, alice, bob, "order:9", "")
	if err != nil {
		t.Fatalf("order: %v", err)
	}

	if def.ID == order.ID {
		t.Fatalf("different context keys must not share a conversation")
	}
}

func TestGetOrCreate_InvalidContextKey(t *testing.T) {
	t.Parallel()

	dir := newTestDirectory(NewInMemoryStore())

	if _, err := dir.GetOrCreate(context.Background(), participant("alice"), participant("bob"), "bad key!", ""); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestGetOrCreate_SameParticipant(t *testing.T) {
	t.Parallel()

	dir := newTestDirectory(NewInMemoryStore())
	p := participant("alice")

	if _, err := dir.GetOrCreate(context.Background(), p, p, "", ""); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestGetOrCreate_AliasMigration(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	dir := newTestDirectory(store)
	ctx := context.Background()

	// Legacy row keyed by profile ids instead of canonical account ids.
	pa, pb := OrderPair("alice-client-profile", "bob")
	legacy, err := store.CreateConversation(ctx, Conversation{
		ID:           "legacy-1",
		ParticipantA: pa,
		ParticipantB: pb,
		ContextKey:   DefaultContextKey,
	})
	if err != nil {
		t.Fatalf("seed legacy: %v", err)
	}
	mustInsert(t, store, Message{
		ID: "m1", ConversationID: legacy.ID,
		SenderID: "alice-client-profile", ReceiverID: "bob", Content: "hi",
	})

	alice := participant("alice", "alice-client-profile")
	bob := participant("bob")

	conv, err := dir.GetOrCreate(ctx, alice, bob, "", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	if conv.ID != legacy.ID {
		t.Fatalf("legacy row must be reused, got %s want %s", conv.ID, legacy.ID)
	}
	wantA, wantB := OrderPair("alice", "bob")
	if conv.ParticipantA != wantA || conv.ParticipantB != wantB {
		t.Fatalf("row must be migrated to canonical pair: (%s,%s)", conv.ParticipantA, conv.ParticipantB)
	}

	msgs, err := store.MessagesPage(ctx, conv.ID, 0, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SenderID != "alice" {
		t.Fatalf("messages must be normalized to canonical ids: %+v", msgs)
	}
}

func TestGetOrCreate_DuplicateMerge(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	cache := &recordingCache{}
	dir := NewDirectory(testLogger(), store, cache)
	ctx := context.Background()

	alice := participant("alice", "alice-freelancer-profile")
	bob := participant("bob")

	canonical, err := dir.GetOrCreate(ctx, alice, bob, "", "")
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	mustInsert(t, store, Message{
		ID: "m1", ConversationID: canonical.ID,
		SenderID: "alice", ReceiverID: "bob", Content: "one",
	})

	// A duplicate created under the freelancer profile id before
	// canonicalization existed.
	dpa, dpb := OrderPair("alice-freelancer-profile", "bob")
	dup, err := store.CreateConversation(ctx, Conversation{
		ID:           "dup-1",
		ParticipantA: dpa,
		ParticipantB: dpb,
		ContextKey:   DefaultContextKey,
	})
	if err != nil {
		t.Fatalf("seed dup: %v", err)
	}
	mustInsert(t, store, Message{
		ID: "m2", ConversationID: dup.ID,
		SenderID: "alice-freelancer-profile", ReceiverID: "bob", Content: "two",
	})

	conv, err := dir.GetOrCreate(ctx, alice, bob, "", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if conv.ID != canonical.ID {
		t.Fatalf("canonical row must win: %s want %s", conv.ID, canonical.ID)
	}

	if _, err := store.ConversationByID(ctx, dup.ID); !IsNotFound(err) {
		t.Fatalf("duplicate row must be deleted, got %v", err)
	}

	msgs, err := store.MessagesPage(ctx, canonical.ID, 0, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("duplicate messages must be merged, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.SenderID != "alice" && m.SenderID != "bob" {
			t.Fatalf("merged message not normalized: %+v", m)
		}
	}

	if !cache.dropped(dup.ID) || !cache.dropped(canonical.ID) {
		t.Fatalf("cache entries must be dropped after merge: %v", cache.drops)
	}
}

func TestGetOrCreate_ConcurrentSamePair(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	dir := newTestDirectory(store)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := dir.GetOrCreate(ctx, participant("alice"), participant("bob"), "order:7", "")
			ids[i], errs[i] = conv.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("racing creators must converge on one row: %s vs %s", ids[i], ids[0])
		}
	}

	convs, err := store.ConversationsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations=%d want 1", len(convs))
	}
}

func TestGetOrCreate_CreateConflictUsesWinner(t *testing.T) {
	t.Parallel()

	store := &racingStore{Store: NewInMemoryStore(), winnerID: "winner-1"}
	dir := newTestDirectory(store)

	conv, err := dir.GetOrCreate(context.Background(), participant("alice"), participant("bob"), "", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if conv.ID != "winner-1" {
		t.Fatalf("lost create must resolve to the surviving row, got %s", conv.ID)
	}
}

func TestGetOrCreate_NormalizesWithoutDuplicates(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	dir := newTestDirectory(store)
	ctx := context.Background()

	alice := participant("alice", "alice-client-profile")
	bob := participant("bob")

	conv, err := dir.GetOrCreate(ctx, alice, bob, "", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	// An alias-authored message with no sibling conversation to merge.
	mustInsert(t, store, Message{
		ID: "m1", ConversationID: conv.ID,
		SenderID: "alice-client-profile", ReceiverID: "bob", Content: "hi",
	})

	if _, err := dir.GetOrCreate(ctx, alice, bob, "", ""); err != nil {
		t.Fatalf("repeat: %v", err)
	}

	msgs, err := store.MessagesPage(ctx, conv.ID, 0, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SenderID != "alice" {
		t.Fatalf("alias sender must be normalized even with zero duplicates: %+v", msgs)
	}
}

func TestFind_DoesNotCreate(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	dir := newTestDirectory(store)
	ctx := context.Background()

	if _, err := dir.Find(ctx, participant("alice"), participant("bob"), ""); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	// Nothing must have been created as a side effect.
	convs, err := store.ConversationsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("find must not create rows, got %d", len(convs))
	}
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	dir := newTestDirectory(store)
	ctx := context.Background()

	alice := participant("alice")
	bob := participant("bob")

	first, err := dir.GetOrCreate(ctx, alice, bob, "order:1", "Gig kickoff")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := dir.GetOrCreate(ctx, alice, bob, "order:1", "")
		if err != nil {
			t.Fatalf("again: %v", err)
		}
		if again.ID != first.ID {
			t.Fatalf("get or create must be idempotent")
		}
		if again.Topic != "Gig kickoff" {
			t.Fatalf("topic must survive, got %q", again.Topic)
		}
	}
}

func mustInsert(t *testing.T, store Store, m Message) {
	t.Helper()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := store.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("insert %s: %v", m.ID, err)
	}
}

// racingStore makes the first create lose to a concurrently inserted row:
// the winner lands in the inner store under winnerID and the caller gets the
// uniqueness conflict, as if another creator committed first.
type racingStore struct {
	Store
	winnerID string

	mu    sync.Mutex
	raced bool
}

func (s *racingStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	s.mu.Lock()
	raced := s.raced
	s.raced = true
	s.mu.Unlock()

	if raced {
		return s.Store.CreateConversation(ctx, conv)
	}

	winner := conv
	winner.ID = s.winnerID
	if _, err := s.Store.CreateConversation(ctx, winner); err != nil {
		return Conversation{}, err
	}
	return Conversation{}, ConflictError{Op: "messaging.CreateConversation", Field: "conversation_key"}
}

// recordingCache captures Drop calls for assertions.
type recordingCache struct {
	mu    sync.Mutex
	drops []string
}

func (c *recordingCache) Append(_ context.Context, _ string, _ Message) error { return nil }

func (c *recordingCache) List(_ context.Context, _ string) ([]Message, error) { return nil, nil }

func (c *recordingCache) Drop(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops = append(c.drops, conversationID)
	return nil
}

func (c *recordingCache) dropped(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.drops {
		if id == conversationID {
			return true
		}
	}
	return false
}
