package messaging

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It mirrors PostgresStore semantics closely enough for unit tests:
// conflict detection on the conversation key, stable message ordering,
// and atomic merge.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string][]Message // conversation id -> ordered by created_at, id
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	const op = "messaging.ConversationByID"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
	}
	return *c, nil
}

func (s *InMemoryStore) ConversationByKey(ctx context.Context, a, b, contextKey string) (Conversation, error) {
	const op = "messaging.ConversationByKey"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.findByKeyLocked(a, b, contextKey); c != nil {
		return *c, nil
	}
	return Conversation{}, OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
}

func (s *InMemoryStore) findByKeyLocked(a, b, contextKey string) *Conversation {
	for _, c := range s.conversations {
		if c.ParticipantA == a && c.ParticipantB == b && c.ContextKey == contextKey {
			return c
		}
	}
	return nil
}

func (s *InMemoryStore) ConversationByAliases(ctx context.Context, aliasesA, aliasesB []string, contextKey string) (Conversation, error) {
	const op = "messaging.ConversationByAliases"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if len(aliasesA) == 0 || len(aliasesB) == 0 {
		return Conversation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty alias set"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Conversation
	for _, c := range s.conversations {
		if c.ContextKey != contextKey {
			continue
		}
		if !pairMatchesAliases(c.ParticipantA, c.ParticipantB, aliasesA, aliasesB) {
			continue
		}
		if best == nil || c.CreatedAt.Before(best.CreatedAt) {
			best = c
		}
	}
	if best == nil {
		return Conversation{}, OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
	}
	return *best, nil
}

func pairMatchesAliases(a, b string, aliasesA, aliasesB []string) bool {
	inA := containsString(aliasesA, a)
	inB := containsString(aliasesB, b)
	if inA && inB {
		return true
	}
	return containsString(aliasesB, a) && containsString(aliasesA, b)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	const op = "messaging.CreateConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if conv.ID == "" || conv.ParticipantA == "" || conv.ParticipantB == "" || conv.ContextKey == "" {
		return Conversation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing conversation fields"}
	}

	now := conv.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findByKeyLocked(conv.ParticipantA, conv.ParticipantB, conv.ContextKey) != nil {
		return Conversation{}, ConflictError{Op: op, Field: "conversation_key"}
	}

	conv.CreatedAt = now
	conv.UpdatedAt = now
	stored := conv
	s.conversations[conv.ID] = &stored
	return conv, nil
}

func (s *InMemoryStore) MigrateConversationPair(ctx context.Context, id, a, b string) error {
	const op = "messaging.MigrateConversationPair"

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
	}

	// Honor the unique (pair, context_key) constraint like Postgres does.
	if existing := s.findByKeyLocked(a, b, c.ContextKey); existing != nil && existing.ID != id {
		return ConflictError{Op: op, Field: "conversation_key"}
	}

	c.ParticipantA = a
	c.ParticipantB = b
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) BackfillConversation(ctx context.Context, id, topic, contextKey string) error {
	const op = "messaging.BackfillConversation"

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
	}
	if c.Topic == "" && topic != "" {
		c.Topic = topic
	}
	if c.ContextKey == "" && contextKey != "" {
		c.ContextKey = contextKey
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) DuplicateConversations(ctx context.Context, canonicalID string, aliasesA, aliasesB []string, contextKey string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(aliasesA) == 0 || len(aliasesB) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Conversation
	for _, c := range s.conversations {
		if c.ID == canonicalID || c.ContextKey != contextKey {
			continue
		}
		if pairMatchesAliases(c.ParticipantA, c.ParticipantB, aliasesA, aliasesB) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) MergeConversation(ctx context.Context, dupID, canonicalID string) error {
	const op = "messaging.MergeConversation"

	if err := ctx.Err(); err != nil {
		return err
	}
	if dupID == "" || canonicalID == "" || dupID == canonicalID {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "bad merge pair"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	moved := s.messages[dupID]
	for i := range moved {
		moved[i].ConversationID = canonicalID
	}
	s.messages[canonicalID] = append(s.messages[canonicalID], moved...)
	sortMessagesLocked(s.messages[canonicalID])

	delete(s.messages, dupID)
	delete(s.conversations, dupID)
	return nil
}

func (s *InMemoryStore) NormalizeMessageParticipants(ctx context.Context, conversationID, canonical string, aliases []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].SenderID != canonical && containsString(aliases, msgs[i].SenderID) {
			msgs[i].SenderID = canonical
		}
		if msgs[i].ReceiverID != canonical && containsString(aliases, msgs[i].ReceiverID) {
			msgs[i].ReceiverID = canonical
		}
	}
	return nil
}

func (s *InMemoryStore) InsertMessage(ctx context.Context, m Message) error {
	const op = "messaging.InsertMessage"

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" || m.ReceiverID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing message fields"}
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "referenced row does not exist"}
	}

	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	sortMessagesLocked(s.messages[m.ConversationID])
	c.UpdatedAt = m.CreatedAt
	return nil
}

func sortMessagesLocked(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func (s *InMemoryStore) MessagesPage(ctx context.Context, conversationID string, offset, limit int) ([]Message, error) {
	const op = "messaging.MessagesPage"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing conversation_id"}
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	snap := append([]Message(nil), s.messages[conversationID]...)
	s.mu.Unlock()

	if offset >= len(snap) {
		return []Message{}, nil
	}
	end := len(snap)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return snap[offset:end], nil
}

func (s *InMemoryStore) MarkMessagesRead(ctx context.Context, conversationID, receiverID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ReceiverID == receiverID && !msgs[i].IsRead {
			msgs[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountUnread(ctx context.Context, receiverID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ReceiverID == receiverID && !msgs[i].IsRead {
				n++
			}
		}
	}
	return n, nil
}

func (s *InMemoryStore) UnreadByConversation(ctx context.Context, receiverID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)
	for convID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ReceiverID == receiverID && !msgs[i].IsRead {
				out[convID]++
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *InMemoryStore) LastMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Message, len(conversationIDs))
	for _, id := range conversationIDs {
		msgs := s.messages[id]
		if len(msgs) == 0 {
			continue
		}
		out[id] = msgs[len(msgs)-1]
	}
	return out, nil
}
