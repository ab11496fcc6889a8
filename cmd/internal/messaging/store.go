package messaging

import (
	"context"
	"time"
)

// Store persists conversations and messages.
//
// Requirements:
//   - CreateConversation surfaces unique-key violations as ErrConflict so the
//     directory can re-read after a concurrent create.
//   - MergeConversation is atomic: message reassignment and duplicate-row
//     deletion either both happen or neither does.
//   - MessagesPage is ordered by created_at ASC with id as tiebreak so paging
//     is stable for a fixed store state.
type Store interface {
	ConversationByID(ctx context.Context, id string) (Conversation, error)

	// ConversationByKey looks up the exact canonical row (ordered pair + context key).
	ConversationByKey(ctx context.Context, a, b, contextKey string) (Conversation, error)

	// ConversationByAliases finds a row whose participants each match one of
	// the two alias sets (either assignment), same context key. It is the
	// legacy-row fallback for pre-canonicalization data.
	ConversationByAliases(ctx context.Context, aliasesA, aliasesB []string, contextKey string) (Conversation, error)

	CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)

	// MigrateConversationPair re-keys an existing row onto the canonical pair.
	MigrateConversationPair(ctx context.Context, id, a, b string) error

	// BackfillConversation fills topic and/or context key when absent.
	// Empty arguments leave the corresponding column untouched.
	BackfillConversation(ctx context.Context, id, topic, contextKey string) error

	// DuplicateConversations returns every conversation other than canonicalID
	// whose participants both fall in the alias sets, same context key.
	DuplicateConversations(ctx context.Context, canonicalID string, aliasesA, aliasesB []string, contextKey string) ([]Conversation, error)

	// MergeConversation moves all of dupID's messages to canonicalID and
	// deletes the duplicate row, atomically.
	MergeConversation(ctx context.Context, dupID, canonicalID string) error

	// NormalizeMessageParticipants rewrites sender/receiver columns from any
	// of the aliases to the canonical id for one participant.
	NormalizeMessageParticipants(ctx context.Context, conversationID, canonical string, aliases []string) error

	// InsertMessage persists a message and bumps the conversation updated_at.
	InsertMessage(ctx context.Context, m Message) error

	// MessagesPage returns messages of a conversation ordered created_at ASC,
	// skipping offset rows and returning at most limit. limit <= 0 means no
	// cap: everything from offset on.
	MessagesPage(ctx context.Context, conversationID string, offset, limit int) ([]Message, error)

	// MarkMessagesRead flips unread messages addressed to receiverID in the
	// conversation to read, returning the number of rows changed.
	MarkMessagesRead(ctx context.Context, conversationID, receiverID string) (int64, error)

	// CountUnread returns the user's global unread total across conversations.
	CountUnread(ctx context.Context, receiverID string) (int64, error)

	// UnreadByConversation returns per-conversation unread counts for the user.
	UnreadByConversation(ctx context.Context, receiverID string) (map[string]int64, error)

	// ConversationsForUser returns all conversations the user participates in.
	ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)

	// LastMessages returns the newest message per conversation id.
	LastMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error)

	Close() error
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time
