package messaging

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"workkap/cmd/identity"
)

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ID             string                `json:"id"`
	ContextKey     string                `json:"contextKey"`
	Topic          string                `json:"topic,omitempty"`
	OtherUser      *identity.UserSummary `json:"otherUser,omitempty"`
	LastMessage    *Message              `json:"lastMessage,omitempty"`
	UnreadCount    int64                 `json:"unreadCount"`
	LastActivityAt time.Time             `json:"lastActivityAt"`
}

// ConversationList is the full listing response.
type ConversationList struct {
	Conversations    []ConversationSummary `json:"conversations"`
	TotalUnreadCount int64                 `json:"totalUnreadCount"`
}

// QueryService builds per-user conversation listings with unread counts,
// last messages, and counterparty summaries.
type QueryService struct {
	log      *slog.Logger
	store    Store
	resolver *identity.Resolver
}

// NewQueryService constructs a QueryService.
func NewQueryService(log *slog.Logger, store Store, resolver *identity.Resolver) *QueryService {
	return &QueryService{log: log, store: store, resolver: resolver}
}

// ListConversations returns every conversation the user participates in,
// newest activity first, plus the global unread total.
//
// Unread counts come from one grouped query; the total is their sum, so the
// invariant "global unread equals the sum over conversations" holds by
// construction.
func (q *QueryService) ListConversations(ctx context.Context, userID string) (ConversationList, error) {
	const op = "messaging.ListConversations"

	if userID == "" {
		return ConversationList{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing user"}
	}

	convs, err := q.store.ConversationsForUser(ctx, userID)
	if err != nil {
		return ConversationList{}, err
	}
	if len(convs) == 0 {
		return ConversationList{Conversations: []ConversationSummary{}}, nil
	}

	unread, err := q.store.UnreadByConversation(ctx, userID)
	if err != nil {
		return ConversationList{}, err
	}

	ids := make([]string, 0, len(convs))
	otherIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
		if other, ok := c.OtherParticipant(userID); ok {
			otherIDs = append(otherIDs, other)
		}
	}

	lastMsgs, err := q.store.LastMessages(ctx, ids)
	if err != nil {
		return ConversationList{}, err
	}

	summaries, err := q.resolver.Summaries(ctx, otherIDs)
	if err != nil {
		// Display data is non-essential; the listing still works without it.
		q.log.Warn("messaging.list.summaries_failed", "err", err)
		summaries = map[string]identity.UserSummary{}
	}

	out := make([]ConversationSummary, 0, len(convs))
	var total int64

	for _, c := range convs {
		row := ConversationSummary{
			ID:          c.ID,
			ContextKey:  c.ContextKey,
			Topic:       c.Topic,
			UnreadCount: unread[c.ID],
		}
		total += unread[c.ID]

		if other, ok := c.OtherParticipant(userID); ok {
			if u, ok := summaries[other]; ok {
				row.OtherUser = &u
			}
		}

		lastActivity := c.UpdatedAt
		if lastActivity.IsZero() {
			lastActivity = c.CreatedAt
		}
		if m, ok := lastMsgs[c.ID]; ok {
			msg := m
			row.LastMessage = &msg
			lastActivity = m.CreatedAt
		}
		row.LastActivityAt = lastActivity

		out = append(out, row)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})

	return ConversationList{
		Conversations:    out,
		TotalUnreadCount: total,
	}, nil
}
