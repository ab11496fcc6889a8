package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"workkap/cmd/identity"
)

// Bounds for message fetches and content.
const (
	MaxPageLimit    = 200
	MaxContentChars = 10000
)

// Service is the message facade: sending, paged fetching with read-on-view,
// and unread accounting. It composes the Store (durable), the MessageCache
// (best effort), the Directory (conversation identity), and the identity
// Resolver.
type Service struct {
	log      *slog.Logger
	store    Store
	cache    MessageCache
	dir      *Directory
	resolver *identity.Resolver
	metrics  *Metrics
	now      Clock
}

// NewService constructs the facade.
func NewService(log *slog.Logger, store Store, cache MessageCache, dir *Directory, resolver *identity.Resolver, metrics *Metrics) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	return &Service{
		log:      log,
		store:    store,
		cache:    cache,
		dir:      dir,
		resolver: resolver,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock (tests).
func (s *Service) WithClock(now Clock) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Directory exposes the conversation directory (websocket gateway, HTTP API).
func (s *Service) Directory() *Directory { return s.dir }

// Resolver exposes the identity resolver.
func (s *Service) Resolver() *identity.Resolver { return s.resolver }

// SendInput describes one message send.
type SendInput struct {
	ConversationID string
	SenderID       string // canonical account id from the verified token
	Content        string
	Attachments    []Attachment
}

// Send persists a message in the conversation and appends it to the cache
// best-effort. The sender must be a conversation participant; the receiver
// is derived, never caller-supplied.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, error) {
	const op = "messaging.Send"

	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.Attachments) == 0 {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty message"}
	}
	if len([]rune(content)) > MaxContentChars {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "content too long"}
	}

	conv, err := s.store.ConversationByID(ctx, in.ConversationID)
	if err != nil {
		return Message{}, err
	}

	receiver, ok := conv.OtherParticipant(in.SenderID)
	if !ok {
		return Message{}, OpError{Op: op, Kind: ErrForbidden, Msg: "sender is not a participant"}
	}

	now := s.now()
	id, err := identity.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	attachments := in.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}

	msg := Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		Content:        content,
		Attachments:    attachments,
		IsRead:         false,
		CreatedAt:      now,
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return Message{}, err
	}

	// Cache append is best-effort; a cold cache just reads from the store.
	if err := s.cache.Append(ctx, conv.ID, msg); err != nil {
		s.log.Warn("messaging.cache.append_failed",
			"conversation_id", conv.ID,
			"message_id", msg.ID,
			"err", err,
		)
	}

	return msg, nil
}

// FetchInput describes one message fetch. Page and Limit both zero means
// the full conversation history; otherwise both must be supplied and valid.
type FetchInput struct {
	ConversationID string
	ViewerID       string
	Page           int
	Limit          int

	// MarkRead flips messages addressed to the viewer to read (read-on-view).
	MarkRead bool
}

// MessagePage is the result of a paged fetch.
type MessagePage struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	Page           int       `json:"page"`
	Limit          int       `json:"limit"`
	UnreadCount    int64     `json:"unreadCount"`
}

// GetMessages returns one page of a conversation, cache-first.
//
// The durable store is authoritative for read flags; cached snapshots keep
// whatever flag they were appended with, and the returned unread count is
// always recomputed from the store.
func (s *Service) GetMessages(ctx context.Context, in FetchInput) (MessagePage, error) {
	const op = "messaging.GetMessages"

	paginated := in.Page != 0 || in.Limit != 0
	if paginated {
		if in.Page < 1 {
			return MessagePage{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "page must be >= 1"}
		}
		if in.Limit < 1 || in.Limit > MaxPageLimit {
			return MessagePage{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "limit out of range"}
		}
	}
	if in.ConversationID == "" || in.ViewerID == "" {
		return MessagePage{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing conversation or viewer"}
	}

	offset := 0
	if paginated {
		offset = (in.Page - 1) * in.Limit
	}

	msgs, err := s.pageFromCache(ctx, in.ConversationID, offset, in.Limit)
	if err != nil || msgs == nil {
		if err != nil {
			s.log.Warn("messaging.cache.list_failed", "conversation_id", in.ConversationID, "err", err)
		}
		msgs, err = s.store.MessagesPage(ctx, in.ConversationID, offset, in.Limit)
		if err != nil {
			return MessagePage{}, err
		}
	}

	if in.MarkRead {
		if _, err := s.store.MarkMessagesRead(ctx, in.ConversationID, in.ViewerID); err != nil {
			return MessagePage{}, err
		}
	}

	unread, err := s.store.CountUnread(ctx, in.ViewerID)
	if err != nil {
		return MessagePage{}, err
	}

	return MessagePage{
		ConversationID: in.ConversationID,
		Messages:       msgs,
		Page:           in.Page,
		Limit:          in.Limit,
		UnreadCount:    unread,
	}, nil
}

// pageFromCache slices the cached list. A nil result means cache miss.
// limit <= 0 returns everything from offset on.
func (s *Service) pageFromCache(ctx context.Context, conversationID string, offset, limit int) ([]Message, error) {
	cached, err := s.cache.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(cached) == 0 {
		return nil, nil
	}
	if offset >= len(cached) {
		return []Message{}, nil
	}
	end := len(cached)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return cached[offset:end], nil
}

// BetweenInput describes a fetch addressed by the other party instead of a
// conversation id.
type BetweenInput struct {
	SelfRef  string // caller reference (canonical id from token)
	OtherRef string // other party reference (any alias form)

	ContextKey string
	Page       int
	Limit      int
	MarkRead   bool

	// CorrelationID threads request identity through logs and slow-fetch warnings.
	CorrelationID string
}

// GetConversationBetween resolves both parties, locates their conversation,
// and returns a message page. It never creates a conversation.
//
// Every call is measured; fetches slower than slowFetchThreshold log a warning.
func (s *Service) GetConversationBetween(ctx context.Context, in BetweenInput) (page MessagePage, err error) {
	const op = "messaging.GetConversationBetween"

	start := s.now()
	defer func() {
		elapsed := s.now().Sub(start)
		outcome := OutcomeForError(err)
		s.metrics.ObserveFetch(outcome, elapsed)

		if elapsed > slowFetchThreshold {
			s.log.Warn("messaging.fetch.slow",
				"duration_ms", elapsed.Milliseconds(),
				"outcome", outcome,
				"correlation_id", in.CorrelationID,
				"context_key", in.ContextKey,
			)
		}
	}()

	if !identity.IsCanonicalID(in.SelfRef) || !identity.IsCanonicalID(in.OtherRef) {
		return MessagePage{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "participant ids must be uuids"}
	}

	self, err := s.resolver.Resolve(ctx, in.SelfRef)
	if err != nil {
		return MessagePage{}, wrapResolveErr(op, err)
	}
	if !self.Exists {
		return MessagePage{}, OpError{Op: op, Kind: ErrForbidden, Msg: "unknown caller"}
	}

	other, err := s.resolver.Resolve(ctx, in.OtherRef)
	if err != nil {
		return MessagePage{}, wrapResolveErr(op, err)
	}
	if !other.Exists {
		return MessagePage{}, OpError{Op: op, Kind: ErrNotFound, Msg: "other participant"}
	}

	conv, err := s.dir.Find(ctx, self, other, in.ContextKey)
	if err != nil {
		return MessagePage{}, err
	}

	if !conv.HasParticipant(self.Canonical) && !anyAliasIn(conv, self.Aliases) {
		return MessagePage{}, OpError{Op: op, Kind: ErrForbidden, Msg: "caller is not a participant"}
	}

	return s.GetMessages(ctx, FetchInput{
		ConversationID: conv.ID,
		ViewerID:       self.Canonical,
		Page:           in.Page,
		Limit:          in.Limit,
		MarkRead:       in.MarkRead,
	})
}

// StartConversation resolves both parties and runs the directory's
// get-or-create. It is idempotent: repeated calls land on the same row.
func (s *Service) StartConversation(ctx context.Context, selfRef, otherRef, contextKey, topic string) (Conversation, error) {
	const op = "messaging.StartConversation"

	if !identity.IsCanonicalID(selfRef) || !identity.IsCanonicalID(otherRef) {
		return Conversation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "participant ids must be uuids"}
	}

	self, err := s.resolver.Resolve(ctx, selfRef)
	if err != nil {
		return Conversation{}, wrapResolveErr(op, err)
	}
	if !self.Exists {
		return Conversation{}, OpError{Op: op, Kind: ErrForbidden, Msg: "unknown caller"}
	}

	other, err := s.resolver.Resolve(ctx, otherRef)
	if err != nil {
		return Conversation{}, wrapResolveErr(op, err)
	}
	if !other.Exists {
		return Conversation{}, OpError{Op: op, Kind: ErrNotFound, Msg: "other participant"}
	}

	return s.dir.GetOrCreate(ctx, self, other, contextKey, topic)
}

// MarkRead flips unread messages addressed to userID in the conversation and
// returns the user's fresh global unread count.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	const op = "messaging.MarkRead"

	if conversationID == "" || userID == "" {
		return 0, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing conversation or user"}
	}

	if _, err := s.store.MarkMessagesRead(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return s.store.CountUnread(ctx, userID)
}

// CountUnread returns the user's global unread total.
func (s *Service) CountUnread(ctx context.Context, userID string) (int64, error) {
	return s.store.CountUnread(ctx, userID)
}

func anyAliasIn(conv Conversation, aliases []string) bool {
	for _, a := range aliases {
		if conv.HasParticipant(a) {
			return true
		}
	}
	return false
}

// wrapResolveErr maps identity kinds onto the messaging taxonomy.
func wrapResolveErr(op string, err error) error {
	switch {
	case identity.IsInvalidInput(err):
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	case identity.IsUnavailable(err):
		return OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	case identity.IsNotFound(err):
		return OpError{Op: op, Kind: ErrNotFound, Msg: err.Error()}
	default:
		return err
	}
}
