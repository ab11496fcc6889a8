package messaging

import "context"

// MessageCache is a best-effort per-conversation message list.
//
// The facade treats every cache error as a miss: writes are retried a few
// times and then dropped, reads fall back to the Store. The cache must never
// be the source of truth for read flags or unread counts.
type MessageCache interface {
	// Append pushes a message onto the conversation's cached list.
	Append(ctx context.Context, conversationID string, m Message) error

	// List returns the conversation's full cached list in append order.
	// An empty result means a cache miss.
	List(ctx context.Context, conversationID string) ([]Message, error)

	// Drop removes the conversation's cached list (used after merges).
	Drop(ctx context.Context, conversationID string) error
}

// NopCache is used in dev mode when Redis is not configured.
type NopCache struct{}

func (NopCache) Append(_ context.Context, _ string, _ Message) error { return nil }

func (NopCache) List(_ context.Context, _ string) ([]Message, error) { return nil, nil }

func (NopCache) Drop(_ context.Context, _ string) error { return nil }
