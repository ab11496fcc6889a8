package messaging

import (
	"context"
	"log/slog"
	"time"

	"workkap/cmd/identity"
)

// Directory owns conversation identity: the canonical (pair, context key)
// row, migration of legacy alias-keyed rows, and merge of duplicates.
//
// Operations are idempotent; running GetOrCreate twice for the same pair
// converges on the same row.
type Directory struct {
	log   *slog.Logger
	store Store
	cache MessageCache
	now   Clock
}

// NewDirectory constructs a Directory.
func NewDirectory(log *slog.Logger, store Store, cache MessageCache) *Directory {
	if cache == nil {
		cache = NopCache{}
	}
	return &Directory{
		log:   log,
		store: store,
		cache: cache,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the directory clock (tests).
func (d *Directory) WithClock(now Clock) *Directory {
	if now != nil {
		d.now = now
	}
	return d
}

// GetOrCreate returns the canonical conversation for the two participants,
// creating or repairing rows as needed.
//
// Resolution order:
//  1. exact lookup on the canonical ordered pair
//  2. alias fallback over legacy rows, migrated in place when found
//  3. create, with a conflict re-read for concurrent creators
//
// Every path finishes with duplicate cleanup, which is logged but never
// surfaced: a failed merge leaves the duplicates for the next call.
func (d *Directory) GetOrCreate(ctx context.Context, self, other identity.Participant, contextKey, topic string) (Conversation, error) {
	const op = "messaging.Directory.GetOrCreate"

	key, err := NormalizeContextKey(contextKey)
	if err != nil {
		return Conversation{}, err
	}
	if self.Canonical == "" || other.Canonical == "" {
		return Conversation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing participant"}
	}
	if self.Canonical == other.Canonical {
		return Conversation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "participants must differ"}
	}

	conv, err := d.locate(ctx, self, other, key, topic)
	if err != nil {
		return Conversation{}, err
	}

	d.cleanupDuplicates(ctx, conv, self, other, key)
	return conv, nil
}

// Find returns the canonical conversation for the two participants without
// creating one. Legacy rows found through aliases are still migrated and
// deduplicated so repeated reads converge on the canonical row.
func (d *Directory) Find(ctx context.Context, self, other identity.Participant, contextKey string) (Conversation, error) {
	const op = "messaging.Directory.Find"

	key, err := NormalizeContextKey(contextKey)
	if err != nil {
		return Conversation{}, err
	}
	if self.Canonical == "" || other.Canonical == "" {
		return Conversation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing participant"}
	}

	conv, err := d.lookup(ctx, self, other, key, "")
	if err != nil {
		return Conversation{}, err
	}

	d.cleanupDuplicates(ctx, conv, self, other, key)
	return conv, nil
}

// lookup is the shared exact-then-alias resolution; it returns ErrNotFound
// when neither path matches.
func (d *Directory) lookup(ctx context.Context, self, other identity.Participant, key, topic string) (Conversation, error) {
	pa, pb := OrderPair(self.Canonical, other.Canonical)

	conv, err := d.store.ConversationByKey(ctx, pa, pb, key)
	if err == nil {
		return d.backfill(ctx, conv, topic, key), nil
	}
	if !IsNotFound(err) {
		return Conversation{}, err
	}

	conv, err = d.store.ConversationByAliases(ctx, self.Aliases, other.Aliases, key)
	if err != nil {
		return Conversation{}, err
	}
	return d.migrate(ctx, conv, self, other, topic, key)
}

func (d *Directory) locate(ctx context.Context, self, other identity.Participant, key, topic string) (Conversation, error) {
	conv, err := d.lookup(ctx, self, other, key, topic)
	if err == nil {
		return conv, nil
	}
	if !IsNotFound(err) {
		return Conversation{}, err
	}

	pa, pb := OrderPair(self.Canonical, other.Canonical)
	return d.create(ctx, pa, pb, key, topic)
}

// migrate re-keys a legacy alias row onto the canonical pair. A conflict
// means the canonical row appeared concurrently; use that row instead.
func (d *Directory) migrate(ctx context.Context, conv Conversation, self, other identity.Participant, topic, key string) (Conversation, error) {
	pa, pb := OrderPair(self.Canonical, other.Canonical)

	if conv.ParticipantA == pa && conv.ParticipantB == pb {
		return d.backfill(ctx, conv, topic, key), nil
	}

	if err := d.store.MigrateConversationPair(ctx, conv.ID, pa, pb); err != nil {
		if !IsConflict(err) {
			return Conversation{}, err
		}
		winner, rerr := d.store.ConversationByKey(ctx, pa, pb, conv.ContextKey)
		if rerr != nil {
			// The conflict is the authoritative failure here.
			return Conversation{}, err
		}
		return d.backfill(ctx, winner, topic, key), nil
	}

	d.log.Info("messaging.conversation.migrated",
		"conversation_id", conv.ID,
		"participant_a", pa,
		"participant_b", pb,
	)

	conv.ParticipantA = pa
	conv.ParticipantB = pb
	d.normalizeMessages(ctx, conv.ID, self, other)
	return d.backfill(ctx, conv, topic, key), nil
}

func (d *Directory) create(ctx context.Context, pa, pb, key, topic string) (Conversation, error) {
	id, err := identity.NewULID(d.now())
	if err != nil {
		return Conversation{}, err
	}

	conv, err := d.store.CreateConversation(ctx, Conversation{
		ID:           id,
		ParticipantA: pa,
		ParticipantB: pb,
		ContextKey:   key,
		Topic:        topic,
		CreatedAt:    d.now(),
	})
	if err == nil {
		return conv, nil
	}
	if !IsConflict(err) {
		return Conversation{}, err
	}

	// Lost a create race: the canonical row must exist now.
	winner, rerr := d.store.ConversationByKey(ctx, pa, pb, key)
	if rerr != nil {
		return Conversation{}, err
	}
	return winner, nil
}

// backfill persists topic/context key when the stored row lacks them.
func (d *Directory) backfill(ctx context.Context, conv Conversation, topic, key string) Conversation {
	fillTopic := ""
	if conv.Topic == "" && topic != "" {
		fillTopic = topic
	}
	fillKey := ""
	if conv.ContextKey == "" && key != "" {
		fillKey = key
	}
	if fillTopic == "" && fillKey == "" {
		return conv
	}

	if err := d.store.BackfillConversation(ctx, conv.ID, fillTopic, fillKey); err != nil {
		d.log.Warn("messaging.conversation.backfill_failed", "conversation_id", conv.ID, "err", err)
		return conv
	}
	if fillTopic != "" {
		conv.Topic = fillTopic
	}
	if fillKey != "" {
		conv.ContextKey = fillKey
	}
	return conv
}

// cleanupDuplicates merges alias-created sibling rows into the canonical
// conversation. Each duplicate is merged atomically; failures are logged
// and retried implicitly on the next GetOrCreate. Message normalization runs
// on every pass, duplicates or not: alias-authored rows can exist without a
// sibling conversation.
func (d *Directory) cleanupDuplicates(ctx context.Context, conv Conversation, self, other identity.Participant, key string) {
	merged := 0

	dups, err := d.store.DuplicateConversations(ctx, conv.ID, self.Aliases, other.Aliases, key)
	if err != nil {
		d.log.Warn("messaging.conversation.dedupe_scan_failed", "conversation_id", conv.ID, "err", err)
	} else {
		for _, dup := range dups {
			if err := d.store.MergeConversation(ctx, dup.ID, conv.ID); err != nil {
				d.log.Warn("messaging.conversation.merge_failed",
					"conversation_id", conv.ID,
					"duplicate_id", dup.ID,
					"err", err,
				)
				continue
			}
			merged++

			if err := d.cache.Drop(ctx, dup.ID); err != nil {
				d.log.Warn("messaging.cache.drop_failed", "conversation_id", dup.ID, "err", err)
			}
		}
	}

	if merged > 0 {
		d.log.Info("messaging.conversation.deduped",
			"conversation_id", conv.ID,
			"merged", merged,
		)
	}

	d.normalizeMessages(ctx, conv.ID, self, other)

	if merged == 0 {
		return
	}

	// Merged rows were appended under stale ids; drop the canonical list so
	// reads repopulate from the store.
	if err := d.cache.Drop(ctx, conv.ID); err != nil {
		d.log.Warn("messaging.cache.drop_failed", "conversation_id", conv.ID, "err", err)
	}
}

// normalizeMessages rewrites alias sender/receiver ids in place. Failures
// are logged, not surfaced: stale ids only affect display until the next pass.
func (d *Directory) normalizeMessages(ctx context.Context, conversationID string, participants ...identity.Participant) {
	for _, p := range participants {
		if err := d.store.NormalizeMessageParticipants(ctx, conversationID, p.Canonical, p.Aliases); err != nil {
			d.log.Warn("messaging.conversation.normalize_failed",
				"conversation_id", conversationID,
				"participant", p.Canonical,
				"err", err,
			)
		}
	}
}
