package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "workkap").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "workkap",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const conversationCols = `id, participant_a, participant_b, context_key, COALESCE(topic, ''), created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.ContextKey, &c.Topic, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// ConversationByID fetches a conversation by its id.
func (s *PostgresStore) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	const op = "messaging.ConversationByID"

	conversations := pgIdent(s.schema, "conversations")

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+`
		   FROM `+conversations+`
		  WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
		}
		return Conversation{}, classifyPG(op, err)
	}
	return c, nil
}

// ConversationByKey looks up the exact canonical row.
func (s *PostgresStore) ConversationByKey(ctx context.Context, a, b, contextKey string) (Conversation, error) {
	const op = "messaging.ConversationByKey"

	conversations := pgIdent(s.schema, "conversations")

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+`
		   FROM `+conversations+`
		  WHERE participant_a = $1 AND participant_b = $2 AND context_key = $3`,
		a, b, contextKey,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
		}
		return Conversation{}, classifyPG(op, err)
	}
	return c, nil
}

// ConversationByAliases finds a legacy row matched through the alias sets.
func (s *PostgresStore) ConversationByAliases(ctx context.Context, aliasesA, aliasesB []string, contextKey string) (Conversation, error) {
	const op = "messaging.ConversationByAliases"

	if len(aliasesA) == 0 || len(aliasesB) == 0 {
		return Conversation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty alias set"}
	}

	conversations := pgIdent(s.schema, "conversations")

	// Either assignment of the two alias sets may match the stored pair.
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+`
		   FROM `+conversations+`
		  WHERE context_key = $3
		    AND ((participant_a = ANY($1) AND participant_b = ANY($2))
		      OR (participant_a = ANY($2) AND participant_b = ANY($1)))
		  ORDER BY created_at ASC
		  LIMIT 1`,
		aliasesA, aliasesB, contextKey,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
		}
		return Conversation{}, classifyPG(op, err)
	}
	return c, nil
}

// CreateConversation inserts a new conversation row.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	const op = "messaging.CreateConversation"

	if conv.ID == "" || conv.ParticipantA == "" || conv.ParticipantB == "" || conv.ContextKey == "" {
		return Conversation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing conversation fields"}
	}

	now := conv.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "conversations")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (
		     id, participant_a, participant_b, context_key, topic, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $6)`,
		conv.ID, conv.ParticipantA, conv.ParticipantB, conv.ContextKey, conv.Topic, now,
	)
	if err != nil {
		return Conversation{}, classifyPG(op, err)
	}

	conv.CreatedAt = now
	conv.UpdatedAt = now
	return conv, nil
}

// MigrateConversationPair re-keys an existing row onto the canonical pair.
func (s *PostgresStore) MigrateConversationPair(ctx context.Context, id, a, b string) error {
	const op = "messaging.MigrateConversationPair"

	conversations := pgIdent(s.schema, "conversations")

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+`
		    SET participant_a = $2,
		        participant_b = $3,
		        updated_at = now()
		  WHERE id = $1`,
		id, a, b,
	)
	if err != nil {
		return classifyPG(op, err)
	}
	if ct.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound, Msg: "conversation"}
	}
	return nil
}

// BackfillConversation fills topic and/or context key when currently absent.
func (s *PostgresStore) BackfillConversation(ctx context.Context, id, topic, contextKey string) error {
	const op = "messaging.BackfillConversation"

	if topic == "" && contextKey == "" {
		return nil
	}

	conversations := pgIdent(s.schema, "conversations")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+`
		    SET topic = COALESCE(topic, NULLIF($2, '')),
		        context_key = CASE WHEN context_key = '' AND $3 <> '' THEN $3 ELSE context_key END,
		        updated_at = now()
		  WHERE id = $1`,
		id, topic, contextKey,
	)
	if err != nil {
		return classifyPG(op, err)
	}
	return nil
}

// DuplicateConversations returns sibling rows created through aliases.
func (s *PostgresStore) DuplicateConversations(ctx context.Context, canonicalID string, aliasesA, aliasesB []string, contextKey string) ([]Conversation, error) {
	const op = "messaging.DuplicateConversations"

	if len(aliasesA) == 0 || len(aliasesB) == 0 {
		return nil, nil
	}

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationCols+`
		   FROM `+conversations+`
		  WHERE id <> $1
		    AND context_key = $4
		    AND ((participant_a = ANY($2) AND participant_b = ANY($3))
		      OR (participant_a = ANY($3) AND participant_b = ANY($2)))
		  ORDER BY created_at ASC`,
		canonicalID, aliasesA, aliasesB, contextKey,
	)
	if err != nil {
		return nil, classifyPG(op, err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classifyPG(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(op, err)
	}
	return out, nil
}

// MergeConversation reassigns the duplicate's messages and deletes the row in one tx.
func (s *PostgresStore) MergeConversation(ctx context.Context, dupID, canonicalID string) error {
	const op = "messaging.MergeConversation"

	if dupID == "" || canonicalID == "" || dupID == canonicalID {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "bad merge pair"}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return classifyPG(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+`
		    SET conversation_id = $2
		  WHERE conversation_id = $1`,
		dupID, canonicalID,
	); err != nil {
		return classifyPG(op, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+conversations+` WHERE id = $1`,
		dupID,
	); err != nil {
		return classifyPG(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPG(op, err)
	}
	return nil
}

// NormalizeMessageParticipants rewrites alias sender/receiver ids onto the canonical id.
func (s *PostgresStore) NormalizeMessageParticipants(ctx context.Context, conversationID, canonical string, aliases []string) error {
	const op = "messaging.NormalizeMessageParticipants"

	others := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a != "" && a != canonical {
			others = append(others, a)
		}
	}
	if len(others) == 0 {
		return nil
	}

	messages := pgIdent(s.schema, "messages")

	if _, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET sender_id = $2
		  WHERE conversation_id = $1 AND sender_id = ANY($3)`,
		conversationID, canonical, others,
	); err != nil {
		return classifyPG(op, err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET receiver_id = $2
		  WHERE conversation_id = $1 AND receiver_id = ANY($3)`,
		conversationID, canonical, others,
	); err != nil {
		return classifyPG(op, err)
	}
	return nil
}

// InsertMessage persists a message and bumps the conversation updated_at, atomically.
func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) error {
	const op = "messaging.InsertMessage"

	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" || m.ReceiverID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing message fields"}
	}

	now := m.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var attachments []byte
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return OpError{Op: op, Kind: ErrInvalidInput, Msg: "unencodable attachments"}
		}
		attachments = b
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return classifyPG(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, sender_id, receiver_id, content, attachments, is_read, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, attachments, m.IsRead, now,
	); err != nil {
		return classifyPG(op, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET updated_at = $2
		  WHERE id = $1`,
		m.ConversationID, now,
	); err != nil {
		return classifyPG(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPG(op, err)
	}
	return nil
}

const messageCols = `id, conversation_id, sender_id, receiver_id, COALESCE(content, ''), attachments, is_read, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m   Message
		att []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &att, &m.IsRead, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.Attachments = decodeAttachments(att)
	return m, nil
}

// decodeAttachments tolerates malformed stored JSON by returning an empty list.
func decodeAttachments(raw []byte) []Attachment {
	if len(raw) == 0 {
		return []Attachment{}
	}
	var out []Attachment
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return []Attachment{}
	}
	return out
}

// MessagesPage returns messages ordered created_at ASC (id tiebreak) with
// skip/take. limit <= 0 drops the LIMIT clause and returns the full tail.
func (s *PostgresStore) MessagesPage(ctx context.Context, conversationID string, offset, limit int) ([]Message, error) {
	const op = "messaging.MessagesPage"

	if conversationID == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing conversation_id"}
	}
	if offset < 0 {
		offset = 0
	}

	messages := pgIdent(s.schema, "messages")

	query := `SELECT ` + messageCols + `
	   FROM ` + messages + `
	  WHERE conversation_id = $1
	  ORDER BY created_at ASC, id ASC
	 OFFSET $2`
	args := []any{conversationID, offset}
	if limit > 0 {
		query += `
	  LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPG(op, err)
	}
	defer rows.Close()

	out := make([]Message, 0, max(limit, 0))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classifyPG(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(op, err)
	}
	return out, nil
}

// MarkMessagesRead flips unread messages addressed to receiverID to read.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, conversationID, receiverID string) (int64, error) {
	const op = "messaging.MarkMessagesRead"

	messages := pgIdent(s.schema, "messages")

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET is_read = TRUE
		  WHERE conversation_id = $1 AND receiver_id = $2 AND is_read = FALSE`,
		conversationID, receiverID,
	)
	if err != nil {
		return 0, classifyPG(op, err)
	}
	return ct.RowsAffected(), nil
}

// CountUnread returns the user's global unread total.
func (s *PostgresStore) CountUnread(ctx context.Context, receiverID string) (int64, error) {
	const op = "messaging.CountUnread"

	messages := pgIdent(s.schema, "messages")

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		   FROM `+messages+`
		  WHERE receiver_id = $1 AND is_read = FALSE`,
		receiverID,
	).Scan(&n)
	if err != nil {
		return 0, classifyPG(op, err)
	}
	return n, nil
}

// UnreadByConversation returns per-conversation unread counts in one grouped query.
func (s *PostgresStore) UnreadByConversation(ctx context.Context, receiverID string) (map[string]int64, error) {
	const op = "messaging.UnreadByConversation"

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, COUNT(*)
		   FROM `+messages+`
		  WHERE receiver_id = $1 AND is_read = FALSE
		  GROUP BY conversation_id`,
		receiverID,
	)
	if err != nil {
		return nil, classifyPG(op, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, classifyPG(op, err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(op, err)
	}
	return out, nil
}

// ConversationsForUser returns all conversations the user participates in.
func (s *PostgresStore) ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	const op = "messaging.ConversationsForUser"

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationCols+`
		   FROM `+conversations+`
		  WHERE participant_a = $1 OR participant_b = $1
		  ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, classifyPG(op, err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classifyPG(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(op, err)
	}
	return out, nil
}

// LastMessages returns the newest message per conversation id (DISTINCT ON).
func (s *PostgresStore) LastMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error) {
	const op = "messaging.LastMessages"

	out := make(map[string]Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (conversation_id) `+messageCols+`
		   FROM `+messages+`
		  WHERE conversation_id = ANY($1)
		  ORDER BY conversation_id, created_at DESC, id DESC`,
		conversationIDs,
	)
	if err != nil {
		return nil, classifyPG(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classifyPG(op, err)
		}
		out[m.ConversationID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(op, err)
	}
	return out, nil
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRe.MatchString(s)
}

func pgIdent(schema, name string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, name}.Sanitize()
}
