package messaging

import (
	"regexp"
	"strings"
	"time"
)

// DefaultContextKey scopes conversations that were created without an
// explicit context (e.g. general chat, as opposed to a per-order thread).
const DefaultContextKey = "default"

// MaxContextKeyLen bounds context keys at the wire and storage layers.
const MaxContextKeyLen = 120

var contextKeyRe = regexp.MustCompile(`^[A-Za-z0-9:_-]{1,120}$`)

// NormalizeContextKey trims the key, substitutes the default for an empty
// value, and validates the charset/length contract.
func NormalizeContextKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return DefaultContextKey, nil
	}
	if len(key) > MaxContextKeyLen || !contextKeyRe.MatchString(key) {
		return "", OpError{Op: "messaging.NormalizeContextKey", Kind: ErrInvalidInput, Msg: "invalid context key"}
	}
	return key, nil
}

// OrderPair returns the two canonical participant ids in storage order.
// The ordered pair makes (a,b) and (b,a) address the same conversation row.
func OrderPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// Attachment is one file reference carried by a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Conversation is one two-party thread keyed by the canonical ordered pair
// plus a context key.
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participantA"`
	ParticipantB string    `json:"participantB"`
	ContextKey   string    `json:"contextKey"`
	Topic        string    `json:"topic,omitempty"` // empty means unset
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasParticipant reports whether id is one of the two stored participants.
func (c Conversation) HasParticipant(id string) bool {
	return id != "" && (c.ParticipantA == id || c.ParticipantB == id)
}

// OtherParticipant returns the participant that is not id.
func (c Conversation) OtherParticipant(id string) (string, bool) {
	switch id {
	case c.ParticipantA:
		return c.ParticipantB, true
	case c.ParticipantB:
		return c.ParticipantA, true
	default:
		return "", false
	}
}

// Message is one persisted chat message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	ReceiverID     string       `json:"receiverId"`
	Content        string       `json:"content,omitempty"`
	Attachments    []Attachment `json:"attachments"`
	IsRead         bool         `json:"isRead"`
	CreatedAt      time.Time    `json:"createdAt"`
}
