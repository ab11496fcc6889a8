// Package v1 defines the Workkap realtime messaging wire contract.
//
// Envelopes are JSON frames exchanged over the websocket gateway. The contract
// is versioned so that clients and the server can evolve independently.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	TypeAuth             = "auth"
	TypeAuthAck          = "auth.ack"
	TypeMessageSend      = "message.send"
	TypeMessageAck       = "message.ack"
	TypeMessageNew       = "message.new"
	TypeConversationRead = "conversation.read"
	TypeUnreadCount      = "unread.count"
	TypeError            = "error"
)

var AllowedTypes = map[string]struct{}{
	TypeAuth:             {},
	TypeAuthAck:          {},
	TypeMessageSend:      {},
	TypeMessageAck:       {},
	TypeMessageNew:       {},
	TypeConversationRead: {},
	TypeUnreadCount:      {},
	TypeError:            {},
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// AuthPayload must be the first frame a client sends after connecting.
type AuthPayload struct {
	Token string `json:"token"`
}

type AuthAckPayload struct {
	UserID string `json:"user_id"`
}

type AttachmentPayload struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type MessageSendPayload struct {
	ConversationID string              `json:"conversation_id"`
	Content        string              `json:"content,omitempty"`
	Attachments    []AttachmentPayload `json:"attachments,omitempty"`
}

type MessageAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type MessageNewPayload struct {
	ConversationID string              `json:"conversation_id"`
	MessageID      string              `json:"message_id"`
	SenderID       string              `json:"sender_id"`
	ReceiverID     string              `json:"receiver_id"`
	Content        string              `json:"content,omitempty"`
	Attachments    []AttachmentPayload `json:"attachments,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

type ConversationReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

// UnreadCountPayload carries the receiving user's global unread total.
type UnreadCountPayload struct {
	Count int64 `json:"count"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
