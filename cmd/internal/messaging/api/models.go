package messagingapi

import "workkap/cmd/internal/messaging"

type sendMessageRequest struct {
	ConversationID string                 `json:"conversationId"`
	Content        string                 `json:"content,omitempty"`
	Attachments    []messaging.Attachment `json:"attachments,omitempty"`
}

type startConversationRequest struct {
	OtherUserID string `json:"otherUserId"`
	ContextKey  string `json:"contextKey,omitempty"`
	Topic       string `json:"topic,omitempty"`
}

type markReadRequest struct {
	ConversationID string `json:"conversationId"`
}

type markReadResponse struct {
	UnreadCount int64 `json:"unreadCount"`
}
