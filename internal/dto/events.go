package dto

import "time"

// Event names pushed to connected clients.
const (
	EventMessage     = "message"
	EventTyping      = "typing"
	EventMessageRead = "messageRead"
	EventUserOnline  = "userOnline"
	EventUserOffline = "userOffline"
	EventOnlineUsers = "onlineUsers"
	EventError       = "error"
)

// Event names accepted from clients.
const (
	EventSendMessage = "sendMessage"
	EventMarkAsRead  = "markAsRead"
)

// Event is the envelope for every frame pushed to a client connection.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Message is a persisted message echoed to sender and recipient connections
// and returned by the history read paths. Ciphertext is forwarded verbatim.
type Message struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	RecipientID    string    `json:"recipientId"`
	Ciphertext     string    `json:"ciphertext"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
}

type TypingPayload struct {
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	IsTyping       bool   `json:"isTyping"`
}

type MessageReadPayload struct {
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
}

type PresencePayload struct {
	IdentityID string `json:"identityId"`
	Username   string `json:"username,omitempty"`
}

type OnlineUsersPayload struct {
	IdentityIDs []string `json:"onlineIdentityIds"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Conversation summarizes one peer the caller has exchanged messages with.
type Conversation struct {
	UserID          string    `json:"userId"`
	Username        string    `json:"username"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int64     `json:"unreadCount"`
}
