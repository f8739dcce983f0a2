package chatclient

import (
	"encoding/json"
	"time"
)

// Event is one frame pushed by the server. Payload stays raw until the
// caller decodes it with the typed helpers below.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event types the server pushes.
const (
	EventMessage     = "message"
	EventTyping      = "typing"
	EventMessageRead = "messageRead"
	EventUserOnline  = "userOnline"
	EventUserOffline = "userOffline"
	EventOnlineUsers = "onlineUsers"
	EventError       = "error"
)

type Message struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	RecipientID    string    `json:"recipientId"`
	Ciphertext     string    `json:"ciphertext"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
}

type Typing struct {
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	IsTyping       bool   `json:"isTyping"`
}

type MessageRead struct {
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
}

type Presence struct {
	IdentityID string `json:"identityId"`
	Username   string `json:"username"`
}

type OnlineUsers struct {
	IdentityIDs []string `json:"onlineIdentityIds"`
}

type ServerError struct {
	Message string `json:"message"`
}

// Conversation is one row of the GET /conversations overview.
type Conversation struct {
	UserID          string    `json:"userId"`
	Username        string    `json:"username"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int64     `json:"unreadCount"`
}

func (e Event) DecodeMessage() (Message, error) {
	var m Message
	err := json.Unmarshal(e.Payload, &m)
	return m, err
}

func (e Event) DecodeTyping() (Typing, error) {
	var t Typing
	err := json.Unmarshal(e.Payload, &t)
	return t, err
}

func (e Event) DecodeMessageRead() (MessageRead, error) {
	var m MessageRead
	err := json.Unmarshal(e.Payload, &m)
	return m, err
}

func (e Event) DecodePresence() (Presence, error) {
	var p Presence
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Event) DecodeOnlineUsers() (OnlineUsers, error) {
	var o OnlineUsers
	err := json.Unmarshal(e.Payload, &o)
	return o, err
}
