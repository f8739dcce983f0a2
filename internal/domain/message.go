package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message is the single persisted record per accepted send. Ciphertext is
// stored and returned byte-for-byte; the server never decodes it.
type Message struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SenderID    uuid.UUID `gorm:"type:uuid;not null;index:idx_messages_sender_recipient,priority:1"`
	RecipientID uuid.UUID `gorm:"type:uuid;not null;index:idx_messages_sender_recipient,priority:2;index:idx_messages_recipient_created,priority:1"`
	Ciphertext  []byte    `gorm:"type:bytea;not null"`
	CreatedAt   time.Time `gorm:"not null;index:idx_messages_recipient_created,priority:2"`
	IsRead      bool      `gorm:"not null;default:false"`
}
