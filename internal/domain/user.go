package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is owned by the credential service; this core only reads it to echo
// usernames and serve public keys. PublicKey is the identity's encryption
// key registered at sign-up, opaque to the server.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username  string    `gorm:"uniqueIndex;not null"`
	Email     string    `gorm:"uniqueIndex;not null"`
	PublicKey string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}
