package store

import (
	"context"
	"errors"
	"sort"

	"e2ee-chat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (m *MessageStore) Create(ctx context.Context, msg *domain.Message) error {
	return m.db.WithContext(ctx).Create(msg).Error
}

func (m *MessageStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	var msg domain.Message
	if err := m.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// Conversation returns the last `limit` messages exchanged between a and b,
// oldest first.
func (m *MessageStore) Conversation(ctx context.Context, a, b uuid.UUID, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	tx := m.db.WithContext(ctx).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", a, b, b, a).
		Order("created_at desc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkAsRead flips is_read for the message only when readerID is its
// recipient. Reports whether a row matched; a false return is a no-op,
// not an error.
func (m *MessageStore) MarkAsRead(ctx context.Context, messageID, readerID uuid.UUID) (bool, error) {
	tx := m.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND recipient_id = ?", messageID, readerID).
		Update("is_read", true)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (m *MessageStore) UnreadCount(ctx context.Context, recipientID, senderID uuid.UUID) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("recipient_id = ? AND sender_id = ? AND is_read = ?", recipientID, senderID, false).
		Count(&count).Error
	return count, err
}

// Overview aggregates, per peer userID has exchanged messages with, the
// last message in that conversation and the count of unread messages from
// that peer. Last messages are returned newest first; the peer of each is
// whichever side of the message is not userID.
func (m *MessageStore) Overview(ctx context.Context, userID uuid.UUID) ([]domain.Message, map[uuid.UUID]int64, error) {
	var msgs []domain.Message
	if err := m.db.WithContext(ctx).
		Where("sender_id = ? OR recipient_id = ?", userID, userID).
		Order("created_at asc").
		Find(&msgs).Error; err != nil {
		return nil, nil, err
	}

	last := make(map[uuid.UUID]domain.Message)
	unread := make(map[uuid.UUID]int64)
	for _, msg := range msgs {
		peer := msg.SenderID
		if peer == userID {
			peer = msg.RecipientID
		}
		last[peer] = msg
		if msg.RecipientID == userID && !msg.IsRead {
			unread[peer]++
		}
	}

	out := make([]domain.Message, 0, len(last))
	for _, msg := range last {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, unread, nil
}
